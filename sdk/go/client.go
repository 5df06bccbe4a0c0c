package klawfieldsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Klawfield HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Session is what register and login return.
type Session struct {
	User struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
	Token string `json:"token"`
}

// Story is the API story projection (partial).
type Story struct {
	ID          string  `json:"id"`
	XUsername   string  `json:"x_username"`
	StoryText   string  `json:"story_text"`
	Status      string  `json:"status"`
	SubmittedAt string  `json:"submitted_at"`
	TaskText    *string `json:"task_text"`
	Task        *Task   `json:"task,omitempty"`
}

// Task is the API task projection.
type Task struct {
	ID               string  `json:"id"`
	TaskText         string  `json:"task_text"`
	State            string  `json:"state"`
	ProofURL         *string `json:"proof_url"`
	ProofSubmittedAt *string `json:"proof_submitted_at"`
	DecisionNote     *string `json:"decision_note"`
	ReviewedAt       *string `json:"reviewed_at"`
	AssignedAt       string  `json:"assigned_at"`
}

// StoryPage wraps the list response.
type StoryPage struct {
	Stories  []Story `json:"stories"`
	Page     int     `json:"page"`
	PageSize int     `json:"pageSize"`
	Total    int     `json:"total"`
	Counts   struct {
		All      int `json:"all"`
		Normal   int `json:"normal"`
		Pending  int `json:"pending"`
		Approved int `json:"approved"`
		Rejected int `json:"rejected"`
	} `json:"counts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Register creates an account and stores the returned token on the client.
func (c *Client) Register(ctx context.Context, email, password string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "auth/register", map[string]any{"email": email, "password": password}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{"email": email, "password": password}, &resp)
	if err == nil {
		c.BearerToken = resp.Token
	}
	return resp, err
}

// SetXUsername sets the caller's handle.
func (c *Client) SetXUsername(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodPut, "me/x-username", map[string]any{"xUsername": username}, nil)
}

// CreateStory submits a story.
func (c *Client) CreateStory(ctx context.Context, storyText, walletSolana, country string) (Story, error) {
	var resp Story
	err := c.do(ctx, http.MethodPost, "stories", map[string]any{
		"storyText":    storyText,
		"walletSolana": walletSolana,
		"country":      country,
	}, &resp)
	return resp, err
}

// SubmitProof posts a proof link for the caller's story.
func (c *Client) SubmitProof(ctx context.Context, storyID, proofURL string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("stories/%s/proof", url.PathEscape(storyID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"proofUrl": proofURL}, &resp)
	return resp, err
}

// Stories lists the public queue.
func (c *Client) Stories(ctx context.Context, q, status string, page, pageSize int) (StoryPage, error) {
	endpoint := "stories"
	params := url.Values{}
	if q != "" {
		params.Set("q", q)
	}
	if status != "" {
		params.Set("status", status)
	}
	if page > 0 {
		params.Set("page", fmt.Sprintf("%d", page))
	}
	if pageSize > 0 {
		params.Set("pageSize", fmt.Sprintf("%d", pageSize))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp StoryPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MyStories lists the caller's own submissions with task detail.
func (c *Client) MyStories(ctx context.Context, page, pageSize int) (StoryPage, error) {
	endpoint := "stories/mine"
	params := url.Values{}
	if page > 0 {
		params.Set("page", fmt.Sprintf("%d", page))
	}
	if pageSize > 0 {
		params.Set("pageSize", fmt.Sprintf("%d", pageSize))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp StoryPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Story fetches one story.
func (c *Client) Story(ctx context.Context, storyID string) (Story, error) {
	var resp Story
	err := c.do(ctx, http.MethodGet, "stories/"+url.PathEscape(storyID), nil, &resp)
	return resp, err
}

// AssignTask assigns or replaces the verification task (admin only).
func (c *Client) AssignTask(ctx context.Context, storyID, taskText string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("admin/stories/%s/assign", url.PathEscape(storyID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"taskText": taskText}, &resp)
	return resp, err
}

// Approve accepts a submitted proof (admin only).
func (c *Client) Approve(ctx context.Context, storyID, note string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("admin/stories/%s/approve", url.PathEscape(storyID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"note": note}, &resp)
	return resp, err
}

// Reject declines a pending story (admin only).
func (c *Client) Reject(ctx context.Context, storyID, note string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("admin/stories/%s/reject", url.PathEscape(storyID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"note": note}, &resp)
	return resp, err
}

// Reopen puts a rejected story back in review (admin only).
func (c *Client) Reopen(ctx context.Context, storyID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("admin/stories/%s/reopen", url.PathEscape(storyID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
