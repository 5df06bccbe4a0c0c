package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"klawfield/internal/config"
	"klawfield/internal/db"
	"klawfield/internal/domain"
	"klawfield/internal/engine"
	"klawfield/internal/migrate"
)

const (
	testWallet = "4Nd1mK6Y4K7r9Wz8qT3vB2xJ5hP6sD9fG1cL8aE7nRbQ"
	adminEmail = "admin@example.com"
)

var testStoryText = strings.Repeat("The claw machine in the laundromat kept my coin and my heart. ", 2)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(cfg *config.Config), rdb *redis.Client) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret-test-secret"
	cfg.Auth.AdminEmails = []string{adminEmail}
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: cfg.Auth.JWTSecret, TokenTTL: cfg.TokenTTL()},
		Redis:    rdb,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func registerUser(t *testing.T, srv *testServer, email string) sessionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{
		"email":    email,
		"password": "hunter2hunter2",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: %d %s", email, res.StatusCode, string(data))
	}
	var session sessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	return session
}

func setUsername(t *testing.T, srv *testServer, token, handle string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/me/x-username", map[string]any{
		"xUsername": handle,
	}, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set username: %d %s", res.StatusCode, string(data))
	}
}

func createStory(t *testing.T, srv *testServer, token string) domain.StoryOwner {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/stories", map[string]any{
		"storyText":    testStoryText,
		"walletSolana": testWallet,
		"country":      "Portugal",
	}, bearer(token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create story: %d %s", res.StatusCode, string(data))
	}
	var story domain.StoryOwner
	if err := json.Unmarshal(data, &story); err != nil {
		t.Fatalf("unmarshal story: %v", err)
	}
	return story
}

func TestAuthAndProfile(t *testing.T) {
	srv, cleanup := newTestServer(t, nil, nil)
	defer cleanup()
	client := srv.Client()

	session := registerUser(t, srv, "user@example.com")

	// Duplicate email conflicts.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{
		"email":    "user@example.com",
		"password": "hunter2hunter2",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}

	// Wrong password is rejected without detail.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"email":    "user@example.com",
		"password": "wrong-password",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	// No token means anonymous whoami, not an error.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("anonymous me: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmI
	_ = json.Unmarshal(data, &who)
	if who.User != nil {
		t.Fatalf("expected anonymous session, got %+v", who.User)
	}

	// A garbage token is an error.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer("not-a-jwt"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}

	setUsername(t, srv, session.Token, "@Claw_Fan")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer(session.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.User == nil || who.User.Email != "user@example.com" || who.Admin {
		t.Fatalf("unexpected whoami %+v", who)
	}
	if who.Profile == nil || who.Profile.XUsername == nil || *who.Profile.XUsername != "claw_fan" {
		t.Fatalf("expected canonical handle, got %+v", who.Profile)
	}

	// Changing the handle conflicts.
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/me/x-username", map[string]any{
		"xUsername": "another_handle",
	}, bearer(session.Token))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
}

func TestStoryLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, nil, nil)
	defer cleanup()
	client := srv.Client()

	owner := registerUser(t, srv, "owner@example.com")
	admin := registerUser(t, srv, adminEmail)
	stranger := registerUser(t, srv, "stranger@example.com")
	setUsername(t, srv, owner.Token, "story_owner")

	// Story before the handle is rejected; registered admin has no handle.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/stories", map[string]any{
		"storyText":    testStoryText,
		"walletSolana": testWallet,
		"country":      "Portugal",
	}, bearer(admin.Token))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without handle, got %d %s", res.StatusCode, string(data))
	}

	story := createStory(t, srv, owner.Token)
	if story.Status != domain.StoryNormal {
		t.Fatalf("expected normal story, got %s", story.Status)
	}

	// The public list never carries wallets or owner ids.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stories", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("public list: %d %s", res.StatusCode, string(data))
	}
	if strings.Contains(string(data), testWallet) {
		t.Fatalf("wallet leaked into public list: %s", string(data))
	}
	var pub PublicStoryList
	if err := json.Unmarshal(data, &pub); err != nil {
		t.Fatalf("unmarshal public list: %v", err)
	}
	if pub.Total != 1 || len(pub.Stories) != 1 || pub.Stories[0].XUsername != "story_owner" {
		t.Fatalf("unexpected public list %+v", pub)
	}

	// Admin routes reject non-admins.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/admin/stories/"+story.ID+"/assign", map[string]any{
		"taskText": "Tweet about the claw machine.",
	}, bearer(stranger.Token))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/admin/stories/"+story.ID+"/assign", map[string]any{
		"taskText": "Tweet about the claw machine.",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/admin/stories/"+story.ID+"/assign", map[string]any{
		"taskText": "Tweet about the claw machine.",
	}, bearer(admin.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", res.StatusCode, string(data))
	}
	var task domain.TaskView
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.State != domain.TaskAwaitingProof {
		t.Fatalf("expected awaiting_proof, got %s", task.State)
	}

	// A stranger sees the instruction text but not the task detail.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stories/"+story.ID, nil, bearer(stranger.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get story: %d %s", res.StatusCode, string(data))
	}
	var strangerView domain.StoryOwner
	_ = json.Unmarshal(data, &strangerView)
	if strangerView.Task != nil {
		t.Fatalf("task detail leaked to stranger: %+v", strangerView.Task)
	}
	if strangerView.TaskText == nil || *strangerView.TaskText != "Tweet about the claw machine." {
		t.Fatalf("expected instruction text visible, got %+v", strangerView.TaskText)
	}

	// Only the owner can submit proof.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/stories/"+story.ID+"/proof", map[string]any{
		"proofUrl": "https://x.com/story_owner/status/12345",
	}, bearer(stranger.Token))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/stories/"+story.ID+"/proof", map[string]any{
		"proofUrl": "https://x.com/story_owner/status/12345",
	}, bearer(owner.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("proof: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/admin/stories/"+story.ID+"/approve", map[string]any{
		"note": "Verified.",
	}, bearer(admin.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal approved task: %v", err)
	}
	if task.State != domain.TaskApproved {
		t.Fatalf("expected approved, got %s", task.State)
	}

	// The owner's own list includes the task detail; a stranger's is empty.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stories/mine", nil, bearer(owner.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("my stories: %d %s", res.StatusCode, string(data))
	}
	var mine OwnerStoryList
	if err := json.Unmarshal(data, &mine); err != nil {
		t.Fatalf("unmarshal my stories: %v", err)
	}
	if mine.Total != 1 || len(mine.Stories) != 1 || mine.Counts.Approved != 1 {
		t.Fatalf("unexpected my stories %+v", mine)
	}
	if mine.Stories[0].Task == nil || mine.Stories[0].Task.State != domain.TaskApproved {
		t.Fatalf("expected task detail in my stories, got %+v", mine.Stories[0].Task)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stories/mine", nil, bearer(stranger.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stranger my stories: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &mine); err != nil {
		t.Fatalf("unmarshal stranger my stories: %v", err)
	}
	if mine.Total != 0 || len(mine.Stories) != 0 {
		t.Fatalf("stranger should have no stories, got %+v", mine)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stories/mine", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous my stories, got %d %s", res.StatusCode, string(data))
	}

	// Admin list carries the private metadata.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/admin/stories?status=approved", nil, bearer(admin.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin list: %d %s", res.StatusCode, string(data))
	}
	var adminPage AdminStoryList
	if err := json.Unmarshal(data, &adminPage); err != nil {
		t.Fatalf("unmarshal admin list: %v", err)
	}
	if len(adminPage.Stories) != 1 || adminPage.Stories[0].WalletSolana != testWallet {
		t.Fatalf("unexpected admin list %+v", adminPage)
	}

	// The audit trail covers the whole cycle.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/admin/stories/"+story.ID+"/events", nil, bearer(admin.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events []domain.TaskEvent
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 3 || events[0].Type != domain.EventApproved {
		t.Fatalf("unexpected event trail %+v", events)
	}
}

func TestRegisterRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	srv, cleanup := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimits.RegisterPerMinute = 2
	}, rdb)
	defer cleanup()
	client := srv.Client()

	for i, email := range []string{"one@example.com", "two@example.com"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{
			"email":    email,
			"password": "hunter2hunter2",
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("register %d: %d %s", i, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{
		"email":    "three@example.com",
		"password": "hunter2hunter2",
	}, nil)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "Too many registration attempts") {
		t.Fatalf("unexpected 429 body: %s", string(data))
	}
	retryAfter, err := strconv.Atoi(res.Header.Get("Retry-After"))
	if err != nil || retryAfter <= 0 || retryAfter > 60 {
		t.Fatalf("expected a Retry-After header within the window, got %q", res.Header.Get("Retry-After"))
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	srv, cleanup := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.TokenTTLHours = 1
	}, rdb)
	defer cleanup()
	client := srv.Client()

	session := registerUser(t, srv, "bye@example.com")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer(session.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me before logout: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/logout", nil, bearer(session.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("logout: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer(session.Token))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected revoked token rejected, got %d %s", res.StatusCode, string(data))
	}

	// The revocation key expires with the token.
	if mr.TTL(revokedKey(jtiFromToken(t, session.Token))) <= 0 {
		t.Fatalf("expected a bounded revocation TTL")
	}
}

func jtiFromToken(t *testing.T, token string) string {
	t.Helper()
	p, err := authenticateJWT(token, "test-secret-test-secret")
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	return p.JTI
}
