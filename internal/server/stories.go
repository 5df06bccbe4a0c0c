package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"klawfield/internal/domain"
	"klawfield/internal/engine"
	"klawfield/internal/ratelimit"
)

type StoryPath struct {
	StoryID string `path:"story_id" format:"uuid"`
}

type listQuery struct {
	Q        string `query:"q" required:"false" maxLength:"50"`
	Status   string `query:"status" required:"false" enum:"all,normal,pending,approved,rejected"`
	Page     int    `query:"page" required:"false" minimum:"1"`
	PageSize int    `query:"pageSize" required:"false" minimum:"1" maximum:"50"`
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current session and profile",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmI `json:"body"`
	}, error) {
		out := WhoAmI{}
		p, ok := principalFromContext(ctx)
		if ok && p.UserID != "" {
			out.User = &userBody{ID: p.UserID, Email: p.Email}
			out.Admin = e.Config.IsAdminEmail(p.Email)
			if out.Admin {
				out.AdminDisplayName = e.Config.Auth.AdminDisplayName
			}
			profile, err := e.GetProfile(ctx, p.UserID)
			if err != nil {
				// A broken profile row must not lock the user out of the session.
				out.ProfileUnavailable = true
			} else {
				out.Profile = &profile
			}
		}
		return &struct {
			Body WhoAmI `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-x-username",
		Method:      http.MethodPut,
		Path:        "/me/x-username",
		Summary:     "Set the X username (once)",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SetXUsernameRequest `json:"body"`
	}) (*struct {
		Body domain.Profile `json:"body"`
	}, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		profile, err := e.SetXUsername(ctx, p.UserID, input.Body.XUsername)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Profile `json:"body"`
		}{Body: profile}, nil
	})
}

func registerStories(api huma.API, e engine.Engine, limiter *ratelimit.Limiter) {
	limits := e.Config.RateLimits

	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/stories",
		Summary:     "List stories (public projection)",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *listQuery) (*struct {
		Body PublicStoryList `json:"body"`
	}, error) {
		list, err := e.ListStories(ctx, input.Q, input.Status, input.Page, input.PageSize)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublicStoryList `json:"body"`
		}{Body: publicList(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-story",
		Method:        http.MethodPost,
		Path:          "/stories",
		Summary:       "Submit a story",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateStoryRequest `json:"body"`
	}) (*struct {
		Body domain.StoryOwner `json:"body"`
	}, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ip := clientIP(requestFromContext(ctx))
		if err := checkRate(ctx, limiter, "story-submit:"+p.UserID+":"+ip, limits.StorySubmitPerMinute,
			"Too many submissions. Try again shortly."); err != nil {
			return nil, err
		}
		s, err := e.CreateStory(ctx, p.UserID, input.Body.StoryText, input.Body.WalletSolana, input.Body.Country)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StoryOwner `json:"body"`
		}{Body: s.OwnerView(nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-my-stories",
		Method:      http.MethodGet,
		Path:        "/stories/mine",
		Summary:     "List the caller's own stories with task detail",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Page     int `query:"page" required:"false" minimum:"1"`
		PageSize int `query:"pageSize" required:"false" minimum:"1" maximum:"50"`
	}) (*struct {
		Body OwnerStoryList `json:"body"`
	}, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		list, err := e.ListMyStories(ctx, p.UserID, input.Page, input.PageSize)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OwnerStoryList `json:"body"`
		}{Body: ownerList(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-story",
		Method:      http.MethodGet,
		Path:        "/stories/{story_id}",
		Summary:     "Fetch one story",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *StoryPath) (*struct {
		Body domain.StoryOwner `json:"body"`
	}, error) {
		item, err := e.GetStory(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		var viewerID string
		var viewerAdmin bool
		if p, ok := principalFromContext(ctx); ok {
			viewerID = p.UserID
			viewerAdmin = e.Config.IsAdminEmail(p.Email)
		}
		return &struct {
			Body domain.StoryOwner `json:"body"`
		}{Body: ownerView(item, viewerID, viewerAdmin)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-proof",
		Method:      http.MethodPost,
		Path:        "/stories/{story_id}/proof",
		Summary:     "Submit proof for the assigned task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		StoryPath
		Body SubmitProofRequest `json:"body"`
	}) (*struct {
		Body domain.TaskView `json:"body"`
	}, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ip := clientIP(requestFromContext(ctx))
		if err := checkRate(ctx, limiter, "proof-submit:"+p.UserID+":"+ip, limits.ProofSubmitPerMinute,
			"Too many proof submissions. Try again shortly."); err != nil {
			return nil, err
		}
		t, err := e.SubmitProof(ctx, p.UserID, input.StoryID, input.Body.ProofURL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskView `json:"body"`
		}{Body: taskView(t)}, nil
	})
}

func taskView(t domain.StoryTask) domain.TaskView {
	return domain.TaskView{
		ID:               t.ID,
		TaskText:         t.TaskText,
		State:            t.State,
		ProofURL:         t.ProofURL,
		ProofSubmittedAt: t.ProofSubmittedAt,
		DecisionNote:     t.DecisionNote,
		ReviewedAt:       t.ReviewedAt,
		AssignedAt:       t.AssignedAt,
	}
}
