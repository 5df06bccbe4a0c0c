package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"klawfield/internal/domain"
	"klawfield/internal/engine"
	"klawfield/internal/repo"
)

var adminErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

func registerAdminStories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "admin-list-stories",
		Method:      http.MethodGet,
		Path:        "/admin/stories",
		Summary:     "List stories (full projection)",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *listQuery) (*struct {
		Body AdminStoryList `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, err
		}
		list, err := e.ListStories(ctx, input.Q, input.Status, input.Page, input.PageSize)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdminStoryList `json:"body"`
		}{Body: adminList(list)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-get-story",
		Method:      http.MethodGet,
		Path:        "/admin/stories/{story_id}",
		Summary:     "Fetch one story (full projection)",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *StoryPath) (*struct {
		Body domain.StoryAdmin `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, err
		}
		item, err := e.GetStory(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StoryAdmin `json:"body"`
		}{Body: item.Story.AdminView(item.Task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/admin/stories/{story_id}/assign",
		Summary:     "Assign or replace the verification task",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		StoryPath
		Body AssignTaskRequest `json:"body"`
	}) (*struct {
		Body domain.TaskView `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AssignTask(ctx, p.UserID, input.StoryID, input.Body.TaskText)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskView `json:"body"`
		}{Body: taskView(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-story",
		Method:      http.MethodPost,
		Path:        "/admin/stories/{story_id}/approve",
		Summary:     "Approve a submitted proof",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		StoryPath
		Body DecisionRequest `json:"body"`
	}) (*struct {
		Body domain.TaskView `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Approve(ctx, p.UserID, input.StoryID, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskView `json:"body"`
		}{Body: taskView(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-story",
		Method:      http.MethodPost,
		Path:        "/admin/stories/{story_id}/reject",
		Summary:     "Reject a pending story",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		StoryPath
		Body DecisionRequest `json:"body"`
	}) (*struct {
		Body domain.TaskView `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Reject(ctx, p.UserID, input.StoryID, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskView `json:"body"`
		}{Body: taskView(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-story",
		Method:      http.MethodPost,
		Path:        "/admin/stories/{story_id}/reopen",
		Summary:     "Reopen a rejected story for a new proof",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *StoryPath) (*struct {
		Body domain.TaskView `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Reopen(ctx, p.UserID, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskView `json:"body"`
		}{Body: taskView(t)}, nil
	})
}

func registerAdminEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "story-events",
		Method:      http.MethodGet,
		Path:        "/admin/stories/{story_id}/events",
		Summary:     "Audit trail for one story",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StoryPath
		Limit int `query:"limit" required:"false" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.TaskEvent `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, err
		}
		events, err := e.StoryEvents(ctx, input.StoryID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if events == nil {
			events = []domain.TaskEvent{}
		}
		return &struct {
			Body []domain.TaskEvent `json:"body"`
		}{Body: events}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-events",
		Method:      http.MethodGet,
		Path:        "/admin/events",
		Summary:     "Recent lifecycle events",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		StoryID string `query:"storyId" required:"false"`
		Type    string `query:"type" required:"false" enum:"task_assigned,proof_submitted,approved,rejected,reopened"`
		Limit   int    `query:"limit" required:"false" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.TaskEvent `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, err
		}
		events, err := e.Repo.LatestEvents(ctx, repo.EventFilters{StoryID: input.StoryID, Type: input.Type, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		if events == nil {
			events = []domain.TaskEvent{}
		}
		return &struct {
			Body []domain.TaskEvent `json:"body"`
		}{Body: events}, nil
	})
}
