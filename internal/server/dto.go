package server

import (
	"klawfield/internal/domain"
	"klawfield/internal/engine"
	"klawfield/internal/repo"
)

// Request payloads

type SetXUsernameRequest struct {
	XUsername string `json:"xUsername" example:"@klaw_field"`
}

type CreateStoryRequest struct {
	StoryText    string `json:"storyText" minLength:"50" maxLength:"5000"`
	WalletSolana string `json:"walletSolana" minLength:"32" maxLength:"64"`
	Country      string `json:"country" minLength:"2" maxLength:"64"`
}

type SubmitProofRequest struct {
	ProofURL string `json:"proofUrl" example:"https://x.com/klaw_field/status/1234567890"`
}

type AssignTaskRequest struct {
	TaskText string `json:"taskText" minLength:"10" maxLength:"500"`
}

type DecisionRequest struct {
	Note string `json:"note,omitempty" maxLength:"280"`
}

// Response payloads

type PublicStoryList struct {
	Stories  []domain.StoryPublic `json:"stories"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"pageSize"`
	Total    int                  `json:"total"`
	Counts   domain.StatusCounts  `json:"counts"`
}

type OwnerStoryList struct {
	Stories  []domain.StoryOwner `json:"stories"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"pageSize"`
	Total    int                 `json:"total"`
	Counts   domain.StatusCounts `json:"counts"`
}

type AdminStoryList struct {
	Stories  []domain.StoryAdmin `json:"stories"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"pageSize"`
	Total    int                 `json:"total"`
	Counts   domain.StatusCounts `json:"counts"`
}

type WhoAmI struct {
	User               *userBody       `json:"user"`
	Admin              bool            `json:"admin"`
	AdminDisplayName   string          `json:"adminDisplayName,omitempty"`
	Profile            *domain.Profile `json:"profile"`
	ProfileUnavailable bool            `json:"profileUnavailable,omitempty"`
}

func publicList(list engine.StoryList) PublicStoryList {
	out := PublicStoryList{
		Stories:  []domain.StoryPublic{},
		Page:     list.Page,
		PageSize: list.PageSize,
		Total:    list.Total,
		Counts:   list.Counts,
	}
	for _, item := range list.Items {
		out.Stories = append(out.Stories, item.Story.PublicView(taskText(item.Task)))
	}
	return out
}

func ownerList(list engine.StoryList) OwnerStoryList {
	out := OwnerStoryList{
		Stories:  []domain.StoryOwner{},
		Page:     list.Page,
		PageSize: list.PageSize,
		Total:    list.Total,
		Counts:   list.Counts,
	}
	for _, item := range list.Items {
		out.Stories = append(out.Stories, item.Story.OwnerView(item.Task))
	}
	return out
}

func adminList(list engine.StoryList) AdminStoryList {
	out := AdminStoryList{
		Stories:  []domain.StoryAdmin{},
		Page:     list.Page,
		PageSize: list.PageSize,
		Total:    list.Total,
		Counts:   list.Counts,
	}
	for _, item := range list.Items {
		out.Stories = append(out.Stories, item.Story.AdminView(item.Task))
	}
	return out
}

func taskText(t *domain.StoryTask) *string {
	if t == nil {
		return nil
	}
	return &t.TaskText
}

// ownerView keeps the instruction text visible to everyone but reveals the
// task detail only to the owner or an admin.
func ownerView(item repo.StoryWithTask, viewerID string, viewerAdmin bool) domain.StoryOwner {
	if viewerAdmin || item.Story.UserID == viewerID {
		return item.Story.OwnerView(item.Task)
	}
	return domain.StoryOwner{StoryPublic: item.Story.PublicView(taskText(item.Task))}
}
