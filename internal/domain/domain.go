package domain

// StoryStatus is the public moderation status of a story.
type StoryStatus string

const (
	StoryNormal   StoryStatus = "normal"
	StoryPending  StoryStatus = "pending"
	StoryApproved StoryStatus = "approved"
	StoryRejected StoryStatus = "rejected"
)

// StoryStatuses lists every story status in display order.
var StoryStatuses = []StoryStatus{StoryNormal, StoryPending, StoryApproved, StoryRejected}

// TaskState is the review state of the single active task on a story.
// Story status and task state move in lockstep: pending pairs with
// awaiting_proof or proof_submitted, approved with approved, rejected with
// rejected, and normal means no task row exists at all.
type TaskState string

const (
	TaskAwaitingProof  TaskState = "awaiting_proof"
	TaskProofSubmitted TaskState = "proof_submitted"
	TaskApproved       TaskState = "approved"
	TaskRejected       TaskState = "rejected"
)

// EventType tags an audit log entry.
type EventType string

const (
	EventTaskAssigned   EventType = "task_assigned"
	EventProofSubmitted EventType = "proof_submitted"
	EventApproved       EventType = "approved"
	EventRejected       EventType = "rejected"
	EventReopened       EventType = "reopened"
)

// Identity is the authenticated principal behind a session token.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Profile is the per-identity record. XUsername is nil until first set and
// immutable afterwards.
type Profile struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	XUsername *string `json:"x_username"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

// Story is one submission. Text and the identity snapshot are immutable after
// creation; only Status moves, and only through the engine.
type Story struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	XUsername    string      `json:"x_username"`
	StoryText    string      `json:"story_text"`
	WalletSolana string      `json:"wallet_solana"`
	Country      string      `json:"country"`
	Status       StoryStatus `json:"status" enum:"normal,pending,approved,rejected"`
	SubmittedAt  string      `json:"submitted_at" format:"date-time"`
	SubmittedDay string      `json:"submitted_day"`
	CreatedAt    string      `json:"created_at" format:"date-time"`
}

// StoryTask is the zero-or-one active task per story. Reassignment overwrites
// the row in place; prior cycles survive only in the event log.
type StoryTask struct {
	ID               string    `json:"id"`
	StoryID          string    `json:"story_id"`
	TaskText         string    `json:"task_text"`
	State            TaskState `json:"state" enum:"awaiting_proof,proof_submitted,approved,rejected"`
	ProofURL         *string   `json:"proof_url,omitempty"`
	ProofSubmittedAt *string   `json:"proof_submitted_at,omitempty" format:"date-time"`
	DecisionNote     *string   `json:"decision_note,omitempty"`
	ReviewedBy       *string   `json:"reviewed_by,omitempty"`
	ReviewedAt       *string   `json:"reviewed_at,omitempty" format:"date-time"`
	AssignedBy       string    `json:"assigned_by"`
	AssignedAt       string    `json:"assigned_at" format:"date-time"`
}

// TaskEvent is one append-only audit record. TaskID is nil only when the task
// row was gone by the time the event landed.
type TaskEvent struct {
	ID          int64     `json:"id"`
	StoryID     string    `json:"story_id"`
	TaskID      *string   `json:"task_id,omitempty"`
	Type        EventType `json:"event_type" enum:"task_assigned,proof_submitted,approved,rejected,reopened"`
	ActorUserID string    `json:"actor_user_id"`
	EventNote   *string   `json:"event_note,omitempty"`
	Payload     string    `json:"event_payload"`
	CreatedAt   string    `json:"created_at" format:"date-time"`
}

// StatusCounts breaks the full filtered set down per status, independent of
// the page window.
type StatusCounts struct {
	All      int `json:"all"`
	Normal   int `json:"normal"`
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

// TaskView is the task projection exposed to owners and admins.
type TaskView struct {
	ID               string    `json:"id"`
	TaskText         string    `json:"task_text"`
	State            TaskState `json:"state" enum:"awaiting_proof,proof_submitted,approved,rejected"`
	ProofURL         *string   `json:"proof_url"`
	ProofSubmittedAt *string   `json:"proof_submitted_at" format:"date-time"`
	DecisionNote     *string   `json:"decision_note"`
	ReviewedAt       *string   `json:"reviewed_at" format:"date-time"`
	AssignedAt       string    `json:"assigned_at" format:"date-time"`
}

// StoryPublic is the anonymous projection: no owner id, no reward metadata,
// no task detail beyond the instruction text.
type StoryPublic struct {
	ID          string      `json:"id"`
	XUsername   string      `json:"x_username"`
	StoryText   string      `json:"story_text"`
	Status      StoryStatus `json:"status" enum:"normal,pending,approved,rejected"`
	SubmittedAt string      `json:"submitted_at" format:"date-time"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	TaskText    *string     `json:"task_text"`
}

// StoryOwner adds the full task detail for the caller's own stories.
type StoryOwner struct {
	StoryPublic
	Task *TaskView `json:"task"`
}

// StoryAdmin exposes everything, including the private reward metadata.
type StoryAdmin struct {
	StoryOwner
	UserID       string `json:"user_id"`
	WalletSolana string `json:"wallet_solana"`
	Country      string `json:"country"`
}

// PublicView projects a story for anonymous readers.
func (s Story) PublicView(taskText *string) StoryPublic {
	return StoryPublic{
		ID:          s.ID,
		XUsername:   s.XUsername,
		StoryText:   s.StoryText,
		Status:      s.Status,
		SubmittedAt: s.SubmittedAt,
		CreatedAt:   s.CreatedAt,
		TaskText:    taskText,
	}
}

// OwnerView projects a story with its optional task for the owner.
func (s Story) OwnerView(task *StoryTask) StoryOwner {
	var view *TaskView
	var taskText *string
	if task != nil {
		view = &TaskView{
			ID:               task.ID,
			TaskText:         task.TaskText,
			State:            task.State,
			ProofURL:         task.ProofURL,
			ProofSubmittedAt: task.ProofSubmittedAt,
			DecisionNote:     task.DecisionNote,
			ReviewedAt:       task.ReviewedAt,
			AssignedAt:       task.AssignedAt,
		}
		taskText = &task.TaskText
	}
	return StoryOwner{StoryPublic: s.PublicView(taskText), Task: view}
}

// AdminView projects a story with every field visible.
func (s Story) AdminView(task *StoryTask) StoryAdmin {
	return StoryAdmin{
		StoryOwner:   s.OwnerView(task),
		UserID:       s.UserID,
		WalletSolana: s.WalletSolana,
		Country:      s.Country,
	}
}
