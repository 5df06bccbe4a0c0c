package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"klawfield/internal/domain"
	"klawfield/internal/repo"
)

// Writer appends audit records outside the state transaction. A transition
// stands even when its audit row fails to land; callers log and move on.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType domain.EventType, storyID, taskID, actorUserID, note string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return repo.Repo{DB: w.DB}.InsertEvent(ctx, domain.TaskEvent{
		StoryID:     storyID,
		TaskID:      optional(taskID),
		Type:        evtType,
		ActorUserID: actorUserID,
		EventNote:   optional(note),
		Payload:     string(data),
		CreatedAt:   w.Now().UTC().Format(time.RFC3339),
	})
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
