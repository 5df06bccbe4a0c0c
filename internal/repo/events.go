package repo

import (
	"context"
	"database/sql"
	"strings"

	"klawfield/internal/domain"
)

func (r Repo) InsertEvent(ctx context.Context, e domain.TaskEvent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO story_task_events(story_id,task_id,event_type,actor_user_id,event_note,event_payload,created_at)
VALUES (?,?,?,?,?,?,?)`,
		e.StoryID, nullableStringPtr(e.TaskID), e.Type, e.ActorUserID, nullableStringPtr(e.EventNote), e.Payload, e.CreatedAt)
	return mapErr(err)
}

func scanEvents(rows *sql.Rows) ([]domain.TaskEvent, error) {
	defer rows.Close()
	var res []domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		var taskID, note sql.NullString
		if err := rows.Scan(&e.ID, &e.StoryID, &taskID, &e.Type, &e.ActorUserID, &note, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TaskID = strPtr(taskID)
		e.EventNote = strPtr(note)
		res = append(res, e)
	}
	return res, rows.Err()
}

const eventColumns = `id,story_id,task_id,event_type,actor_user_id,event_note,event_payload,created_at`

// ListStoryEvents returns the audit trail for one story, newest first.
func (r Repo) ListStoryEvents(ctx context.Context, storyID string, limit int) ([]domain.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM story_task_events WHERE story_id=? ORDER BY id DESC LIMIT ?`, storyID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanEvents(rows)
}

type EventFilters struct {
	StoryID string
	Type    string
	Limit   int
}

// LatestEvents lists recent events for admin review, newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.TaskEvent, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if f.StoryID != "" {
		clauses = append(clauses, "story_id=?")
		args = append(args, f.StoryID)
	}
	if f.Type != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.Type)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM story_task_events `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order, for the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM story_task_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanEvents(rows)
}

// LatestEventID returns the newest event id, or zero when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM story_task_events`).Scan(&id)
	return id, mapErr(err)
}
