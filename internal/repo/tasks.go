package repo

import (
	"context"
	"database/sql"

	"klawfield/internal/domain"
)

func scanTask(row *sql.Row) (domain.StoryTask, error) {
	var t domain.StoryTask
	var proofURL, proofAt, note, reviewedBy, reviewedAt sql.NullString
	err := row.Scan(&t.ID, &t.StoryID, &t.TaskText, &t.State, &proofURL, &proofAt, &note, &reviewedBy, &reviewedAt, &t.AssignedBy, &t.AssignedAt)
	if err != nil {
		return t, mapErr(err)
	}
	t.ProofURL = strPtr(proofURL)
	t.ProofSubmittedAt = strPtr(proofAt)
	t.DecisionNote = strPtr(note)
	t.ReviewedBy = strPtr(reviewedBy)
	t.ReviewedAt = strPtr(reviewedAt)
	return t, nil
}

func (r Repo) GetTaskByStory(ctx context.Context, storyID string) (domain.StoryTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM story_tasks t WHERE t.story_id=?`, storyID))
}

func (r Repo) GetTaskByStoryTx(ctx context.Context, tx *sql.Tx, storyID string) (domain.StoryTask, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM story_tasks t WHERE t.story_id=?`, storyID))
}

// UpsertTaskTx writes the full task row, replacing any existing task for the
// story. Reassignment reuses the same row id per story.
func (r Repo) UpsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.StoryTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO story_tasks(id,story_id,task_text,state,proof_url,proof_submitted_at,decision_note,reviewed_by,reviewed_at,assigned_by,assigned_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(story_id) DO UPDATE SET
  task_text=excluded.task_text,
  state=excluded.state,
  proof_url=excluded.proof_url,
  proof_submitted_at=excluded.proof_submitted_at,
  decision_note=excluded.decision_note,
  reviewed_by=excluded.reviewed_by,
  reviewed_at=excluded.reviewed_at,
  assigned_by=excluded.assigned_by,
  assigned_at=excluded.assigned_at`,
		t.ID, t.StoryID, t.TaskText, t.State,
		nullableStringPtr(t.ProofURL), nullableStringPtr(t.ProofSubmittedAt), nullableStringPtr(t.DecisionNote),
		nullableStringPtr(t.ReviewedBy), nullableStringPtr(t.ReviewedAt), t.AssignedBy, t.AssignedAt)
	return mapErr(err)
}

// UpdateTaskTx rewrites the mutable lifecycle fields of an existing task.
func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.StoryTask) error {
	res, err := tx.ExecContext(ctx, `UPDATE story_tasks SET state=?, proof_url=?, proof_submitted_at=?, decision_note=?, reviewed_by=?, reviewed_at=? WHERE id=?`,
		t.State, nullableStringPtr(t.ProofURL), nullableStringPtr(t.ProofSubmittedAt), nullableStringPtr(t.DecisionNote),
		nullableStringPtr(t.ReviewedBy), nullableStringPtr(t.ReviewedAt), t.ID)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
