package repo

import (
	"context"
	"database/sql"
	"strings"

	"klawfield/internal/domain"
)

// StoryWithTask pairs a story with its active task, if any.
type StoryWithTask struct {
	Story domain.Story
	Task  *domain.StoryTask
}

type StoryFilters struct {
	Q        string
	Status   string
	UserID   string
	Page     int
	PageSize int
}

func (f StoryFilters) where() (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.Q != "" {
		clauses = append(clauses, `s.x_username LIKE ? ESCAPE '\' COLLATE NOCASE`)
		args = append(args, "%"+escapeLike(f.Q)+"%")
	}
	if f.Status != "" && f.Status != "all" {
		clauses = append(clauses, "s.status=?")
		args = append(args, f.Status)
	}
	if f.UserID != "" {
		clauses = append(clauses, "s.user_id=?")
		args = append(args, f.UserID)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

const storyColumns = `s.id,s.user_id,s.x_username,s.story_text,s.wallet_solana,s.country,s.status,s.submitted_at,s.submitted_day,s.created_at`

const taskColumns = `t.id,t.story_id,t.task_text,t.state,t.proof_url,t.proof_submitted_at,t.decision_note,t.reviewed_by,t.reviewed_at,t.assigned_by,t.assigned_at`

func (r Repo) InsertStory(ctx context.Context, s domain.Story) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO stories(id,user_id,x_username,story_text,wallet_solana,country,status,submitted_at,submitted_day,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.UserID, s.XUsername, s.StoryText, s.WalletSolana, s.Country, s.Status, s.SubmittedAt, s.SubmittedDay, s.CreatedAt)
	return mapErr(err)
}

func scanStory(scan func(dest ...any) error) (domain.Story, error) {
	var s domain.Story
	err := scan(&s.ID, &s.UserID, &s.XUsername, &s.StoryText, &s.WalletSolana, &s.Country, &s.Status, &s.SubmittedAt, &s.SubmittedDay, &s.CreatedAt)
	return s, mapErr(err)
}

func (r Repo) GetStory(ctx context.Context, id string) (domain.Story, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories s WHERE s.id=?`, id)
	return scanStory(row.Scan)
}

func (r Repo) GetStoryTx(ctx context.Context, tx *sql.Tx, id string) (domain.Story, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories s WHERE s.id=?`, id)
	return scanStory(row.Scan)
}

func (r Repo) UpdateStoryStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.StoryStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE stories SET status=? WHERE id=?`, status, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStories returns one page ordered oldest first, each story joined with
// its task when one exists.
func (r Repo) ListStories(ctx context.Context, f StoryFilters) ([]StoryWithTask, error) {
	where, args := f.where()
	offset := (f.Page - 1) * f.PageSize
	query := `SELECT ` + storyColumns + `,` + taskColumns + `
FROM stories s
LEFT JOIN story_tasks t ON t.story_id = s.id
` + where + `
ORDER BY s.submitted_at ASC, s.id ASC
LIMIT ? OFFSET ?`
	args = append(args, f.PageSize, offset)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var res []StoryWithTask
	for rows.Next() {
		var s domain.Story
		var taskID, taskStoryID, taskText, state, proofURL, proofAt, note, reviewedBy, reviewedAt, assignedBy, assignedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.UserID, &s.XUsername, &s.StoryText, &s.WalletSolana, &s.Country, &s.Status, &s.SubmittedAt, &s.SubmittedDay, &s.CreatedAt,
			&taskID, &taskStoryID, &taskText, &state, &proofURL, &proofAt, &note, &reviewedBy, &reviewedAt, &assignedBy, &assignedAt); err != nil {
			return nil, err
		}
		item := StoryWithTask{Story: s}
		if taskID.Valid {
			item.Task = &domain.StoryTask{
				ID:               taskID.String,
				StoryID:          s.ID,
				TaskText:         taskText.String,
				State:            domain.TaskState(state.String),
				ProofURL:         strPtr(proofURL),
				ProofSubmittedAt: strPtr(proofAt),
				DecisionNote:     strPtr(note),
				ReviewedBy:       strPtr(reviewedBy),
				ReviewedAt:       strPtr(reviewedAt),
				AssignedBy:       assignedBy.String,
				AssignedAt:       assignedAt.String,
			}
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// CountStories computes the full-set total plus the per-status breakdown for
// the same text and owner filters, ignoring any status narrowing and the
// page window.
func (r Repo) CountStories(ctx context.Context, base StoryFilters) (domain.StatusCounts, error) {
	base.Status = ""
	var counts domain.StatusCounts
	targets := []struct {
		status string
		dest   *int
	}{
		{"", &counts.All},
		{string(domain.StoryNormal), &counts.Normal},
		{string(domain.StoryPending), &counts.Pending},
		{string(domain.StoryApproved), &counts.Approved},
		{string(domain.StoryRejected), &counts.Rejected},
	}
	for _, t := range targets {
		f := base
		f.Status = t.status
		where, args := f.where()
		err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM stories s `+where, args...).Scan(t.dest)
		if err != nil {
			return counts, mapErr(err)
		}
	}
	return counts, nil
}

// HasStoryForDay reports whether the user already submitted on the UTC day.
func (r Repo) HasStoryForDay(ctx context.Context, userID, day string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM stories WHERE user_id=? AND submitted_day=?`, userID, day).Scan(&n)
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}
