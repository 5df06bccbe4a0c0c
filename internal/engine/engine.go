package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"klawfield/internal/config"
	"klawfield/internal/domain"
	"klawfield/internal/events"
	"klawfield/internal/repo"
	"klawfield/internal/validate"
)

// ErrInvalidCredentials is returned for any login failure, whether the email
// is unknown or the password wrong, so the two are indistinguishable.
var ErrInvalidCredentials = errors.New("Invalid email or password.")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// appendEvent records an audit row after the state transaction committed.
// The transition stands even if the audit write fails.
func (e Engine) appendEvent(ctx context.Context, evtType domain.EventType, storyID, taskID, actorID, note string, payload events.EventPayload) {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	if err := w.Append(ctx, evtType, storyID, taskID, actorID, note, payload); err != nil {
		log.Printf("event append failed: type=%s story=%s: %v", evtType, storyID, err)
	}
}

// Register creates a credential and its profile in one transaction.
func (e Engine) Register(ctx context.Context, email, password string) (domain.Identity, error) {
	email, err := validate.Email(email)
	if err != nil {
		return domain.Identity{}, BadRequestError{Message: err.Error()}
	}
	if _, err := validate.Password(password); err != nil {
		return domain.Identity{}, BadRequestError{Message: err.Error()}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("hash password: %w", err)
	}
	now := e.nowRFC3339()
	id := uuid.NewString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Identity{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO auth_users(id,email,password_hash,created_at) VALUES (?,?,?,?)`,
		id, email, string(hash), now); err != nil {
		if errors.Is(mapRepoErr(err), repo.ErrUniqueViolation) {
			return domain.Identity{}, ConflictError{Message: "An account with this email already exists."}
		}
		return domain.Identity{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO profiles(id,email,x_username,created_at,updated_at) VALUES (?,?,NULL,?,?)`,
		id, email, now, now); err != nil {
		return domain.Identity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{ID: id, Email: email}, nil
}

// Bootstrap creates the admin credential or, when the email already exists,
// resets its password, then pins the profile's x-username either way. Safe
// to run repeatedly. Returns whether the account was created.
func (e Engine) Bootstrap(ctx context.Context, email, password, xUsername string) (domain.Identity, bool, error) {
	email, err := validate.Email(email)
	if err != nil {
		return domain.Identity{}, false, BadRequestError{Message: err.Error()}
	}
	if err := validate.BootstrapPassword(password); err != nil {
		return domain.Identity{}, false, BadRequestError{Message: err.Error()}
	}
	username, err := validate.XUsername(xUsername)
	if err != nil {
		return domain.Identity{}, false, BadRequestError{Message: err.Error()}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.Identity{}, false, fmt.Errorf("hash password: %w", err)
	}
	now := e.nowRFC3339()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Identity{}, false, err
	}
	defer tx.Rollback()

	var id string
	created := false
	err = tx.QueryRowContext(ctx, `SELECT id FROM auth_users WHERE email=?`, email).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		created = true
		if _, err := tx.ExecContext(ctx, `INSERT INTO auth_users(id,email,password_hash,created_at) VALUES (?,?,?,?)`,
			id, email, string(hash), now); err != nil {
			return domain.Identity{}, false, err
		}
	case err != nil:
		return domain.Identity{}, false, err
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE auth_users SET password_hash=? WHERE id=?`, string(hash), id); err != nil {
			return domain.Identity{}, false, err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO profiles(id,email,x_username,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET x_username=excluded.x_username, updated_at=excluded.updated_at`,
		id, email, username, now, now); err != nil {
		if errors.Is(mapRepoErr(err), repo.ErrUniqueViolation) {
			return domain.Identity{}, false, ConflictError{Message: "X username already taken."}
		}
		return domain.Identity{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Identity{}, false, err
	}
	return domain.Identity{ID: id, Email: email}, created, nil
}

// Authenticate verifies a credential and returns the identity behind it.
func (e Engine) Authenticate(ctx context.Context, email, password string) (domain.Identity, error) {
	email, err := validate.Email(email)
	if err != nil {
		return domain.Identity{}, ErrInvalidCredentials
	}
	u, err := e.Repo.GetAuthUserByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.Identity{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return domain.Identity{}, ErrInvalidCredentials
	}
	return domain.Identity{ID: u.ID, Email: u.Email}, nil
}

// GetProfile loads a profile by identity id.
func (e Engine) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	p, err := e.Repo.GetProfile(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return p, NotFoundError{Message: "Profile not found."}
	}
	return p, err
}

// SetXUsername sets the handle once. Setting the same value again is a no-op;
// any other value after the first set is a conflict.
func (e Engine) SetXUsername(ctx context.Context, userID, raw string) (domain.Profile, error) {
	username, err := validate.XUsername(raw)
	if err != nil {
		return domain.Profile{}, BadRequestError{Message: err.Error()}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Profile{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProfileTx(ctx, tx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Profile{}, NotFoundError{Message: "Profile not found."}
	}
	if err != nil {
		return domain.Profile{}, err
	}
	if p.XUsername != nil {
		if *p.XUsername == username {
			return p, nil
		}
		return domain.Profile{}, ConflictError{Message: "X username is immutable once set."}
	}
	now := e.nowRFC3339()
	if err := e.Repo.SetProfileXUsernameTx(ctx, tx, userID, username, now); err != nil {
		if errors.Is(err, repo.ErrUniqueViolation) {
			return domain.Profile{}, ConflictError{Message: "X username already taken."}
		}
		return domain.Profile{}, err
	}
	if err := tx.Commit(); err != nil {
		if errors.Is(mapRepoErr(err), repo.ErrUniqueViolation) {
			return domain.Profile{}, ConflictError{Message: "X username already taken."}
		}
		return domain.Profile{}, err
	}
	p.XUsername = &username
	p.UpdatedAt = now
	return p, nil
}

// CreateStory inserts one submission, snapshotting the caller's handle and
// enforcing one story per UTC day per user.
func (e Engine) CreateStory(ctx context.Context, userID, storyText, wallet, country string) (domain.Story, error) {
	text, err := validate.StoryText(storyText)
	if err != nil {
		return domain.Story{}, BadRequestError{Message: err.Error()}
	}
	wallet, err = validate.Wallet(wallet)
	if err != nil {
		return domain.Story{}, BadRequestError{Message: err.Error()}
	}
	country, err = validate.Country(country)
	if err != nil {
		return domain.Story{}, BadRequestError{Message: err.Error()}
	}
	p, err := e.GetProfile(ctx, userID)
	if err != nil {
		return domain.Story{}, err
	}
	if p.XUsername == nil {
		return domain.Story{}, BadRequestError{Message: "Set your X username before posting a story."}
	}

	now := e.now().UTC()
	s := domain.Story{
		ID:           uuid.NewString(),
		UserID:       userID,
		XUsername:    *p.XUsername,
		StoryText:    text,
		WalletSolana: wallet,
		Country:      country,
		Status:       domain.StoryNormal,
		SubmittedAt:  now.Format(time.RFC3339),
		SubmittedDay: now.Format("2006-01-02"),
		CreatedAt:    now.Format(time.RFC3339),
	}
	taken, err := e.Repo.HasStoryForDay(ctx, userID, s.SubmittedDay)
	if err != nil {
		return domain.Story{}, err
	}
	if taken {
		return domain.Story{}, ConflictError{Message: "Only one submission per UTC day is allowed."}
	}
	// The unique index on (user_id, submitted_day) catches the race.
	if err := e.Repo.InsertStory(ctx, s); err != nil {
		if errors.Is(err, repo.ErrUniqueViolation) {
			return domain.Story{}, ConflictError{Message: "Only one submission per UTC day is allowed."}
		}
		return domain.Story{}, err
	}
	return s, nil
}

// AssignTask creates or replaces the story's task and moves the story to
// pending. Every proof and decision field resets so a reassignment always
// starts a clean review cycle.
func (e Engine) AssignTask(ctx context.Context, adminID, storyID, taskText string) (domain.StoryTask, error) {
	text, err := validate.TaskText(taskText)
	if err != nil {
		return domain.StoryTask{}, BadRequestError{Message: err.Error()}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoryTask{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStoryTx(ctx, tx, storyID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StoryTask{}, NotFoundError{Message: "Story not found."}
	}
	if err != nil {
		return domain.StoryTask{}, err
	}
	if s.Status == domain.StoryApproved {
		return domain.StoryTask{}, ConflictError{Message: "Approved stories cannot be reassigned."}
	}

	taskID := uuid.NewString()
	if prev, err := e.Repo.GetTaskByStoryTx(ctx, tx, storyID); err == nil {
		taskID = prev.ID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.StoryTask{}, err
	}

	t := domain.StoryTask{
		ID:         taskID,
		StoryID:    storyID,
		TaskText:   text,
		State:      domain.TaskAwaitingProof,
		AssignedBy: adminID,
		AssignedAt: e.nowRFC3339(),
	}
	if err := e.Repo.UpsertTaskTx(ctx, tx, t); err != nil {
		return domain.StoryTask{}, err
	}
	if err := e.Repo.UpdateStoryStatusTx(ctx, tx, storyID, domain.StoryPending); err != nil {
		return domain.StoryTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StoryTask{}, err
	}
	e.appendEvent(ctx, domain.EventTaskAssigned, storyID, t.ID, adminID, text, nil)
	return t, nil
}

// SubmitProof records the owner's proof link. Resubmission while the story is
// still pending overwrites the previous link and clears any stale decision.
func (e Engine) SubmitProof(ctx context.Context, userID, storyID, proofURL string) (domain.StoryTask, error) {
	link, err := validate.ProofURL(proofURL)
	if err != nil {
		return domain.StoryTask{}, BadRequestError{Message: err.Error()}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoryTask{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStoryTx(ctx, tx, storyID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StoryTask{}, NotFoundError{Message: "Story not found."}
	}
	if err != nil {
		return domain.StoryTask{}, err
	}
	if s.UserID != userID {
		return domain.StoryTask{}, ForbiddenError{Message: "You can only submit proof for your own story."}
	}
	if s.Status != domain.StoryPending {
		return domain.StoryTask{}, ConflictError{Message: "Proof can only be submitted when story status is pending."}
	}
	t, err := e.Repo.GetTaskByStoryTx(ctx, tx, storyID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StoryTask{}, ConflictError{Message: "No task is assigned to this story."}
	}
	if err != nil {
		return domain.StoryTask{}, err
	}

	now := e.nowRFC3339()
	t.State = domain.TaskProofSubmitted
	t.ProofURL = &link
	t.ProofSubmittedAt = &now
	t.DecisionNote = nil
	t.ReviewedBy = nil
	t.ReviewedAt = nil
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.StoryTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StoryTask{}, err
	}
	e.appendEvent(ctx, domain.EventProofSubmitted, storyID, t.ID, userID, "Proof submitted by owner.", events.EventPayload{"proofUrl": link})
	return t, nil
}

// Approve accepts a submitted proof and finalizes the story.
func (e Engine) Approve(ctx context.Context, adminID, storyID, note string) (domain.StoryTask, error) {
	note, err := validate.DecisionNote(note)
	if err != nil {
		return domain.StoryTask{}, BadRequestError{Message: err.Error()}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoryTask{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStoryTx(ctx, tx, storyID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StoryTask{}, NotFoundError{Message: "Story not found."}
	}
	if err != nil {
		return domain.StoryTask{}, err
	}
	if s.Status != domain.StoryPending {
		return domain.StoryTask{}, ConflictError{Message: "Only pending stories can be approved."}
	}
	t, err := e.Repo.GetTaskByStoryTx(ctx, tx, storyID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StoryTask{}, ConflictError{Message: "No active task found."}
	}
	if err != nil {
		return domain.StoryTask{}, err
	}
	if t.State != domain.TaskProofSubmitted || t.ProofURL == nil {
		return domain.StoryTask{}, ConflictError{Message: "Proof must be submitted before approval."}
	}

	now := e.nowRFC3339()
	t.State = domain.TaskApproved
	t.ReviewedBy = &adminID
	t.ReviewedAt = &now
	t.DecisionNote = optionalString(note)
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.StoryTask{}, err
	}
	if err := e.Repo.UpdateStoryStatusTx(ctx, tx, storyID, domain.StoryApproved); err != nil {
		return domain.StoryTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StoryTask{}, err
	}
	e.appendEvent(ctx, domain.EventApproved, storyID, t.ID, adminID, note, nil)
	return t, nil
}

// Reject declines a pending story. A proof is not required to reject.
func (e Engine) Reject(ctx context.Context, adminID, storyID, note string) (domain.StoryTask, error) {
	note, err := validate.DecisionNote(note)
	if err != nil {
		return domain.StoryTask{}, BadRequestError{Message: err.Error()}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoryTask{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStoryTx(ctx, tx, storyID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StoryTask{}, NotFoundError{Message: "Story not found."}
	}
	if err != nil {
		return domain.StoryTask{}, err
	}
	if s.Status != domain.StoryPending {
		return domain.StoryTask{}, ConflictError{Message: "Only pending stories can be rejected."}
	}
	t, err := e.Repo.GetTaskByStoryTx(ctx, tx, storyID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StoryTask{}, ConflictError{Message: "No active task found."}
	}
	if err != nil {
		return domain.StoryTask{}, err
	}

	now := e.nowRFC3339()
	t.State = domain.TaskRejected
	t.ReviewedBy = &adminID
	t.ReviewedAt = &now
	t.DecisionNote = optionalString(note)
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.StoryTask{}, err
	}
	if err := e.Repo.UpdateStoryStatusTx(ctx, tx, storyID, domain.StoryRejected); err != nil {
		return domain.StoryTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StoryTask{}, err
	}
	e.appendEvent(ctx, domain.EventRejected, storyID, t.ID, adminID, note, nil)
	return t, nil
}

// Reopen puts a rejected story back in review with the same task text and a
// full proof and decision reset.
func (e Engine) Reopen(ctx context.Context, adminID, storyID string) (domain.StoryTask, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoryTask{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStoryTx(ctx, tx, storyID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StoryTask{}, NotFoundError{Message: "Story not found."}
	}
	if err != nil {
		return domain.StoryTask{}, err
	}
	if s.Status != domain.StoryRejected {
		return domain.StoryTask{}, ConflictError{Message: "Only rejected stories can be reopened."}
	}
	t, err := e.Repo.GetTaskByStoryTx(ctx, tx, storyID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StoryTask{}, ConflictError{Message: "No task found to reopen."}
	}
	if err != nil {
		return domain.StoryTask{}, err
	}

	t.State = domain.TaskAwaitingProof
	t.ProofURL = nil
	t.ProofSubmittedAt = nil
	t.DecisionNote = nil
	t.ReviewedBy = nil
	t.ReviewedAt = nil
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return domain.StoryTask{}, err
	}
	if err := e.Repo.UpdateStoryStatusTx(ctx, tx, storyID, domain.StoryPending); err != nil {
		return domain.StoryTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StoryTask{}, err
	}
	e.appendEvent(ctx, domain.EventReopened, storyID, t.ID, adminID, "Rejected task reopened for new proof.", nil)
	return t, nil
}

// StoryList is one page of the moderation queue plus the full-set counts.
type StoryList struct {
	Items    []repo.StoryWithTask
	Page     int
	PageSize int
	Total    int
	Counts   domain.StatusCounts
}

// ListStories pages the queue oldest first; counts cover the whole filtered
// set, not the current page.
func (e Engine) ListStories(ctx context.Context, q, status string, page, pageSize int) (StoryList, error) {
	q, err := validate.Search(q)
	if err != nil {
		return StoryList{}, BadRequestError{Message: err.Error()}
	}
	status, err = validate.StatusFilter(status)
	if err != nil {
		return StoryList{}, BadRequestError{Message: err.Error()}
	}
	page = validate.Page(page)
	pageSize = validate.PageSize(pageSize)

	return e.listPage(ctx, repo.StoryFilters{Q: q, Status: status, Page: page, PageSize: pageSize})
}

// ListMyStories pages one user's own submissions, any status, oldest first.
func (e Engine) ListMyStories(ctx context.Context, userID string, page, pageSize int) (StoryList, error) {
	return e.listPage(ctx, repo.StoryFilters{
		UserID:   userID,
		Page:     validate.Page(page),
		PageSize: validate.PageSize(pageSize),
	})
}

func (e Engine) listPage(ctx context.Context, f repo.StoryFilters) (StoryList, error) {
	items, err := e.Repo.ListStories(ctx, f)
	if err != nil {
		return StoryList{}, err
	}
	counts, err := e.Repo.CountStories(ctx, f)
	if err != nil {
		return StoryList{}, err
	}
	total := counts.All
	switch domain.StoryStatus(f.Status) {
	case domain.StoryNormal:
		total = counts.Normal
	case domain.StoryPending:
		total = counts.Pending
	case domain.StoryApproved:
		total = counts.Approved
	case domain.StoryRejected:
		total = counts.Rejected
	}
	return StoryList{Items: items, Page: f.Page, PageSize: f.PageSize, Total: total, Counts: counts}, nil
}

// GetStory loads one story with its task.
func (e Engine) GetStory(ctx context.Context, storyID string) (repo.StoryWithTask, error) {
	s, err := e.Repo.GetStory(ctx, storyID)
	if errors.Is(err, repo.ErrNotFound) {
		return repo.StoryWithTask{}, NotFoundError{Message: "Story not found."}
	}
	if err != nil {
		return repo.StoryWithTask{}, err
	}
	item := repo.StoryWithTask{Story: s}
	t, err := e.Repo.GetTaskByStory(ctx, storyID)
	if err == nil {
		item.Task = &t
	} else if !errors.Is(err, repo.ErrNotFound) {
		return repo.StoryWithTask{}, err
	}
	return item, nil
}

// StoryEvents returns the audit trail for one story.
func (e Engine) StoryEvents(ctx context.Context, storyID string, limit int) ([]domain.TaskEvent, error) {
	if _, err := e.GetStory(ctx, storyID); err != nil {
		return nil, err
	}
	return e.Repo.ListStoryEvents(ctx, storyID, limit)
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func mapRepoErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrUniqueViolation) || errors.Is(err, repo.ErrSchemaMissing) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return repo.ErrUniqueViolation
	case strings.Contains(msg, "no such table"):
		return repo.ErrSchemaMissing
	}
	return err
}
