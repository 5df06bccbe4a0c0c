package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"klawfield/internal/config"
	"klawfield/internal/db"
	"klawfield/internal/domain"
	"klawfield/internal/engine"
	"klawfield/internal/migrate"
)

const testWallet = "4Nd1mK6Y4K7r9Wz8qT3vB2xJ5hP6sD9fG1cL8aE7nRbQ"

var testStoryText = strings.Repeat("I found the claw machine and it changed everything. ", 3)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Auth.AdminEmails = []string{"admin@example.com"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

func (env *testEnv) newUser(t *testing.T, email, username string) string {
	t.Helper()
	identity, err := env.Engine.Register(env.Ctx, email, "hunter2hunter2")
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	if username != "" {
		if _, err := env.Engine.SetXUsername(env.Ctx, identity.ID, username); err != nil {
			t.Fatalf("set username %s: %v", username, err)
		}
	}
	return identity.ID
}

func (env *testEnv) newStory(t *testing.T, userID string) domain.Story {
	t.Helper()
	s, err := env.Engine.CreateStory(env.Ctx, userID, testStoryText, testWallet, "Portugal")
	if err != nil {
		t.Fatalf("create story: %v", err)
	}
	return s
}

func TestStoryDailyLimit(t *testing.T) {
	env := newTestEnv(t)
	userID := env.newUser(t, "day@example.com", "daily_claw")

	env.newStory(t, userID)
	_, err := env.Engine.CreateStory(env.Ctx, userID, testStoryText, testWallet, "Portugal")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict on same-day story, got %v", err)
	}
	if conflict.Message != "Only one submission per UTC day is allowed." {
		t.Fatalf("unexpected message: %q", conflict.Message)
	}

	// 23:59 on the same UTC day still counts as the same day.
	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC) }
	if _, err := env.Engine.CreateStory(env.Ctx, userID, testStoryText, testWallet, "Portugal"); !errors.As(err, &conflict) {
		t.Fatalf("expected conflict just before midnight, got %v", err)
	}

	// One minute past UTC midnight opens a new day.
	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 2, 0, 1, 0, 0, time.UTC) }
	s, err := env.Engine.CreateStory(env.Ctx, userID, testStoryText, testWallet, "Portugal")
	if err != nil {
		t.Fatalf("expected next-day story allowed: %v", err)
	}
	if s.SubmittedDay != "2024-01-02" {
		t.Fatalf("unexpected day key %q", s.SubmittedDay)
	}
}

func TestXUsernameLifecycle(t *testing.T) {
	env := newTestEnv(t)
	userID := env.newUser(t, "handle@example.com", "")

	// Story before the handle is set is a bad request.
	_, err := env.Engine.CreateStory(env.Ctx, userID, testStoryText, testWallet, "Portugal")
	var badReq engine.BadRequestError
	if !errors.As(err, &badReq) || badReq.Message != "Set your X username before posting a story." {
		t.Fatalf("expected username-required error, got %v", err)
	}

	// "@First_Claw " canonicalizes to first_claw.
	p, err := env.Engine.SetXUsername(env.Ctx, userID, " @First_Claw ")
	if err != nil {
		t.Fatalf("set username: %v", err)
	}
	if p.XUsername == nil || *p.XUsername != "first_claw" {
		t.Fatalf("expected canonical handle, got %v", p.XUsername)
	}

	// Same value again is a no-op.
	if _, err := env.Engine.SetXUsername(env.Ctx, userID, "first_claw"); err != nil {
		t.Fatalf("expected idempotent set: %v", err)
	}

	// Different value is immutable.
	_, err = env.Engine.SetXUsername(env.Ctx, userID, "other_claw")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) || conflict.Message != "X username is immutable once set." {
		t.Fatalf("expected immutability conflict, got %v", err)
	}

	// Another user cannot take the same handle.
	otherID := env.newUser(t, "other@example.com", "")
	_, err = env.Engine.SetXUsername(env.Ctx, otherID, "FIRST_CLAW")
	if !errors.As(err, &conflict) || conflict.Message != "X username already taken." {
		t.Fatalf("expected taken conflict, got %v", err)
	}
}

func TestAdminBootstrap(t *testing.T) {
	env := newTestEnv(t)

	first, created, err := env.Engine.Bootstrap(env.Ctx, "Lobstar@Klawfield.app", "claws$&whiskers14", "Lobstar")
	if err != nil || !created {
		t.Fatalf("bootstrap: created=%v err=%v", created, err)
	}
	if first.Email != "lobstar@klawfield.app" {
		t.Fatalf("expected lowercased email, got %s", first.Email)
	}
	p, err := env.Engine.GetProfile(env.Ctx, first.ID)
	if err != nil || p.XUsername == nil || *p.XUsername != "lobstar" {
		t.Fatalf("expected pinned handle, got %+v err=%v", p, err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "lobstar@klawfield.app", "claws$&whiskers14"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	// A second run updates in place: same account, rotated password.
	second, created, err := env.Engine.Bootstrap(env.Ctx, "lobstar@klawfield.app", "rotated$&claws99", "lobstar")
	if err != nil || created {
		t.Fatalf("rerun: created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same account, got %s vs %s", second.ID, first.ID)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "lobstar@klawfield.app", "claws$&whiskers14"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("expected old password rejected, got %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "lobstar@klawfield.app", "rotated$&claws99"); err != nil {
		t.Fatalf("new password: %v", err)
	}

	// The bootstrap password rule is stricter than registration.
	var badReq engine.BadRequestError
	if _, _, err := env.Engine.Bootstrap(env.Ctx, "lobstar@klawfield.app", "short$&", "lobstar"); !errors.As(err, &badReq) {
		t.Fatalf("expected bad request for weak password, got %v", err)
	}

	// A handle held by another profile stays a conflict.
	env.newUser(t, "other@example.com", "taken_claw")
	var conflict engine.ConflictError
	if _, _, err := env.Engine.Bootstrap(env.Ctx, "lobstar@klawfield.app", "rotated$&claws99", "taken_claw"); !errors.As(err, &conflict) {
		t.Fatalf("expected handle conflict, got %v", err)
	}
}

func TestApproveRequiresProof(t *testing.T) {
	env := newTestEnv(t)
	userID := env.newUser(t, "owner@example.com", "proof_owner")
	s := env.newStory(t, userID)

	task, err := env.Engine.AssignTask(env.Ctx, "admin-1", s.ID, "Post a thread about the claw machine saga.")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if task.State != domain.TaskAwaitingProof {
		t.Fatalf("expected awaiting_proof, got %s", task.State)
	}
	got, err := env.Engine.GetStory(env.Ctx, s.ID)
	if err != nil || got.Story.Status != domain.StoryPending {
		t.Fatalf("expected pending story, got %v %v", got.Story.Status, err)
	}

	// No proof yet: approve must refuse.
	_, err = env.Engine.Approve(env.Ctx, "admin-1", s.ID, "")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) || conflict.Message != "Proof must be submitted before approval." {
		t.Fatalf("expected proof-required conflict, got %v", err)
	}

	task, err = env.Engine.SubmitProof(env.Ctx, userID, s.ID, "https://x.com/proof_owner/status/123456789")
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if task.State != domain.TaskProofSubmitted || task.ProofURL == nil {
		t.Fatalf("expected proof recorded, got %+v", task)
	}

	// A proof_submitted row with no proof URL must still refuse approval.
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE story_tasks SET proof_url=NULL WHERE story_id=?`, s.ID); err != nil {
		t.Fatalf("clear proof url: %v", err)
	}
	_, err = env.Engine.Approve(env.Ctx, "admin-1", s.ID, "")
	if !errors.As(err, &conflict) || conflict.Message != "Proof must be submitted before approval." {
		t.Fatalf("expected proof-required conflict without url, got %v", err)
	}
	task, err = env.Engine.SubmitProof(env.Ctx, userID, s.ID, "https://x.com/proof_owner/status/123456789")
	if err != nil {
		t.Fatalf("resubmit proof: %v", err)
	}

	task, err = env.Engine.Approve(env.Ctx, "admin-1", s.ID, "Looks great.")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.State != domain.TaskApproved || task.DecisionNote == nil || *task.DecisionNote != "Looks great." {
		t.Fatalf("unexpected approved task %+v", task)
	}
	got, _ = env.Engine.GetStory(env.Ctx, s.ID)
	if got.Story.Status != domain.StoryApproved {
		t.Fatalf("expected approved story, got %s", got.Story.Status)
	}

	// Approved stories are terminal for assignment.
	_, err = env.Engine.AssignTask(env.Ctx, "admin-1", s.ID, "One more task for good measure.")
	if !errors.As(err, &conflict) || conflict.Message != "Approved stories cannot be reassigned." {
		t.Fatalf("expected reassignment conflict, got %v", err)
	}
	_, err = env.Engine.Approve(env.Ctx, "admin-1", s.ID, "")
	if !errors.As(err, &conflict) || conflict.Message != "Only pending stories can be approved." {
		t.Fatalf("expected pending-only conflict, got %v", err)
	}
}

func TestProofOwnershipAndState(t *testing.T) {
	env := newTestEnv(t)
	ownerID := env.newUser(t, "mine@example.com", "mine_claw")
	strangerID := env.newUser(t, "theirs@example.com", "theirs_claw")
	s := env.newStory(t, ownerID)

	// No task yet: the story is not pending, so proof is refused on status.
	_, err := env.Engine.SubmitProof(env.Ctx, ownerID, s.ID, "https://x.com/mine_claw/status/1")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) || conflict.Message != "Proof can only be submitted when story status is pending." {
		t.Fatalf("expected status conflict, got %v", err)
	}

	if _, err := env.Engine.AssignTask(env.Ctx, "admin-1", s.ID, "Tweet the claw machine origin story."); err != nil {
		t.Fatalf("assign: %v", err)
	}

	_, err = env.Engine.SubmitProof(env.Ctx, strangerID, s.ID, "https://x.com/theirs_claw/status/1")
	var forbidden engine.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Message != "You can only submit proof for your own story." {
		t.Fatalf("expected ownership error, got %v", err)
	}

	_, err = env.Engine.SubmitProof(env.Ctx, ownerID, s.ID, "https://example.com/mine_claw/status/1")
	var badReq engine.BadRequestError
	if !errors.As(err, &badReq) {
		t.Fatalf("expected proof URL rejection, got %v", err)
	}

	// Resubmission overwrites while still pending.
	first, err := env.Engine.SubmitProof(env.Ctx, ownerID, s.ID, "https://x.com/mine_claw/status/111")
	if err != nil {
		t.Fatalf("first proof: %v", err)
	}
	second, err := env.Engine.SubmitProof(env.Ctx, ownerID, s.ID, "https://twitter.com/mine_claw/status/222")
	if err != nil {
		t.Fatalf("second proof: %v", err)
	}
	if first.ID != second.ID || *second.ProofURL != "https://twitter.com/mine_claw/status/222" {
		t.Fatalf("expected overwrite on same task, got %+v", second)
	}
}

func TestRejectReopenCycle(t *testing.T) {
	env := newTestEnv(t)
	userID := env.newUser(t, "cycle@example.com", "cycle_claw")
	s := env.newStory(t, userID)

	if _, err := env.Engine.AssignTask(env.Ctx, "admin-1", s.ID, "Quote the original story with proof."); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Rejection does not require a proof.
	task, err := env.Engine.Reject(env.Ctx, "admin-1", s.ID, "No response for a week.")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if task.State != domain.TaskRejected {
		t.Fatalf("expected rejected, got %s", task.State)
	}
	got, _ := env.Engine.GetStory(env.Ctx, s.ID)
	if got.Story.Status != domain.StoryRejected {
		t.Fatalf("expected rejected story, got %s", got.Story.Status)
	}

	// Reopen only works from rejected.
	task, err = env.Engine.Reopen(env.Ctx, "admin-1", s.ID)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if task.State != domain.TaskAwaitingProof || task.TaskText != "Quote the original story with proof." {
		t.Fatalf("expected reopened task with same text, got %+v", task)
	}
	if task.ProofURL != nil || task.DecisionNote != nil || task.ReviewedAt != nil {
		t.Fatalf("expected clean slate after reopen, got %+v", task)
	}
	got, _ = env.Engine.GetStory(env.Ctx, s.ID)
	if got.Story.Status != domain.StoryPending {
		t.Fatalf("expected pending after reopen, got %s", got.Story.Status)
	}

	var conflict engine.ConflictError
	if _, err := env.Engine.Reopen(env.Ctx, "admin-1", s.ID); !errors.As(err, &conflict) {
		t.Fatalf("expected reopen conflict on pending story, got %v", err)
	}
}

func TestReassignmentResetsCycle(t *testing.T) {
	env := newTestEnv(t)
	userID := env.newUser(t, "reset@example.com", "reset_claw")
	s := env.newStory(t, userID)

	first, err := env.Engine.AssignTask(env.Ctx, "admin-1", s.ID, "Post a screenshot of the machine.")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.Engine.SubmitProof(env.Ctx, userID, s.ID, "https://x.com/reset_claw/status/9"); err != nil {
		t.Fatalf("proof: %v", err)
	}

	second, err := env.Engine.AssignTask(env.Ctx, "admin-2", s.ID, "Post a video of the machine instead.")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the task row to be reused")
	}
	if second.State != domain.TaskAwaitingProof || second.ProofURL != nil || second.ProofSubmittedAt != nil {
		t.Fatalf("expected full reset on reassignment, got %+v", second)
	}
	if second.AssignedBy != "admin-2" {
		t.Fatalf("expected new assigner, got %s", second.AssignedBy)
	}
}

func TestListCountsAndSearch(t *testing.T) {
	env := newTestEnv(t)
	alice := env.newUser(t, "alice@example.com", "alice_claw")
	bob := env.newUser(t, "bob@example.com", "bob_claw")
	carol := env.newUser(t, "carol@example.com", "carol_story")

	sa := env.newStory(t, alice)
	sb := env.newStory(t, bob)
	env.newStory(t, carol)

	if _, err := env.Engine.AssignTask(env.Ctx, "admin-1", sa.ID, "Tweet about the machine, with photo."); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignTask(env.Ctx, "admin-1", sb.ID, "Tweet about the machine, with video."); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitProof(env.Ctx, bob, sb.ID, "https://x.com/bob_claw/status/5"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, "admin-1", sb.ID, ""); err != nil {
		t.Fatal(err)
	}

	list, err := env.Engine.ListStories(env.Ctx, "", "all", 1, 20)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.Total != 3 || list.Counts.All != 3 {
		t.Fatalf("expected 3 stories, got %+v", list.Counts)
	}
	if list.Counts.Normal != 1 || list.Counts.Pending != 1 || list.Counts.Approved != 1 || list.Counts.Rejected != 0 {
		t.Fatalf("unexpected counts %+v", list.Counts)
	}

	// Status narrowing changes total but not counts.
	list, err = env.Engine.ListStories(env.Ctx, "", "approved", 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 || len(list.Items) != 1 || list.Counts.All != 3 {
		t.Fatalf("unexpected approved page %+v", list)
	}

	// Search is a case-insensitive contains on the handle and scopes counts.
	list, err = env.Engine.ListStories(env.Ctx, "CLAW", "all", 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	if list.Counts.All != 2 || list.Total != 2 {
		t.Fatalf("expected 2 matches for claw, got %+v", list.Counts)
	}

	// An owner list sees only that user's submissions, any status.
	list, err = env.Engine.ListMyStories(env.Ctx, bob, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 || len(list.Items) != 1 || list.Items[0].Story.ID != sb.ID {
		t.Fatalf("unexpected owner list %+v", list)
	}
	if list.Counts.Approved != 1 || list.Counts.All != 1 {
		t.Fatalf("owner counts should scope to the owner, got %+v", list.Counts)
	}
	if list.Items[0].Task == nil || list.Items[0].Task.State != domain.TaskApproved {
		t.Fatalf("expected the approved task attached, got %+v", list.Items[0].Task)
	}

	// Oldest first.
	full, err := env.Engine.ListStories(env.Ctx, "", "all", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(full.Items) != 2 || full.PageSize != 2 {
		t.Fatalf("expected a 2-item page, got %d", len(full.Items))
	}
	if full.Items[0].Story.SubmittedAt > full.Items[1].Story.SubmittedAt {
		t.Fatalf("expected ascending order")
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	userID := env.newUser(t, "events@example.com", "events_claw")
	s := env.newStory(t, userID)

	if _, err := env.Engine.AssignTask(env.Ctx, "admin-1", s.ID, "Tweet about the machine, please."); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitProof(env.Ctx, userID, s.ID, "https://x.com/events_claw/status/7"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reject(env.Ctx, "admin-1", s.ID, "Link does not match the task."); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reopen(env.Ctx, "admin-1", s.ID); err != nil {
		t.Fatal(err)
	}

	events, err := env.Engine.StoryEvents(env.Ctx, s.ID, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	// Newest first.
	want := []domain.EventType{domain.EventReopened, domain.EventRejected, domain.EventProofSubmitted, domain.EventTaskAssigned}
	for i, evt := range events {
		if evt.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], evt.Type)
		}
	}
	if events[0].EventNote == nil || *events[0].EventNote != "Rejected task reopened for new proof." {
		t.Fatalf("unexpected reopen note %v", events[0].EventNote)
	}
	if events[2].EventNote == nil || *events[2].EventNote != "Proof submitted by owner." {
		t.Fatalf("unexpected proof note %v", events[2].EventNote)
	}
}
