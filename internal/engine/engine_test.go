package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"codeforge/internal/config"
	"codeforge/internal/db"
	"codeforge/internal/domain"
	"codeforge/internal/engine"
	"codeforge/internal/migrate"
)

type testEnv struct {
	Engine     engine.Engine
	Ctx        context.Context
	CodebaseID string
}

func newTestEnv(t *testing.T) testEnv {
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
	cfg := config.Default("ws-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	cb, err := eng.CreateCodebase(ctx, engine.CodebaseCreateOptions{
		TenantID: "tenant-1",
		Name:     "monolith",
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create codebase: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, CodebaseID: cb.ID}
}

func createTransformation(t *testing.T, env testEnv, oversight domain.OversightLevel) domain.Transformation {
	t.Helper()
	tr, err := env.Engine.CreateTransformation(env.Ctx, engine.TransformationCreateOptions{
		CodebaseID: env.CodebaseID,
		Name:       "extract billing module",
		Type:       domain.TypeRefactor,
		Oversight:  oversight,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create transformation: %v", err)
	}
	return tr
}

func wantConflict(t *testing.T, err error) *engine.StateConflictError {
	t.Helper()
	var sc *engine.StateConflictError
	if !errors.As(err, &sc) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	return sc
}

func TestReviewLifecycle(t *testing.T) {
	env := newTestEnv(t)
	tr := createTransformation(t, env, domain.OversightReview)
	if tr.Status != domain.TransformationDraft {
		t.Fatalf("created status = %s, want draft", tr.Status)
	}

	tr, err := env.Engine.Submit(env.Ctx, tr.ID, "tester")
	if err != nil || tr.Status != domain.TransformationPendingApproval {
		t.Fatalf("submit: %v status=%s", err, tr.Status)
	}
	tr, err = env.Engine.Approve(env.Ctx, tr.ID, "reviewer", "lgtm")
	if err != nil || tr.Status != domain.TransformationApproved {
		t.Fatalf("approve: %v status=%s", err, tr.Status)
	}
	tr, err = env.Engine.Queue(env.Ctx, tr.ID, "tester")
	if err != nil || tr.Status != domain.TransformationQueued {
		t.Fatalf("queue: %v status=%s", err, tr.Status)
	}
	tr, err = env.Engine.Start(env.Ctx, tr.ID, "worker")
	if err != nil || tr.Status != domain.TransformationRunning {
		t.Fatalf("start: %v status=%s", err, tr.Status)
	}
	if tr.Execution.StartedAt == nil || tr.Execution.Progress != 0 {
		t.Fatalf("start did not initialize execution: %+v", tr.Execution)
	}
	tr, err = env.Engine.UpdateProgress(env.Ctx, tr.ID, "worker", 50, "rewriting imports")
	if err != nil || tr.Execution.Progress != 50 || tr.Status != domain.TransformationRunning {
		t.Fatalf("progress: %v %+v", err, tr.Execution)
	}
	tr, err = env.Engine.Complete(env.Ctx, tr.ID, "worker", engine.CompleteOptions{
		Output:       domain.Output{Branch: "codeforge/refactor-1", PRURL: "https://example.com/pr/1"},
		FilesChanged: 12,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if tr.Status != domain.TransformationCompleted {
		t.Fatalf("status = %s, want completed", tr.Status)
	}
	if !tr.Rollback.Available || tr.Rollback.BackupRef == "" {
		t.Fatalf("rollback not armed: %+v", tr.Rollback)
	}
	if tr.Execution.Progress != 100 || tr.Execution.CompletedAt == nil {
		t.Fatalf("completion execution record: %+v", tr.Execution)
	}
}

func TestAutonomousSkipsApproval(t *testing.T) {
	env := newTestEnv(t)
	tr := createTransformation(t, env, domain.OversightAutonomous)
	tr, err := env.Engine.Queue(env.Ctx, tr.ID, "automation")
	if err != nil || tr.Status != domain.TransformationQueued {
		t.Fatalf("autonomous queue from draft: %v status=%s", err, tr.Status)
	}
}

func TestAutonomousQueueDisabledByConfig(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Transformations.AllowAutonomous = false
	tr := createTransformation(t, env, domain.OversightAutonomous)
	_, err := env.Engine.Queue(env.Ctx, tr.ID, "automation")
	wantConflict(t, err)
	got, _ := env.Engine.GetTransformation(env.Ctx, tr.ID)
	if got.Status != domain.TransformationDraft {
		t.Fatalf("status changed on denied queue: %s", got.Status)
	}
}

func TestQueueRequiresApproval(t *testing.T) {
	env := newTestEnv(t)
	tr := createTransformation(t, env, domain.OversightReview)
	_, err := env.Engine.Queue(env.Ctx, tr.ID, "tester")
	sc := wantConflict(t, err)
	if sc.Status != domain.TransformationDraft {
		t.Fatalf("conflict status = %s, want draft", sc.Status)
	}
}

func TestApproveOnDraftFails(t *testing.T) {
	env := newTestEnv(t)
	tr := createTransformation(t, env, domain.OversightReview)
	_, err := env.Engine.Approve(env.Ctx, tr.ID, "reviewer", "")
	wantConflict(t, err)
	got, err := env.Engine.GetTransformation(env.Ctx, tr.ID)
	if err != nil || got.Status != domain.TransformationDraft {
		t.Fatalf("status after denied approve: %v %s", err, got.Status)
	}
}

func TestRejectReturnsToDraftAndLogGrows(t *testing.T) {
	env := newTestEnv(t)
	tr := createTransformation(t, env, domain.OversightReview)
	for i := 0; i < 3; i++ {
		var err error
		tr, err = env.Engine.Submit(env.Ctx, tr.ID, "tester")
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		tr, err = env.Engine.Reject(env.Ctx, tr.ID, "reviewer", "needs work")
		if err != nil || tr.Status != domain.TransformationDraft {
			t.Fatalf("reject %d: %v status=%s", i, err, tr.Status)
		}
	}
	got, err := env.Engine.GetTransformation(env.Ctx, tr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Approvals) != 3 {
		t.Fatalf("approval log length = %d, want 3", len(got.Approvals))
	}
	for _, a := range got.Approvals {
		if a.Action != "reject" || a.Comment != "needs work" {
			t.Fatalf("unexpected approval entry: %+v", a)
		}
	}
}

func TestRejectRequiresComment(t *testing.T) {
	env := newTestEnv(t)
	tr := createTransformation(t, env, domain.OversightReview)
	if _, err := env.Engine.Submit(env.Ctx, tr.ID, "tester"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Reject(env.Ctx, tr.ID, "reviewer", ""); err == nil {
		t.Fatal("expected error for empty rejection comment")
	}
}

func TestCancelFromQueuedRunningPaused(t *testing.T) {
	env := newTestEnv(t)
	for _, target := range []domain.TransformationStatus{
		domain.TransformationQueued,
		domain.TransformationRunning,
		domain.TransformationPaused,
	} {
		tr := createTransformation(t, env, domain.OversightAutonomous)
		if _, err := env.Engine.Queue(env.Ctx, tr.ID, "a"); err != nil {
			t.Fatalf("queue: %v", err)
		}
		if target != domain.TransformationQueued {
			if _, err := env.Engine.Start(env.Ctx, tr.ID, "a"); err != nil {
				t.Fatalf("start: %v", err)
			}
		}
		if target == domain.TransformationPaused {
			if _, err := env.Engine.Pause(env.Ctx, tr.ID, "a"); err != nil {
				t.Fatalf("pause: %v", err)
			}
		}
		got, err := env.Engine.Cancel(env.Ctx, tr.ID, "a")
		if err != nil || got.Status != domain.TransformationCancelled {
			t.Fatalf("cancel from %s: %v status=%s", target, err, got.Status)
		}
	}
}

func TestPauseResumeCycle(t *testing.T) {
	env := newTestEnv(t)
	tr := createTransformation(t, env, domain.OversightAutonomous)
	env.Engine.Queue(env.Ctx, tr.ID, "a")
	env.Engine.Start(env.Ctx, tr.ID, "a")
	got, err := env.Engine.Pause(env.Ctx, tr.ID, "a")
	if err != nil || got.Status != domain.TransformationPaused {
		t.Fatalf("pause: %v status=%s", err, got.Status)
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, tr.ID, "a", 10, ""); err == nil {
		t.Fatal("progress accepted while paused")
	}
	got, err = env.Engine.Resume(env.Ctx, tr.ID, "a")
	if err != nil || got.Status != domain.TransformationRunning {
		t.Fatalf("resume: %v status=%s", err, got.Status)
	}
}

func TestFailedIsNeverRollbackable(t *testing.T) {
	env := newTestEnv(t)
	tr := createTransformation(t, env, domain.OversightAutonomous)
	env.Engine.Queue(env.Ctx, tr.ID, "a")
	env.Engine.Start(env.Ctx, tr.ID, "a")
	got, err := env.Engine.Fail(env.Ctx, tr.ID, "a", "tests failed")
	if err != nil || got.Status != domain.TransformationFailed {
		t.Fatalf("fail: %v status=%s", err, got.Status)
	}
	if got.Error != "tests failed" || got.Execution.CompletedAt == nil {
		t.Fatalf("failure record: error=%q execution=%+v", got.Error, got.Execution)
	}
	_, err = env.Engine.Rollback(env.Ctx, tr.ID, "a")
	wantConflict(t, err)
}

func TestRollbackOnlyFromCompleted(t *testing.T) {
	env := newTestEnv(t)
	tr := createTransformation(t, env, domain.OversightAutonomous)
	env.Engine.Queue(env.Ctx, tr.ID, "a")
	env.Engine.Start(env.Ctx, tr.ID, "a")
	got, err := env.Engine.Complete(env.Ctx, tr.ID, "a", engine.CompleteOptions{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err = env.Engine.Rollback(env.Ctx, tr.ID, "a")
	if err != nil || got.Status != domain.TransformationRolledBack {
		t.Fatalf("rollback: %v status=%s", err, got.Status)
	}
	// terminal: nothing else applies
	if _, err := env.Engine.Rollback(env.Ctx, tr.ID, "a"); err == nil {
		t.Fatal("second rollback accepted")
	}
}

func TestDeniedOperationsLeaveStatusUnchanged(t *testing.T) {
	env := newTestEnv(t)

	type op struct {
		name string
		call func(id string) error
	}
	ops := []op{
		{"submit", func(id string) error { _, err := env.Engine.Submit(env.Ctx, id, "a"); return err }},
		{"approve", func(id string) error { _, err := env.Engine.Approve(env.Ctx, id, "a", ""); return err }},
		{"reject", func(id string) error { _, err := env.Engine.Reject(env.Ctx, id, "a", "no"); return err }},
		{"queue", func(id string) error { _, err := env.Engine.Queue(env.Ctx, id, "a"); return err }},
		{"start", func(id string) error { _, err := env.Engine.Start(env.Ctx, id, "a"); return err }},
		{"pause", func(id string) error { _, err := env.Engine.Pause(env.Ctx, id, "a"); return err }},
		{"resume", func(id string) error { _, err := env.Engine.Resume(env.Ctx, id, "a"); return err }},
		{"cancel", func(id string) error { _, err := env.Engine.Cancel(env.Ctx, id, "a"); return err }},
		{"complete", func(id string) error {
			_, err := env.Engine.Complete(env.Ctx, id, "a", engine.CompleteOptions{})
			return err
		}},
		{"fail", func(id string) error { _, err := env.Engine.Fail(env.Ctx, id, "a", "x"); return err }},
		{"rollback", func(id string) error { _, err := env.Engine.Rollback(env.Ctx, id, "a"); return err }},
	}

	allowed := map[domain.TransformationStatus]map[string]bool{
		domain.TransformationDraft:           {"submit": true, "queue": true},
		domain.TransformationPendingApproval: {"approve": true, "reject": true},
		domain.TransformationApproved:        {"queue": true},
		domain.TransformationQueued:          {"start": true, "cancel": true},
		domain.TransformationRunning:         {"pause": true, "cancel": true, "complete": true, "fail": true},
		domain.TransformationPaused:          {"resume": true, "cancel": true},
		domain.TransformationCompleted:       {"rollback": true},
		domain.TransformationFailed:          {},
		domain.TransformationCancelled:       {},
		domain.TransformationRolledBack:      {},
	}

	// drive a fresh autonomous transformation into each state
	reach := map[domain.TransformationStatus]func() string{
		domain.TransformationDraft: func() string {
			return createTransformation(t, env, domain.OversightAutonomous).ID
		},
		domain.TransformationPendingApproval: func() string {
			id := createTransformation(t, env, domain.OversightReview).ID
			env.Engine.Submit(env.Ctx, id, "a")
			return id
		},
		domain.TransformationApproved: func() string {
			id := createTransformation(t, env, domain.OversightReview).ID
			env.Engine.Submit(env.Ctx, id, "a")
			env.Engine.Approve(env.Ctx, id, "a", "")
			return id
		},
		domain.TransformationQueued: func() string {
			id := createTransformation(t, env, domain.OversightAutonomous).ID
			env.Engine.Queue(env.Ctx, id, "a")
			return id
		},
		domain.TransformationRunning: func() string {
			id := createTransformation(t, env, domain.OversightAutonomous).ID
			env.Engine.Queue(env.Ctx, id, "a")
			env.Engine.Start(env.Ctx, id, "a")
			return id
		},
		domain.TransformationPaused: func() string {
			id := createTransformation(t, env, domain.OversightAutonomous).ID
			env.Engine.Queue(env.Ctx, id, "a")
			env.Engine.Start(env.Ctx, id, "a")
			env.Engine.Pause(env.Ctx, id, "a")
			return id
		},
		domain.TransformationCompleted: func() string {
			id := createTransformation(t, env, domain.OversightAutonomous).ID
			env.Engine.Queue(env.Ctx, id, "a")
			env.Engine.Start(env.Ctx, id, "a")
			env.Engine.Complete(env.Ctx, id, "a", engine.CompleteOptions{})
			return id
		},
		domain.TransformationFailed: func() string {
			id := createTransformation(t, env, domain.OversightAutonomous).ID
			env.Engine.Queue(env.Ctx, id, "a")
			env.Engine.Start(env.Ctx, id, "a")
			env.Engine.Fail(env.Ctx, id, "a", "x")
			return id
		},
		domain.TransformationCancelled: func() string {
			id := createTransformation(t, env, domain.OversightAutonomous).ID
			env.Engine.Queue(env.Ctx, id, "a")
			env.Engine.Cancel(env.Ctx, id, "a")
			return id
		},
		domain.TransformationRolledBack: func() string {
			id := createTransformation(t, env, domain.OversightAutonomous).ID
			env.Engine.Queue(env.Ctx, id, "a")
			env.Engine.Start(env.Ctx, id, "a")
			env.Engine.Complete(env.Ctx, id, "a", engine.CompleteOptions{})
			env.Engine.Rollback(env.Ctx, id, "a")
			return id
		},
	}

	for status, build := range reach {
		for _, o := range ops {
			if allowed[status][o.name] {
				continue
			}
			id := build()
			err := o.call(id)
			wantConflict(t, err)
			got, gerr := env.Engine.GetTransformation(env.Ctx, id)
			if gerr != nil {
				t.Fatalf("get after denied %s from %s: %v", o.name, status, gerr)
			}
			if got.Status != status {
				t.Fatalf("denied %s from %s changed status to %s", o.name, status, got.Status)
			}
		}
	}
}

func TestDeleteAllowedInAnyState(t *testing.T) {
	env := newTestEnv(t)
	tr := createTransformation(t, env, domain.OversightAutonomous)
	env.Engine.Queue(env.Ctx, tr.ID, "a")
	env.Engine.Start(env.Ctx, tr.ID, "a")
	if err := env.Engine.DeleteTransformation(env.Ctx, tr.ID, "admin"); err != nil {
		t.Fatalf("delete running: %v", err)
	}
	if _, err := env.Engine.GetTransformation(env.Ctx, tr.ID); err == nil {
		t.Fatal("transformation still readable after delete")
	}
}

func TestOversightDefaultsFromConfig(t *testing.T) {
	env := newTestEnv(t)
	tr, err := env.Engine.CreateTransformation(env.Ctx, engine.TransformationCreateOptions{
		CodebaseID: env.CodebaseID,
		Name:       "bump deps",
		Type:       domain.TypeDependencyUpdate,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tr.Oversight != domain.OversightNotify {
		t.Fatalf("oversight = %s, want notify from config default", tr.Oversight)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTransformation(env.Ctx, engine.TransformationCreateOptions{
		CodebaseID: env.CodebaseID,
		Type:       domain.TypeRefactor,
		ActorID:    "tester",
	}); err == nil {
		t.Fatal("missing name accepted")
	}
	if _, err := env.Engine.CreateTransformation(env.Ctx, engine.TransformationCreateOptions{
		CodebaseID: env.CodebaseID,
		Name:       "x",
		Type:       "repaint",
		ActorID:    "tester",
	}); err == nil {
		t.Fatal("invalid type accepted")
	}
	if _, err := env.Engine.CreateTransformation(env.Ctx, engine.TransformationCreateOptions{
		CodebaseID: "nope",
		Name:       "x",
		Type:       domain.TypeRefactor,
		ActorID:    "tester",
	}); err == nil {
		t.Fatal("missing codebase accepted")
	}
	if _, err := env.Engine.UpdateProgress(env.Ctx, "any", "tester", 120, ""); err == nil {
		t.Fatal("out-of-range progress accepted")
	}
}

func TestDeleteCodebaseCascades(t *testing.T) {
	env := newTestEnv(t)
	rp, err := env.Engine.AddRepository(env.Ctx, engine.RepositoryCreateOptions{
		CodebaseID: env.CodebaseID,
		Provider:   domain.ProviderGitHub,
		URL:        "https://github.com/org/repo.git",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("add repository: %v", err)
	}
	tr := createTransformation(t, env, domain.OversightReview)

	removed, err := env.Engine.DeleteCodebase(env.Ctx, env.CodebaseID, "admin")
	if err != nil {
		t.Fatalf("delete codebase: %v", err)
	}
	if len(removed) != 1 || removed[0] != rp.ID {
		t.Fatalf("removed repo ids = %v, want [%s]", removed, rp.ID)
	}
	if _, err := env.Engine.Repo.GetRepository(env.Ctx, rp.ID); err == nil {
		t.Fatal("repository survived cascade")
	}
	if _, err := env.Engine.GetTransformation(env.Ctx, tr.ID); err == nil {
		t.Fatal("transformation survived cascade")
	}
}
