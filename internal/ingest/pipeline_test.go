package ingest_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codeforge/internal/config"
	"codeforge/internal/db"
	"codeforge/internal/domain"
	"codeforge/internal/engine"
	"codeforge/internal/ingest"
	"codeforge/internal/migrate"
	"codeforge/internal/vcs"
)

// fakeFetcher materializes fixture trees instead of running git.
type fakeFetcher struct {
	root    string
	files   map[string]string
	fail    error
	pulls   int
	clones  int
	cleaned []string
}

func (f *fakeFetcher) materialize(repoID string) (vcs.FetchResult, error) {
	if f.fail != nil {
		return vcs.FetchResult{}, f.fail
	}
	dest := filepath.Join(f.root, repoID)
	if err := os.RemoveAll(dest); err != nil {
		return vcs.FetchResult{}, err
	}
	for rel, content := range f.files {
		path := filepath.Join(dest, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return vcs.FetchResult{}, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return vcs.FetchResult{}, err
		}
	}
	date := "2026-01-01T00:00:00Z"
	return vcs.FetchResult{LocalPath: dest, CommitHash: "abc123", CommitDate: &date, SizeBytes: 512}, nil
}

func (f *fakeFetcher) Clone(ctx context.Context, rp domain.Repository) (vcs.FetchResult, error) {
	f.clones++
	return f.materialize(rp.ID)
}

func (f *fakeFetcher) Pull(ctx context.Context, rp domain.Repository) (vcs.FetchResult, error) {
	f.pulls++
	return f.materialize(rp.ID)
}

func (f *fakeFetcher) Cleanup(repoID string) error {
	f.cleaned = append(f.cleaned, repoID)
	return os.RemoveAll(filepath.Join(f.root, repoID))
}

type pipelineEnv struct {
	Engine     engine.Engine
	Pipeline   *ingest.Pipeline
	Fetcher    *fakeFetcher
	Ctx        context.Context
	CodebaseID string
}

func newPipelineEnv(t *testing.T) pipelineEnv {
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
	ctx := context.Background()
	cb, err := eng.CreateCodebase(ctx, engine.CodebaseCreateOptions{TenantID: "tenant-1", Name: "suite", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create codebase: %v", err)
	}
	ff := &fakeFetcher{
		root: filepath.Join(dir, "repos"),
		files: map[string]string{
			"main.py": strings.Repeat("print(1)\n", 19) + "print(1)",
		},
	}
	pl := ingest.New(conn, ff, cfg, nil)
	pl.Now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }
	return pipelineEnv{Engine: eng, Pipeline: pl, Fetcher: ff, Ctx: ctx, CodebaseID: cb.ID}
}

func addRepo(t *testing.T, env pipelineEnv) domain.Repository {
	t.Helper()
	rp, err := env.Engine.AddRepository(env.Ctx, engine.RepositoryCreateOptions{
		CodebaseID: env.CodebaseID,
		Provider:   domain.ProviderGitHub,
		URL:        "https://github.com/org/repo.git",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("add repository: %v", err)
	}
	return rp
}

func TestIngestSuccess(t *testing.T) {
	env := newPipelineEnv(t)
	rp := addRepo(t, env)

	got, err := env.Pipeline.IngestRepository(env.Ctx, rp.ID, "tester", false)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got.Status != domain.RepoReady {
		t.Fatalf("status = %s, want ready", got.Status)
	}
	if got.TotalFiles != 1 || got.TotalLines != 20 {
		t.Fatalf("totals = %d files %d lines, want 1/20", got.TotalFiles, got.TotalLines)
	}
	if got.Languages["python"] != 100 {
		t.Fatalf("languages = %v", got.Languages)
	}
	if got.LastCommit != "abc123" || got.LastCommitAt == nil {
		t.Fatalf("commit info = %s %v", got.LastCommit, got.LastCommitAt)
	}

	cb, err := env.Engine.Repo.GetCodebase(env.Ctx, env.CodebaseID)
	if err != nil {
		t.Fatalf("get codebase: %v", err)
	}
	if cb.Status != domain.CodebaseReady {
		t.Fatalf("codebase status = %s, want ready", cb.Status)
	}
	if cb.TotalFiles != 1 || cb.TotalLines != 20 {
		t.Fatalf("codebase totals = %d/%d", cb.TotalFiles, cb.TotalLines)
	}
}

func TestIngestFetchFailure(t *testing.T) {
	env := newPipelineEnv(t)
	rp := addRepo(t, env)
	env.Fetcher.fail = errors.New("git clone: authentication failed")

	got, err := env.Pipeline.IngestRepository(env.Ctx, rp.ID, "tester", false)
	if err != nil {
		t.Fatalf("ingest returned transport error instead of record: %v", err)
	}
	if got.Status != domain.RepoError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if !strings.Contains(got.Error, "authentication failed") {
		t.Fatalf("error message = %q", got.Error)
	}
	cb, _ := env.Engine.Repo.GetCodebase(env.Ctx, env.CodebaseID)
	if cb.Status != domain.CodebaseError {
		t.Fatalf("codebase status = %s, want error", cb.Status)
	}
}

func TestIngestIsIdempotentAndRefreshPulls(t *testing.T) {
	env := newPipelineEnv(t)
	rp := addRepo(t, env)

	if _, err := env.Pipeline.IngestRepository(env.Ctx, rp.ID, "tester", false); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	got, err := env.Pipeline.IngestRepository(env.Ctx, rp.ID, "tester", true)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.Status != domain.RepoReady {
		t.Fatalf("status after refresh = %s", got.Status)
	}
	if env.Fetcher.clones != 1 || env.Fetcher.pulls != 1 {
		t.Fatalf("clones=%d pulls=%d, want 1/1", env.Fetcher.clones, env.Fetcher.pulls)
	}
}

func TestConcurrentIngestConflicts(t *testing.T) {
	env := newPipelineEnv(t)
	rp := addRepo(t, env)

	claimed, err := env.Pipeline.Repo.UpdateRepositoryStatusIf(env.Ctx, rp.ID, domain.RepoCloning,
		[]domain.RepoStatus{domain.RepoPending}, "2026-01-02T00:00:00Z")
	if err != nil || !claimed {
		t.Fatalf("seed cloning status: %v claimed=%v", err, claimed)
	}

	_, err = env.Pipeline.IngestRepository(env.Ctx, rp.ID, "tester", false)
	var conflict *ingest.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.Status != domain.RepoCloning {
		t.Fatalf("conflict status = %s", conflict.Status)
	}
}

func TestErrorRepositoryPoisonsCodebaseAggregate(t *testing.T) {
	env := newPipelineEnv(t)
	good := addRepo(t, env)
	bad := addRepo(t, env)

	if _, err := env.Pipeline.IngestRepository(env.Ctx, good.ID, "tester", false); err != nil {
		t.Fatalf("ingest good: %v", err)
	}
	env.Fetcher.fail = errors.New("remote gone")
	if _, err := env.Pipeline.IngestRepository(env.Ctx, bad.ID, "tester", false); err != nil {
		t.Fatalf("ingest bad: %v", err)
	}

	cb, _ := env.Engine.Repo.GetCodebase(env.Ctx, env.CodebaseID)
	if cb.Status != domain.CodebaseError {
		t.Fatalf("codebase status = %s, want error", cb.Status)
	}
	// rollups still include the good repository
	if cb.TotalFiles != 1 || cb.TotalLines != 20 {
		t.Fatalf("codebase totals = %d/%d", cb.TotalFiles, cb.TotalLines)
	}
}

func TestPendingSiblingKeepsCodebasePending(t *testing.T) {
	env := newPipelineEnv(t)
	first := addRepo(t, env)
	addRepo(t, env) // stays pending

	if _, err := env.Pipeline.IngestRepository(env.Ctx, first.ID, "tester", false); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	cb, _ := env.Engine.Repo.GetCodebase(env.Ctx, env.CodebaseID)
	if cb.Status != domain.CodebasePending {
		t.Fatalf("codebase status = %s, want pending while sibling not ingested", cb.Status)
	}
}

func TestIngestCodebaseFansOut(t *testing.T) {
	env := newPipelineEnv(t)
	addRepo(t, env)
	addRepo(t, env)

	results, err := env.Pipeline.IngestCodebase(env.Ctx, env.CodebaseID, "tester", false)
	if err != nil {
		t.Fatalf("ingest codebase: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("repo %s: %v", r.RepoID, r.Err)
		}
		if r.Repository.Status != domain.RepoReady {
			t.Fatalf("repo %s status = %s", r.RepoID, r.Repository.Status)
		}
	}
	cb, _ := env.Engine.Repo.GetCodebase(env.Ctx, env.CodebaseID)
	if cb.Status != domain.CodebaseReady {
		t.Fatalf("codebase status = %s, want ready", cb.Status)
	}
	if cb.TotalFiles != 2 || cb.TotalLines != 40 {
		t.Fatalf("codebase totals = %d/%d, want 2/40", cb.TotalFiles, cb.TotalLines)
	}
}
