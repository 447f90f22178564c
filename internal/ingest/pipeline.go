// Package ingest orchestrates the clone+scan cycle for repositories
// and keeps codebase-level rollups in step with their repositories.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"codeforge/internal/config"
	"codeforge/internal/domain"
	"codeforge/internal/events"
	"codeforge/internal/repo"
	"codeforge/internal/scanner"
	"codeforge/internal/vcs"
)

// Fetcher is the part of vcs.Fetcher the pipeline drives.
type Fetcher interface {
	Clone(ctx context.Context, rp domain.Repository) (vcs.FetchResult, error)
	Pull(ctx context.Context, rp domain.Repository) (vcs.FetchResult, error)
	Cleanup(repoID string) error
}

// ConflictError reports an ingest attempted while another one holds
// the repository's working directory.
type ConflictError struct {
	RepoID string
	Status domain.RepoStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("repository %s is already being ingested (status %s)", e.RepoID, e.Status)
}

type Pipeline struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Fetcher Fetcher
	Config  *config.Config
	Log     *slog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, fetcher Fetcher, cfg *config.Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Fetcher: fetcher,
		Config:  cfg,
		Log:     log,
		Now:     time.Now,
	}
}

func (p *Pipeline) nowString() string {
	return p.Now().UTC().Format(time.RFC3339)
}

// ingestable are the statuses an ingest may start from. Cloning and
// scanning are excluded so concurrent ingests of one repository
// serialize on the conditional status update instead of racing over
// the working directory.
var ingestable = []domain.RepoStatus{
	domain.RepoPending,
	domain.RepoReady,
	domain.RepoError,
	domain.RepoStale,
}

// IngestRepository runs one clone+scan cycle. Re-running on a READY
// repository re-clones and overwrites metadata, which is how refresh
// works; refresh=true pulls instead of re-cloning when a working copy
// exists.
func (p *Pipeline) IngestRepository(ctx context.Context, repoID, actorID string, refresh bool) (domain.Repository, error) {
	rp, err := p.Repo.GetRepository(ctx, repoID)
	if err != nil {
		return domain.Repository{}, err
	}
	cb, err := p.Repo.GetCodebase(ctx, rp.CodebaseID)
	if err != nil {
		return domain.Repository{}, err
	}

	claimed, err := p.Repo.UpdateRepositoryStatusIf(ctx, repoID, domain.RepoCloning, ingestable, p.nowString())
	if err != nil {
		return domain.Repository{}, err
	}
	if !claimed {
		current, _ := p.Repo.GetRepository(ctx, repoID)
		return domain.Repository{}, &ConflictError{RepoID: repoID, Status: current.Status}
	}
	if err := p.journal(ctx, "repository.ingest.started", rp, actorID, events.EventPayload{"refresh": refresh}); err != nil {
		return domain.Repository{}, err
	}

	fetch, err := p.fetch(ctx, rp, refresh)
	if err != nil {
		p.Log.Error("fetch failed", "repo_id", repoID, "err", err)
		return p.fail(ctx, rp, actorID, err)
	}

	if _, err := p.Repo.UpdateRepositoryStatusIf(ctx, repoID, domain.RepoScanning, []domain.RepoStatus{domain.RepoCloning}, p.nowString()); err != nil {
		return domain.Repository{}, err
	}

	patterns := append([]string{}, p.Config.Ingestion.Exclude...)
	patterns = append(patterns, cb.Settings.ExcludePatterns...)
	sc, err := scanner.New(p.Config.Ingestion.MaxFileSizeBytes, patterns, p.Log)
	if err != nil {
		return p.fail(ctx, rp, actorID, err)
	}
	result, err := sc.Scan(fetch.LocalPath)
	if err != nil {
		p.Log.Error("scan failed", "repo_id", repoID, "err", err)
		return p.fail(ctx, rp, actorID, err)
	}

	return p.succeed(ctx, rp, actorID, fetch, result)
}

func (p *Pipeline) fetch(ctx context.Context, rp domain.Repository, refresh bool) (vcs.FetchResult, error) {
	if refresh {
		return p.Fetcher.Pull(ctx, rp)
	}
	return p.Fetcher.Clone(ctx, rp)
}

func (p *Pipeline) journal(ctx context.Context, evtType string, rp domain.Repository, actorID string, payload events.EventPayload) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Events.Append(ctx, tx, evtType, rp.CodebaseID, "repository", rp.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Pipeline) fail(ctx context.Context, rp domain.Repository, actorID string, cause error) (domain.Repository, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Repository{}, err
	}
	defer tx.Rollback()
	now := p.nowString()
	if err := p.Repo.MarkRepositoryError(ctx, tx, rp.ID, cause.Error(), now); err != nil {
		return domain.Repository{}, err
	}
	if err := p.recomputeCodebase(ctx, tx, rp.CodebaseID); err != nil {
		return domain.Repository{}, err
	}
	if err := p.Events.Append(ctx, tx, "repository.error", rp.CodebaseID, "repository", rp.ID, actorID, events.EventPayload{"error": cause.Error()}); err != nil {
		return domain.Repository{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Repository{}, err
	}
	return p.Repo.GetRepository(ctx, rp.ID)
}

func (p *Pipeline) succeed(ctx context.Context, rp domain.Repository, actorID string, fetch vcs.FetchResult, result scanner.Result) (domain.Repository, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Repository{}, err
	}
	defer tx.Rollback()
	now := p.nowString()
	scan := repo.RepositoryScan{
		TotalFiles:   result.TotalFiles,
		TotalLines:   result.TotalLines,
		Languages:    result.Languages,
		SizeBytes:    fetch.SizeBytes,
		LastCommit:   fetch.CommitHash,
		LastCommitAt: fetch.CommitDate,
	}
	if err := p.Repo.UpdateRepositoryScanResult(ctx, tx, rp.ID, scan, now); err != nil {
		return domain.Repository{}, err
	}
	if err := p.recomputeCodebase(ctx, tx, rp.CodebaseID); err != nil {
		return domain.Repository{}, err
	}
	if err := p.Events.Append(ctx, tx, "repository.ready", rp.CodebaseID, "repository", rp.ID, actorID, events.EventPayload{
		"total_files": result.TotalFiles,
		"total_lines": result.TotalLines,
		"commit":      fetch.CommitHash,
	}); err != nil {
		return domain.Repository{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Repository{}, err
	}
	return p.Repo.GetRepository(ctx, rp.ID)
}

// recomputeCodebase rederives a codebase's status and rollups from its
// repositories. Status priority: error beats in-progress beats pending
// beats ready; all-ready means ready; no repositories means pending.
func (p *Pipeline) recomputeCodebase(ctx context.Context, tx *sql.Tx, codebaseID string) error {
	repos, err := p.Repo.ListRepositoriesTx(ctx, tx, codebaseID)
	if err != nil {
		return err
	}
	status := domain.CodebasePending
	if len(repos) > 0 {
		var anyError, anyInProgress, anyPending bool
		for _, rp := range repos {
			switch rp.Status {
			case domain.RepoError:
				anyError = true
			case domain.RepoCloning, domain.RepoScanning:
				anyInProgress = true
			case domain.RepoPending, domain.RepoStale:
				anyPending = true
			}
		}
		switch {
		case anyError:
			status = domain.CodebaseError
		case anyInProgress:
			status = domain.CodebaseIngesting
		case anyPending:
			status = domain.CodebasePending
		default:
			status = domain.CodebaseReady
		}
	}

	var totalFiles, totalLines int
	langLines := map[string]float64{}
	for _, rp := range repos {
		totalFiles += rp.TotalFiles
		totalLines += rp.TotalLines
		for lang, pct := range rp.Languages {
			langLines[lang] += float64(pct) / 100 * float64(rp.TotalLines)
		}
	}
	var languages map[string]int
	if totalLines > 0 && len(langLines) > 0 {
		languages = map[string]int{}
		for lang, lines := range langLines {
			pct := int(lines/float64(totalLines)*100 + 0.5)
			if pct > 0 {
				languages[lang] = pct
			}
		}
	}
	return p.Repo.UpdateCodebaseAggregates(ctx, tx, codebaseID, status, totalFiles, totalLines, languages, p.nowString())
}

// RepoResult is one repository's outcome within a codebase ingest.
type RepoResult struct {
	RepoID     string
	Repository domain.Repository
	Err        error
}

// IngestCodebase fans out over all repositories of a codebase. Failures
// and conflicts on one repository never abort its siblings.
func (p *Pipeline) IngestCodebase(ctx context.Context, codebaseID, actorID string, refresh bool) ([]RepoResult, error) {
	repos, err := p.Repo.ListRepositories(ctx, codebaseID)
	if err != nil {
		return nil, err
	}
	results := make([]RepoResult, len(repos))
	var wg sync.WaitGroup
	for i, rp := range repos {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			updated, err := p.IngestRepository(ctx, id, actorID, refresh)
			results[i] = RepoResult{RepoID: id, Repository: updated, Err: err}
		}(i, rp.ID)
	}
	wg.Wait()
	return results, nil
}
