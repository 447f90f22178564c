package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"codeforge/internal/domain"
	"codeforge/internal/events"
)

// CodebaseCreateOptions are parameters for creating a codebase.
type CodebaseCreateOptions struct {
	TenantID    string
	Name        string
	Description string
	Settings    domain.CodebaseSettings
	ActorID     string
}

func (e Engine) CreateCodebase(ctx context.Context, opts CodebaseCreateOptions) (domain.Codebase, error) {
	if opts.Name == "" {
		return domain.Codebase{}, errors.New("name is required")
	}
	if opts.TenantID == "" {
		return domain.Codebase{}, errors.New("tenant is required")
	}
	now := e.nowString()
	c := domain.Codebase{
		ID:          uuid.NewString(),
		TenantID:    opts.TenantID,
		Name:        opts.Name,
		Description: opts.Description,
		Status:      domain.CodebasePending,
		Settings:    opts.Settings,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Codebase{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCodebase(ctx, tx, c); err != nil {
		return domain.Codebase{}, err
	}
	if err := e.Events.Append(ctx, tx, "codebase.created", c.ID, "codebase", c.ID, opts.ActorID, events.EventPayload{"name": c.Name}); err != nil {
		return domain.Codebase{}, err
	}
	return c, tx.Commit()
}

// CodebaseUpdateOptions apply partial updates. Nil pointers leave
// fields untouched.
type CodebaseUpdateOptions struct {
	ID          string
	Name        *string
	Description *string
	Settings    *domain.CodebaseSettings
	ActorID     string
}

func (e Engine) UpdateCodebase(ctx context.Context, opts CodebaseUpdateOptions) (domain.Codebase, error) {
	if opts.Name != nil && *opts.Name == "" {
		return domain.Codebase{}, errors.New("name must not be empty")
	}
	if err := e.Repo.UpdateCodebase(ctx, opts.ID, opts.Name, opts.Description, opts.Settings, e.nowString()); err != nil {
		return domain.Codebase{}, err
	}
	return e.Repo.GetCodebase(ctx, opts.ID)
}

// DeleteCodebase removes the codebase and, via cascade, its
// repositories, transformations, analyses and findings. Returns the
// IDs of removed repositories so the caller can clean working copies.
func (e Engine) DeleteCodebase(ctx context.Context, id, actorID string) ([]string, error) {
	c, err := e.Repo.GetCodebase(ctx, id)
	if err != nil {
		return nil, err
	}
	repos, err := e.Repo.ListRepositories(ctx, id)
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteCodebase(ctx, tx, id); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "codebase.deleted", c.ID, "codebase", c.ID, actorID, events.EventPayload{"name": c.Name}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(repos))
	for _, rp := range repos {
		ids = append(ids, rp.ID)
	}
	return ids, nil
}

// RepositoryCreateOptions are parameters for connecting a repository.
type RepositoryCreateOptions struct {
	CodebaseID    string
	Provider      domain.Provider
	URL           string
	Branch        string
	CredentialRef string
	ActorID       string
}

// AddRepository connects a remote to a codebase. The repository stays
// pending until its first successful clone+scan cycle.
func (e Engine) AddRepository(ctx context.Context, opts RepositoryCreateOptions) (domain.Repository, error) {
	if opts.URL == "" {
		return domain.Repository{}, errors.New("url is required")
	}
	if !opts.Provider.Valid() {
		return domain.Repository{}, fmt.Errorf("invalid provider %q", opts.Provider)
	}
	if _, err := e.Repo.GetCodebase(ctx, opts.CodebaseID); err != nil {
		return domain.Repository{}, err
	}
	now := e.nowString()
	rp := domain.Repository{
		ID:            uuid.NewString(),
		CodebaseID:    opts.CodebaseID,
		Provider:      opts.Provider,
		URL:           opts.URL,
		Branch:        opts.Branch,
		CredentialRef: opts.CredentialRef,
		Status:        domain.RepoPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Repository{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRepository(ctx, tx, rp); err != nil {
		return domain.Repository{}, err
	}
	if err := e.Events.Append(ctx, tx, "repository.connected", rp.CodebaseID, "repository", rp.ID, opts.ActorID, events.EventPayload{
		"provider": string(rp.Provider),
		"url":      rp.URL,
	}); err != nil {
		return domain.Repository{}, err
	}
	return rp, tx.Commit()
}

// RemoveRepository disconnects a repository. The caller cleans up its
// working copy afterwards.
func (e Engine) RemoveRepository(ctx context.Context, id, actorID string) error {
	rp, err := e.Repo.GetRepository(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRepository(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "repository.removed", rp.CodebaseID, "repository", rp.ID, actorID, events.EventPayload{"url": rp.URL}); err != nil {
		return err
	}
	return tx.Commit()
}

// AnalysisCreateOptions registers an externally produced analysis run.
type AnalysisCreateOptions struct {
	CodebaseID string
	Status     string
	Depth      string
	ActorID    string
}

func (e Engine) CreateAnalysis(ctx context.Context, opts AnalysisCreateOptions) (domain.Analysis, error) {
	if _, err := e.Repo.GetCodebase(ctx, opts.CodebaseID); err != nil {
		return domain.Analysis{}, err
	}
	if opts.Status == "" {
		opts.Status = "pending"
	}
	a := domain.Analysis{
		ID:         uuid.NewString(),
		CodebaseID: opts.CodebaseID,
		Status:     opts.Status,
		Depth:      opts.Depth,
		CreatedAt:  e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Analysis{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAnalysis(ctx, tx, a); err != nil {
		return domain.Analysis{}, err
	}
	if err := e.Events.Append(ctx, tx, "analysis.created", a.CodebaseID, "analysis", a.ID, opts.ActorID, events.EventPayload{"depth": a.Depth}); err != nil {
		return domain.Analysis{}, err
	}
	return a, tx.Commit()
}

// RecordFinding stores a finding produced by the analysis collaborator.
// Content is stored as given; the engine only references findings by id.
func (e Engine) RecordFinding(ctx context.Context, f domain.Finding, actorID string) (domain.Finding, error) {
	if f.FilePath == "" || f.Title == "" {
		return domain.Finding{}, errors.New("file path and title are required")
	}
	if _, err := e.Repo.GetAnalysis(ctx, f.AnalysisID); err != nil {
		return domain.Finding{}, err
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt == "" {
		f.CreatedAt = e.nowString()
	}
	if err := e.Repo.InsertFinding(ctx, f); err != nil {
		return domain.Finding{}, err
	}
	return f, nil
}
