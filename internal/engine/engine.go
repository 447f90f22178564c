// Package engine owns every mutation of codebases, repositories and
// transformations. Transformation status only changes through the
// transition operations here; each one commits atomically with its
// journal entry and side effects, or not at all.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"codeforge/internal/config"
	"codeforge/internal/domain"
	"codeforge/internal/events"
	"codeforge/internal/repo"
)

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

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// StateConflictError reports a transition attempted from a state its
// guard does not allow. The record is left unchanged; the caller must
// re-fetch and decide.
type StateConflictError struct {
	Op     string
	Status domain.TransformationStatus
	Reason string
}

func (e *StateConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s transformation in status %s: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("cannot %s transformation in status %s", e.Op, e.Status)
}

func conflict(op string, status domain.TransformationStatus) error {
	return &StateConflictError{Op: op, Status: status}
}

// TransformationCreateOptions are parameters for creating a draft.
type TransformationCreateOptions struct {
	CodebaseID  string
	Name        string
	Description string
	Type        domain.TransformationType
	Oversight   domain.OversightLevel
	Scope       domain.TransformationScope
	Plan        []domain.PlanStep
	ActorID     string
}

// CreateTransformation validates input and stores a new draft. The
// oversight level defaults from config by type when unset and is
// immutable afterwards.
func (e Engine) CreateTransformation(ctx context.Context, opts TransformationCreateOptions) (domain.Transformation, error) {
	if e.Config == nil {
		return domain.Transformation{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Transformation{}, errors.New("name is required")
	}
	if !opts.Type.Valid() {
		return domain.Transformation{}, fmt.Errorf("invalid transformation type %q", opts.Type)
	}
	if opts.Oversight == "" {
		opts.Oversight = e.Config.OversightFor(opts.Type)
	}
	if !opts.Oversight.Valid() {
		return domain.Transformation{}, fmt.Errorf("invalid oversight level %q", opts.Oversight)
	}
	if _, err := e.Repo.GetCodebase(ctx, opts.CodebaseID); err != nil {
		return domain.Transformation{}, err
	}
	now := e.nowString()
	t := domain.Transformation{
		ID:          uuid.NewString(),
		CodebaseID:  opts.CodebaseID,
		Name:        opts.Name,
		Description: opts.Description,
		Type:        opts.Type,
		Status:      domain.TransformationDraft,
		Oversight:   opts.Oversight,
		Scope:       opts.Scope,
		Plan:        opts.Plan,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transformation{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTransformation(ctx, tx, t); err != nil {
		return domain.Transformation{}, err
	}
	if err := e.Events.Append(ctx, tx, "transformation.created", t.CodebaseID, "transformation", t.ID, opts.ActorID, events.EventPayload{
		"name":      t.Name,
		"type":      string(t.Type),
		"oversight": string(t.Oversight),
	}); err != nil {
		return domain.Transformation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transformation{}, err
	}
	return t, nil
}

// transition re-reads the record inside the transaction, applies the
// guarded mutation and commits it together with its journal entry.
// Concurrent conflicting requests lose on the version check and
// surface as not-found turned state-conflict by re-validation, never
// as a blind overwrite.
func (e Engine) transition(ctx context.Context, id, actorID, evtType string, apply func(tx *sql.Tx, t *domain.Transformation) (events.EventPayload, error)) (domain.Transformation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transformation{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTransformationTx(ctx, tx, id)
	if err != nil {
		return domain.Transformation{}, err
	}
	expected := t.Version
	payload, err := apply(tx, &t)
	if err != nil {
		return domain.Transformation{}, err
	}
	t.Version = expected + 1
	t.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateTransformation(ctx, tx, t, expected); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Transformation{}, &StateConflictError{Op: evtType, Status: t.Status, Reason: "concurrent update"}
		}
		return domain.Transformation{}, err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["status"] = string(t.Status)
	if err := e.Events.Append(ctx, tx, evtType, t.CodebaseID, "transformation", t.ID, actorID, payload); err != nil {
		return domain.Transformation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transformation{}, err
	}
	return t, nil
}

// Submit moves a draft into the approval queue.
func (e Engine) Submit(ctx context.Context, id, actorID string) (domain.Transformation, error) {
	return e.transition(ctx, id, actorID, "transformation.submitted", func(tx *sql.Tx, t *domain.Transformation) (events.EventPayload, error) {
		if t.Status != domain.TransformationDraft {
			return nil, conflict("submit", t.Status)
		}
		t.Status = domain.TransformationPendingApproval
		return nil, nil
	})
}

func (e Engine) appendApproval(ctx context.Context, tx *sql.Tx, t *domain.Transformation, actorID, action, comment string) error {
	a := domain.Approval{
		ID:               uuid.NewString(),
		TransformationID: t.ID,
		ActorID:          actorID,
		Action:           action,
		Comment:          comment,
		TS:               e.nowString(),
	}
	if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
		return err
	}
	t.Approvals = append(t.Approvals, a)
	return nil
}

// Approve records an approval and releases the transformation for queueing.
func (e Engine) Approve(ctx context.Context, id, actorID, comment string) (domain.Transformation, error) {
	return e.transition(ctx, id, actorID, "transformation.approved", func(tx *sql.Tx, t *domain.Transformation) (events.EventPayload, error) {
		if t.Status != domain.TransformationPendingApproval {
			return nil, conflict("approve", t.Status)
		}
		if err := e.appendApproval(ctx, tx, t, actorID, "approve", comment); err != nil {
			return nil, err
		}
		t.Status = domain.TransformationApproved
		return events.EventPayload{"comment": comment}, nil
	})
}

// Reject returns the transformation to draft. The rejection is appended
// to the approval log; prior entries are never cleared.
func (e Engine) Reject(ctx context.Context, id, actorID, comment string) (domain.Transformation, error) {
	if comment == "" {
		return domain.Transformation{}, errors.New("rejection comment is required")
	}
	return e.transition(ctx, id, actorID, "transformation.rejected", func(tx *sql.Tx, t *domain.Transformation) (events.EventPayload, error) {
		if t.Status != domain.TransformationPendingApproval {
			return nil, conflict("reject", t.Status)
		}
		if err := e.appendApproval(ctx, tx, t, actorID, "reject", comment); err != nil {
			return nil, err
		}
		t.Status = domain.TransformationDraft
		return events.EventPayload{"comment": comment}, nil
	})
}

// Queue admits an approved transformation for execution. Autonomous
// drafts skip the approval cycle entirely when config allows it.
func (e Engine) Queue(ctx context.Context, id, actorID string) (domain.Transformation, error) {
	return e.transition(ctx, id, actorID, "transformation.queued", func(tx *sql.Tx, t *domain.Transformation) (events.EventPayload, error) {
		switch {
		case t.Status == domain.TransformationApproved:
		case t.Status == domain.TransformationDraft && t.Oversight == domain.OversightAutonomous:
			if e.Config != nil && !e.Config.Transformations.AllowAutonomous {
				return nil, &StateConflictError{Op: "queue", Status: t.Status, Reason: "autonomous execution disabled, requires approval"}
			}
		default:
			return nil, &StateConflictError{Op: "queue", Status: t.Status, Reason: "requires approval"}
		}
		t.Status = domain.TransformationQueued
		return nil, nil
	})
}

// Start begins execution of a queued transformation.
func (e Engine) Start(ctx context.Context, id, actorID string) (domain.Transformation, error) {
	return e.transition(ctx, id, actorID, "transformation.started", func(tx *sql.Tx, t *domain.Transformation) (events.EventPayload, error) {
		if t.Status != domain.TransformationQueued {
			return nil, conflict("start", t.Status)
		}
		now := e.nowString()
		t.Status = domain.TransformationRunning
		t.Execution.StartedAt = &now
		t.Execution.Progress = 0
		return nil, nil
	})
}

// Pause suspends a running transformation.
func (e Engine) Pause(ctx context.Context, id, actorID string) (domain.Transformation, error) {
	return e.transition(ctx, id, actorID, "transformation.paused", func(tx *sql.Tx, t *domain.Transformation) (events.EventPayload, error) {
		if t.Status != domain.TransformationRunning {
			return nil, conflict("pause", t.Status)
		}
		t.Status = domain.TransformationPaused
		return nil, nil
	})
}

// Resume continues a paused transformation.
func (e Engine) Resume(ctx context.Context, id, actorID string) (domain.Transformation, error) {
	return e.transition(ctx, id, actorID, "transformation.resumed", func(tx *sql.Tx, t *domain.Transformation) (events.EventPayload, error) {
		if t.Status != domain.TransformationPaused {
			return nil, conflict("resume", t.Status)
		}
		t.Status = domain.TransformationRunning
		return nil, nil
	})
}

// Cancel stops a queued, running or paused transformation. Recording
// the status is immediate; halting any in-flight backend process is the
// execution backend's responsibility.
func (e Engine) Cancel(ctx context.Context, id, actorID string) (domain.Transformation, error) {
	return e.transition(ctx, id, actorID, "transformation.cancelled", func(tx *sql.Tx, t *domain.Transformation) (events.EventPayload, error) {
		switch t.Status {
		case domain.TransformationQueued, domain.TransformationRunning, domain.TransformationPaused:
		default:
			return nil, conflict("cancel", t.Status)
		}
		t.Status = domain.TransformationCancelled
		return nil, nil
	})
}

// UpdateProgress reports execution progress without changing status.
func (e Engine) UpdateProgress(ctx context.Context, id, actorID string, progress int, step string) (domain.Transformation, error) {
	if progress < 0 || progress > 100 {
		return domain.Transformation{}, fmt.Errorf("progress %d out of range 0-100", progress)
	}
	return e.transition(ctx, id, actorID, "transformation.progress", func(tx *sql.Tx, t *domain.Transformation) (events.EventPayload, error) {
		if t.Status != domain.TransformationRunning {
			return nil, conflict("update progress of", t.Status)
		}
		t.Execution.Progress = progress
		if step != "" {
			t.Execution.CurrentStep = step
		}
		return events.EventPayload{"progress": progress, "current_step": t.Execution.CurrentStep}, nil
	})
}

// CompleteOptions carry the outcome of a finished execution.
type CompleteOptions struct {
	Output       domain.Output
	BackupRef    string
	FilesChanged int
	LinesChanged int
	TestsRun     int
	TestsPassed  int
}

// Complete finishes a running transformation and arms rollback.
func (e Engine) Complete(ctx context.Context, id, actorID string, opts CompleteOptions) (domain.Transformation, error) {
	return e.transition(ctx, id, actorID, "transformation.completed", func(tx *sql.Tx, t *domain.Transformation) (events.EventPayload, error) {
		if t.Status != domain.TransformationRunning {
			return nil, conflict("complete", t.Status)
		}
		now := e.nowString()
		t.Status = domain.TransformationCompleted
		t.Execution.CompletedAt = &now
		t.Execution.Progress = 100
		t.Execution.FilesChanged = opts.FilesChanged
		t.Execution.LinesChanged = opts.LinesChanged
		t.Execution.TestsRun = opts.TestsRun
		t.Execution.TestsPassed = opts.TestsPassed
		out := opts.Output
		t.Output = &out
		backupRef := opts.BackupRef
		if backupRef == "" {
			backupRef = "refs/codeforge/backup/" + t.ID
		}
		t.Rollback = domain.Rollback{Available: true, BackupRef: backupRef}
		t.Error = ""
		return events.EventPayload{"backup_ref": backupRef}, nil
	})
}

// Fail records a failed execution. A failed transformation can never be
// rolled back.
func (e Engine) Fail(ctx context.Context, id, actorID, cause string) (domain.Transformation, error) {
	if cause == "" {
		return domain.Transformation{}, errors.New("failure cause is required")
	}
	return e.transition(ctx, id, actorID, "transformation.failed", func(tx *sql.Tx, t *domain.Transformation) (events.EventPayload, error) {
		if t.Status != domain.TransformationRunning {
			return nil, conflict("fail", t.Status)
		}
		now := e.nowString()
		t.Status = domain.TransformationFailed
		t.Execution.CompletedAt = &now
		t.Error = cause
		return events.EventPayload{"error": cause}, nil
	})
}

// Rollback undoes a completed transformation using its backup reference.
func (e Engine) Rollback(ctx context.Context, id, actorID string) (domain.Transformation, error) {
	return e.transition(ctx, id, actorID, "transformation.rolled_back", func(tx *sql.Tx, t *domain.Transformation) (events.EventPayload, error) {
		if t.Status != domain.TransformationCompleted {
			return nil, conflict("rollback", t.Status)
		}
		if !t.Rollback.Available {
			return nil, &StateConflictError{Op: "rollback", Status: t.Status, Reason: "no backup available"}
		}
		t.Status = domain.TransformationRolledBack
		return events.EventPayload{"backup_ref": t.Rollback.BackupRef}, nil
	})
}

// DeleteTransformation removes the record in any state. This is an
// administrative override, not a workflow transition.
func (e Engine) DeleteTransformation(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTransformationTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteTransformation(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "transformation.deleted", t.CodebaseID, "transformation", t.ID, actorID, events.EventPayload{
		"status": string(t.Status),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTransformation returns one transformation with its approval log.
func (e Engine) GetTransformation(ctx context.Context, id string) (domain.Transformation, error) {
	t, err := e.Repo.GetTransformation(ctx, id)
	if err != nil {
		return t, err
	}
	t.Approvals, err = e.Repo.ListApprovals(ctx, id)
	return t, err
}
