package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"codeforge/internal/domain"
)

const transformationCols = `id,codebase_id,name,COALESCE(description,''),type,status,oversight,scope_json,plan_json,started_at,completed_at,progress,current_step,files_changed,lines_changed,tests_run,tests_passed,output_json,rollback_available,rollback_backup_ref,COALESCE(error,''),version,created_at,updated_at`

func scanTransformation(scan func(dest ...any) error) (domain.Transformation, error) {
	var t domain.Transformation
	var scope, plan, output, startedAt, completedAt, currentStep, backupRef sql.NullString
	var rollbackAvailable int
	err := scan(&t.ID, &t.CodebaseID, &t.Name, &t.Description, &t.Type, &t.Status, &t.Oversight,
		&scope, &plan, &startedAt, &completedAt, &t.Execution.Progress, &currentStep,
		&t.Execution.FilesChanged, &t.Execution.LinesChanged, &t.Execution.TestsRun, &t.Execution.TestsPassed,
		&output, &rollbackAvailable, &backupRef, &t.Error, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if scope.Valid && scope.String != "" {
		if err := json.Unmarshal([]byte(scope.String), &t.Scope); err != nil {
			return t, fmt.Errorf("transformation %s scope: %w", t.ID, err)
		}
	}
	if plan.Valid && plan.String != "" {
		if err := json.Unmarshal([]byte(plan.String), &t.Plan); err != nil {
			return t, fmt.Errorf("transformation %s plan: %w", t.ID, err)
		}
	}
	if output.Valid && output.String != "" {
		var out domain.Output
		if err := json.Unmarshal([]byte(output.String), &out); err != nil {
			return t, fmt.Errorf("transformation %s output: %w", t.ID, err)
		}
		t.Output = &out
	}
	if startedAt.Valid {
		t.Execution.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.Execution.CompletedAt = &completedAt.String
	}
	if currentStep.Valid {
		t.Execution.CurrentStep = currentStep.String
	}
	t.Rollback.Available = rollbackAvailable == 1
	if backupRef.Valid {
		t.Rollback.BackupRef = backupRef.String
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r Repo) InsertTransformation(ctx context.Context, tx *sql.Tx, t domain.Transformation) error {
	scope, err := marshalJSON(t.Scope)
	if err != nil {
		return err
	}
	var plan any
	if len(t.Plan) > 0 {
		if plan, err = marshalJSON(t.Plan); err != nil {
			return err
		}
	}
	var output any
	if t.Output != nil {
		if output, err = marshalJSON(t.Output); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO transformations(id,codebase_id,name,description,type,status,oversight,scope_json,plan_json,started_at,completed_at,progress,current_step,files_changed,lines_changed,tests_run,tests_passed,output_json,rollback_available,rollback_backup_ref,error,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.CodebaseID, t.Name, nullable(t.Description), t.Type, t.Status, t.Oversight,
		scope, plan, nullableStringPtr(t.Execution.StartedAt), nullableStringPtr(t.Execution.CompletedAt),
		t.Execution.Progress, nullable(t.Execution.CurrentStep),
		t.Execution.FilesChanged, t.Execution.LinesChanged, t.Execution.TestsRun, t.Execution.TestsPassed,
		output, boolToInt(t.Rollback.Available), nullable(t.Rollback.BackupRef),
		nullable(t.Error), t.Version, t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTransformation writes the full record guarded by the version the
// caller read. Returns ErrNotFound when the row changed underneath,
// which the engine treats as a state conflict and retries or reports.
func (r Repo) UpdateTransformation(ctx context.Context, tx *sql.Tx, t domain.Transformation, expectedVersion int64) error {
	scope, err := marshalJSON(t.Scope)
	if err != nil {
		return err
	}
	var plan any
	if len(t.Plan) > 0 {
		if plan, err = marshalJSON(t.Plan); err != nil {
			return err
		}
	}
	var output any
	if t.Output != nil {
		if output, err = marshalJSON(t.Output); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `UPDATE transformations SET name=?, description=?, type=?, status=?, oversight=?, scope_json=?, plan_json=?, started_at=?, completed_at=?, progress=?, current_step=?, files_changed=?, lines_changed=?, tests_run=?, tests_passed=?, output_json=?, rollback_available=?, rollback_backup_ref=?, error=?, version=?, updated_at=? WHERE id=? AND version=?`,
		t.Name, nullable(t.Description), t.Type, t.Status, t.Oversight, scope, plan,
		nullableStringPtr(t.Execution.StartedAt), nullableStringPtr(t.Execution.CompletedAt),
		t.Execution.Progress, nullable(t.Execution.CurrentStep),
		t.Execution.FilesChanged, t.Execution.LinesChanged, t.Execution.TestsRun, t.Execution.TestsPassed,
		output, boolToInt(t.Rollback.Available), nullable(t.Rollback.BackupRef),
		nullable(t.Error), t.Version, t.UpdatedAt, t.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTransformation(ctx context.Context, id string) (domain.Transformation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+transformationCols+` FROM transformations WHERE id=?`, id)
	return scanTransformation(row.Scan)
}

func (r Repo) GetTransformationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Transformation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+transformationCols+` FROM transformations WHERE id=?`, id)
	return scanTransformation(row.Scan)
}

type TransformationFilters struct {
	CodebaseID      string
	Status          string
	Type            string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTransformations(ctx context.Context, f TransformationFilters) ([]domain.Transformation, error) {
	var clauses []string
	var args []any
	if f.CodebaseID != "" {
		clauses = append(clauses, "codebase_id=?")
		args = append(args, f.CodebaseID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + transformationCols + ` FROM transformations ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transformation
	for rows.Next() {
		t, err := scanTransformation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// DeleteTransformation removes a draft. The engine enforces that only
// drafts are deletable before calling here.
func (r Repo) DeleteTransformation(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM transformations WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(id,transformation_id,actor_id,action,comment,ts) VALUES (?,?,?,?,?,?)`,
		a.ID, a.TransformationID, a.ActorID, a.Action, nullable(a.Comment), a.TS)
	return err
}

func (r Repo) ListApprovals(ctx context.Context, transformationID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,transformation_id,actor_id,action,COALESCE(comment,''),ts FROM approvals WHERE transformation_id=? ORDER BY ts ASC, id ASC`, transformationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		if err := rows.Scan(&a.ID, &a.TransformationID, &a.ActorID, &a.Action, &a.Comment, &a.TS); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
