package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"codeforge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalLanguages(raw sql.NullString) (map[string]int, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]int
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

const codebaseCols = `id,tenant_id,name,COALESCE(description,''),status,total_files,total_lines,languages_json,settings_json,created_at,updated_at`

func scanCodebase(scan func(dest ...any) error) (domain.Codebase, error) {
	var c domain.Codebase
	var languages, settings sql.NullString
	err := scan(&c.ID, &c.TenantID, &c.Name, &c.Description, &c.Status, &c.TotalFiles, &c.TotalLines, &languages, &settings, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if c.Languages, err = unmarshalLanguages(languages); err != nil {
		return c, fmt.Errorf("codebase %s languages: %w", c.ID, err)
	}
	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &c.Settings); err != nil {
			return c, fmt.Errorf("codebase %s settings: %w", c.ID, err)
		}
	}
	return c, nil
}

func (r Repo) InsertCodebase(ctx context.Context, tx *sql.Tx, c domain.Codebase) error {
	languages, err := marshalJSON(c.Languages)
	if err != nil {
		return err
	}
	settings, err := marshalJSON(c.Settings)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO codebases(id,tenant_id,name,description,status,total_files,total_lines,languages_json,settings_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TenantID, c.Name, nullable(c.Description), c.Status, c.TotalFiles, c.TotalLines, languages, settings, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCodebase(ctx context.Context, id string) (domain.Codebase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+codebaseCols+` FROM codebases WHERE id=?`, id)
	return scanCodebase(row.Scan)
}

func (r Repo) GetCodebaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Codebase, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+codebaseCols+` FROM codebases WHERE id=?`, id)
	return scanCodebase(row.Scan)
}

type CodebaseFilters struct {
	TenantID        string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCodebases(ctx context.Context, f CodebaseFilters) ([]domain.Codebase, error) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + codebaseCols + ` FROM codebases ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Codebase
	for rows.Next() {
		c, err := scanCodebase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateCodebase applies the provided fields. Nil pointers leave columns untouched.
func (r Repo) UpdateCodebase(ctx context.Context, id string, name, description *string, settings *domain.CodebaseSettings, updatedAt string) error {
	var fields []string
	var args []any
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if settings != nil {
		payload, err := marshalJSON(*settings)
		if err != nil {
			return err
		}
		fields = append(fields, "settings_json=?")
		args = append(args, payload)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE codebases SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCodebaseAggregates writes the derived status and rollup totals.
func (r Repo) UpdateCodebaseAggregates(ctx context.Context, tx *sql.Tx, id string, status domain.CodebaseStatus, totalFiles, totalLines int, languages map[string]int, updatedAt string) error {
	payload, err := marshalJSON(languages)
	if err != nil {
		return err
	}
	if languages == nil {
		payload = nil
	}
	res, err := tx.ExecContext(ctx, `UPDATE codebases SET status=?, total_files=?, total_lines=?, languages_json=?, updated_at=? WHERE id=?`,
		status, totalFiles, totalLines, payload, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCodebase removes the codebase; repositories, transformations,
// analyses and findings cascade via foreign keys.
func (r Repo) DeleteCodebase(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM codebases WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const repositoryCols = `id,codebase_id,provider,url,COALESCE(branch,''),credential_ref,status,total_files,total_lines,languages_json,size_bytes,COALESCE(last_commit,''),last_commit_at,COALESCE(error,''),created_at,updated_at`

func scanRepository(scan func(dest ...any) error) (domain.Repository, error) {
	var rp domain.Repository
	var credentialRef, languages, lastCommitAt sql.NullString
	err := scan(&rp.ID, &rp.CodebaseID, &rp.Provider, &rp.URL, &rp.Branch, &credentialRef, &rp.Status,
		&rp.TotalFiles, &rp.TotalLines, &languages, &rp.SizeBytes, &rp.LastCommit, &lastCommitAt, &rp.Error, &rp.CreatedAt, &rp.UpdatedAt)
	if err == sql.ErrNoRows {
		return rp, ErrNotFound
	}
	if err != nil {
		return rp, err
	}
	if credentialRef.Valid {
		rp.CredentialRef = credentialRef.String
	}
	if lastCommitAt.Valid {
		rp.LastCommitAt = &lastCommitAt.String
	}
	if rp.Languages, err = unmarshalLanguages(languages); err != nil {
		return rp, fmt.Errorf("repository %s languages: %w", rp.ID, err)
	}
	return rp, nil
}

func (r Repo) InsertRepository(ctx context.Context, tx *sql.Tx, rp domain.Repository) error {
	languages, err := marshalJSON(rp.Languages)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO repositories(id,codebase_id,provider,url,branch,credential_ref,status,total_files,total_lines,languages_json,size_bytes,last_commit,last_commit_at,error,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rp.ID, rp.CodebaseID, rp.Provider, rp.URL, nullable(rp.Branch), nullable(rp.CredentialRef), rp.Status,
		rp.TotalFiles, rp.TotalLines, languages, rp.SizeBytes, nullable(rp.LastCommit), nullableStringPtr(rp.LastCommitAt),
		nullable(rp.Error), rp.CreatedAt, rp.UpdatedAt)
	return err
}

func (r Repo) GetRepository(ctx context.Context, id string) (domain.Repository, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+repositoryCols+` FROM repositories WHERE id=?`, id)
	return scanRepository(row.Scan)
}

func (r Repo) GetRepositoryTx(ctx context.Context, tx *sql.Tx, id string) (domain.Repository, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+repositoryCols+` FROM repositories WHERE id=?`, id)
	return scanRepository(row.Scan)
}

func (r Repo) ListRepositories(ctx context.Context, codebaseID string) ([]domain.Repository, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+repositoryCols+` FROM repositories WHERE codebase_id=? ORDER BY created_at ASC, id ASC`, codebaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Repository
	for rows.Next() {
		rp, err := scanRepository(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rp)
	}
	return res, rows.Err()
}

func (r Repo) ListRepositoriesTx(ctx context.Context, tx *sql.Tx, codebaseID string) ([]domain.Repository, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+repositoryCols+` FROM repositories WHERE codebase_id=? ORDER BY created_at ASC, id ASC`, codebaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Repository
	for rows.Next() {
		rp, err := scanRepository(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rp)
	}
	return res, rows.Err()
}

// UpdateRepositoryStatusIf moves a repository to status only when its
// current status is in allowedFrom. Returns false when another writer
// got there first. The conditional UPDATE is the serialization point
// for concurrent ingests of the same repository.
func (r Repo) UpdateRepositoryStatusIf(ctx context.Context, id string, to domain.RepoStatus, allowedFrom []domain.RepoStatus, updatedAt string) (bool, error) {
	if len(allowedFrom) == 0 {
		return false, errors.New("allowedFrom required")
	}
	placeholders := strings.Repeat("?,", len(allowedFrom))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{to, updatedAt, id}
	for _, s := range allowedFrom {
		args = append(args, s)
	}
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE repositories SET status=?, updated_at=? WHERE id=? AND status IN (%s)`, placeholders), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RepositoryScan carries the result of a completed clone+scan cycle.
type RepositoryScan struct {
	TotalFiles   int
	TotalLines   int
	Languages    map[string]int
	SizeBytes    int64
	LastCommit   string
	LastCommitAt *string
}

// UpdateRepositoryScanResult writes scan rollups and marks the repository ready.
func (r Repo) UpdateRepositoryScanResult(ctx context.Context, tx *sql.Tx, id string, scan RepositoryScan, updatedAt string) error {
	languages, err := marshalJSON(scan.Languages)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE repositories SET status=?, total_files=?, total_lines=?, languages_json=?, size_bytes=?, last_commit=?, last_commit_at=?, error=NULL, updated_at=? WHERE id=?`,
		domain.RepoReady, scan.TotalFiles, scan.TotalLines, languages, scan.SizeBytes,
		nullable(scan.LastCommit), nullableStringPtr(scan.LastCommitAt), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRepositoryError records a failed ingest with its cause.
func (r Repo) MarkRepositoryError(ctx context.Context, tx *sql.Tx, id, cause, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE repositories SET status=?, error=?, updated_at=? WHERE id=?`,
		domain.RepoError, nullable(cause), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRepository(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM repositories WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
