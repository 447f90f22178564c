package repo

import (
	"context"
	"database/sql"
	"strings"

	"codeforge/internal/domain"
)

func (r Repo) InsertAnalysis(ctx context.Context, tx *sql.Tx, a domain.Analysis) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO analyses(id,codebase_id,status,depth,created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.CodebaseID, a.Status, nullable(a.Depth), a.CreatedAt)
	return err
}

func (r Repo) GetAnalysis(ctx context.Context, id string) (domain.Analysis, error) {
	var a domain.Analysis
	err := r.DB.QueryRowContext(ctx, `SELECT id,codebase_id,status,COALESCE(depth,''),created_at FROM analyses WHERE id=?`, id).
		Scan(&a.ID, &a.CodebaseID, &a.Status, &a.Depth, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAnalyses(ctx context.Context, codebaseID string) ([]domain.Analysis, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,codebase_id,status,COALESCE(depth,''),created_at FROM analyses WHERE codebase_id=? ORDER BY created_at DESC, id DESC`, codebaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Analysis
	for rows.Next() {
		var a domain.Analysis
		if err := rows.Scan(&a.ID, &a.CodebaseID, &a.Status, &a.Depth, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertFinding(ctx context.Context, f domain.Finding) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO findings(id,analysis_id,codebase_id,severity,category,file_path,start_line,end_line,title,suggested_fix,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.AnalysisID, f.CodebaseID, f.Severity, nullable(f.Category), f.FilePath,
		f.StartLine, f.EndLine, f.Title, nullable(f.SuggestedFix), f.CreatedAt)
	return err
}

func (r Repo) GetFinding(ctx context.Context, id string) (domain.Finding, error) {
	var f domain.Finding
	err := r.DB.QueryRowContext(ctx, `SELECT id,analysis_id,codebase_id,severity,COALESCE(category,''),file_path,start_line,end_line,title,COALESCE(suggested_fix,''),created_at FROM findings WHERE id=?`, id).
		Scan(&f.ID, &f.AnalysisID, &f.CodebaseID, &f.Severity, &f.Category, &f.FilePath, &f.StartLine, &f.EndLine, &f.Title, &f.SuggestedFix, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

type FindingFilters struct {
	CodebaseID      string
	AnalysisID      string
	Severity        string
	Category        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListFindings(ctx context.Context, f FindingFilters) ([]domain.Finding, error) {
	var clauses []string
	var args []any
	if f.CodebaseID != "" {
		clauses = append(clauses, "codebase_id=?")
		args = append(args, f.CodebaseID)
	}
	if f.AnalysisID != "" {
		clauses = append(clauses, "analysis_id=?")
		args = append(args, f.AnalysisID)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,analysis_id,codebase_id,severity,COALESCE(category,''),file_path,start_line,end_line,title,COALESCE(suggested_fix,''),created_at FROM findings ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Finding
	for rows.Next() {
		var fd domain.Finding
		if err := rows.Scan(&fd.ID, &fd.AnalysisID, &fd.CodebaseID, &fd.Severity, &fd.Category, &fd.FilePath, &fd.StartLine, &fd.EndLine, &fd.Title, &fd.SuggestedFix, &fd.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, fd)
	}
	return res, rows.Err()
}
