package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"capline/internal/audit"
	"capline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrDecode   = errors.New("decode run record")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `id,ts,capability_id,capability_title,privilege,arguments_json,dry_run,duration_ms,exit_code,status,
COALESCE(stdout_preview,''),COALESCE(stderr_preview,''),COALESCE(stdout,''),COALESCE(stderr,''),
COALESCE(stdout_path,''),COALESCE(stderr_path,''),output_size,COALESCE(parsed_summary,''),parsed_data,previous_hash,record_hash`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.RunRecord, error) {
	var r domain.RunRecord
	var ts, args string
	var dryRun int
	var prev sql.NullString
	var parsed []byte
	err := row.Scan(&r.ID, &ts, &r.CapabilityID, &r.CapabilityTitle, &r.Privilege, &args, &dryRun,
		&r.DurationMs, &r.ExitCode, &r.Status, &r.StdoutPreview, &r.StderrPreview, &r.Stdout, &r.Stderr,
		&r.StdoutPath, &r.StderrPath, &r.OutputSize, &r.ParsedSummary, &parsed, &prev, &r.RecordHash)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if r.Timestamp, err = audit.ParseTimestamp(ts); err != nil {
		return r, fmt.Errorf("%w %s: timestamp %q: %v", ErrDecode, r.ID, ts, err)
	}
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &r.Arguments); err != nil {
			return r, fmt.Errorf("%w %s: arguments: %v", ErrDecode, r.ID, err)
		}
	}
	r.DryRun = dryRun != 0
	if len(parsed) > 0 {
		r.ParsedData = parsed
	}
	if prev.Valid {
		p := prev.String
		r.PreviousRecordHash = &p
	}
	return r, nil
}

func collect(rows *sql.Rows) ([]domain.RunRecord, error) {
	defer rows.Close()
	var res []domain.RunRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (r Repo) InsertRunRecordTx(ctx context.Context, tx *sql.Tx, rec domain.RunRecord) error {
	args := "{}"
	if len(rec.Arguments) > 0 {
		data, err := json.Marshal(rec.Arguments)
		if err != nil {
			return fmt.Errorf("encode arguments: %w", err)
		}
		args = string(data)
	}
	dryRun := 0
	if rec.DryRun {
		dryRun = 1
	}
	var parsed any
	if len(rec.ParsedData) > 0 {
		parsed = []byte(rec.ParsedData)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO run_records(id,ts,capability_id,capability_title,privilege,arguments_json,dry_run,duration_ms,exit_code,status,
stdout_preview,stderr_preview,stdout,stderr,stdout_path,stderr_path,output_size,parsed_summary,parsed_data,previous_hash,record_hash)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, audit.FormatTimestamp(rec.Timestamp), rec.CapabilityID, rec.CapabilityTitle, string(rec.Privilege), args, dryRun,
		rec.DurationMs, rec.ExitCode, string(rec.Status),
		nullable(rec.StdoutPreview), nullable(rec.StderrPreview), nullable(rec.Stdout), nullable(rec.Stderr),
		nullable(rec.StdoutPath), nullable(rec.StderrPath), rec.OutputSize, nullable(rec.ParsedSummary), parsed,
		nullableStringPtr(rec.PreviousRecordHash), rec.RecordHash)
	return err
}

func (r Repo) GetRunRecord(ctx context.Context, id string) (domain.RunRecord, error) {
	return scanRecord(r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM run_records WHERE id=?`, id))
}

type RunFilters struct {
	CapabilityID string
	Statuses     []domain.RunStatus
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
	// Ascending orders oldest first (chain order); the default is most recent first.
	Ascending bool
}

func (r Repo) ListRunRecords(ctx context.Context, f RunFilters) ([]domain.RunRecord, error) {
	var clauses []string
	var args []any
	if f.CapabilityID != "" {
		clauses = append(clauses, "capability_id=?")
		args = append(args, f.CapabilityID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, audit.FormatTimestamp(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "ts <= ?")
		args = append(args, audit.FormatTimestamp(f.Until))
	}
	query := `SELECT ` + recordColumns + ` FROM run_records`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if f.Ascending {
		query += " ORDER BY seq ASC"
	} else {
		query += " ORDER BY seq DESC"
	}
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r Repo) CountRunRecords(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_records`).Scan(&n)
	return n, err
}

// TailHash returns the newest record hash, falling back to the tail kept by the
// latest prune boundary. Nil means the chain is empty.
func (r Repo) TailHash(ctx context.Context) (*string, error) {
	return tailHash(ctx, r.DB)
}

func (r Repo) TailHashTx(ctx context.Context, tx *sql.Tx) (*string, error) {
	return tailHash(ctx, tx)
}

func tailHash(ctx context.Context, q querier) (*string, error) {
	var h string
	err := q.QueryRowContext(ctx, `SELECT record_hash FROM run_records ORDER BY seq DESC LIMIT 1`).Scan(&h)
	if err == nil {
		return &h, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	var tail sql.NullString
	err = q.QueryRowContext(ctx, `SELECT tail_hash FROM chain_boundaries ORDER BY id DESC LIMIT 1`).Scan(&tail)
	if err == sql.ErrNoRows || (err == nil && !tail.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tail.String, nil
}

type PrunedRecord struct {
	ID         string
	StdoutPath string
	StderrPath string
}

// PruneBeforeTx deletes the oldest contiguous run of records whose timestamps are
// before the cutoff. It stops at the first record at or after the cutoff so the
// remaining chain stays contiguous. anchor is the hash of the last deleted record.
func (r Repo) PruneBeforeTx(ctx context.Context, tx *sql.Tx, before time.Time) ([]PrunedRecord, *string, error) {
	cutoff := audit.FormatTimestamp(before)
	var firstKept sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MIN(seq) FROM run_records WHERE ts >= ?`, cutoff).Scan(&firstKept)
	if err != nil {
		return nil, nil, err
	}
	var limit int64
	if firstKept.Valid {
		limit = firstKept.Int64 - 1
	} else {
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM run_records`).Scan(&limit); err != nil {
			return nil, nil, err
		}
	}
	if limit <= 0 {
		return nil, nil, nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT id,COALESCE(stdout_path,''),COALESCE(stderr_path,''),record_hash FROM run_records WHERE seq <= ? ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, nil, err
	}
	var pruned []PrunedRecord
	var anchor *string
	for rows.Next() {
		var p PrunedRecord
		var h string
		if err := rows.Scan(&p.ID, &p.StdoutPath, &p.StderrPath, &h); err != nil {
			rows.Close()
			return nil, nil, err
		}
		pruned = append(pruned, p)
		anchor = &h
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(pruned) == 0 {
		return nil, nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_records WHERE seq <= ?`, limit); err != nil {
		return nil, nil, err
	}
	return pruned, anchor, nil
}

type Boundary struct {
	ID           int64
	CreatedAt    string
	PrunedBefore string
	PrunedCount  int
	AnchorHash   *string
	TailHash     *string
}

func (r Repo) InsertBoundaryTx(ctx context.Context, tx *sql.Tx, b Boundary) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO chain_boundaries(created_at,pruned_before,pruned_count,anchor_hash,tail_hash) VALUES (?,?,?,?,?)`,
		b.CreatedAt, b.PrunedBefore, b.PrunedCount, nullableStringPtr(b.AnchorHash), nullableStringPtr(b.TailHash))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) LatestBoundary(ctx context.Context) (Boundary, error) {
	var b Boundary
	var anchor, tail sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,created_at,pruned_before,pruned_count,anchor_hash,tail_hash FROM chain_boundaries ORDER BY id DESC LIMIT 1`).
		Scan(&b.ID, &b.CreatedAt, &b.PrunedBefore, &b.PrunedCount, &anchor, &tail)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if anchor.Valid {
		b.AnchorHash = &anchor.String
	}
	if tail.Valid {
		b.TailHash = &tail.String
	}
	return b, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

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
	return *v
}
