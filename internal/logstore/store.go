// Package logstore persists run records as a single hash chain in the workspace
// database, offloading large output streams to files next to it.
package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"

	"capline/internal/audit"
	"capline/internal/domain"
	"capline/internal/events"
	"capline/internal/repo"
)

const DefaultInlineThreshold = 10240

var (
	ErrDecode   = errors.New("log store: decode")
	ErrQuery    = errors.New("log store: query")
	ErrSave     = errors.New("log store: save")
	ErrExport   = errors.New("log store: export")
	ErrNotFound = repo.ErrNotFound
)

const lockRetryDelay = 25 * time.Millisecond

type Config struct {
	// DataDir holds the writer lock file. OutputDir defaults to DataDir/outputs.
	DataDir   string
	OutputDir string
	ExportDir string
	// InlineThreshold is the largest stream, in bytes, kept inline in the database.
	InlineThreshold int
}

func (c Config) withDefaults() Config {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.OutputDir == "" {
		c.OutputDir = filepath.Join(c.DataDir, "outputs")
	}
	if c.ExportDir == "" {
		c.ExportDir = filepath.Join(xdg.DataHome, "capline", "exports")
	}
	if c.InlineThreshold <= 0 {
		c.InlineThreshold = DefaultInlineThreshold
	}
	return c
}

type Store struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Logger *slog.Logger
	Now    func() time.Time

	cfg  Config
	mu   sync.Mutex
	lock *flock.Flock
}

func New(conn *sql.DB, cfg Config, logger *slog.Logger) *Store {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn},
		Logger: logger,
		Now:    time.Now,
		cfg:    cfg,
		lock:   flock.New(filepath.Join(cfg.DataDir, "logstore.lock")),
	}
}

func (s *Store) Config() Config { return s.cfg }

// withWriter serializes writers within the process and across processes sharing the workspace.
func (s *Store) withWriter(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return err
	}
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire writer lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire writer lock: %s is held", s.lock.Path())
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.Logger.Warn("release writer lock failed", "path", s.lock.Path(), "err", err)
		}
	}()
	return fn()
}

// Save appends rec to the chain. If another writer advanced the tail since the record
// was sealed, the record is relinked to the current tail and resealed. The stored
// record is returned.
func (s *Store) Save(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, error) {
	var written []string
	err := s.withWriter(ctx, func() error {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		tail, err := s.Repo.TailHashTx(ctx, tx)
		if err != nil {
			return fmt.Errorf("read tail: %w", err)
		}
		if !sameHash(rec.PreviousRecordHash, tail) || rec.RecordHash == "" {
			s.Logger.Debug("relinking record to current tail", "record", rec.ID)
			audit.Seal(&rec, tail)
		}

		if written, err = s.offload(&rec); err != nil {
			return err
		}
		if err := s.Repo.InsertRunRecordTx(ctx, tx, rec); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		if err := s.Events.Append(ctx, tx, events.RecordSaved, rec.ID, events.EventPayload{
			"capability_id": rec.CapabilityID,
			"status":        rec.Status,
			"record_hash":   rec.RecordHash,
		}); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		for _, p := range written {
			_ = os.Remove(p)
		}
		return rec, fmt.Errorf("%w: %s: %v", ErrSave, rec.ID, err)
	}
	return rec, nil
}

func (s *Store) offload(rec *domain.RunRecord) ([]string, error) {
	var written []string
	streams := []struct {
		data *string
		path *string
		ext  string
	}{
		{&rec.Stdout, &rec.StdoutPath, ".stdout"},
		{&rec.Stderr, &rec.StderrPath, ".stderr"},
	}
	for _, st := range streams {
		if len(*st.data) <= s.cfg.InlineThreshold {
			continue
		}
		if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
			return written, fmt.Errorf("create output dir: %w", err)
		}
		path := filepath.Join(s.cfg.OutputDir, rec.ID+st.ext)
		if err := renameio.WriteFile(path, []byte(*st.data), 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
		*st.path = path
		*st.data = ""
	}
	return written, nil
}

func (s *Store) ReadOutput(rec domain.RunRecord) (string, string, error) {
	stdout, stderr := rec.Stdout, rec.Stderr
	if rec.StdoutPath != "" {
		data, err := os.ReadFile(rec.StdoutPath)
		if err != nil {
			return "", "", fmt.Errorf("%w: stdout of %s: %v", ErrQuery, rec.ID, err)
		}
		stdout = string(data)
	}
	if rec.StderrPath != "" {
		data, err := os.ReadFile(rec.StderrPath)
		if err != nil {
			return "", "", fmt.Errorf("%w: stderr of %s: %v", ErrQuery, rec.ID, err)
		}
		stderr = string(data)
	}
	return stdout, stderr, nil
}

func (s *Store) list(ctx context.Context, f repo.RunFilters) ([]domain.RunRecord, error) {
	records, err := s.Repo.ListRunRecords(ctx, f)
	if err != nil {
		return nil, queryErr(err)
	}
	return records, nil
}

func queryErr(err error) error {
	if errors.Is(err, repo.ErrDecode) {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrQuery, err)
}

func (s *Store) Fetch(ctx context.Context, limit, offset int) ([]domain.RunRecord, error) {
	return s.list(ctx, repo.RunFilters{Limit: limit, Offset: offset})
}

func (s *Store) FetchByCapability(ctx context.Context, capabilityID string, limit int) ([]domain.RunRecord, error) {
	return s.list(ctx, repo.RunFilters{CapabilityID: capabilityID, Limit: limit})
}

func (s *Store) FetchRecent(ctx context.Context, hours int) ([]domain.RunRecord, error) {
	since := s.Now().Add(-time.Duration(hours) * time.Hour)
	return s.list(ctx, repo.RunFilters{Since: since})
}

func (s *Store) Query(ctx context.Context, f repo.RunFilters) ([]domain.RunRecord, error) {
	return s.list(ctx, f)
}

func (s *Store) LastError(ctx context.Context) (*domain.RunRecord, error) {
	records, err := s.list(ctx, repo.RunFilters{
		Statuses: []domain.RunStatus{domain.StatusFailed, domain.StatusTimeout},
		Limit:    1,
	})
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.RunRecord, error) {
	rec, err := s.Repo.GetRunRecord(ctx, id)
	if err != nil {
		return rec, queryErr(err)
	}
	return rec, nil
}

func (s *Store) LastRecordHash(ctx context.Context) (*string, error) {
	h, err := s.Repo.TailHash(ctx)
	if err != nil {
		return nil, queryErr(err)
	}
	return h, nil
}

type ExportDocument struct {
	ExportedAt string             `json:"exported_at"`
	From       string             `json:"from,omitempty"`
	To         string             `json:"to,omitempty"`
	Count      int                `json:"count"`
	Records    []domain.RunRecord `json:"records"`
}

// Export writes records with timestamps in [from, to] to dest as one JSON document,
// oldest first. Zero bounds are open. An empty dest picks a file in the export dir.
func (s *Store) Export(ctx context.Context, from, to time.Time, dest string) (string, error) {
	records, err := s.list(ctx, repo.RunFilters{Since: from, Until: to, Ascending: true})
	if err != nil {
		return "", err
	}
	if records == nil {
		records = []domain.RunRecord{}
	}
	now := s.Now().UTC()
	doc := ExportDocument{ExportedAt: audit.FormatTimestamp(now), Count: len(records), Records: records}
	if !from.IsZero() {
		doc.From = audit.FormatTimestamp(from)
	}
	if !to.IsZero() {
		doc.To = audit.FormatTimestamp(to)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: encode: %v", ErrExport, err)
	}
	if dest == "" {
		dest = filepath.Join(s.cfg.ExportDir, "capline-export-"+now.Format("20060102T150405Z")+".json")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExport, err)
	}
	if err := renameio.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExport, err)
	}

	err = s.withWriter(ctx, func() error {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := s.Events.Append(ctx, tx, events.LogsExported, "", events.EventPayload{"path": dest, "count": len(records)}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		s.Logger.Warn("record export event failed", "path", dest, "err", err)
	}
	return dest, nil
}

type PruneResult struct {
	Pruned     int     `json:"pruned"`
	AnchorHash *string `json:"anchor_hash,omitempty"`
	BoundaryID int64   `json:"boundary_id,omitempty"`
}

// Prune deletes the oldest records timestamped before the cutoff and records a chain
// boundary so the remaining records still verify.
func (s *Store) Prune(ctx context.Context, before time.Time) (PruneResult, error) {
	var res PruneResult
	var pruned []repo.PrunedRecord
	err := s.withWriter(ctx, func() error {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		tail, err := s.Repo.TailHashTx(ctx, tx)
		if err != nil {
			return err
		}
		var anchor *string
		pruned, anchor, err = s.Repo.PruneBeforeTx(ctx, tx, before)
		if err != nil {
			return err
		}
		if len(pruned) == 0 {
			return nil
		}
		id, err := s.Repo.InsertBoundaryTx(ctx, tx, repo.Boundary{
			CreatedAt:    audit.FormatTimestamp(s.Now()),
			PrunedBefore: audit.FormatTimestamp(before),
			PrunedCount:  len(pruned),
			AnchorHash:   anchor,
			TailHash:     tail,
		})
		if err != nil {
			return err
		}
		if err := s.Events.Append(ctx, tx, events.RecordsPruned, "", events.EventPayload{
			"count":       len(pruned),
			"before":      audit.FormatTimestamp(before),
			"boundary_id": id,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		res = PruneResult{Pruned: len(pruned), AnchorHash: anchor, BoundaryID: id}
		return nil
	})
	if err != nil {
		return PruneResult{}, fmt.Errorf("%w: prune: %v", ErrSave, err)
	}
	for _, p := range pruned {
		for _, path := range []string{p.StdoutPath, p.StderrPath} {
			if path == "" {
				continue
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				s.Logger.Warn("remove pruned output failed", "record", p.ID, "path", path, "err", err)
			}
		}
	}
	return res, nil
}

// Verify checks the stored chain, starting from the anchor left by the latest prune.
func (s *Store) Verify(ctx context.Context) (audit.Report, error) {
	records, err := s.list(ctx, repo.RunFilters{Ascending: true})
	if err != nil {
		return audit.Report{}, err
	}
	var anchor *string
	b, err := s.Repo.LatestBoundary(ctx)
	switch {
	case err == nil:
		anchor = b.AnchorHash
	case errors.Is(err, repo.ErrNotFound):
	default:
		return audit.Report{}, queryErr(err)
	}
	return audit.Verify(records, anchor), nil
}

func (s *Store) RecentEvents(ctx context.Context, n int) ([]events.Event, error) {
	evts, err := s.Events.Latest(ctx, n, "")
	if err != nil {
		return nil, queryErr(err)
	}
	return evts, nil
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
