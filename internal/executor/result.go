package executor

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"capline/internal/audit"
	"capline/internal/domain"
)

func classify(o outcome, partialOnStderr bool) domain.RunStatus {
	switch {
	case o.Cancelled:
		return domain.StatusCancelled
	case o.TimedOut:
		return domain.StatusTimeout
	case o.Err != nil, o.ExitCode != 0:
		return domain.StatusFailed
	case partialOnStderr && strings.TrimSpace(o.Stderr) != "":
		return domain.StatusPartialSuccess
	default:
		return domain.StatusSuccess
	}
}

// finish parses output, emits the closing phases, and builds the chained record.
func (b *base) finish(ctx context.Context, r *run, req Request, args map[string]string, started time.Time, o outcome) domain.ExecutionResult {
	c := req.Capability
	status := classify(o, b.partialOnStderr(c))

	var parsed *domain.ParsedOutput
	if status == domain.StatusSuccess || status == domain.StatusPartialSuccess {
		r.progress.phase(domain.PhaseParsing, 0.9)
		parsed = Parse(c.OutputParsing, o.Stdout, b.opts.Parsers[c.ID])
	}
	ended := b.opts.Now()

	rec := domain.RunRecord{
		ID:              b.opts.NewID(),
		Timestamp:       started.UTC(),
		CapabilityID:    c.ID,
		CapabilityTitle: c.Title,
		Privilege:       c.Privilege(),
		Arguments:       args,
		DryRun:          req.DryRun,
		DurationMs:      ended.Sub(started).Milliseconds(),
		ExitCode:        o.ExitCode,
		Status:          status,
		StdoutPreview:   truncateRunes(o.Stdout, b.opts.PreviewLength),
		StderrPreview:   truncateRunes(o.Stderr, b.opts.PreviewLength),
		Stdout:          o.Stdout,
		Stderr:          o.Stderr,
		OutputSize:      int64(len(o.Stdout) + len(o.Stderr)),
		ParsedSummary:   Summarize(parsed),
	}
	if parsed != nil && parsed.Kind != domain.ParsedText {
		if data, err := json.Marshal(parsed); err == nil {
			rec.ParsedData = data
		}
	}
	audit.Seal(&rec, b.tailHash(ctx))

	r.progress.phase(domain.PhaseComplete, 1.0)
	b.opts.Logger.Debug("capability finished", "capability", c.ID, "status", status, "exit_code", o.ExitCode, "duration_ms", rec.DurationMs)

	return domain.ExecutionResult{
		CapabilityID: c.ID,
		StartedAt:    started,
		EndedAt:      ended,
		ExitCode:     o.ExitCode,
		Stdout:       o.Stdout,
		Stderr:       o.Stderr,
		Parsed:       parsed,
		Record:       rec,
	}
}

// tailHash reads the chain tail even after the caller's context is cancelled, so a
// cancelled run still links correctly. The log store relinks on save if the tail moved.
func (b *base) tailHash(ctx context.Context) *string {
	if b.opts.Tail == nil {
		return nil
	}
	prev, err := b.opts.Tail.LastRecordHash(context.WithoutCancel(ctx))
	if err != nil {
		b.opts.Logger.Warn("read chain tail failed; record will be relinked on save", "err", err)
		return nil
	}
	return prev
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
