// Package executor runs capabilities and turns every attempt into a chained run record.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"capline/internal/domain"
)

var (
	ErrBusy        = errors.New("executor already running a capability")
	ErrUnknownMode = errors.New("no executor for execution mode")
	ErrNoDryRun    = errors.New("capability declares no dry-run payload")
	errCancelled   = errors.New("execution cancelled")
)

// DefaultKillGrace is how long a stopped process group has between SIGTERM and SIGKILL.
const DefaultKillGrace = 2 * time.Second

type ProgressFunc func(domain.ExecutionProgress)

// ParserFunc parses stdout for capabilities declaring custom output parsing.
type ParserFunc func(stdout string) *domain.ParsedOutput

type Request struct {
	Capability domain.Capability
	Arguments  map[string]string
	// Timeout overrides the capability and executor defaults when positive.
	Timeout    time.Duration
	DryRun     bool
	OnProgress ProgressFunc
}

// Executor is implemented by each execution-mode variant. An instance runs one
// capability at a time.
type Executor interface {
	CanExecute(ctx context.Context, c domain.Capability) domain.PreflightResult
	Execute(ctx context.Context, req Request) (domain.ExecutionResult, error)
	Cancel()
}

type ChainTail interface {
	LastRecordHash(ctx context.Context) (*string, error)
}

type Options struct {
	Shell           string
	WorkDir         string
	Env             []string
	DefaultTimeout  time.Duration
	KillGrace       time.Duration
	PartialOnStderr bool
	PreviewLength   int
	Tail            ChainTail
	Parsers         map[string]ParserFunc
	Logger          *slog.Logger
	Now             func() time.Time
	NewID           func() string
}

func DefaultOptions() Options {
	return Options{
		Shell:           "/bin/sh",
		DefaultTimeout:  5 * time.Minute,
		KillGrace:       DefaultKillGrace,
		PartialOnStderr: true,
		PreviewLength:   500,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Shell == "" {
		o.Shell = d.Shell
	}
	if o.KillGrace <= 0 {
		o.KillGrace = d.KillGrace
	}
	if o.PreviewLength <= 0 {
		o.PreviewLength = d.PreviewLength
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

type Set struct {
	Process    Executor
	Privileged Executor
	Automation Executor
}

func (s Set) For(mode domain.ExecutionMode) (Executor, error) {
	var e Executor
	switch mode {
	case domain.ModeProcess:
		e = s.Process
	case domain.ModePrivileged:
		e = s.Privileged
	case domain.ModeAutomation:
		e = s.Automation
	}
	if e == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownMode, mode)
	}
	return e, nil
}

// emitter forwards progress events, keeps percentages non-decreasing,
// and goes silent once stopped.
type emitter struct {
	mu      sync.Mutex
	fn      ProgressFunc
	stopped atomic.Bool
	last    float64
}

func (e *emitter) emit(p domain.ExecutionProgress) {
	if e == nil || e.fn == nil || e.stopped.Load() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped.Load() {
		return
	}
	if p.Percent != nil {
		v := *p.Percent
		if v < e.last {
			v = e.last
		}
		e.last = v
		p.Percent = &v
	}
	e.fn(p)
}

func (e *emitter) phase(ph domain.Phase, pct float64) {
	e.emit(domain.ExecutionProgress{Phase: ph, Percent: &pct})
}

func (e *emitter) stop() { e.stopped.Store(true) }

type run struct {
	ctx       context.Context
	cancel    context.CancelCauseFunc
	progress  *emitter
	cancelled atomic.Bool
}

type base struct {
	opts Options

	mu      sync.Mutex
	current *run
}

func (b *base) begin(ctx context.Context, fn ProgressFunc) (*run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		return nil, ErrBusy
	}
	rctx, cancel := context.WithCancelCause(ctx)
	r := &run{ctx: rctx, cancel: cancel, progress: &emitter{fn: fn}}
	b.current = r
	return r, nil
}

func (b *base) end(r *run) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r.cancel(nil)
	if b.current == r {
		b.current = nil
	}
}

// Cancel stops the in-flight execution, if any. No progress callback fires afterwards.
func (b *base) Cancel() {
	b.mu.Lock()
	r := b.current
	b.mu.Unlock()
	if r == nil {
		return
	}
	r.cancelled.Store(true)
	r.progress.stop()
	r.cancel(errCancelled)
}

func (r *run) wasCancelled() bool {
	return r.cancelled.Load() || errors.Is(context.Cause(r.ctx), context.Canceled)
}

func (b *base) timeoutFor(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if req.Capability.TimeoutSeconds > 0 {
		return time.Duration(req.Capability.TimeoutSeconds) * time.Second
	}
	return b.opts.DefaultTimeout
}

func (b *base) partialOnStderr(c domain.Capability) bool {
	if c.PartialOnStderr != nil {
		return *c.PartialOnStderr
	}
	return b.opts.PartialOnStderr
}

func mergeArguments(c domain.Capability, args map[string]string) map[string]string {
	merged := c.ArgumentDefaults()
	for k, v := range args {
		merged[k] = v
	}
	return merged
}

func modeMismatch(c domain.Capability, want ...domain.ExecutionMode) (domain.PreflightResult, bool) {
	for _, m := range want {
		if c.ExecutionMode == m {
			return domain.PreflightResult{}, false
		}
	}
	return domain.PreflightResult{
		Passed:   false,
		Failures: []string{fmt.Sprintf("capability %s uses execution mode %q which this executor does not handle", c.ID, c.ExecutionMode)},
	}, true
}
