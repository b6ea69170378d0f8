package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"capline/internal/catalog"
	"capline/internal/domain"
	"capline/internal/executor"
	"capline/internal/logstore"
	"capline/internal/preflight"
)

var (
	ErrNotAllowed        = errors.New("capability is not in the catalog allowlist")
	ErrDryRunUnsupported = errors.New("capability does not support dry run")
)

type PreflightError struct {
	CapabilityID string
	Result       domain.PreflightResult
}

func (e *PreflightError) Error() string {
	msg := fmt.Sprintf("preflight failed for %s: %s", e.CapabilityID, strings.Join(e.Result.Failures, "; "))
	if e.Result.Remediation != "" {
		msg += " (" + e.Result.Remediation + ")"
	}
	return msg
}

type Engine struct {
	Catalog   *catalog.Store
	Preflight *preflight.Engine
	Executors executor.Set
	Logs      *logstore.Store
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(cat *catalog.Store, pre *preflight.Engine, set executor.Set, logs *logstore.Store, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		Catalog:   cat,
		Preflight: pre,
		Executors: set,
		Logs:      logs,
		Logger:    logger,
		Now:       time.Now,
	}
}

func (e Engine) capability(id string) (domain.Capability, error) {
	if !e.Catalog.IsAllowed(id) {
		return domain.Capability{}, fmt.Errorf("%w: %s", ErrNotAllowed, id)
	}
	c, _ := e.Catalog.Capability(id)
	return c, nil
}

// Check runs preflight and the executor's own admission check without executing.
func (e Engine) Check(ctx context.Context, id string) (domain.PreflightResult, error) {
	c, err := e.capability(id)
	if err != nil {
		return domain.PreflightResult{}, err
	}
	return e.check(ctx, c)
}

func (e Engine) check(ctx context.Context, c domain.Capability) (domain.PreflightResult, error) {
	res := e.Preflight.Run(ctx, c)
	ex, err := e.Executors.For(c.ExecutionMode)
	if err != nil {
		return res, err
	}
	if !res.Passed {
		return res, nil
	}
	verdict := ex.CanExecute(ctx, c)
	if verdict.Passed {
		return res, nil
	}
	res.Passed = false
	res.Failures = append(res.Failures, verdict.Failures...)
	if res.Remediation == "" {
		res.Remediation = verdict.Remediation
	}
	return res, nil
}

type RunOptions struct {
	CapabilityID string
	Arguments    map[string]string
	Timeout      time.Duration
	DryRun       bool
	OnProgress   executor.ProgressFunc
}

// Run executes an allowlisted capability and persists its record. Once execution
// starts, the record is saved even if ctx is cancelled, and the result is returned
// alongside any storage error.
func (e Engine) Run(ctx context.Context, opts RunOptions) (domain.ExecutionResult, error) {
	c, err := e.capability(opts.CapabilityID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if opts.DryRun && c.DryRunPayload() == "" {
		return domain.ExecutionResult{}, fmt.Errorf("%w: %s", ErrDryRunUnsupported, c.ID)
	}
	verdict, err := e.check(ctx, c)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if !verdict.Passed {
		e.Logger.Info("run refused by preflight", "capability", c.ID, "failures", len(verdict.Failures))
		return domain.ExecutionResult{}, &PreflightError{CapabilityID: c.ID, Result: verdict}
	}
	ex, err := e.Executors.For(c.ExecutionMode)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	e.Logger.Debug("running capability", "capability", c.ID, "mode", c.ExecutionMode, "dry_run", opts.DryRun)
	res, err := ex.Execute(ctx, executor.Request{
		Capability: c,
		Arguments:  opts.Arguments,
		Timeout:    opts.Timeout,
		DryRun:     opts.DryRun,
		OnProgress: opts.OnProgress,
	})
	if err != nil {
		return res, err
	}

	saved, err := e.Logs.Save(context.WithoutCancel(ctx), res.Record)
	res.Record = saved
	if err != nil {
		e.Logger.Error("persist run record failed", "capability", c.ID, "record", saved.ID, "err", err)
		return res, err
	}
	e.Logger.Info("capability run recorded", "capability", c.ID, "status", saved.Status, "record", saved.ID)
	return res, nil
}
