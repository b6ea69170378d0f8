package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"capline/internal/automation"
	"capline/internal/domain"
)

// AutomationExecutor sends scripts to other applications over an automation channel.
type AutomationExecutor struct {
	base
	Channel automation.Channel
}

func NewAutomation(opts Options, ch automation.Channel) *AutomationExecutor {
	return &AutomationExecutor{base: base{opts: opts.withDefaults()}, Channel: ch}
}

func (a *AutomationExecutor) CanExecute(ctx context.Context, c domain.Capability) domain.PreflightResult {
	if res, bad := modeMismatch(c, domain.ModeAutomation); bad {
		return res
	}
	target := c.AutomationTarget()
	if target == "" {
		return domain.PreflightResult{Failures: []string{fmt.Sprintf("capability %s has no automation target", c.ID)}}
	}
	if a.Channel == nil {
		return domain.PreflightResult{Failures: []string{"no automation channel configured"}}
	}
	switch a.Channel.Probe(ctx, target) {
	case automation.ProbeDenied, automation.ProbeConsentRequired:
		return domain.PreflightResult{
			Failures:    []string{fmt.Sprintf("automation permission for %s is not granted", target)},
			Remediation: fmt.Sprintf("Allow this app to control %s under System Settings > Privacy & Security > Automation, then retry.", target),
			Permissions: map[string]bool{"automation:" + target: false},
		}
	}
	return domain.PreflightResult{Passed: true}
}

func (a *AutomationExecutor) Execute(ctx context.Context, req Request) (domain.ExecutionResult, error) {
	if req.DryRun && req.Capability.DryRunPayload() == "" {
		return domain.ExecutionResult{}, fmt.Errorf("%w: %s", ErrNoDryRun, req.Capability.ID)
	}
	r, err := a.begin(ctx, req.OnProgress)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	defer a.end(r)

	started := a.opts.Now()
	r.progress.phase(domain.PhasePreparing, 0)

	c := req.Capability
	args := mergeArguments(c, req.Arguments)
	source := c.AutomationScript
	if req.DryRun {
		source = c.DryRunScript
	}
	script := Render(source, args, ScriptQuote)
	target := c.AutomationTarget()

	r.progress.phase(domain.PhaseExecuting, 0.1)
	sendCtx := r.ctx
	if timeout := a.timeoutFor(req); timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(sendCtx, timeout)
		defer cancel()
	}

	var o outcome
	switch {
	case a.Channel == nil:
		o = outcome{ExitCode: -1, Stderr: "no automation channel configured", Err: errors.New("no automation channel")}
	default:
		out, sendErr := a.Channel.Send(sendCtx, target, script)
		o = a.outcomeOf(r, sendCtx, target, out, sendErr)
	}
	if o.Stdout != "" {
		r.progress.emit(domain.ExecutionProgress{Phase: domain.PhaseExecuting, Stdout: o.Stdout})
	}
	return a.finish(ctx, r, req, args, started, o), nil
}

func (a *AutomationExecutor) outcomeOf(r *run, sendCtx context.Context, target, out string, err error) outcome {
	o := outcome{Stdout: out}
	if out != "" && !strings.HasSuffix(out, "\n") {
		o.Stdout += "\n"
	}
	switch {
	case err == nil:
		return o
	case r.wasCancelled():
		o.Cancelled, o.ExitCode = true, -1
		return o
	case errors.Is(sendCtx.Err(), context.DeadlineExceeded):
		o.TimedOut, o.ExitCode = true, -1
		return o
	}
	var ae *automation.Error
	if !errors.As(err, &ae) {
		o.ExitCode = -1
		o.Err = err
		o.Stderr = err.Error()
		return o
	}
	o.ExitCode = ae.Code
	if o.ExitCode == 0 {
		o.ExitCode = 1
	}
	switch ae.Kind {
	case automation.KindPermissionDenied:
		o.Stderr = fmt.Sprintf("permission denied: not allowed to control %s (%d)", target, ae.Code)
	case automation.KindNotInstalled:
		o.Stderr = fmt.Sprintf("%s is not installed (%d)", target, ae.Code)
	case automation.KindNotRunning:
		o.Stderr = fmt.Sprintf("%s is not running (%d)", target, ae.Code)
	default:
		o.Stderr = ae.Message
	}
	return o
}
