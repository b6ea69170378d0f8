package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"capline/internal/domain"
)

// ProcessExecutor runs command templates through the configured shell with user privileges.
type ProcessExecutor struct {
	base
	wrap func(name string, args []string) (string, []string)
}

func NewProcess(opts Options) *ProcessExecutor {
	return &ProcessExecutor{base: base{opts: opts.withDefaults()}}
}

func (p *ProcessExecutor) CanExecute(_ context.Context, c domain.Capability) domain.PreflightResult {
	if res, bad := modeMismatch(c, domain.ModeProcess); bad {
		return res
	}
	return domain.PreflightResult{Passed: true}
}

func (p *ProcessExecutor) Execute(ctx context.Context, req Request) (domain.ExecutionResult, error) {
	if req.DryRun && req.Capability.DryRunPayload() == "" {
		return domain.ExecutionResult{}, fmt.Errorf("%w: %s", ErrNoDryRun, req.Capability.ID)
	}
	r, err := p.begin(ctx, req.OnProgress)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	defer p.end(r)

	started := p.opts.Now()
	r.progress.phase(domain.PhasePreparing, 0)

	c := req.Capability
	args := mergeArguments(c, req.Arguments)
	tmpl := c.CommandTemplate
	if req.DryRun {
		tmpl = c.DryRunCommand
	}
	command := Render(tmpl, args, ShellQuote)

	name, argv := p.opts.Shell, []string{"-c", command}
	if p.wrap != nil {
		name, argv = p.wrap(name, argv)
	}
	p.opts.Logger.Debug("executing capability", "capability", c.ID, "mode", c.ExecutionMode, "command", command)

	r.progress.phase(domain.PhaseExecuting, 0.1)
	o := runStreaming(r, commandSpec{
		Name:      name,
		Args:      argv,
		Dir:       p.opts.WorkDir,
		Env:       p.opts.Env,
		Timeout:   p.timeoutFor(req),
		KillGrace: p.opts.KillGrace,
	})
	return p.finish(ctx, r, req, args, started, o), nil
}

// Elevator obtains elevated privileges for a command without prompting.
type Elevator interface {
	Check(ctx context.Context) error
	Wrap(name string, args []string) (string, []string)
}

// Sudo elevates with `sudo -n`. It is a no-op when already running as root.
type Sudo struct {
	Path string
}

func (s Sudo) path() string {
	if s.Path != "" {
		return s.Path
	}
	return "sudo"
}

func (s Sudo) Check(ctx context.Context) error {
	if os.Geteuid() == 0 {
		return nil
	}
	bin, err := exec.LookPath(s.path())
	if err != nil {
		return fmt.Errorf("sudo not available: %w", err)
	}
	if err := exec.CommandContext(ctx, bin, "-n", "true").Run(); err != nil {
		return fmt.Errorf("non-interactive sudo refused: %w", err)
	}
	return nil
}

func (s Sudo) Wrap(name string, args []string) (string, []string) {
	if os.Geteuid() == 0 {
		return name, args
	}
	return s.path(), append([]string{"-n", name}, args...)
}

type PrivilegedExecutor struct {
	*ProcessExecutor
	Elevator Elevator
}

func NewPrivileged(opts Options, el Elevator) *PrivilegedExecutor {
	if el == nil {
		el = Sudo{}
	}
	p := NewProcess(opts)
	p.wrap = el.Wrap
	return &PrivilegedExecutor{ProcessExecutor: p, Elevator: el}
}

// CanExecute verifies that elevation can be obtained without an interactive prompt.
func (p *PrivilegedExecutor) CanExecute(ctx context.Context, c domain.Capability) domain.PreflightResult {
	if res, bad := modeMismatch(c, domain.ModePrivileged); bad {
		return res
	}
	if err := p.Elevator.Check(ctx); err != nil {
		return domain.PreflightResult{
			Passed:      false,
			Failures:    []string{fmt.Sprintf("elevated privileges unavailable: %v", err)},
			Remediation: "Authorize elevation (for example run `sudo -v`) and retry.",
		}
	}
	return domain.PreflightResult{Passed: true}
}
