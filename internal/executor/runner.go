package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/go-cmd/cmd"

	"capline/internal/domain"
)

// Progress lines longer than this are split or dropped; captured output is not affected.
const lineBufferSize = 1 << 20

type commandSpec struct {
	Name      string
	Args      []string
	Dir       string
	Env       []string
	Timeout   time.Duration
	KillGrace time.Duration
}

type outcome struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Err       error
	TimedOut  bool
	Cancelled bool
}

// runStreaming starts the command in its own process group and forwards each output
// line as progress. Stdout and stderr are captured byte for byte alongside the line
// stream. When ctx ends or the timeout passes the group gets SIGTERM, then SIGKILL
// after the grace period.
func runStreaming(r *run, spec commandSpec) outcome {
	ctx := r.ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	c := cmd.NewCmdOptions(cmd.Options{
		Streaming:      true,
		LineBufferSize: lineBufferSize,
		BeforeExec: []func(*exec.Cmd){func(ec *exec.Cmd) {
			ec.Stdout = io.MultiWriter(&stdout, lossyWriter{ec.Stdout})
			ec.Stderr = io.MultiWriter(&stderr, lossyWriter{ec.Stderr})
		}},
	}, spec.Name, spec.Args...)
	c.Dir = spec.Dir
	if len(spec.Env) > 0 {
		c.Env = spec.Env
	}
	statusCh := c.Start()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		pump(c, r.progress)
	}()

	var st cmd.Status
	stopped := false
	select {
	case st = <-statusCh:
	case <-ctx.Done():
		stopped = true
		st = stopAndWait(c, statusCh, spec.KillGrace)
	}
	<-pumpDone

	out := outcome{
		ExitCode: st.Exit,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	switch {
	case stopped && r.wasCancelled():
		out.Cancelled = true
		out.ExitCode = -1
	case stopped && errors.Is(ctx.Err(), context.DeadlineExceeded):
		out.TimedOut = true
		out.ExitCode = -1
	case stopped:
		out.Cancelled = true
		out.ExitCode = -1
	case st.Error != nil:
		out.Err = st.Error
		if out.ExitCode == 0 {
			out.ExitCode = -1
		}
		if out.Stderr == "" {
			out.Stderr = st.Error.Error()
		}
	}
	return out
}

// lossyWriter keeps a full line buffer in the progress stream from failing the capture.
type lossyWriter struct {
	w io.Writer
}

func (l lossyWriter) Write(p []byte) (int, error) {
	if l.w != nil {
		_, _ = l.w.Write(p)
	}
	return len(p), nil
}

// stopAndWait sends SIGTERM to the process group, waits up to grace for it to exit,
// then kills the group.
func stopAndWait(c *cmd.Cmd, statusCh <-chan cmd.Status, grace time.Duration) cmd.Status {
	// ErrNotStarted is fine: a stop during start returns early, or the PID is killed below.
	_ = c.Stop()
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	select {
	case st := <-statusCh:
		return st
	case <-time.After(grace):
	}
	if pid := c.Status().PID; pid > 0 {
		_ = killGroup(pid)
	}
	return <-statusCh
}

func pump(c *cmd.Cmd, em *emitter) {
	stdout, stderr := c.Stdout, c.Stderr
	forward := func(line string, isErr bool) {
		p := domain.ExecutionProgress{Phase: domain.PhaseExecuting}
		if isErr {
			p.Stderr = line
		} else {
			p.Stdout = line
		}
		em.emit(p)
	}
	for stdout != nil || stderr != nil {
		select {
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			forward(line, false)
		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			forward(line, true)
		case <-c.Done():
			drain(stdout, func(l string) { forward(l, false) })
			drain(stderr, func(l string) { forward(l, true) })
			return
		}
	}
}

func drain(ch chan string, fn func(string)) {
	if ch == nil {
		return
	}
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			fn(line)
		default:
			return
		}
	}
}
