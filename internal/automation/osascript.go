package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var errorCodeRe = regexp.MustCompile(`\((-?\d+)\)\s*$`)

type OSAScript struct {
	Binary       string
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

func NewOSAScript(logger *slog.Logger) *OSAScript {
	return &OSAScript{Binary: "osascript", ProbeTimeout: 5 * time.Second, Logger: logger}
}

func (o *OSAScript) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Probe first asks whether target is running, which never launches it, then sends a
// read-only name query. A probe that hangs past ProbeTimeout is waiting on a consent prompt.
func (o *OSAScript) Probe(ctx context.Context, target string) ProbeStatus {
	timeout := o.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	running, err := o.run(ctx, fmt.Sprintf(`application "%s" is running`, EscapeString(target)))
	if err != nil {
		o.logger().Debug("automation probe failed", "target", target, "err", err)
		return probeFromError(ctx, err)
	}
	if strings.TrimSpace(running) != "true" {
		return ProbeTargetNotRunning
	}
	if _, err := o.run(ctx, fmt.Sprintf(`tell application "%s" to get name`, EscapeString(target))); err != nil {
		o.logger().Debug("automation probe denied", "target", target, "err", err)
		return probeFromError(ctx, err)
	}
	return ProbeAuthorized
}

func probeFromError(ctx context.Context, err error) ProbeStatus {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ProbeConsentRequired
	}
	var ae *Error
	if !errors.As(err, &ae) {
		return ProbeUnknown
	}
	switch ae.Code {
	case CodeNotPermitted:
		return ProbeDenied
	case CodeConsentRequired:
		return ProbeConsentRequired
	case CodeAppNotRunning:
		return ProbeTargetNotRunning
	default:
		return ProbeUnknown
	}
}

func (o *OSAScript) Send(ctx context.Context, target, script string) (string, error) {
	out, err := o.run(ctx, Address(target, script))
	if err != nil {
		var ae *Error
		if errors.As(err, &ae) {
			ae.Target = target
		}
		return out, err
	}
	return out, nil
}

func (o *OSAScript) run(ctx context.Context, script string) (string, error) {
	bin := o.Binary
	if bin == "" {
		bin = "osascript"
	}
	var args []string
	for _, line := range strings.Split(script, "\n") {
		args = append(args, "-e", line)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return strings.TrimRight(stdout.String(), "\n"), nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return "", &Error{Code: -1, Kind: KindNotInstalled, Message: err.Error()}
	}
	return stdout.String(), ParseError(stderr.String())
}

func ParseError(stderr string) *Error {
	msg := strings.TrimSpace(stderr)
	code := 1
	if m := errorCodeRe.FindStringSubmatch(msg); m != nil {
		if c, err := strconv.Atoi(m[1]); err == nil {
			code = c
		}
	}
	return &Error{Code: code, Kind: Classify(code), Message: msg}
}

// Address wraps script in a tell block for target unless it already names that application.
func Address(target, script string) string {
	if target == "" {
		return script
	}
	ref := strings.ToLower(fmt.Sprintf(`application "%s"`, EscapeString(target)))
	if strings.Contains(strings.ToLower(script), ref) {
		return script
	}
	return fmt.Sprintf("tell application \"%s\"\n%s\nend tell", EscapeString(target), strings.TrimSpace(script))
}

// EscapeString escapes s for use inside a double-quoted script string literal.
func EscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
