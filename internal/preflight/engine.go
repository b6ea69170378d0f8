// Package preflight decides whether a capability may run right now.
package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"capline/internal/automation"
	"capline/internal/domain"
)

// Engine evaluates permissions and declared checks. It never mutates the host and
// never returns an error: every problem becomes a failure message.
type Engine struct {
	Env     Environment
	Channel automation.Channel
	Logger  *slog.Logger
	// OptimisticNotRunning treats an automation target that is not running as granted.
	// The probe cannot tell denied from unasked until the target is up.
	OptimisticNotRunning bool
	HomeDir              string
}

func New(env Environment, ch automation.Channel, logger *slog.Logger) *Engine {
	return &Engine{Env: env, Channel: ch, Logger: logger, OptimisticNotRunning: true}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) Run(ctx context.Context, c domain.Capability) domain.PreflightResult {
	res := domain.PreflightResult{Permissions: map[string]bool{}}
	var failures []string
	var remediation string

	for _, p := range c.RequiredPermissions {
		switch {
		case p.Kind == domain.PermissionNone:
			continue
		case p.Kind == domain.PermissionAutomation:
			granted, msg, hint := e.probeAutomation(ctx, p.Target)
			res.Permissions[p.Key()] = granted
			if !granted {
				failures = append(failures, msg)
				if remediation == "" {
					remediation = hint
				}
			}
		case p.Kind.Optional():
			granted := e.Env != nil && e.Env.PermissionGranted(ctx, p)
			res.Permissions[p.Key()] = granted
			if !granted {
				e.logger().Info("optional permission not granted", "capability", c.ID, "permission", p.Key())
			}
		}
	}

	if c.Privilege() == domain.PrivilegeElevated {
		e.logger().Info("capability requires elevated privilege; executor verifies elevation", "capability", c.ID)
	}

	for _, check := range c.PreflightChecks {
		if msg, ok := e.evaluate(ctx, c, check); !ok {
			failures = append(failures, msg)
		}
	}

	if len(failures) == 0 {
		res.Passed = true
		return res
	}
	res.Failures = failures
	res.Remediation = remediation
	return res
}

func (e *Engine) probeAutomation(ctx context.Context, target string) (granted bool, msg, hint string) {
	if target == "" {
		return false, "automation permission declared without a target application", ""
	}
	status := automation.ProbeUnknown
	if e.Channel != nil {
		status = e.Channel.Probe(ctx, target)
	}
	switch status {
	case automation.ProbeAuthorized:
		return true, "", ""
	case automation.ProbeTargetNotRunning:
		if e.OptimisticNotRunning {
			e.logger().Debug("automation target not running; assuming permission", "target", target)
			return true, "", ""
		}
		return false, fmt.Sprintf("%s is not running", target), fmt.Sprintf("Launch %s and retry.", target)
	case automation.ProbeDenied, automation.ProbeConsentRequired:
		return false, fmt.Sprintf("automation permission for %s is not granted", target),
			fmt.Sprintf("Allow this app to control %s under System Settings > Privacy & Security > Automation, then retry.", target)
	default:
		return false, fmt.Sprintf("could not determine automation permission for %s", target),
			fmt.Sprintf("Launch %s, then retry so the automation permission can be checked.", target)
	}
}

func (e *Engine) evaluate(ctx context.Context, c domain.Capability, check domain.PreflightCheck) (string, bool) {
	fail := func(def string) (string, bool) {
		if check.Message != "" {
			return check.Message, false
		}
		return def, false
	}
	if e.Env == nil && check.Type != domain.CheckNote {
		return fail(fmt.Sprintf("%s check %q: no environment available", check.Type, check.Value))
	}
	switch check.Type {
	case domain.CheckPathExists:
		path := e.expandHome(check.Value)
		if !e.Env.PathExists(path) {
			return fail(fmt.Sprintf("required path %s does not exist", check.Value))
		}
	case domain.CheckAppRunning:
		apps, err := e.Env.RunningApps(ctx)
		if err != nil {
			return fail(fmt.Sprintf("cannot list running applications: %v", err))
		}
		found := false
		for _, app := range apps {
			if matchesApp(app, check.Value) {
				found = true
				break
			}
		}
		if !found {
			return fail(fmt.Sprintf("%s is not running", check.Value))
		}
	case domain.CheckAppInstalled:
		if !e.Env.AppInstalled(ctx, check.Value) {
			return fail(fmt.Sprintf("%s is not installed", check.Value))
		}
	case domain.CheckMinOSVersion:
		actual, err := e.Env.OSVersion(ctx)
		if err != nil {
			return fail(fmt.Sprintf("cannot determine OS version: %v", err))
		}
		ok, err := MeetsMinVersion(check.Value, actual)
		if err != nil {
			return fail(err.Error())
		}
		if !ok {
			return fail(fmt.Sprintf("requires OS version %s or later (found %s)", check.Value, actual))
		}
	case domain.CheckCommandExists:
		if !e.Env.IsExecutable(check.Value) {
			return fail(fmt.Sprintf("command %s is not an executable file", check.Value))
		}
	case domain.CheckNote:
		e.logger().Info("preflight note", "capability", c.ID, "note", firstNonEmpty(check.Message, check.Value))
	default:
		return fail(fmt.Sprintf("unknown preflight check type %q", check.Type))
	}
	return "", true
}

func (e *Engine) expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home := e.HomeDir
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		home = h
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
