package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capline/internal/automation"
	"capline/internal/domain"
)

type fakeEnv struct {
	paths     map[string]bool
	execs     map[string]bool
	apps      []RunningApp
	installed map[string]bool
	osVersion string
	osErr     error
	granted   map[domain.PermissionKind]bool
}

func (f *fakeEnv) PathExists(p string) bool   { return f.paths[p] }
func (f *fakeEnv) IsExecutable(p string) bool { return f.execs[p] }
func (f *fakeEnv) RunningApps(context.Context) ([]RunningApp, error) {
	return f.apps, nil
}
func (f *fakeEnv) AppInstalled(_ context.Context, name string) bool { return f.installed[name] }
func (f *fakeEnv) OSVersion(context.Context) (string, error)         { return f.osVersion, f.osErr }
func (f *fakeEnv) PermissionGranted(_ context.Context, p domain.Permission) bool {
	return f.granted[p.Kind]
}

type fakeChannel struct {
	status map[string]automation.ProbeStatus
	probes int
}

func (f *fakeChannel) Probe(_ context.Context, target string) automation.ProbeStatus {
	f.probes++
	if s, ok := f.status[target]; ok {
		return s
	}
	return automation.ProbeUnknown
}

func (f *fakeChannel) Send(context.Context, string, string) (string, error) {
	return "", errors.New("not used")
}

func mailCap() domain.Capability {
	return domain.Capability{
		ID:                  "quit-mail",
		ExecutionMode:       domain.ModeAutomation,
		AutomationScript:    `tell application "Mail" to quit`,
		RequiredPermissions: []domain.Permission{{Kind: domain.PermissionAutomation, Target: "Mail"}},
	}
}

func TestAutomationTargetNotRunningPasses(t *testing.T) {
	ch := &fakeChannel{status: map[string]automation.ProbeStatus{"Mail": automation.ProbeTargetNotRunning}}
	e := New(&fakeEnv{}, ch, nil)
	res := e.Run(context.Background(), mailCap())
	assert.True(t, res.Passed)
	assert.Empty(t, res.Failures)
	assert.True(t, res.Permissions["automation:Mail"])
	assert.Equal(t, 1, ch.probes)
}

func TestAutomationTargetNotRunningStrict(t *testing.T) {
	ch := &fakeChannel{status: map[string]automation.ProbeStatus{"Mail": automation.ProbeTargetNotRunning}}
	e := New(&fakeEnv{}, ch, nil)
	e.OptimisticNotRunning = false
	res := e.Run(context.Background(), mailCap())
	assert.False(t, res.Passed)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0], "Mail is not running")
	assert.Equal(t, "Launch Mail and retry.", res.Remediation)
	assert.NotContains(t, res.Remediation, "Allow this app")
}

func TestAutomationDeniedGivesRemediation(t *testing.T) {
	for _, status := range []automation.ProbeStatus{automation.ProbeDenied, automation.ProbeConsentRequired} {
		ch := &fakeChannel{status: map[string]automation.ProbeStatus{"Mail": status}}
		res := New(&fakeEnv{}, ch, nil).Run(context.Background(), mailCap())
		assert.False(t, res.Passed, status)
		assert.Len(t, res.Failures, 1)
		assert.Contains(t, res.Remediation, "Mail")
		assert.False(t, res.Permissions["automation:Mail"])
	}
}

func TestOptionalPermissionsNeverFail(t *testing.T) {
	c := domain.Capability{
		ID: "scan",
		RequiredPermissions: []domain.Permission{
			{Kind: domain.PermissionBroadAccess},
			{Kind: domain.PermissionAssistiveAccess},
			{Kind: domain.PermissionNone},
		},
	}
	res := New(&fakeEnv{granted: map[domain.PermissionKind]bool{domain.PermissionBroadAccess: true}}, nil, nil).Run(context.Background(), c)
	assert.True(t, res.Passed)
	assert.True(t, res.Permissions["broad-access"])
	assert.False(t, res.Permissions["assistive-access"])
	_, present := res.Permissions["none"]
	assert.False(t, present)
}

func TestElevatedPrivilegeNeverBlocks(t *testing.T) {
	c := domain.Capability{ID: "flush", RequiredPrivilege: domain.PrivilegeElevated}
	assert.True(t, New(&fakeEnv{}, nil, nil).Run(context.Background(), c).Passed)
}

func TestMinOSVersionBoundary(t *testing.T) {
	c := domain.Capability{ID: "new-api", PreflightChecks: []domain.PreflightCheck{{Type: domain.CheckMinOSVersion, Value: "12.1"}}}
	cases := map[string]bool{
		"12.1":   true,
		"12.1.3": true,
		"12.0":   false,
		"11.9":   false,
		"13.0":   true,
		"14":     true,
	}
	for runtime, want := range cases {
		res := New(&fakeEnv{osVersion: runtime}, nil, nil).Run(context.Background(), c)
		assert.Equal(t, want, res.Passed, "runtime %s", runtime)
	}
}

func TestMinOSVersionUndeterminable(t *testing.T) {
	c := domain.Capability{ID: "v", PreflightChecks: []domain.PreflightCheck{{Type: domain.CheckMinOSVersion, Value: "12.1"}}}
	res := New(&fakeEnv{osErr: errors.New("boom")}, nil, nil).Run(context.Background(), c)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Failures[0], "cannot determine OS version")
}

func TestChecksCollectEveryFailure(t *testing.T) {
	c := domain.Capability{ID: "multi", PreflightChecks: []domain.PreflightCheck{
		{Type: domain.CheckPathExists, Value: "~/Library/Caches"},
		{Type: domain.CheckAppRunning, Value: "Safari"},
		{Type: domain.CheckAppInstalled, Value: "Xcode", Message: "Install Xcode first"},
		{Type: domain.CheckCommandExists, Value: "/usr/bin/tmutil"},
		{Type: domain.CheckNote, Value: "This may take a while"},
	}}
	e := New(&fakeEnv{}, nil, nil)
	e.HomeDir = "/Users/test"
	res := e.Run(context.Background(), c)
	assert.False(t, res.Passed)
	require.Len(t, res.Failures, 4)
	assert.Equal(t, "Install Xcode first", res.Failures[2])
	assert.Empty(t, res.Remediation)
}

func TestChecksPass(t *testing.T) {
	c := domain.Capability{ID: "ok", PreflightChecks: []domain.PreflightCheck{
		{Type: domain.CheckPathExists, Value: "~/Library/Caches"},
		{Type: domain.CheckAppRunning, Value: "com.apple.Safari"},
		{Type: domain.CheckAppInstalled, Value: "Xcode"},
		{Type: domain.CheckCommandExists, Value: "/usr/bin/tmutil"},
	}}
	env := &fakeEnv{
		paths:     map[string]bool{"/Users/test/Library/Caches": true},
		apps:      []RunningApp{{Name: "Safari", Path: "/Applications/Safari.app/Contents/MacOS/Safari"}},
		installed: map[string]bool{"Xcode": true},
		execs:     map[string]bool{"/usr/bin/tmutil": true},
	}
	e := New(env, nil, nil)
	e.HomeDir = "/Users/test"
	res := e.Run(context.Background(), c)
	assert.True(t, res.Passed, res.Failures)
}

func TestHostEnvironment(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "tool.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))
	plain := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Editor.desktop"), []byte("[Desktop Entry]"), 0o644))

	h := NewHost([]string{dir})
	assert.True(t, h.PathExists(plain))
	assert.True(t, h.IsExecutable(script))
	assert.False(t, h.IsExecutable(plain))
	assert.False(t, h.IsExecutable(dir))
	assert.True(t, h.AppInstalled(context.Background(), "Editor"))
	assert.False(t, h.AppInstalled(context.Background(), "definitely-not-an-app-xyz"))
}

func TestMeetsMinVersionInvalid(t *testing.T) {
	_, err := MeetsMinVersion("twelve", "12.0")
	assert.Error(t, err)
}
