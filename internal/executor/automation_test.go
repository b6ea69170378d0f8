package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capline/internal/automation"
	"capline/internal/domain"
)

type scriptedChannel struct {
	probe   automation.ProbeStatus
	out     string
	err     error
	block   bool
	scripts []string
}

func (s *scriptedChannel) Probe(context.Context, string) automation.ProbeStatus { return s.probe }

func (s *scriptedChannel) Send(ctx context.Context, target, script string) (string, error) {
	s.scripts = append(s.scripts, script)
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.out, s.err
}

func mailCapability() domain.Capability {
	return domain.Capability{
		ID:                  "mail-unread",
		Title:               "Unread mail",
		ExecutionMode:       domain.ModeAutomation,
		AutomationScript:    `tell application "Mail" to get unread count of mailbox "{{box}}"`,
		RequiredPermissions: []domain.Permission{{Kind: domain.PermissionAutomation, Target: "Mail"}},
		RiskClass:           domain.RiskSafe,
	}
}

func TestAutomationExecuteSuccess(t *testing.T) {
	ch := &scriptedChannel{probe: automation.ProbeAuthorized, out: "42"}
	ex := NewAutomation(testOptions(), ch)
	c := mailCapability()
	require.True(t, ex.CanExecute(context.Background(), c).Passed)

	res, err := ex.Execute(context.Background(), Request{Capability: c, Arguments: map[string]string{"box": `In"box`}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, res.Record.Status)
	assert.Equal(t, "42\n", res.Stdout)
	require.Len(t, ch.scripts, 1)
	assert.Equal(t, `tell application "Mail" to get unread count of mailbox "In\"box"`, ch.scripts[0])
}

func TestAutomationPermissionDenied(t *testing.T) {
	ch := &scriptedChannel{probe: automation.ProbeDenied, err: automation.ParseError("execution error: Not authorized to send Apple events to Mail. (-1743)")}
	ex := NewAutomation(testOptions(), ch)
	c := mailCapability()

	verdict := ex.CanExecute(context.Background(), c)
	assert.False(t, verdict.Passed)
	assert.Contains(t, verdict.Remediation, "Mail")

	res, err := ex.Execute(context.Background(), Request{Capability: c})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, res.Record.Status)
	assert.Equal(t, automation.CodeNotPermitted, res.ExitCode)
	assert.Contains(t, res.Stderr, "permission denied")
}

func TestAutomationNotRunningError(t *testing.T) {
	ch := &scriptedChannel{err: &automation.Error{Code: automation.CodeAppNotRunning, Kind: automation.KindNotRunning}}
	res, err := NewAutomation(testOptions(), ch).Execute(context.Background(), Request{Capability: mailCapability()})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, res.Record.Status)
	assert.Contains(t, res.Stderr, "not running")
}

func TestAutomationTimeoutAndCancel(t *testing.T) {
	ch := &scriptedChannel{block: true}
	ex := NewAutomation(testOptions(), ch)
	res, err := ex.Execute(context.Background(), Request{Capability: mailCapability(), Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTimeout, res.Record.Status)

	done := make(chan domain.ExecutionResult, 1)
	go func() {
		res, _ := ex.Execute(context.Background(), Request{Capability: mailCapability()})
		done <- res
	}()
	require.Eventually(t, func() bool {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		return ex.current != nil
	}, time.Second, 5*time.Millisecond)
	ex.Cancel()
	select {
	case res := <-done:
		assert.Equal(t, domain.StatusCancelled, res.Record.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop the automation send")
	}
}

func TestAutomationDryRun(t *testing.T) {
	ch := &scriptedChannel{probe: automation.ProbeAuthorized, out: "3"}
	ex := NewAutomation(testOptions(), ch)
	c := mailCapability()
	c.DryRunSupported = true
	_, err := ex.Execute(context.Background(), Request{Capability: c, DryRun: true, Arguments: map[string]string{"box": "Trash"}})
	assert.ErrorIs(t, err, ErrNoDryRun)
	assert.Empty(t, ch.scripts)

	c.DryRunScript = `tell application "Mail" to count messages of mailbox "{{box}}"`
	res, err := ex.Execute(context.Background(), Request{Capability: c, DryRun: true, Arguments: map[string]string{"box": "Trash"}})
	require.NoError(t, err)
	require.Len(t, ch.scripts, 1)
	assert.Equal(t, `tell application "Mail" to count messages of mailbox "Trash"`, ch.scripts[0])
	assert.True(t, res.Record.DryRun)
}

func TestAutomationNoTarget(t *testing.T) {
	c := mailCapability()
	c.RequiredPermissions = nil
	assert.False(t, NewAutomation(testOptions(), &scriptedChannel{}).CanExecute(context.Background(), c).Passed)
}
