package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"capline/internal/catalog"
	"capline/internal/db"
	"capline/internal/domain"
	"capline/internal/engine"
	"capline/internal/executor"
	"capline/internal/logstore"
	"capline/internal/migrate"
	"capline/internal/preflight"
)

const testCatalog = `
version: "1"
capabilities:
  - id: greet
    title: Greet
    description: Print a greeting
    category: diagnostics
    executionMode: process
    commandTemplate: echo hello {{name}}
    arguments:
      - name: name
        default: world
    riskClass: safe
  - id: slow
    title: Slow
    description: Sleep past its timeout
    category: diagnostics
    executionMode: process
    commandTemplate: sleep 5
    timeoutSeconds: 1
    riskClass: safe
  - id: needs-file
    title: Needs file
    description: Requires a missing path
    category: cleanup
    executionMode: process
    commandTemplate: "true"
    riskClass: safe
    preflightChecks:
      - type: path-exists
        value: /nonexistent/capline/test
        message: the test fixture is missing
  - id: clear-tmp
    title: Clear temp
    description: Remove scratch files
    category: cleanup
    executionMode: process
    commandTemplate: echo removing
    dryRunSupported: true
    dryRunCommand: echo would remove
    riskClass: destructive
    uiHints:
      confirmationText: Remove scratch files?
  - id: half-dry
    title: Half dry
    description: Claims dry run without a dry-run command
    category: cleanup
    executionMode: process
    commandTemplate: touch {{marker}}
    dryRunSupported: true
    riskClass: safe
  - id: empty-trash
    title: Empty trash
    description: Automation capability without a dry-run script
    category: cleanup
    executionMode: automation
    automationScript: tell application "Finder" to empty trash
    targetApp: Finder
    dryRunSupported: true
    riskClass: safe
  - id: reboot
    title: Reboot
    description: Privileged without an executor
    category: system
    executionMode: privileged
    commandTemplate: reboot
    requiredPrivilege: elevated
    riskClass: moderate
    uiHints:
      confirmationText: Reboot now?
`

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	cat := catalog.NewStore(catalog.BytesSource{Name: "test", Data: []byte(testCatalog)})
	if err := cat.Load(ctx); err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	logs := logstore.New(conn, logstore.Config{DataDir: db.DataDir(dir), ExportDir: filepath.Join(dir, "exports")}, nil)

	opts := executor.DefaultOptions()
	opts.Tail = logs
	eng := engine.New(cat, preflight.New(preflight.NewHost(nil), nil, nil), executor.Set{Process: executor.NewProcess(opts)}, logs, nil)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func TestRunPersistsChainedRecords(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.Run(env.Ctx, engine.RunOptions{CapabilityID: "greet"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if first.Stdout != "hello world\n" {
		t.Fatalf("unexpected stdout %q", first.Stdout)
	}
	second, err := env.Engine.Run(env.Ctx, engine.RunOptions{CapabilityID: "greet", Arguments: map[string]string{"name": "there"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if second.Record.PreviousRecordHash == nil || *second.Record.PreviousRecordHash != first.Record.RecordHash {
		t.Fatalf("second record not chained to first")
	}

	records, err := env.Engine.Logs.Fetch(env.Ctx, 10, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 2 || records[0].ID != second.Record.ID {
		t.Fatalf("expected 2 records newest first, got %d", len(records))
	}
	if records[0].Arguments["name"] != "there" {
		t.Fatalf("arguments not persisted: %v", records[0].Arguments)
	}
	report, err := env.Engine.Logs.Verify(env.Ctx)
	if err != nil || !report.OK() {
		t.Fatalf("verify: %v %+v", err, report.Breaks)
	}
}

func TestRunRejectsUnknownCapability(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Run(env.Ctx, engine.RunOptions{CapabilityID: "rm-rf"})
	if !errors.Is(err, engine.ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	if _, err := env.Engine.Check(env.Ctx, "rm-rf"); !errors.Is(err, engine.ErrNotAllowed) {
		t.Fatalf("check: expected ErrNotAllowed, got %v", err)
	}
}

func TestRunBlockedByPreflight(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Run(env.Ctx, engine.RunOptions{CapabilityID: "needs-file"})
	var pe *engine.PreflightError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PreflightError, got %v", err)
	}
	if len(pe.Result.Failures) != 1 || pe.Result.Failures[0] != "the test fixture is missing" {
		t.Fatalf("unexpected failures %v", pe.Result.Failures)
	}
	records, _ := env.Engine.Logs.Fetch(env.Ctx, 10, 0)
	if len(records) != 0 {
		t.Fatalf("refused run must not be recorded")
	}
}

func TestRunDryRun(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{CapabilityID: "greet", DryRun: true}); !errors.Is(err, engine.ErrDryRunUnsupported) {
		t.Fatalf("expected ErrDryRunUnsupported, got %v", err)
	}
	marker := filepath.Join(t.TempDir(), "ran")
	for _, id := range []string{"half-dry", "empty-trash"} {
		_, err := env.Engine.Run(env.Ctx, engine.RunOptions{CapabilityID: id, DryRun: true, Arguments: map[string]string{"marker": marker}})
		if !errors.Is(err, engine.ErrDryRunUnsupported) {
			t.Fatalf("%s: expected ErrDryRunUnsupported, got %v", id, err)
		}
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("refused dry run must not execute the real command")
	}
	if records, _ := env.Engine.Logs.Fetch(env.Ctx, 10, 0); len(records) != 0 {
		t.Fatalf("refused dry run must not be recorded")
	}
	res, err := env.Engine.Run(env.Ctx, engine.RunOptions{CapabilityID: "clear-tmp", DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if res.Stdout != "would remove\n" || !res.Record.DryRun {
		t.Fatalf("unexpected dry run result %q dry=%v", res.Stdout, res.Record.DryRun)
	}
}

func TestRunWithoutExecutorForMode(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{CapabilityID: "reboot"}); !errors.Is(err, executor.ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
}

func TestTimeoutIsRecorded(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}
	env := newTestEnv(t)
	res, err := env.Engine.Run(env.Ctx, engine.RunOptions{CapabilityID: "slow"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Record.Status != domain.StatusTimeout {
		t.Fatalf("expected timeout, got %s", res.Record.Status)
	}
	last, err := env.Engine.Logs.LastError(env.Ctx)
	if err != nil || last == nil || last.ID != res.Record.ID {
		t.Fatalf("timeout record not persisted: %v", err)
	}
}

func TestCancelledRunIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()
	res, err := env.Engine.Run(ctx, engine.RunOptions{CapabilityID: "slow", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Record.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", res.Record.Status)
	}
	got, err := env.Engine.Logs.Get(env.Ctx, res.Record.ID)
	if err != nil || got.Status != domain.StatusCancelled {
		t.Fatalf("cancelled record not persisted: %v", err)
	}
}

func TestCheck(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Check(env.Ctx, "greet")
	if err != nil || !res.Passed {
		t.Fatalf("greet should pass: %v %+v", err, res)
	}
	res, err = env.Engine.Check(env.Ctx, "needs-file")
	if err != nil || res.Passed {
		t.Fatalf("needs-file should fail: %v %+v", err, res)
	}
}
