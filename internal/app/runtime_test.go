package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"capline/internal/automation"
	"capline/internal/config"
	"capline/internal/engine"
)

type deniedChannel struct{}

func (deniedChannel) Probe(context.Context, string) automation.ProbeStatus { return automation.ProbeDenied }
func (deniedChannel) Send(context.Context, string, string) (string, error) {
	return "", &automation.Error{Code: automation.CodeNotPermitted, Kind: automation.KindPermissionDenied}
}

const workspaceCatalog = `version: "1"
capabilities:
  - id: hello
    title: Hello
    description: Say hello
    category: diagnostics
    executionMode: process
    commandTemplate: echo hello
    riskClass: safe
  - id: mail-count
    title: Mail count
    description: Count unread mail
    category: browser-control
    executionMode: automation
    automationScript: tell application "Mail" to get unread count of inbox
    requiredPermissions:
      - kind: automation
        target: Mail
    riskClass: safe
`

func TestOpenRunAndRetention(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "catalog.yml"), []byte(workspaceCatalog), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Logs.RetentionDays = 7
	start := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	rt, err := Open(ctx, Options{Workspace: dir, Config: cfg, Channel: deniedChannel{}, Now: func() time.Time { return start }})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := rt.Catalog.LoadError(); err != nil {
		t.Fatalf("catalog: %v", err)
	}
	res, err := rt.Engine.Run(ctx, engine.RunOptions{CapabilityID: "hello"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "hello\n" {
		t.Fatalf("stdout %q", res.Stdout)
	}
	remediation, err := rt.Engine.Check(ctx, "mail-count")
	if err != nil || remediation.Passed || remediation.Remediation == "" {
		t.Fatalf("denied automation should fail with a hint: %v %+v", err, remediation)
	}
	rt.Close()

	later := start.Add(10 * 24 * time.Hour)
	rt, err = Open(ctx, Options{Workspace: dir, Config: cfg, Channel: deniedChannel{}, Now: func() time.Time { return later }})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rt.Close()
	records, err := rt.Logs.Fetch(ctx, 10, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected expired record to be pruned, got %d", len(records))
	}
	report, err := rt.Logs.Verify(ctx)
	if err != nil || !report.OK() {
		t.Fatalf("verify after prune: %v %+v", err, report)
	}
}

func TestOpenWithoutCatalog(t *testing.T) {
	rt, err := Open(context.Background(), Options{Workspace: t.TempDir(), Channel: deniedChannel{}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.Catalog.LoadError() == nil {
		t.Fatalf("expected a catalog load error")
	}
	if rt.Catalog.IsAllowed("hello") {
		t.Fatalf("nothing may run without a catalog")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "json", false)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	if bytes.Contains(buf.Bytes(), []byte("hidden")) || !bytes.Contains(buf.Bytes(), []byte("shown")) {
		t.Fatalf("unexpected output %q", buf.String())
	}
	if _, err := NewLogger(&buf, "info", "xml", false); err == nil {
		t.Fatalf("expected format error")
	}
}
