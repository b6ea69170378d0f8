package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capline/internal/domain"
)

const sampleCatalog = `
version: "2025.03"
generatedAt: "2025-03-01T00:00:00Z"
capabilities:
  - id: disk-usage
    title: Disk usage
    description: Show free space on the boot volume
    category: diagnostics
    executionMode: process
    commandTemplate: df -k /
    riskClass: safe
    outputParsing:
      mode: disk-info
  - id: flush-dns
    title: Flush DNS cache
    description: Clear the resolver cache
    category: maintenance
    executionMode: privileged
    commandTemplate: dscacheutil -flushcache
    requiredPrivilege: elevated
    riskClass: moderate
    uiHints:
      confirmationText: Flush the DNS cache?
  - id: quit-mail
    title: Quit Mail
    description: Ask Mail to quit
    category: browser-control
    executionMode: automation
    automationScript: tell application "Mail" to quit
    requiredPermissions:
      - kind: automation
        target: Mail
    riskClass: safe
`

func TestStoreLoadAndLookup(t *testing.T) {
	s := NewStore(BytesSource{Data: []byte(sampleCatalog)})
	assert.False(t, s.IsAllowed("disk-usage"), "nothing is allowed before load")

	require.NoError(t, s.Load(context.Background()))
	assert.True(t, s.Loaded())
	assert.Empty(t, s.Issues())

	c, ok := s.Capability("flush-dns")
	require.True(t, ok)
	assert.Equal(t, domain.PrivilegeElevated, c.RequiredPrivilege)
	assert.True(t, s.IsAllowed("quit-mail"))
	assert.False(t, s.IsAllowed("rm-rf"))

	assert.Len(t, s.All(), 3)
	assert.Len(t, s.ByCategory(domain.CategoryDiagnostics), 1)
	assert.Len(t, s.ByRisk(domain.RiskSafe), 2)
	assert.Len(t, s.ByMode(domain.ModeAutomation), 1)
}

func TestStoreLoadIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))
	s := NewStore(FileSource{Path: path})
	require.NoError(t, s.Load(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("version: x\ncapabilities: []\n"), 0o644))
	require.NoError(t, s.Load(context.Background()))
	assert.Len(t, s.All(), 3, "second load must not reread the source")
}

func TestStoreDecodeFailureLeavesUnloaded(t *testing.T) {
	s := NewStore(BytesSource{Data: []byte("capabilities: [unterminated")})
	err := s.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))
	assert.False(t, s.Loaded())
	assert.ErrorIs(t, s.LoadError(), ErrDecode)
	assert.False(t, s.IsAllowed("disk-usage"))
	_, err = s.Catalog()
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestStoreLoadsJSON(t *testing.T) {
	doc := `{"version":"1","generatedAt":"now","capabilities":[{"id":"x","title":"X","description":"d","category":"system","executionMode":"process","commandTemplate":"true","riskClass":"safe"}]}`
	s := NewStore(BytesSource{Data: []byte(doc)})
	require.NoError(t, s.Load(context.Background()))
	assert.True(t, s.IsAllowed("x"))
}

func TestStoreKeepsCatalogWithIssues(t *testing.T) {
	doc := sampleCatalog + `
  - id: disk-usage
    title: Dup
    description: duplicate
    category: diagnostics
    executionMode: process
    commandTemplate: "true"
    riskClass: safe
`
	s := NewStore(BytesSource{Data: []byte(doc)})
	require.NoError(t, s.Load(context.Background()))
	assert.True(t, s.Issues().HasErrors())
	c, ok := s.Capability("disk-usage")
	require.True(t, ok)
	assert.Equal(t, "Disk usage", c.Title, "first occurrence wins")
}

func TestStoreStrictRefusesErrors(t *testing.T) {
	doc := `
version: "1"
capabilities:
  - id: wipe
    title: Wipe
    description: Wipe caches
    category: cleanup
    executionMode: process
    commandTemplate: rm -rf ~/Library/Caches/x
    riskClass: destructive
`
	s := NewStore(BytesSource{Data: []byte(doc)}, WithStrict(true))
	err := s.Load(context.Background())
	require.ErrorIs(t, err, ErrStrictValidation)
	assert.False(t, s.Loaded())
	assert.Len(t, s.Issues().Errors(), 1)
}
