package directory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
contacts:
  - id: c-2
    name: Zoe Ventas
    phone: "+54 9 11 5555-0001"
  - id: g-1
    name: Equipo
    type: group
    group_id: 120363000000000000@g.us
integrations:
  - id: api-1
    name: Sales Report
    method: post
    url: https://example.test/report
    timeout_ms: 500
  - id: api-2
    name: Stock
    url: https://example.test/stock
    inactive: true
roles:
  - id: r-1
    name: Analyst
    detail: You analyse sales.
models:
  - id: m-1
    name: GPT
    provider: openai
    model_id: gpt-4o-mini
agents:
  - id: a-1
    name: Sales agent
    role_id: r-1
    model_id: m-1
files:
  - id: f-1
    original_name: notes.txt
    path: files/notes.txt
  - id: f-2
    original_name: report.pdf
    path: files/report.pdf
  - id: f-3
    original_name: chart.png
    path: files/chart.png
`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadCatalogNormalizes(t *testing.T) {
	ctx := context.Background()
	c, err := LoadCatalog(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)

	ct, err := c.GetContact(ctx, "c-2")
	require.NoError(t, err)
	assert.Equal(t, "5491155550001", ct.Phone)
	assert.Equal(t, ContactTypeContact, ct.Type)
	assert.Equal(t, "5491155550001", ct.Address())

	grp, err := c.GetContact(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, grp.IsGroup())
	assert.Equal(t, "120363000000000000@g.us", grp.Address())

	contacts, err := c.ListContacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "Equipo", contacts[0].Name, "contacts are sorted by name")

	in, err := c.GetIntegration(ctx, "api-1")
	require.NoError(t, err)
	assert.Equal(t, "POST", in.Method)
	assert.Equal(t, DefaultIntegrationTimeoutMs, in.TimeoutMs)
	assert.True(t, in.Active())

	stock, err := c.GetIntegrationByName(ctx, "  stock ")
	require.NoError(t, err)
	assert.Equal(t, "GET", stock.Method)
	assert.False(t, stock.Active())

	agent, err := c.GetAgent(ctx, "a-1")
	require.NoError(t, err)
	role, err := c.GetRole(ctx, agent.RoleID)
	require.NoError(t, err)
	assert.Equal(t, "You analyse sales.", role.Detail)
	model, err := c.GetModel(ctx, agent.ModelID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", model.ModelID)
}

func TestCatalogNotFound(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog(nil, nil, nil, nil, nil, nil)

	_, err := c.GetContact(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetIntegrationByName(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetAgent(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.RuntimeContext(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadCatalogMissingFileIsEmpty(t *testing.T) {
	c, err := LoadCatalog(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	contacts, err := c.ListContacts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

func TestLoadCatalogRejectsBadMethod(t *testing.T) {
	_, err := LoadCatalog(writeCatalog(t, "integrations:\n  - id: x\n    name: X\n    method: TRACE\n    url: http://x\n"))
	assert.Error(t, err)
}

func TestRuntimeContext(t *testing.T) {
	ctx := context.Background()
	path := writeCatalog(t, sampleCatalog)
	dir := filepath.Dir(path)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "files"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "files", "notes.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "files", "report.pdf"), []byte("%PDF-1.4"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "files", "chart.png"), []byte{0x89, 'P', 'N', 'G'}, 0644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)

	fc, err := c.RuntimeContext(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", fc.ContentText)
	assert.Equal(t, ".txt", fc.Extension)
	assert.EqualValues(t, 5, fc.SizeBytes)

	pdf, err := c.RuntimeContext(ctx, "f-2")
	require.NoError(t, err)
	assert.Empty(t, pdf.ContentText)
	assert.Equal(t, "binary pdf; content not extracted", pdf.Note)

	img, err := c.RuntimeContext(ctx, "f-3")
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MimeType)
	assert.Equal(t, filepath.Join(dir, "files", "chart.png"), img.AbsolutePath)
}

func TestRuntimeContextTruncates(t *testing.T) {
	path := writeCatalog(t, "files:\n  - id: big\n    original_name: big.csv\n    path: big.csv\n")
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "big.csv"),
		[]byte(strings.Repeat("a", maxInlineFileBytes+10)), 0644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	fc, err := c.RuntimeContext(context.Background(), "big")
	require.NoError(t, err)
	assert.Len(t, fc.ContentText, maxInlineFileBytes)
	assert.Contains(t, fc.Note, "truncated")
}

func TestWatchReloads(t *testing.T) {
	path := writeCatalog(t, "contacts:\n  - id: c-1\n    name: Ana\n    phone: \"111\"\n")
	c, err := LoadCatalog(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()

	// Give the watcher a moment to register before rewriting.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("contacts:\n  - id: c-1\n    name: Ana\n  - id: c-9\n    name: Bruno\n    phone: \"222\"\n"), 0644))

	assert.Eventually(t, func() bool {
		_, err := c.GetContact(context.Background(), "c-9")
		return err == nil
	}, 3*time.Second, 25*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
