package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID      string         `json:"id"`
	Tags    []string       `json:"tags"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

func TestCollectionRoundTrip(t *testing.T) {
	for _, codec := range []string{CodecJSON, CodecMsgpack} {
		t.Run(codec, func(t *testing.T) {
			st, err := New(t.TempDir(), codec)
			require.NoError(t, err)

			c := NewCollection[row](st, "rows")
			rows, err := c.List()
			require.NoError(t, err)
			assert.Empty(t, rows)

			at := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
			require.NoError(t, c.SaveAll([]row{
				{ID: "a", Tags: []string{"x"}, At: at, Payload: map[string]any{"k": "v"}},
				{ID: "b", At: at},
			}))

			rows, err = c.List()
			require.NoError(t, err)
			require.Len(t, rows, 2)
			assert.Equal(t, "a", rows[0].ID)
			assert.Equal(t, []string{"x"}, rows[0].Tags)
			assert.True(t, rows[0].At.Equal(at))
			assert.Equal(t, "v", rows[0].Payload["k"])
		})
	}
}

func TestSaveAllOverwrites(t *testing.T) {
	dir := t.TempDir()
	st, err := New(dir, "")
	require.NoError(t, err)

	c := NewCollection[row](st, "rows")
	require.NoError(t, c.SaveAll([]row{{ID: "a"}, {ID: "b"}}))
	require.NoError(t, c.SaveAll([]row{{ID: "c"}}))

	rows, err := c.List()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c", rows[0].ID)

	entries, err := os.ReadDir(filepath.Join(dir, "data"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, "rows.json", entries[0].Name())
}

func TestCorruptFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	st, err := New(dir, CodecJSON)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "rows.json"), []byte("{nope"), 0644))

	_, err = NewCollection[row](st, "rows").List()
	assert.Error(t, err)
}

func TestUnsupportedCodec(t *testing.T) {
	_, err := New(t.TempDir(), "xml")
	assert.Error(t, err)
}

func TestMemoryCollectionCopies(t *testing.T) {
	m := NewMemoryCollection(row{ID: "a"})
	rows, err := m.List()
	require.NoError(t, err)
	rows[0].ID = "mutated"

	again, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].ID)
}
