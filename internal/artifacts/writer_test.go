package artifacts

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReportNeverOverwrites(t *testing.T) {
	store := New(t.TempDir())
	asof := time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC)
	at := time.Date(2026, 1, 12, 7, 30, 0, 0, time.UTC)

	first, err := store.WriteReport("data_quality", asof, at, map[string]bool{"passed": true}, "# first\n")
	require.NoError(t, err)
	second, err := store.WriteReport("data_quality", asof, at, map[string]bool{"passed": false}, "# second\n")
	require.NoError(t, err)

	assert.NotEqual(t, first.JSON, second.JSON)
	assert.Equal(t, "data_quality_2026-01-09_20260112T073000Z.json", filepath.Base(first.JSON))
	assert.Equal(t, "data_quality_2026-01-09_20260112T073000Z_1.json", filepath.Base(second.JSON))

	body, err := os.ReadFile(first.Markdown)
	require.NoError(t, err)
	assert.Equal(t, "# first\n", string(body))
}

func TestCreateExclusiveRejectsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b.txt")
	require.NoError(t, CreateExclusive(path, []byte("one")))

	err := CreateExclusive(path, []byte("two"))
	assert.True(t, errors.Is(err, os.ErrExist))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one", string(body))

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestFanoutWriteReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, FanoutWrite(dir, map[string][]byte{"ticket.md": []byte("v1")}))
	require.NoError(t, FanoutWrite(dir, map[string][]byte{"ticket.md": []byte("v2")}))

	body, err := os.ReadFile(filepath.Join(dir, "ticket.md"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(body))

	assert.Error(t, FanoutWrite(dir, map[string][]byte{"../escape": nil}))
}

func TestCreateDirNeverReuses(t *testing.T) {
	store := New(t.TempDir())

	first, name, err := store.CreateDir("alerts", "20260112T140509Z-SCHEDULER_MISFIRE-none")
	require.NoError(t, err)
	assert.Equal(t, "20260112T140509Z-SCHEDULER_MISFIRE-none", name)
	assert.DirExists(t, first)

	second, name, err := store.CreateDir("alerts", "20260112T140509Z-SCHEDULER_MISFIRE-none")
	require.NoError(t, err)
	assert.Equal(t, "20260112T140509Z-SCHEDULER_MISFIRE-none_1", name)
	assert.NotEqual(t, first, second)
	assert.Equal(t, store.Path("alerts", name), second)
}
