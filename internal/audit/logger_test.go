package audit

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestNewLogger_Disabled(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, logger.Enabled())
	assert.Empty(t, logger.Path())

	logger.Record(Entry{Action: ActionModeForced})
	assert.NoError(t, logger.Rotate())
	assert.NoError(t, logger.Close())
}

func TestNilLoggerIsNoop(t *testing.T) {
	var logger *Logger
	assert.NotPanics(t, func() {
		logger.ModeSwitch(ActionModeRecovered, "local", "cloud", "", "", time.Now())
		logger.TaskBlocked("write_code", "qwen", "blocked", time.Now())
		_ = logger.Close()
	})
}

func TestNewLogger_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	logger, err := NewLogger(Config{Enabled: true, LogPath: path})
	require.NoError(t, err)
	defer logger.Close()

	assert.DirExists(t, filepath.Dir(path))
	assert.Equal(t, path, logger.Path())
}

func TestModeSwitchAndTaskBlocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{Enabled: true, LogPath: path})
	require.NoError(t, err)

	at := time.UnixMilli(1700000000000).UTC()
	logger.ModeSwitch(ActionModeSwitchLocal, "cloud", "local", "qwen2.5:7b", "429 Too Many Requests", at)
	logger.TaskBlocked("write_code", "qwen2.5:7b", "confirmation required", at)
	require.NoError(t, logger.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)

	assert.Equal(t, ActionModeSwitchLocal, entries[0].Action)
	assert.Equal(t, "cloud", entries[0].FromMode)
	assert.Equal(t, "local", entries[0].ToMode)
	assert.Equal(t, "429 Too Many Requests", entries[0].Reason)
	assert.True(t, at.Equal(entries[0].Timestamp))

	assert.Equal(t, ActionTaskBlocked, entries[1].Action)
	assert.Empty(t, entries[1].ToMode)
	assert.Equal(t, "write_code", entries[1].Details["intent"])
}

func TestRecord_SetsTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{Enabled: true, LogPath: path})
	require.NoError(t, err)

	before := time.Now()
	logger.Record(Entry{Action: ActionModeForced, ToMode: "local"})
	require.NoError(t, logger.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Timestamp.Before(before.Truncate(time.Second)))
}

func TestRecord_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{Enabled: true, LogPath: path})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.TaskBlocked("edit_file", "qwen", "blocked", time.Now())
		}()
	}
	wg.Wait()
	require.NoError(t, logger.Close())

	assert.Len(t, readEntries(t, path), 20)
}
