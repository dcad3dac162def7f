package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronwatch/internal/history"
	"cronwatch/internal/models"
)

func newTestStore(t *testing.T, timeout time.Duration) *FileStore {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "data", "history.json"), timeout, zerolog.Nop())
	require.NoError(t, err)
	return fs
}

func sampleStore() *history.Store {
	s := history.New(history.DefaultRetention)
	code := 0
	s.Merge("Alpha", models.ExecutionResult{
		CommandID: "alpha",
		Command:   "true",
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Outcome:   models.OutcomeOK,
		ExitCode:  &code,
	})
	return s
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	fs := newTestStore(t, time.Second)
	store := fs.Load(history.DefaultRetention)
	assert.Empty(t, store.IDs())
}

func TestLoad_CorruptFileIsEmpty(t *testing.T) {
	fs := newTestStore(t, time.Second)
	require.NoError(t, os.WriteFile(fs.Path(), []byte("{{{ definitely not json"), 0o644))

	store := fs.Load(history.DefaultRetention)
	assert.Empty(t, store.IDs())
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	fs := newTestStore(t, time.Second)
	require.NoError(t, fs.Save(sampleStore()))

	loaded := fs.Load(history.DefaultRetention)
	assert.Equal(t, []string{"alpha"}, loaded.IDs())
	v, ok := loaded.View("alpha")
	require.True(t, ok)
	assert.Equal(t, "Alpha", v.Name)
	assert.Len(t, v.Minute, 1)
}

func TestSave_FailureIsWrapped(t *testing.T) {
	fs := newTestStore(t, time.Second)
	require.NoError(t, os.MkdirAll(filepath.Join(fs.Path(), "blocker"), 0o755))

	err := fs.Save(sampleStore())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHistorySave)
}

func TestLock_ContentionTimesOut(t *testing.T) {
	fs := newTestStore(t, 300*time.Millisecond)
	held, err := fs.Lock(context.Background())
	require.NoError(t, err)

	started := time.Now()
	_, err = fs.Lock(context.Background())
	assert.ErrorIs(t, err, ErrLocked)
	assert.GreaterOrEqual(t, time.Since(started), 300*time.Millisecond)

	require.NoError(t, held.Unlock())
	again, err := fs.Lock(context.Background())
	require.NoError(t, err)
	require.NoError(t, again.Unlock())
}

func TestLock_WaitsForRelease(t *testing.T) {
	fs := newTestStore(t, 5*time.Second)
	held, err := fs.Lock(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = held.Unlock()
	}()

	lock, err := fs.Lock(context.Background())
	require.NoError(t, err)
	require.NoError(t, lock.Unlock())
}

func TestLock_RespectsContext(t *testing.T) {
	fs := newTestStore(t, time.Minute)
	held, err := fs.Lock(context.Background())
	require.NoError(t, err)
	defer held.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = fs.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
