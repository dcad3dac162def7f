package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronwatch/internal/history"
	"cronwatch/internal/models"
	"cronwatch/internal/notify"
	"cronwatch/internal/report"
	"cronwatch/internal/storage"
)

var start = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

// scriptedExecutor returns the outcome configured per command id.
type scriptedExecutor struct {
	ok map[string]bool
}

func (s *scriptedExecutor) RunAll(_ context.Context, specs []models.CommandSpec, ts time.Time) []models.ExecutionResult {
	out := make([]models.ExecutionResult, 0, len(specs))
	for _, spec := range specs {
		code := 0
		res := models.ExecutionResult{
			CommandID: spec.ID, Command: spec.Run, Timestamp: ts,
			Outcome: models.OutcomeOK, ExitCode: &code, TimeoutSeconds: spec.TimeoutSeconds,
		}
		if !s.ok[spec.ID] {
			code = 1
			res.Outcome = models.OutcomeFailed
			res.Stderr = "broken"
		}
		out = append(out, res)
	}
	return out
}

type memorySink struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (m *memorySink) Send(_ context.Context, a notify.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *memorySink) take() []notify.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.alerts
	m.alerts = nil
	return out
}

type fixture struct {
	dir      string
	clock    time.Time
	executor *scriptedExecutor
	sink     *memorySink
	files    *storage.FileStore
	monitor  *Monitor
}

func newFixture(t *testing.T, historyPath string) *fixture {
	t.Helper()
	dir := t.TempDir()
	if historyPath == "" {
		historyPath = filepath.Join(dir, "data", "history.json")
	}
	f := &fixture{
		dir:      dir,
		clock:    start,
		executor: &scriptedExecutor{ok: map[string]bool{}},
		sink:     &memorySink{},
	}
	files, err := storage.NewFileStore(historyPath, 300*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	f.files = files

	now := func() time.Time { return f.clock }
	engine := notify.NewEngine(notify.Policy{RepeatInterval: 120 * time.Minute, NotifyOnRecovery: true}, f.sink, time.Second, zerolog.Nop())
	f.monitor = New(Options{
		Commands: []models.CommandSpec{
			{ID: "a", Name: "A", Run: "check-a", TimeoutSeconds: 60},
			{ID: "b", Name: "B", Run: "check-b", TimeoutSeconds: 60},
		},
		Retention:   history.DefaultRetention,
		Executor:    f.executor,
		Storage:     files,
		Engine:      engine,
		Reports:     report.NewGenerator(filepath.Join(dir, "www"), "Test", zerolog.Nop()).WithClock(now),
		MetricsFile: filepath.Join(dir, "metrics", "cronwatch.prom"),
		Now:         now,
		Logger:      zerolog.Nop(),
	})
	return f
}

func (f *fixture) run(t *testing.T, at time.Time, aOK, bOK bool) Run {
	t.Helper()
	f.clock = at
	f.executor.ok["a"] = aOK
	f.executor.ok["b"] = bOK
	run, err := f.monitor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, run.Summary.Total())
	return run
}

func TestRunOnce_FailureThrottleRecovery(t *testing.T) {
	f := newFixture(t, "")

	run := f.run(t, start, true, false)
	assert.Equal(t, models.Summary{OKCount: 1, ErrCount: 1}, run.Summary)
	alerts := f.sink.take()
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.AlertFailure, alerts[0].Kind)
	assert.Equal(t, "b", alerts[0].CommandID)

	f.run(t, start.Add(6*time.Minute), true, false)
	assert.Empty(t, f.sink.take())

	run = f.run(t, start.Add(130*time.Minute), true, true)
	assert.Equal(t, models.Summary{OKCount: 2}, run.Summary)
	alerts = f.sink.take()
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.AlertRecovered, alerts[0].Kind)
	assert.Equal(t, "b", alerts[0].CommandID)

	store := f.files.Load(history.DefaultRetention)
	assert.Equal(t, models.HealthHealthy, store.State("b").Health)
	assert.Equal(t, models.HealthHealthy, store.State("a").Health)
	v, ok := store.View("b")
	require.True(t, ok)
	assert.Len(t, v.Minute, 3)
}

func TestRunOnce_WritesReportAndMetrics(t *testing.T) {
	f := newFixture(t, "")
	f.run(t, start, true, false)

	raw, err := os.ReadFile(filepath.Join(f.dir, "www", report.AggregateFile))
	require.NoError(t, err)
	var doc report.Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "✘ 1/2", doc.Title)
	require.Len(t, doc.Commands, 2)
	assert.Equal(t, "a", doc.Commands[0].ID)
	assert.Equal(t, "b", doc.Commands[1].ID)

	assert.FileExists(t, filepath.Join(f.dir, "www", report.DetailsDir, "b.json"))
	metrics, err := os.ReadFile(filepath.Join(f.dir, "metrics", "cronwatch.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `cronwatch_run_checks_total{status="err"} 1`)
}

func TestRunOnce_PurgesRemovedCommands(t *testing.T) {
	f := newFixture(t, "")
	stale := history.New(history.DefaultRetention)
	stale.Merge("Old", models.ExecutionResult{CommandID: "old", Timestamp: start.Add(-time.Hour), Outcome: models.OutcomeOK})
	require.NoError(t, f.files.Save(stale))

	f.run(t, start, true, true)
	store := f.files.Load(history.DefaultRetention)
	assert.ElementsMatch(t, []string{"a", "b"}, store.IDs())
}

func TestRunOnce_HistorySaveFailureSkipsAlerts(t *testing.T) {
	historyPath := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.Mkdir(historyPath, 0o755))
	f := newFixture(t, historyPath)
	f.executor.ok["a"] = false

	_, err := f.monitor.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrHistorySave))
	assert.Empty(t, f.sink.take())
	assert.NoFileExists(t, filepath.Join(f.dir, "www", report.AggregateFile))
}

func TestRunOnce_LockedHistory(t *testing.T) {
	f := newFixture(t, "")
	held, err := f.files.Lock(context.Background())
	require.NoError(t, err)
	defer held.Unlock()

	_, err = f.monitor.RunOnce(context.Background())
	assert.ErrorIs(t, err, storage.ErrLocked)
}

func TestRegenerate_UsesPersistedHistory(t *testing.T) {
	f := newFixture(t, "")
	f.run(t, start, true, false)
	f.sink.take()
	require.NoError(t, os.RemoveAll(filepath.Join(f.dir, "www")))

	summary, err := f.monitor.Regenerate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Summary{OKCount: 1, ErrCount: 1}, summary)
	assert.FileExists(t, filepath.Join(f.dir, "www", report.AggregateFile))
	assert.Empty(t, f.sink.take())
}

func TestRegenerate_CountsNewestMinuteBucket(t *testing.T) {
	f := newFixture(t, "")
	f.run(t, start, true, false)
	run := f.run(t, start.Add(20*time.Second), true, true)
	assert.Equal(t, models.Summary{OKCount: 2}, run.Summary)

	summary, err := f.monitor.Regenerate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Summary{OKCount: 1, ErrCount: 1}, summary)
}
