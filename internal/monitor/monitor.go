// Package monitor wires one invocation together: run the checks, fold the
// results into the history, alert on transitions and publish the report.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cronwatch/internal/history"
	"cronwatch/internal/metrics"
	"cronwatch/internal/models"
	"cronwatch/internal/notify"
	"cronwatch/internal/report"
	"cronwatch/internal/storage"
)

// Executor runs a batch of commands. *runner.Runner implements it.
type Executor interface {
	RunAll(ctx context.Context, specs []models.CommandSpec, ts time.Time) []models.ExecutionResult
}

// Options configures a Monitor.
type Options struct {
	Commands    []models.CommandSpec
	Retention   history.Retention
	Executor    Executor
	Storage     *storage.FileStore
	Engine      *notify.Engine
	Reports     *report.Generator
	MetricsFile string
	// Now stamps the run. Defaults to time.Now.
	Now    func() time.Time
	Logger zerolog.Logger
}

// Monitor executes the configured checks once per call.
type Monitor struct {
	commands    []models.CommandSpec
	retention   history.Retention
	executor    Executor
	storage     *storage.FileStore
	engine      *notify.Engine
	reports     *report.Generator
	metricsFile string
	now         func() time.Time
	log         zerolog.Logger
}

// Run is the outcome of one invocation.
type Run struct {
	Timestamp time.Time
	Summary   models.Summary
	Results   []models.ExecutionResult
	Alerts    []notify.Alert
}

// New creates a monitor from options.
func New(opts Options) *Monitor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		commands:    opts.Commands,
		retention:   opts.Retention,
		executor:    opts.Executor,
		storage:     opts.Storage,
		engine:      opts.Engine,
		reports:     opts.Reports,
		metricsFile: opts.MetricsFile,
		now:         now,
		log:         opts.Logger,
	}
}

// RunOnce executes every check, persists the merged history and publishes
// the report. Check failures are data; the returned error is reserved for
// lock, history and report faults.
func (m *Monitor) RunOnce(ctx context.Context) (Run, error) {
	lock, err := m.storage.Lock(ctx)
	if err != nil {
		return Run{}, err
	}
	defer m.unlock(lock)

	store := m.storage.Load(m.retention)
	if removed := store.Purge(m.commandIDs()); len(removed) > 0 {
		m.log.Info().Strs("command_ids", removed).Msg("purged history of removed commands")
	}

	run := Run{Timestamp: m.now().UTC()}
	m.log.Info().Int("commands", len(m.commands)).Time("run_at", run.Timestamp).Msg("run started")
	run.Results = m.executor.RunAll(ctx, m.commands, run.Timestamp)
	run.Summary = models.Summarize(run.Results)

	observations := make([]notify.Observation, 0, len(run.Results))
	for i, res := range run.Results {
		name := m.commands[i].Name
		store.Merge(name, res)
		observations = append(observations, notify.Observation{Name: name, Result: res})
	}
	run.Alerts = m.engine.Evaluate(store, observations)

	if err := m.storage.Save(store); err != nil {
		return run, err
	}

	// Transitions are persisted, so deliver even if the run was interrupted.
	if err := m.engine.Dispatch(context.WithoutCancel(ctx), run.Alerts); err != nil {
		m.log.Warn().Err(err).Msg("some alerts were not delivered")
	}

	views := m.views(store)
	if err := m.reports.Write(run.Summary, views); err != nil {
		return run, err
	}
	m.writeMetrics(run, views)

	m.log.Info().
		Int("ok", run.Summary.OKCount).
		Int("err", run.Summary.ErrCount).
		Int("alerts", len(run.Alerts)).
		Msg("run finished")
	return run, nil
}

// Regenerate rewrites the report from the persisted history without running
// any check. The summary counts the status of each command's newest minute
// bucket, so a command that failed earlier in that minute counts as an error
// even if its last run passed.
func (m *Monitor) Regenerate(ctx context.Context) (models.Summary, error) {
	lock, err := m.storage.Lock(ctx)
	if err != nil {
		return models.Summary{}, err
	}
	defer m.unlock(lock)

	views := m.views(m.storage.Load(m.retention))
	var summary models.Summary
	for _, v := range views {
		latest, ok := v.Latest()
		switch {
		case !ok:
		case latest.IsError():
			summary.ErrCount++
		default:
			summary.OKCount++
		}
	}
	if err := m.reports.Write(summary, views); err != nil {
		return summary, err
	}
	return summary, nil
}

func (m *Monitor) views(store *history.Store) []history.View {
	views := make([]history.View, 0, len(m.commands))
	for _, cmd := range m.commands {
		if v, ok := store.View(cmd.ID); ok {
			views = append(views, v)
		}
	}
	return views
}

func (m *Monitor) writeMetrics(run Run, views []history.View) {
	if m.metricsFile == "" {
		return
	}
	uptimes := make(map[string]metrics.Uptime, len(views))
	for _, v := range views {
		uptimes[v.ID] = metrics.ComputeUptime(v)
	}
	checks := make([]metrics.Check, 0, len(run.Results))
	for i, res := range run.Results {
		checks = append(checks, metrics.Check{
			Name:   m.commands[i].Name,
			Result: res,
			Uptime: uptimes[res.CommandID],
		})
	}
	if err := metrics.WriteTextfile(m.metricsFile, checks, m.now()); err != nil {
		m.log.Warn().Err(err).Str("path", m.metricsFile).Msg("metrics not written")
	}
}

func (m *Monitor) commandIDs() []string {
	ids := make([]string, 0, len(m.commands))
	for _, cmd := range m.commands {
		ids = append(ids, cmd.ID)
	}
	return ids
}

func (m *Monitor) unlock(lock *storage.Lock) {
	if err := lock.Unlock(); err != nil {
		m.log.Warn().Err(fmt.Errorf("release history lock: %w", err)).Msg("unlock failed")
	}
}
