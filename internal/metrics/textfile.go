// Package metrics derives uptime statistics and exports run metrics in the
// Prometheus text format for a node_exporter textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cronwatch/internal/models"
)

// Check pairs one result of the run with its command's uptime.
type Check struct {
	Name   string
	Result models.ExecutionResult
	Uptime Uptime
}

// NewRegistry builds a registry holding the metrics of one run.
func NewRegistry(checks []Check, finishedAt time.Time) *prometheus.Registry {
	up := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cronwatch_check_up",
		Help: "Whether the last run of the check succeeded (1) or not (0)",
	}, []string{"command", "name", "outcome"})
	duration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cronwatch_check_duration_seconds",
		Help: "Wall-clock duration of the last run of the check",
	}, []string{"command"})
	uptime := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cronwatch_check_uptime_ratio",
		Help: "Share of retained minute buckets without failures",
	}, []string{"command"})
	checksTotal := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cronwatch_run_checks_total",
		Help: "Number of checks in the last run by status",
	}, []string{"status"})
	lastRun := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cronwatch_last_run_timestamp_seconds",
		Help: "Unix time the last run finished",
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(up, duration, uptime, checksTotal, lastRun)

	results := make([]models.ExecutionResult, 0, len(checks))
	for _, c := range checks {
		res := c.Result
		results = append(results, res)
		value := 0.0
		if res.OK() {
			value = 1
		}
		up.WithLabelValues(res.CommandID, c.Name, string(res.Outcome)).Set(value)
		duration.WithLabelValues(res.CommandID).Set(float64(res.DurationMS) / 1000)
		uptime.WithLabelValues(res.CommandID).Set(c.Uptime.UptimePercent / 100)
	}
	summary := models.Summarize(results)
	checksTotal.WithLabelValues("ok").Set(float64(summary.OKCount))
	checksTotal.WithLabelValues("err").Set(float64(summary.ErrCount))
	lastRun.Set(float64(finishedAt.Unix()))
	return reg
}

// WriteTextfile atomically writes the run metrics to path.
func WriteTextfile(path string, checks []Check, finishedAt time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, NewRegistry(checks, finishedAt)); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
