// Package report renders the history into the JSON documents read by the
// status page.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cronwatch/internal/fsutil"
	"cronwatch/internal/history"
	"cronwatch/internal/metrics"
	"cronwatch/internal/models"
)

const (
	// AggregateFile is the name of the run-wide document in the output directory.
	AggregateFile = "report.json"
	// DetailsDir holds one detail document per command.
	DetailsDir = "details"
)

// ErrReportWrite wraps every failure to write a report artifact.
var ErrReportWrite = errors.New("write report")

// Document is the aggregate report.
type Document struct {
	Summary     models.Summary `json:"summary"`
	Title       string         `json:"title"`
	Name        string         `json:"name"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Commands    []Command      `json:"commands"`
}

// Command is the bar series of one command.
type Command struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	UptimePercent float64 `json:"uptimePercent"`
	Entries       []Entry `json:"entries"`
}

// Entry is one bar element.
type Entry struct {
	Tier      models.Tier `json:"tier"`
	Timestamp time.Time   `json:"timestamp"`
	Label     string      `json:"label"`
	IsError   bool        `json:"isError"`
}

// Detail is the drill-down of one bar element.
type Detail struct {
	Command        string `json:"command"`
	ExitCode       *int   `json:"exitCode,omitempty"`
	TimeoutSeconds *int   `json:"timeoutSeconds,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	Stdout         string `json:"stdout,omitempty"`
	Stderr         string `json:"stderr,omitempty"`
}

// DetailDocument maps bar timestamps (RFC 3339) to details.
type DetailDocument map[string]Detail

// Generator writes report artifacts into an output directory.
type Generator struct {
	outputDir string
	name      string
	now       func() time.Time
	log       zerolog.Logger
}

// NewGenerator creates a generator for the named site.
func NewGenerator(outputDir, name string, log zerolog.Logger) *Generator {
	return &Generator{
		outputDir: outputDir,
		name:      name,
		now:       time.Now,
		log:       log,
	}
}

// WithClock overrides the generation timestamp source.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Build assembles the aggregate document and the detail documents keyed by command id.
func (g *Generator) Build(summary models.Summary, views []history.View) (Document, map[string]DetailDocument) {
	doc := Document{
		Summary:     summary,
		Title:       StatusLine(summary),
		Name:        g.name,
		GeneratedAt: g.now().UTC(),
		Commands:    make([]Command, 0, len(views)),
	}
	details := make(map[string]DetailDocument, len(views))
	for _, v := range views {
		timeline := v.Timeline()
		cmd := Command{
			ID:            v.ID,
			Name:          v.Name,
			UptimePercent: metrics.ComputeUptime(v).UptimePercent,
			Entries:       make([]Entry, 0, len(timeline)),
		}
		dd := make(DetailDocument)
		for i, b := range timeline {
			cmd.Entries = append(cmd.Entries, Entry{
				Tier:      b.Tier,
				Timestamp: b.Timestamp,
				Label:     b.Tier.Label(b.Timestamp),
				IsError:   b.IsError(),
			})
			// Only failures and the newest bucket get a drill-down.
			if !b.IsError() && i != len(timeline)-1 {
				continue
			}
			if res, ok := v.Detail(b.Bucket); ok {
				dd[b.Timestamp.UTC().Format(time.RFC3339)] = NewDetail(res)
			}
		}
		doc.Commands = append(doc.Commands, cmd)
		details[v.ID] = dd
	}
	return doc, details
}

// Write builds and atomically writes all artifacts. Detail documents of
// commands no longer reported are removed.
func (g *Generator) Write(summary models.Summary, views []history.View) error {
	doc, details := g.Build(summary, views)

	for id, dd := range details {
		if err := writeJSON(filepath.Join(g.outputDir, DetailsDir, id+".json"), dd); err != nil {
			return fmt.Errorf("%w: details of %s: %w", ErrReportWrite, id, err)
		}
	}
	if err := writeJSON(filepath.Join(g.outputDir, AggregateFile), doc); err != nil {
		return fmt.Errorf("%w: %w", ErrReportWrite, err)
	}
	g.removeStale(details)

	g.log.Info().
		Str("output_dir", g.outputDir).
		Int("commands", len(doc.Commands)).
		Msg("report written")
	return nil
}

func (g *Generator) removeStale(current map[string]DetailDocument) {
	dir := filepath.Join(g.outputDir, DetailsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() {
			continue
		}
		if _, keep := current[id]; keep {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			g.log.Warn().Err(err).Str("file", e.Name()).Msg("remove stale detail document")
		}
	}
}

// NewDetail converts a result into its drill-down form.
func NewDetail(res models.ExecutionResult) Detail {
	d := Detail{
		Command:      res.Command,
		ErrorMessage: res.Error,
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
	}
	switch res.Outcome {
	case models.OutcomeTimedOut:
		timeout := res.TimeoutSeconds
		d.TimeoutSeconds = &timeout
	case models.OutcomeOK, models.OutcomeFailed:
		if res.ExitCode != nil {
			code := *res.ExitCode
			d.ExitCode = &code
		}
	}
	return d
}

// StatusLine renders the summary as "✔ 3/3" or "✘ 2/3".
func StatusLine(s models.Summary) string {
	mark := "✔"
	if s.ErrCount > 0 {
		mark = "✘"
	}
	return fmt.Sprintf("%s %d/%d", mark, s.OKCount, s.Total())
}

func writeJSON(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}
