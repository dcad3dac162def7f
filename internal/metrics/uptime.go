package metrics

import (
	"math"
	"time"

	"cronwatch/internal/history"
)

// Uptime summarises the retained minute buckets of a command.
type Uptime struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	UptimePercent float64 `json:"uptime_percent"`
	TotalBuckets  int     `json:"total_buckets"`
	Passing       int     `json:"passing"`
	Failing       int     `json:"failing"`
	LastState     string  `json:"last_state,omitempty"`
	LastUpdated   string  `json:"last_updated,omitempty"`
}

// ComputeUptime derives uptime statistics from a command history view.
func ComputeUptime(v history.View) Uptime {
	result := Uptime{ID: v.ID, Name: v.Name}
	for _, b := range v.Minute {
		if b.IsError() {
			result.Failing++
		} else {
			result.Passing++
		}
	}
	result.TotalBuckets = result.Passing + result.Failing
	if result.TotalBuckets > 0 {
		result.UptimePercent = round2(float64(result.Passing) / float64(result.TotalBuckets) * 100)
	}
	if latest, ok := v.Latest(); ok {
		result.LastState = string(latest.Status)
		result.LastUpdated = latest.Detail.UTC().Format(time.RFC3339)
	}
	return result
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
