package models

import "time"

// Tier is an aggregation granularity of the history.
type Tier string

const (
	TierMinute Tier = "minute"
	TierHour   Tier = "hour"
	TierDay    Tier = "day"
)

// Tiers lists granularities from finest to coarsest.
var Tiers = []Tier{TierMinute, TierHour, TierDay}

// Align returns the UTC start of the tier period containing ts.
func (t Tier) Align(ts time.Time) time.Time {
	ts = ts.UTC()
	switch t {
	case TierHour:
		return ts.Truncate(time.Hour)
	case TierDay:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return ts.Truncate(time.Minute)
	}
}

var weekdayLabels = [...]string{"Su", "Mo", "Tu", "We", "Th", "Fr", "Sa"}

// Label renders the short bar label for a bucket starting at ts.
func (t Tier) Label(ts time.Time) string {
	ts = ts.UTC()
	switch t {
	case TierHour:
		return ts.Format("15")
	case TierDay:
		return weekdayLabels[ts.Weekday()]
	default:
		return ts.Format("04")
	}
}

// BucketStatus is the aggregated status of a bucket.
type BucketStatus string

const (
	StatusOK  BucketStatus = "ok"
	StatusErr BucketStatus = "err"
)

// Bucket aggregates all results of one command within a tier period.
type Bucket struct {
	Timestamp time.Time    `json:"timestamp"`
	Status    BucketStatus `json:"status"`
	// Detail is the run timestamp of the representative result.
	Detail time.Time `json:"detail"`
}

// IsError reports whether any result in the bucket was non-ok.
func (b Bucket) IsError() bool {
	return b.Status == StatusErr
}
