package history

import (
	"cronwatch/internal/models"
)

// View is a read-only copy of one command's history.
type View struct {
	ID           string
	Name         string
	Minute       []models.Bucket
	Hour         []models.Bucket
	Day          []models.Bucket
	Details      map[string]models.ExecutionResult
	Notification models.NotificationState
}

// TimelineBucket is a bucket tagged with its tier.
type TimelineBucket struct {
	Tier models.Tier
	models.Bucket
}

// Tier returns the series of the given tier.
func (v View) Tier(t models.Tier) []models.Bucket {
	switch t {
	case models.TierHour:
		return v.Hour
	case models.TierDay:
		return v.Day
	default:
		return v.Minute
	}
}

// Detail returns the representative result of a bucket.
func (v View) Detail(b models.Bucket) (models.ExecutionResult, bool) {
	res, ok := v.Details[detailKey(b.Detail)]
	return res, ok
}

// Latest returns the most recent minute bucket.
func (v View) Latest() (models.Bucket, bool) {
	if len(v.Minute) == 0 {
		return models.Bucket{}, false
	}
	return v.Minute[len(v.Minute)-1], true
}

// Timeline returns the buckets shown on a status bar, oldest first: every
// minute bucket, the hour buckets starting before the oldest minute and the
// day buckets starting before the oldest hour. Timestamps are unique across
// the result.
func (v View) Timeline() []TimelineBucket {
	out := make([]TimelineBucket, 0, len(v.Day)+len(v.Hour)+len(v.Minute))
	out = appendBefore(out, models.TierDay, v.Day, v.Hour)
	out = appendBefore(out, models.TierHour, v.Hour, v.Minute)
	for _, b := range v.Minute {
		out = append(out, TimelineBucket{Tier: models.TierMinute, Bucket: b})
	}
	return out
}

func appendBefore(out []TimelineBucket, tier models.Tier, coarse, finer []models.Bucket) []TimelineBucket {
	for _, b := range coarse {
		if len(finer) > 0 && !b.Timestamp.Before(finer[0].Timestamp) {
			break
		}
		out = append(out, TimelineBucket{Tier: tier, Bucket: b})
	}
	return out
}
