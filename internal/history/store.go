// Package history aggregates execution results into minute, hour and day
// buckets with bounded retention.
package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"cronwatch/internal/models"
)

// FormatVersion is the on-disk layout version written by Encode.
const FormatVersion = 1

// Retention caps the number of buckets kept per tier.
type Retention struct {
	Minutes int
	Hours   int
	Days    int
}

// DefaultRetention keeps one hour of minutes, one day of hours and one week of days.
var DefaultRetention = Retention{Minutes: 60, Hours: 24, Days: 7}

func (r Retention) limit(tier models.Tier) int {
	var n int
	switch tier {
	case models.TierMinute:
		n = r.Minutes
	case models.TierHour:
		n = r.Hours
	case models.TierDay:
		n = r.Days
	}
	if n <= 0 {
		return 1
	}
	return n
}

// CommandHistory holds the bucket series and details of one command.
type CommandHistory struct {
	Name         string                            `json:"name"`
	Minute       []models.Bucket                   `json:"minute"`
	Hour         []models.Bucket                   `json:"hour"`
	Day          []models.Bucket                   `json:"day"`
	Details      map[string]models.ExecutionResult `json:"details"`
	Notification models.NotificationState          `json:"notification"`
}

func newCommandHistory(name string) *CommandHistory {
	return &CommandHistory{
		Name:         name,
		Details:      make(map[string]models.ExecutionResult),
		Notification: models.NotificationState{Health: models.HealthHealthy},
	}
}

func (h *CommandHistory) tier(t models.Tier) *[]models.Bucket {
	switch t {
	case models.TierHour:
		return &h.Hour
	case models.TierDay:
		return &h.Day
	default:
		return &h.Minute
	}
}

// Store is the in-memory history of all commands. It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	retention Retention
	commands  map[string]*CommandHistory
}

type document struct {
	Version  int                        `json:"version"`
	Commands map[string]*CommandHistory `json:"commands"`
}

// New returns an empty store.
func New(retention Retention) *Store {
	return &Store{
		retention: retention,
		commands:  make(map[string]*CommandHistory),
	}
}

// Decode parses an encoded store and re-establishes ordering and retention.
func Decode(data []byte, retention Retention) (*Store, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported history version %d", doc.Version)
	}
	s := New(retention)
	for id, h := range doc.Commands {
		if h == nil || id == "" {
			continue
		}
		if h.Details == nil {
			h.Details = make(map[string]models.ExecutionResult)
		}
		if h.Notification.Health == "" {
			h.Notification.Health = models.HealthHealthy
		}
		for _, tier := range models.Tiers {
			series := h.tier(tier)
			*series = normalize(*series, tier, retention.limit(tier))
		}
		h.prune()
		s.commands[id] = h
	}
	return s, nil
}

// Encode serializes the store.
func (s *Store) Encode() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.commands {
		h.prune()
	}
	data, err := json.MarshalIndent(document{Version: FormatVersion, Commands: s.commands}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	return data, nil
}

// Merge records a result in all tiers of its command and evicts buckets
// beyond retention.
func (s *Store) Merge(name string, res models.ExecutionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.commands[res.CommandID]
	if !ok {
		h = newCommandHistory(name)
		s.commands[res.CommandID] = h
	}
	if name != "" {
		h.Name = name
	}
	ts := res.Timestamp.UTC()
	res.Timestamp = ts
	h.Details[detailKey(ts)] = res

	for _, tier := range models.Tiers {
		series := h.tier(tier)
		*series = mergeBucket(*series, tier.Align(ts), ts, res.OK())
		*series = trim(*series, s.retention.limit(tier))
	}
	h.prune()
}

// Purge drops the history of every command not listed in keep.
func (s *Store) Purge(keep []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		wanted[id] = struct{}{}
	}
	var removed []string
	for id := range s.commands {
		if _, ok := wanted[id]; !ok {
			delete(s.commands, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// IDs returns the ids of all commands with history, sorted.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.commands))
	for id := range s.commands {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// State returns the notification state of a command. Unknown commands are healthy.
func (s *Store) State(id string) models.NotificationState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.commands[id]; ok {
		return h.Notification
	}
	return models.NotificationState{Health: models.HealthHealthy}
}

// SetState stores the notification state of a command.
func (s *Store) SetState(id string, state models.NotificationState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.commands[id]
	if !ok {
		h = newCommandHistory(id)
		s.commands[id] = h
	}
	h.Notification = state
}

// View returns a copy of the history of one command.
func (s *Store) View(id string) (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.commands[id]
	if !ok {
		return View{}, false
	}
	v := View{
		ID:           id,
		Name:         h.Name,
		Minute:       append([]models.Bucket(nil), h.Minute...),
		Hour:         append([]models.Bucket(nil), h.Hour...),
		Day:          append([]models.Bucket(nil), h.Day...),
		Details:      make(map[string]models.ExecutionResult, len(h.Details)),
		Notification: h.Notification,
	}
	for k, d := range h.Details {
		v.Details[k] = d
	}
	return v, true
}

func mergeBucket(series []models.Bucket, at, ts time.Time, ok bool) []models.Bucket {
	idx := sort.Search(len(series), func(i int) bool {
		return !series[i].Timestamp.Before(at)
	})
	if idx < len(series) && series[idx].Timestamp.Equal(at) {
		b := &series[idx]
		switch {
		case !ok:
			if !b.IsError() || !ts.Before(b.Detail) {
				b.Detail = ts
			}
			b.Status = models.StatusErr
		case !b.IsError() && !ts.Before(b.Detail):
			b.Detail = ts
		}
		return series
	}

	b := models.Bucket{Timestamp: at, Status: models.StatusOK, Detail: ts}
	if !ok {
		b.Status = models.StatusErr
	}
	series = append(series, models.Bucket{})
	copy(series[idx+1:], series[idx:])
	series[idx] = b
	return series
}

func trim(series []models.Bucket, limit int) []models.Bucket {
	if len(series) <= limit {
		return series
	}
	out := make([]models.Bucket, limit)
	copy(out, series[len(series)-limit:])
	return out
}

// normalize sorts a decoded series, re-aligns it and folds duplicates.
func normalize(series []models.Bucket, tier models.Tier, limit int) []models.Bucket {
	sort.SliceStable(series, func(i, j int) bool {
		return series[i].Timestamp.Before(series[j].Timestamp)
	})
	out := make([]models.Bucket, 0, len(series))
	for _, b := range series {
		b.Timestamp = tier.Align(b.Timestamp)
		b.Detail = b.Detail.UTC()
		if b.Status != models.StatusErr {
			b.Status = models.StatusOK
		}
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(b.Timestamp) {
			last := &out[n-1]
			if b.IsError() && (!last.IsError() || !b.Detail.Before(last.Detail)) {
				last.Detail = b.Detail
			} else if !last.IsError() && !b.Detail.Before(last.Detail) {
				last.Detail = b.Detail
			}
			if b.IsError() {
				last.Status = models.StatusErr
			}
			continue
		}
		out = append(out, b)
	}
	return trim(out, limit)
}

// prune removes details no bucket points at.
func (h *CommandHistory) prune() {
	referenced := make(map[string]struct{}, len(h.Minute)+len(h.Hour)+len(h.Day))
	for _, tier := range models.Tiers {
		for _, b := range *h.tier(tier) {
			referenced[detailKey(b.Detail)] = struct{}{}
		}
	}
	for key := range h.Details {
		if _, ok := referenced[key]; !ok {
			delete(h.Details, key)
		}
	}
}

func detailKey(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}
