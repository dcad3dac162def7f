// Package notify decides when operators are alerted about command state
// changes and delivers those alerts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cronwatch/internal/models"
)

const (
	maxTitleLength   = 250
	maxMessageLength = 1024
	// DefaultDeliveryTimeout bounds a single alert delivery.
	DefaultDeliveryTimeout = 10 * time.Second
)

// ErrDelivery wraps alert delivery failures.
var ErrDelivery = errors.New("deliver alert")

// AlertKind names the transition an alert reports.
type AlertKind string

const (
	AlertNone         AlertKind = ""
	AlertFailure      AlertKind = "failure"
	AlertStillFailing AlertKind = "still_failing"
	AlertRecovered    AlertKind = "recovered"
)

// Policy configures throttling and recovery alerts.
type Policy struct {
	// RepeatInterval is the minimum time between "still failing" alerts.
	// Zero means a failing command is only reported once.
	RepeatInterval   time.Duration
	NotifyOnRecovery bool
}

// Alert is one message for the alert sink.
type Alert struct {
	Kind        AlertKind
	CommandID   string
	CommandName string
	Title       string
	Message     string
	At          time.Time
}

// Sink delivers alerts. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, alert Alert) error
}

// StateStore holds notification state per command.
type StateStore interface {
	State(id string) models.NotificationState
	SetState(id string, state models.NotificationState)
}

// Observation is the newest result of a command in this run.
type Observation struct {
	Name   string
	Result models.ExecutionResult
}

// Decide applies one result to a notification state and returns the alert to
// send, if any, together with the next state.
func Decide(p Policy, st models.NotificationState, ok bool, now time.Time) (AlertKind, models.NotificationState) {
	if !st.Failing() {
		if ok {
			st.Health = models.HealthHealthy
			return AlertNone, st
		}
		return AlertFailure, models.NotificationState{
			Health:              models.HealthFailing,
			ConsecutiveFailures: 1,
			LastNotifiedAt:      timePtr(now),
		}
	}

	if ok {
		next := models.NotificationState{Health: models.HealthHealthy, LastNotifiedAt: st.LastNotifiedAt}
		if !p.NotifyOnRecovery {
			return AlertNone, next
		}
		next.LastNotifiedAt = timePtr(now)
		return AlertRecovered, next
	}

	st.ConsecutiveFailures++
	if p.RepeatInterval > 0 && (st.LastNotifiedAt == nil || now.Sub(*st.LastNotifiedAt) >= p.RepeatInterval) {
		st.LastNotifiedAt = timePtr(now)
		return AlertStillFailing, st
	}
	return AlertNone, st
}

// Engine evaluates transitions and dispatches the resulting alerts.
type Engine struct {
	policy  Policy
	sink    Sink
	timeout time.Duration
	log     zerolog.Logger
}

// NewEngine creates an engine delivering to sink with a per-alert timeout.
func NewEngine(policy Policy, sink Sink, timeout time.Duration, log zerolog.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	return &Engine{policy: policy, sink: sink, timeout: timeout, log: log}
}

// Evaluate advances the state of every observed command in store and returns
// the alerts those transitions call for.
func (e *Engine) Evaluate(store StateStore, observations []Observation) []Alert {
	var alerts []Alert
	for _, obs := range observations {
		res := obs.Result
		prev := store.State(res.CommandID)
		kind, next := Decide(e.policy, prev, res.OK(), res.Timestamp)
		store.SetState(res.CommandID, next)

		e.log.Debug().
			Str("command_id", res.CommandID).
			Str("from", string(prev.Health)).
			Str("to", string(next.Health)).
			Int("failures", next.ConsecutiveFailures).
			Str("alert", string(kind)).
			Msg("notification transition")
		if kind == AlertNone {
			continue
		}
		alerts = append(alerts, buildAlert(kind, obs, next))
	}
	return alerts
}

// Dispatch sends every alert once, concurrently, each under its own timeout.
// Failures are logged and returned joined; they never affect state.
func (e *Engine) Dispatch(ctx context.Context, alerts []Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	errs := make([]error, len(alerts))
	var g errgroup.Group
	for i, alert := range alerts {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			log := e.log.With().Str("command_id", alert.CommandID).Str("alert", string(alert.Kind)).Logger()
			if err := e.sink.Send(sendCtx, alert); err != nil {
				errs[i] = fmt.Errorf("%w for %s: %w", ErrDelivery, alert.CommandID, err)
				log.Error().Err(err).Msg("alert delivery failed")
				return nil
			}
			log.Info().Msg("alert sent")
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func buildAlert(kind AlertKind, obs Observation, st models.NotificationState) Alert {
	res := obs.Result
	name := obs.Name
	if name == "" {
		name = res.CommandID
	}
	alert := Alert{
		Kind:        kind,
		CommandID:   res.CommandID,
		CommandName: name,
		At:          res.Timestamp,
	}
	switch kind {
	case AlertFailure:
		alert.Title = "New failure of " + name
		alert.Message = describeFailure(res)
	case AlertStillFailing:
		alert.Title = fmt.Sprintf("Still failing: %s (%d runs)", name, st.ConsecutiveFailures)
		alert.Message = describeFailure(res)
	case AlertRecovered:
		alert.Title = "Back from failure on " + name
		alert.Message = fmt.Sprintf("%s\nsucceeded at %s", res.Command, res.Timestamp.UTC().Format(time.RFC1123))
	}
	alert.Title = truncate(alert.Title, maxTitleLength)
	alert.Message = truncate(alert.Message, maxMessageLength)
	return alert
}

func describeFailure(res models.ExecutionResult) string {
	var b strings.Builder
	b.WriteString(res.Command)
	b.WriteByte('\n')
	switch res.Outcome {
	case models.OutcomeTimedOut:
		fmt.Fprintf(&b, "Timeout %ds", res.TimeoutSeconds)
	case models.OutcomeSpawnError:
		b.WriteString(res.Error)
	default:
		if res.ExitCode != nil {
			fmt.Fprintf(&b, "exit code %d", *res.ExitCode)
		}
		if res.Error != "" {
			b.WriteString("\n" + res.Error)
		}
		b.WriteString("\n>>>STDERR\n" + res.Stderr)
		b.WriteString("\n>>>STDOUT\n" + res.Stdout)
	}
	return b.String()
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}
