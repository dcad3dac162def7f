package models

import (
	"time"
)

// DefaultTimeoutSeconds applies when a command does not configure a timeout.
const DefaultTimeoutSeconds = 60

// CommandSpec defines a monitored command.
type CommandSpec struct {
	ID             string            `yaml:"id" json:"id" validate:"omitempty,max=128"`
	Name           string            `yaml:"name" json:"name" validate:"required"`
	Run            string            `yaml:"run" json:"run" validate:"required"`
	TimeoutSeconds int               `yaml:"timeout" json:"timeout" validate:"gte=0,lte=86400"`
	UID            *uint32           `yaml:"uid" json:"uid,omitempty"`
	GID            *uint32           `yaml:"gid" json:"gid,omitempty"`
	Cwd            string            `yaml:"cwd" json:"cwd,omitempty"`
	ClearEnv       bool              `yaml:"clear_env" json:"clear_env,omitempty"`
	Env            map[string]string `yaml:"env" json:"env,omitempty"`
}

// Timeout returns the execution deadline of the command.
func (c CommandSpec) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HasIdentity reports whether the command runs under a target uid or gid.
func (c CommandSpec) HasIdentity() bool {
	return c.UID != nil || c.GID != nil
}

// OutcomeKind classifies how a command execution ended.
type OutcomeKind string

const (
	OutcomeOK         OutcomeKind = "ok"
	OutcomeFailed     OutcomeKind = "failed"
	OutcomeTimedOut   OutcomeKind = "timed_out"
	OutcomeSpawnError OutcomeKind = "spawn_error"
)

// ExecutionResult captures the outcome of a single command execution.
type ExecutionResult struct {
	CommandID       string      `json:"command_id"`
	Command         string      `json:"command"`
	Timestamp       time.Time   `json:"timestamp"`
	Outcome         OutcomeKind `json:"outcome"`
	ExitCode        *int        `json:"exit_code,omitempty"`
	TimeoutSeconds  int         `json:"timeout_seconds"`
	Error           string      `json:"error,omitempty"`
	Stdout          string      `json:"stdout,omitempty"`
	Stderr          string      `json:"stderr,omitempty"`
	StdoutTruncated bool        `json:"stdout_truncated,omitempty"`
	StderrTruncated bool        `json:"stderr_truncated,omitempty"`
	DurationMS      int64       `json:"duration_ms"`
}

// OK reports whether the command exited with code zero.
func (r ExecutionResult) OK() bool {
	return r.Outcome == OutcomeOK
}

// Summary counts outcomes of one invocation.
type Summary struct {
	OKCount  int `json:"okCount"`
	ErrCount int `json:"errCount"`
}

// Total returns the number of commands counted.
func (s Summary) Total() int {
	return s.OKCount + s.ErrCount
}

// Summarize counts ok and non-ok results.
func Summarize(results []ExecutionResult) Summary {
	var s Summary
	for _, r := range results {
		if r.OK() {
			s.OKCount++
		} else {
			s.ErrCount++
		}
	}
	return s
}

// Health is the notification health of a command.
type Health string

const (
	HealthHealthy Health = "healthy"
	HealthFailing Health = "failing"
)

// NotificationState tracks what operators have been told about a command.
type NotificationState struct {
	Health              Health     `json:"health"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastNotifiedAt      *time.Time `json:"last_notified_at,omitempty"`
}

// Failing reports whether the command is in the failing state.
func (s NotificationState) Failing() bool {
	return s.Health == HealthFailing
}
