// Package runner executes monitored commands under identity, environment and
// deadline constraints.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cronwatch/internal/models"
)

const (
	// DefaultMaxOutputBytes caps captured stdout and stderr per stream.
	DefaultMaxOutputBytes = 64 << 10
	defaultShell          = "/bin/sh"
	defaultWaitDelay      = 2 * time.Second
)

// ErrIdentityUnsupported is returned for commands that set uid or gid on a
// platform that cannot switch credentials before exec.
var ErrIdentityUnsupported = errors.New("running commands as another uid/gid is not supported on this platform")

// Options configures a Runner.
type Options struct {
	// Shell runs the invocation string as `Shell -c <run>`.
	Shell string
	// BaseEnv is the environment snapshot inherited by commands without clear_env.
	BaseEnv        []string
	MaxOutputBytes int
	Workers        int
	// WaitDelay bounds how long Wait blocks on output pipes after the process is gone.
	WaitDelay time.Duration
	Logger    zerolog.Logger
}

// Runner executes commands and classifies their outcome.
type Runner struct {
	shell     string
	baseEnv   []string
	maxOutput int
	workers   int
	waitDelay time.Duration
	log       zerolog.Logger
}

// New creates a Runner from options, filling in defaults.
func New(opts Options) *Runner {
	r := &Runner{
		shell:     opts.Shell,
		baseEnv:   append([]string(nil), opts.BaseEnv...),
		maxOutput: opts.MaxOutputBytes,
		workers:   opts.Workers,
		waitDelay: opts.WaitDelay,
		log:       opts.Logger,
	}
	if r.shell == "" {
		r.shell = defaultShell
	}
	if r.maxOutput <= 0 {
		r.maxOutput = DefaultMaxOutputBytes
	}
	if r.workers <= 0 {
		r.workers = 1
	}
	if r.waitDelay <= 0 {
		r.waitDelay = defaultWaitDelay
	}
	return r
}

// CheckSpec rejects commands the current platform cannot run faithfully.
func CheckSpec(spec models.CommandSpec) error {
	if spec.HasIdentity() && !IdentitySupported {
		return ErrIdentityUnsupported
	}
	return nil
}

// RunAll executes every spec with at most Workers checks in flight. Results
// keep the order of specs and all carry the run timestamp ts.
func (r *Runner) RunAll(ctx context.Context, specs []models.CommandSpec, ts time.Time) []models.ExecutionResult {
	results := make([]models.ExecutionResult, len(specs))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, spec := range specs {
		g.Go(func() error {
			results[i] = r.Run(ctx, spec, ts)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Run executes one command and always returns exactly one result. The child
// and its process group are gone when Run returns.
func (r *Runner) Run(ctx context.Context, spec models.CommandSpec, ts time.Time) models.ExecutionResult {
	timeout := spec.Timeout()
	res := models.ExecutionResult{
		CommandID:      spec.ID,
		Command:        spec.Run,
		Timestamp:      ts.UTC(),
		TimeoutSeconds: int(timeout / time.Second),
	}
	log := r.log.With().Str("command_id", spec.ID).Logger()

	if err := CheckSpec(spec); err != nil {
		return spawnFailure(res, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.shell, "-c", spec.Run)
	cmd.Dir = spec.Cwd
	cmd.Env = BuildEnv(r.baseEnv, spec.ClearEnv, spec.Env)
	stdout := newCapture(r.maxOutput)
	stderr := newCapture(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := configureProcess(cmd, spec); err != nil {
		return spawnFailure(res, err)
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = r.waitDelay

	log.Debug().Str("run", spec.Run).Dur("timeout", timeout).Msg("starting command")
	started := time.Now()
	if err := cmd.Start(); err != nil {
		res = spawnFailure(res, err)
		log.Warn().Err(err).Msg("command could not start")
		return res
	}
	waitErr := cmd.Wait()
	_ = killProcessGroup(cmd)

	res.DurationMS = time.Since(started).Milliseconds()
	res.Stdout, res.StdoutTruncated = stdout.result()
	res.Stderr, res.StderrTruncated = stderr.result()
	classify(&res, cmd, waitErr, runCtx.Err())

	event := log.Info()
	if !res.OK() {
		event = log.Warn()
	}
	event.Str("outcome", string(res.Outcome)).Int64("duration_ms", res.DurationMS).Msg("command finished")
	return res
}

func classify(res *models.ExecutionResult, cmd *exec.Cmd, waitErr, ctxErr error) {
	if waitErr != nil && errors.Is(ctxErr, context.DeadlineExceeded) {
		res.Outcome = models.OutcomeTimedOut
		res.Error = fmt.Sprintf("timed out after %ds", res.TimeoutSeconds)
		return
	}
	if waitErr != nil && errors.Is(ctxErr, context.Canceled) {
		res.Outcome = models.OutcomeFailed
		res.ExitCode = intPtr(-1)
		res.Error = "interrupted before completion"
		return
	}

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil, errors.Is(waitErr, exec.ErrWaitDelay) && code == 0:
		res.Outcome = models.OutcomeOK
		res.ExitCode = intPtr(0)
	case errors.As(waitErr, &exitErr):
		res.Outcome = models.OutcomeFailed
		res.ExitCode = intPtr(exitErr.ExitCode())
		if exitErr.ExitCode() < 0 {
			res.Error = exitErr.Error()
		}
	default:
		res.Outcome = models.OutcomeFailed
		res.ExitCode = intPtr(code)
		res.Error = waitErr.Error()
	}
}

func spawnFailure(res models.ExecutionResult, err error) models.ExecutionResult {
	res.Outcome = models.OutcomeSpawnError
	res.ExitCode = nil
	res.Error = err.Error()
	return res
}

// BuildEnv computes the child environment from a base snapshot, the clear
// flag and explicit overrides. The result is sorted by key and never nil.
func BuildEnv(base []string, clearEnv bool, vars map[string]string) []string {
	env := make(map[string]string, len(base)+len(vars))
	if !clearEnv {
		for _, kv := range base {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				continue
			}
			env[key] = value
		}
	}
	for key, value := range vars {
		env[key] = value
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out
}

func intPtr(v int) *int {
	return &v
}
