//go:build unix

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"cronwatch/internal/models"
)

var runAt = time.Date(2024, 5, 6, 12, 34, 56, 0, time.UTC)

// processGone treats zombies as gone since reaping orphans is up to init.
func processGone(pid int) bool {
	if errors.Is(unix.Kill(pid, 0), unix.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(stat[bytes.LastIndexByte(stat, ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

func newTestRunner(base ...string) *Runner {
	return New(Options{BaseEnv: base, Workers: 2, Logger: zerolog.Nop()})
}

func TestRun_Success(t *testing.T) {
	r := newTestRunner()
	res := r.Run(context.Background(), models.CommandSpec{ID: "echo", Run: "echo hello; echo oops 1>&2"}, runAt)

	assert.Equal(t, models.OutcomeOK, res.Outcome)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Equal(t, "echo", res.CommandID)
	assert.Equal(t, runAt, res.Timestamp)
	assert.Equal(t, models.DefaultTimeoutSeconds, res.TimeoutSeconds)
}

func TestRun_NonZeroExit(t *testing.T) {
	r := newTestRunner()
	res := r.Run(context.Background(), models.CommandSpec{ID: "fail", Run: "exit 3"}, runAt)

	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
}

func TestRun_TimeoutKillsProcessGroup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	r := newTestRunner()
	spec := models.CommandSpec{
		ID:             "slow",
		Run:            "sleep 10 & echo $! > " + pidFile + "; wait",
		TimeoutSeconds: 1,
	}

	started := time.Now()
	res := r.Run(context.Background(), spec, runAt)

	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, models.OutcomeTimedOut, res.Outcome)
	assert.Nil(t, res.ExitCode)
	assert.Equal(t, 1, res.TimeoutSeconds)

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return processGone(pid)
	}, 3*time.Second, 50*time.Millisecond, "background child must not survive the timeout")
}

func TestRun_BackgroundChildReapedAfterSuccess(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	r := newTestRunner()
	spec := models.CommandSpec{ID: "bg", Run: "sleep 30 >/dev/null 2>&1 & echo $! > " + pidFile}

	res := r.Run(context.Background(), spec, runAt)
	assert.Equal(t, models.OutcomeOK, res.Outcome)

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return processGone(pid)
	}, 3*time.Second, 50*time.Millisecond)
}

func TestRun_SpawnErrorOnMissingWorkingDirectory(t *testing.T) {
	r := newTestRunner()
	spec := models.CommandSpec{ID: "cwd", Run: "true", Cwd: filepath.Join(t.TempDir(), "missing")}

	res := r.Run(context.Background(), spec, runAt)

	assert.Equal(t, models.OutcomeSpawnError, res.Outcome)
	assert.Nil(t, res.ExitCode)
	assert.NotEmpty(t, res.Error)
}

func TestRun_SpawnErrorOnMissingShell(t *testing.T) {
	r := New(Options{Shell: "/nonexistent/shell", Logger: zerolog.Nop()})
	res := r.Run(context.Background(), models.CommandSpec{ID: "x", Run: "true"}, runAt)

	assert.Equal(t, models.OutcomeSpawnError, res.Outcome)
}

func TestRun_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	r := newTestRunner()
	res := r.Run(context.Background(), models.CommandSpec{ID: "pwd", Run: "pwd -P", Cwd: dir}, runAt)

	require.Equal(t, models.OutcomeOK, res.Outcome)
	assert.Equal(t, resolved, strings.TrimSpace(res.Stdout))
}

func TestRun_Environment(t *testing.T) {
	r := newTestRunner("INHERITED=yes", "OVERRIDE=old")

	inherit := r.Run(context.Background(), models.CommandSpec{
		ID:  "inherit",
		Run: `printf '%s %s' "$INHERITED" "$OVERRIDE"`,
		Env: map[string]string{"OVERRIDE": "new"},
	}, runAt)
	require.Equal(t, models.OutcomeOK, inherit.Outcome)
	assert.Equal(t, "yes new", inherit.Stdout)

	cleared := r.Run(context.Background(), models.CommandSpec{
		ID:       "clear",
		Run:      `printf '%s|%s' "$INHERITED" "$ONLY"`,
		ClearEnv: true,
		Env:      map[string]string{"ONLY": "set"},
	}, runAt)
	require.Equal(t, models.OutcomeOK, cleared.Outcome)
	assert.Equal(t, "|set", cleared.Stdout)
}

func TestRun_OutputIsBounded(t *testing.T) {
	r := New(Options{MaxOutputBytes: 16, Logger: zerolog.Nop()})
	res := r.Run(context.Background(), models.CommandSpec{ID: "big", Run: "yes | head -c 10000"}, runAt)

	require.Equal(t, models.OutcomeOK, res.Outcome)
	assert.Len(t, res.Stdout, 16)
	assert.True(t, res.StdoutTruncated)
	assert.False(t, res.StderrTruncated)
}

func TestRun_IdentityOfCurrentUser(t *testing.T) {
	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())
	r := newTestRunner()
	res := r.Run(context.Background(), models.CommandSpec{ID: "id", Run: "id -u", UID: &uid, GID: &gid}, runAt)

	require.Equal(t, models.OutcomeOK, res.Outcome, res.Error)
	assert.Equal(t, strconv.Itoa(int(uid)), strings.TrimSpace(res.Stdout))
}

func TestRunAll_IsolatesChecksAndKeepsOrder(t *testing.T) {
	r := newTestRunner()
	specs := []models.CommandSpec{
		{ID: "a", Run: "true"},
		{ID: "b", Run: "exit 1"},
		{ID: "c", Run: "true", Cwd: "/nonexistent-cronwatch-dir"},
		{ID: "d", Run: "echo d"},
	}

	results := r.RunAll(context.Background(), specs, runAt)

	require.Len(t, results, 4)
	assert.Equal(t, models.OutcomeOK, results[0].Outcome)
	assert.Equal(t, models.OutcomeFailed, results[1].Outcome)
	assert.Equal(t, models.OutcomeSpawnError, results[2].Outcome)
	assert.Equal(t, models.OutcomeOK, results[3].Outcome)
	for i, res := range results {
		assert.Equal(t, specs[i].ID, res.CommandID)
	}
}

func TestBuildEnv(t *testing.T) {
	base := []string{"B=2", "A=1", "malformed", "=skip"}

	assert.Equal(t, []string{"A=1", "B=3", "C=4"}, BuildEnv(base, false, map[string]string{"B": "3", "C": "4"}))
	assert.Equal(t, []string{"C=4"}, BuildEnv(base, true, map[string]string{"C": "4"}))

	empty := BuildEnv(base, true, nil)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestCapture(t *testing.T) {
	c := newCapture(5)
	n, err := c.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = c.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	out, truncated := c.result()
	assert.Equal(t, "abcde", out)
	assert.True(t, truncated)
}
