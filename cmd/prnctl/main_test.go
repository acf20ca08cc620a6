package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moby/sys/reexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/term"
)

func TestMain(m *testing.M) {
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetIn(strings.NewReader(stdin))
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exit *exitError
	require.True(t, errors.As(err, &exit), "want exit error, got %v", err)
	return exit.code
}

func TestRunReportsExitCode(t *testing.T) {
	_, err := execute(t, "", "run", "--", "sh", "-c", "exit 3")
	assert.Equal(t, 3, exitCode(t, err))

	_, err = execute(t, "", "run", "--", "true")
	assert.NoError(t, err)
}

func TestRunAppliesEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "", "run", "--env", "PRN_TEST=yes", "--dir", dir, "--",
		"sh", "-c", `test "$PRN_TEST" = yes && test "$(pwd -P)" = "$(cd "$0" && pwd -P)"`, dir)
	assert.NoError(t, err)

	_, err = execute(t, "", "run", "--env", "BROKEN", "--", "true")
	assert.ErrorContains(t, err, "KEY=VALUE")
}

func TestRunTimeoutTerminates(t *testing.T) {
	start := time.Now()
	_, err := execute(t, "", "run", "--timeout", "200ms", "--", "sleep", "10")
	assert.Equal(t, 128+9, exitCode(t, err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunMissingExecutable(t *testing.T) {
	_, err := execute(t, "", "run", "--", "prn-definitely-missing")
	require.Error(t, err)
	var exit *exitError
	assert.False(t, errors.As(err, &exit))
}

func TestRunWithPty(t *testing.T) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		t.Skip("stdin is a terminal")
	}
	out, err := execute(t, "", "run", "--pty", "--", "sh", "-c", "test -t 0 && echo tty")
	require.NoError(t, err)
	assert.Contains(t, out, "tty\r\n")
}

func writeJobs(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestGroupPrintsExitsInOrder(t *testing.T) {
	path := writeJobs(t, `
jobs:
  - name: slow
    command: [sh, -c, "sleep 0.4; exit 2"]
  - name: fast
    command: [sh, -c, "exit 0"]
  - command: [sh, -c, "sleep 0.2; test \"$PRN_JOB\" = mid"]
    env:
      PRN_JOB: mid
`)
	out, err := execute(t, "", "group", "-f", path)
	assert.Equal(t, 1, exitCode(t, err))

	fast := strings.Index(out, "| fast ")
	mid := strings.Index(out, "| sh ")
	slow := strings.Index(out, "| slow ")
	require.True(t, fast >= 0 && mid >= 0 && slow >= 0, out)
	assert.Less(t, fast, mid)
	assert.Less(t, mid, slow)
	assert.Contains(t, out, "EXIT CODE")
	assert.Equal(t, 1, strings.Count(out, "| NAME"))
}

func TestGroupTimeoutTerminatesRest(t *testing.T) {
	path := writeJobs(t, `
timeout: 10s
jobs:
  - name: quick
    command: ["true"]
  - name: stuck
    command: [sleep, "10"]
`)
	start := time.Now()
	out, err := execute(t, "", "group", "-f", path, "--timeout", "300ms")
	assert.Equal(t, 124, exitCode(t, err))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, out, "quick")
	assert.Contains(t, out, "Terminated")
}

func TestLoadJobsRejectsBadFiles(t *testing.T) {
	_, err := loadJobs(writeJobs(t, "jobs: []\n"))
	assert.ErrorContains(t, err, "no jobs")

	_, err = loadJobs(writeJobs(t, "jobs:\n  - name: x\n"))
	assert.ErrorContains(t, err, "no command")

	jf, err := loadJobs(writeJobs(t, "timeout: nope\njobs:\n  - command: [\"true\"]\n"))
	require.NoError(t, err)
	assert.Equal(t, "true", jf.Jobs[0].Name)
	_, err = jf.timeout()
	assert.Error(t, err)
}

func TestHelperCommand(t *testing.T) {
	out, err := execute(t, "abc\n", "helper", "upper")
	require.NoError(t, err)
	assert.Equal(t, "ABC\n", out)

	_, err = execute(t, "", "helper", "exit-code", "5")
	assert.Equal(t, 5, exitCode(t, err))
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := execute(t, "", "--log-level", "loud", "run", "--", "true")
	assert.Error(t, err)

	t.Setenv(logLevelEnv, "debug")
	_, err = execute(t, "", "run", "--", "true")
	assert.NoError(t, err)
	t.Setenv(logLevelEnv, "bogus")
	_, err = execute(t, "", "run", "--", "true")
	assert.Error(t, err)
}
