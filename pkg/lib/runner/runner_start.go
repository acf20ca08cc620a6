package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/endpoint"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/output_storage"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/process"
)

type StartResult struct {
	ID     string
	pid    int
	Status *lib.ProcessStatus
}

// Start starts a new process, returning its generated identifier and initial status.
func (runner *Runner) Start(command string, args ...string) (*StartResult, error) {
	if command == "" {
		return nil, errors.New("command is required")
	}
	processId := lib.NewID()
	workDir := filepath.Join(runner.baseDir, processId)
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return nil, err
	}

	var groupOpts []process.GroupOption
	if runner.cgroupRoot != "" {
		groupOpts = append(groupOpts, process.WithCgroup(runner.cgroupRoot))
	}
	group, err := process.NewGroup(groupOpts...)
	if err != nil {
		return nil, err
	}

	stdout := output_storage.RunNewOutputStorage()
	stderr := output_storage.RunNewOutputStorage()

	log := logger.WithField("id", processId)
	log.Debug("starting process")
	proc, err := runner.launcher.Launch(context.Background(), command, args,
		process.SearchPath(),
		process.Dir(workDir),
		group.Join(),
		endpoint.Stdin(endpoint.Null()),
		endpoint.Stdout(endpoint.Capture(stdout)),
		endpoint.Stderr(endpoint.Capture(stderr)),
	)
	if err != nil {
		log.WithError(err).Debug("failed to start process")
		_ = group.Close()
		return nil, err
	}

	processEntry := &processEntry{
		id:      processId,
		command: lib.Command{Command: command, Args: append([]string(nil), args...)},
		group:   group,
		proc:    proc,
		workDir: workDir,
		state:   lib.ProcessStateRunning,
		start:   time.Now(),
		done:    make(chan struct{}),
		stdout:  stdout,
		stderr:  stderr,
		pid:     proc.Pid(),
	}

	// Waiter
	go func() {
		defer close(processEntry.done)

		st, err := proc.Wait()
		if err != nil {
			log.WithError(err).Warn("wait failed")
		} else {
			log.WithField("status", st.String()).Debug("process finished")
		}
		// Reaped already, so this only releases the pidfd.
		if err := proc.Close(); err != nil {
			log.WithError(err).Warn("failed to close process")
		}

		processEntry.mu.Lock()
		if err == nil {
			code := st.ExitCode()
			processEntry.exitCode = &code
			processEntry.state = st.State
		} else {
			processEntry.state = lib.ProcessStateTerminated
		}
		now := time.Now()
		processEntry.end = &now
		processEntry.mu.Unlock()

		// Leftover descendants go with the group.
		if err := group.Close(); err != nil && !errors.Is(err, lib.ErrNotFound) {
			log.WithError(err).Warn("failed to close process group")
		}
	}()

	runner.mu.Lock()
	runner.processes[processId] = processEntry
	runner.mu.Unlock()

	status := processEntry.lockAndGetStatus()

	return &StartResult{ID: processId, pid: proc.Pid(), Status: &status}, nil
}
