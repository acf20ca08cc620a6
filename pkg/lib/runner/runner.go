package runner

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/output_storage"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/process"
)

var logger = log.L.WithField("component", "runner")

// Runner manages processes started by this library.
type Runner struct {
	mu        sync.RWMutex
	processes map[string]*processEntry
	baseDir   string

	cgroupRoot string
	launcher   *process.Launcher
}

type processEntry struct {
	id      string
	command lib.Command
	group   *process.Group
	proc    *process.Process
	workDir string

	// status fields
	mu       sync.RWMutex
	state    lib.ProcessState
	exitCode *int
	start    time.Time
	end      *time.Time
	done     chan struct{}
	// output buffer (full replay)
	stdout *output_storage.OutputStorage
	stderr *output_storage.OutputStorage
	pid    int
}

type Option func(*Runner)

// WithCgroupRoot puts every process in its own cgroup under root. An empty
// root disables cgroups. Without root privileges or cgroup v2 the runner
// tracks processes by process group only.
func WithCgroupRoot(root string) Option {
	return func(r *Runner) { r.cgroupRoot = root }
}

// WithLauncher starts processes through l, so its default initializers
// apply to every process.
func WithLauncher(l *process.Launcher) Option {
	return func(r *Runner) { r.launcher = l }
}

// NewRunner creates a new Runner.
func NewRunner(opts ...Option) (*Runner, error) {
	baseDir, err := os.MkdirTemp("", "prn-*")
	if err != nil {
		return nil, err
	}

	r := &Runner{
		processes:  make(map[string]*processEntry),
		baseDir:    baseDir,
		cgroupRoot: process.DefaultCgroupRoot,
		launcher:   process.NewLauncher(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close stops every running process and removes the working directories.
func (runner *Runner) Close() error {
	runner.mu.Lock()
	entries := make([]*processEntry, 0, len(runner.processes))
	for _, pe := range runner.processes {
		entries = append(entries, pe)
	}
	runner.processes = make(map[string]*processEntry)
	runner.mu.Unlock()

	var errs []error
	for _, pe := range entries {
		if err := pe.group.Terminate(); err != nil && !errors.Is(err, lib.ErrNotFound) {
			errs = append(errs, err)
		}
		<-pe.done
	}
	if err := os.RemoveAll(runner.baseDir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
