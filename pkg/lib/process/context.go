package process

import (
	"context"
	"fmt"
	"os"
	"sort"
	"syscall"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib/env"
)

// Initializer contributes to one launch by implementing any subset of the
// hook interfaces below. A value implementing none of them is rejected.
type Initializer any

// SetupHook runs before the process is created. Returning an error (or
// calling LaunchContext.Fail) skips creation and runs the error hooks.
type SetupHook interface {
	OnSetup(lc *LaunchContext) error
}

// ChildSetupHook declares what the forked child does before exec. The
// actions are carried out in the child by the fork path and the trampoline.
type ChildSetupHook interface {
	OnChildSetup(cc *ChildContext) error
}

// ExecErrorHook observes an exec failure reported by the child. It runs
// before the error hooks.
type ExecErrorHook interface {
	OnExecError(lc *LaunchContext, err error)
}

// ErrorHook releases what OnSetup acquired when the launch fails. It is
// called for every initializer, including those whose setup never ran.
type ErrorHook interface {
	OnError(lc *LaunchContext, err error)
}

// SuccessHook runs after the child exists. A returned error kills and
// reaps the child and turns the launch into a failure.
type SuccessHook interface {
	OnSuccess(lc *LaunchContext) error
}

func validInitializer(init Initializer) bool {
	switch init.(type) {
	case SetupHook, ChildSetupHook, ExecErrorHook, ErrorHook, SuccessHook:
		return true
	}
	return false
}

// LaunchContext is the mutable record of one launch. It is owned by the
// launch and must not be retained by initializers past their hooks.
type LaunchContext struct {
	// ID correlates log lines of one launch.
	ID         string
	Executable string
	// Args is the full argument vector including argv[0].
	Args      []string
	Env       []string
	EnvPolicy env.Policy
	Dir       string

	// Process is set once the child exists, before the success hooks run.
	Process *Process

	ctx   context.Context
	files map[int]int
	child ChildContext
	err   error
}

func newLaunchContext(ctx context.Context, id, executable string, args []string) *LaunchContext {
	argv := make([]string, 0, len(args)+1)
	argv = append(argv, executable)
	argv = append(argv, args...)
	return &LaunchContext{
		ID:         id,
		Executable: executable,
		Args:       argv,
		Env:        os.Environ(),
		EnvPolicy:  env.Default,
		ctx:        ctx,
		files:      make(map[int]int),
		child:      ChildContext{Sys: &syscall.SysProcAttr{}, Umask: -1},
	}
}

// Context returns the context the launch was started with.
func (lc *LaunchContext) Context() context.Context { return lc.ctx }

// Log returns a logger scoped to this launch.
func (lc *LaunchContext) Log() *log.Entry {
	return log.G(lc.ctx).WithField("launch", lc.ID)
}

// Fail records err as the launch failure. The first recorded error wins.
func (lc *LaunchContext) Fail(err error) {
	if lc.err == nil && err != nil {
		lc.err = err
	}
}

// Err returns the recorded failure, if any.
func (lc *LaunchContext) Err() error { return lc.err }

// SetFd installs parentFd as descriptor n of the child. Later calls for the
// same n win. The descriptor is borrowed: the caller stays responsible for
// closing it after the launch.
func (lc *LaunchContext) SetFd(n, parentFd int) error {
	if n < 0 || parentFd < 0 {
		return fmt.Errorf("child fd %d -> parent fd %d: %w", n, parentFd, errdefs.ErrInvalidArgument)
	}
	lc.files[n] = parentFd
	return nil
}

// Fd returns the parent descriptor bound to child descriptor n.
func (lc *LaunchContext) Fd(n int) (int, bool) {
	fd, ok := lc.files[n]
	return fd, ok
}

// Child exposes the child-side actions, mainly for setup hooks that need
// to coordinate with a ChildSetupHook of their own.
func (lc *LaunchContext) Child() *ChildContext { return &lc.child }

// fileTable lays the bindings out as the dense table the fork path expects.
// Standard streams that were not bound are inherited, and holes above them
// are closed in the child.
func (lc *LaunchContext) fileTable() []uintptr {
	size := 3
	keys := make([]int, 0, len(lc.files))
	for n := range lc.files {
		keys = append(keys, n)
		if n+1 > size {
			size = n + 1
		}
	}
	sort.Ints(keys)

	table := make([]uintptr, size)
	for i := range table {
		if i < 3 {
			table[i] = uintptr(i)
		} else {
			table[i] = ^uintptr(0)
		}
	}
	for _, n := range keys {
		table[n] = uintptr(lc.files[n])
	}
	return table
}

// ChildContext is the declarative description of the forked child's setup.
type ChildContext struct {
	// Sys is applied by the fork path: process group, session, controlling
	// terminal, cgroup placement and parent-death signal live here.
	Sys *syscall.SysProcAttr
	// Umask is applied by the trampoline when non-negative.
	Umask int

	// pgidGone is asked when joining Sys.Pgid failed with EPERM. It reports
	// whether that process group has vanished, in which case the fork is
	// retried with the child leading a new group.
	pgidGone func() bool
}
