package endpoint

import (
	"fmt"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib/process"
)

// binding is the initializer that installs a target as one child
// descriptor and releases the target after the launch attempt.
type binding struct {
	n      int
	dir    Direction
	target Target
	bound  bool
}

// Stdin binds the child's standard input to t.
func Stdin(t Target) process.Initializer { return BindRead(0, t) }

// Stdout binds the child's standard output to t.
func Stdout(t Target) process.Initializer { return BindWrite(1, t) }

// Stderr binds the child's standard error to t.
func Stderr(t Target) process.Initializer { return BindWrite(2, t) }

// BindRead binds child descriptor n, which the child reads from.
func BindRead(n int, t Target) process.Initializer {
	return &binding{n: n, dir: ChildReads, target: t}
}

// BindWrite binds child descriptor n, which the child writes to.
func BindWrite(n int, t Target) process.Initializer {
	return &binding{n: n, dir: ChildWrites, target: t}
}

func (b *binding) OnSetup(lc *process.LaunchContext) error {
	fd, err := b.target.ChildFd(b.n, b.dir)
	if err != nil {
		return fmt.Errorf("bind child fd %d (%s): %w", b.n, b.dir, err)
	}
	b.bound = true
	return lc.SetFd(b.n, fd)
}

func (b *binding) OnSuccess(lc *process.LaunchContext) error {
	return b.release(lc, true)
}

func (b *binding) OnError(lc *process.LaunchContext, _ error) {
	if err := b.release(lc, false); err != nil {
		lc.Log().WithError(err).WithField("fd", b.n).Warn("failed to release descriptor target")
	}
}

func (b *binding) release(lc *process.LaunchContext, spawned bool) error {
	if !b.bound {
		return nil
	}
	b.bound = false
	if err := b.target.Release(b.n, b.dir, spawned); err != nil {
		return fmt.Errorf("release child fd %d: %w", b.n, err)
	}
	lc.Log().WithField("fd", b.n).WithField("spawned", spawned).Debug("released descriptor target")
	return nil
}
