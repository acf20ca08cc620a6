package process

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/internal/fdutil"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/reactor"
)

// Process is a launched child. It is attached by default: Close terminates
// a child that is still running. All methods are safe for concurrent use.
//
// Every reap goes through a non-blocking wait4 under mu, so concurrent
// waiters (including the child's Group) observe exactly one exit record.
type Process struct {
	pid int
	log *log.Entry

	mu          sync.Mutex
	pidfd       int
	status      lib.ExitStatus
	exited      bool
	attached    bool
	closed      bool
	terminating bool
	group       *Group
	kicks       []func()
	done        chan struct{}
}

func newProcess(pid int, logger *log.Entry) *Process {
	return &Process{
		pid:      pid,
		log:      logger.WithField("pid", pid),
		pidfd:    openPidfd(pid),
		status:   lib.ExitStatus{State: lib.ProcessStateRunning},
		attached: true,
		done:     make(chan struct{}),
	}
}

func (p *Process) Pid() int { return p.pid }

// Handle returns the pidfd, or -1 when the platform or kernel has none or
// the process was closed.
func (p *Process) Handle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pidfd
}

func (p *Process) Attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

// Detach makes Close release the process without signalling it.
func (p *Process) Detach() {
	p.mu.Lock()
	p.attached = false
	p.mu.Unlock()
}

// Status returns the cached status without reaping.
func (p *Process) Status() lib.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Group returns the group the process belongs to, if any.
func (p *Process) Group() *Group {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.group
}

// Running polls the child without blocking.
func (p *Process) Running() (bool, error) {
	_, exited, err := p.TryWait()
	return !exited && err == nil, err
}

// TryWait reaps the child if it has exited. It never blocks.
func (p *Process) TryWait() (lib.ExitStatus, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.Status(), false, lib.ErrNotFound
	}
	p.mu.Unlock()
	return p.reap()
}

// reap is TryWait without the closed check, for the group and the
// launcher's rollback.
func (p *Process) reap() (lib.ExitStatus, bool, error) {
	p.mu.Lock()
	if p.exited {
		st := p.status
		p.mu.Unlock()
		return st, true, nil
	}
	var ws unix.WaitStatus
	wpid, err := wait4(p.pid, &ws, unix.WNOHANG)
	if err != nil {
		st := p.status
		p.mu.Unlock()
		return st, false, fmt.Errorf("wait %d: %w", p.pid, err)
	}
	if wpid == 0 {
		st := p.status
		p.mu.Unlock()
		return st, false, nil
	}

	st := classify(ws, p.terminating)
	p.status = st
	p.exited = true
	close(p.done)
	g, kicks := p.group, p.kicks
	p.kicks = nil
	p.mu.Unlock()

	p.log.WithField("status", st.String()).Debug("reaped")
	if g != nil {
		g.noteExit(p, st)
	}
	for _, kick := range kicks {
		kick()
	}
	return st, true, nil
}

// Wait blocks until the child exits and returns its status. Repeated calls
// return the cached status.
func (p *Process) Wait() (lib.ExitStatus, error) {
	st, _, err := p.WaitUntil(time.Time{})
	return st, err
}

// WaitFor waits at most d. ok is false on timeout, leaving the child running.
func (p *Process) WaitFor(d time.Duration) (st lib.ExitStatus, ok bool, err error) {
	return p.WaitUntil(time.Now().Add(d))
}

// WaitUntil waits until the child exits or the deadline passes. A zero
// deadline waits indefinitely.
func (p *Process) WaitUntil(deadline time.Time) (lib.ExitStatus, bool, error) {
	if st, ok, err := p.TryWait(); ok || err != nil {
		return st, ok, err
	}
	w := newExitWatch(func() []*Process { return []*Process{p} }, 0)
	defer w.stop()
	for {
		st, ok, err := p.TryWait()
		if ok || err != nil {
			return st, ok, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return st, false, nil
		}
		w.wait(p.done, deadline)
	}
}

// Signal sends sig to the child.
func (p *Process) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return lib.ErrNotFound
	}
	return p.signalLocked(sig)
}

func (p *Process) signalLocked(sig syscall.Signal) error {
	if p.exited {
		return lib.ErrAlreadyExited
	}
	// The pid cannot be recycled while we hold mu and have not reaped it.
	if err := unix.Kill(p.pid, sig); err != nil {
		return fmt.Errorf("signal %d %s: %w", p.pid, sig, err)
	}
	return nil
}

// Interrupt sends SIGINT without waiting.
func (p *Process) Interrupt() error { return p.Signal(unix.SIGINT) }

// RequestExit sends SIGTERM without waiting.
func (p *Process) RequestExit() error { return p.Signal(unix.SIGTERM) }

// Terminate kills the child and reaps it. It is a no-op on an exited child.
func (p *Process) Terminate() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return lib.ErrNotFound
	}
	p.mu.Unlock()
	if err := p.kill(); err != nil {
		return err
	}
	_, err := p.Wait()
	return err
}

// kill marks the child as terminated on purpose and sends SIGKILL.
func (p *Process) kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminating = true
	err := p.signalLocked(unix.SIGKILL)
	if errors.Is(err, lib.ErrAlreadyExited) {
		return nil
	}
	return err
}

// Close terminates an attached child that is still running, then releases
// the pidfd. A detached child is left alone. Close is idempotent.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	terminate := p.attached && !p.exited
	p.mu.Unlock()

	var err error
	if terminate {
		p.log.Debug("terminating on close")
		if err = p.kill(); err == nil {
			_, _, err = p.waitInternal()
		}
	}

	p.mu.Lock()
	p.closed = true
	fd := p.pidfd
	p.pidfd = -1
	p.mu.Unlock()
	return errors.Join(err, fdutil.Close(fd))
}

// waitInternal is Wait without the closed check.
func (p *Process) waitInternal() (lib.ExitStatus, bool, error) {
	w := newExitWatch(func() []*Process { return []*Process{p} }, 0)
	defer w.stop()
	for {
		st, ok, err := p.reap()
		if ok || err != nil {
			return st, ok, err
		}
		w.wait(p.done, time.Time{})
	}
}

// AsyncWait completes handler on r's goroutine once the child has exited.
// With a pidfd the reactor watches it; otherwise every SIGCHLD re-checks.
// A cancelled wait completes with lib.ErrCancelled.
func (p *Process) AsyncWait(r *reactor.Reactor, handler func(lib.ExitStatus, error)) (reactor.OpID, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, lib.ErrNotFound
	}
	fd := p.pidfd
	p.mu.Unlock()

	perform := func() bool {
		st, ok, err := p.reap()
		if err != nil {
			handler(st, err)
			return true
		}
		if !ok {
			return false
		}
		handler(st, nil)
		return true
	}
	abort := func(err error) { handler(p.Status(), err) }

	var (
		id  reactor.OpID
		err error
	)
	if fd >= 0 {
		id, err = r.WaitFD(fd, reactor.Readable, perform, abort)
	} else {
		id, err = r.WaitSignal(unix.SIGCHLD, perform, abort)
	}
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	if !p.exited {
		p.kicks = append(p.kicks, func() { r.Kick(id) })
	}
	p.mu.Unlock()
	return id, nil
}

func classify(ws unix.WaitStatus, terminating bool) lib.ExitStatus {
	switch {
	case ws.Exited():
		return lib.ExitStatus{State: lib.ProcessStateExited, Code: ws.ExitStatus()}
	case ws.Signaled():
		sig := ws.Signal()
		if terminating && sig == unix.SIGKILL {
			return lib.ExitStatus{State: lib.ProcessStateTerminated, Signal: sig}
		}
		return lib.ExitStatus{State: lib.ProcessStateSignaled, Signal: sig}
	default:
		return lib.ExitStatus{State: lib.ProcessStateUnspecified}
	}
}

func wait4(pid int, ws *unix.WaitStatus, options int) (int, error) {
	for {
		wpid, err := unix.Wait4(pid, ws, options, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return wpid, err
	}
}
