package process

import (
	"os"
	"os/signal"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib/internal/fdutil"
)

// exitWatch blocks until one of a set of children may have changed state.
// Callers re-check with a non-blocking reap after every wake; a wake is
// only a hint.
//
// When every watched child has a pidfd, the watch polls them, which is a
// deadline-aware wait on the children themselves. Otherwise it subscribes
// to SIGCHLD before the caller's first check, so no exit is missed between
// the check and the wait.
type exitWatch struct {
	procs func() []*Process
	// step bounds one pidfd poll, so that members added to a group while
	// we sleep are picked up.
	step  time.Duration
	sigch chan os.Signal
}

func newExitWatch(procs func() []*Process, step time.Duration) *exitWatch {
	w := &exitWatch{procs: procs, step: step}
	if !pidfdSupported() || !allHavePidfd(procs()) {
		w.sigch = make(chan os.Signal, 1)
		signal.Notify(w.sigch, unix.SIGCHLD)
	}
	return w
}

func allHavePidfd(procs []*Process) bool {
	for _, p := range procs {
		if p.Handle() < 0 {
			return false
		}
	}
	return true
}

// wait returns after a possible state change, a wake on the channel or the
// deadline. A zero deadline never expires.
func (w *exitWatch) wait(wake <-chan struct{}, deadline time.Time) {
	timeout := time.Duration(-1)
	if !deadline.IsZero() {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return
		}
	}

	if w.sigch == nil {
		w.pollPidfds(timeout)
		return
	}

	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-w.sigch:
	case <-wake:
	case <-expired:
	}
}

func (w *exitWatch) pollPidfds(timeout time.Duration) {
	if w.step > 0 && (timeout < 0 || timeout > w.step) {
		timeout = w.step
	}
	procs := w.procs()
	fds := make([]unix.PollFd, 0, len(procs))
	for _, p := range procs {
		if fd := p.Handle(); fd >= 0 {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}
	}
	if len(fds) == 0 {
		// Nothing left to poll; a closed child is reported by the caller's
		// re-check.
		if timeout < 0 || timeout > pidfdRecheck {
			timeout = pidfdRecheck
		}
		time.Sleep(timeout)
		return
	}
	if _, err := fdutil.PollMany(fds, timeout); err != nil {
		log.L.WithError(err).Debug("pidfd poll failed")
		time.Sleep(pidfdRecheck)
	}
}

const pidfdRecheck = 10 * time.Millisecond

func (w *exitWatch) stop() {
	if w.sigch != nil {
		signal.Stop(w.sigch)
	}
}
