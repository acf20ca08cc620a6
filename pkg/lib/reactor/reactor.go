// Package reactor implements a single-threaded cooperative event loop.
//
// Operations are registered against a descriptor becoming ready or a signal
// being delivered. Every operation is owned by the reactor's arena and is
// referred to by an OpID; completion handlers capture the ID instead of
// sharing ownership of the operation. Handlers only ever run inside Run,
// one at a time, on the goroutine that called Run.
//
// Registration, Post, Kick and Cancel may be called from any goroutine.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/internal/fdutil"
)

// Interest selects the readiness an fd operation waits for.
type Interest int16

const (
	Readable Interest = Interest(unix.POLLIN)
	Writable Interest = Interest(unix.POLLOUT)
)

var (
	ErrClosed         = errors.New("reactor is closed")
	ErrAlreadyRunning = errors.New("reactor is already running")
)

// PerformFunc attempts an operation once. It returns true when the
// operation completed (and has invoked its own completion handler), or
// false to stay armed until the next event.
type PerformFunc func() bool

// AbortFunc completes an operation that will never perform, with the reason.
type AbortFunc func(err error)

type opKind int

const (
	kindFD opKind = iota + 1
	kindSignal
)

type op struct {
	kind     opKind
	fd       int
	interest Interest
	sig      syscall.Signal
	perform  PerformFunc
	abort    AbortFunc
}

type slot struct {
	gen  uint32
	live bool
	op   op
}

// Reactor is an event loop instance. The zero value is not usable; call New.
type Reactor struct {
	mu      sync.Mutex
	slots   []slot
	free    []uint32
	live    int
	posted  []func()
	kicks   []OpID
	cancels []OpID

	sigch      chan os.Signal
	subscribed map[syscall.Signal]bool
	delivered  map[syscall.Signal]bool

	// wakeMu keeps wakeW open for the duration of a wake.
	wakeMu       sync.RWMutex
	wakeR, wakeW int
	running      atomic.Bool
	closed       bool
}

// New allocates the wake pipe and the reactor's private signal channel.
func New() (*Reactor, error) {
	r, w, err := fdutil.Pipe()
	if err != nil {
		return nil, fmt.Errorf("reactor wake pipe: %w", err)
	}
	if err := unix.SetNonblock(r, true); err != nil {
		fdutil.Close(r)
		fdutil.Close(w)
		return nil, err
	}
	if err := unix.SetNonblock(w, true); err != nil {
		fdutil.Close(r)
		fdutil.Close(w)
		return nil, err
	}

	reactor := &Reactor{
		wakeR:      r,
		wakeW:      w,
		sigch:      make(chan os.Signal, 8),
		subscribed: make(map[syscall.Signal]bool),
		delivered:  make(map[syscall.Signal]bool),
	}
	go reactor.forwardSignals()
	return reactor, nil
}

func (r *Reactor) forwardSignals() {
	for s := range r.sigch {
		sig, ok := s.(syscall.Signal)
		if !ok {
			continue
		}
		r.mu.Lock()
		r.delivered[sig] = true
		r.mu.Unlock()
		r.wake()
	}
}

func (r *Reactor) wake() {
	r.wakeMu.RLock()
	defer r.wakeMu.RUnlock()
	if r.wakeW < 0 {
		return
	}
	// A full pipe already guarantees a pending wakeup.
	_, _ = unix.Write(r.wakeW, []byte{0})
}

func (r *Reactor) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// WaitFD arms an operation that performs whenever fd reports the interest.
// The first attempt happens on the next loop iteration without waiting.
func (r *Reactor) WaitFD(fd int, interest Interest, perform PerformFunc, abort AbortFunc) (OpID, error) {
	if fd < 0 {
		return 0, lib.ErrNotFound
	}
	return r.register(op{kind: kindFD, fd: fd, interest: interest, perform: perform, abort: abort})
}

// WaitSignal arms an operation that performs after every delivery of sig to
// this process. The reactor subscribes to sig on first use and keeps the
// subscription until Close.
func (r *Reactor) WaitSignal(sig syscall.Signal, perform PerformFunc, abort AbortFunc) (OpID, error) {
	return r.register(op{kind: kindSignal, sig: sig, perform: perform, abort: abort})
}

func (r *Reactor) register(o op) (OpID, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	if o.kind == kindSignal && !r.subscribed[o.sig] {
		r.subscribed[o.sig] = true
		signal.Notify(r.sigch, o.sig)
	}
	id := r.alloc(o)
	r.kicks = append(r.kicks, id)
	r.mu.Unlock()

	r.wake()
	return id, nil
}

// Post queues fn to run on the reactor goroutine.
func (r *Reactor) Post(fn func()) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.posted = append(r.posted, fn)
	r.mu.Unlock()
	r.wake()
	return nil
}

// Kick schedules one extra attempt of the operation. It is how producers
// outside the reactor's event sources (e.g. a reap done by another
// goroutine) nudge a waiting operation.
func (r *Reactor) Kick(id OpID) {
	r.mu.Lock()
	if r.closed || r.lookup(id) == nil {
		r.mu.Unlock()
		return
	}
	r.kicks = append(r.kicks, id)
	r.mu.Unlock()
	r.wake()
}

// Cancel completes the operation with lib.ErrCancelled on the reactor
// goroutine. The underlying descriptor is left open. It reports whether
// the operation was still pending.
func (r *Reactor) Cancel(id OpID) bool {
	r.mu.Lock()
	if r.closed || r.lookup(id) == nil {
		r.mu.Unlock()
		return false
	}
	r.cancels = append(r.cancels, id)
	r.mu.Unlock()
	r.wake()
	return true
}

// Pending returns the number of armed operations.
func (r *Reactor) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// Run dispatches events until no operation or posted function remains, or
// ctx is done. Only one Run may be active per reactor.
func (r *Reactor) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	stop := context.AfterFunc(ctx, r.wake)
	defer stop()

	for {
		if err := r.dispatchQueued(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.idle() {
			return nil
		}
		if err := r.pollOnce(); err != nil {
			return err
		}
	}
}

func (r *Reactor) idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live == 0 && len(r.posted) == 0 && len(r.kicks) == 0 && len(r.cancels) == 0
}

// dispatchQueued runs everything that was queued without waiting on the
// kernel: posted functions, cancellations, kicks and signal deliveries.
func (r *Reactor) dispatchQueued() error {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrClosed
		}
		posted, kicks, cancels := r.posted, r.kicks, r.cancels
		r.posted, r.kicks, r.cancels = nil, nil, nil
		var signalled []OpID
		if len(r.delivered) > 0 {
			for i := range r.slots {
				s := &r.slots[i]
				if s.live && s.op.kind == kindSignal && r.delivered[s.op.sig] {
					signalled = append(signalled, makeOpID(uint32(i), s.gen))
				}
			}
			clear(r.delivered)
		}
		r.mu.Unlock()

		if len(posted) == 0 && len(kicks) == 0 && len(cancels) == 0 && len(signalled) == 0 {
			return nil
		}

		for _, fn := range posted {
			fn()
		}
		for _, id := range cancels {
			if o, ok := r.take(id); ok && o.abort != nil {
				o.abort(lib.ErrCancelled)
			}
		}
		for _, id := range kicks {
			r.attempt(id)
		}
		for _, id := range signalled {
			r.attempt(id)
		}
	}
}

// attempt performs a live operation and frees its slot once it completes.
func (r *Reactor) attempt(id OpID) {
	r.mu.Lock()
	s := r.lookup(id)
	if s == nil {
		r.mu.Unlock()
		return
	}
	perform := s.op.perform
	r.mu.Unlock()

	if !perform() {
		return
	}
	r.mu.Lock()
	if r.lookup(id) != nil {
		r.release(id)
	}
	r.mu.Unlock()
}

func (r *Reactor) take(id OpID) (op, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.lookup(id)
	if s == nil {
		return op{}, false
	}
	o := s.op
	r.release(id)
	return o, true
}

func (r *Reactor) pollOnce() error {
	r.mu.Lock()
	fds := []unix.PollFd{{Fd: int32(r.wakeR), Events: unix.POLLIN}}
	ids := []OpID{0}
	for i := range r.slots {
		s := &r.slots[i]
		if s.live && s.op.kind == kindFD {
			fds = append(fds, unix.PollFd{Fd: int32(s.op.fd), Events: int16(s.op.interest)})
			ids = append(ids, makeOpID(uint32(i), s.gen))
		}
	}
	r.mu.Unlock()

	n, err := unix.Poll(fds, -1)
	if errors.Is(err, unix.EINTR) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reactor poll: %w", err)
	}
	if n == 0 {
		return nil
	}
	if fds[0].Revents != 0 {
		r.drainWake()
	}
	for i := 1; i < len(fds); i++ {
		if fds[i].Revents == 0 {
			continue
		}
		if fds[i].Revents&unix.POLLNVAL != 0 {
			log.L.WithField("fd", fds[i].Fd).Debug("reactor: descriptor closed under a pending operation")
			if o, ok := r.take(ids[i]); ok && o.abort != nil {
				o.abort(fmt.Errorf("fd %d: %w", fds[i].Fd, lib.ErrNotFound))
			}
			continue
		}
		r.attempt(ids[i])
	}
	return nil
}

// Close tears down the signal subscription and the wake pipe. Operations
// still armed are aborted with lib.ErrCancelled on the calling goroutine.
// Close must not be called while Run is active.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	if r.running.Load() {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.closed = true
	var aborts []AbortFunc
	for i := range r.slots {
		s := &r.slots[i]
		if s.live {
			if s.op.abort != nil {
				aborts = append(aborts, s.op.abort)
			}
			r.release(makeOpID(uint32(i), s.gen))
		}
	}
	r.posted = nil
	r.mu.Unlock()

	signal.Stop(r.sigch)
	close(r.sigch)

	for _, abort := range aborts {
		abort(lib.ErrCancelled)
	}

	r.wakeMu.Lock()
	defer r.wakeMu.Unlock()
	err := errors.Join(fdutil.Close(r.wakeR), fdutil.Close(r.wakeW))
	r.wakeR, r.wakeW = -1, -1
	return err
}
