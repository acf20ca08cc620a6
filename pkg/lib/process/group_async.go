package process

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/reactor"
)

// AsyncWaitOne completes handler on r's goroutine with the next member
// exit. The operation re-arms on every SIGCHLD and is also kicked when a
// member is reaped by another waiter.
func (g *Group) AsyncWaitOne(r *reactor.Reactor, handler func(Exit, error)) (reactor.OpID, error) {
	return g.asyncWait(r, func() bool {
		e, ok, err := g.TryWaitOne()
		if err != nil {
			handler(Exit{}, err)
			return true
		}
		if !ok {
			return false
		}
		handler(e, nil)
		return true
	}, func(err error) { handler(Exit{}, err) })
}

// AsyncWaitAll completes handler once every member has been reaped.
func (g *Group) AsyncWaitAll(r *reactor.Reactor, handler func(error)) (reactor.OpID, error) {
	return g.asyncWait(r, func() bool {
		for {
			_, ok, err := g.TryWaitOne()
			if errors.Is(err, lib.ErrNotFound) && g.Len() == 0 {
				handler(nil)
				return true
			}
			if err != nil {
				handler(err)
				return true
			}
			if !ok {
				return false
			}
		}
	}, handler)
}

func (g *Group) asyncWait(r *reactor.Reactor, perform reactor.PerformFunc, abort reactor.AbortFunc) (reactor.OpID, error) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return 0, lib.ErrNotFound
	}

	var (
		key uint64
		id  reactor.OpID
	)
	ready := make(chan struct{})
	key = g.addKick(func() {
		<-ready
		r.Kick(id)
	})
	wrappedPerform := func() bool {
		if !perform() {
			return false
		}
		g.removeKick(key)
		return true
	}
	wrappedAbort := func(err error) {
		g.removeKick(key)
		abort(err)
	}

	id, err := r.WaitSignal(unix.SIGCHLD, wrappedPerform, wrappedAbort)
	close(ready)
	if err != nil {
		g.removeKick(key)
		return 0, err
	}
	return id, nil
}
