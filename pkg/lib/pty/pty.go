// Package pty allocates pseudo-terminals and attaches them to children as
// their controlling terminal.
package pty

import (
	"errors"
	"fmt"
	"sync"

	"github.com/containerd/console"
	"golang.org/x/sys/unix"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/endpoint"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/internal/fdutil"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/process"
)

// Pty is a master/replica pair. The master is read and written by the
// parent; the replica becomes stdin, stdout and stderr of an attached child.
type Pty struct {
	console console.Console
	master  *endpoint.Endpoint
	replica string

	mu     sync.Mutex
	closed bool
}

// Open allocates a pty with the given window size.
func Open(cols, rows uint16) (*Pty, error) {
	c, replica, err := console.NewPty()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	fd, err := fdutil.Dup(int(c.Fd()))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("dup pty master: %w", err)
	}
	master, err := endpoint.New("pty:"+replica, fd, endpoint.EIOIsEOF())
	if err != nil {
		fdutil.Close(fd)
		c.Close()
		return nil, err
	}
	p := &Pty{console: c, master: master, replica: replica}
	if cols > 0 && rows > 0 {
		if err := p.Resize(cols, rows); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

// Master returns the parent's side of the terminal. Reading it after the
// child side is gone yields io.EOF.
func (p *Pty) Master() *endpoint.Endpoint { return p.master }

// ReplicaPath is the device path of the child's side, e.g. /dev/pts/3.
func (p *Pty) ReplicaPath() string { return p.replica }

func (p *Pty) check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("pty %s: %w", p.replica, lib.ErrNotFound)
	}
	return nil
}

func (p *Pty) Resize(cols, rows uint16) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.console.Resize(console.WinSize{Width: cols, Height: rows})
}

func (p *Pty) Size() (cols, rows uint16, err error) {
	if err := p.check(); err != nil {
		return 0, 0, err
	}
	ws, err := p.console.Size()
	if err != nil {
		return 0, 0, err
	}
	return ws.Width, ws.Height, nil
}

// SetEcho turns echoing of input on the terminal on or off.
func (p *Pty) SetEcho(on bool) error { return p.setLflag(unix.ECHO, on) }

func (p *Pty) Echo() (bool, error) { return p.lflag(unix.ECHO) }

// SetLineBuffered switches between canonical (line) and raw input.
func (p *Pty) SetLineBuffered(on bool) error { return p.setLflag(unix.ICANON, on) }

func (p *Pty) LineBuffered() (bool, error) { return p.lflag(unix.ICANON) }

func (p *Pty) lflag(flag uint64) (bool, error) {
	fd, err := p.masterFd()
	if err != nil {
		return false, err
	}
	t, err := unix.IoctlGetTermios(fd, getTermios)
	if err != nil {
		return false, fmt.Errorf("get termios: %w", err)
	}
	return uint64(t.Lflag)&flag != 0, nil
}

func (p *Pty) setLflag(flag uint64, on bool) error {
	fd, err := p.masterFd()
	if err != nil {
		return err
	}
	t, err := unix.IoctlGetTermios(fd, getTermios)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}
	if on {
		t.Lflag |= lflagT(flag)
	} else {
		t.Lflag &^= lflagT(flag)
	}
	if err := unix.IoctlSetTermios(fd, setTermios, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

func (p *Pty) masterFd() (int, error) {
	if err := p.check(); err != nil {
		return -1, err
	}
	fd := p.master.Fd()
	if fd < 0 {
		return -1, fmt.Errorf("pty %s: %w", p.replica, lib.ErrNotFound)
	}
	return fd, nil
}

// Close releases the master. An attached child sees a hangup.
func (p *Pty) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return errors.Join(p.master.Close(), p.console.Close())
}

// Attach returns an initializer that makes the replica the child's
// standard streams and controlling terminal. The child starts a new
// session, so it cannot also join a process group of another session.
func (p *Pty) Attach() process.Initializer { return &attach{pty: p, fd: -1} }

type attach struct {
	pty *Pty
	fd  int
}

func (a *attach) OnSetup(lc *process.LaunchContext) error {
	if err := a.pty.check(); err != nil {
		return err
	}
	fd, err := unix.Open(a.pty.replica, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", a.pty.replica, err)
	}
	a.fd = fd
	for n := 0; n < 3; n++ {
		if err := lc.SetFd(n, fd); err != nil {
			return err
		}
	}
	return nil
}

func (a *attach) OnChildSetup(cc *process.ChildContext) error {
	cc.Sys.Setsid = true
	cc.Sys.Setctty = true
	cc.Sys.Ctty = 0
	return nil
}

func (a *attach) OnSuccess(*process.LaunchContext) error {
	return a.release()
}

func (a *attach) OnError(lc *process.LaunchContext, _ error) {
	if err := a.release(); err != nil {
		lc.Log().WithError(err).Warn("failed to close pty replica")
	}
}

func (a *attach) release() error {
	fd := a.fd
	a.fd = -1
	return fdutil.Close(fd)
}
