package endpoint

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib/internal/fdutil"
)

// Direction says which way data flows through a child descriptor.
type Direction int

const (
	// ChildReads binds a descriptor the child reads from, like stdin.
	ChildReads Direction = iota
	// ChildWrites binds a descriptor the child writes to, like stdout.
	ChildWrites
)

func (d Direction) String() string {
	if d == ChildReads {
		return "read"
	}
	return "write"
}

// Target is what a child descriptor can be bound to.
type Target interface {
	// ChildFd returns the parent descriptor to install as child
	// descriptor n. It stays valid until Release.
	ChildFd(n int, dir Direction) (int, error)
	// Release runs once after the launch attempt.
	Release(n int, dir Direction, spawned bool) error
}

// ChildFd hands out the end of the pipe matching dir, switched back to
// blocking mode for the child.
func (p *Pipe) ChildFd(_ int, dir Direction) (int, error) {
	end := p.r
	if dir == ChildWrites {
		end = p.w
	}
	fd, err := end.openFd()
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		return -1, end.wrap("set blocking", err)
	}
	return fd, nil
}

// Release closes the end the child received.
func (p *Pipe) Release(_ int, dir Direction, _ bool) error {
	if dir == ChildWrites {
		return p.w.Close()
	}
	return p.r.Close()
}

type fileTarget struct{ f *os.File }

// File binds a borrowed file. The caller keeps it open across the launch.
func File(f *os.File) Target { return fileTarget{f: f} }

func (t fileTarget) ChildFd(int, Direction) (int, error) { return int(t.f.Fd()), nil }

func (fileTarget) Release(int, Direction, bool) error { return nil }

type borrowTarget struct{ e *Endpoint }

// Borrow binds an endpoint the caller keeps owning. The child shares its
// file description, including the non-blocking flag.
func Borrow(e *Endpoint) Target { return borrowTarget{e: e} }

func (t borrowTarget) ChildFd(int, Direction) (int, error) { return t.e.openFd() }

func (borrowTarget) Release(int, Direction, bool) error { return nil }

type inheritTarget struct{}

// Inherit passes the parent's own descriptor of the same number.
func Inherit() Target { return inheritTarget{} }

func (inheritTarget) ChildFd(n int, _ Direction) (int, error) { return n, nil }

func (inheritTarget) Release(int, Direction, bool) error { return nil }

type nullTarget struct {
	mu  sync.Mutex
	fds map[int]int
}

// Null binds the null device.
func Null() Target { return &nullTarget{fds: make(map[int]int)} }

func (t *nullTarget) ChildFd(n int, dir Direction) (int, error) {
	flags := unix.O_RDONLY
	if dir == ChildWrites {
		flags = unix.O_WRONLY
	}
	fd, err := unix.Open(os.DevNull, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	t.mu.Lock()
	t.fds[n] = fd
	t.mu.Unlock()
	return fd, nil
}

func (t *nullTarget) Release(n int, _ Direction, _ bool) error {
	t.mu.Lock()
	fd, ok := t.fds[n]
	delete(t.fds, n)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return fdutil.Close(fd)
}
