// Package endpoint provides named byte-stream descriptors (pipes, pty
// masters, files) with blocking and reactor-driven I/O, and the targets
// that bind them to a child's descriptors at launch.
package endpoint

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/internal/fdutil"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/reactor"
)

// Endpoint owns one descriptor in non-blocking mode. Blocking reads and
// writes wait with poll(2); async ones wait on a reactor.
type Endpoint struct {
	name string

	mu       sync.Mutex
	fd       int
	eioIsEOF bool
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// EIOIsEOF treats EIO on read as end of stream. A pty master reports EIO
// once the last replica descriptor is closed.
func EIOIsEOF() Option {
	return func(e *Endpoint) { e.eioIsEOF = true }
}

// New takes ownership of fd and switches it to non-blocking mode.
func New(name string, fd int, opts ...Option) (*Endpoint, error) {
	if fd < 0 {
		return nil, fmt.Errorf("endpoint %s: invalid descriptor %d: %w", name, fd, lib.ErrNotFound)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", name, err)
	}
	e := &Endpoint{name: name, fd: fd}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Endpoint) Name() string { return e.name }

// Fd returns the descriptor, or -1 after Close.
func (e *Endpoint) Fd() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fd
}

func (e *Endpoint) openFd() (int, error) {
	fd := e.Fd()
	if fd < 0 {
		return -1, fmt.Errorf("endpoint %s: %w", e.name, lib.ErrNotFound)
	}
	return fd, nil
}

// Read blocks until at least one byte is available or the stream ends.
// It returns io.EOF at end of stream.
func (e *Endpoint) Read(p []byte) (int, error) {
	for {
		n, done, err := e.readOnce(p)
		if done {
			return n, err
		}
		fd, err := e.openFd()
		if err != nil {
			return 0, err
		}
		if _, err := fdutil.Poll(fd, unix.POLLIN, -1); err != nil {
			return 0, e.wrap("poll", err)
		}
	}
}

// readOnce attempts one non-blocking read. done is false when the read
// would block.
func (e *Endpoint) readOnce(p []byte) (n int, done bool, err error) {
	fd, err := e.openFd()
	if err != nil {
		return 0, true, err
	}
	if len(p) == 0 {
		return 0, true, nil
	}
	n, err = fdutil.Read(fd, p)
	switch {
	case errors.Is(err, unix.EAGAIN):
		return 0, false, nil
	case errors.Is(err, unix.EIO) && e.eioIsEOF:
		return 0, true, io.EOF
	case err != nil:
		return 0, true, e.wrap("read", err)
	case n == 0:
		return 0, true, io.EOF
	}
	return n, true, nil
}

// Write blocks until all of p is written.
func (e *Endpoint) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, done, err := e.writeOnce(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if done {
			continue
		}
		fd, err := e.openFd()
		if err != nil {
			return total, err
		}
		if _, err := fdutil.Poll(fd, unix.POLLOUT, -1); err != nil {
			return total, e.wrap("poll", err)
		}
	}
	return total, nil
}

func (e *Endpoint) writeOnce(p []byte) (n int, done bool, err error) {
	fd, err := e.openFd()
	if err != nil {
		return 0, true, err
	}
	n, err = fdutil.Write(fd, p)
	switch {
	case errors.Is(err, unix.EAGAIN):
		return 0, false, nil
	case err != nil:
		return 0, true, e.wrap("write", err)
	}
	return n, true, nil
}

// Buffered returns the number of bytes that can be read without blocking.
func (e *Endpoint) Buffered() (int, error) {
	fd, err := e.openFd()
	if err != nil {
		return 0, err
	}
	n, err := unix.IoctlGetInt(fd, fionread)
	if err != nil {
		return 0, e.wrap("FIONREAD", err)
	}
	return n, nil
}

// Dup returns an independent endpoint on a duplicate of the descriptor.
func (e *Endpoint) Dup() (*Endpoint, error) {
	fd, err := e.openFd()
	if err != nil {
		return nil, err
	}
	dup, err := fdutil.Dup(fd)
	if err != nil {
		return nil, e.wrap("dup", err)
	}
	e.mu.Lock()
	eio := e.eioIsEOF
	e.mu.Unlock()
	return &Endpoint{name: e.name, fd: dup, eioIsEOF: eio}, nil
}

// Close releases the descriptor. Close is idempotent.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	fd := e.fd
	e.fd = -1
	e.mu.Unlock()
	if fd < 0 {
		return nil
	}
	return e.wrap("close", fdutil.Close(fd))
}

func (e *Endpoint) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("endpoint %s: %s: %w", e.name, op, err)
}

// IsPeerClosed reports whether err means the other side of the stream is
// gone.
func IsPeerClosed(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}

// AsyncRead completes handler with one chunk read into p, or io.EOF.
func (e *Endpoint) AsyncRead(r *reactor.Reactor, p []byte, handler func(n int, err error)) (reactor.OpID, error) {
	fd, err := e.openFd()
	if err != nil {
		return 0, err
	}
	return r.WaitFD(fd, reactor.Readable, func() bool {
		n, done, err := e.readOnce(p)
		if !done {
			return false
		}
		handler(n, err)
		return true
	}, func(err error) { handler(0, err) })
}

// AsyncWrite completes handler after one write of a prefix of p.
func (e *Endpoint) AsyncWrite(r *reactor.Reactor, p []byte, handler func(n int, err error)) (reactor.OpID, error) {
	fd, err := e.openFd()
	if err != nil {
		return 0, err
	}
	return r.WaitFD(fd, reactor.Writable, func() bool {
		n, done, err := e.writeOnce(p)
		if !done {
			return false
		}
		handler(n, err)
		return true
	}, func(err error) { handler(0, err) })
}

const readChunk = 4096

// AsyncReadAll reads until end of stream and completes handler with
// everything read. End of stream is success.
func (e *Endpoint) AsyncReadAll(r *reactor.Reactor, handler func(data []byte, err error)) (reactor.OpID, error) {
	fd, err := e.openFd()
	if err != nil {
		return 0, err
	}
	var data []byte
	return r.WaitFD(fd, reactor.Readable, func() bool {
		for {
			buf := make([]byte, readChunk)
			n, done, err := e.readOnce(buf)
			if !done {
				return false
			}
			data = append(data, buf[:n]...)
			if errors.Is(err, io.EOF) {
				handler(data, nil)
				return true
			}
			if err != nil {
				handler(data, err)
				return true
			}
		}
	}, func(err error) { handler(data, err) })
}

// AsyncWriteAll writes all of p, completing handler with the count.
func (e *Endpoint) AsyncWriteAll(r *reactor.Reactor, p []byte, handler func(n int, err error)) (reactor.OpID, error) {
	fd, err := e.openFd()
	if err != nil {
		return 0, err
	}
	total := 0
	return r.WaitFD(fd, reactor.Writable, func() bool {
		for total < len(p) {
			n, done, err := e.writeOnce(p[total:])
			total += n
			if err != nil {
				handler(total, err)
				return true
			}
			if !done {
				return false
			}
		}
		handler(total, nil)
		return true
	}, func(err error) { handler(total, err) })
}
