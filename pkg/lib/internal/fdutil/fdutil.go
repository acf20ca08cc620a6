// Package fdutil wraps the raw descriptor syscalls shared by the launcher,
// endpoints and the reactor.
package fdutil

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// Read retries on EINTR.
func Read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// Write retries on EINTR.
func Write(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// ReadFull reads until p is full, EOF or an error. A short count with a nil
// error means the writer closed its end.
func ReadFull(fd int, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := Read(fd, p[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
	return total, nil
}

// Poll waits until fd reports any of events or the timeout elapses. A
// negative timeout blocks indefinitely. It returns the reported revents,
// which are zero on timeout.
func Poll(fd int, events int16, timeout time.Duration) (int16, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := PollMany(fds, timeout)
	if err != nil || n == 0 {
		return 0, err
	}
	return fds[0].Revents, nil
}

// PollMany polls several descriptors, retrying on EINTR with the remaining
// timeout.
func PollMany(fds []unix.PollFd, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		ms := -1
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			// Round up so that a sub-millisecond remainder still sleeps.
			ms = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, err
	}
}

// Close ignores EINTR, after which the descriptor is released on every
// platform we support.
func Close(fd int) error {
	if fd < 0 {
		return nil
	}
	err := unix.Close(fd)
	if errors.Is(err, unix.EINTR) {
		return nil
	}
	return err
}

// Dup duplicates fd with close-on-exec set.
func Dup(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}
