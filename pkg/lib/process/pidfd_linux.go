package process

import (
	"sync"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

var pidfdProbe struct {
	once sync.Once
	ok   bool
}

// pidfdSupported reports whether the kernel implements pidfd_open. The
// probe runs once per process.
func pidfdSupported() bool {
	pidfdProbe.once.Do(func() {
		fd, err := unix.PidfdOpen(unix.Getpid(), 0)
		if err != nil {
			log.L.WithError(err).Debug("pidfd unavailable, falling back to SIGCHLD")
			return
		}
		unix.Close(fd)
		pidfdProbe.ok = true
	})
	return pidfdProbe.ok
}

func openPidfd(pid int) int {
	if !pidfdSupported() {
		return -1
	}
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		log.L.WithError(err).WithField("pid", pid).Debug("pidfd_open failed")
		return -1
	}
	return fd
}
