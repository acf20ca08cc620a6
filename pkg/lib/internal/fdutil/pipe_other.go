//go:build !linux

package fdutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Pipe returns a read and write end, both close-on-exec. Without pipe2 the
// flag is set under ForkLock so a concurrent fork cannot inherit the ends.
func Pipe() (r, w int, err error) {
	var p [2]int
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()
	if err := unix.Pipe(p[:]); err != nil {
		return -1, -1, err
	}
	unix.CloseOnExec(p[0])
	unix.CloseOnExec(p[1])
	return p[0], p[1], nil
}
