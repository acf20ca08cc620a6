//go:build linux

package fdutil

import "golang.org/x/sys/unix"

// Pipe returns a read and write end, both close-on-exec.
func Pipe() (r, w int, err error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return p[0], p[1], nil
}
