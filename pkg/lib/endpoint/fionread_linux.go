//go:build linux

package endpoint

import "golang.org/x/sys/unix"

// fionread is FIONREAD; x/sys only exports it under its termios name.
const fionread = unix.TIOCINQ
