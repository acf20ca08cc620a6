package pty

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/reactor"
)

// HostSize reports the window size of the terminal on our own stdin.
func HostSize() (cols, rows uint16, err error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return 0, 0, fmt.Errorf("stdin is not a terminal: %w", lib.ErrUnsupported)
	}
	w, h, err := term.GetSize(fd)
	if err != nil {
		return 0, 0, fmt.Errorf("terminal size: %w", err)
	}
	return uint16(w), uint16(h), nil
}

// WaitForSizeChange blocks until the host terminal is resized and returns
// its new size.
func WaitForSizeChange(ctx context.Context) (cols, rows uint16, err error) {
	if _, _, err := HostSize(); err != nil {
		return 0, 0, err
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGWINCH)
	defer signal.Stop(ch)

	select {
	case <-ch:
		return HostSize()
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

// AsyncWaitForSizeChange calls h on r's goroutine after the next resize of
// the host terminal.
func AsyncWaitForSizeChange(r *reactor.Reactor, h func(cols, rows uint16, err error)) (reactor.OpID, error) {
	if _, _, err := HostSize(); err != nil {
		return 0, err
	}
	// The registration attempt is not a resize.
	armed := false
	return r.WaitSignal(unix.SIGWINCH, func() bool {
		if !armed {
			armed = true
			return false
		}
		h(HostSize())
		return true
	}, func(err error) { h(0, 0, err) })
}

// Follow keeps p's size in step with the host terminal until ctx is done.
func (p *Pty) Follow(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGWINCH)
	defer signal.Stop(ch)

	for {
		cols, rows, err := HostSize()
		if err != nil {
			return err
		}
		if err := p.Resize(cols, rows); err != nil {
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
