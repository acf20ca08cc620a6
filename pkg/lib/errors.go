package lib

import (
	"context"
	"fmt"
	"syscall"

	"github.com/containerd/errdefs"
)

var (
	// ErrNotFound is returned for operations on a process, group member or
	// endpoint that was never opened or has already been released.
	ErrNotFound = fmt.Errorf("handle is not open: %w", errdefs.ErrNotFound)

	// ErrAlreadyExited marks a signal request against a process that has
	// already been reaped. Terminate treats it as a no-op.
	ErrAlreadyExited = fmt.Errorf("process already exited: %w", errdefs.ErrFailedPrecondition)

	// ErrUnsupported is returned when the platform has no equivalent primitive.
	ErrUnsupported = fmt.Errorf("operation not supported on this platform: %w", errdefs.ErrNotImplemented)

	// ErrCancelled completes asynchronous operations that were cancelled
	// before their event arrived.
	ErrCancelled = fmt.Errorf("operation cancelled: %w", context.Canceled)
)

// SpawnError reports that the native process-creation call itself failed.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExecError reports that the child was created but could not replace its
// image with the requested executable. Errno is the value the child observed.
type ExecError struct {
	Path  string
	Errno syscall.Errno
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("exec %s: %v", e.Path, e.Errno)
}

// Unwrap exposes the errno so that errors.Is(err, fs.ErrNotExist) and
// friends work on exec failures.
func (e *ExecError) Unwrap() error { return e.Errno }
