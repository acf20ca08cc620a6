package lib

import (
	"fmt"
	"syscall"
	"time"
)

// ProcessState describes where a child process is in its lifecycle.
type ProcessState int

const (
	ProcessStateUnspecified ProcessState = iota
	ProcessStateRunning
	// ProcessStateExited means the process returned from main or called exit.
	ProcessStateExited
	// ProcessStateSignaled means the process was killed by a signal it did not handle.
	ProcessStateSignaled
	// ProcessStateTerminated means the process was killed by an explicit terminate request.
	ProcessStateTerminated
)

func (s ProcessState) String() string {
	switch s {
	case ProcessStateRunning:
		return "Running"
	case ProcessStateExited:
		return "Exited"
	case ProcessStateSignaled:
		return "Signaled"
	case ProcessStateTerminated:
		return "Terminated"
	default:
		return "Unspecified"
	}
}

// Terminal reports whether no further transitions are possible.
func (s ProcessState) Terminal() bool {
	return s == ProcessStateExited || s == ProcessStateSignaled || s == ProcessStateTerminated
}

// ExitStatus is the observed outcome of a child process.
type ExitStatus struct {
	State ProcessState
	// Code is the exit code for ProcessStateExited.
	Code int
	// Signal is the terminating signal for ProcessStateSignaled and ProcessStateTerminated.
	Signal syscall.Signal
}

// ExitCode folds the status into a single integer using the shell convention
// of 128+signal for signalled processes. It returns -1 while running.
func (s ExitStatus) ExitCode() int {
	switch s.State {
	case ProcessStateExited:
		return s.Code
	case ProcessStateSignaled, ProcessStateTerminated:
		return 128 + int(s.Signal)
	default:
		return -1
	}
}

// Success reports a normal exit with code 0.
func (s ExitStatus) Success() bool {
	return s.State == ProcessStateExited && s.Code == 0
}

func (s ExitStatus) String() string {
	switch s.State {
	case ProcessStateExited:
		return fmt.Sprintf("exited with code %d", s.Code)
	case ProcessStateSignaled:
		return fmt.Sprintf("killed by signal %s", s.Signal)
	case ProcessStateTerminated:
		return fmt.Sprintf("terminated (%s)", s.Signal)
	default:
		return s.State.String()
	}
}

// Command captures command metadata used to start a process.
type Command struct {
	Command string
	Args    []string
}

// ProcessStatus captures runtime state and timestamps.
type ProcessStatus struct {
	State     ProcessState
	ExitCode  *int
	StartTime time.Time
	EndTime   *time.Time
}
