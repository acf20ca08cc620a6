// Package process launches child processes and manages their lifecycle.
//
// A launch is described by a list of initializers. Each initializer may
// implement any of the hook interfaces (SetupHook, ChildSetupHook,
// ExecErrorHook, ErrorHook, SuccessHook); the Launcher calls them in
// declaration order around a single native process-creation call. Setup
// hooks acquire, error and success hooks release, so an initializer never
// depends on the ordering assumptions of its neighbours.
//
// Processes are started through an exec trampoline: the current executable
// is re-executed under a registered argv[0], applies the in-child setup and
// then calls execve on the target. If execve fails, the trampoline writes
// the errno into a close-on-exec pipe that the parent reads, so the parent
// can tell "exec succeeded" apart from "exec failed with X" even though the
// fork already produced a pid. The trampoline is dispatched from this
// package's init function, so importing the package is all a program needs.
// Every trampoline failure is reported through the pipe. The one exception
// is the Go runtime itself dying before the trampoline runs: the pipe then
// closes empty, the launch succeeds, and the dead child shows up on the
// first wait.
//
// A Process terminates its child on Close unless it was detached. A Group
// places children in one process group (and optionally one cgroup) for
// collective wait, signal and termination.
//
// Only POSIX platforms are supported. Deadline waits use pidfd polling on
// Linux kernels that provide it and a SIGCHLD subscription elsewhere.
package process
