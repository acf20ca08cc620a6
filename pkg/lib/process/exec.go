package process

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"strconv"
	"syscall"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/internal/fdutil"
)

// trampolineName is argv[0] of the re-executed binary that performs the
// final exec on behalf of the parent.
const trampolineName = "prn-exec"

// trampolineExit is the status of a trampoline whose exec failed.
const trampolineExit = 127

func init() {
	reexec.Register(trampolineName, trampolineMain)
	if len(os.Args) > 0 && os.Args[0] == trampolineName {
		reexec.Init()
	}
}

// trampolineMain runs in the forked child. Arguments: error fd, umask
// (negative to keep), executable, argv...
func trampolineMain() {
	args := os.Args[1:]
	if len(args) < 1 {
		os.Exit(trampolineExit)
	}
	errFd, err := strconv.Atoi(args[0])
	if err != nil {
		os.Exit(trampolineExit)
	}
	if len(args) < 4 {
		failExec(errFd, unix.EINVAL)
	}
	mask, err := strconv.Atoi(args[1])
	if err != nil {
		failExec(errFd, unix.EINVAL)
	}
	path, argv := args[2], args[3:]

	unix.CloseOnExec(errFd)
	if mask >= 0 {
		unix.Umask(mask)
	}
	err = unix.Exec(path, argv, os.Environ())

	errno, ok := err.(syscall.Errno)
	if !ok {
		errno = unix.EINVAL
	}
	failExec(errFd, errno)
}

// failExec reports errno to the parent and exits. Any failure after the
// error fd is known goes through here, so only a crash of the runtime
// itself closes the pipe empty without an exec.
func failExec(errFd int, errno syscall.Errno) {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], uint32(errno))
	_, _ = fdutil.Write(errFd, buf[:])
	os.Exit(trampolineExit)
}

// spawn forks the trampoline and waits for it to either exec (the error
// pipe closes empty) or report the errno of a failed exec.
func spawn(lc *LaunchContext) (int, error) {
	pid, r, err := forkTrampoline(lc)
	sys := lc.child.Sys
	if errors.Is(err, unix.EPERM) && sys.Setpgid && sys.Pgid != 0 &&
		lc.child.pgidGone != nil && lc.child.pgidGone() {
		lc.Log().WithField("pgid", sys.Pgid).Debug("process group vanished, starting a new one")
		sys.Pgid = 0
		pid, r, err = forkTrampoline(lc)
	}
	if err != nil {
		return 0, &lib.SpawnError{Path: lc.Executable, Err: err}
	}
	defer fdutil.Close(r)

	var buf [4]byte
	n, err := fdutil.ReadFull(r, buf[:])
	if err == nil && n == 0 {
		return pid, nil
	}

	var ws unix.WaitStatus
	if _, werr := wait4(pid, &ws, 0); werr != nil {
		lc.Log().WithError(werr).WithField("pid", pid).Warn("failed to reap trampoline")
	}
	if n == len(buf) {
		return 0, &lib.ExecError{Path: lc.Executable, Errno: syscall.Errno(binary.NativeEndian.Uint32(buf[:]))}
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return 0, &lib.SpawnError{Path: lc.Executable, Err: err}
}

// forkTrampoline starts the trampoline and returns the read end of its
// error pipe.
func forkTrampoline(lc *LaunchContext) (int, int, error) {
	r, w, err := fdutil.Pipe()
	if err != nil {
		return 0, -1, err
	}

	files := lc.fileTable()
	errFd := len(files)
	files = append(files, uintptr(w))

	argv := make([]string, 0, 4+len(lc.Args))
	argv = append(argv, trampolineName, strconv.Itoa(errFd), strconv.Itoa(lc.child.Umask), lc.Executable)
	argv = append(argv, lc.Args...)

	pid, err := syscall.ForkExec(reexec.Self(), argv, &syscall.ProcAttr{
		Dir:   lc.Dir,
		Env:   lc.Env,
		Files: files,
		Sys:   lc.child.Sys,
	})
	fdutil.Close(w)
	if err != nil {
		fdutil.Close(r)
		return 0, -1, err
	}
	return pid, r, nil
}
