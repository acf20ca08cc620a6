package lib

import (
	"errors"
	"io/fs"
	"syscall"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
)

func TestExitStatusClassification(t *testing.T) {
	exited := ExitStatus{State: ProcessStateExited, Code: 42}
	assert.Equal(t, 42, exited.ExitCode())
	assert.False(t, exited.Success())
	assert.True(t, exited.State.Terminal())

	signaled := ExitStatus{State: ProcessStateSignaled, Signal: syscall.SIGSEGV}
	assert.Equal(t, 128+int(syscall.SIGSEGV), signaled.ExitCode())
	assert.NotEqual(t, exited.State, signaled.State)

	running := ExitStatus{State: ProcessStateRunning}
	assert.Equal(t, -1, running.ExitCode())
	assert.False(t, running.State.Terminal())

	assert.True(t, ExitStatus{State: ProcessStateExited}.Success())
}

func TestErrorTaxonomy(t *testing.T) {
	assert.True(t, errdefs.IsNotFound(ErrNotFound))
	assert.True(t, errdefs.IsNotImplemented(ErrUnsupported))

	var err error = &ExecError{Path: "/nope", Errno: syscall.ENOENT}
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.Contains(t, err.Error(), "/nope")

	err = &SpawnError{Path: "/bin/true", Err: syscall.EAGAIN}
	assert.True(t, errors.Is(err, syscall.EAGAIN))
}
