package fdutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPipeIsCloseOnExec(t *testing.T) {
	r, w, err := Pipe()
	require.NoError(t, err)
	defer Close(r)
	defer Close(w)

	for _, fd := range []int{r, w} {
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		require.NoError(t, err)
		assert.NotZero(t, flags&unix.FD_CLOEXEC)
	}
}

func TestReadFullStopsAtEOF(t *testing.T) {
	r, w, err := Pipe()
	require.NoError(t, err)
	defer Close(r)

	_, err = Write(w, []byte("ab"))
	require.NoError(t, err)
	require.NoError(t, Close(w))

	buf := make([]byte, 4)
	n, err := ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "ab", string(buf[:n]))
}

func TestPollTimesOut(t *testing.T) {
	r, w, err := Pipe()
	require.NoError(t, err)
	defer Close(r)
	defer Close(w)

	start := time.Now()
	revents, err := Poll(r, unix.POLLIN, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, revents)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	_, err = Write(w, []byte{1})
	require.NoError(t, err)
	revents, err = Poll(r, unix.POLLIN, -1)
	require.NoError(t, err)
	assert.NotZero(t, revents&unix.POLLIN)
}
