package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/reactor"
)

// withoutPidfd makes the rest of the test behave like a kernel without
// pidfd_open, so every wait goes through SIGCHLD.
func withoutPidfd(t *testing.T) {
	t.Helper()
	supported := pidfdSupported()
	pidfdProbe.ok = false
	t.Cleanup(func() { pidfdProbe.ok = supported })
}

func TestSigchldWaits(t *testing.T) {
	withoutPidfd(t)

	p := launchHelper(t, []string{"sleep", "10000"})
	require.Equal(t, -1, p.Handle())

	start := time.Now()
	_, ok, err := p.WaitFor(50 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, p.Terminate())
	assert.Equal(t, lib.ProcessStateTerminated, p.Status().State)

	q := launchHelper(t, []string{"exit-code", "7"})
	st, err := q.Wait()
	require.NoError(t, err)
	assert.Equal(t, 7, st.ExitCode())
}

func TestSigchldGroupWaitOneOrder(t *testing.T) {
	withoutPidfd(t)

	g := newGroup(t)
	slow := sleeper(t, g, 300)
	fast := sleeper(t, g, 50)

	_, ok, err := g.WaitOneFor(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	var order []int
	for i := 0; i < 2; i++ {
		e, err := g.WaitOne()
		require.NoError(t, err)
		order = append(order, e.Pid)
	}
	assert.Equal(t, []int{fast.Pid(), slow.Pid()}, order)
}

func TestSigchldAsyncWait(t *testing.T) {
	withoutPidfd(t)

	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	p := launchHelper(t, []string{"sleep", "50"})
	require.Equal(t, -1, p.Handle())
	var (
		got    lib.ExitStatus
		gotErr error
		done   bool
	)
	_, err = p.AsyncWait(r, func(st lib.ExitStatus, err error) {
		got, gotErr, done = st, err, true
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Run(ctx))
	require.True(t, done)
	require.NoError(t, gotErr)
	assert.True(t, got.Success())
}
