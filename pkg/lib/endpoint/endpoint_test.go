package endpoint

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/moby/sys/reexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/output_storage"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/process"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/reactor"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/testhelper"
)

func TestMain(m *testing.M) {
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

func newPipe(t *testing.T, name string) *Pipe {
	t.Helper()
	p, err := NewPipe(name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func launch(t *testing.T, args []string, inits ...process.Initializer) *process.Process {
	t.Helper()
	all := append([]process.Initializer{process.Argv0(testhelper.Name)}, inits...)
	p, err := process.Launch(context.Background(), testhelper.Path(), args, all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPipeRoundTripThroughChild(t *testing.T) {
	in := newPipe(t, "stdin")
	out := newPipe(t, "stdout")
	p := launch(t, []string{"echo"}, Stdin(in), Stdout(out))

	assert.Equal(t, -1, in.Reader().Fd(), "child's end is closed in the parent")
	assert.Equal(t, -1, out.Writer().Fd(), "child's end is closed in the parent")

	_, err := in.Writer().Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, in.Writer().Close())

	got, err := io.ReadAll(out.Reader())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	st, err := p.Wait()
	require.NoError(t, err)
	assert.True(t, st.Success())
}

func TestAsyncPipeRoundTripThroughChild(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	in := newPipe(t, "stdin")
	out := newPipe(t, "stdout")
	p := launch(t, []string{"echo"}, Stdin(in), Stdout(out))

	var written int
	_, err = in.Writer().AsyncWriteAll(r, []byte("hello"), func(n int, err error) {
		require.NoError(t, err)
		written = n
		require.NoError(t, in.Writer().Close())
	})
	require.NoError(t, err)

	var got []byte
	_, err = out.Reader().AsyncReadAll(r, func(data []byte, err error) {
		require.NoError(t, err)
		got = data
	})
	require.NoError(t, err)

	var status lib.ExitStatus
	_, err = p.AsyncWait(r, func(st lib.ExitStatus, err error) {
		require.NoError(t, err)
		status = st
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, 5, written)
	assert.Equal(t, "hello", string(got))
	assert.True(t, status.Success())
}

func TestReadReturnsEOFAndWriteReportsPeerClosed(t *testing.T) {
	p := newPipe(t, "p")
	require.NoError(t, p.Writer().Close())
	n, err := p.Reader().Read(make([]byte, 4))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)

	q := newPipe(t, "q")
	require.NoError(t, q.Reader().Close())
	_, err = q.Writer().Write([]byte("x"))
	require.Error(t, err)
	assert.True(t, IsPeerClosed(err))
}

func TestBufferedAndDup(t *testing.T) {
	p := newPipe(t, "p")
	_, err := p.Writer().Write([]byte("12345"))
	require.NoError(t, err)

	n, err := p.Reader().Buffered()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	dup, err := p.Reader().Dup()
	require.NoError(t, err)
	require.NoError(t, p.Reader().Close())

	buf := make([]byte, 5)
	n, err = dup.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(buf[:n]))
	require.NoError(t, dup.Close())
	assert.NoError(t, dup.Close())
}

func TestClosedEndpointReportsNotFound(t *testing.T) {
	p := newPipe(t, "p")
	require.NoError(t, p.Reader().Close())

	_, err := p.Reader().Read(make([]byte, 1))
	assert.ErrorIs(t, err, lib.ErrNotFound)
	_, err = p.Reader().Buffered()
	assert.ErrorIs(t, err, lib.ErrNotFound)

	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	_, err = p.Reader().AsyncRead(r, make([]byte, 1), func(int, error) {})
	assert.ErrorIs(t, err, lib.ErrNotFound)
}

func TestAsyncReadCancel(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	p := newPipe(t, "p")
	var gotErr error
	id, err := p.Reader().AsyncRead(r, make([]byte, 1), func(_ int, err error) { gotErr = err })
	require.NoError(t, err)
	require.True(t, r.Cancel(id))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Run(ctx))
	assert.ErrorIs(t, gotErr, lib.ErrCancelled)
	assert.NotEqual(t, -1, p.Reader().Fd(), "cancel leaves the descriptor open")
}

func TestCaptureRecordsOutput(t *testing.T) {
	stdout := output_storage.RunNewOutputStorage()
	capture := Capture(stdout)
	p := launch(t, []string{"env", "PRN_CAPTURE"},
		process.SetEnv("PRN_CAPTURE", "captured"),
		Stdin(Null()),
		Stdout(capture),
	)

	select {
	case <-capture.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not finish")
	}
	assert.Equal(t, "captured\n", stdout.String())

	st, err := p.Wait()
	require.NoError(t, err)
	assert.True(t, st.Success())
}

func TestCaptureStopsStorageWhenLaunchFails(t *testing.T) {
	storage := output_storage.RunNewOutputStorage()
	capture := Capture(storage)
	_, err := process.Launch(context.Background(), "/nonexistent/prn-missing", nil, Stdout(capture))
	require.Error(t, err)

	select {
	case <-capture.Done():
	case <-time.After(time.Second):
		t.Fatal("storage was not stopped")
	}
}

func TestNullAndFileTargets(t *testing.T) {
	out := newPipe(t, "stdout")
	p := launch(t, []string{"echo"}, Stdin(Null()), Stdout(out), Stderr(Inherit()))
	got, err := io.ReadAll(out.Reader())
	require.NoError(t, err)
	assert.Empty(t, got)
	_, err = p.Wait()
	require.NoError(t, err)

	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()
	p = launch(t, []string{"pwd"}, Stdout(File(f)), process.Dir("/"))
	_, err = p.Wait()
	require.NoError(t, err)
	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "/\n", string(data))
}

func TestCaptureRejectsChildReads(t *testing.T) {
	storage := output_storage.RunNewOutputStorage()
	_, err := process.Launch(context.Background(), testhelper.Path(), []string{"echo"},
		process.Argv0(testhelper.Name), Stdin(Capture(storage)))
	assert.Error(t, err)
}
