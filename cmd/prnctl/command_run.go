package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/process"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/pty"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/reactor"
)

type runOptions struct {
	dir     string
	env     []string
	timeout time.Duration
	pty     bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Run a process and exit with its exit code",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return errors.New("command to execute is required; use -- to separate CLI flags from the command")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&opts.dir, "dir", "", "Working directory of the process")
	cmd.Flags().StringArrayVar(&opts.env, "env", nil, "Set an environment variable (KEY=VALUE), repeatable")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Terminate the process after this long (0 waits forever)")
	cmd.Flags().BoolVar(&opts.pty, "pty", false, "Give the process a pseudo-terminal")
	return cmd
}

func launchInits(dir string, env []string) ([]process.Initializer, error) {
	var inits []process.Initializer
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --env %q: want KEY=VALUE", kv)
		}
		inits = append(inits, process.SetEnv(k, v))
	}
	inits = append(inits, process.SearchPath())
	if dir != "" {
		inits = append(inits, process.Dir(dir))
	}
	return inits, nil
}

func run(ctx context.Context, opts runOptions, args []string, stdout io.Writer) error {
	inits, err := launchInits(opts.dir, opts.env)
	if err != nil {
		return err
	}

	r, err := reactor.New()
	if err != nil {
		return err
	}
	defer r.Close()

	var tty *pty.Pty
	if opts.pty {
		tty, err = openPty()
		if err != nil {
			return err
		}
		defer tty.Close()
		inits = append(inits, tty.Attach())
	}

	p, err := process.Launch(ctx, args[0], args[1:], inits...)
	if err != nil {
		return err
	}
	defer p.Close()

	var (
		status  lib.ExitStatus
		waitErr error
		sizeID  reactor.OpID
	)
	if _, err := p.AsyncWait(r, func(st lib.ExitStatus, err error) {
		status, waitErr = st, err
		if sizeID != 0 {
			r.Cancel(sizeID)
		}
	}); err != nil {
		return err
	}

	if tty != nil {
		restore := rawStdin()
		defer restore()
		go func() { _, _ = io.Copy(tty.Master(), os.Stdin) }()
		if err := copyToWriter(r, tty, stdout); err != nil {
			return err
		}
		followSize(r, tty, &sizeID)
	}

	runCtx := ctx
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	if err := r.Run(runCtx); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return err
		}
		log.G(ctx).WithField("pid", p.Pid()).WithError(err).Debug("terminating process")
		if err := p.Terminate(); err != nil {
			return err
		}
		status, waitErr = p.Wait()
	}
	if waitErr != nil {
		return waitErr
	}
	if !status.Success() {
		return &exitError{code: status.ExitCode()}
	}
	return nil
}

func openPty() (*pty.Pty, error) {
	cols, rows, err := pty.HostSize()
	if err != nil {
		cols, rows = 80, 24
	}
	return pty.Open(cols, rows)
}

// rawStdin puts the host terminal in raw mode so keys reach the child
// unprocessed. The returned func restores it.
func rawStdin() func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		log.L.WithError(err).Warn("failed to make terminal raw")
		return func() {}
	}
	return func() { _ = term.Restore(fd, state) }
}

// copyToWriter streams the pty master into w until the child side closes.
func copyToWriter(r *reactor.Reactor, t *pty.Pty, w io.Writer) error {
	buf := make([]byte, 4096)
	var next func(n int, err error)
	next = func(n int, err error) {
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
		if _, err := t.Master().AsyncRead(r, buf, next); err != nil {
			log.L.WithError(err).Debug("pty read stopped")
		}
	}
	_, err := t.Master().AsyncRead(r, buf, next)
	return err
}

// followSize forwards host terminal resizes to t. *id always holds the
// pending wait so the caller can cancel it; it stays 0 when stdin is not a
// terminal.
func followSize(r *reactor.Reactor, t *pty.Pty, id *reactor.OpID) {
	var handle func(cols, rows uint16, err error)
	arm := func() {
		next, err := pty.AsyncWaitForSizeChange(r, handle)
		if err != nil {
			*id = 0
			return
		}
		*id = next
	}
	handle = func(cols, rows uint16, err error) {
		if err != nil {
			*id = 0
			return
		}
		if err := t.Resize(cols, rows); err != nil {
			log.L.WithError(err).Warn("failed to resize pty")
		}
		arm()
	}
	arm()
}
