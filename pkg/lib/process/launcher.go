package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
)

// Launcher starts processes. Its default initializers run before the
// per-launch ones.
type Launcher struct {
	defaults []Initializer
}

type LauncherOption func(*Launcher)

// WithDefaults adds initializers applied to every launch.
func WithDefaults(inits ...Initializer) LauncherOption {
	return func(l *Launcher) {
		l.defaults = append(l.defaults, inits...)
	}
}

func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var defaultLauncher = NewLauncher()

// Launch starts executable with args using a launcher without defaults.
func Launch(ctx context.Context, executable string, args []string, inits ...Initializer) (*Process, error) {
	return defaultLauncher.Launch(ctx, executable, args, inits...)
}

// Launch runs the setup hooks, creates the process and runs the success
// hooks. On any failure the error hooks run before the error is returned,
// and a child that was already created is killed and reaped.
func (l *Launcher) Launch(ctx context.Context, executable string, args []string, inits ...Initializer) (*Process, error) {
	if executable == "" {
		return nil, fmt.Errorf("executable is required: %w", errdefs.ErrInvalidArgument)
	}
	all := make([]Initializer, 0, len(l.defaults)+len(inits))
	all = append(all, l.defaults...)
	all = append(all, inits...)
	for i, init := range all {
		if !validInitializer(init) {
			return nil, fmt.Errorf("initializer %d (%T) implements no hook: %w", i, init, errdefs.ErrInvalidArgument)
		}
	}

	lc := newLaunchContext(ctx, lib.NewID(), executable, args)
	logger := lc.Log().WithField("path", executable)

	for _, init := range all {
		if h, ok := init.(SetupHook); ok {
			lc.Fail(h.OnSetup(lc))
		}
		if lc.err != nil {
			return nil, rollback(lc, all)
		}
	}
	for _, init := range all {
		if h, ok := init.(ChildSetupHook); ok {
			lc.Fail(h.OnChildSetup(&lc.child))
		}
		if lc.err != nil {
			return nil, rollback(lc, all)
		}
	}
	if err := ctx.Err(); err != nil {
		lc.Fail(err)
		return nil, rollback(lc, all)
	}

	pid, err := spawn(lc)
	if err != nil {
		var execErr *lib.ExecError
		if errors.As(err, &execErr) {
			for _, init := range all {
				if h, ok := init.(ExecErrorHook); ok {
					h.OnExecError(lc, err)
				}
			}
		}
		lc.Fail(err)
		return nil, rollback(lc, all)
	}

	p := newProcess(pid, logger)
	lc.Process = p
	logger = logger.WithField("pid", pid)

	for _, init := range all {
		h, ok := init.(SuccessHook)
		if !ok {
			continue
		}
		if err := h.OnSuccess(lc); err != nil {
			lc.Fail(err)
			logger.WithError(err).Debug("success hook failed, killing child")
			if cerr := p.Close(); cerr != nil {
				logger.WithError(cerr).Warn("failed to kill child after success hook error")
			}
			return nil, rollback(lc, all)
		}
	}

	logger.Debug("launched")
	return p, nil
}

func rollback(lc *LaunchContext, all []Initializer) error {
	lc.Log().WithError(lc.err).Debug("launch failed, rolling back")
	for _, init := range all {
		if h, ok := init.(ErrorHook); ok {
			h.OnError(lc, lc.err)
		}
	}
	return lc.err
}
