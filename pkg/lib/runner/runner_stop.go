package runner

import (
	"errors"
	"time"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
)

// StopResult returns process info and its final status after Stop.
type StopResult struct {
	Command *lib.Command
	Status  *lib.ProcessStatus
}

// Stop kills the process together with everything in its group and
// returns the final status (or the current one if it already stopped).
func (runner *Runner) Stop(id string) (*StopResult, error) {
	pe, err := runner.getProcess(id)
	if err != nil {
		return nil, err
	}
	res := StopResult{Command: &pe.command}
	pe.mu.RLock()
	alreadyStopped := pe.state.Terminal()
	pe.mu.RUnlock()
	if alreadyStopped {
		st := pe.lockAndGetStatus()
		res.Status = &st
		return &res, nil
	}

	if err := pe.group.Terminate(); err != nil && !errors.Is(err, lib.ErrNotFound) {
		return nil, err
	}

	select {
	case <-pe.done:
	case <-time.After(time.Second):
		logger.WithField("id", id).Warn("process did not report exit after stop")
	}

	st := pe.lockAndGetStatus()
	res.Status = &st
	return &res, nil
}
