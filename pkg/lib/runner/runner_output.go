package runner

// Output subscribes to the process's stdout and stderr. Each channel replays
// everything written so far and closes once the stream ends.
func (runner *Runner) Output(id string) (<-chan []byte, <-chan []byte, error) {
	pe, err := runner.getProcess(id)
	if err != nil {
		return nil, nil, err
	}

	logger.WithField("id", id).Debug("subscribing to output")
	stdoutCh := pe.stdout.Subscribe(5)
	stderrCh := pe.stderr.Subscribe(5)

	return stdoutCh, stderrCh, nil
}
