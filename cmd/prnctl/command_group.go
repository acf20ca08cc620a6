package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/containerd/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
	"github.com/SanjoDeundiak/proclaunch/pkg/lib/process"
)

// jobsFile is the YAML layout read by `prn group`.
type jobsFile struct {
	Timeout string `yaml:"timeout"`
	Jobs    []job  `yaml:"jobs"`
}

type job struct {
	Name    string            `yaml:"name"`
	Command []string          `yaml:"command"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
}

func loadJobs(path string) (*jobsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var jf jobsFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(jf.Jobs) == 0 {
		return nil, fmt.Errorf("%s: no jobs", path)
	}
	for i, j := range jf.Jobs {
		if len(j.Command) == 0 {
			return nil, fmt.Errorf("%s: job %d has no command", path, i)
		}
		if j.Name == "" {
			jf.Jobs[i].Name = j.Command[0]
		}
	}
	return &jf, nil
}

func (jf *jobsFile) timeout() (time.Duration, error) {
	if jf.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(jf.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", jf.Timeout, err)
	}
	return d, nil
}

func newGroupCmd() *cobra.Command {
	var (
		file    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "group -f <jobs.yaml>",
		Short: "Run jobs as one process group and report each exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jf, err := loadJobs(file)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("timeout") {
				if timeout, err = jf.timeout(); err != nil {
					return err
				}
			}
			return runGroup(cmd, jf.Jobs, timeout)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "jobs.yaml", "Path to the jobs file")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Terminate the remaining jobs after this long (overrides the file)")
	return cmd
}

type launched struct {
	job  job
	proc *process.Process
}

func runGroup(cmd *cobra.Command, jobs []job, timeout time.Duration) error {
	ctx := cmd.Context()
	g, err := process.NewGroup(process.WithCgroup(process.DefaultCgroupRoot))
	if err != nil {
		return err
	}
	defer g.Close()

	byPid := make(map[int]launched, len(jobs))
	for _, j := range jobs {
		inits, err := launchInits(j.Dir, envPairs(j.Env))
		if err != nil {
			return err
		}
		p, err := process.Launch(ctx, j.Command[0], j.Command[1:], append(inits, g.Join())...)
		if err != nil {
			return fmt.Errorf("launch %s: %w", j.Name, err)
		}
		byPid[p.Pid()] = launched{job: j, proc: p}
	}
	log.G(ctx).WithField("group", g.ID()).WithField("pgid", g.Pgid()).Debug("jobs launched")

	// Jobs run in their own process group, so terminal signals reach only us.
	stop := context.AfterFunc(ctx, func() {
		if err := g.RequestExit(); err != nil {
			log.G(ctx).WithError(err).Warn("failed to forward exit request")
		}
	})
	defer stop()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	out := newStatusTable(cmd.OutOrStdout())
	defer out.close()
	failed := false
	for len(byPid) > 0 {
		exit, ok, err := g.WaitOneUntil(deadline)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		l := byPid[exit.Pid]
		delete(byPid, exit.Pid)
		out.row(statusRow(l.job, exit.Pid, exit.Status))
		failed = failed || !exit.Status.Success()
	}

	if len(byPid) > 0 {
		log.G(ctx).WithField("remaining", len(byPid)).Debug("timeout, terminating group")
		if err := g.Terminate(); err != nil && !errors.Is(err, lib.ErrNotFound) {
			return err
		}
		pids := make([]int, 0, len(byPid))
		for pid := range byPid {
			pids = append(pids, pid)
		}
		sort.Ints(pids)
		for _, pid := range pids {
			l := byPid[pid]
			out.row(statusRow(l.job, pid, l.proc.Status()))
		}
		return &exitError{code: 124}
	}
	if failed {
		return &exitError{code: 1}
	}
	return nil
}

func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return pairs
}

func statusRow(j job, pid int, st lib.ExitStatus) []string {
	code := ""
	if st.State.Terminal() {
		code = strconv.Itoa(st.ExitCode())
	}
	return []string{j.Name, strconv.Itoa(pid), st.State.String(), code}
}
