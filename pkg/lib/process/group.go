package process

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
)

// groupPollStep bounds a single pidfd poll in group waits.
const groupPollStep = 50 * time.Millisecond

// Exit is one reaped group member.
type Exit struct {
	Pid    int
	Status lib.ExitStatus
}

// Group manages children placed in one process group and, when created
// with WithCgroup, one cgroup. Members are reaped individually; exits are
// queued until reported by WaitOne.
type Group struct {
	id     string
	log    *log.Entry
	cgroup *cgroup

	// launchMu serializes launches into the group, so the first member
	// defines the pgid before the next one joins it.
	launchMu sync.Mutex

	mu       sync.Mutex
	pgid     int
	members  map[int]*Process
	exits    []Exit
	changed  chan struct{}
	kicks    map[uint64]func()
	nextKick uint64
	detached bool
	closed   bool
}

type GroupOption func(*groupOptions)

type groupOptions struct {
	cgroupRoot string
}

// WithCgroup places every member in a fresh cgroup under root. It needs
// Linux with cgroup v2 and root privileges; elsewhere the group falls back
// to process-group tracking only.
func WithCgroup(root string) GroupOption {
	return func(o *groupOptions) {
		o.cgroupRoot = root
	}
}

func NewGroup(opts ...GroupOption) (*Group, error) {
	var o groupOptions
	for _, opt := range opts {
		opt(&o)
	}
	g := &Group{
		id:      lib.NewID(),
		members: make(map[int]*Process),
		changed: make(chan struct{}),
		kicks:   make(map[uint64]func()),
	}
	g.log = log.L.WithField("group", g.id)

	if o.cgroupRoot != "" {
		cg, err := newCgroup(o.cgroupRoot, g.id)
		switch {
		case errors.Is(err, lib.ErrUnsupported):
			g.log.WithError(err).Debug("cgroup unavailable, tracking by process group only")
		case err != nil:
			return nil, err
		default:
			g.cgroup = cg
		}
	}
	return g, nil
}

func (g *Group) ID() string { return g.id }

// Pgid returns the process group id, or 0 before the first member joins.
func (g *Group) Pgid() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pgid
}

// CgroupPath returns the group's cgroup directory, or "" without one.
func (g *Group) CgroupPath() string {
	if g.cgroup == nil {
		return ""
	}
	return g.cgroup.path
}

func (g *Group) Contains(p *Process) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.members[p.pid] == p
}

// Len counts members that have not been reported by WaitOne yet.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Detach makes Close leave the members running.
func (g *Group) Detach() {
	g.mu.Lock()
	g.detached = true
	g.mu.Unlock()
}

// livePgid returns the pgid new members should join, or 0 when the process
// group no longer exists and the next member must lead a new one.
func (g *Group) livePgid() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pgid == 0 {
		return 0
	}
	if err := unix.Kill(-g.pgid, 0); errors.Is(err, unix.ESRCH) {
		g.pgid = 0
	}
	return g.pgid
}

// Join returns an initializer that places the launched child in the group.
func (g *Group) Join() Initializer { return &joinGroup{g: g} }

type joinGroup struct {
	g      *Group
	pgid   int
	locked bool
}

func (j *joinGroup) OnSetup(lc *LaunchContext) error {
	j.g.mu.Lock()
	closed := j.g.closed
	j.g.mu.Unlock()
	if closed {
		return fmt.Errorf("group %s: %w", j.g.id, lib.ErrNotFound)
	}
	j.g.launchMu.Lock()
	j.locked = true
	j.pgid = j.g.livePgid()
	return nil
}

func (j *joinGroup) OnChildSetup(cc *ChildContext) error {
	cc.Sys.Setpgid = true
	cc.Sys.Pgid = j.pgid
	// The last member can be reaped by its own waiter between livePgid and
	// the fork.
	cc.pgidGone = func() bool {
		if j.g.livePgid() != 0 {
			return false
		}
		j.pgid = 0
		return true
	}
	if j.g.cgroup != nil {
		return j.g.cgroup.place(cc)
	}
	return nil
}

func (j *joinGroup) OnSuccess(lc *LaunchContext) error {
	defer j.unlock()
	return j.g.register(lc.Process, j.pgid == 0)
}

func (j *joinGroup) OnError(lc *LaunchContext, _ error) {
	if lc.Process != nil {
		j.g.forget(lc.Process)
	}
	j.unlock()
}

func (j *joinGroup) unlock() {
	if j.locked {
		j.locked = false
		j.g.launchMu.Unlock()
	}
}

func (g *Group) register(p *Process, leader bool) error {
	p.mu.Lock()
	if p.group != nil && p.group != g {
		p.mu.Unlock()
		return fmt.Errorf("process %d already belongs to group %s: %w", p.pid, p.group.id, errdefs.ErrAlreadyExists)
	}
	p.group = g
	st, exited := p.status, p.exited
	p.mu.Unlock()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return fmt.Errorf("group %s: %w", g.id, lib.ErrNotFound)
	}
	if leader {
		g.pgid = p.pid
	}
	g.members[p.pid] = p
	g.mu.Unlock()
	g.log.WithField("pid", p.pid).WithField("pgid", g.Pgid()).Debug("member joined")

	if exited {
		g.noteExit(p, st)
	}
	return nil
}

// forget drops a member and its queued exit.
func (g *Group) forget(p *Process) {
	g.mu.Lock()
	if g.members[p.pid] == p {
		delete(g.members, p.pid)
		for i, e := range g.exits {
			if e.Pid == p.pid {
				g.exits = append(g.exits[:i], g.exits[i+1:]...)
				break
			}
		}
	}
	g.mu.Unlock()

	p.mu.Lock()
	if p.group == g {
		p.group = nil
	}
	p.mu.Unlock()
}

// Add moves an already running child into the group. Moving the process
// group is best effort: it fails once the child has exec'd, but the child
// is tracked as a member either way.
func (g *Group) Add(p *Process) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return lib.ErrNotFound
	}

	g.launchMu.Lock()
	defer g.launchMu.Unlock()
	pgid := g.livePgid()
	leader := false
	if err := unix.Setpgid(p.pid, pgid); err != nil {
		g.log.WithError(err).WithField("pid", p.pid).Debug("setpgid on added member failed")
	} else {
		leader = pgid == 0
	}
	return g.register(p, leader)
}

// noteExit queues the exit of a member and wakes every waiter.
func (g *Group) noteExit(p *Process, st lib.ExitStatus) {
	g.mu.Lock()
	if g.members[p.pid] != p {
		g.mu.Unlock()
		return
	}
	for _, e := range g.exits {
		if e.Pid == p.pid {
			g.mu.Unlock()
			return
		}
	}
	g.exits = append(g.exits, Exit{Pid: p.pid, Status: st})
	close(g.changed)
	g.changed = make(chan struct{})
	kicks := make([]func(), 0, len(g.kicks))
	for _, k := range g.kicks {
		kicks = append(kicks, k)
	}
	g.mu.Unlock()

	for _, kick := range kicks {
		kick()
	}
}

func (g *Group) memberList() []*Process {
	g.mu.Lock()
	defer g.mu.Unlock()
	procs := make([]*Process, 0, len(g.members))
	for _, p := range g.members {
		procs = append(procs, p)
	}
	return procs
}

func (g *Group) changedChan() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.changed
}

// reapMembers collects every member that has exited.
func (g *Group) reapMembers() error {
	var errs []error
	for _, p := range g.memberList() {
		if _, _, err := p.reap(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *Group) popExit() (Exit, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return Exit{}, false, lib.ErrNotFound
	}
	if len(g.exits) > 0 {
		e := g.exits[0]
		g.exits = g.exits[1:]
		delete(g.members, e.Pid)
		return e, true, nil
	}
	if len(g.members) == 0 {
		return Exit{}, false, fmt.Errorf("group %s has no members: %w", g.id, lib.ErrNotFound)
	}
	return Exit{}, false, nil
}

// TryWaitOne reports one exited member without blocking.
func (g *Group) TryWaitOne() (Exit, bool, error) {
	if err := g.reapMembers(); err != nil {
		return Exit{}, false, err
	}
	return g.popExit()
}

// WaitOne blocks until a member exits, removes it and returns its exit. It
// fails with lib.ErrNotFound when the group has no members.
func (g *Group) WaitOne() (Exit, error) {
	e, _, err := g.WaitOneUntil(time.Time{})
	return e, err
}

func (g *Group) WaitOneFor(d time.Duration) (Exit, bool, error) {
	return g.WaitOneUntil(time.Now().Add(d))
}

// WaitOneUntil is WaitOne with a deadline; ok is false on timeout.
func (g *Group) WaitOneUntil(deadline time.Time) (Exit, bool, error) {
	w := newExitWatch(g.memberList, groupPollStep)
	defer w.stop()
	for {
		changed := g.changedChan()
		e, ok, err := g.TryWaitOne()
		if ok || err != nil {
			return e, ok, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return Exit{}, false, nil
		}
		w.wait(changed, deadline)
	}
}

// WaitAll reaps members until none remain.
func (g *Group) WaitAll() error {
	_, err := g.WaitAllUntil(time.Time{})
	return err
}

func (g *Group) WaitAllFor(d time.Duration) (bool, error) {
	return g.WaitAllUntil(time.Now().Add(d))
}

// WaitAllUntil reaps members until none remain or the deadline passes.
// Members that exit in time are removed; the rest keep running.
func (g *Group) WaitAllUntil(deadline time.Time) (bool, error) {
	for {
		_, ok, err := g.WaitOneUntil(deadline)
		if errors.Is(err, lib.ErrNotFound) && g.Len() == 0 {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
}

// Signal sends sig to the process group and to members that are outside it.
func (g *Group) Signal(sig syscall.Signal) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return lib.ErrNotFound
	}
	pgid := g.pgid
	g.mu.Unlock()

	var errs []error
	if pgid > 0 {
		if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("signal group %d: %w", pgid, err))
		}
	}
	for _, p := range g.memberList() {
		if member, err := unix.Getpgid(p.pid); err == nil && member == pgid {
			continue
		}
		p.mu.Lock()
		err := p.signalLocked(sig)
		p.mu.Unlock()
		if err != nil && !errors.Is(err, lib.ErrAlreadyExited) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Interrupt sends SIGINT to the group.
func (g *Group) Interrupt() error { return g.Signal(unix.SIGINT) }

// RequestExit sends SIGTERM to the group.
func (g *Group) RequestExit() error { return g.Signal(unix.SIGTERM) }

// Terminate kills the process group, every member and, with a cgroup,
// everything in it. It then reaps all members.
func (g *Group) Terminate() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return lib.ErrNotFound
	}
	pgid := g.pgid
	g.mu.Unlock()

	members := g.memberList()
	for _, p := range members {
		p.mu.Lock()
		p.terminating = true
		p.mu.Unlock()
	}

	var errs []error
	if pgid > 0 {
		if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("kill group %d: %w", pgid, err))
		}
	}
	for _, p := range members {
		if err := p.kill(); err != nil {
			errs = append(errs, err)
		}
	}
	if g.cgroup != nil {
		if err := g.cgroup.kill(); err != nil {
			errs = append(errs, err)
		}
	}
	g.log.WithField("pgid", pgid).WithField("members", len(members)).Debug("terminating group")
	if err := g.WaitAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close terminates the group unless it was detached and releases the
// cgroup. Close is idempotent.
func (g *Group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	detached := g.detached
	g.mu.Unlock()

	var errs []error
	if !detached {
		if err := g.Terminate(); err != nil {
			errs = append(errs, err)
		}
	}

	g.mu.Lock()
	g.closed = true
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()

	if g.cgroup != nil {
		if err := g.cgroup.remove(detached); err != nil {
			g.log.WithError(err).Warn("failed to remove cgroup")
		}
	}
	return errors.Join(errs...)
}

func (g *Group) addKick(kick func()) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextKick++
	g.kicks[g.nextKick] = kick
	return g.nextKick
}

func (g *Group) removeKick(key uint64) {
	g.mu.Lock()
	delete(g.kicks, key)
	g.mu.Unlock()
}
