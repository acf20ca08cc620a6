//go:build !linux

package process

import "github.com/SanjoDeundiak/proclaunch/pkg/lib"

const DefaultCgroupRoot = ""

type cgroup struct {
	path string
}

func newCgroup(string, string) (*cgroup, error) {
	return nil, lib.ErrUnsupported
}

func (c *cgroup) place(*ChildContext) error { return lib.ErrUnsupported }

func (c *cgroup) kill() error { return lib.ErrUnsupported }

func (c *cgroup) remove(bool) error { return nil }
