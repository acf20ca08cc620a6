package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
)

// DefaultCgroupRoot is where groups create their cgroups unless told
// otherwise.
const DefaultCgroupRoot = "/sys/fs/cgroup/prn"

// cgroup is a cgroup v2 directory owned by one Group. Members enter it at
// clone time through CLONE_INTO_CGROUP.
type cgroup struct {
	path string
	dir  *os.File
}

func newCgroup(root, id string) (*cgroup, error) {
	if os.Geteuid() != 0 {
		return nil, fmt.Errorf("cgroups need root: %w", lib.ErrUnsupported)
	}
	var st unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(root), &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", filepath.Dir(root), err)
	}
	if st.Type != unix.CGROUP2_SUPER_MAGIC {
		return nil, fmt.Errorf("%s is not on cgroup2: %w", root, lib.ErrUnsupported)
	}

	path := filepath.Join(root, id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	dir, err := os.Open(path)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return &cgroup{path: path, dir: dir}, nil
}

func (c *cgroup) place(cc *ChildContext) error {
	cc.Sys.UseCgroupFD = true
	cc.Sys.CgroupFD = int(c.dir.Fd())
	return nil
}

// kill signals every process in the cgroup subtree with SIGKILL.
func (c *cgroup) kill() error {
	return os.WriteFile(filepath.Join(c.path, "cgroup.kill"), []byte("1"), 0o644)
}

// remove releases the directory handle and, unless members were left
// running, deletes the cgroup. Exiting tasks may leave it busy briefly.
func (c *cgroup) remove(keep bool) error {
	err := c.dir.Close()
	if keep {
		return err
	}
	for i := 0; i < 20; i++ {
		rerr := os.Remove(c.path)
		if rerr == nil || errors.Is(rerr, os.ErrNotExist) {
			return err
		}
		if !errors.Is(rerr, unix.EBUSY) {
			return errors.Join(err, rerr)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errors.Join(err, fmt.Errorf("remove %s: %w", c.path, unix.EBUSY))
}
