package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib/process"
)

// Runs only as root on linux
func TestCgroup(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("Skipping: not running on Linux")
	}

	if os.Geteuid() != 0 {
		t.Skip("Skipping: not running as root")
	}

	runner, err := NewRunner()
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	defer runner.Close()

	res, err := runner.Start("sh", "-c", "sleep 60")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	pe, err := runner.getProcess(res.ID)
	if err != nil {
		t.Fatalf("getProcess failed: %v", err)
	}
	cgPath := pe.group.CgroupPath()
	if cgPath == "" {
		t.Skip("Skipping: cgroup v2 not available")
	}
	if filepath.Dir(cgPath) != process.DefaultCgroupRoot {
		t.Fatalf("cgroup %s is not under %s", cgPath, process.DefaultCgroupRoot)
	}

	pid := fmt.Sprintf("%v", res.pid)
	procsData, err := os.ReadFile(filepath.Join(cgPath, "cgroup.procs"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Check that pid was attached to cgroup
	procsStr := strings.TrimSpace(string(procsData))
	if procsStr != pid {
		t.Fatalf("cgroup fail: %s. Expected: %s", procsStr, pid)
	}

	if _, err := runner.Stop(res.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	<-pe.done
	if _, err := os.Stat(cgPath); !os.IsNotExist(err) {
		t.Fatalf("cgroup %s not removed after stop: %v", cgPath, err)
	}
}
