package process

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

type dirInit string

// Dir sets the child's working directory. An empty string inherits ours.
func Dir(dir string) Initializer { return dirInit(dir) }

func (d dirInit) OnSetup(lc *LaunchContext) error {
	lc.Dir = string(d)
	return nil
}

type envInit []string

// Env replaces the child's environment block. Entries are "key=value".
func Env(block []string) Initializer {
	return envInit(append([]string(nil), block...))
}

func (e envInit) OnSetup(lc *LaunchContext) error {
	lc.Env = append([]string(nil), e...)
	return nil
}

type setEnvInit struct{ key, value string }

// SetEnv sets one variable in the child's environment, replacing any entry
// whose key compares equal under the launch's policy.
func SetEnv(key, value string) Initializer { return setEnvInit{key: key, value: value} }

func (s setEnvInit) OnSetup(lc *LaunchContext) error {
	if s.key == "" {
		return fmt.Errorf("empty environment key: %w", errdefs.ErrInvalidArgument)
	}
	lc.Env = lc.EnvPolicy.Set(lc.Env, s.key, s.value)
	return nil
}

type unsetEnvInit string

// UnsetEnv removes a variable from the child's environment.
func UnsetEnv(key string) Initializer { return unsetEnvInit(key) }

func (u unsetEnvInit) OnSetup(lc *LaunchContext) error {
	lc.Env = lc.EnvPolicy.Unset(lc.Env, string(u))
	return nil
}

type argv0Init string

// Argv0 overrides argv[0] without changing which executable runs.
func Argv0(name string) Initializer { return argv0Init(name) }

func (a argv0Init) OnSetup(lc *LaunchContext) error {
	lc.Args[0] = string(a)
	return nil
}

type searchPathInit struct{}

// SearchPath resolves a bare executable name against PATH in the child's
// environment. Put it after any initializer that changes the environment.
func SearchPath() Initializer { return searchPathInit{} }

func (searchPathInit) OnSetup(lc *LaunchContext) error {
	if strings.Contains(lc.Executable, "/") {
		return nil
	}
	path, _ := lc.EnvPolicy.Get(lc.Env, "PATH")
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, lc.Executable)
		var st unix.Stat_t
		if unix.Stat(candidate, &st) != nil || st.Mode&unix.S_IFMT == unix.S_IFDIR {
			continue
		}
		if unix.Access(candidate, unix.X_OK) == nil {
			lc.Executable = candidate
			return nil
		}
	}
	return fmt.Errorf("%s: executable not found in PATH: %w", lc.Executable, errdefs.ErrNotFound)
}

type setsidInit struct{}

// Setsid starts the child in a new session.
func Setsid() Initializer { return setsidInit{} }

func (setsidInit) OnChildSetup(cc *ChildContext) error {
	cc.Sys.Setsid = true
	return nil
}

type newPgrpInit struct{}

// NewProcessGroup makes the child the leader of a new process group.
func NewProcessGroup() Initializer { return newPgrpInit{} }

func (newPgrpInit) OnChildSetup(cc *ChildContext) error {
	cc.Sys.Setpgid = true
	cc.Sys.Pgid = 0
	return nil
}

type umaskInit int

// Umask sets the child's file creation mask before exec.
func Umask(mask int) Initializer { return umaskInit(mask) }

func (u umaskInit) OnChildSetup(cc *ChildContext) error {
	if u < 0 || u > 0o777 {
		return fmt.Errorf("umask %o: %w", int(u), errdefs.ErrInvalidArgument)
	}
	cc.Umask = int(u)
	return nil
}

// SetupFunc adapts a function to SetupHook.
type SetupFunc func(lc *LaunchContext) error

func (f SetupFunc) OnSetup(lc *LaunchContext) error { return f(lc) }

// SuccessFunc adapts a function to SuccessHook.
type SuccessFunc func(lc *LaunchContext) error

func (f SuccessFunc) OnSuccess(lc *LaunchContext) error { return f(lc) }

// FailureFunc adapts a function to ErrorHook.
type FailureFunc func(lc *LaunchContext, err error)

func (f FailureFunc) OnError(lc *LaunchContext, err error) { f(lc, err) }

// Setup runs fn before the process is created.
func Setup(fn func(lc *LaunchContext) error) Initializer { return SetupFunc(fn) }

// Success runs fn once the process exists.
func Success(fn func(lc *LaunchContext) error) Initializer { return SuccessFunc(fn) }

// Failure runs fn when the launch fails.
func Failure(fn func(lc *LaunchContext, err error)) Initializer { return FailureFunc(fn) }
