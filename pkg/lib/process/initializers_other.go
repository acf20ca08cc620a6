//go:build !linux

package process

import (
	"syscall"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib"
)

type pdeathsigInit syscall.Signal

// ParentDeathSignal is Linux-only; launches using it fail with
// lib.ErrUnsupported elsewhere.
func ParentDeathSignal(sig syscall.Signal) Initializer { return pdeathsigInit(sig) }

func (pdeathsigInit) OnChildSetup(*ChildContext) error {
	return lib.ErrUnsupported
}
