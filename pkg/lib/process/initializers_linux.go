package process

import "syscall"

type pdeathsigInit syscall.Signal

// ParentDeathSignal asks the kernel to send sig to the child when the
// launching thread exits.
func ParentDeathSignal(sig syscall.Signal) Initializer { return pdeathsigInit(sig) }

func (s pdeathsigInit) OnChildSetup(cc *ChildContext) error {
	cc.Sys.Pdeathsig = syscall.Signal(s)
	return nil
}
