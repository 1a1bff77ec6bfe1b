package platform

import "syscall"

// SetPdeathsig makes the child receive SIGTERM if the parent dies first.
func SetPdeathsig(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGTERM
}
