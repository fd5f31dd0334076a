//go:build linux && amd64

package native

import (
	"fmt"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/runctl/pkg/dwarf/op"
	"github.com/go-delve/runctl/pkg/proc"
	"github.com/go-delve/runctl/pkg/proc/amd64util"
	"github.com/go-delve/runctl/pkg/proc/linutil"
)

func (t *nativeThread) stop() (err error) {
	err = sys.Tgkill(t.dbp.pid, t.ID, sys.SIGSTOP)
	if err != nil {
		if err == sys.ESRCH {
			return
		}
		err = fmt.Errorf("stop err %s on thread %d", err, t.ID)
		return
	}
	return
}

// Stopped returns whether the thread is stopped at
// the operating system level.
func (t *nativeThread) Stopped() bool {
	state := status(t.ID)
	return state == statusTraceStop || state == statusTraceStopT
}

func (t *nativeThread) resume() error {
	return t.resumeWithSig(0)
}

func (t *nativeThread) resumeWithSig(sig int) (err error) {
	t.running = true
	t.dbp.execPtraceFunc(func() { err = ptraceCont(t.ID, sig) })
	if err != nil {
		t.running = false
	}
	return
}

func (t *nativeThread) singleStep(sig int) (err error) {
	t.running = true
	t.dbp.execPtraceFunc(func() { err = ptraceSingleStep(t.ID, sig) })
	if err != nil {
		t.running = false
	}
	return
}

func (t *nativeThread) ptraceRegs() (*linutil.AMD64PtraceRegs, error) {
	var regs sys.PtraceRegs
	var err error
	t.dbp.execPtraceFunc(func() { err = sys.PtraceGetRegs(t.ID, &regs) })
	if err != nil {
		return nil, fmt.Errorf("could not get registers of thread %d: %v", t.ID, err)
	}
	return (*linutil.AMD64PtraceRegs)(&regs), nil
}

// Registers returns the general purpose registers of thread tid.
func (dbp *Process) Registers(tid int) (*op.DwarfRegisters, error) {
	th, err := dbp.thread(tid)
	if err != nil {
		return nil, err
	}
	regs, err := th.ptraceRegs()
	if err != nil {
		return nil, err
	}
	return regs.DwarfRegisters(), nil
}

// SetReg changes the value of one register of thread tid.
func (dbp *Process) SetReg(tid int, regNum uint64, value uint64) error {
	th, err := dbp.thread(tid)
	if err != nil {
		return err
	}
	regs, err := th.ptraceRegs()
	if err != nil {
		return err
	}
	if err := regs.SetReg(regNum, value); err != nil {
		return err
	}
	th.dbp.execPtraceFunc(func() { err = sys.PtraceSetRegs(th.ID, (*sys.PtraceRegs)(regs)) })
	return err
}

const debugRegUserOffset = 848 // offset of debug registers in the user struct, see source/arch/x86/kernel/ptrace.c

func (t *nativeThread) withDebugRegisters(f func(*amd64util.DebugRegisters) error) error {
	var err error
	t.dbp.execPtraceFunc(func() {
		debugregs := make([]uint64, 8)

		for i := range debugregs {
			if i == 4 || i == 5 {
				continue
			}
			debugregs[i], err = ptracePeekUser(t.ID, debugRegUserOffset+uintptr(i)*unsafe.Sizeof(debugregs[0]))
			if err != nil {
				return
			}
		}

		drs := amd64util.NewDebugRegisters(&debugregs[0], &debugregs[1], &debugregs[2], &debugregs[3], &debugregs[6], &debugregs[7])

		err = f(drs)
		if err != nil {
			return
		}

		if drs.Dirty {
			for i := range debugregs {
				if i == 4 || i == 5 {
					// Linux will return EIO for DR4 and DR5
					continue
				}
				err = ptracePokeUser(t.ID, debugRegUserOffset+uintptr(i)*unsafe.Sizeof(debugregs[0]), debugregs[i])
				if err != nil {
					return
				}
			}
		}
	})
	if err == syscall.Errno(0) || err == sys.ESRCH {
		err = nil
	}
	return err
}

// debugStatus returns and clears DR6.
func (t *nativeThread) debugStatus() (uint64, error) {
	var dr6 uint64
	err := t.withDebugRegisters(func(drs *amd64util.DebugRegisters) error {
		dr6 = drs.Status()
		return nil
	})
	return dr6, err
}

func watchAccess(kind proc.WatchType) amd64util.Access {
	switch kind {
	case proc.WatchExec:
		return amd64util.AccessExec
	case proc.WatchReadWrite:
		return amd64util.AccessReadWrite
	}
	return amd64util.AccessWrite
}

// SetDebugRegister programs debug register slot of thread tid.
func (dbp *Process) SetDebugRegister(tid int, slot int, addr uint64, size int, kind proc.WatchType) error {
	th, err := dbp.thread(tid)
	if err != nil {
		return err
	}
	return th.withDebugRegisters(func(drs *amd64util.DebugRegisters) error {
		drs.ClearBreakpoint(uint8(slot))
		return drs.SetBreakpoint(uint8(slot), addr, watchAccess(kind), size)
	})
}

// ClearDebugRegister disables debug register slot of thread tid.
func (dbp *Process) ClearDebugRegister(tid int, slot int) error {
	th, err := dbp.thread(tid)
	if err != nil {
		return err
	}
	return th.withDebugRegisters(func(drs *amd64util.DebugRegisters) error {
		drs.ClearBreakpoint(uint8(slot))
		return nil
	})
}
