package proc

import (
	"fmt"

	"github.com/go-delve/runctl/pkg/dwarf/op"
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all memory.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is an interface for reading or writing to
// the targets memory. This allows us to read from the actual
// target memory or possibly a cache.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// WaitEventKind classifies the stop notifications returned by
// Process.Wait.
type WaitEventKind uint8

const (
	// EventTrap is a SIGTRAP caused by a breakpoint instruction, a
	// completed single step or a debug register.
	EventTrap WaitEventKind = iota
	// EventSignal is any other signal received by a thread.
	EventSignal
	// EventExited is reported when the process exited normally.
	EventExited
	// EventKilled is reported when the process was terminated by a signal.
	EventKilled
	// EventClone is reported when a thread creates a new thread, NewID is
	// the id of the new thread. Both threads are stopped.
	EventClone
	// EventThreadExit is reported when a thread, other than the last one,
	// exits.
	EventThreadExit
	// EventFork is reported when the process forks, Child is the traced
	// child process, stopped.
	EventFork
	// EventExec is reported after a successful execve.
	EventExec
)

func (k WaitEventKind) String() string {
	switch k {
	case EventTrap:
		return "trap"
	case EventSignal:
		return "signal"
	case EventExited:
		return "exited"
	case EventKilled:
		return "killed"
	case EventClone:
		return "clone"
	case EventThreadExit:
		return "thread-exit"
	case EventFork:
		return "fork"
	case EventExec:
		return "exec"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// WaitEvent is a decoded stop notification for one thread of the target.
type WaitEvent struct {
	Kind WaitEventKind
	Tid  int
	// Signal is the signal that stopped the thread for EventSignal, or the
	// signal that killed the process for EventKilled.
	Signal int
	// ExitStatus is the exit status for EventExited.
	ExitStatus int
	// NewID is the id of the new thread (EventClone) or the pid of the new
	// process (EventFork).
	NewID int
	// Child is the new process for EventFork.
	Child Process
	// DebugStatus is the value of the debug status register of the thread
	// for EventTrap, it tells debug register hits and completed single
	// steps apart from breakpoint instructions.
	DebugStatus uint64
}

func (ev *WaitEvent) String() string {
	switch ev.Kind {
	case EventSignal, EventKilled:
		return fmt.Sprintf("%s tid=%d signal=%d", ev.Kind, ev.Tid, ev.Signal)
	case EventExited:
		return fmt.Sprintf("%s tid=%d status=%d", ev.Kind, ev.Tid, ev.ExitStatus)
	case EventClone, EventFork:
		return fmt.Sprintf("%s tid=%d new=%d", ev.Kind, ev.Tid, ev.NewID)
	}
	return fmt.Sprintf("%s tid=%d", ev.Kind, ev.Tid)
}

// Process is the capability a backend must supply to the controller: it
// starts and stops the threads of one traced process and gives access to
// their registers and to the process memory.
//
// All methods, except RequestStop, are called from the goroutine that owns
// the controller.
type Process interface {
	MemoryReadWriter

	// Pid returns the process id.
	Pid() int
	// ThreadList returns the ids of all the threads of the process.
	ThreadList() []int

	// Registers returns the general purpose registers of thread tid.
	Registers(tid int) (*op.DwarfRegisters, error)
	// SetReg changes the value of one register of thread tid.
	SetReg(tid int, regnum uint64, value uint64) error

	// Resume resumes thread tid delivering signal sig (0 for none).
	Resume(tid int, sig int) error
	// SingleStep executes exactly one instruction of thread tid
	// delivering signal sig (0 for none). The completion is reported by
	// Wait as an EventTrap.
	SingleStep(tid int, sig int) error
	// Wait blocks until a thread of the process stops.
	Wait() (*WaitEvent, error)
	// Halt stops every running thread other than except and returns the
	// notifications received while doing so, threads stopped only
	// because of Halt are not reported.
	Halt(except int) ([]*WaitEvent, error)
	// RequestStop asynchronously interrupts the process, Wait will report
	// a SIGSTOP for one of its threads. Can be called from any goroutine.
	RequestStop() error

	// SetDebugRegister programs debug register slot of thread tid.
	SetDebugRegister(tid int, slot int, addr uint64, size int, kind WatchType) error
	// ClearDebugRegister disables debug register slot of thread tid.
	ClearDebugRegister(tid int, slot int) error

	// Detach detaches from the process, killing it if kill is true.
	Detach(kill bool) error
}

// Debug status register bits.
const (
	dr6SingleStep = 1 << 14
	dr6SlotMask   = 0xf
)
