package proc

import (
	"github.com/go-delve/runctl/pkg/dwarf/op"
)

// Arch defines an interface for representing a
// CPU architecture.
type Arch interface {
	Name() string
	PtrSize() int
	MaxInstructionLength() int
	BreakpointInstruction() []byte
	BreakpointSize() int
	// BreakInstrMovesPC is true if hitting the breakpoint instruction
	// leaves the PC after it.
	BreakInstrMovesPC() bool

	// DebugRegisterCount is the number of hardware debug registers usable
	// for breakpoints and watchpoints.
	DebugRegisterCount() int
	// SupportsExecWatch is true if debug registers can trigger on
	// instruction execution.
	SupportsExecWatch() bool
	// ValidWatchSize returns true if a watchpoint of size bytes can be
	// set at addr.
	ValidWatchSize(addr uint64, size int) bool

	PCRegNum() uint64
	SPRegNum() uint64
	BPRegNum() uint64
	// DefaultCFARegNum is the register used as base of the CFA before
	// any call frame instruction is executed.
	DefaultCFARegNum() uint64
	RegisterName(regnum uint64) string
	RegisterNum(name string) (uint64, bool)

	// IsCall returns the length of the instruction at pc if it is a call.
	IsCall(mem MemoryReader, pc uint64) (int, bool)
	// IndirectJumpTarget returns the destination of a jump through memory
	// at pc, such as the first instruction of a PLT stub.
	IndirectJumpTarget(mem MemoryReader, pc uint64) (uint64, bool)

	// IsSigtramp returns true if fn is the signal return trampoline.
	IsSigtramp(fn string) bool
	// SigtrampRegisters reads the registers saved by the kernel when
	// delivering a signal from the frame of the signal trampoline, sp is
	// the stack pointer of the trampoline frame.
	SigtrampRegisters(mem MemoryReader, sp uint64) (*op.DwarfRegisters, error)
	// IsDynamicResolver returns true if fn is the lazy binding entry
	// point of the dynamic linker.
	IsDynamicResolver(fn string) bool
	// DynamicResolverReturnOffset is the offset from the stack pointer,
	// at the entry of the dynamic resolver, of the return address of the
	// call that went through the PLT.
	DynamicResolverReturnOffset() uint64
}
