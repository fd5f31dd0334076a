package proc

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-delve/runctl/pkg/dwarf/op"
	"github.com/go-delve/runctl/pkg/dwarf/regnum"
)

// AMD64 represents the AMD64 CPU architecture.
type AMD64 struct {
	goos string
}

var amd64BreakInstruction = []byte{0xCC}

// AMD64Arch returns an initialized AMD64
// struct.
func AMD64Arch(goos string) *AMD64 {
	return &AMD64{
		goos: goos,
	}
}

func (a *AMD64) Name() string {
	return "amd64"
}

// PtrSize returns the size of a pointer
// on this architecture.
func (a *AMD64) PtrSize() int {
	return 8
}

// MaxInstructionLength returns the maximum length of an instruction.
func (a *AMD64) MaxInstructionLength() int {
	return 15
}

// BreakpointInstruction returns the Breakpoint
// instruction for this architecture.
func (a *AMD64) BreakpointInstruction() []byte {
	return amd64BreakInstruction
}

// BreakInstrMovesPC returns whether the
// breakpoint instruction will change the value
// of PC after being executed
func (a *AMD64) BreakInstrMovesPC() bool {
	return true
}

// BreakpointSize returns the size of the
// breakpoint instruction on this architecture.
func (a *AMD64) BreakpointSize() int {
	return len(amd64BreakInstruction)
}

// DebugRegisterCount returns the number of address registers, DR0
// through DR3.
func (a *AMD64) DebugRegisterCount() int {
	return 4
}

func (a *AMD64) SupportsExecWatch() bool {
	return true
}

// ValidWatchSize returns true if size is 1, 2, 4 or 8 and addr is aligned
// to size, as required by DR7.
func (a *AMD64) ValidWatchSize(addr uint64, size int) bool {
	switch size {
	case 1, 2, 4, 8:
		return addr%uint64(size) == 0
	}
	return false
}

func (a *AMD64) PCRegNum() uint64 {
	return regnum.AMD64_Rip
}

func (a *AMD64) SPRegNum() uint64 {
	return regnum.AMD64_Rsp
}

func (a *AMD64) BPRegNum() uint64 {
	return regnum.AMD64_Rbp
}

func (a *AMD64) DefaultCFARegNum() uint64 {
	return regnum.AMD64_Rsp
}

func (a *AMD64) RegisterName(num uint64) string {
	return regnum.AMD64ToName(num)
}

func (a *AMD64) RegisterNum(name string) (uint64, bool) {
	n, ok := regnum.AMD64NameToDwarf[strings.ToLower(name)]
	if !ok {
		return 0, false
	}
	return uint64(n), true
}

func (a *AMD64) IsSigtramp(fn string) bool {
	return fn == "__restore_rt"
}

// Offset of uc_mcontext inside struct ucontext: uc_flags, uc_link and
// uc_stack come first.
const amd64UcontextMcontextOffset = 40

// SigtrampRegisters reads the sigcontext saved on the stack of the signal
// trampoline. When the trampoline runs the return address of the handler
// (pretcode) has been popped and sp points to the ucontext.
func (a *AMD64) SigtrampRegisters(mem MemoryReader, sp uint64) (*op.DwarfRegisters, error) {
	order := regnum.AMD64GeneralRegisters()
	buf := make([]byte, 8*len(order))
	if _, err := mem.ReadMemory(buf, sp+amd64UcontextMcontextOffset); err != nil {
		return nil, fmt.Errorf("could not read signal context: %w", err)
	}
	regs := make([]*op.DwarfRegister, regnum.AMD64MaxRegNum()+1)
	for i, num := range order {
		regs[num] = op.DwarfRegisterFromUint64(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	dregs := op.NewDwarfRegisters(regs, binary.LittleEndian, regnum.AMD64_Rip, regnum.AMD64_Rsp, regnum.AMD64_Rbp)
	return dregs, nil
}

func (a *AMD64) IsDynamicResolver(fn string) bool {
	return strings.HasPrefix(fn, "_dl_runtime_resolve")
}

// DynamicResolverReturnOffset: PLT0 pushed the link map and the PLT stub
// pushed the relocation index on top of the return address.
func (a *AMD64) DynamicResolverReturnOffset() uint64 {
	return 16
}
