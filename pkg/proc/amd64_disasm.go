package proc

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"
)

func (a *AMD64) decode(mem MemoryReader, pc uint64) (x86asm.Inst, error) {
	buf := make([]byte, a.MaxInstructionLength())
	n, err := mem.ReadMemory(buf, pc)
	if n == 0 && err != nil {
		return x86asm.Inst{}, err
	}
	return x86asm.Decode(buf[:n], 64)
}

// IsCall returns the length of the call instruction at pc.
func (a *AMD64) IsCall(mem MemoryReader, pc uint64) (int, bool) {
	inst, err := a.decode(mem, pc)
	if err != nil || inst.Op != x86asm.CALL {
		return 0, false
	}
	return inst.Len, true
}

// IndirectJumpTarget decodes a 'jmp qword ptr [rip+disp]' at pc and reads
// its destination.
func (a *AMD64) IndirectJumpTarget(mem MemoryReader, pc uint64) (uint64, bool) {
	inst, err := a.decode(mem, pc)
	if err != nil || inst.Op != x86asm.JMP {
		return 0, false
	}
	arg, ok := inst.Args[0].(x86asm.Mem)
	if !ok || arg.Base != x86asm.RIP || arg.Index != 0 {
		return 0, false
	}
	addr := pc + uint64(inst.Len) + uint64(arg.Disp)
	var buf [8]byte
	if _, err := mem.ReadMemory(buf[:], addr); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}
