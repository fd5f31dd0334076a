package linutil

import (
	"encoding/binary"
	"fmt"

	"github.com/go-delve/runctl/pkg/dwarf/op"
	"github.com/go-delve/runctl/pkg/dwarf/regnum"
)

// AMD64PtraceRegs is the struct used by the linux kernel to return the
// general purpose registers for AMD64 CPUs.
type AMD64PtraceRegs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

func (r *AMD64PtraceRegs) field(regNum uint64) *uint64 {
	switch regNum {
	case regnum.AMD64_Rax:
		return &r.Rax
	case regnum.AMD64_Rbx:
		return &r.Rbx
	case regnum.AMD64_Rcx:
		return &r.Rcx
	case regnum.AMD64_Rdx:
		return &r.Rdx
	case regnum.AMD64_Rsi:
		return &r.Rsi
	case regnum.AMD64_Rdi:
		return &r.Rdi
	case regnum.AMD64_Rbp:
		return &r.Rbp
	case regnum.AMD64_Rsp:
		return &r.Rsp
	case regnum.AMD64_R8:
		return &r.R8
	case regnum.AMD64_R9:
		return &r.R9
	case regnum.AMD64_R10:
		return &r.R10
	case regnum.AMD64_R11:
		return &r.R11
	case regnum.AMD64_R12:
		return &r.R12
	case regnum.AMD64_R13:
		return &r.R13
	case regnum.AMD64_R14:
		return &r.R14
	case regnum.AMD64_R15:
		return &r.R15
	case regnum.AMD64_Rip:
		return &r.Rip
	case regnum.AMD64_Rflags:
		return &r.Eflags
	case regnum.AMD64_Es:
		return &r.Es
	case regnum.AMD64_Cs:
		return &r.Cs
	case regnum.AMD64_Ss:
		return &r.Ss
	case regnum.AMD64_Ds:
		return &r.Ds
	case regnum.AMD64_Fs:
		return &r.Fs
	case regnum.AMD64_Gs:
		return &r.Gs
	case regnum.AMD64_Fs_base:
		return &r.Fs_base
	case regnum.AMD64_Gs_base:
		return &r.Gs_base
	}
	return nil
}

// DwarfRegisters returns a copy of the registers indexed by DWARF
// register number.
func (r *AMD64PtraceRegs) DwarfRegisters() *op.DwarfRegisters {
	regs := make([]*op.DwarfRegister, regnum.AMD64MaxRegNum()+1)
	for num := range regs {
		if p := r.field(uint64(num)); p != nil {
			regs[num] = op.DwarfRegisterFromUint64(*p)
		}
	}
	return op.NewDwarfRegisters(regs, binary.LittleEndian, regnum.AMD64_Rip, regnum.AMD64_Rsp, regnum.AMD64_Rbp)
}

// SetReg changes the value of register regNum.
func (r *AMD64PtraceRegs) SetReg(regNum uint64, value uint64) error {
	p := r.field(regNum)
	if p == nil {
		return fmt.Errorf("can not set %s", regnum.AMD64ToName(regNum))
	}
	*p = value
	return nil
}
