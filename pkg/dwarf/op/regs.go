// Package op holds the register snapshot used when unwinding stack frames,
// indexed by DWARF register number.
package op

import (
	"bytes"
	"encoding/binary"
)

// DwarfRegisters holds the value of stack program registers.
type DwarfRegisters struct {
	regs []*DwarfRegister

	ByteOrder binary.ByteOrder
	PCRegNum  uint64
	SPRegNum  uint64
	BPRegNum  uint64

	// Float is the floating point state of the thread, in the format used
	// by the backend. It is carried around unchanged.
	Float []byte
}

type DwarfRegister struct {
	Uint64Val uint64
	Bytes     []byte
}

// NewDwarfRegisters returns a new DwarfRegisters object.
func NewDwarfRegisters(regs []*DwarfRegister, byteOrder binary.ByteOrder, pcRegNum, spRegNum, bpRegNum uint64) *DwarfRegisters {
	return &DwarfRegisters{
		regs:      regs,
		ByteOrder: byteOrder,
		PCRegNum:  pcRegNum,
		SPRegNum:  spRegNum,
		BPRegNum:  bpRegNum,
	}
}

// CurrentSize returns the current number of known registers.
func (regs *DwarfRegisters) CurrentSize() int {
	return len(regs.regs)
}

// Uint64Val returns the uint64 value of register idx.
func (regs *DwarfRegisters) Uint64Val(idx uint64) uint64 {
	reg := regs.Reg(idx)
	if reg == nil {
		return 0
	}
	return reg.Uint64Val
}

// Bytes returns the bytes value of register idx, nil if the register is not
// defined.
func (regs *DwarfRegisters) Bytes(idx uint64) []byte {
	reg := regs.Reg(idx)
	if reg == nil {
		return nil
	}
	if reg.Bytes == nil {
		var buf bytes.Buffer
		binary.Write(&buf, regs.ByteOrder, reg.Uint64Val)
		reg.Bytes = buf.Bytes()
	}
	return reg.Bytes
}

// Reg returns register idx or nil if the register is not defined.
func (regs *DwarfRegisters) Reg(idx uint64) *DwarfRegister {
	if idx >= uint64(len(regs.regs)) {
		return nil
	}
	return regs.regs[idx]
}

func (regs *DwarfRegisters) PC() uint64 {
	return regs.Uint64Val(regs.PCRegNum)
}

func (regs *DwarfRegisters) SP() uint64 {
	return regs.Uint64Val(regs.SPRegNum)
}

func (regs *DwarfRegisters) BP() uint64 {
	return regs.Uint64Val(regs.BPRegNum)
}

// AddReg adds register idx to regs.
func (regs *DwarfRegisters) AddReg(idx uint64, reg *DwarfRegister) {
	if idx >= uint64(len(regs.regs)) {
		newRegs := make([]*DwarfRegister, idx+1)
		copy(newRegs, regs.regs)
		regs.regs = newRegs
	}
	regs.regs[idx] = reg
}

// SetUint64 sets register idx to v, discarding any byte representation it
// had.
func (regs *DwarfRegisters) SetUint64(idx uint64, v uint64) {
	regs.AddReg(idx, DwarfRegisterFromUint64(v))
}

// Defined returns the numbers of all registers that have a value, in
// increasing order.
func (regs *DwarfRegisters) Defined() []uint64 {
	r := make([]uint64, 0, len(regs.regs))
	for i, reg := range regs.regs {
		if reg != nil {
			r = append(r, uint64(i))
		}
	}
	return r
}

// Copy returns a deep copy of regs.
func (regs *DwarfRegisters) Copy() *DwarfRegisters {
	r := *regs
	r.regs = make([]*DwarfRegister, len(regs.regs))
	for i, reg := range regs.regs {
		if reg == nil {
			continue
		}
		nreg := *reg
		if reg.Bytes != nil {
			nreg.Bytes = append([]byte(nil), reg.Bytes...)
		}
		r.regs[i] = &nreg
	}
	if regs.Float != nil {
		r.Float = append([]byte(nil), regs.Float...)
	}
	return &r
}

// ClearRegisters clears all registers.
func (regs *DwarfRegisters) ClearRegisters() {
	for regnum := range regs.regs {
		regs.regs[regnum] = nil
	}
}

func DwarfRegisterFromUint64(v uint64) *DwarfRegister {
	return &DwarfRegister{Uint64Val: v}
}

func DwarfRegisterFromBytes(bytes []byte) *DwarfRegister {
	var v uint64
	switch len(bytes) {
	case 1:
		v = uint64(bytes[0])
	case 2:
		x := binary.LittleEndian.Uint16(bytes)
		v = uint64(x)
	case 4:
		x := binary.LittleEndian.Uint32(bytes)
		v = uint64(x)
	default:
		if len(bytes) >= 8 {
			v = binary.LittleEndian.Uint64(bytes[:8])
		}
	}
	return &DwarfRegister{Uint64Val: v, Bytes: bytes}
}

// FillBytes fills the Bytes slice of reg using Uint64Val.
func (reg *DwarfRegister) FillBytes() {
	if reg.Bytes != nil {
		return
	}
	reg.Bytes = make([]byte, 8)
	binary.LittleEndian.PutUint64(reg.Bytes, reg.Uint64Val)
}
