package amd64util

import (
	"errors"
	"fmt"
)

// DebugRegisters represents x86 debug registers described in the Intel 64
// and IA-32 Architectures Software Developer's Manual, Vol. 3B, section
// 17.2
type DebugRegisters struct {
	pAddrs     [4]*uint64
	pDR6, pDR7 *uint64
	Dirty      bool
}

func NewDebugRegisters(pDR0, pDR1, pDR2, pDR3, pDR6, pDR7 *uint64) *DebugRegisters {
	return &DebugRegisters{
		pAddrs: [4]*uint64{pDR0, pDR1, pDR2, pDR3},
		pDR6:   pDR6,
		pDR7:   pDR7,
		Dirty:  false,
	}
}

// Access is the kind of access that triggers a debug register, the values
// are the R/W bits of DR7.
type Access uint8

const (
	AccessExec      Access = 0x0
	AccessWrite     Access = 0x1
	AccessReadWrite Access = 0x3
)

func lenrwBitsOffset(idx uint8) uint8 {
	return 16 + idx*4
}

func enableBitOffset(idx uint8) uint8 {
	return idx * 2
}

func (drs *DebugRegisters) breakpoint(idx uint8) (addr uint64, access Access, sz int, enabled bool) {
	enable := *(drs.pDR7) & (1 << enableBitOffset(idx))
	if enable == 0 {
		return 0, 0, 0, false
	}

	addr = *(drs.pAddrs[idx])
	lenrw := (*(drs.pDR7) >> lenrwBitsOffset(idx)) & 0xf
	access = Access(lenrw & 0x3)
	switch lenrw >> 2 {
	case 0x0:
		sz = 1
	case 0x1:
		sz = 2
	case 0x2:
		sz = 8 // sic
	case 0x3:
		sz = 4
	}
	return addr, access, sz, true
}

// SetBreakpoint sets hardware breakpoint at index 'idx' to the specified
// address, access kind and size. Execution breakpoints must have size 1.
// If the breakpoint is already in use but the parameters match it does
// nothing.
func (drs *DebugRegisters) SetBreakpoint(idx uint8, addr uint64, access Access, sz int) error {
	if int(idx) >= len(drs.pAddrs) {
		return fmt.Errorf("hardware breakpoints exhausted")
	}
	curaddr, curaccess, cursz, enabled := drs.breakpoint(idx)
	if enabled {
		if (curaddr != addr) || (curaccess != access) || (cursz != sz) {
			return fmt.Errorf("hardware breakpoint %d already in use (address %#x)", idx, curaddr)
		}
		// hardware breakpoint already set
		return nil
	}

	if access == AccessExec && sz != 1 {
		return errors.New("execution breakpoints must have size 1")
	}
	if addr%uint64(sz) != 0 {
		return fmt.Errorf("address %#x not aligned to %d", addr, sz)
	}

	*(drs.pAddrs[idx]) = addr
	lenrw := uint64(access)
	switch sz {
	case 1:
		// already ok
	case 2:
		lenrw |= 0x1 << 2
	case 4:
		lenrw |= 0x3 << 2
	case 8:
		lenrw |= 0x2 << 2
	default:
		return fmt.Errorf("data breakpoint of size %d not supported", sz)
	}
	*(drs.pDR7) &^= (0xf << lenrwBitsOffset(idx)) // clear old settings
	*(drs.pDR7) |= lenrw << lenrwBitsOffset(idx)
	*(drs.pDR7) |= 1 << enableBitOffset(idx) // enable
	drs.Dirty = true
	return nil
}

// ClearBreakpoint disables the hardware breakpoint at index 'idx'. If the
// breakpoint was already disabled it does nothing.
func (drs *DebugRegisters) ClearBreakpoint(idx uint8) {
	if *(drs.pDR7)&(1<<enableBitOffset(idx)) == 0 {
		return
	}
	*(drs.pDR7) &^= (1 << enableBitOffset(idx))
	*(drs.pAddrs[idx]) = 0
	drs.Dirty = true
}

// Status returns the value of DR6 and clears it, the processor never
// clears the condition bits on its own.
func (drs *DebugRegisters) Status() uint64 {
	dr6 := *drs.pDR6
	if dr6 != 0 {
		*drs.pDR6 = 0
		drs.Dirty = true
	}
	return dr6
}
