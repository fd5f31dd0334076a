// Package dwarfbuilder provides a way to build call frame sections
// (.debug_frame and .eh_frame) with arbitrary contents.
package dwarfbuilder

import (
	"bytes"
	"encoding/binary"

	"github.com/go-delve/runctl/pkg/dwarf/leb128"
)

// Program returns a call frame program corresponding to the list of
// arguments. A byte argument is written as is, an int is written as
// SLEB128 and a uint as ULEB128. Byte slices are appended verbatim.
func Program(args ...interface{}) []byte {
	var buf bytes.Buffer
	for _, arg := range args {
		switch x := arg.(type) {
		case byte:
			buf.WriteByte(x)
		case int:
			leb128.EncodeSigned(&buf, int64(x))
		case uint:
			leb128.EncodeUnsigned(&buf, uint64(x))
		case []byte:
			buf.Write(x)
		default:
			panic("unsupported value type")
		}
	}
	return buf.Bytes()
}

// FrameSection builds a .debug_frame or .eh_frame section.
type FrameSection struct {
	buf     bytes.Buffer
	order   binary.ByteOrder
	ptrSize int

	// ehFrameAddr is the address the section is loaded at, zero for
	// .debug_frame.
	ehFrameAddr uint64
}

// NewFrameSection returns a builder for a .debug_frame section.
func NewFrameSection(order binary.ByteOrder, ptrSize int) *FrameSection {
	return &FrameSection{order: order, ptrSize: ptrSize}
}

// NewEHFrameSection returns a builder for a .eh_frame section that will
// be mapped at ehFrameAddr. CIEs are emitted with a "zR" augmentation
// and FDE addresses are encoded as pc-relative signed 4 byte values.
func NewEHFrameSection(order binary.ByteOrder, ehFrameAddr uint64) *FrameSection {
	return &FrameSection{order: order, ptrSize: 8, ehFrameAddr: ehFrameAddr}
}

func (fs *FrameSection) ehFrame() bool {
	return fs.ehFrameAddr != 0
}

func (fs *FrameSection) uint32(n uint32) {
	var b [4]byte
	fs.order.PutUint32(b[:], n)
	fs.buf.Write(b[:])
}

func (fs *FrameSection) addr(n uint64) {
	switch fs.ptrSize {
	case 4:
		fs.uint32(uint32(n))
	default:
		var b [8]byte
		fs.order.PutUint64(b[:], n)
		fs.buf.Write(b[:])
	}
}

// patchLength writes the length of the entry started at off.
func (fs *FrameSection) patchLength(off int) {
	// pad to the pointer size with DW_CFA_nop
	for (fs.buf.Len()-off)%fs.ptrSize != 0 {
		fs.buf.WriteByte(0)
	}
	fs.order.PutUint32(fs.buf.Bytes()[off:], uint32(fs.buf.Len()-off-4))
}

// AddCIE appends a CIE and returns its offset in the section.
func (fs *FrameSection) AddCIE(codeAlign uint, dataAlign int, retAddrReg uint, initial []byte) int {
	off := fs.buf.Len()
	fs.uint32(0) // length
	if fs.ehFrame() {
		fs.uint32(0)
		fs.buf.WriteByte(1) // version
		fs.buf.WriteString("zR\x00")
	} else {
		fs.uint32(0xffffffff)
		fs.buf.WriteByte(3) // version
		fs.buf.WriteByte(0) // augmentation
	}
	leb128.EncodeUnsigned(&fs.buf, uint64(codeAlign))
	leb128.EncodeSigned(&fs.buf, int64(dataAlign))
	if fs.ehFrame() {
		fs.buf.WriteByte(byte(retAddrReg))
		leb128.EncodeUnsigned(&fs.buf, 1)
		fs.buf.WriteByte(0x1b) // DW_EH_PE_pcrel | DW_EH_PE_sdata4
	} else {
		leb128.EncodeUnsigned(&fs.buf, uint64(retAddrReg))
	}
	fs.buf.Write(initial)
	fs.patchLength(off)
	return off
}

// AddFDE appends a FDE covering [begin, begin+size) using the CIE at
// offset cie.
func (fs *FrameSection) AddFDE(cie int, begin, size uint64, instructions []byte) {
	off := fs.buf.Len()
	fs.uint32(0) // length
	if fs.ehFrame() {
		fs.uint32(uint32(fs.buf.Len() - cie))
		pos := fs.ehFrameAddr + uint64(fs.buf.Len())
		fs.uint32(uint32(int32(int64(begin) - int64(pos))))
		fs.uint32(uint32(size))
		leb128.EncodeUnsigned(&fs.buf, 0) // augmentation data length
	} else {
		fs.uint32(uint32(cie))
		fs.addr(begin)
		fs.addr(size)
	}
	fs.buf.Write(instructions)
	fs.patchLength(off)
}

// Bytes returns the contents of the section.
func (fs *FrameSection) Bytes() []byte {
	return fs.buf.Bytes()
}
