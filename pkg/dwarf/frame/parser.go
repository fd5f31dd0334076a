// Package frame contains data structures and
// related functions for parsing and searching
// through Dwarf .debug_frame and .eh_frame data,
// and the interpreter for call frame programs.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-delve/runctl/pkg/dwarf/leb128"
)

type parsefunc func(*parseContext) parsefunc

type parseContext struct {
	staticBase  uint64
	ehFrameAddr uint64

	buf      *bytes.Buffer
	totalLen int
	order    binary.ByteOrder
	entries  FrameDescriptionEntries
	ciemap   map[int]*CommonInformationEntry
	common   *CommonInformationEntry
	frame    *FrameDescriptionEntry
	length   uint32
	ptrSize  int
	start    int
	err      error
}

// Parse takes in data (a byte slice) and returns FrameDescriptionEntries,
// which is a slice of FrameDescriptionEntry. Each FrameDescriptionEntry
// has a pointer to CommonInformationEntry.
// If ehFrameAddr is not zero the .eh_frame format will be used, a minor variant of .debug_frame,
// and ehFrameAddr will be used as the address at which eh_frame will be mapped into memory.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, ehFrameAddr uint64) (FrameDescriptionEntries, error) {
	var (
		buf  = bytes.NewBuffer(data)
		pctx = &parseContext{buf: buf, totalLen: len(data), order: order, entries: newFrameIndex(), staticBase: staticBase, ptrSize: ptrSize, ehFrameAddr: ehFrameAddr, ciemap: map[int]*CommonInformationEntry{}}
	)

	for fn := parselength; buf.Len() != 0; {
		fn = fn(pctx)
		if pctx.err != nil {
			return nil, pctx.err
		}
	}

	for i := range pctx.entries {
		pctx.entries[i].order = order
	}

	return pctx.entries.Append(nil), nil
}

func (ctx *parseContext) parsingEHFrame() bool {
	return ctx.ehFrameAddr > 0
}

func (ctx *parseContext) offset() int {
	return ctx.totalLen - ctx.buf.Len()
}

func (ctx *parseContext) fail(format string, args ...interface{}) parsefunc {
	ctx.err = fmt.Errorf("could not parse frame entry at %#x: %s", ctx.start, fmt.Sprintf(format, args...))
	return nil
}

func parselength(ctx *parseContext) parsefunc {
	ctx.start = ctx.offset()
	if ctx.buf.Len() < 4 {
		return ctx.fail("truncated length")
	}
	ctx.length = ctx.order.Uint32(ctx.buf.Next(4))

	if ctx.length == 0 {
		// ZERO terminator
		return parselength
	}
	if ctx.length == 0xffffffff {
		return ctx.fail("64bit DWARF format not supported")
	}
	if uint32(ctx.buf.Len()) < ctx.length || ctx.length < 4 {
		return ctx.fail("entry length %#x exceeds section", ctx.length)
	}

	idpos := ctx.offset()
	id := ctx.order.Uint32(ctx.buf.Next(4))

	ctx.length -= 4 // take off the length of the CIE id / CIE pointer.

	if cieEntry(id, ctx.parsingEHFrame()) {
		ctx.common = &CommonInformationEntry{Length: ctx.length, CIE_id: id, staticBase: ctx.staticBase, ptrSize: ctx.ptrSize}
		ctx.ciemap[ctx.start] = ctx.common
		return parseCIE
	}

	cieoff := int(id)
	if ctx.parsingEHFrame() {
		cieoff = idpos - int(id)
	}
	cie, ok := ctx.ciemap[cieoff]
	if !ok {
		return ctx.fail("unknown CIE at %#x", cieoff)
	}
	ctx.frame = &FrameDescriptionEntry{Length: ctx.length, CIE: cie}
	return parseFDE
}

func cieEntry(id uint32, ehframe bool) bool {
	if ehframe {
		return id == 0
	}
	return id == 0xffffffff
}

func parseFDE(ctx *parseContext) parsefunc {
	startoff := ctx.offset()
	r := ctx.buf.Next(int(ctx.length))
	reader := bytes.NewReader(r)

	var err error
	if ctx.parsingEHFrame() {
		ctx.frame.begin, err = readEncodedPtr(reader, ctx.frame.CIE.ptrEncAddr, ctx.ehFrameAddr+uint64(startoff), ctx.ptrSize, ctx.order)
		if err != nil {
			return ctx.fail("pc_begin: %v", err)
		}
		ctx.frame.size, err = readEncodedPtr(reader, ctx.frame.CIE.ptrEncAddr&0x0f, 0, ctx.ptrSize, ctx.order)
		if err != nil {
			return ctx.fail("pc_range: %v", err)
		}
		if strings.HasPrefix(ctx.frame.CIE.Augmentation, "z") {
			n, _, err := leb128.DecodeUnsigned(reader)
			if err != nil || uint64(reader.Len()) < n {
				return ctx.fail("augmentation data")
			}
			reader.Seek(int64(n), io.SeekCurrent)
		}
	} else {
		ctx.frame.begin, err = readUintRaw(reader, ctx.order, ctx.ptrSize)
		if err != nil {
			return ctx.fail("initial_location: %v", err)
		}
		ctx.frame.size, err = readUintRaw(reader, ctx.order, ctx.ptrSize)
		if err != nil {
			return ctx.fail("address_range: %v", err)
		}
	}
	ctx.frame.begin += ctx.staticBase

	// Insert into the tree after setting address range begin
	// otherwise compares won't work.
	ctx.entries = append(ctx.entries, ctx.frame)

	// The rest of this entry consists of the instructions
	// so we can just grab all of the data from the buffer
	// cursor to length.
	ctx.frame.Instructions = r[len(r)-reader.Len():]
	ctx.length = 0

	return parselength
}

func parseCIE(ctx *parseContext) parsefunc {
	data := ctx.buf.Next(int(ctx.length))
	buf := bytes.NewBuffer(data)
	var err error

	// parse version
	ctx.common.Version, err = buf.ReadByte()
	if err != nil {
		return ctx.fail("version: %v", err)
	}

	// parse augmentation
	ctx.common.Augmentation, err = buf.ReadString(0)
	if err != nil {
		return ctx.fail("augmentation: %v", err)
	}
	ctx.common.Augmentation = strings.TrimSuffix(ctx.common.Augmentation, "\x00")

	if strings.Contains(ctx.common.Augmentation, "eh") {
		// the eh_data field is present only in very old versions of GCC
		buf.Next(ctx.ptrSize)
	}

	// parse code alignment factor
	if ctx.common.CodeAlignmentFactor, _, err = leb128.DecodeUnsigned(buf); err != nil {
		return ctx.fail("code alignment factor: %v", err)
	}

	// parse data alignment factor
	if ctx.common.DataAlignmentFactor, _, err = leb128.DecodeSigned(buf); err != nil {
		return ctx.fail("data alignment factor: %v", err)
	}

	// parse return address register
	if ctx.parsingEHFrame() && ctx.common.Version == 1 {
		b, err := buf.ReadByte()
		if err != nil {
			return ctx.fail("return address register: %v", err)
		}
		ctx.common.ReturnAddressRegister = uint64(b)
	} else {
		if ctx.common.ReturnAddressRegister, _, err = leb128.DecodeUnsigned(buf); err != nil {
			return ctx.fail("return address register: %v", err)
		}
	}

	ctx.common.ptrEncAddr = ptrEncAbs

	if strings.HasPrefix(ctx.common.Augmentation, "z") {
		n, _, err := leb128.DecodeUnsigned(buf)
		if err != nil || uint64(buf.Len()) < n {
			return ctx.fail("augmentation data length")
		}
		augdata := bytes.NewReader(buf.Next(int(n)))
	augloop:
		for _, ch := range ctx.common.Augmentation[1:] {
			switch ch {
			case 'L':
				// LSDA pointer encoding, the LSDA itself is in the FDE augmentation data
				augdata.ReadByte()
			case 'R':
				b, err := augdata.ReadByte()
				if err != nil {
					return ctx.fail("FDE pointer encoding: %v", err)
				}
				ctx.common.ptrEncAddr = ptrEnc(b)
				if !ctx.common.ptrEncAddr.Supported() {
					return ctx.fail("pointer encoding not supported %#x", b)
				}
			case 'P':
				b, err := augdata.ReadByte()
				if err != nil {
					return ctx.fail("personality encoding: %v", err)
				}
				if _, err := readEncodedPtr(augdata, ptrEnc(b)&^ptrEncFlagsMask, 0, ctx.ptrSize, ctx.order); err != nil {
					return ctx.fail("personality: %v", err)
				}
			case 'S':
				ctx.common.SignalFrame = true
			default:
				// the length of the augmentation data lets us skip what we
				// don't understand.
				break augloop
			}
		}
	}

	// parse initial instructions
	// The rest of this entry consists of the instructions
	// so we can just grab all of the data from the buffer
	// cursor to length.
	ctx.common.InitialInstructions = buf.Bytes()
	ctx.length = 0

	return parselength
}

// readUintRaw reads an integer of ptrSize bytes, with the specified byte order, from reader.
func readUintRaw(reader io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 2:
		var n uint16
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 4:
		var n uint32
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("not supported ptr size %d", ptrSize)
}

func readIntRaw(reader io.Reader, order binary.ByteOrder, size int) (int64, error) {
	n, err := readUintRaw(reader, order, size)
	if err != nil {
		return 0, err
	}
	switch size {
	case 2:
		return int64(int16(n)), nil
	case 4:
		return int64(int32(n)), nil
	}
	return int64(n), nil
}

// readEncodedPtr reads a pointer from buf encoded as specified by ptrEnc.
// This function is used to read pointers from a .eh_frame section, when
// used to parse a .debug_frame section ptrEnc will always be ptrEncAbs.
// The parameter addr is the address that the current byte of 'buf' will be
// mapped to when the executable file containing the eh_frame section being
// parse is loaded in memory.
func readEncodedPtr(buf *bytes.Reader, ptrEnc ptrEnc, addr uint64, ptrSize int, order binary.ByteOrder) (uint64, error) {
	if ptrEnc == ptrEncOmit {
		return 0, nil
	}
	if !ptrEnc.Supported() {
		return 0, fmt.Errorf("pointer encoding not supported %#x", ptrEnc)
	}

	var (
		ptr uint64
		err error
	)

	switch ptrEnc & 0xf {
	case ptrEncAbs, ptrEncSigned:
		ptr, err = readUintRaw(buf, order, ptrSize)
	case ptrEncUleb:
		ptr, _, err = leb128.DecodeUnsigned(buf)
	case ptrEncUdata2:
		ptr, err = readUintRaw(buf, order, 2)
	case ptrEncSdata2:
		var n int64
		n, err = readIntRaw(buf, order, 2)
		ptr = uint64(n)
	case ptrEncUdata4:
		ptr, err = readUintRaw(buf, order, 4)
	case ptrEncSdata4:
		var n int64
		n, err = readIntRaw(buf, order, 4)
		ptr = uint64(n)
	case ptrEncUdata8, ptrEncSdata8:
		ptr, err = readUintRaw(buf, order, 8)
	case ptrEncSleb:
		var n int64
		n, _, err = leb128.DecodeSigned(buf)
		ptr = uint64(n)
	default:
		err = errors.New("unknown pointer size encoding")
	}
	if err != nil {
		return 0, err
	}

	if ptrEnc&0xf0 == ptrEncPCRel {
		ptr += addr
	}

	return ptr, nil
}
