package linutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-delve/runctl/pkg/proc"
)

const (
	_DT_NULL  = 0  // DT_NULL as defined by SysV ABI specification
	_DT_DEBUG = 21 // DT_DEBUG as defined by SysV ABI specification
)

// readUintRaw reads an integer of ptrSize bytes, with the specified byte order, from reader.
func readUintRaw(reader io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
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

// DynamicSearchDebug searches the .dynamic section loaded at addr for the
// DT_DEBUG entry and returns its value, the address of the dynamic
// linker's r_debug structure. Zero is returned if the dynamic linker did
// not fill it in yet.
func DynamicSearchDebug(mem proc.MemoryReader, addr, size uint64, ptrSize int) (uint64, error) {
	dynbuf := make([]byte, size)
	_, err := mem.ReadMemory(dynbuf, addr)
	if err != nil {
		return 0, err
	}

	rd := bytes.NewReader(dynbuf)

	for {
		var tag, val uint64
		if tag, err = readUintRaw(rd, binary.LittleEndian, ptrSize); err != nil {
			if err == io.EOF {
				return 0, nil
			}
			return 0, err
		}
		if val, err = readUintRaw(rd, binary.LittleEndian, ptrSize); err != nil {
			return 0, err
		}
		switch tag {
		case _DT_NULL:
			return 0, nil
		case _DT_DEBUG:
			return val, nil
		}
	}
}
