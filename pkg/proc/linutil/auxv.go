package linutil

import (
	"bytes"
	"encoding/binary"
)

const (
	_AT_NULL  = 0
	_AT_BASE  = 7
	_AT_ENTRY = 9
)

// EntryPointFromAuxv searches the elf auxiliary vector for the entry point
// address.
// For a description of the auxiliary vector (auxv) format see:
// System V Application Binary Interface, AMD64 Architecture Processor
// Supplement, section 3.4.3.
func EntryPointFromAuxv(auxv []byte, ptrSize int) uint64 {
	return auxvValue(auxv, ptrSize, _AT_ENTRY)
}

// InterpreterBaseFromAuxv returns the address the dynamic linker was
// loaded at, zero for statically linked programs.
func InterpreterBaseFromAuxv(auxv []byte, ptrSize int) uint64 {
	return auxvValue(auxv, ptrSize, _AT_BASE)
}

func auxvValue(auxv []byte, ptrSize int, want uint64) uint64 {
	rd := bytes.NewBuffer(auxv)

	for {
		tag, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return 0
		}
		val, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return 0
		}

		switch tag {
		case _AT_NULL:
			return 0
		case want:
			return val
		}
	}
}
