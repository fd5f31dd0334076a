// Package leb128 reads and writes the variable length integers used by
// DWARF and by the call frame sections of ELF files (DWARF 4, section
// 7.6).
package leb128
