package regnum

import (
	"fmt"
	"strings"
)

// The mapping between hardware registers and DWARF registers is specified
// in the System V ABI AMD64 Architecture Processor Supplement v. 1.0 page 61,
// figure 3.36
// https://gitlab.com/x86-psABIs/x86-64-ABI/-/tree/master

const (
	AMD64_Rax     = 0
	AMD64_Rdx     = 1
	AMD64_Rcx     = 2
	AMD64_Rbx     = 3
	AMD64_Rsi     = 4
	AMD64_Rdi     = 5
	AMD64_Rbp     = 6
	AMD64_Rsp     = 7
	AMD64_R8      = 8
	AMD64_R9      = 9
	AMD64_R10     = 10
	AMD64_R11     = 11
	AMD64_R12     = 12
	AMD64_R13     = 13
	AMD64_R14     = 14
	AMD64_R15     = 15
	AMD64_Rip     = 16
	AMD64_Rflags  = 49
	AMD64_Es      = 50
	AMD64_Cs      = 51
	AMD64_Ss      = 52
	AMD64_Ds      = 53
	AMD64_Fs      = 54
	AMD64_Gs      = 55
	AMD64_Fs_base = 58
	AMD64_Gs_base = 59
)

var amd64DwarfToName = map[uint64]string{
	AMD64_Rax:     "Rax",
	AMD64_Rdx:     "Rdx",
	AMD64_Rcx:     "Rcx",
	AMD64_Rbx:     "Rbx",
	AMD64_Rsi:     "Rsi",
	AMD64_Rdi:     "Rdi",
	AMD64_Rbp:     "Rbp",
	AMD64_Rsp:     "Rsp",
	AMD64_R8:      "R8",
	AMD64_R9:      "R9",
	AMD64_R10:     "R10",
	AMD64_R11:     "R11",
	AMD64_R12:     "R12",
	AMD64_R13:     "R13",
	AMD64_R14:     "R14",
	AMD64_R15:     "R15",
	AMD64_Rip:     "Rip",
	AMD64_Rflags:  "Rflags",
	AMD64_Es:      "Es",
	AMD64_Cs:      "Cs",
	AMD64_Ss:      "Ss",
	AMD64_Ds:      "Ds",
	AMD64_Fs:      "Fs",
	AMD64_Gs:      "Gs",
	AMD64_Fs_base: "Fs_base",
	AMD64_Gs_base: "Gs_base",
}

// AMD64NameToDwarf maps lower case register names to DWARF register
// numbers.
var AMD64NameToDwarf = func() map[string]int {
	r := make(map[string]int)
	for regNum, regName := range amd64DwarfToName {
		r[strings.ToLower(regName)] = int(regNum)
	}
	r["eflags"] = AMD64_Rflags
	r["pc"] = AMD64_Rip
	r["sp"] = AMD64_Rsp
	r["fp"] = AMD64_Rbp
	return r
}()

// AMD64MaxRegNum returns the highest DWARF register number with a name.
func AMD64MaxRegNum() uint64 {
	max := uint64(AMD64_Rip)
	for i := range amd64DwarfToName {
		if i > max {
			max = i
		}
	}
	return max
}

// AMD64ToName returns the name of DWARF register num.
func AMD64ToName(num uint64) string {
	name, ok := amd64DwarfToName[num]
	if ok {
		return name
	}
	return fmt.Sprintf("unknown%d", num)
}

// AMD64GeneralRegisters returns the DWARF numbers of the registers saved
// by the kernel in a signal frame, in the order they are laid out in
// struct sigcontext.
func AMD64GeneralRegisters() []uint64 {
	return []uint64{
		AMD64_R8, AMD64_R9, AMD64_R10, AMD64_R11, AMD64_R12, AMD64_R13, AMD64_R14, AMD64_R15,
		AMD64_Rdi, AMD64_Rsi, AMD64_Rbp, AMD64_Rbx, AMD64_Rdx, AMD64_Rax, AMD64_Rcx, AMD64_Rsp,
		AMD64_Rip,
	}
}
