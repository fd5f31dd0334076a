package proc

import (
	"fmt"

	"github.com/go-delve/runctl/pkg/dwarf/frame"
)

// Function describes a function in the target program.
type Function struct {
	Name       string
	Entry, End uint64 // same as DW_AT_lowpc and DW_AT_highpc
}

// Location represents the location of a thread or a frame.
// Holds information on the current instruction
// address, the source file:line, and the function.
type Location struct {
	PC   uint64
	File string
	Line int
	Fn   *Function
}

// HasLineInfo returns true if l maps to a source line.
func (l *Location) HasLineInfo() bool {
	return l.File != "" && l.Line > 0
}

func (l *Location) String() string {
	fname := "?"
	if l.Fn != nil {
		fname = l.Fn.Name
	}
	if !l.HasLineInfo() {
		return fmt.Sprintf("%#x in %s", l.PC, fname)
	}
	return fmt.Sprintf("%#x in %s at %s:%d", l.PC, fname, l.File, l.Line)
}

// DebugInfo is the debug information provider used by the controller.
type DebugInfo interface {
	// PCToLocation resolves pc to a function and source line, fields
	// that can not be resolved are left empty.
	PCToLocation(pc uint64) Location
	// FDEForPC returns the unwind program covering pc, a
	// *frame.ErrNoFDEForPC error is returned when there is none.
	FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error)
	// LookupSymbol returns the address of the named symbol.
	LookupSymbol(name string) (uint64, error)
	// LineToPC returns the first statement address of file:line.
	LineToPC(file string, line int) (uint64, error)
	// EntryFunction is the name of the function where stack traces end,
	// usually main.
	EntryFunction() string
	// PlausiblePC returns true if pc is inside some executable mapping.
	PlausiblePC(pc uint64) bool
}

// ImageLoader is implemented by debug information providers that can
// load the debug information of shared libraries.
type ImageLoader interface {
	// LoadImage adds the image at path, loaded at address base.
	// Loading an image that is already loaded is a no-op.
	LoadImage(path string, base uint64) error
	// RDebugAddr returns the address of the dynamic linker's r_debug
	// structure, reading it from the dynamic section of the executable.
	RDebugAddr(mem MemoryReader) (uint64, error)
}

// Reloader is implemented by debug information providers that can reload
// the debug information of the target after an exec.
type Reloader interface {
	Reload(pid int) error
}
