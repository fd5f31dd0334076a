package proc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-delve/runctl/pkg/logflags"
)

// Offsets of the fields of struct r_debug and struct link_map, see
// <link.h>.
const (
	rDebugMap   = 8
	rDebugBrk   = 16
	rDebugState = 24

	linkMapAddr = 0
	linkMapName = 8
	linkMapNext = 24

	rtConsistent = 0

	maxLibraries  = 4096
	maxPathLength = 4096
)

// Library is a shared object loaded in the target.
type Library struct {
	Path string
	Base uint64
}

// solibTracker follows the list of shared objects loaded by the dynamic
// linker.
type solibTracker struct {
	rdebug uint64
	brk    uint64
	// waiting is set while the dynamic linker has not initialized r_debug
	// yet.
	waiting bool
	libs    []Library
	loaded  map[string]bool
}

// consistent returns true if the list of loaded objects is not being
// modified.
func (st *solibTracker) consistent(mem MemoryReader) (bool, error) {
	if st.rdebug == 0 {
		return false, nil
	}
	var buf [4]byte
	if _, err := mem.ReadMemory(buf[:], st.rdebug+rDebugState); err != nil {
		return false, ioError("read r_debug", st.rdebug, err)
	}
	return binary.LittleEndian.Uint32(buf[:]) == rtConsistent, nil
}

// read walks the link_map list.
func (st *solibTracker) read(mem MemoryReader, ptrSize int) ([]Library, error) {
	lm, err := readUintRaw(mem, st.rdebug+rDebugMap, ptrSize)
	if err != nil {
		return nil, err
	}
	var libs []Library
	for i := 0; lm != 0; i++ {
		if i >= maxLibraries {
			return libs, fmt.Errorf("link map list too long")
		}
		base, err := readUintRaw(mem, lm+linkMapAddr, ptrSize)
		if err != nil {
			return libs, err
		}
		nameAddr, err := readUintRaw(mem, lm+linkMapName, ptrSize)
		if err != nil {
			return libs, err
		}
		if nameAddr != 0 {
			name, err := readCString(mem, nameAddr)
			if err != nil {
				return libs, err
			}
			if name != "" {
				libs = append(libs, Library{Path: name, Base: base})
			}
		}
		lm, err = readUintRaw(mem, lm+linkMapNext, ptrSize)
		if err != nil {
			return libs, err
		}
	}
	return libs, nil
}

func readCString(mem MemoryReader, addr uint64) (string, error) {
	var out []byte
	buf := make([]byte, 64)
	for len(out) < maxPathLength {
		if _, err := mem.ReadMemory(buf, addr); err != nil {
			return "", ioError("read string", addr, err)
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf...)
		addr += uint64(len(buf))
	}
	return "", fmt.Errorf("string at %#x too long", addr)
}

// setupSolibEvents plants a SolibEventBreakpoint on the hook the dynamic
// linker calls when the list of loaded objects changes. If the dynamic
// linker did not run yet a silent breakpoint on the entry function
// retries later.
func (c *Controller) setupSolibEvents() {
	loader, ok := c.bi.(ImageLoader)
	if !ok || c.solibs.brk != 0 {
		return
	}
	addr, err := loader.RDebugAddr(c.mem())
	if err != nil {
		if logflags.BinInfo() {
			logflags.BinInfoLogger().Debugf("no r_debug: %v", err)
		}
		return
	}
	var brk uint64
	if addr != 0 {
		brk, err = readUintRaw(c.mem(), addr+rDebugBrk, c.arch.PtrSize())
		if err != nil {
			c.log.Warnf("could not read r_debug: %v", err)
			return
		}
	}
	if brk == 0 {
		if c.solibs.waiting {
			return
		}
		entry, err := c.bi.LookupSymbol(c.bi.EntryFunction())
		if err != nil {
			return
		}
		c.solibs.waiting = true
		_, err = c.setInternal(entry, &TempBreakpoint{Silent: true, After: func(c *Controller, th *Thread) error {
			c.setupSolibEvents()
			return nil
		}}, false)
		if err != nil {
			c.log.Warnf("could not set breakpoint on %s: %v", c.bi.EntryFunction(), err)
		}
		return
	}
	c.solibs.rdebug = addr
	c.solibs.brk = brk
	c.solibs.waiting = false
	if _, err := c.setInternal(brk, &SolibEventBreakpoint{}, false); err != nil {
		c.log.Warnf("could not set shared library event breakpoint: %v", err)
	}
	if err := c.rescanLibraries(); err != nil {
		c.log.Warnf("could not read the list of loaded libraries: %v", err)
	}
}

// rescanLibraries reads the list of loaded objects, loads the debug
// information of the new ones and resolves pending event points.
func (c *Controller) rescanLibraries() error {
	loader, ok := c.bi.(ImageLoader)
	if !ok || c.solibs.rdebug == 0 {
		return nil
	}
	libs, err := c.solibs.read(c.mem(), c.arch.PtrSize())
	if c.solibs.loaded == nil {
		c.solibs.loaded = make(map[string]bool)
	}
	for _, lib := range libs {
		if c.solibs.loaded[lib.Path] {
			continue
		}
		if lerr := loader.LoadImage(lib.Path, lib.Base); lerr != nil {
			c.log.Warnf("could not load %s: %v", lib.Path, lerr)
			continue
		}
		c.solibs.loaded[lib.Path] = true
		if logflags.BinInfo() {
			logflags.BinInfoLogger().Debugf("loaded %s at %#x", lib.Path, lib.Base)
		}
	}
	c.solibs.libs = libs
	c.resolvePending()
	c.setupThreadEvents()
	return err
}

// SharedLibraries returns the shared objects loaded in the target.
func (c *Controller) SharedLibraries() []Library {
	return c.solibs.libs
}

// ThreadEventReporter is implemented by backends that report thread
// creation and exit. For the others the thread library's event hooks are
// instrumented with ThreadLifecycleBreakpoints.
type ThreadEventReporter interface {
	ReportsThreadEvents() bool
}

var threadEventSymbols = []string{"__nptl_create_event", "__nptl_death_event"}

// setupThreadEvents plants ThreadLifecycleBreakpoints on the thread
// library event hooks, if the backend needs them.
func (c *Controller) setupThreadEvents() {
	if r, ok := c.proc.(ThreadEventReporter); ok && r.ReportsThreadEvents() {
		return
	}
	for _, sym := range threadEventSymbols {
		addr, err := c.bi.LookupSymbol(sym)
		if err != nil {
			continue
		}
		already := false
		for _, ep := range c.reg.At(addr) {
			if _, ok := ep.Variant.(*ThreadLifecycleBreakpoint); ok {
				already = true
			}
		}
		if already {
			continue
		}
		if _, err := c.setInternal(addr, &ThreadLifecycleBreakpoint{}, false); err != nil {
			c.log.Warnf("could not set thread event breakpoint on %s: %v", sym, err)
		}
	}
}
