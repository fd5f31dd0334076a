package proc

import (
	"testing"
)

const (
	testRDebug  = fakeDataBase + 0x100
	testLinkMap = fakeDataBase + 0x200
	testLibName = fakeDataBase + 0x300
	testLibBase = 0x7f000000
)

// fakeSolibInfo is a fakeBinInfo that can load shared libraries, the
// symbols of a library become visible when it is loaded.
type fakeSolibInfo struct {
	*fakeBinInfo
	libSymbols map[string]map[string]uint64
	loaded     []Library
}

func (bi *fakeSolibInfo) LoadImage(path string, base uint64) error {
	bi.loaded = append(bi.loaded, Library{Path: path, Base: base})
	for name, addr := range bi.libSymbols[path] {
		bi.symbols[name] = addr
	}
	return nil
}

func (bi *fakeSolibInfo) RDebugAddr(mem MemoryReader) (uint64, error) {
	return testRDebug, nil
}

// solibProgram assembles:
//
//	start:	nop
//	main:	call brk
//	ret1:	call brk
//	ret2:	call foo
//		hlt
//	brk:	ret
//	foo:	nop
//		ret
//
// brk plays the role of the dynamic linker hook, foo is a function of
// libfoo.so.
func solibProgram() (*asm, *fakeProcess, *fakeSolibInfo) {
	a := newAsm().
		label("start").nop().
		label("main").call("brk").
		label("ret1").call("brk").
		label("ret2").call("foo").hlt().
		label("brk").ret().
		label("foo").nop().ret().
		label("end")
	p := newFakeProcess(testPid, a.bytes())
	bi := &fakeSolibInfo{
		fakeBinInfo: newFakeBinInfo(),
		libSymbols:  map[string]map[string]uint64{"libfoo.so": {"foo": a.addr("foo")}},
	}
	bi.addFunc("_start", a.addr("start"), a.addr("main"))
	bi.addFunc("main", a.addr("main"), a.addr("brk"))
	bi.addFunc("_dl_debug_state", a.addr("brk"), a.addr("foo"))
	return a, p, bi
}

// addLibrary links libfoo.so in the list of loaded objects.
func addLibrary(p *fakeProcess) {
	p.WriteMemory(testLibName, append([]byte("libfoo.so"), 0))
	p.putUint64(testLinkMap+linkMapAddr, testLibBase)
	p.putUint64(testLinkMap+linkMapName, testLibName)
	p.putUint64(testLinkMap+linkMapNext, 0)
	p.putUint64(testRDebug+rDebugMap, testLinkMap)
}

func setRDebugState(p *fakeProcess, state uint32) {
	p.WriteMemory(testRDebug+rDebugState, []byte{byte(state), 0, 0, 0})
}

func TestSolibEvent(t *testing.T) {
	a, p, bi := solibProgram()
	p.putUint64(testRDebug+rDebugBrk, a.addr("brk"))
	p.hooks[a.addr("brk")] = func(p *fakeProcess, th *fakeThread) *WaitEvent {
		// the first call adds the library, the list is consistent at the
		// second one
		addLibrary(p)
		setRDebugState(p, 1)
		return nil
	}
	p.hooks[a.addr("ret1")] = func(p *fakeProcess, th *fakeThread) *WaitEvent {
		setRDebugState(p, rtConsistent)
		return nil
	}
	c := New(AMD64Arch("linux"), bi, &fakeEvaluator{}, Options{StopOnSolibEvents: true})
	assertNoError(c.Attach(p), t, "Attach")
	if p.byteAt(a.addr("brk")) != 0xcc {
		t.Fatalf("shared library event breakpoint not set")
	}

	ep, err := c.SetBreakpointAtSymbol("foo")
	assertNoError(err, t, "SetBreakpointAtSymbol")
	if !ep.Pending || ep.Materialized {
		t.Fatalf("breakpoint not pending: %s", ep)
	}

	si := continueTo(t, c, StopSolibEvent)
	regs, err := c.Registers()
	assertNoError(err, t, "Registers")
	if ret := p.uint64At(regs.SP()); ret != a.addr("ret2") {
		t.Fatalf("stopped while the list was inconsistent (return address %#x)", ret)
	}
	if si.Loc.PC != a.addr("brk") {
		t.Fatalf("wrong stop location %s", si.Loc.String())
	}
	libs := c.SharedLibraries()
	if len(libs) != 1 || libs[0].Path != "libfoo.so" || libs[0].Base != testLibBase {
		t.Fatalf("wrong libraries %v", libs)
	}
	if len(bi.loaded) != 1 {
		t.Fatalf("library loaded %d times", len(bi.loaded))
	}
	if ep.Pending || !ep.Materialized || ep.Addr != a.addr("foo") {
		t.Fatalf("breakpoint not resolved: %s", ep)
	}

	continueTo(t, c, StopBreakpoint)
	if pc := currentPC(t, c); pc != a.addr("foo") {
		t.Fatalf("wrong pc %#x", pc)
	}
	continueTo(t, c, StopExited)
	if len(c.SharedLibraries()) != 0 {
		t.Fatalf("libraries not forgotten after exit")
	}
}

func TestSolibDeferredSetup(t *testing.T) {
	a, p, bi := solibProgram()
	p.hooks[a.addr("start")] = func(p *fakeProcess, th *fakeThread) *WaitEvent {
		// the dynamic linker initializes r_debug before main runs
		p.putUint64(testRDebug+rDebugBrk, a.addr("brk"))
		return nil
	}
	p.hooks[a.addr("brk")] = func(p *fakeProcess, th *fakeThread) *WaitEvent {
		addLibrary(p)
		return nil
	}
	c := New(AMD64Arch("linux"), bi, &fakeEvaluator{}, Options{})
	assertNoError(c.Attach(p), t, "Attach")
	if p.byteAt(a.addr("brk")) == 0xcc {
		t.Fatalf("shared library event breakpoint set before r_debug was initialized")
	}
	if p.byteAt(a.addr("main")) != 0xcc {
		t.Fatalf("no breakpoint on the entry function")
	}

	ep, err := c.SetBreakpointAtSymbol("foo")
	assertNoError(err, t, "SetBreakpointAtSymbol")

	si := continueTo(t, c, StopBreakpoint)
	if len(si.EventPoints) != 1 || si.EventPoints[0] != ep {
		t.Fatalf("wrong event points %v", si.EventPoints)
	}
	if len(bi.loaded) != 1 || bi.loaded[0].Path != "libfoo.so" {
		t.Fatalf("wrong libraries loaded %v", bi.loaded)
	}
	if p.byteAt(a.addr("main")) != 0xe8 {
		t.Fatalf("entry breakpoint not removed")
	}
}
