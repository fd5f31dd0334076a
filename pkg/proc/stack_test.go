package proc

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-delve/runctl/pkg/dwarf/dwarfbuilder"
	"github.com/go-delve/runctl/pkg/dwarf/frame"
	"github.com/go-delve/runctl/pkg/dwarf/op"
	"github.com/go-delve/runctl/pkg/dwarf/regnum"
)

// amd64TestCIE is the CIE emitted by most amd64 compilers: CFA is rsp+8
// and the return address is saved at CFA-8.
func amd64TestCIE() *frame.CommonInformationEntry {
	return frame.NewCommonInformationEntry(1, -8, regnum.AMD64_Rip, dwarfbuilder.Program(
		byte(frame.DW_CFA_def_cfa), uint(regnum.AMD64_Rsp), uint(8),
		byte(frame.DW_CFA_offset|regnum.AMD64_Rip), uint(1)), 8)
}

// push rbp; mov rbp, rsp
var amd64TestPrologue = dwarfbuilder.Program(
	byte(frame.DW_CFA_advance_loc|1),
	byte(frame.DW_CFA_def_cfa_offset), uint(16),
	byte(frame.DW_CFA_offset|regnum.AMD64_Rbp), uint(2),
	byte(frame.DW_CFA_advance_loc|3),
	byte(frame.DW_CFA_def_cfa_register), uint(regnum.AMD64_Rbp))

// Code layout of the unwinder tests, only the function boundaries
// matter.
const (
	stackMain    = fakeCodeBase
	stackF       = fakeCodeBase + 0x10
	stackG       = fakeCodeBase + 0x20
	stackStart   = fakeCodeBase + 0x30
	stackRestore = fakeCodeBase + 0x40
	stackH       = fakeCodeBase + 0x50
	stackEnd     = fakeCodeBase + 0x60
)

type stackFixture struct {
	p    *fakeProcess
	bi   *fakeBinInfo
	cie  *frame.CommonInformationEntry
	regs map[uint64]uint64
}

func newStackFixture() *stackFixture {
	fx := &stackFixture{
		p:    newFakeProcess(testPid, nil),
		bi:   newFakeBinInfo(),
		cie:  amd64TestCIE(),
		regs: make(map[uint64]uint64),
	}
	fx.bi.addFunc("main", stackMain, stackF)
	fx.bi.addFunc("f", stackF, stackG)
	fx.bi.addFunc("g", stackG, stackStart)
	fx.bi.addFunc("_start", stackStart, stackRestore)
	fx.bi.addFunc("__restore_rt", stackRestore, stackH)
	fx.bi.addFunc("h", stackH, stackEnd)
	fx.bi.addLine(stackMain, "main.c", 10)
	fx.bi.addLine(stackF, "main.c", 20)
	fx.bi.addLine(stackG, "main.c", 30)
	return fx
}

func (fx *stackFixture) fde(begin, end uint64, instr []byte) {
	fx.bi.fdes = append(fx.bi.fdes, frame.NewFrameDescriptionEntry(fx.cie, begin, end-begin, instr, binary.LittleEndian))
}

func (fx *stackFixture) stacktrace(t *testing.T, pastEntry bool, depth int) ([]Stackframe, bool) {
	t.Helper()
	regs := make([]*op.DwarfRegister, regnum.AMD64MaxRegNum()+1)
	for num, v := range fx.regs {
		regs[num] = op.DwarfRegisterFromUint64(v)
	}
	dregs := op.NewDwarfRegisters(regs, binary.LittleEndian, regnum.AMD64_Rip, regnum.AMD64_Rsp, regnum.AMD64_Rbp)
	it := newStackIterator(fx.bi, AMD64Arch("linux"), fx.p, dregs, pastEntry)
	frames, err := it.stacktrace(depth)
	assertNoError(err, t, "stacktrace")
	return frames, it.corrupted
}

func checkFrames(t *testing.T, frames []Stackframe, fns ...string) {
	t.Helper()
	if len(frames) != len(fns) {
		for i := range frames {
			t.Logf("%d %s", i, frames[i].Current.String())
		}
		t.Fatalf("got %d frames, expected %d", len(frames), len(fns))
	}
	for i, fn := range fns {
		if frames[i].Index != i {
			t.Errorf("frame %d has index %d", i, frames[i].Index)
		}
		if frames[i].Current.Fn == nil || frames[i].Current.Fn.Name != fn {
			t.Errorf("frame %d: expected %s, got %s", i, fn, frames[i].Current.String())
		}
	}
}

// setupCallChain builds the stack of main calling f, f calling g, with f
// using a frame pointer. It returns the stack pointer of g.
func (fx *stackFixture) setupCallChain() uint64 {
	const (
		sp       = fakeStackTop - 0x200
		mainFP   = fakeStackTop - 0x100
		mainRet  = stackMain + 5
		fRet     = stackF + 8
		gPC      = stackG + 2
		fFP      = sp + 8
		mainSave = sp + 8
	)
	fx.fde(stackF, stackG, amd64TestPrologue)
	fx.fde(stackG, stackStart, nil)
	fx.p.putUint64(sp, fRet)
	fx.p.putUint64(mainSave, mainFP)
	fx.p.putUint64(sp+16, mainRet)
	fx.p.putUint64(mainFP, 0)
	fx.p.putUint64(mainFP+8, stackStart+4)
	fx.regs[regnum.AMD64_Rip] = gPC
	fx.regs[regnum.AMD64_Rsp] = sp
	fx.regs[regnum.AMD64_Rbp] = fFP
	return sp
}

func TestStacktraceCFI(t *testing.T) {
	fx := newStackFixture()
	sp := fx.setupCallChain()

	frames, corrupted := fx.stacktrace(t, false, 100)
	if corrupted {
		t.Fatalf("stack marked corrupted")
	}
	checkFrames(t, frames, "g", "f", "main")

	if frames[0].CFA != sp+8 || frames[0].Ret != stackF+8 {
		t.Errorf("frame 0: cfa %#x ret %#x", frames[0].CFA, frames[0].Ret)
	}
	if frames[1].CFA != sp+24 || frames[1].SP() != sp+8 || frames[1].FP() != sp+8 || frames[1].Ret != stackMain+5 {
		t.Errorf("frame 1: cfa %#x sp %#x fp %#x ret %#x", frames[1].CFA, frames[1].SP(), frames[1].FP(), frames[1].Ret)
	}
	if frames[2].SP() != sp+24 || frames[2].FP() != fakeStackTop-0x100 {
		t.Errorf("frame 2: sp %#x fp %#x", frames[2].SP(), frames[2].FP())
	}
	// caller frames are looked up at the call instruction
	if frames[1].Call.PC != stackF+8 || frames[1].Call.Fn.Name != "f" {
		t.Errorf("frame 1 call location %s", frames[1].Call.String())
	}
	if frames[0].Call != frames[0].Current {
		t.Errorf("frame 0 call location %s differs from %s", frames[0].Call.String(), frames[0].Current.String())
	}
}

func TestStacktracePastEntry(t *testing.T) {
	fx := newStackFixture()
	fx.setupCallChain()
	frames, corrupted := fx.stacktrace(t, true, 100)
	if corrupted {
		t.Fatalf("stack marked corrupted")
	}
	// main has no call frame information, the frame pointer chain leads
	// to _start whose frame pointer is zero
	checkFrames(t, frames, "g", "f", "main", "_start")
	if frames[3].FP() != 0 {
		t.Errorf("_start frame pointer %#x", frames[3].FP())
	}
}

func TestStacktraceDepth(t *testing.T) {
	fx := newStackFixture()
	fx.setupCallChain()
	frames, _ := fx.stacktrace(t, false, 2)
	checkFrames(t, frames, "g", "f")
}

func TestStacktraceFramePointerLoop(t *testing.T) {
	fx := newStackFixture()
	const fp = fakeStackTop - 0x200
	fx.p.putUint64(fp, fp)
	fx.p.putUint64(fp+8, stackMain+5)
	fx.regs[regnum.AMD64_Rip] = stackF + 8
	fx.regs[regnum.AMD64_Rsp] = fp - 0x20
	fx.regs[regnum.AMD64_Rbp] = fp
	frames, corrupted := fx.stacktrace(t, false, 100)
	if !corrupted {
		t.Fatalf("frame pointer loop not detected")
	}
	checkFrames(t, frames, "f")
}

func TestStacktraceImplausibleReturn(t *testing.T) {
	fx := newStackFixture()
	const sp = fakeStackTop - 0x200
	fx.fde(stackG, stackStart, nil)
	fx.p.putUint64(sp, 0xdeadbeef)
	fx.regs[regnum.AMD64_Rip] = stackG
	fx.regs[regnum.AMD64_Rsp] = sp
	fx.regs[regnum.AMD64_Rbp] = sp + 0x40
	frames, corrupted := fx.stacktrace(t, false, 100)
	if !corrupted {
		t.Fatalf("implausible return address not detected")
	}
	checkFrames(t, frames, "g")
	if frames[0].Ret != 0xdeadbeef {
		t.Errorf("return address %#x", frames[0].Ret)
	}
}

func TestStacktraceImplausiblePC(t *testing.T) {
	fx := newStackFixture()
	fx.regs[regnum.AMD64_Rip] = 0x10
	fx.regs[regnum.AMD64_Rsp] = fakeStackTop - 0x200
	fx.regs[regnum.AMD64_Rbp] = fakeStackTop - 0x100
	frames, corrupted := fx.stacktrace(t, false, 100)
	if !corrupted || len(frames) != 1 {
		t.Fatalf("implausible pc not detected (%d frames)", len(frames))
	}
}

func TestStacktraceExpressionRule(t *testing.T) {
	fx := newStackFixture()
	const sp = fakeStackTop - 0x200
	fx.fde(stackG, stackStart, dwarfbuilder.Program(
		byte(frame.DW_CFA_expression), uint(regnum.AMD64_Rbp), uint(1), byte(0x9c)))
	fx.p.putUint64(sp, stackF+8)
	fx.regs[regnum.AMD64_Rip] = stackG + 2
	fx.regs[regnum.AMD64_Rsp] = sp
	fx.regs[regnum.AMD64_Rbp] = sp + 0x40
	frames, corrupted := fx.stacktrace(t, false, 100)
	if !corrupted {
		t.Fatalf("expression rule accepted")
	}
	checkFrames(t, frames, "g")
}

func TestStacktraceUndefinedReturnAddress(t *testing.T) {
	fx := newStackFixture()
	const sp = fakeStackTop - 0x200
	fx.fde(stackStart, stackRestore, dwarfbuilder.Program(
		byte(frame.DW_CFA_undefined), uint(regnum.AMD64_Rip)))
	fx.regs[regnum.AMD64_Rip] = stackStart + 1
	fx.regs[regnum.AMD64_Rsp] = sp
	fx.regs[regnum.AMD64_Rbp] = sp + 0x40
	frames, corrupted := fx.stacktrace(t, true, 100)
	if corrupted {
		t.Fatalf("outermost frame marked corrupted")
	}
	checkFrames(t, frames, "_start")
}

func TestStacktraceZeroFramePointer(t *testing.T) {
	fx := newStackFixture()
	fx.setupCallChain()
	fx.regs[regnum.AMD64_Rbp] = 0
	frames, corrupted := fx.stacktrace(t, false, 100)
	if corrupted {
		t.Fatalf("stack marked corrupted")
	}
	checkFrames(t, frames, "g")
}

func TestStacktraceSigtramp(t *testing.T) {
	fx := newStackFixture()
	const (
		sp        = fakeStackTop - 0x400
		mainPC    = stackMain + 3
		mainSP    = fakeStackTop - 0x200
		handlerFP = fakeStackTop - 0x300
	)
	fx.fde(stackH, stackEnd, nil)
	// the handler returns into the trampoline, whose stack pointer points
	// to the ucontext saved by the kernel
	fx.p.putUint64(sp, stackRestore)
	mcontext := uint64(sp + 8 + amd64UcontextMcontextOffset)
	for i, num := range regnum.AMD64GeneralRegisters() {
		var v uint64
		switch num {
		case regnum.AMD64_Rip:
			v = mainPC
		case regnum.AMD64_Rsp:
			v = mainSP
		case regnum.AMD64_Rbp:
			v = fakeStackTop - 0x100
		case regnum.AMD64_Rax:
			v = 42
		}
		fx.p.putUint64(mcontext+uint64(8*i), v)
	}
	fx.regs[regnum.AMD64_Rip] = stackH + 1
	fx.regs[regnum.AMD64_Rsp] = sp
	fx.regs[regnum.AMD64_Rbp] = handlerFP

	frames, corrupted := fx.stacktrace(t, false, 100)
	if corrupted {
		t.Fatalf("stack marked corrupted")
	}
	checkFrames(t, frames, "h", "__restore_rt", "main")
	if !frames[1].Sigtramp || frames[0].Sigtramp || frames[2].Sigtramp {
		t.Errorf("sigtramp frame not recognized")
	}
	// the interrupted frame did not execute its pc yet
	if frames[2].Call.PC != mainPC || frames[2].Call.Line != 10 || frames[2].Current.PC != mainPC {
		t.Errorf("interrupted frame location %s / %s", frames[2].Current.String(), frames[2].Call.String())
	}
	if frames[2].SP() != mainSP || frames[2].Regs.Uint64Val(regnum.AMD64_Rax) != 42 {
		t.Errorf("registers of the interrupted frame not restored: sp %#x", frames[2].SP())
	}
}

func TestControllerStacktraceCached(t *testing.T) {
	c, _, a := stepProgram(t, Options{})
	_, err := c.SetBreakpoint(a.addr("fbody"))
	assertNoError(err, t, "SetBreakpoint")
	continueTo(t, c, StopBreakpoint)

	frames, _, err := c.Stacktrace()
	assertNoError(err, t, "Stacktrace")
	checkFrames(t, frames, "f", "main")
	if frames[0].CFA != fakeStackTop-0x100 {
		t.Errorf("frame 0 cfa %#x", frames[0].CFA)
	}
	frames2, _, err := c.Stacktrace()
	assertNoError(err, t, "Stacktrace")
	if &frames2[0] != &frames[0] {
		t.Errorf("stack rebuilt without a resume")
	}

	f, err := c.SelectFrame(1)
	assertNoError(err, t, "SelectFrame")
	sel, err := c.SelectedFrame()
	assertNoError(err, t, "SelectedFrame")
	if sel != f || sel.Index != 1 {
		t.Errorf("wrong selected frame %d", sel.Index)
	}
	v, err := c.Evaluate("tid == 100")
	assertNoError(err, t, "Evaluate")
	if !v.Truth {
		t.Errorf("wrong evaluation result %s", v.Repr)
	}

	// switching thread invalidates the selection
	assertNoError(c.SwitchThread(testPid), t, "SwitchThread")
	sel, err = c.SelectedFrame()
	assertNoError(err, t, "SelectedFrame")
	if sel.Index != 1 {
		t.Errorf("selection lost switching to the current thread")
	}
	if err := c.SwitchThread(999); err == nil {
		t.Errorf("switched to a thread that does not exist")
	}
}

func TestStacktraceNotLive(t *testing.T) {
	c := New(AMD64Arch("linux"), newFakeBinInfo(), &fakeEvaluator{}, Options{})
	if _, _, err := c.Stacktrace(); !errors.Is(err, ErrNotLive) {
		t.Fatalf("Stacktrace without a process: %v", err)
	}
	if _, err := c.Up(1); !errors.Is(err, ErrNotLive) {
		t.Fatalf("Up without a process: %v", err)
	}
}
