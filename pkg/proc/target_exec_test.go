package proc

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-delve/runctl/pkg/dwarf/frame"
	"github.com/go-delve/runctl/pkg/dwarf/regnum"
)

// stepProgram assembles:
//
//	main:	nop		main.c:10
//	call:	call f		main.c:11
//	after:	nop		main.c:12
//	exit:	hlt		main.c:13
//	f:	push rbp	main.c:20
//		mov rbp, rsp
//	fbody:	nop		main.c:21
//	fline2:	nop		main.c:22
//	fret:	pop rbp		main.c:23
//		ret
func stepProgram(t *testing.T, opts Options) (*Controller, *fakeProcess, *asm) {
	t.Helper()
	a := newAsm().
		label("main").nop().
		label("call").call("f").
		label("after").nop().
		label("exit").hlt().
		label("f").pushRBP().movRBPRSP().
		label("fbody").nop().
		label("fline2").nop().
		label("fret").popRBP().ret().
		label("end")
	p := newFakeProcess(testPid, a.bytes())
	bi := newFakeBinInfo()
	bi.addFunc("main", a.addr("main"), a.addr("f"))
	bi.addFunc("f", a.addr("f"), a.addr("end"))
	for i, l := range []string{"main", "call", "after", "exit"} {
		bi.addLine(a.addr(l), "main.c", 10+i)
	}
	for i, l := range []string{"f", "fbody", "fline2", "fret"} {
		bi.addLine(a.addr(l), "main.c", 20+i)
	}
	return newTestController(t, p, bi, opts), p, a
}

func assertStop(t *testing.T, c *Controller, si *StopInfo, err error, reason StopReason, pc uint64) {
	t.Helper()
	assertNoError(err, t, "run control")
	if si.Reason != reason {
		t.Fatalf("stopped for %s, expected %s (%s)", si.Reason, reason, si)
	}
	if pc == 0 {
		return
	}
	if cur := currentPC(t, c); cur != pc {
		t.Fatalf("stopped at %#x, expected %#x", cur, pc)
	}
	if si.Loc.PC != pc {
		t.Fatalf("stop location %s, expected %#x", si.Loc.String(), pc)
	}
}

func assertNoInternal(t *testing.T, c *Controller) {
	t.Helper()
	for _, ep := range c.Registry().All() {
		if ep.IsInternal() {
			t.Fatalf("internal event point left: %s", ep)
		}
	}
}

func TestNext(t *testing.T) {
	c, p, a := stepProgram(t, Options{})

	si, err := c.Next()
	assertStop(t, c, si, err, StopNextFinished, a.addr("call"))
	if si.Loc.Line != 11 {
		t.Fatalf("wrong line %d", si.Loc.Line)
	}

	si, err = c.Next()
	assertStop(t, c, si, err, StopNextFinished, a.addr("after"))
	if si.Loc.Line != 12 || si.Loc.Fn == nil || si.Loc.Fn.Name != "main" {
		t.Fatalf("wrong location %s", si.Loc.String())
	}
	if len(si.EventPoints) != 0 {
		t.Fatalf("event points reported by next: %v", si.EventPoints)
	}
	assertNoInternal(t, c)
	if p.byteAt(a.addr("after")) != 0x90 {
		t.Fatalf("step breakpoint left in memory")
	}

	si, err = c.Next()
	assertStop(t, c, si, err, StopNextFinished, a.addr("exit"))

	si, err = c.Next()
	assertStop(t, c, si, err, StopExited, 0)

	_, err = c.Next()
	var pe ErrProcessExited
	if !errors.As(err, &pe) {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}
}

func TestStepRunsOtherThreads(t *testing.T) {
	a := newAsm().
		label("main").nop().nop().nop().
		label("next").nop().
		label("exit").hlt().
		label("writer").incByte(fakeDataBase).
		label("park").jmp("park").
		label("end")
	p := newFakeProcess(testPid, a.bytes())
	p.addThread(testPid+1, a.addr("writer"))
	bi := newFakeBinInfo()
	bi.addFunc("main", a.addr("main"), a.addr("writer"))
	bi.addFunc("writer", a.addr("writer"), a.addr("end"))
	bi.addLine(a.addr("main"), "main.c", 10)
	bi.addLine(a.addr("next"), "main.c", 11)
	bi.addLine(a.addr("exit"), "main.c", 12)
	bi.addLine(a.addr("writer"), "main.c", 30)
	c := newTestController(t, p, bi, Options{})

	si, err := c.Step()
	assertStop(t, c, si, err, StopNextFinished, a.addr("next"))
	if si.Thread != testPid {
		t.Fatalf("stop %s", si)
	}
	if p.byteAt(fakeDataBase) != 1 {
		t.Fatalf("thread %d did not run during the step", testPid+1)
	}
}

func TestStepIntoFunction(t *testing.T) {
	c, _, a := stepProgram(t, Options{})
	si, err := c.Next()
	assertStop(t, c, si, err, StopNextFinished, a.addr("call"))

	si, err = c.Step()
	// the first instruction of a function is stepped over
	assertStop(t, c, si, err, StopNextFinished, a.addr("f")+1)
	if si.Loc.Fn == nil || si.Loc.Fn.Name != "f" {
		t.Fatalf("not in f: %s", si.Loc.String())
	}

	for _, l := range []string{"fbody", "fline2", "fret"} {
		si, err = c.Step()
		assertStop(t, c, si, err, StopNextFinished, a.addr(l))
	}

	// stepping off the end of f returns to the caller
	si, err = c.Step()
	assertStop(t, c, si, err, StopNextFinished, a.addr("after"))
	assertNoInternal(t, c)
}

func TestStepOut(t *testing.T) {
	c, p, a := stepProgram(t, Options{})
	_, err := c.SetBreakpoint(a.addr("fbody"))
	assertNoError(err, t, "SetBreakpoint")
	continueTo(t, c, StopBreakpoint)

	frames, corrupted, err := c.Stacktrace()
	assertNoError(err, t, "Stacktrace")
	if corrupted || len(frames) != 2 {
		t.Fatalf("wrong stack (corrupted=%v): %d frames", corrupted, len(frames))
	}
	if frames[1].Current.PC != a.addr("after") || frames[1].Call.Line != 11 {
		t.Fatalf("wrong caller frame %s / %s", frames[1].Current.String(), frames[1].Call.String())
	}

	si, err := c.StepOut()
	assertStop(t, c, si, err, StopNextFinished, a.addr("after"))
	if len(si.EventPoints) != 0 {
		t.Fatalf("event points reported by finish: %v", si.EventPoints)
	}
	assertNoInternal(t, c)
	if p.byteAt(a.addr("fbody")) != 0xcc {
		t.Fatalf("user breakpoint lost")
	}

	if _, err := c.StepOut(); err == nil {
		t.Fatalf("finish in the outermost frame succeeded")
	}
	continueTo(t, c, StopExited)
}

func TestStepInstruction(t *testing.T) {
	c, _, a := stepProgram(t, Options{})
	si, err := c.Next()
	assertStop(t, c, si, err, StopNextFinished, a.addr("call"))
	si, err = c.StepInstruction()
	assertStop(t, c, si, err, StopNextFinished, a.addr("f"))
	si, err = c.StepInstruction()
	assertStop(t, c, si, err, StopNextFinished, a.addr("f")+1)
}

func TestNextInstruction(t *testing.T) {
	c, _, a := stepProgram(t, Options{})
	si, err := c.Next()
	assertStop(t, c, si, err, StopNextFinished, a.addr("call"))
	si, err = c.NextInstruction()
	assertStop(t, c, si, err, StopNextFinished, a.addr("after"))
	assertNoInternal(t, c)

	c, _, a = stepProgram(t, Options{StepOverCalls: true})
	si, err = c.Next()
	assertStop(t, c, si, err, StopNextFinished, a.addr("call"))
	si, err = c.StepInstruction()
	assertStop(t, c, si, err, StopNextFinished, a.addr("after"))
}

func TestNextInterruptedByBreakpoint(t *testing.T) {
	c, p, a := stepProgram(t, Options{})
	ep, err := c.SetBreakpoint(a.addr("fbody"))
	assertNoError(err, t, "SetBreakpoint")
	si, err := c.Next()
	assertStop(t, c, si, err, StopNextFinished, a.addr("call"))

	si, err = c.Next()
	assertStop(t, c, si, err, StopBreakpoint, a.addr("fbody"))
	if len(si.EventPoints) != 1 || si.EventPoints[0] != ep {
		t.Fatalf("wrong event points %v", si.EventPoints)
	}
	assertNoInternal(t, c)
	if p.byteAt(a.addr("after")) != 0x90 {
		t.Fatalf("step breakpoint left in memory")
	}
	continueTo(t, c, StopExited)
}

func TestUntil(t *testing.T) {
	c, _, a := stepProgram(t, Options{})
	si, err := c.Next()
	assertStop(t, c, si, err, StopNextFinished, a.addr("call"))
	si, err = c.Until()
	assertStop(t, c, si, err, StopNextFinished, a.addr("after"))
	assertNoInternal(t, c)
}

func TestUntilAddress(t *testing.T) {
	c, _, a := stepProgram(t, Options{})
	si, err := c.UntilAddress(a.addr("fret"))
	assertStop(t, c, si, err, StopNextFinished, a.addr("fret"))
	assertNoInternal(t, c)

	// the current frame returns before the address is reached
	c, _, a = stepProgram(t, Options{})
	_, err = c.SetBreakpoint(a.addr("fbody"))
	assertNoError(err, t, "SetBreakpoint")
	continueTo(t, c, StopBreakpoint)
	si, err = c.UntilAddress(a.addr("main"))
	assertStop(t, c, si, err, StopNextFinished, a.addr("after"))
	assertNoInternal(t, c)

	if _, err := c.UntilAddress(0); err == nil {
		t.Fatalf("until address 0 succeeded")
	}
}

func TestJump(t *testing.T) {
	c, p, a := stepProgram(t, Options{})
	p.threads[testPid].regs[regnum.AMD64_Rax] = 5
	si, err := c.Jump(a.addr("exit"))
	assertStop(t, c, si, err, StopExited, 0)
	if si.ExitStatus != 5 {
		t.Fatalf("exit status %d", si.ExitStatus)
	}
}

func TestSetRegister(t *testing.T) {
	c, _, a := stepProgram(t, Options{})
	_, err := c.SetBreakpoint(a.addr("fbody"))
	assertNoError(err, t, "SetBreakpoint")
	continueTo(t, c, StopBreakpoint)

	assertNoError(c.SetRegister("rax", 7), t, "SetRegister")
	if err := c.SetRegister("nosuchreg", 1); err == nil {
		t.Fatalf("unknown register accepted")
	}

	f, err := c.Up(1)
	assertNoError(err, t, "Up")
	if f.Index != 1 || f.Current.PC != a.addr("after") {
		t.Fatalf("wrong frame selected: %d %s", f.Index, f.Current.String())
	}
	if err := c.SetRegister("rax", 1); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := c.Up(1); err == nil {
		t.Fatalf("went up past the outermost frame")
	}
	f, err = c.Down(1)
	assertNoError(err, t, "Down")
	if f.Index != 0 {
		t.Fatalf("wrong frame selected: %d", f.Index)
	}
	if _, err := c.Down(1); err == nil {
		t.Fatalf("went down past the innermost frame")
	}
	if _, err := c.SelectFrame(2); err == nil {
		t.Fatalf("selected a frame that does not exist")
	}

	si := continueTo(t, c, StopExited)
	if si.ExitStatus != 7 {
		t.Fatalf("register change not written back, exit status %d", si.ExitStatus)
	}
}

func TestStepNoLineInfo(t *testing.T) {
	a := newAsm().
		label("main").pushRBP().movRBPRSP().
		label("call").call("g").
		label("after").nop().
		label("exit").hlt().
		label("g").nop().nop().ret().
		label("end")
	p := newFakeProcess(testPid, a.bytes())
	bi := newFakeBinInfo()
	bi.addFunc("main", a.addr("main"), a.addr("g"))
	bi.addFunc("g", a.addr("g"), a.addr("end"))
	for i, l := range []string{"main", "call", "after", "exit"} {
		bi.addLine(a.addr(l), "main.c", 10+i)
	}
	bi.fdes = frame.FrameDescriptionEntries{
		frame.NewFrameDescriptionEntry(amd64TestCIE(), a.addr("g"), a.addr("end")-a.addr("g"), nil, binary.LittleEndian),
	}
	c := newTestController(t, p, bi, Options{})

	si, err := c.Next()
	assertStop(t, c, si, err, StopNextFinished, a.addr("call"))
	si, err = c.Step()
	assertStop(t, c, si, err, StopNextFinished, a.addr("after"))
	assertNoInternal(t, c)
}

func TestStepThroughPLT(t *testing.T) {
	a := newAsm().
		label("main").pushRBP().movRBPRSP().
		label("call").call("plt").
		label("after").nop().
		label("exit").hlt().
		label("lib").nop().ret().
		label("resolver").addRSP(16).jmp("lib").
		label("plt0").pushMem("got1").jmpMem("got2").
		label("plt").jmpMem("got3").
		label("pltpush").pushImm(0).jmp("plt0").
		label("got1").quad("main").
		label("got2").quad("resolver").
		label("got3").quad("pltpush")
	p := newFakeProcess(testPid, a.bytes())
	bi := newFakeBinInfo()
	bi.addFunc("main", a.addr("main"), a.addr("lib"))
	bi.addFunc("lib", a.addr("lib"), a.addr("resolver"))
	bi.addFunc("_dl_runtime_resolve_xsave", a.addr("resolver"), a.addr("plt0"))
	for i, l := range []string{"main", "call", "after", "exit"} {
		bi.addLine(a.addr(l), "main.c", 10+i)
	}
	bi.addLine(a.addr("lib"), "lib.c", 5)
	c := newTestController(t, p, bi, Options{})

	si, err := c.Next()
	assertStop(t, c, si, err, StopNextFinished, a.addr("call"))
	si, err = c.Step()
	assertStop(t, c, si, err, StopNextFinished, a.addr("after"))
	assertNoInternal(t, c)
	for _, l := range []string{"resolver", "after"} {
		if p.byteAt(a.addr(l)) == 0xcc {
			t.Fatalf("breakpoint left at %s", l)
		}
	}
}

func forkProgram() (*asm, *fakeProcess, *fakeBinInfo, **fakeProcess) {
	a := newAsm().label("main").nop().label("fork").nop().label("bp").nop().hlt()
	p, bi := testProgram(a)
	child := new(*fakeProcess)
	p.hooks[a.addr("fork")] = func(p *fakeProcess, th *fakeThread) *WaitEvent {
		*child = p.fork(200, th)
		return &WaitEvent{Kind: EventFork, Tid: th.tid, NewID: 200, Child: *child}
	}
	return a, p, bi, child
}

func TestFollowForkParent(t *testing.T) {
	a, p, bi, child := forkProgram()
	c := newTestController(t, p, bi, Options{})
	_, err := c.SetBreakpoint(a.addr("bp"))
	assertNoError(err, t, "SetBreakpoint")
	cp, err := c.SetCatchpoint(CatchFork)
	assertNoError(err, t, "SetCatchpoint")

	si := continueTo(t, c, StopFork)
	if si.ChildPid != 200 || si.Child != nil || si.Thread != testPid {
		t.Fatalf("wrong fork stop %s", si)
	}
	if len(si.EventPoints) != 1 || si.EventPoints[0] != cp {
		t.Fatalf("wrong event points %v", si.EventPoints)
	}
	if !(*child).detached || (*child).killed {
		t.Fatalf("child not detached")
	}
	if (*child).byteAt(a.addr("bp")) != 0x90 {
		t.Fatalf("breakpoint left in the child")
	}
	if p.byteAt(a.addr("bp")) != 0xcc {
		t.Fatalf("breakpoint removed from the parent")
	}

	si = continueTo(t, c, StopBreakpoint)
	if si.Thread != testPid {
		t.Fatalf("wrong thread %d", si.Thread)
	}
	continueTo(t, c, StopExited)
}

func TestFollowForkChild(t *testing.T) {
	a, p, bi, child := forkProgram()
	c := newTestController(t, p, bi, Options{FollowFork: FollowChild})
	_, err := c.SetBreakpoint(a.addr("bp"))
	assertNoError(err, t, "SetBreakpoint")

	si := continueTo(t, c, StopBreakpoint)
	if si.Thread != 200 || c.Pid() != 200 {
		t.Fatalf("not following the child: thread %d pid %d", si.Thread, c.Pid())
	}
	if !p.detached || p.killed {
		t.Fatalf("parent not detached")
	}
	if p.byteAt(a.addr("bp")) != 0x90 {
		t.Fatalf("breakpoint left in the parent")
	}
	if (*child).byteAt(a.addr("bp")) != 0xcc {
		t.Fatalf("breakpoint not set in the child")
	}
	continueTo(t, c, StopExited)
}

func TestFollowForkBoth(t *testing.T) {
	a, p, bi, child := forkProgram()
	c := newTestController(t, p, bi, Options{FollowFork: FollowBoth})
	var created *Controller
	c.OnNewController = func(n *Controller) { created = n }
	bp, err := c.SetBreakpoint(a.addr("bp"))
	assertNoError(err, t, "SetBreakpoint")
	_, err = c.SetCatchpoint(CatchFork)
	assertNoError(err, t, "SetCatchpoint")

	si := continueTo(t, c, StopFork)
	cc := si.Child
	if cc == nil || cc != created || len(c.Children()) != 1 || c.Children()[0] != cc {
		t.Fatalf("child controller not reported")
	}
	if cc.Pid() != 200 || cc.SessionID == c.SessionID || cc.State() != Ready {
		t.Fatalf("wrong child controller pid %d state %s", cc.Pid(), cc.State())
	}
	eps := cc.EventPoints()
	if len(eps) != 2 || eps[0].ID != bp.ID || eps[0] == bp || !eps[0].Materialized {
		t.Fatalf("event points not copied: %v", eps)
	}
	if (*child).byteAt(a.addr("bp")) != 0xcc || p.byteAt(a.addr("bp")) != 0xcc {
		t.Fatalf("breakpoint missing from one of the processes")
	}

	si, err = cc.Continue()
	assertStop(t, cc, si, err, StopBreakpoint, a.addr("bp"))
	if si.Thread != 200 {
		t.Fatalf("wrong child thread %d", si.Thread)
	}
	si = continueTo(t, c, StopBreakpoint)
	if si.Thread != testPid {
		t.Fatalf("wrong parent thread %d", si.Thread)
	}
	if bp.HitCount != 1 || eps[0].HitCount != 1 {
		t.Fatalf("hit counts shared between processes: %d %d", bp.HitCount, eps[0].HitCount)
	}
}

func TestExec(t *testing.T) {
	old := newAsm().label("main").nop().label("exec").nop().nop().label("target").nop().hlt()
	p, bi := testProgram(old)
	img := newAsm().label("main").nop().nop().nop().nop().nop().label("target").nop().hlt()
	code := img.bytes()
	p.hooks[old.addr("exec")] = func(p *fakeProcess, th *fakeThread) *WaitEvent {
		p.segs[0] = &fakeSegment{base: fakeCodeBase, data: append(append([]byte(nil), code...), make([]byte, 64)...)}
		th.regs[regnum.AMD64_Rip] = fakeCodeBase
		th.regs[regnum.AMD64_Rsp] = fakeStackTop - 0x100
		bi.funcs = nil
		bi.addFunc("main", fakeCodeBase, fakeCodeBase+uint64(len(code)))
		bi.symbols["target"] = img.addr("target")
		return &WaitEvent{Kind: EventExec, Tid: th.tid}
	}
	c := newTestController(t, p, bi, Options{})

	sym, err := c.SetBreakpointAtSymbol("target")
	assertNoError(err, t, "SetBreakpointAtSymbol")
	if sym.Addr != old.addr("target") {
		t.Fatalf("wrong address %#x", sym.Addr)
	}
	raw, err := c.SetBreakpoint(fakeCodeBase + 2)
	assertNoError(err, t, "SetBreakpoint")
	_, err = c.SetCatchpoint(CatchExec)
	assertNoError(err, t, "SetCatchpoint")

	si := continueTo(t, c, StopExec)
	if si.Thread != testPid {
		t.Fatalf("wrong thread %d", si.Thread)
	}
	if bi.reloads != 1 {
		t.Fatalf("debug information reloaded %d times", bi.reloads)
	}
	if sym.Addr != img.addr("target") || sym.Pending || !sym.Materialized {
		t.Fatalf("symbol breakpoint not resolved again: %s", sym)
	}
	if p.byteAt(img.addr("target")) != 0xcc || p.byteAt(old.addr("target")) != 0x90 || p.byteAt(raw.Addr) != 0xcc {
		t.Fatalf("wrong instrumentation in the new image")
	}

	si = continueTo(t, c, StopBreakpoint)
	if si.EventPoints[0] != raw {
		t.Fatalf("expected %s, got %s", raw, si.EventPoints[0])
	}
	si = continueTo(t, c, StopBreakpoint)
	if si.EventPoints[0] != sym {
		t.Fatalf("expected %s, got %s", sym, si.EventPoints[0])
	}
	continueTo(t, c, StopExited)
}

func TestKilled(t *testing.T) {
	a := newAsm().label("main").nop().hlt()
	p, bi := testProgram(a)
	p.hooks[a.addr("main")] = func(p *fakeProcess, th *fakeThread) *WaitEvent {
		p.exited = true
		return &WaitEvent{Kind: EventKilled, Tid: th.tid, Signal: sigKILL}
	}
	c := newTestController(t, p, bi, Options{})
	si := continueTo(t, c, StopKilled)
	if si.Signal != sigKILL || si.String() != "Process terminated with signal SIGKILL" {
		t.Fatalf("wrong stop %q", si)
	}
	if c.State() != Exited {
		t.Fatalf("state %s", c.State())
	}
}

func TestThreadExit(t *testing.T) {
	a := newAsm().label("main").nop().nop().label("bp").nop().hlt().label("t2").nop()
	p, bi := testProgram(a)
	p.addThread(101, a.addr("t2"))
	p.hooks[a.addr("t2")] = func(p *fakeProcess, th *fakeThread) *WaitEvent {
		delete(p.threads, th.tid)
		return &WaitEvent{Kind: EventThreadExit, Tid: th.tid}
	}
	c := newTestController(t, p, bi, Options{})
	if len(c.Threads()) != 2 {
		t.Fatalf("wrong number of threads %d", len(c.Threads()))
	}
	_, err := c.SetBreakpoint(a.addr("bp"))
	assertNoError(err, t, "SetBreakpoint")
	continueTo(t, c, StopBreakpoint)
	if th := c.Threads(); len(th) != 1 || th[0].ID != testPid {
		t.Fatalf("wrong threads after exit %v", th)
	}
}
