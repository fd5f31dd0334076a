package proc

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go-delve/runctl/pkg/logflags"
)

// StopReason describes the reason why the target process is stopped.
// A process could be stopped for multiple simultaneous reasons, in which
// case only one will be reported.
type StopReason uint8

const (
	StopUnknown     StopReason = iota
	StopBreakpoint             // The target process hit one or more software breakpoints
	StopWatchpoint             // The target process hit one or more watchpoints
	StopNextFinished           // The next/step/stepout/until command terminated
	StopSignal                 // The target process received a signal configured to stop it
	StopManual                 // A manual stop was requested
	StopExited                 // The target process terminated
	StopKilled                 // The target process was terminated by a signal
	StopFork                   // The target process forked and a catchpoint requested a stop
	StopExec                   // The target process executed a new program and a catchpoint requested a stop
	StopSolibEvent             // The list of loaded shared libraries changed
)

func (sr StopReason) String() string {
	switch sr {
	case StopBreakpoint:
		return "breakpoint"
	case StopWatchpoint:
		return "watchpoint"
	case StopNextFinished:
		return "step"
	case StopSignal:
		return "signal"
	case StopManual:
		return "manual"
	case StopExited:
		return "exited"
	case StopKilled:
		return "killed"
	case StopFork:
		return "fork"
	case StopExec:
		return "exec"
	case StopSolibEvent:
		return "solib-event"
	}
	return "unknown"
}

// StopInfo describes a stop of the program.
type StopInfo struct {
	Reason StopReason
	Thread int
	Loc    Location
	// EventPoints are the event points that stopped the program.
	EventPoints []*EventPoint
	// Signal is the signal received for StopSignal and StopKilled.
	Signal     int
	ExitStatus int
	// ChildPid is the pid of the new process for StopFork, Child is its
	// controller when both processes are followed.
	ChildPid int
	Child    *Controller
}

func (si *StopInfo) String() string {
	var b strings.Builder
	switch si.Reason {
	case StopExited:
		fmt.Fprintf(&b, "Process exited with status %d", si.ExitStatus)
		return b.String()
	case StopKilled:
		fmt.Fprintf(&b, "Process terminated with signal %s", SignalName(si.Signal))
		return b.String()
	case StopSignal:
		fmt.Fprintf(&b, "Thread %d received signal %s", si.Thread, SignalName(si.Signal))
	case StopManual:
		fmt.Fprintf(&b, "Thread %d interrupted", si.Thread)
	case StopFork:
		fmt.Fprintf(&b, "Thread %d forked process %d", si.Thread, si.ChildPid)
	case StopExec:
		fmt.Fprintf(&b, "Thread %d executed a new program", si.Thread)
	case StopSolibEvent:
		fmt.Fprintf(&b, "Thread %d stopped for shared library event", si.Thread)
	default:
		fmt.Fprintf(&b, "Thread %d", si.Thread)
	}
	for _, ep := range si.EventPoints {
		fmt.Fprintf(&b, "\n%s %d", ep.Variant.Kind(), ep.ID)
		if ep.Message != "" {
			fmt.Fprintf(&b, "\n%s", ep.Message)
		}
	}
	fmt.Fprintf(&b, "\n%s", si.Loc.String())
	return b.String()
}

type loopOutcome uint8

const (
	loopResume loopOutcome = iota
	loopStop
)

type stepKind uint8

const (
	stepInstruction stepKind = iota
	stepLine
	stepOut
	stepUntilAddr
)

// stepState is the state of the step command being executed.
type stepState struct {
	kind stepKind
	// over is set for next and nexti, calls are stepped over.
	over bool
	// until is set for until without argument: backward jumps in the
	// same function do not end the step.
	until bool
	tid   int
	start Location
	// points are the internal event points created by the step, deleted
	// when it ends.
	points []int
	// blind counts the instructions stepped without a symbol.
	blind int
	// resumeStepping is set by the dynamic linker breakpoint when the
	// function called through the PLT returned.
	resumeStepping bool
}

// maxBlindSteps is the number of instructions stepped through code with
// no symbol, such as PLT stubs, before running to the return address.
const maxBlindSteps = 64

func (c *Controller) checkCanRun() error {
	switch c.state {
	case Ready:
		if c.proc == nil {
			return ErrNotLive
		}
		return nil
	case Exited:
		return ErrProcessExited{Pid: c.proc.Pid(), Status: c.exitStatus}
	case Running, Stepping, InternalStepping, ContinueThenStep:
		return errors.New("the program is already running")
	}
	return ErrNotLive
}

// Continue resumes all threads until an event point, a signal or the
// exit of the process stops it.
func (c *Controller) Continue() (*StopInfo, error) {
	if err := c.checkCanRun(); err != nil {
		return nil, err
	}
	c.state = Running
	if c.watchingSoftware() {
		c.state = InternalStepping
	}
	return c.run()
}

// StepInstruction executes one instruction of the current thread. Calls
// are stepped over if the StepOverCalls option is set.
func (c *Controller) StepInstruction() (*StopInfo, error) {
	return c.startStep(stepInstruction, c.opts.StepOverCalls, false)
}

// NextInstruction executes one instruction of the current thread,
// stepping over calls.
func (c *Controller) NextInstruction() (*StopInfo, error) {
	return c.startStep(stepInstruction, true, false)
}

// Step executes the current thread until it reaches a different source
// line, entering called functions.
func (c *Controller) Step() (*StopInfo, error) {
	return c.startStep(stepLine, false, false)
}

// Next executes the current thread until it reaches a different source
// line, stepping over called functions.
func (c *Controller) Next() (*StopInfo, error) {
	return c.startStep(stepLine, true, false)
}

// Until is like Next but does not stop on lines before the current one
// in the same function, it is used to get out of loops.
func (c *Controller) Until() (*StopInfo, error) {
	return c.startStep(stepLine, true, true)
}

func (c *Controller) startStep(kind stepKind, over, until bool) (*StopInfo, error) {
	if err := c.checkCanRun(); err != nil {
		return nil, err
	}
	th := c.threads.Current()
	regs, err := c.threadRegisters(th)
	if err != nil {
		return nil, err
	}
	c.step = &stepState{kind: kind, over: over, until: until, tid: th.ID, start: c.bi.PCToLocation(regs.PC())}
	c.state = Stepping
	if logflags.Runctl() {
		c.log.Debugf("step from %s (over=%v)", c.step.start.String(), over)
	}
	if kind == stepLine && !c.step.start.HasLineInfo() {
		outcome, err := c.stepOutOfNoLineInfo(th)
		if err != nil {
			return nil, c.abort(err)
		}
		if outcome == loopStop {
			return c.lastStop, nil
		}
	}
	return c.run()
}

// StepOut resumes the program until the selected frame returns.
func (c *Controller) StepOut() (*StopInfo, error) {
	if err := c.checkCanRun(); err != nil {
		return nil, err
	}
	frames, _, err := c.Stacktrace()
	if err != nil {
		return nil, err
	}
	sel := c.frames.selected
	if sel+1 >= len(frames) {
		return nil, errors.New("\"finish\" not meaningful in the outermost frame")
	}
	retPC, retSP := frames[sel+1].PC(), frames[sel+1].SP()
	th := c.threads.Current()
	c.step = &stepState{kind: stepOut, tid: th.ID}
	if err := c.planStepBreakpoint(th, retPC, retSP); err != nil {
		c.step = nil
		return nil, err
	}
	c.state = ContinueThenStep
	return c.run()
}

// UntilAddress resumes the program until it reaches addr or the current
// frame returns.
func (c *Controller) UntilAddress(addr uint64) (*StopInfo, error) {
	if err := c.checkCanRun(); err != nil {
		return nil, err
	}
	if addr == 0 {
		return nil, InvalidAddressError{Address: addr}
	}
	frames, _, err := c.Stacktrace()
	if err != nil {
		return nil, err
	}
	var retPC, retSP uint64
	if len(frames) > 1 {
		retPC, retSP = frames[1].PC(), frames[1].SP()
	}
	th := c.threads.Current()
	c.step = &stepState{kind: stepUntilAddr, tid: th.ID}
	ep, err := c.setInternal(addr, &TempBreakpoint{}, false)
	if err != nil {
		c.step = nil
		return nil, err
	}
	c.step.points = append(c.step.points, ep.ID)
	if retPC != 0 {
		if err := c.planStepBreakpoint(th, retPC, retSP); err != nil {
			c.endStep()
			return nil, err
		}
	}
	c.state = ContinueThenStep
	return c.run()
}

// Jump resumes the current thread at addr.
func (c *Controller) Jump(addr uint64) (*StopInfo, error) {
	if err := c.checkCanRun(); err != nil {
		return nil, err
	}
	if addr == 0 {
		return nil, InvalidAddressError{Address: addr}
	}
	if err := c.publishRegisters(); err != nil {
		return nil, err
	}
	c.frames.invalidate()
	if err := c.setPC(c.threads.Current(), addr); err != nil {
		return nil, err
	}
	return c.Continue()
}

// planStepBreakpoint sets a step breakpoint at addr, that only fires
// for th when its stack pointer is at least frameSP.
func (c *Controller) planStepBreakpoint(th *Thread, addr, frameSP uint64) error {
	ep, err := c.setInternal(addr, &StepBreakpoint{FrameSP: frameSP}, true)
	if err != nil {
		return err
	}
	ep.Threads = []int{th.ID}
	c.step.points = append(c.step.points, ep.ID)
	return nil
}

// endStep terminates the step command being executed, deleting its
// internal event points.
func (c *Controller) endStep() {
	if c.step == nil {
		return
	}
	for _, id := range c.step.points {
		if ep, ok := c.reg.Get(id); ok {
			if err := c.removeEventPoint(ep); err != nil {
				c.eplog.Errorf("could not remove %s: %v", ep, err)
			}
		}
	}
	c.step = nil
}

// run is the event loop: it resumes the process, waits for the next stop
// notification and handles it, until one of them stops the program.
func (c *Controller) run() (*StopInfo, error) {
	c.lastStop = nil
	atomic.StoreInt32(&c.running, 1)
	defer atomic.StoreInt32(&c.running, 0)
	for {
		ev, err := c.nextEvent()
		if err != nil {
			return nil, c.abort(err)
		}
		outcome, err := c.handleEvent(ev)
		if err != nil {
			return nil, c.abort(err)
		}
		if outcome == loopStop {
			return c.lastStop, nil
		}
	}
}

// abort puts the controller back in a consistent stopped state after an
// error.
func (c *Controller) abort(err error) error {
	if c.state == Exited || c.proc == nil {
		return err
	}
	for _, th := range c.threads.List() {
		if th.Running {
			extra, herr := c.proc.Halt(0)
			if herr != nil {
				c.log.Errorf("could not stop threads: %v", herr)
			}
			c.pending = append(c.pending, extra...)
			break
		}
	}
	for _, th := range c.threads.List() {
		th.Running = false
	}
	c.finishStepOver()
	c.stepTid = 0
	c.endStep()
	c.threads.invalidateRegisters()
	c.frames.invalidate()
	c.state = Ready
	c.log.Errorf("%v", err)
	return err
}

// nextEvent returns the next stop notification, resuming the process if
// none is queued. After a notification is received all other threads
// are stopped too.
func (c *Controller) nextEvent() (*WaitEvent, error) {
	if len(c.pending) > 0 {
		ev := c.pending[0]
		c.pending = c.pending[1:]
		return ev, nil
	}
	if err := c.resume(); err != nil {
		return nil, err
	}
	ev, err := c.proc.Wait()
	if err != nil {
		return nil, ioError("wait", 0, err)
	}
	if ev.Kind == EventExited || ev.Kind == EventKilled {
		return ev, nil
	}
	extra, err := c.proc.Halt(ev.Tid)
	if err != nil {
		return nil, ioError("stop threads", 0, err)
	}
	for _, th := range c.threads.List() {
		th.Running = false
	}
	c.threads.invalidateRegisters()
	all := append([]*WaitEvent{ev}, extra...)
	if c.stepTid != 0 && !hasEventFor(all, c.stepTid) {
		// the single step was interrupted before completing
		c.finishStepOver()
		c.stepTid = 0
	}
	events := c.arbitrate(all)
	c.pending = append(c.pending, events[1:]...)
	return events[0], nil
}

func hasEventFor(events []*WaitEvent, tid int) bool {
	for _, ev := range events {
		if ev.Tid == tid {
			return true
		}
	}
	return false
}

// resume resumes the process according to the state of the controller.
// The current thread is single stepped if the controller is stepping, or
// if an event point is set at its pc: in that case the event point is
// lifted until the step completes.
func (c *Controller) resume() error {
	th := c.threads.Current()
	if th == nil {
		return errors.New("no current thread")
	}
	if err := c.publishRegisters(); err != nil {
		return err
	}
	regs, err := c.threadRegisters(th)
	if err != nil {
		return err
	}
	pc := regs.PC()

	if c.state == Stepping && c.step != nil && c.step.over {
		if n, ok := c.arch.IsCall(c.mem(), pc); ok {
			if err := c.planStepBreakpoint(th, pc+uint64(n), regs.SP()); err != nil {
				return err
			}
			c.state = ContinueThenStep
		}
	}
	c.frames.invalidate()

	singleStep := c.state == Stepping || c.state == InternalStepping || c.watchingSoftware()
	over := c.pointsAt(pc)
	if len(over) == 0 && (!singleStep || c.state != Stepping) {
		th, pc, over = c.pendingStepOver(th, pc)
	}
	if len(over) > 0 || singleStep {
		for i, ep := range over {
			if err := ep.tempRemove(c); err != nil {
				for _, ep := range over[:i] {
					ep.restore(c)
				}
				return err
			}
		}
		c.lifted = over
		c.stepTid = th.ID
		sig := th.pendingSig
		th.pendingSig = 0
		th.stepOverAddr = 0
		c.threads.invalidateRegisters()
		th.Running = true
		if err := c.proc.SingleStep(th.ID, sig); err != nil {
			th.Running = false
			c.finishStepOver()
			c.stepTid = 0
			return ioError("single step", pc, err)
		}
		if len(over) > 0 {
			// nothing else runs while an event point is lifted
			return nil
		}
		return c.resumeOthers(th)
	}

	c.threads.invalidateRegisters()
	for _, t := range c.threads.List() {
		sig := t.pendingSig
		t.pendingSig = 0
		t.stepOverAddr = 0
		if err := c.proc.Resume(t.ID, sig); err != nil {
			return ioError(fmt.Sprintf("resume thread %d", t.ID), 0, err)
		}
		t.Running = true
	}
	return nil
}

// resumeOthers resumes every thread except th and the threads that are
// still sitting on an event point they already hit.
func (c *Controller) resumeOthers(th *Thread) error {
	for _, t := range c.threads.List() {
		if t == th || c.parkedOnSite(t) {
			continue
		}
		sig := t.pendingSig
		t.pendingSig = 0
		t.stepOverAddr = 0
		if err := c.proc.Resume(t.ID, sig); err != nil {
			return ioError(fmt.Sprintf("resume thread %d", t.ID), 0, err)
		}
		t.Running = true
	}
	return nil
}

// parkedOnSite returns true if t is stopped on event points it already
// hit and must step over them before running freely.
func (c *Controller) parkedOnSite(t *Thread) bool {
	if t.stepOverAddr == 0 {
		return false
	}
	regs, err := c.threadRegisters(t)
	if err != nil || regs.PC() != t.stepOverAddr {
		return false
	}
	return len(c.pointsAt(t.stepOverAddr)) > 0
}

// pendingStepOver returns a thread, other than the current one, that is
// stopped on event points it already hit and must step over before the
// process is resumed.
func (c *Controller) pendingStepOver(cur *Thread, pc uint64) (*Thread, uint64, []*EventPoint) {
	for _, t := range c.threads.List() {
		if t == cur || t.stepOverAddr == 0 {
			continue
		}
		regs, err := c.threadRegisters(t)
		if err != nil || regs.PC() != t.stepOverAddr {
			t.stepOverAddr = 0
			continue
		}
		if over := c.pointsAt(t.stepOverAddr); len(over) > 0 {
			return t, t.stepOverAddr, over
		}
	}
	return cur, pc, nil
}

// finishStepOver restores the event points lifted to step over them.
func (c *Controller) finishStepOver() {
	for _, ep := range c.lifted {
		if _, ok := c.reg.Get(ep.ID); !ok {
			continue
		}
		if err := ep.restore(c); err != nil {
			c.eplog.Errorf("could not restore %s: %v", ep, err)
		}
	}
	c.lifted = nil
}

// isCodePoint returns true if ep triggers when the instruction at its
// address is executed.
func isCodePoint(ep *EventPoint) bool {
	switch v := ep.Variant.(type) {
	case *HardwareWatchpoint:
		return v.Type == WatchExec
	case *SoftwareWatchpoint:
		return false
	}
	return true
}

// pointsAt returns the armed event points that trigger on executing the
// instruction at pc.
func (c *Controller) pointsAt(pc uint64) []*EventPoint {
	var r []*EventPoint
	for _, ep := range c.reg.At(pc) {
		if ep.Materialized && !ep.TempRemoved && isCodePoint(ep) {
			r = append(r, ep)
		}
	}
	return r
}

func (c *Controller) watchingSoftware() bool {
	for _, ep := range c.reg.AlwaysArmed() {
		if ep.Enabled && ep.Materialized {
			return true
		}
	}
	return false
}

// breakpointTrapAddr returns the address of the breakpoint instruction a
// thread with the given pc just executed.
func (c *Controller) breakpointTrapAddr(pc uint64) (uint64, bool) {
	addr := pc
	if c.arch.BreakInstrMovesPC() {
		addr = pc - uint64(c.arch.BreakpointSize())
	}
	return addr, c.reg.HasSite(addr)
}

// isBreakpointTrap returns the address of the breakpoint instruction that
// caused ev, if any.
func (c *Controller) isBreakpointTrap(ev *WaitEvent) (uint64, bool) {
	if ev.Kind != EventTrap || (c.stepTid != 0 && ev.Tid == c.stepTid) || ev.DebugStatus&(dr6SlotMask|dr6SingleStep) != 0 {
		return 0, false
	}
	th, ok := c.threads.Get(ev.Tid)
	if !ok {
		return 0, false
	}
	regs, err := c.threadRegisters(th)
	if err != nil {
		return 0, false
	}
	return c.breakpointTrapAddr(regs.PC())
}

// arbitrate chooses which of the simultaneous notifications is handled
// first. When several threads executed a breakpoint instruction the one
// with the lowest id among those sitting on a user event point wins, or
// the first one if none is; the other threads are moved back on the
// breakpoint so that they hit it again when resumed.
func (c *Controller) arbitrate(events []*WaitEvent) []*WaitEvent {
	var winner *WaitEvent
	winnerUser := false
	ntraps := 0
	for _, ev := range events {
		addr, ok := c.isBreakpointTrap(ev)
		if !ok {
			continue
		}
		ntraps++
		user := c.userPointAt(addr, ev.Tid)
		switch {
		case winner == nil:
			winner, winnerUser = ev, user
		case user && (!winnerUser || ev.Tid < winner.Tid):
			winner, winnerUser = ev, true
		}
	}
	if ntraps < 2 {
		return events
	}
	r := []*WaitEvent{winner}
	for _, ev := range events {
		if ev == winner {
			continue
		}
		if addr, ok := c.isBreakpointTrap(ev); ok {
			th, _ := c.threads.Get(ev.Tid)
			if err := c.setPC(th, addr); err != nil {
				c.log.Errorf("could not rewind thread %d: %v", ev.Tid, err)
			} else if logflags.Runctl() {
				c.log.Debugf("thread %d rewound to %#x", ev.Tid, addr)
			}
			continue
		}
		r = append(r, ev)
	}
	return r
}

func (c *Controller) userPointAt(addr uint64, tid int) bool {
	for _, ep := range c.reg.At(addr) {
		if ep.IsUser() && ep.Enabled && ep.appliesTo(tid) {
			return true
		}
	}
	return false
}

// handleEvent handles one stop notification.
func (c *Controller) handleEvent(ev *WaitEvent) (loopOutcome, error) {
	if logflags.Runctl() {
		c.log.Debugf("event %s (state %s)", ev, c.state)
	}
	c.hits = nil
	stepped := false
	if c.stepTid != 0 && ev.Tid == c.stepTid {
		stepped = ev.Kind == EventTrap
		switch ev.Kind {
		case EventExited, EventKilled, EventExec:
			c.lifted = nil
		default:
			c.finishStepOver()
		}
		c.stepTid = 0
	}

	switch ev.Kind {
	case EventExited, EventKilled:
		return c.handleExit(ev), nil
	case EventExec:
		return c.handleExec(ev)
	}

	th, ok := c.threads.Get(ev.Tid)
	if !ok {
		th = c.addThread(ev.Tid)
	}
	th.Status = ev
	th.Running = false

	switch ev.Kind {
	case EventClone:
		c.addThread(ev.NewID)
		return loopResume, nil
	case EventThreadExit:
		c.threads.remove(ev.Tid)
		return loopResume, nil
	case EventFork:
		return c.handleFork(th, ev)
	case EventSignal:
		return c.handleSignal(th, ev.Signal), nil
	}
	return c.handleTrap(th, ev, stepped)
}

// handleTrap handles a SIGTRAP: a breakpoint instruction, a debug
// register hit or a completed single step.
func (c *Controller) handleTrap(th *Thread, ev *WaitEvent, stepped bool) (loopOutcome, error) {
	regs, err := c.threadRegisters(th)
	if err != nil {
		return loopStop, err
	}
	pc := regs.PC()

	var eps []*EventPoint
	if slots := ev.DebugStatus & dr6SlotMask; slots != 0 {
		eps = c.hardwareHits(slots)
	}
	switch {
	case stepped:
		// landing on an event point counts as hitting it
		eps = appendUnique(eps, c.pointsAt(pc)...)
		for _, ep := range c.reg.AlwaysArmed() {
			if ep.Enabled && ep.Materialized {
				eps = append(eps, ep)
			}
		}
	case len(eps) == 0:
		if addr, ok := c.breakpointTrapAddr(pc); ok {
			if addr != pc {
				if err := c.setPC(th, addr); err != nil {
					return loopStop, err
				}
			}
			eps = c.pointsAt(addr)
		} else if ev.DebugStatus&dr6SingleStep == 0 {
			return c.handleSignal(th, sigTRAP), nil
		}
	}

	if len(eps) > 0 {
		if regs, err := c.threadRegisters(th); err == nil && len(c.pointsAt(regs.PC())) > 0 {
			th.stepOverAddr = regs.PC()
		}
	}
	action, userStop := c.dispatch(eps, th)
	switch {
	case action == ActionStop && userStop:
		c.endStep()
		return c.stopAt(th, c.stopReasonForHits(), 0), nil
	case action == ActionStop:
		return c.stepPointReached(th)
	}
	if c.step != nil && c.step.resumeStepping {
		c.step.resumeStepping = false
		c.state = Stepping
		return c.lineStepPolicy(th)
	}
	if stepped && c.state == Stepping && c.step != nil {
		if c.step.kind == stepInstruction {
			c.endStep()
			return c.stopAt(th, StopNextFinished, 0), nil
		}
		return c.lineStepPolicy(th)
	}
	return loopResume, nil
}

func appendUnique(eps []*EventPoint, more ...*EventPoint) []*EventPoint {
outer:
	for _, ep := range more {
		for _, ep2 := range eps {
			if ep == ep2 {
				continue outer
			}
		}
		eps = append(eps, ep)
	}
	return eps
}

// hardwareHits returns the event points holding the debug registers set
// in the slots mask.
func (c *Controller) hardwareHits(slots uint64) []*EventPoint {
	var r []*EventPoint
	for _, ep := range c.reg.All() {
		hw, ok := ep.Variant.(*HardwareWatchpoint)
		if !ok || !hw.held {
			continue
		}
		if slots&(1<<uint(hw.slot)) != 0 {
			r = append(r, ep)
		}
	}
	return r
}

// dispatch runs the hit protocol on every event point in eps. Children of
// a cascade in eps are only hit through the cascade. The resulting action
// is Stop if any event point stopped, Continue if any was hit, Ignore
// otherwise. The second return value is true if an event point not owned
// by a step command stopped the program.
func (c *Controller) dispatch(eps []*EventPoint, th *Thread) (Action, bool) {
	c.hits = nil
	children := make(map[int]bool)
	for _, ep := range eps {
		if cb, ok := ep.Variant.(*CascadeBreakpoint); ok {
			for _, id := range cb.Children {
				children[id] = true
			}
		}
	}
	r := ActionIgnore
	user := false
	for _, ep := range eps {
		if children[ep.ID] || !ep.Enabled {
			continue
		}
		if _, ok := c.reg.Get(ep.ID); !ok {
			continue
		}
		a := ActionContinue
		if pc, ok := ep.Variant.(prechecker); !ok || pc.precheck(c, ep, th) {
			a = c.hit(ep, th)
		}
		if logflags.EventPoints() {
			c.eplog.Debugf("%s hit by thread %d: %s", ep, th.ID, a)
		}
		if a == ActionStop {
			c.hits = append(c.hits, ep)
			if !ep.stepOwned {
				user = true
			}
		}
		if a > r {
			r = a
		}
	}
	return r, user
}

func (c *Controller) stopReasonForHits() StopReason {
	r := StopNextFinished
	for _, ep := range c.hits {
		if ep.stepOwned {
			continue
		}
		switch ep.Variant.(type) {
		case *HardwareWatchpoint, *SoftwareWatchpoint:
			if isCodePoint(ep) {
				return StopBreakpoint
			}
			return StopWatchpoint
		case *SolibEventBreakpoint:
			r = StopSolibEvent
		case *TempBreakpoint:
		default:
			return StopBreakpoint
		}
	}
	return r
}

// stepPointReached handles a stop caused only by event points owned by
// the step command.
func (c *Controller) stepPointReached(th *Thread) (loopOutcome, error) {
	if c.step == nil {
		return c.stopAt(th, StopNextFinished, 0), nil
	}
	if c.step.kind == stepLine {
		c.state = Stepping
		return c.lineStepPolicy(th)
	}
	c.endStep()
	return c.stopAt(th, StopNextFinished, 0), nil
}

// lineStepPolicy decides whether a line step ends at the current
// position of th.
func (c *Controller) lineStepPolicy(th *Thread) (loopOutcome, error) {
	regs, err := c.threadRegisters(th)
	if err != nil {
		return loopStop, err
	}
	pc := regs.PC()
	loc := c.bi.PCToLocation(pc)
	if !loc.HasLineInfo() {
		return c.stepOutOfNoLineInfo(th)
	}
	start := c.step.start
	switch {
	case loc.Fn != nil && pc == loc.Fn.Entry:
		return loopResume, nil
	case loc.File == start.File && loc.Line == start.Line:
		return loopResume, nil
	case c.step.until && sameFunction(&loc, &start) && loc.Line < start.Line:
		return loopResume, nil
	}
	c.endStep()
	return c.stopAt(th, StopNextFinished, 0), nil
}

func sameFunction(a, b *Location) bool {
	return a.Fn != nil && b.Fn != nil && a.Fn.Entry == b.Fn.Entry
}

// stepOutOfNoLineInfo continues a line step that entered code without
// line information: calls through the PLT are followed, lazy binding in
// the dynamic linker is skipped with a DynamicLinkerBreakpoint and any
// other function is run until it returns.
func (c *Controller) stepOutOfNoLineInfo(th *Thread) (loopOutcome, error) {
	regs, err := c.threadRegisters(th)
	if err != nil {
		return loopStop, err
	}
	pc := regs.PC()
	loc := c.bi.PCToLocation(pc)

	if loc.Fn != nil && c.arch.IsDynamicResolver(loc.Fn.Name) {
		ret, err := readUintRaw(c.mem(), regs.SP()+c.arch.DynamicResolverReturnOffset(), c.arch.PtrSize())
		if err != nil {
			return loopStop, err
		}
		if err := c.planStepBreakpoint(th, ret, 0); err != nil {
			return loopStop, err
		}
		c.state = ContinueThenStep
		return loopResume, nil
	}

	if target, ok := c.arch.IndirectJumpTarget(c.mem(), pc); ok {
		tloc := c.bi.PCToLocation(target)
		if tloc.Fn != nil && c.arch.IsDynamicResolver(tloc.Fn.Name) {
			ep, err := c.setInternal(target, &DynamicLinkerBreakpoint{}, true)
			if err != nil {
				return loopStop, err
			}
			ep.Threads = []int{th.ID}
			c.step.points = append(c.step.points, ep.ID)
			c.state = ContinueThenStep
		}
		return loopResume, nil
	}

	if loc.Fn == nil && c.step.blind < maxBlindSteps {
		c.step.blind++
		return loopResume, nil
	}

	frames, _, err := c.Stacktrace()
	if err != nil || len(frames) < 2 {
		if err != nil {
			c.log.Warnf("could not find the return address of %s: %v", loc.String(), err)
		}
		c.endStep()
		return c.stopAt(th, StopNextFinished, 0), nil
	}
	if err := c.planStepBreakpoint(th, frames[1].PC(), frames[1].SP()); err != nil {
		return loopStop, err
	}
	c.state = ContinueThenStep
	return loopResume, nil
}

// handleSignal applies the signal policy to a signal received by th.
func (c *Controller) handleSignal(th *Thread, sig int) loopOutcome {
	if sig == sigSTOP && atomic.CompareAndSwapInt32(&c.interrupted, 1, 0) {
		c.endStep()
		return c.stopAt(th, StopManual, 0)
	}
	pol := c.signals.Policy(sig)
	if pol&SigPass != 0 {
		th.pendingSig = sig
	}
	if pol&SigStop != 0 {
		c.endStep()
		return c.stopAt(th, StopSignal, sig)
	}
	if pol&SigPrint != 0 {
		c.notify(fmt.Sprintf("Thread %d received signal %s", th.ID, SignalName(sig)))
	}
	return loopResume
}

func (c *Controller) notify(msg string) {
	if c.OnMessage != nil {
		c.OnMessage(msg)
		return
	}
	c.log.Info(msg)
}

// handleExit tears down the instrumentation of a process that exited:
// internal event points are destroyed, user event points are kept, not
// materialized, so that they can be used again.
func (c *Controller) handleExit(ev *WaitEvent) loopOutcome {
	c.forgetInstrumentation()
	c.removeInternal()
	c.step = nil
	c.pending = nil
	c.solibs = solibTracker{}
	c.threads.clear()
	c.frames.invalidate()
	c.state = Exited
	c.exitStatus = ev.ExitStatus
	si := &StopInfo{Reason: StopExited, Thread: ev.Tid, ExitStatus: ev.ExitStatus}
	if ev.Kind == EventKilled {
		si.Reason = StopKilled
		si.Signal = ev.Signal
	}
	c.reportStop(si)
	return loopStop
}

// handleFork applies the follow fork mode. The child starts with a copy
// of the memory of the parent, breakpoint instructions included, which
// is cleaned before anything else.
func (c *Controller) handleFork(th *Thread, ev *WaitEvent) (loopOutcome, error) {
	child := ev.Child
	if child == nil {
		return loopResume, nil
	}
	if err := c.reg.cleanCopy(child); err != nil {
		c.log.Errorf("could not remove breakpoints from process %d: %v", child.Pid(), err)
	}
	var childCtl *Controller
	switch c.opts.FollowFork {
	case FollowParent:
		if err := child.Detach(false); err != nil {
			c.log.Errorf("could not detach from process %d: %v", child.Pid(), err)
		}
	case FollowChild:
		c.endStep()
		c.dematerializeAll()
		if err := c.proc.Detach(false); err != nil {
			c.log.Errorf("could not detach from process %d: %v", c.proc.Pid(), err)
		}
		c.proc = child
		c.threads.clear()
		for _, tid := range child.ThreadList() {
			c.threads.add(child.Pid(), tid)
		}
		if cth, ok := c.threads.Get(child.Pid()); ok {
			c.threads.setCurrent(cth)
		}
		th = c.threads.Current()
		c.materializeAll()
	case FollowBoth:
		var err error
		childCtl, err = c.forkController(child)
		if err != nil {
			c.log.Errorf("could not attach to process %d: %v", child.Pid(), err)
			child.Detach(false)
			break
		}
		c.children = append(c.children, childCtl)
		if c.OnNewController != nil {
			c.OnNewController(childCtl)
		}
	}
	if logflags.Runctl() {
		c.log.Debugf("fork: new process %d, following %s", ev.NewID, c.opts.FollowFork)
	}
	if c.catchEvent(CatchFork, th) {
		c.endStep()
		si := c.newStopInfo(th, StopFork)
		si.ChildPid = ev.NewID
		si.Child = childCtl
		return c.reportStop(si), nil
	}
	return loopResume, nil
}

// forkController creates the controller of a forked child, with a copy
// of the user event points.
func (c *Controller) forkController(child Process) (*Controller, error) {
	n := New(c.arch, c.bi, c.eval, c.opts)
	n.signals = c.signals.clone()
	for _, ep := range c.reg.User() {
		n.reg.addWithID(ep.clone())
	}
	n.OnStop = c.OnStop
	n.OnNewController = c.OnNewController
	n.OnMessage = c.OnMessage
	if err := n.Attach(child); err != nil {
		return nil, err
	}
	return n, nil
}

// handleExec handles the replacement of the process image: all
// instrumentation is gone with the old image, debug information is
// reloaded and user event points are resolved again.
func (c *Controller) handleExec(ev *WaitEvent) (loopOutcome, error) {
	c.forgetInstrumentation()
	c.removeInternal()
	c.step = nil
	c.pending = nil
	c.threads.clear()
	for _, tid := range c.proc.ThreadList() {
		c.threads.add(c.proc.Pid(), tid)
	}
	th, ok := c.threads.Get(ev.Tid)
	if !ok {
		th = c.threads.Current()
	}
	c.threads.setCurrent(th)
	c.frames.invalidate()

	if r, ok := c.bi.(Reloader); ok {
		if err := r.Reload(c.proc.Pid()); err != nil {
			c.log.Errorf("could not reload debug information: %v", err)
		}
	}
	c.solibs = solibTracker{}
	for _, ep := range c.reg.User() {
		switch v := ep.Variant.(type) {
		case *Catchpoint:
			if v.addressBound() {
				c.reg.setAddr(ep, 0)
			}
		default:
			if ep.Symbol != "" || ep.File != "" {
				c.reg.setAddr(ep, 0)
				ep.Pending = true
			}
		}
	}
	c.setupSolibEvents()
	c.resolvePending()
	c.materializeAll()
	if c.catchEvent(CatchExec, th) {
		return c.stopAt(th, StopExec, 0), nil
	}
	return loopResume, nil
}

// catchEvent dispatches a hit to the catchpoints for ev.
func (c *Controller) catchEvent(ev CatchEvent, th *Thread) bool {
	var eps []*EventPoint
	for _, ep := range c.reg.User() {
		if cp, ok := ep.Variant.(*Catchpoint); ok && cp.Event == ev && ep.Enabled {
			eps = append(eps, ep)
		}
	}
	if len(eps) == 0 {
		return false
	}
	action, _ := c.dispatch(eps, th)
	return action == ActionStop
}

func (c *Controller) newStopInfo(th *Thread, reason StopReason) *StopInfo {
	c.state = Ready
	c.threads.setCurrent(th)
	c.frames.invalidate()
	si := &StopInfo{Reason: reason, Thread: th.ID}
	if regs, err := c.threadRegisters(th); err == nil {
		si.Loc = c.bi.PCToLocation(regs.PC())
	}
	for _, ep := range c.hits {
		if !ep.stepOwned {
			si.EventPoints = append(si.EventPoints, ep)
		}
	}
	return si
}

func (c *Controller) stopAt(th *Thread, reason StopReason, sig int) loopOutcome {
	si := c.newStopInfo(th, reason)
	si.Signal = sig
	return c.reportStop(si)
}

// reportStop records si as the last stop and announces it.
func (c *Controller) reportStop(si *StopInfo) loopOutcome {
	if c.state != Exited {
		if err := c.buildFrameCache(); err != nil {
			c.log.Warnf("could not build the stack of thread %d: %v", si.Thread, err)
		}
	}
	c.lastStop = si
	if logflags.Runctl() {
		c.log.WithField("reason", si.Reason.String()).Debugf("stopped thread %d at %#x", si.Thread, si.Loc.PC)
	}
	if c.OnStop != nil {
		c.OnStop(si)
	}
	return loopStop
}
