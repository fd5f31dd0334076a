package proc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/go-delve/runctl/pkg/dwarf/op"
	"github.com/go-delve/runctl/pkg/logflags"
)

// State is the run control state of a Controller.
type State uint8

const (
	// Idle means no process is attached.
	Idle State = iota
	// Running means the threads of the process were resumed by continue.
	Running
	// Stepping means a step command is single stepping the current
	// thread.
	Stepping
	// InternalStepping means a continue is being executed one
	// instruction at a time, to check software watchpoints.
	InternalStepping
	// ContinueThenStep means the process was resumed to reach a
	// breakpoint set by a step command.
	ContinueThenStep
	// Ready means the process is stopped.
	Ready
	// Disabled means the target is not live, for post mortem analysis.
	Disabled
	// Exited means the process exited.
	Exited
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stepping:
		return "stepping"
	case InternalStepping:
		return "internal-stepping"
	case ContinueThenStep:
		return "continue-then-step"
	case Ready:
		return "ready"
	case Disabled:
		return "disabled"
	case Exited:
		return "exited"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// FollowForkMode selects the process that stays under control after a
// fork.
type FollowForkMode uint8

const (
	FollowParent FollowForkMode = iota
	FollowChild
	// FollowBoth keeps the parent and creates a second Controller for the
	// child.
	FollowBoth
)

func (m FollowForkMode) String() string {
	switch m {
	case FollowParent:
		return "parent"
	case FollowChild:
		return "child"
	case FollowBoth:
		return "both"
	}
	return fmt.Sprintf("follow(%d)", uint8(m))
}

// ParseFollowForkMode parses the name of a follow fork mode.
func ParseFollowForkMode(s string) (FollowForkMode, error) {
	switch s {
	case "", "parent":
		return FollowParent, nil
	case "child":
		return FollowChild, nil
	case "both":
		return FollowBoth, nil
	}
	return FollowParent, fmt.Errorf("invalid follow fork mode %q", s)
}

const defaultMaxStackDepth = 1024

// Options configure a Controller.
type Options struct {
	FollowFork        FollowForkMode
	StopOnSolibEvents bool
	BacktracePastMain bool
	// MaxStackDepth limits the number of frames of a stack trace, zero
	// means the default.
	MaxStackDepth int
	// HardwareDebugRegisters limits the number of debug registers used,
	// zero means all the registers of the architecture.
	HardwareDebugRegisters int
	// StepOverCalls makes StepInstruction step over call instructions.
	StepOverCalls bool
	// Signals overrides the default signal policies.
	Signals map[int]SignalPolicy
}

func (opts *Options) maxStackDepth() int {
	if opts.MaxStackDepth <= 0 {
		return defaultMaxStackDepth
	}
	return opts.MaxStackDepth
}

// Controller drives one traced process: it owns its event points,
// threads and stack frames and serializes every stop notification of
// the process into debugger visible stops.
//
// A Controller is not safe for concurrent use, with the exception of
// Interrupt.
type Controller struct {
	// SessionID identifies the controller, controllers created by
	// following both sides of a fork get their own.
	SessionID uuid.UUID

	proc Process
	arch Arch
	bi   DebugInfo
	eval Evaluator
	opts Options

	state   State
	reg     *Registry
	hw      *DebugRegisterPool
	threads *ThreadSet
	frames  frameCache
	signals *SignalTable
	solibs  solibTracker

	step *stepState
	// stepTid is the thread being single stepped, lifted are the event
	// points removed to let it execute the instruction at its pc.
	stepTid int
	lifted  []*EventPoint
	// pending are stop notifications received while stopping the world,
	// handled before the process is resumed again.
	pending []*WaitEvent
	// hits are the event points that stopped the program at the last stop.
	hits []*EventPoint

	commands    []string
	children    []*Controller
	lastStop    *StopInfo
	exitStatus  int
	interrupted int32
	running     int32

	log   logflags.Logger
	eplog logflags.Logger

	// OnStop is called every time the program stops.
	OnStop func(*StopInfo)
	// OnNewController is called when following a fork creates a new
	// controller.
	OnNewController func(*Controller)
	// OnMessage receives notifications that do not stop the program, like
	// signals that are printed but not stopped at.
	OnMessage func(string)
}

// New returns an idle controller.
func New(arch Arch, bi DebugInfo, eval Evaluator, opts Options) *Controller {
	ndr := arch.DebugRegisterCount()
	if opts.HardwareDebugRegisters > 0 && opts.HardwareDebugRegisters < ndr {
		ndr = opts.HardwareDebugRegisters
	}
	c := &Controller{
		SessionID: uuid.New(),
		arch:      arch,
		bi:        bi,
		eval:      eval,
		opts:      opts,
		state:     Idle,
		reg:       NewRegistry(),
		hw:        NewDebugRegisterPool(ndr),
		threads:   newThreadSet(),
		signals:   NewSignalTable(),
	}
	for sig, p := range opts.Signals {
		c.signals.Set(sig, p)
	}
	c.log = logflags.RunctlLogger().WithField("session", c.SessionID.String()[:8])
	c.eplog = logflags.EventPointsLogger()
	return c
}

// Attach takes control of p, which must be stopped. Event points created
// before attaching are materialized.
func (c *Controller) Attach(p Process) error {
	if c.state != Idle && c.state != Exited {
		return errors.New("already attached")
	}
	c.proc = p
	c.state = Ready
	c.threads.clear()
	c.solibs = solibTracker{}
	for _, tid := range p.ThreadList() {
		c.threads.add(p.Pid(), tid)
	}
	if th, ok := c.threads.Get(p.Pid()); ok {
		c.threads.setCurrent(th)
	}
	if logflags.Runctl() {
		c.log.Debugf("attached to %d, %d threads", p.Pid(), c.threads.Len())
	}
	c.setupSolibEvents()
	c.setupThreadEvents()
	c.resolvePending()
	c.materializeAll()
	return nil
}

// AttachPostMortem puts the controller in the Disabled state: event
// points can be created and listed but nothing is materialized.
func (c *Controller) AttachPostMortem() error {
	if c.state != Idle {
		return errors.New("already attached")
	}
	c.state = Disabled
	return nil
}

// Detach removes all instrumentation from the process and detaches from
// it, killing it if kill is true.
func (c *Controller) Detach(kill bool) error {
	if !c.live() {
		if c.state == Exited {
			c.state = Idle
			c.proc = nil
		}
		return nil
	}
	c.frames.invalidate()
	if !kill {
		c.dematerializeAll()
	} else {
		c.forgetInstrumentation()
	}
	err := c.proc.Detach(kill)
	c.threads.clear()
	c.proc = nil
	c.state = Idle
	c.step = nil
	c.pending = nil
	if err != nil {
		return ioError("detach", 0, err)
	}
	return nil
}

// Interrupt requests the running process to stop. It can be called from
// any goroutine, it does nothing if the process is already stopped.
func (c *Controller) Interrupt() error {
	if c.proc == nil {
		return ErrNotLive
	}
	if atomic.LoadInt32(&c.running) == 0 {
		return nil
	}
	atomic.StoreInt32(&c.interrupted, 1)
	return c.proc.RequestStop()
}

// State returns the run control state.
func (c *Controller) State() State {
	return c.state
}

// Pid returns the pid of the controlled process, 0 if there is none.
func (c *Controller) Pid() int {
	if c.proc == nil {
		return 0
	}
	return c.proc.Pid()
}

// Signals returns the signal table of the controller.
func (c *Controller) Signals() *SignalTable {
	return c.signals
}

// Children returns the controllers created by following forks.
func (c *Controller) Children() []*Controller {
	return c.children
}

// LastStop returns the description of the last stop.
func (c *Controller) LastStop() *StopInfo {
	return c.lastStop
}

// DrainCommands returns and clears the commands queued by event point
// hits.
func (c *Controller) DrainCommands() []string {
	r := c.commands
	c.commands = nil
	return r
}

// DebugRegisters returns the debug register pool.
func (c *Controller) DebugRegisters() *DebugRegisterPool {
	return c.hw
}

// DebugInfo returns the debug information provider.
func (c *Controller) DebugInfo() DebugInfo {
	return c.bi
}

// Registry returns the event point registry.
func (c *Controller) Registry() *Registry {
	return c.reg
}

// Threads returns the threads of the process sorted by id.
func (c *Controller) Threads() []*Thread {
	return c.threads.List()
}

// CurrentThread returns the thread commands operate on.
func (c *Controller) CurrentThread() *Thread {
	return c.threads.Current()
}

// SwitchThread changes the current thread.
func (c *Controller) SwitchThread(tid int) error {
	th, ok := c.threads.Get(tid)
	if !ok {
		return fmt.Errorf("thread %d does not exist", tid)
	}
	if th != c.threads.Current() {
		if err := c.publishRegisters(); err != nil {
			return err
		}
		c.threads.setCurrent(th)
		c.frames.invalidate()
	}
	return nil
}

// Registers returns the registers of the current thread.
func (c *Controller) Registers() (*op.DwarfRegisters, error) {
	th := c.threads.Current()
	if th == nil {
		return nil, ErrNotLive
	}
	return c.threadRegisters(th)
}

// Memory returns the memory of the process, breakpoint instructions are
// hidden.
func (c *Controller) Memory() (MemoryReadWriter, error) {
	if !c.live() {
		return nil, ErrNotLive
	}
	return c.mem(), nil
}

// Evaluate evaluates expr in the selected frame.
func (c *Controller) Evaluate(expr string) (Value, error) {
	if c.eval == nil {
		return Value{}, errors.New("no expression evaluator")
	}
	f, err := c.SelectedFrame()
	if err != nil {
		return Value{}, err
	}
	compiled, err := c.eval.Compile(expr)
	if err != nil {
		return Value{}, err
	}
	scope := &EvalScope{Regs: f.Regs, Mem: c.mem(), Arch: c.arch, Thread: c.threads.Current().ID, Frame: f.Index, Loc: f.Current}
	return c.eval.Evaluate(compiled, scope)
}

func (c *Controller) live() bool {
	switch c.state {
	case Idle, Disabled, Exited:
		return false
	}
	return c.proc != nil
}

func (c *Controller) canMaterialize() bool {
	return c.live()
}

func (c *Controller) mem() MemoryReadWriter {
	return &maskedMemory{MemoryReadWriter: c.proc, reg: c.reg}
}

func (c *Controller) threadRegisters(th *Thread) (*op.DwarfRegisters, error) {
	if th.regs != nil {
		return th.regs, nil
	}
	regs, err := c.proc.Registers(th.ID)
	if err != nil {
		return nil, ioError(fmt.Sprintf("read registers of thread %d", th.ID), 0, err)
	}
	th.regs = regs
	return regs, nil
}

func (c *Controller) threadScope(th *Thread) (*EvalScope, error) {
	regs, err := c.threadRegisters(th)
	if err != nil {
		return nil, err
	}
	return &EvalScope{Regs: regs, Mem: c.mem(), Arch: c.arch, Thread: th.ID, Loc: c.bi.PCToLocation(regs.PC())}, nil
}

func (c *Controller) readWatched(addr uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := c.mem().ReadMemory(buf, addr); err != nil {
		return nil, ioError("read watched memory", addr, err)
	}
	return buf, nil
}

// setPC changes the program counter of th.
func (c *Controller) setPC(th *Thread, pc uint64) error {
	if err := c.proc.SetReg(th.ID, c.arch.PCRegNum(), pc); err != nil {
		return ioError("set pc", pc, err)
	}
	th.regs = nil
	return nil
}

// refreshThreads synchronizes the thread set with the threads of the
// process.
func (c *Controller) refreshThreads() {
	alive := make(map[int]bool)
	for _, tid := range c.proc.ThreadList() {
		alive[tid] = true
		if _, ok := c.threads.Get(tid); !ok {
			c.addThread(tid)
		}
	}
	for _, th := range c.threads.List() {
		if !alive[th.ID] {
			c.threads.remove(th.ID)
		}
	}
}

// addThread adds a new thread and programs the hardware watchpoints in
// it.
func (c *Controller) addThread(tid int) *Thread {
	th := c.threads.add(c.proc.Pid(), tid)
	for _, ep := range c.reg.All() {
		if hw, ok := ep.Variant.(*HardwareWatchpoint); ok && ep.Materialized {
			if err := hw.programThread(c, ep, tid); err != nil {
				c.eplog.Errorf("could not set %s in thread %d: %v", ep, tid, err)
			}
		}
	}
	return th
}

// materializeAll materializes every enabled event point. Failures are
// logged, the event point stays unmaterialized.
func (c *Controller) materializeAll() {
	for _, ep := range c.reg.All() {
		if err := ep.materialize(c); err != nil {
			c.eplog.Errorf("could not set %s: %v", ep, err)
		}
	}
}

func (c *Controller) dematerializeAll() {
	for _, ep := range c.reg.All() {
		if err := ep.dematerialize(c); err != nil {
			c.eplog.Errorf("could not remove %s: %v", ep, err)
		}
	}
}

// forgetInstrumentation marks every event point as not materialized
// without touching the process, used when its image is gone.
func (c *Controller) forgetInstrumentation() {
	for _, ep := range c.reg.All() {
		if hw, ok := ep.Variant.(*HardwareWatchpoint); ok {
			hw.held = false
		}
		ep.Materialized = false
		ep.TempRemoved = false
	}
	c.reg.dropSites()
	c.hw.reset()
	c.lifted = nil
	c.stepTid = 0
}

// removeInternal destroys every internal event point.
func (c *Controller) removeInternal() {
	for _, ep := range c.reg.All() {
		if ep.IsInternal() {
			if err := c.removeEventPoint(ep); err != nil {
				c.eplog.Errorf("could not remove %s: %v", ep, err)
			}
		}
	}
}

func (c *Controller) removeEventPoint(ep *EventPoint) error {
	err := ep.dematerialize(c)
	c.reg.remove(ep)
	return err
}

// resolveLocation computes the address of an event point created by
// symbol or source line.
func (c *Controller) resolveLocation(ep *EventPoint) (uint64, error) {
	switch {
	case ep.File != "":
		return c.bi.LineToPC(ep.File, ep.Line)
	case ep.Symbol != "":
		return c.bi.LookupSymbol(ep.Symbol)
	}
	return 0, fmt.Errorf("%s has no location", ep)
}

// resolvePending tries to resolve every pending event point.
func (c *Controller) resolvePending() {
	for _, ep := range c.reg.User() {
		if !ep.Pending {
			continue
		}
		addr, err := c.resolveLocation(ep)
		if err != nil {
			continue
		}
		ep.Pending = false
		c.reg.setAddr(ep, addr)
		if logflags.EventPoints() {
			c.eplog.Debugf("resolved %s", ep)
		}
		if err := ep.materialize(c); err != nil {
			c.eplog.Errorf("could not set %s: %v", ep, err)
		}
	}
}

// addEventPoint registers a new event point and materializes it. If
// materialization fails the event point is discarded.
func (c *Controller) addEventPoint(ep *EventPoint, internal bool) (*EventPoint, error) {
	ep.Enabled = true
	c.reg.add(ep, internal)
	if err := ep.materialize(c); err != nil {
		c.reg.remove(ep)
		return nil, err
	}
	return ep, nil
}

// SetBreakpoint sets a software breakpoint at addr.
func (c *Controller) SetBreakpoint(addr uint64) (*EventPoint, error) {
	if addr == 0 {
		return nil, InvalidAddressError{Address: addr}
	}
	return c.addEventPoint(&EventPoint{Addr: addr, Variant: &SoftwareBreakpoint{}}, false)
}

// SetBreakpointAtSymbol sets a breakpoint at the address of the named
// function. If the symbol can not be resolved yet the breakpoint is
// created pending.
func (c *Controller) SetBreakpointAtSymbol(name string) (*EventPoint, error) {
	ep := &EventPoint{Symbol: name, Variant: &SoftwareBreakpoint{}}
	addr, err := c.bi.LookupSymbol(name)
	if err != nil {
		ep.Pending = true
	}
	ep.Addr = addr
	return c.addEventPoint(ep, false)
}

// SetBreakpointAtLine sets a breakpoint at the first statement of
// file:line, creating it pending if the line can not be resolved yet.
func (c *Controller) SetBreakpointAtLine(file string, line int) (*EventPoint, error) {
	ep := &EventPoint{File: file, Line: line, Variant: &SoftwareBreakpoint{}}
	addr, err := c.bi.LineToPC(file, line)
	if err != nil {
		ep.Pending = true
	}
	ep.Addr = addr
	return c.addEventPoint(ep, false)
}

// SetHardwareBreakpoint sets a breakpoint at addr using a debug register.
func (c *Controller) SetHardwareBreakpoint(addr uint64) (*EventPoint, error) {
	if addr == 0 {
		return nil, InvalidAddressError{Address: addr}
	}
	return c.addEventPoint(&EventPoint{Addr: addr, Variant: &HardwareWatchpoint{Type: WatchExec}}, false)
}

// SetWatchpoint watches size bytes at addr using a debug register.
func (c *Controller) SetWatchpoint(addr uint64, size int, wtype WatchType) (*EventPoint, error) {
	if addr == 0 {
		return nil, InvalidAddressError{Address: addr}
	}
	if wtype == WatchExec {
		return c.SetHardwareBreakpoint(addr)
	}
	return c.addEventPoint(&EventPoint{Addr: addr, Variant: &HardwareWatchpoint{Type: wtype, Size: size}}, false)
}

// SetScopedWatchpoint is like SetWatchpoint but the watchpoint is deleted
// when the selected frame returns.
func (c *Controller) SetScopedWatchpoint(addr uint64, size int, wtype WatchType) (*EventPoint, error) {
	f, err := c.SelectedFrame()
	if err != nil {
		return nil, err
	}
	ep, err := c.SetWatchpoint(addr, size, wtype)
	if err != nil {
		return nil, err
	}
	if hw, ok := ep.Variant.(*HardwareWatchpoint); ok {
		hw.ScopeSP = f.CFA
	}
	return ep, nil
}

// SetSoftwareWatchpoint watches the value of expr, checking it after
// every instruction executed by the program.
func (c *Controller) SetSoftwareWatchpoint(expr string) (*EventPoint, error) {
	return c.addEventPoint(&EventPoint{Variant: &SoftwareWatchpoint{Expr: expr}}, false)
}

// SetCatchpoint creates a catchpoint for ev.
func (c *Controller) SetCatchpoint(ev CatchEvent) (*EventPoint, error) {
	return c.addEventPoint(&EventPoint{Variant: &Catchpoint{Event: ev}}, false)
}

// SetCascade creates a breakpoint at addr that, when hit, hits every one
// of children and then deletes itself.
func (c *Controller) SetCascade(addr uint64, children []int) (*EventPoint, error) {
	if addr == 0 {
		return nil, InvalidAddressError{Address: addr}
	}
	for _, id := range children {
		if _, ok := c.reg.Get(id); !ok {
			return nil, NoEventPointError{ID: id}
		}
	}
	return c.addEventPoint(&EventPoint{Addr: addr, Variant: &CascadeBreakpoint{Children: append([]int(nil), children...)}}, false)
}

// setInternal creates an internal event point at addr.
func (c *Controller) setInternal(addr uint64, v Variant, stepOwned bool) (*EventPoint, error) {
	ep, err := c.addEventPoint(&EventPoint{Addr: addr, Variant: v, stepOwned: stepOwned}, true)
	if err != nil {
		return nil, err
	}
	if logflags.EventPoints() {
		c.eplog.Debugf("internal %s", ep)
	}
	return ep, nil
}

// EventPoints returns the user visible event points sorted by id.
func (c *Controller) EventPoints() []*EventPoint {
	return c.reg.User()
}

// EventPoint returns the event point with the given id.
func (c *Controller) EventPoint(id int) (*EventPoint, error) {
	ep, ok := c.reg.Get(id)
	if !ok {
		return nil, NoEventPointError{ID: id}
	}
	return ep, nil
}

// EnableEventPoint enables event point id and materializes it.
func (c *Controller) EnableEventPoint(id int) error {
	ep, err := c.EventPoint(id)
	if err != nil {
		return err
	}
	if ep.Enabled {
		return nil
	}
	ep.Enabled = true
	if err := ep.materialize(c); err != nil {
		ep.Enabled = false
		return err
	}
	return nil
}

// DisableEventPoint disables event point id.
func (c *Controller) DisableEventPoint(id int) error {
	ep, err := c.EventPoint(id)
	if err != nil {
		return err
	}
	ep.Enabled = false
	return ep.dematerialize(c)
}

// ClearEventPoint deletes event point id.
func (c *Controller) ClearEventPoint(id int) error {
	ep, err := c.EventPoint(id)
	if err != nil {
		return err
	}
	for i := range c.lifted {
		if c.lifted[i] == ep {
			c.lifted = append(c.lifted[:i], c.lifted[i+1:]...)
			break
		}
	}
	return c.removeEventPoint(ep)
}

// SetCondition sets the condition of event point id, an empty string
// removes it.
func (c *Controller) SetCondition(id int, cond string) error {
	ep, err := c.EventPoint(id)
	if err != nil {
		return err
	}
	if cond != "" && c.eval != nil {
		if _, err := c.eval.Compile(cond); err != nil {
			return err
		}
	}
	ep.Cond = cond
	ep.cond = nil
	ep.CondError = nil
	return nil
}

// SetIgnoreCount makes event point id ignore its next n hits.
func (c *Controller) SetIgnoreCount(id int, n int) error {
	ep, err := c.EventPoint(id)
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("invalid ignore count %d", n)
	}
	ep.IgnoreCount = n
	return nil
}

// SetCommands sets the commands queued when event point id stops the
// program.
func (c *Controller) SetCommands(id int, cmds []string) error {
	ep, err := c.EventPoint(id)
	if err != nil {
		return err
	}
	ep.Commands = append([]string(nil), cmds...)
	return nil
}

// SetThreadFilter restricts event point id to the listed threads, an
// empty list removes the restriction.
func (c *Controller) SetThreadFilter(id int, tids []int) error {
	ep, err := c.EventPoint(id)
	if err != nil {
		return err
	}
	for _, tid := range tids {
		if _, ok := c.threads.Get(tid); !ok && c.live() {
			return fmt.Errorf("thread %d does not exist", tid)
		}
	}
	ep.Threads = append([]int(nil), tids...)
	return nil
}

// SetDisposition changes what happens to event point id after it stops
// the program.
func (c *Controller) SetDisposition(id int, d Disposition) error {
	ep, err := c.EventPoint(id)
	if err != nil {
		return err
	}
	ep.Disposition = d
	return nil
}
