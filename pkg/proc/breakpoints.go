package proc

import (
	"fmt"
	"strings"

	"github.com/go-delve/runctl/pkg/logflags"
)

// Disposition is what happens to an event point after it stops the
// program.
type Disposition uint8

const (
	// DispKeep leaves the event point in place.
	DispKeep Disposition = iota
	// DispDelete deletes the event point after its first stop.
	DispDelete
	// DispDisable disables the event point after its first stop.
	DispDisable
)

func (d Disposition) String() string {
	switch d {
	case DispKeep:
		return "keep"
	case DispDelete:
		return "del"
	case DispDisable:
		return "dis"
	}
	return fmt.Sprintf("disp(%d)", uint8(d))
}

// Action is the result of dispatching a hit.
type Action uint8

const (
	// ActionIgnore means no event point was involved.
	ActionIgnore Action = iota
	// ActionContinue means the program should be resumed.
	ActionContinue
	// ActionStop means control should return to the user.
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionContinue:
		return "continue"
	case ActionStop:
		return "stop"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// EventPoint is a breakpoint, watchpoint or catchpoint. The fields
// common to all kinds live here, the behavior specific to one kind is
// implemented by Variant.
type EventPoint struct {
	// ID is positive for user visible event points and negative for
	// internal ones.
	ID int
	// Addr is the address the event point is set at, zero for pending
	// event points and for event points that are not bound to an
	// address.
	Addr uint64

	Enabled      bool
	Materialized bool
	// TempRemoved is set while the instrumentation is removed to step
	// over the event point.
	TempRemoved bool
	// Pending is set when the location could not be resolved yet.
	Pending bool

	Disposition Disposition
	IgnoreCount int
	HitCount    int

	// Cond is the condition expression, empty for none.
	Cond      string
	cond      CompiledExpr
	CondError error

	// Commands are queued for execution when the event point stops the
	// program.
	Commands []string
	// Threads restricts the event point to the listed threads, empty for
	// all threads.
	Threads []int

	// Location specification the event point was created from.
	Symbol string
	File   string
	Line   int

	// Message is set on a hit by variants that have something to
	// report, such as the old and new value of a watched location.
	Message string

	Variant Variant

	// stepOwned marks internal event points created by a step command,
	// their stops are consumed by the stepping logic.
	stepOwned bool
}

// Variant is the behavior of one kind of event point.
type Variant interface {
	// Kind is a short description of the variant, for display.
	Kind() string

	materialize(c *Controller, ep *EventPoint) error
	dematerialize(c *Controller, ep *EventPoint) error
	// lift and unlift temporarily remove and reinstate the
	// instrumentation while stepping over it.
	lift(c *Controller, ep *EventPoint) error
	unlift(c *Controller, ep *EventPoint) error
	// activeHit implements the behavior specific to the variant, it is
	// called after the common checks (thread filter, ignore count,
	// condition) passed.
	activeHit(c *Controller, ep *EventPoint, th *Thread) Action
	clone() Variant
}

// prechecker is implemented by variants that first decide whether a
// trigger is a hit at all. A trigger that is not a hit does not count
// towards the hit count.
type prechecker interface {
	precheck(c *Controller, ep *EventPoint, th *Thread) bool
}

// IsUser returns true if ep is visible to the user.
func (ep *EventPoint) IsUser() bool {
	return ep.ID > 0
}

// IsInternal returns true if ep was created by the debugger for its own
// purposes.
func (ep *EventPoint) IsInternal() bool {
	return ep.ID < 0
}

// Location returns a description of where the event point is set.
func (ep *EventPoint) Location() string {
	switch {
	case ep.File != "":
		return fmt.Sprintf("%s:%d", ep.File, ep.Line)
	case ep.Symbol != "":
		return ep.Symbol
	case ep.Addr != 0:
		return fmt.Sprintf("%#x", ep.Addr)
	}
	return ""
}

func (ep *EventPoint) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d", ep.Variant.Kind(), ep.ID)
	if loc := ep.Location(); loc != "" {
		fmt.Fprintf(&b, " at %s", loc)
	}
	if ep.Pending {
		b.WriteString(" (pending)")
	}
	if !ep.Enabled {
		b.WriteString(" (disabled)")
	}
	fmt.Fprintf(&b, " (%d)", ep.HitCount)
	return b.String()
}

// appliesTo returns true if the thread filter of ep matches tid.
func (ep *EventPoint) appliesTo(tid int) bool {
	if len(ep.Threads) == 0 {
		return true
	}
	for _, t := range ep.Threads {
		if t == tid {
			return true
		}
	}
	return false
}

// clone returns a copy of ep with no physical state, used to copy the
// user event points to the controller of a forked child.
func (ep *EventPoint) clone() *EventPoint {
	r := *ep
	r.Materialized = false
	r.TempRemoved = false
	r.cond = nil
	r.CondError = nil
	r.Commands = append([]string(nil), ep.Commands...)
	r.Threads = nil
	r.Variant = ep.Variant.clone()
	return &r
}

// materialize installs the instrumentation of ep in the target. It does
// nothing if ep is already materialized, disabled or pending.
func (ep *EventPoint) materialize(c *Controller) error {
	if ep.Materialized || !ep.Enabled || ep.Pending || !c.canMaterialize() {
		return nil
	}
	if err := ep.Variant.materialize(c, ep); err != nil {
		return err
	}
	ep.Materialized = true
	if logflags.EventPoints() {
		c.eplog.Debugf("materialized %s", ep)
	}
	return nil
}

// dematerialize removes the instrumentation of ep from the target. It does
// nothing if ep is not materialized.
func (ep *EventPoint) dematerialize(c *Controller) error {
	if !ep.Materialized {
		return nil
	}
	err := ep.Variant.dematerialize(c, ep)
	ep.Materialized = false
	ep.TempRemoved = false
	if logflags.EventPoints() {
		c.eplog.Debugf("dematerialized %s", ep)
	}
	return err
}

// tempRemove lifts the instrumentation of ep without changing its logical
// state. It does nothing if ep is disabled or not materialized.
func (ep *EventPoint) tempRemove(c *Controller) error {
	if !ep.Materialized || ep.TempRemoved {
		return nil
	}
	if err := ep.Variant.lift(c, ep); err != nil {
		return err
	}
	ep.TempRemoved = true
	return nil
}

// restore reinstates instrumentation removed by tempRemove.
func (ep *EventPoint) restore(c *Controller) error {
	if !ep.TempRemoved {
		return nil
	}
	ep.TempRemoved = false
	return ep.Variant.unlift(c, ep)
}

// hit runs the hit protocol for ep, stopped at by thread th.
func (c *Controller) hit(ep *EventPoint, th *Thread) Action {
	if !ep.appliesTo(th.ID) {
		return ActionContinue
	}
	ep.HitCount++
	if ep.IgnoreCount > 0 {
		ep.IgnoreCount--
		return ActionContinue
	}
	if ep.Cond != "" && !c.checkCondition(ep, th) {
		return ActionContinue
	}
	if len(ep.Commands) > 0 {
		c.commands = append(c.commands, ep.Commands...)
	}
	return ep.Variant.activeHit(c, ep, th)
}

// checkCondition evaluates the condition of ep on the innermost frame of
// th. Errors are recorded and the condition is considered false.
func (c *Controller) checkCondition(ep *EventPoint, th *Thread) bool {
	ep.CondError = nil
	if c.eval == nil {
		ep.CondError = fmt.Errorf("no expression evaluator")
		return false
	}
	if ep.cond == nil {
		cond, err := c.eval.Compile(ep.Cond)
		if err != nil {
			ep.CondError = err
			c.eplog.Warnf("could not compile condition of %s: %v", ep, err)
			return false
		}
		ep.cond = cond
	}
	scope, err := c.threadScope(th)
	if err != nil {
		ep.CondError = err
		return false
	}
	v, err := c.eval.Evaluate(ep.cond, scope)
	if err != nil {
		ep.CondError = fmt.Errorf("error evaluating expression: %v", err)
		c.eplog.Warnf("condition of %s: %v", ep, ep.CondError)
		return false
	}
	return v.Truth
}

// applyDisposition is the active hit behavior of user event points.
func (c *Controller) applyDisposition(ep *EventPoint) Action {
	switch ep.Disposition {
	case DispDelete:
		if err := c.removeEventPoint(ep); err != nil {
			c.eplog.Errorf("could not delete %s: %v", ep, err)
		}
	case DispDisable:
		ep.Enabled = false
		if err := ep.dematerialize(c); err != nil {
			c.eplog.Errorf("could not disable %s: %v", ep, err)
		}
	}
	return ActionStop
}

// SoftwareBreakpoint replaces the instruction at its address with the
// breakpoint instruction of the architecture.
type SoftwareBreakpoint struct{}

func (*SoftwareBreakpoint) Kind() string { return "Breakpoint" }

func (*SoftwareBreakpoint) materialize(c *Controller, ep *EventPoint) error {
	return c.reg.acquireSite(c.proc, ep.Addr, c.arch.BreakpointInstruction())
}

func (*SoftwareBreakpoint) dematerialize(c *Controller, ep *EventPoint) error {
	return c.reg.releaseSite(c.proc, ep.Addr, ep.TempRemoved)
}

func (*SoftwareBreakpoint) lift(c *Controller, ep *EventPoint) error {
	return c.reg.liftSite(c.proc, ep.Addr)
}

func (*SoftwareBreakpoint) unlift(c *Controller, ep *EventPoint) error {
	return c.reg.unliftSite(c.proc, ep.Addr)
}

func (*SoftwareBreakpoint) activeHit(c *Controller, ep *EventPoint, th *Thread) Action {
	return c.applyDisposition(ep)
}

func (*SoftwareBreakpoint) clone() Variant { return &SoftwareBreakpoint{} }

// CascadeBreakpoint fans a hit at its address out to a list of other
// event points, then removes itself.
type CascadeBreakpoint struct {
	SoftwareBreakpoint
	// Children are the ids of the event points hit by the cascade. They
	// are owned by the registry.
	Children []int
}

func (*CascadeBreakpoint) Kind() string { return "Cascade" }

func (v *CascadeBreakpoint) activeHit(c *Controller, ep *EventPoint, th *Thread) Action {
	r := ActionContinue
	for _, id := range v.Children {
		child, ok := c.reg.Get(id)
		if !ok {
			continue
		}
		if c.hit(child, th) == ActionStop {
			r = ActionStop
		}
	}
	if err := c.removeEventPoint(ep); err != nil {
		c.eplog.Errorf("could not remove %s: %v", ep, err)
	}
	return r
}

func (v *CascadeBreakpoint) clone() Variant {
	return &CascadeBreakpoint{Children: append([]int(nil), v.Children...)}
}

// CatchEvent is the event a Catchpoint stops on.
type CatchEvent uint8

const (
	CatchThrow CatchEvent = iota
	CatchCatch
	CatchFork
	CatchExec
)

var catchSymbols = map[CatchEvent]string{
	CatchThrow: "__cxa_throw",
	CatchCatch: "__cxa_begin_catch",
}

func (ev CatchEvent) String() string {
	switch ev {
	case CatchThrow:
		return "throw"
	case CatchCatch:
		return "catch"
	case CatchFork:
		return "fork"
	case CatchExec:
		return "exec"
	}
	return fmt.Sprintf("catch(%d)", uint8(ev))
}

// ParseCatchEvent parses the name of a catchpoint event.
func ParseCatchEvent(s string) (CatchEvent, error) {
	for _, ev := range []CatchEvent{CatchThrow, CatchCatch, CatchFork, CatchExec} {
		if ev.String() == s {
			return ev, nil
		}
	}
	return 0, fmt.Errorf("unknown catchpoint event %q", s)
}

// Catchpoint stops on exceptions being thrown or caught, resolved from a
// well known runtime symbol, or on fork and exec events reported by the
// backend.
type Catchpoint struct {
	Event CatchEvent
}

func (*Catchpoint) Kind() string { return "Catchpoint" }

func (v *Catchpoint) addressBound() bool {
	_, ok := catchSymbols[v.Event]
	return ok
}

func (v *Catchpoint) materialize(c *Controller, ep *EventPoint) error {
	if !v.addressBound() {
		return nil
	}
	if ep.Addr == 0 {
		sym := catchSymbols[v.Event]
		addr, err := c.bi.LookupSymbol(sym)
		if err != nil {
			return SymbolNotFoundError{Name: sym}
		}
		ep.Symbol = sym
		c.reg.setAddr(ep, addr)
	}
	return c.reg.acquireSite(c.proc, ep.Addr, c.arch.BreakpointInstruction())
}

func (v *Catchpoint) dematerialize(c *Controller, ep *EventPoint) error {
	if !v.addressBound() {
		return nil
	}
	return c.reg.releaseSite(c.proc, ep.Addr, ep.TempRemoved)
}

func (v *Catchpoint) lift(c *Controller, ep *EventPoint) error {
	if !v.addressBound() {
		return nil
	}
	return c.reg.liftSite(c.proc, ep.Addr)
}

func (v *Catchpoint) unlift(c *Controller, ep *EventPoint) error {
	if !v.addressBound() {
		return nil
	}
	return c.reg.unliftSite(c.proc, ep.Addr)
}

func (*Catchpoint) activeHit(c *Controller, ep *EventPoint, th *Thread) Action {
	return c.applyDisposition(ep)
}

func (v *Catchpoint) clone() Variant { return &Catchpoint{Event: v.Event} }
