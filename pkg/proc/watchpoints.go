package proc

import (
	"encoding/binary"
	"fmt"
)

// WatchType is the kind of access a hardware watchpoint triggers on.
type WatchType uint8

const (
	// WatchWrite triggers on every write.
	WatchWrite WatchType = iota
	// WatchReadWrite triggers on every read or write.
	WatchReadWrite
	// WatchChange triggers on writes that change the value.
	WatchChange
	// WatchExec triggers when the instruction at the address is
	// executed.
	WatchExec
)

func (wtype WatchType) String() string {
	switch wtype {
	case WatchWrite:
		return "write"
	case WatchReadWrite:
		return "read-write"
	case WatchChange:
		return "change"
	case WatchExec:
		return "exec"
	}
	return fmt.Sprintf("watch(%d)", uint8(wtype))
}

// HardwareWatchpoint is implemented with one debug register, programmed
// in every thread of the process.
type HardwareWatchpoint struct {
	Type WatchType
	Size int
	// ScopeSP, if not zero, is the canonical frame address of the frame
	// the watched location belongs to. The watchpoint is deleted when that
	// frame returns.
	ScopeSP uint64

	slot    int
	held    bool
	old     []byte
	prev    []byte
	changed bool
	readErr error
}

func (v *HardwareWatchpoint) Kind() string {
	if v.Type == WatchExec {
		return "Hardware breakpoint"
	}
	return "Hardware watchpoint"
}

// Slot returns the debug register held by the watchpoint.
func (v *HardwareWatchpoint) Slot() (int, bool) {
	return v.slot, v.held
}

func (v *HardwareWatchpoint) size() int {
	if v.Type == WatchExec {
		return 1
	}
	return v.Size
}

func (v *HardwareWatchpoint) materialize(c *Controller, ep *EventPoint) error {
	if v.Type == WatchExec && !c.arch.SupportsExecWatch() {
		return ErrUnsupported
	}
	if v.Type != WatchExec && !c.arch.ValidWatchSize(ep.Addr, v.Size) {
		return fmt.Errorf("can not watch %d bytes at %#x", v.Size, ep.Addr)
	}
	slot, err := c.hw.Alloc()
	if err != nil {
		return err
	}
	v.slot, v.held = slot, true
	if err := v.program(c, ep); err != nil {
		v.deprogram(c)
		c.hw.Free(slot)
		v.held = false
		return err
	}
	if v.Type != WatchExec {
		v.old, _ = c.readWatched(ep.Addr, v.Size)
	}
	return nil
}

func (v *HardwareWatchpoint) program(c *Controller, ep *EventPoint) error {
	for _, th := range c.threads.List() {
		if err := v.programThread(c, ep, th.ID); err != nil {
			return err
		}
	}
	return nil
}

func (v *HardwareWatchpoint) programThread(c *Controller, ep *EventPoint, tid int) error {
	if !v.held {
		return nil
	}
	err := c.proc.SetDebugRegister(tid, v.slot, ep.Addr, v.size(), v.Type)
	return ioError("set debug register", ep.Addr, err)
}

func (v *HardwareWatchpoint) deprogram(c *Controller) error {
	var firstErr error
	for _, th := range c.threads.List() {
		if err := c.proc.ClearDebugRegister(th.ID, v.slot); err != nil && firstErr == nil {
			firstErr = ioError("clear debug register", 0, err)
		}
	}
	return firstErr
}

func (v *HardwareWatchpoint) dematerialize(c *Controller, ep *EventPoint) error {
	if !v.held {
		return nil
	}
	err := v.deprogram(c)
	c.hw.Free(v.slot)
	v.held = false
	return err
}

func (v *HardwareWatchpoint) lift(c *Controller, ep *EventPoint) error {
	return v.deprogram(c)
}

func (v *HardwareWatchpoint) unlift(c *Controller, ep *EventPoint) error {
	return v.program(c, ep)
}

// precheck reads the watched location. Only WatchChange watchpoints
// ignore triggers that did not change the value.
func (v *HardwareWatchpoint) precheck(c *Controller, ep *EventPoint, th *Thread) bool {
	if v.Type == WatchExec {
		return true
	}
	cur, err := c.readWatched(ep.Addr, v.Size)
	if err != nil {
		v.readErr = err
		return true
	}
	v.readErr = nil
	v.changed = string(cur) != string(v.old)
	v.prev, v.old = v.old, cur
	if v.Type == WatchChange {
		return v.changed
	}
	return true
}

func (v *HardwareWatchpoint) activeHit(c *Controller, ep *EventPoint, th *Thread) Action {
	if v.ScopeSP != 0 {
		if regs, err := c.threadRegisters(th); err == nil && regs.SP() >= v.ScopeSP {
			ep.Message = fmt.Sprintf("Watchpoint %d deleted because the program has left the block in which its expression is valid.", ep.ID)
			if err := c.removeEventPoint(ep); err != nil {
				c.eplog.Errorf("could not remove %s: %v", ep, err)
			}
			return ActionStop
		}
	}
	if v.Type != WatchExec {
		switch {
		case v.readErr != nil:
			ep.Message = fmt.Sprintf("Value = <unreadable: %v>", v.readErr)
		case v.changed:
			ep.Message = fmt.Sprintf("Old value = %s\nNew value = %s", formatWatched(v.prev), formatWatched(v.old))
		default:
			ep.Message = fmt.Sprintf("Value = %s", formatWatched(v.old))
		}
	}
	return c.applyDisposition(ep)
}

func (v *HardwareWatchpoint) clone() Variant {
	return &HardwareWatchpoint{Type: v.Type, Size: v.Size, ScopeSP: v.ScopeSP}
}

func formatWatched(b []byte) string {
	switch len(b) {
	case 0:
		return "<unknown>"
	case 1:
		return fmt.Sprintf("%d", b[0])
	case 2:
		return fmt.Sprintf("%d", binary.LittleEndian.Uint16(b))
	case 4:
		return fmt.Sprintf("%d", binary.LittleEndian.Uint32(b))
	case 8:
		return fmt.Sprintf("%d", binary.LittleEndian.Uint64(b))
	}
	return fmt.Sprintf("%x", b)
}

// SoftwareWatchpoint watches the value of an expression by evaluating it
// after every instruction executed by the program. It is not bound to an
// address.
type SoftwareWatchpoint struct {
	Expr string

	compiled CompiledExpr
	old      Value
	prev     Value
	hasOld   bool
}

func (*SoftwareWatchpoint) Kind() string { return "Watchpoint" }

func (v *SoftwareWatchpoint) materialize(c *Controller, ep *EventPoint) error {
	if c.eval == nil {
		return fmt.Errorf("no expression evaluator")
	}
	if v.compiled == nil {
		compiled, err := c.eval.Compile(v.Expr)
		if err != nil {
			return err
		}
		v.compiled = compiled
	}
	v.hasOld = false
	if th := c.threads.Current(); th != nil {
		if val, err := v.evaluate(c, th); err == nil {
			v.old, v.hasOld = val, true
		}
	}
	return nil
}

func (v *SoftwareWatchpoint) evaluate(c *Controller, th *Thread) (Value, error) {
	scope, err := c.threadScope(th)
	if err != nil {
		return Value{}, err
	}
	return c.eval.Evaluate(v.compiled, scope)
}

func (*SoftwareWatchpoint) dematerialize(c *Controller, ep *EventPoint) error { return nil }
func (*SoftwareWatchpoint) lift(c *Controller, ep *EventPoint) error          { return nil }
func (*SoftwareWatchpoint) unlift(c *Controller, ep *EventPoint) error        { return nil }

// precheck evaluates the expression and returns true only if its value
// changed since the last check.
func (v *SoftwareWatchpoint) precheck(c *Controller, ep *EventPoint, th *Thread) bool {
	val, err := v.evaluate(c, th)
	if err != nil {
		c.eplog.Debugf("could not evaluate %s: %v", v.Expr, err)
		return false
	}
	if !v.hasOld {
		v.old, v.hasOld = val, true
		return false
	}
	if val.Raw == v.old.Raw {
		return false
	}
	v.prev, v.old = v.old, val
	return true
}

func (v *SoftwareWatchpoint) activeHit(c *Controller, ep *EventPoint, th *Thread) Action {
	ep.Message = fmt.Sprintf("Old value = %s\nNew value = %s", v.prev.Repr, v.old.Repr)
	return c.applyDisposition(ep)
}

func (v *SoftwareWatchpoint) clone() Variant {
	return &SoftwareWatchpoint{Expr: v.Expr}
}
