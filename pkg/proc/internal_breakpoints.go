package proc

import (
	"encoding/binary"
)

// TempBreakpoint is a one-shot breakpoint: it removes itself on its first
// hit.
type TempBreakpoint struct {
	SoftwareBreakpoint
	// Silent makes the hit resume the program instead of stopping it.
	Silent bool
	// After is called after the breakpoint removed itself.
	After func(c *Controller, th *Thread) error
}

func (*TempBreakpoint) Kind() string { return "Temporary breakpoint" }

func (v *TempBreakpoint) activeHit(c *Controller, ep *EventPoint, th *Thread) Action {
	if err := c.removeEventPoint(ep); err != nil {
		c.eplog.Errorf("could not remove %s: %v", ep, err)
	}
	if v.After != nil {
		if err := v.After(c, th); err != nil {
			c.eplog.Errorf("%s: %v", ep, err)
		}
	}
	if v.Silent {
		return ActionContinue
	}
	return ActionStop
}

func (v *TempBreakpoint) clone() Variant {
	return &TempBreakpoint{Silent: v.Silent, After: v.After}
}

// StepBreakpoint is a one-shot breakpoint set at a return address by
// next, finish and until. It only fires in the frame it was set for:
// FrameSP is the stack pointer the thread has after returning to Addr, a
// hit with a lower stack pointer comes from a deeper, recursive, call
// and is ignored.
type StepBreakpoint struct {
	SoftwareBreakpoint
	FrameSP uint64
}

func (*StepBreakpoint) Kind() string { return "Step breakpoint" }

func (v *StepBreakpoint) activeHit(c *Controller, ep *EventPoint, th *Thread) Action {
	if v.FrameSP != 0 {
		regs, err := c.threadRegisters(th)
		if err == nil && regs.SP() < v.FrameSP {
			return ActionContinue
		}
	}
	if err := c.removeEventPoint(ep); err != nil {
		c.eplog.Errorf("could not remove %s: %v", ep, err)
	}
	return ActionStop
}

func (v *StepBreakpoint) clone() Variant { return &StepBreakpoint{FrameSP: v.FrameSP} }

// DynamicLinkerBreakpoint is set at the entry of the lazy binding
// resolver of the dynamic linker while stepping into a call through the
// PLT. The first hit moves it to the return address of that call, the
// second removes it and resumes stepping.
type DynamicLinkerBreakpoint struct {
	SoftwareBreakpoint
	phase int
}

func (*DynamicLinkerBreakpoint) Kind() string { return "Dynamic linker breakpoint" }

func (v *DynamicLinkerBreakpoint) activeHit(c *Controller, ep *EventPoint, th *Thread) Action {
	switch v.phase {
	case 0:
		regs, err := c.threadRegisters(th)
		if err != nil {
			c.eplog.Errorf("%s: %v", ep, err)
			break
		}
		var buf [8]byte
		slot := regs.SP() + c.arch.DynamicResolverReturnOffset()
		if _, err := c.mem().ReadMemory(buf[:c.arch.PtrSize()], slot); err != nil {
			c.eplog.Errorf("%s: could not read return address: %v", ep, err)
			break
		}
		ret := binary.LittleEndian.Uint64(buf[:])
		if err := ep.dematerialize(c); err != nil {
			c.eplog.Errorf("%s: %v", ep, err)
			break
		}
		c.reg.setAddr(ep, ret)
		v.phase = 1
		if err := ep.materialize(c); err != nil {
			c.eplog.Errorf("%s: %v", ep, err)
			break
		}
		return ActionContinue
	}
	if err := c.removeEventPoint(ep); err != nil {
		c.eplog.Errorf("could not remove %s: %v", ep, err)
	}
	if c.step != nil {
		c.step.resumeStepping = true
	}
	return ActionContinue
}

func (v *DynamicLinkerBreakpoint) clone() Variant { return &DynamicLinkerBreakpoint{} }

// ThreadLifecycleBreakpoint is set on the thread creation and death event
// hooks of the thread library, it keeps the thread list in sync on
// backends that do not report thread events.
type ThreadLifecycleBreakpoint struct {
	SoftwareBreakpoint
}

func (*ThreadLifecycleBreakpoint) Kind() string { return "Thread event breakpoint" }

func (v *ThreadLifecycleBreakpoint) activeHit(c *Controller, ep *EventPoint, th *Thread) Action {
	c.refreshThreads()
	return ActionContinue
}

func (v *ThreadLifecycleBreakpoint) clone() Variant { return &ThreadLifecycleBreakpoint{} }

// SolibEventBreakpoint is set at the address the dynamic linker calls
// every time it changes the list of loaded objects (r_debug.r_brk).
type SolibEventBreakpoint struct {
	SoftwareBreakpoint
}

func (*SolibEventBreakpoint) Kind() string { return "Shared library event breakpoint" }

func (v *SolibEventBreakpoint) activeHit(c *Controller, ep *EventPoint, th *Thread) Action {
	consistent, err := c.solibs.consistent(c.mem())
	if err != nil {
		c.eplog.Errorf("could not read r_debug: %v", err)
		return ActionContinue
	}
	if !consistent {
		return ActionContinue
	}
	if err := c.rescanLibraries(); err != nil {
		c.eplog.Errorf("could not read the list of loaded libraries: %v", err)
	}
	if c.opts.StopOnSolibEvents {
		return ActionStop
	}
	return ActionContinue
}

func (v *SolibEventBreakpoint) clone() Variant { return &SolibEventBreakpoint{} }
