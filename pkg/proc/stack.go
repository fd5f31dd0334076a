package proc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/runctl/pkg/dwarf/frame"
	"github.com/go-delve/runctl/pkg/dwarf/op"
	"github.com/go-delve/runctl/pkg/logflags"
)

// Stackframe represents a frame in a system stack.
type Stackframe struct {
	// Index is 0 for the innermost frame.
	Index int
	// Address the function above this one on the call stack will return to.
	Current Location
	// Address of the call instruction for the function above on the call stack.
	Call Location
	// Regs are the registers of the frame, as recovered by the unwinder.
	Regs *op.DwarfRegisters
	// Start address of the stack frame.
	CFA uint64
	// Ret is the return address of the frame, zero for the outermost
	// frame.
	Ret uint64
	// Sigtramp is set for the frame of the signal return trampoline.
	Sigtramp bool
	// Dirty is set when some register was changed by the user and the
	// change has not been written to the thread yet.
	Dirty bool
}

// PC returns the program counter of the frame.
func (frame *Stackframe) PC() uint64 { return frame.Regs.PC() }

// SP returns the stack pointer of the frame.
func (frame *Stackframe) SP() uint64 { return frame.Regs.SP() }

// FP returns the frame pointer of the frame.
func (frame *Stackframe) FP() uint64 { return frame.Regs.BP() }

// stackIterator holds information
// required to iterate and walk the program
// stack.
type stackIterator struct {
	regs      *op.DwarfRegisters
	top       bool
	interrupt bool // the frame was interrupted by a signal, its pc has not executed yet
	atend     bool
	corrupted bool
	index     int
	frame     Stackframe

	bi        DebugInfo
	arch      Arch
	mem       MemoryReader
	pastEntry bool
	entryFn   string
	unwindLog logflags.Logger
	err       error
}

func newStackIterator(bi DebugInfo, arch Arch, mem MemoryReader, regs *op.DwarfRegisters, pastEntry bool) *stackIterator {
	return &stackIterator{
		regs:      regs,
		top:       true,
		bi:        bi,
		arch:      arch,
		mem:       mem,
		pastEntry: pastEntry,
		entryFn:   bi.EntryFunction(),
		unwindLog: logflags.UnwindLogger(),
	}
}

// Next points the iterator to the next stack frame.
func (it *stackIterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}
	it.frame = it.newStackframe()
	it.index++

	if it.top && !it.bi.PlausiblePC(it.regs.PC()) {
		it.stop("implausible pc %#x", it.regs.PC())
		return true
	}
	if !it.pastEntry && it.frame.Current.Fn != nil && it.frame.Current.Fn.Name == it.entryFn {
		it.atend = true
		return true
	}
	if it.regs.BP() == 0 {
		it.atend = true
		return true
	}

	next, interrupt, err := it.advance()
	if err != nil {
		it.stop("%v", err)
		return true
	}
	if next == nil {
		it.atend = true
		return true
	}
	it.frame.Ret = next.PC()
	switch {
	case !it.bi.PlausiblePC(next.PC()):
		it.stop("implausible return address %#x", next.PC())
	case next.SP() <= it.regs.SP():
		it.stop("stack pointer did not increase (%#x -> %#x)", it.regs.SP(), next.SP())
	default:
		it.regs = next
		it.top = false
		it.interrupt = interrupt
	}
	return true
}

// stop ends the walk marking it corrupted.
func (it *stackIterator) stop(format string, args ...interface{}) {
	it.atend = true
	it.corrupted = true
	if logflags.Unwind() {
		it.unwindLog.Debugf("frame %d: stack corrupted: %s", it.index-1, fmt.Sprintf(format, args...))
	}
}

// Frame returns the frame the iterator is pointing at.
func (it *stackIterator) Frame() Stackframe {
	return it.frame
}

// Err returns the error encountered during stack iteration.
func (it *stackIterator) Err() error {
	return it.err
}

func (it *stackIterator) newStackframe() Stackframe {
	pc := it.regs.PC()
	r := Stackframe{Index: it.index, Regs: it.regs}
	r.Current = it.bi.PCToLocation(pc)
	if it.top || it.interrupt {
		r.Call = r.Current
	} else {
		// pc is a return address, the call instruction is before it
		r.Call = it.bi.PCToLocation(pc - 1)
		r.Call.PC = pc
	}
	r.Sigtramp = r.Current.Fn != nil && it.arch.IsSigtramp(r.Current.Fn.Name)
	return r
}

// advance computes the registers of the caller of the current frame. It
// returns nil registers when the current frame is the outermost one.
func (it *stackIterator) advance() (*op.DwarfRegisters, bool, error) {
	if it.frame.Sigtramp {
		regs, err := it.arch.SigtrampRegisters(it.mem, it.regs.SP())
		if err != nil {
			return nil, false, err
		}
		return regs, true, nil
	}

	pc := it.regs.PC()
	if !it.top && !it.interrupt {
		pc--
	}
	fde, err := it.bi.FDEForPC(pc)
	if err != nil {
		var nofde *frame.ErrNoFDEForPC
		if !errors.As(err, &nofde) {
			return nil, false, err
		}
		regs, err := it.advanceFramePointer()
		return regs, false, err
	}
	fctx, err := fde.EstablishFrame(pc, it.arch.DefaultCFARegNum())
	if err != nil {
		return nil, false, err
	}
	it.frame.CFA, err = it.cfa(fctx)
	if err != nil {
		return nil, false, err
	}
	return it.applyTable(fctx)
}

// cfa computes the canonical frame address of the current frame.
func (it *stackIterator) cfa(fctx *frame.FrameContext) (uint64, error) {
	if fctx.CFA.Rule != frame.RuleCFA {
		return 0, &frame.DecodeError{Msg: fmt.Sprintf("unsupported CFA rule %s", fctx.CFA.Rule)}
	}
	base := it.regs.Reg(fctx.CFA.Reg)
	if base == nil {
		return 0, fmt.Errorf("CFA register %s not available", it.arch.RegisterName(fctx.CFA.Reg))
	}
	return uint64(int64(base.Uint64Val) + fctx.CFA.Offset), nil
}

// applyTable transforms the registers of the current frame into the
// registers of its caller.
func (it *stackIterator) applyTable(fctx *frame.FrameContext) (*op.DwarfRegisters, bool, error) {
	callerRegs := op.NewDwarfRegisters(nil, it.regs.ByteOrder, it.regs.PCRegNum, it.regs.SPRegNum, it.regs.BPRegNum)

	for _, regnum := range it.regs.Defined() {
		if regnum == it.regs.PCRegNum || regnum == it.regs.SPRegNum {
			continue
		}
		reg, err := it.executeFrameRegRule(regnum, fctx.Rule(regnum), it.frame.CFA)
		if err != nil {
			return nil, false, err
		}
		if reg != nil {
			callerRegs.AddReg(regnum, reg)
		}
	}
	for regnum, rule := range fctx.Regs {
		if callerRegs.Reg(regnum) != nil || regnum == fctx.RetAddrReg || regnum == it.regs.SPRegNum {
			continue
		}
		reg, err := it.executeFrameRegRule(regnum, rule, it.frame.CFA)
		if err != nil {
			return nil, false, err
		}
		if reg != nil {
			callerRegs.AddReg(regnum, reg)
		}
	}

	retRule := fctx.Rule(fctx.RetAddrReg)
	if retRule.Rule == frame.RuleUndefined {
		// an undefined return address marks the outermost frame
		return nil, false, nil
	}
	ret, err := it.executeFrameRegRule(fctx.RetAddrReg, retRule, it.frame.CFA)
	if err != nil {
		return nil, false, err
	}
	if ret == nil {
		ret = op.DwarfRegisterFromUint64(it.regs.PC())
	}
	callerRegs.SetUint64(it.regs.PCRegNum, ret.Uint64Val)
	callerRegs.SetUint64(it.regs.SPRegNum, it.frame.CFA)
	return callerRegs, false, nil
}

// executeFrameRegRule returns the value of register regnum in the caller
// frame according to rule.
func (it *stackIterator) executeFrameRegRule(regnum uint64, rule frame.DWRule, cfa uint64) (*op.DwarfRegister, error) {
	switch rule.Rule {
	default:
		fallthrough
	case frame.RuleUndefined, frame.RuleSameVal:
		if regnum == it.regs.PCRegNum {
			return op.DwarfRegisterFromUint64(it.regs.PC()), nil
		}
		reg := it.regs.Reg(regnum)
		if reg == nil {
			return nil, nil
		}
		cpy := *reg
		return &cpy, nil
	case frame.RuleOffset:
		addr := uint64(int64(cfa) + rule.Offset)
		v, err := readUintRaw(it.mem, addr, it.arch.PtrSize())
		if err != nil {
			return nil, err
		}
		return op.DwarfRegisterFromUint64(v), nil
	case frame.RuleValOffset:
		return op.DwarfRegisterFromUint64(uint64(int64(cfa) + rule.Offset)), nil
	case frame.RuleRegister:
		return op.DwarfRegisterFromUint64(it.regs.Uint64Val(rule.Reg)), nil
	case frame.RuleExpression, frame.RuleValExpression:
		return nil, &frame.DecodeError{Msg: fmt.Sprintf("DWARF expression rule for register %s not supported", it.arch.RegisterName(regnum))}
	case frame.RuleCFA:
		return op.DwarfRegisterFromUint64(uint64(int64(cfa) + rule.Offset)), nil
	}
}

// advanceFramePointer unwinds a frame without call frame information by
// following the frame pointer chain.
func (it *stackIterator) advanceFramePointer() (*op.DwarfRegisters, error) {
	ptrSize := uint64(it.arch.PtrSize())
	fp := it.regs.BP()
	prevfp, err := readUintRaw(it.mem, fp, int(ptrSize))
	if err != nil {
		return nil, err
	}
	ret, err := readUintRaw(it.mem, fp+ptrSize, int(ptrSize))
	if err != nil {
		return nil, err
	}
	if prevfp != 0 && prevfp <= fp {
		return nil, fmt.Errorf("frame pointer chain loops (%#x -> %#x)", fp, prevfp)
	}
	it.frame.CFA = fp + 2*ptrSize
	callerRegs := it.regs.Copy()
	callerRegs.Float = nil
	callerRegs.SetUint64(callerRegs.PCRegNum, ret)
	callerRegs.SetUint64(callerRegs.SPRegNum, it.frame.CFA)
	callerRegs.SetUint64(callerRegs.BPRegNum, prevfp)
	return callerRegs, nil
}

func (it *stackIterator) stacktrace(depth int) ([]Stackframe, error) {
	if depth < 0 {
		return nil, errors.New("negative maximum stack depth")
	}
	frames := make([]Stackframe, 0, 8)
	for it.Next() {
		frames = append(frames, it.Frame())
		if len(frames) >= depth {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}

func readUintRaw(mem MemoryReader, addr uint64, size int) (uint64, error) {
	var buf [8]byte
	if size <= 0 || size > len(buf) {
		return 0, fmt.Errorf("invalid pointer size %d", size)
	}
	if _, err := mem.ReadMemory(buf[:size], addr); err != nil {
		return 0, ioError("read memory", addr, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// frameCache holds the stack of the current thread, built lazily after
// every stop.
type frameCache struct {
	frames    []Stackframe
	valid     bool
	corrupted bool
	selected  int
}

func (fc *frameCache) invalidate() {
	fc.frames = nil
	fc.valid = false
	fc.corrupted = false
	fc.selected = 0
}

// buildFrameCache walks the stack of the current thread, unless the cache
// is already valid.
func (c *Controller) buildFrameCache() error {
	if c.frames.valid {
		return nil
	}
	if c.state == Idle || c.state == Exited {
		return ErrNotLive
	}
	th := c.threads.Current()
	if th == nil {
		return errors.New("no current thread")
	}
	regs, err := c.threadRegisters(th)
	if err != nil {
		return err
	}
	it := newStackIterator(c.bi, c.arch, c.mem(), regs.Copy(), c.opts.BacktracePastMain)
	frames, err := it.stacktrace(c.opts.maxStackDepth())
	if err != nil {
		return err
	}
	c.frames.frames = frames
	c.frames.corrupted = it.corrupted
	c.frames.selected = 0
	c.frames.valid = true
	return nil
}

// Stacktrace returns the frames of the current thread, innermost first.
// The second return value is true if the walk stopped at a frame it could
// not unwind.
func (c *Controller) Stacktrace() ([]Stackframe, bool, error) {
	if err := c.buildFrameCache(); err != nil {
		return nil, false, err
	}
	return c.frames.frames, c.frames.corrupted, nil
}

// SelectedFrame returns the frame commands operate on.
func (c *Controller) SelectedFrame() (*Stackframe, error) {
	if err := c.buildFrameCache(); err != nil {
		return nil, err
	}
	if len(c.frames.frames) == 0 {
		return nil, errors.New("no stack")
	}
	return &c.frames.frames[c.frames.selected], nil
}

// SelectFrame changes the selected frame.
func (c *Controller) SelectFrame(n int) (*Stackframe, error) {
	if err := c.buildFrameCache(); err != nil {
		return nil, err
	}
	if n < 0 || n >= len(c.frames.frames) {
		return nil, fmt.Errorf("frame %d does not exist", n)
	}
	c.frames.selected = n
	return &c.frames.frames[n], nil
}

// Up selects the frame n levels above the selected one.
func (c *Controller) Up(n int) (*Stackframe, error) {
	if err := c.buildFrameCache(); err != nil {
		return nil, err
	}
	sel := c.frames.selected + n
	if sel >= len(c.frames.frames) {
		return nil, errors.New("initial frame selected; you cannot go up")
	}
	return c.SelectFrame(sel)
}

// Down selects the frame n levels below the selected one.
func (c *Controller) Down(n int) (*Stackframe, error) {
	if err := c.buildFrameCache(); err != nil {
		return nil, err
	}
	sel := c.frames.selected - n
	if sel < 0 {
		return nil, errors.New("bottom (innermost) frame selected; you cannot go down")
	}
	return c.SelectFrame(sel)
}

// SetRegister changes a register of the selected frame. Only changes to
// the innermost frame can be written back to the thread, they are
// published when the program is resumed.
func (c *Controller) SetRegister(name string, value uint64) error {
	if !c.live() {
		return ErrNotLive
	}
	regnum, ok := c.arch.RegisterNum(name)
	if !ok {
		return fmt.Errorf("unknown register %q", name)
	}
	f, err := c.SelectedFrame()
	if err != nil {
		return err
	}
	if f.Index != 0 {
		return fmt.Errorf("changing registers of frame %d: %w", f.Index, ErrUnsupported)
	}
	f.Regs.SetUint64(regnum, value)
	f.Dirty = true
	return nil
}

// publishRegisters writes the registers changed by SetRegister to the
// current thread.
func (c *Controller) publishRegisters() error {
	if !c.frames.valid || len(c.frames.frames) == 0 || !c.frames.frames[0].Dirty {
		return nil
	}
	th := c.threads.Current()
	if th == nil {
		return nil
	}
	f := &c.frames.frames[0]
	cur, err := c.threadRegisters(th)
	if err != nil {
		return err
	}
	for _, regnum := range f.Regs.Defined() {
		v := f.Regs.Uint64Val(regnum)
		if cur.Reg(regnum) != nil && cur.Uint64Val(regnum) == v {
			continue
		}
		if err := c.proc.SetReg(th.ID, regnum, v); err != nil {
			return ioError("set register "+c.arch.RegisterName(regnum), 0, err)
		}
	}
	f.Dirty = false
	th.regs = nil
	return nil
}
