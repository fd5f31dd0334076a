package proc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-delve/runctl/pkg/dwarf/frame"
	"github.com/go-delve/runctl/pkg/dwarf/op"
	"github.com/go-delve/runctl/pkg/dwarf/regnum"
)

// Memory layout of the programs executed by fakeProcess.
const (
	fakeCodeBase  = 0x401000
	fakeDataBase  = 0x601000
	fakeStackBase = 0x7f0000
	fakeStackTop  = 0x800000
)

var errFakeUnmapped = errors.New("input/output error")

type fakeSegment struct {
	base uint64
	data []byte
}

func (s *fakeSegment) contains(addr uint64) bool {
	return addr >= s.base && addr < s.base+uint64(len(s.data))
}

type fakeDR struct {
	set  bool
	addr uint64
	size int
	kind WatchType
}

type fakeThread struct {
	tid      int
	regs     map[uint64]uint64
	running  bool
	stepping bool
	dr       [4]fakeDR
}

// fakeHook runs before the instruction at its address is executed. A non
// nil event stops the thread.
type fakeHook func(p *fakeProcess, th *fakeThread) *WaitEvent

// fakeProcess executes a tiny subset of amd64 machine code:
//
//	90                 nop
//	cc                 int3
//	e8 rel32           call
//	c3                 ret
//	eb rel8            jmp
//	f4                 hlt, exits with status al
//	fe 04 25 abs32     inc byte ptr [abs32]
//	68 imm32           push imm32
//	ff 35 rel32        push qword ptr [rip+rel32]
//	ff 25 rel32        jmp qword ptr [rip+rel32]
//	48 83 c4 imm8      add rsp, imm8
//	55                 push rbp
//	5d                 pop rbp
//	48 89 e5           mov rbp, rsp
//
// Threads are scheduled round robin, one instruction at a time.
type fakeProcess struct {
	pid     int
	segs    []*fakeSegment
	threads map[int]*fakeThread
	turn    int
	hooks   map[uint64]fakeHook

	// race is the number of instructions other running threads execute
	// while Halt stops them.
	race int

	stopRequested bool
	exited        bool
	detached      bool
	killed        bool
	delivered     []int
	memWrites     int
	budget        int
}

func newFakeProcess(pid int, code []byte) *fakeProcess {
	p := &fakeProcess{
		pid:     pid,
		threads: make(map[int]*fakeThread),
		hooks:   make(map[uint64]fakeHook),
		budget:  100000,
	}
	p.segs = []*fakeSegment{
		{base: fakeCodeBase, data: append(code, make([]byte, 64)...)},
		{base: fakeDataBase, data: make([]byte, 0x1000)},
		{base: fakeStackBase, data: make([]byte, fakeStackTop-fakeStackBase)},
	}
	p.addThread(pid, fakeCodeBase)
	return p
}

func (p *fakeProcess) addThread(tid int, pc uint64) *fakeThread {
	th := &fakeThread{tid: tid, regs: map[uint64]uint64{
		regnum.AMD64_Rip: pc,
		regnum.AMD64_Rsp: fakeStackTop - 0x100,
		regnum.AMD64_Rbp: 0,
	}}
	p.threads[tid] = th
	return th
}

func (p *fakeProcess) segment(addr uint64) *fakeSegment {
	for _, s := range p.segs {
		if s.contains(addr) {
			return s
		}
	}
	return nil
}

func (p *fakeProcess) ReadMemory(buf []byte, addr uint64) (int, error) {
	s := p.segment(addr)
	if s == nil {
		return 0, errFakeUnmapped
	}
	n := copy(buf, s.data[addr-s.base:])
	if n < len(buf) {
		return n, errFakeUnmapped
	}
	return n, nil
}

func (p *fakeProcess) WriteMemory(addr uint64, data []byte) (int, error) {
	s := p.segment(addr)
	if s == nil || !s.contains(addr+uint64(len(data))-1) {
		return 0, errFakeUnmapped
	}
	p.memWrites++
	return copy(s.data[addr-s.base:], data), nil
}

func (p *fakeProcess) byteAt(addr uint64) byte {
	var b [1]byte
	p.ReadMemory(b[:], addr)
	return b[0]
}

func (p *fakeProcess) uint64At(addr uint64) uint64 {
	var b [8]byte
	p.ReadMemory(b[:], addr)
	return binary.LittleEndian.Uint64(b[:])
}

func (p *fakeProcess) putUint64(addr uint64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	s := p.segment(addr)
	copy(s.data[addr-s.base:], b[:])
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) ThreadList() []int {
	r := make([]int, 0, len(p.threads))
	for tid := range p.threads {
		r = append(r, tid)
	}
	sort.Ints(r)
	return r
}

func (p *fakeProcess) thread(tid int) (*fakeThread, error) {
	th, ok := p.threads[tid]
	if !ok {
		return nil, fmt.Errorf("no such thread %d", tid)
	}
	return th, nil
}

func (p *fakeProcess) Registers(tid int) (*op.DwarfRegisters, error) {
	th, err := p.thread(tid)
	if err != nil {
		return nil, err
	}
	regs := make([]*op.DwarfRegister, regnum.AMD64MaxRegNum()+1)
	for num, v := range th.regs {
		regs[num] = op.DwarfRegisterFromUint64(v)
	}
	return op.NewDwarfRegisters(regs, binary.LittleEndian, regnum.AMD64_Rip, regnum.AMD64_Rsp, regnum.AMD64_Rbp), nil
}

func (p *fakeProcess) SetReg(tid int, num uint64, value uint64) error {
	th, err := p.thread(tid)
	if err != nil {
		return err
	}
	th.regs[num] = value
	return nil
}

func (p *fakeProcess) Resume(tid int, sig int) error {
	th, err := p.thread(tid)
	if err != nil {
		return err
	}
	if sig != 0 {
		p.delivered = append(p.delivered, sig)
	}
	th.running, th.stepping = true, false
	return nil
}

func (p *fakeProcess) SingleStep(tid int, sig int) error {
	if err := p.Resume(tid, sig); err != nil {
		return err
	}
	p.threads[tid].stepping = true
	return nil
}

func (p *fakeProcess) running() []*fakeThread {
	var r []*fakeThread
	for _, tid := range p.ThreadList() {
		if th := p.threads[tid]; th.running {
			r = append(r, th)
		}
	}
	return r
}

func (p *fakeProcess) Wait() (*WaitEvent, error) {
	if p.exited {
		return nil, errors.New("no such process")
	}
	for i := 0; i < p.budget; i++ {
		rs := p.running()
		if len(rs) == 0 {
			return nil, errors.New("wait: no running threads")
		}
		if p.stopRequested {
			p.stopRequested = false
			rs[0].running = false
			return &WaitEvent{Kind: EventSignal, Tid: rs[0].tid, Signal: sigSTOP}, nil
		}
		th := rs[p.turn%len(rs)]
		p.turn++
		if ev := p.exec(th); ev != nil {
			return ev, nil
		}
	}
	return nil, errors.New("wait: instruction budget exhausted")
}

func (p *fakeProcess) Halt(except int) ([]*WaitEvent, error) {
	var r []*WaitEvent
	for _, th := range p.running() {
		if th.tid == except {
			continue
		}
		for i := 0; i < p.race && !p.exited; i++ {
			if ev := p.exec(th); ev != nil {
				r = append(r, ev)
				break
			}
		}
		th.running = false
	}
	return r, nil
}

func (p *fakeProcess) RequestStop() error {
	p.stopRequested = true
	return nil
}

func (p *fakeProcess) SetDebugRegister(tid int, slot int, addr uint64, size int, kind WatchType) error {
	th, err := p.thread(tid)
	if err != nil {
		return err
	}
	th.dr[slot] = fakeDR{set: true, addr: addr, size: size, kind: kind}
	return nil
}

func (p *fakeProcess) ClearDebugRegister(tid int, slot int) error {
	th, err := p.thread(tid)
	if err != nil {
		return err
	}
	th.dr[slot] = fakeDR{}
	return nil
}

func (p *fakeProcess) Detach(kill bool) error {
	p.detached, p.killed = true, kill
	return nil
}

func (p *fakeProcess) ReportsThreadEvents() bool { return true }

// fork returns a copy of the process with only the thread th, whose id
// is pid.
func (p *fakeProcess) fork(pid int, th *fakeThread) *fakeProcess {
	child := &fakeProcess{
		pid:     pid,
		threads: make(map[int]*fakeThread),
		hooks:   make(map[uint64]fakeHook),
		budget:  p.budget,
	}
	for _, s := range p.segs {
		child.segs = append(child.segs, &fakeSegment{base: s.base, data: append([]byte(nil), s.data...)})
	}
	cth := &fakeThread{tid: pid, regs: make(map[uint64]uint64)}
	for k, v := range th.regs {
		cth.regs[k] = v
	}
	child.threads[pid] = cth
	return child
}

func (p *fakeProcess) push(th *fakeThread, v uint64) uint64 {
	sp := th.regs[regnum.AMD64_Rsp] - 8
	th.regs[regnum.AMD64_Rsp] = sp
	p.putUint64(sp, v)
	return sp
}

func (p *fakeProcess) pop(th *fakeThread) uint64 {
	sp := th.regs[regnum.AMD64_Rsp]
	th.regs[regnum.AMD64_Rsp] = sp + 8
	return p.uint64At(sp)
}

type fakeAccess struct {
	addr, size uint64
}

// exec executes one instruction of th. It returns the event that stopped
// the thread, if any.
func (p *fakeProcess) exec(th *fakeThread) *WaitEvent {
	pc := th.regs[regnum.AMD64_Rip]
	if hook, ok := p.hooks[pc]; ok {
		delete(p.hooks, pc)
		if ev := hook(p, th); ev != nil {
			th.running = false
			return ev
		}
	}
	for i, dr := range th.dr {
		if dr.set && dr.kind == WatchExec && dr.addr == pc {
			th.running = false
			return &WaitEvent{Kind: EventTrap, Tid: th.tid, DebugStatus: 1 << uint(i)}
		}
	}

	var ev *WaitEvent
	var written []fakeAccess
	var code [8]byte
	p.ReadMemory(code[:], pc)
	next := pc
	switch {
	case code[0] == 0x90:
		next = pc + 1
	case code[0] == 0xcc:
		next = pc + 1
		ev = &WaitEvent{Kind: EventTrap, Tid: th.tid}
	case code[0] == 0xe8:
		next = pc + 5
		written = append(written, fakeAccess{p.push(th, next), 8})
		next += uint64(int32(binary.LittleEndian.Uint32(code[1:])))
	case code[0] == 0xc3:
		next = p.pop(th)
	case code[0] == 0xeb:
		next = pc + 2 + uint64(int8(code[1]))
	case code[0] == 0xf4:
		p.exited = true
		status := int(th.regs[regnum.AMD64_Rax] & 0xff)
		for _, t := range p.threads {
			t.running = false
		}
		return &WaitEvent{Kind: EventExited, Tid: p.pid, ExitStatus: status}
	case code[0] == 0xfe && code[1] == 0x04 && code[2] == 0x25:
		addr := uint64(binary.LittleEndian.Uint32(code[3:]))
		s := p.segment(addr)
		s.data[addr-s.base]++
		written = append(written, fakeAccess{addr, 1})
		next = pc + 7
	case code[0] == 0x68:
		next = pc + 5
		written = append(written, fakeAccess{p.push(th, uint64(int64(int32(binary.LittleEndian.Uint32(code[1:]))))), 8})
	case code[0] == 0xff && code[1] == 0x35:
		next = pc + 6
		written = append(written, fakeAccess{p.push(th, p.uint64At(next+uint64(int32(binary.LittleEndian.Uint32(code[2:]))))), 8})
	case code[0] == 0xff && code[1] == 0x25:
		next = p.uint64At(pc + 6 + uint64(int32(binary.LittleEndian.Uint32(code[2:]))))
	case code[0] == 0x48 && code[1] == 0x83 && code[2] == 0xc4:
		th.regs[regnum.AMD64_Rsp] += uint64(int8(code[3]))
		next = pc + 4
	case code[0] == 0x55:
		written = append(written, fakeAccess{p.push(th, th.regs[regnum.AMD64_Rbp]), 8})
		next = pc + 1
	case code[0] == 0x5d:
		th.regs[regnum.AMD64_Rbp] = p.pop(th)
		next = pc + 1
	case code[0] == 0x48 && code[1] == 0x89 && code[2] == 0xe5:
		th.regs[regnum.AMD64_Rbp] = th.regs[regnum.AMD64_Rsp]
		next = pc + 3
	default:
		th.running = false
		return &WaitEvent{Kind: EventSignal, Tid: th.tid, Signal: sigILL}
	}
	th.regs[regnum.AMD64_Rip] = next

	var status uint64
	for i, dr := range th.dr {
		if !dr.set || dr.kind == WatchExec {
			continue
		}
		for _, w := range written {
			if w.addr+w.size > dr.addr && w.addr < dr.addr+uint64(dr.size) {
				status |= 1 << uint(i)
			}
		}
	}
	if th.stepping {
		status |= dr6SingleStep
	}
	if ev == nil && status != 0 {
		ev = &WaitEvent{Kind: EventTrap, Tid: th.tid}
	}
	if ev != nil {
		ev.DebugStatus |= status
		th.running = false
	}
	return ev
}

// asm assembles a program for fakeProcess. Labels are defined with
// "name:" and referenced by call, jmp and the rip relative forms.
type asm struct {
	buf    []byte
	labels map[string]uint64
	fixups []asmFixup
}

type asmFixup struct {
	off   int
	label string
	end   int
	size  int
}

func newAsm() *asm {
	return &asm{labels: make(map[string]uint64)}
}

func (a *asm) pc() uint64 { return fakeCodeBase + uint64(len(a.buf)) }

func (a *asm) label(name string) *asm {
	a.labels[name] = a.pc()
	return a
}

func (a *asm) emit(b ...byte) *asm {
	a.buf = append(a.buf, b...)
	return a
}

func (a *asm) rel(op []byte, label string, size int) *asm {
	a.emit(op...)
	off := len(a.buf)
	a.emit(make([]byte, size)...)
	a.fixups = append(a.fixups, asmFixup{off: off, label: label, end: len(a.buf), size: size})
	return a
}

func (a *asm) nop() *asm          { return a.emit(0x90) }
func (a *asm) int3() *asm         { return a.emit(0xcc) }
func (a *asm) ret() *asm          { return a.emit(0xc3) }
func (a *asm) hlt() *asm          { return a.emit(0xf4) }
func (a *asm) pushRBP() *asm      { return a.emit(0x55) }
func (a *asm) popRBP() *asm       { return a.emit(0x5d) }
func (a *asm) movRBPRSP() *asm    { return a.emit(0x48, 0x89, 0xe5) }
func (a *asm) addRSP(n int8) *asm { return a.emit(0x48, 0x83, 0xc4, byte(n)) }

func (a *asm) call(label string) *asm { return a.rel([]byte{0xe8}, label, 4) }
func (a *asm) jmp(label string) *asm  { return a.rel([]byte{0xeb}, label, 1) }

func (a *asm) pushMem(label string) *asm { return a.rel([]byte{0xff, 0x35}, label, 4) }
func (a *asm) jmpMem(label string) *asm  { return a.rel([]byte{0xff, 0x25}, label, 4) }

func (a *asm) pushImm(v int32) *asm {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return a.emit(0x68).emit(b[:]...)
}

func (a *asm) incByte(addr uint64) *asm {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(addr))
	return a.emit(0xfe, 0x04, 0x25).emit(b[:]...)
}

// quad emits the address of label, used for GOT entries.
func (a *asm) quad(label string) *asm {
	a.fixups = append(a.fixups, asmFixup{off: len(a.buf), label: label, size: 8})
	return a.emit(make([]byte, 8)...)
}

func (a *asm) bytes() []byte {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			panic("undefined label " + f.label)
		}
		switch f.size {
		case 1:
			a.buf[f.off] = byte(int8(int64(target) - int64(fakeCodeBase+uint64(f.end))))
		case 4:
			binary.LittleEndian.PutUint32(a.buf[f.off:], uint32(int32(int64(target)-int64(fakeCodeBase+uint64(f.end)))))
		case 8:
			binary.LittleEndian.PutUint64(a.buf[f.off:], target)
		}
	}
	return a.buf
}

func (a *asm) addr(label string) uint64 {
	target, ok := a.labels[label]
	if !ok {
		panic("undefined label " + label)
	}
	return target
}

type fakeLine struct {
	pc   uint64
	file string
	line int
}

// fakeBinInfo is a DebugInfo with functions, a line table and call frame
// information written by the test.
type fakeBinInfo struct {
	funcs   []*Function
	lines   []fakeLine
	symbols map[string]uint64
	fdes    frame.FrameDescriptionEntries
	entry   string
	reloads int
}

func newFakeBinInfo() *fakeBinInfo {
	return &fakeBinInfo{symbols: make(map[string]uint64), entry: "main"}
}

func (bi *fakeBinInfo) addFunc(name string, entry, end uint64) {
	bi.funcs = append(bi.funcs, &Function{Name: name, Entry: entry, End: end})
	bi.symbols[name] = entry
}

// addLine maps [pc, next line entry) to file:line, a zero line marks code
// without line information.
func (bi *fakeBinInfo) addLine(pc uint64, file string, line int) {
	bi.lines = append(bi.lines, fakeLine{pc, file, line})
	sort.Slice(bi.lines, func(i, j int) bool { return bi.lines[i].pc < bi.lines[j].pc })
}

func (bi *fakeBinInfo) fn(pc uint64) *Function {
	for _, fn := range bi.funcs {
		if pc >= fn.Entry && pc < fn.End {
			return fn
		}
	}
	return nil
}

func (bi *fakeBinInfo) PCToLocation(pc uint64) Location {
	loc := Location{PC: pc, Fn: bi.fn(pc)}
	if loc.Fn == nil {
		return loc
	}
	for _, l := range bi.lines {
		if l.pc > pc {
			break
		}
		if l.pc >= loc.Fn.Entry {
			loc.File, loc.Line = l.file, l.line
		}
	}
	return loc
}

func (bi *fakeBinInfo) FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error) {
	return bi.fdes.FDEForPC(pc)
}

func (bi *fakeBinInfo) LookupSymbol(name string) (uint64, error) {
	addr, ok := bi.symbols[name]
	if !ok {
		return 0, SymbolNotFoundError{Name: name}
	}
	return addr, nil
}

func (bi *fakeBinInfo) LineToPC(file string, line int) (uint64, error) {
	for _, l := range bi.lines {
		if l.file == file && l.line == line {
			return l.pc, nil
		}
	}
	return 0, fmt.Errorf("could not find %s:%d", file, line)
}

func (bi *fakeBinInfo) EntryFunction() string { return bi.entry }

func (bi *fakeBinInfo) PlausiblePC(pc uint64) bool {
	return pc >= fakeCodeBase && pc < fakeCodeBase+0x1000
}

func (bi *fakeBinInfo) Reload(pid int) error {
	bi.reloads++
	return nil
}

// fakeExpr is compiled by fakeEvaluator. The supported expressions are
// "*ADDR" (the byte at ADDR), "ADDR == N" (the byte at ADDR equals N)
// and "tid == N".
type fakeExpr struct {
	src  string
	addr uint64
	tid  bool
	eq   bool
	val  uint64
}

func (e *fakeExpr) String() string { return e.src }

type fakeEvaluator struct {
	evals int
}

func (ev *fakeEvaluator) Compile(src string) (CompiledExpr, error) {
	e := &fakeExpr{src: src}
	s := src
	if i := strings.Index(s, "=="); i >= 0 {
		v, err := strconv.ParseUint(strings.TrimSpace(s[i+2:]), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("syntax error: %q", src)
		}
		e.eq, e.val = true, v
		s = strings.TrimSpace(s[:i])
	}
	if s == "tid" {
		e.tid = true
		return e, nil
	}
	s = strings.TrimPrefix(s, "*")
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("syntax error: %q", src)
	}
	e.addr = addr
	return e, nil
}

func (ev *fakeEvaluator) Evaluate(expr CompiledExpr, scope *EvalScope) (Value, error) {
	ev.evals++
	e := expr.(*fakeExpr)
	var v uint64
	if e.tid {
		v = uint64(scope.Thread)
	} else {
		var b [1]byte
		if _, err := scope.Mem.ReadMemory(b[:], e.addr); err != nil {
			return Value{}, err
		}
		v = uint64(b[0])
	}
	if e.eq {
		t := v == e.val
		return Value{Repr: strconv.FormatBool(t), Truth: t, Raw: strconv.FormatBool(t)}, nil
	}
	s := strconv.FormatUint(v, 10)
	return Value{Repr: s, Truth: v != 0, Raw: s}, nil
}
