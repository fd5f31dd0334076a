package proc

import (
	"fmt"
	"sort"

	"github.com/go-delve/runctl/pkg/dwarf/op"
)

// Thread represents a thread of the target.
type Thread struct {
	ID  int
	Pid int
	// Running is true between a resume request and the notification that
	// the thread stopped.
	Running bool
	// Status is the last stop notification received for the thread.
	Status *WaitEvent

	regs *op.DwarfRegisters
	// pendingSig is delivered to the thread when it is next resumed.
	pendingSig int
	// stepOverAddr is the address of the event points the thread hit
	// last, it steps over them before resuming.
	stepOverAddr uint64
}

func (th *Thread) String() string {
	return fmt.Sprintf("Thread %d", th.ID)
}

// PendingSignal returns the signal that will be delivered to the thread
// when it is resumed.
func (th *Thread) PendingSignal() int {
	return th.pendingSig
}

// ThreadSet is the set of threads of the target, owned by the
// controller.
type ThreadSet struct {
	m       map[int]*Thread
	current *Thread
}

func newThreadSet() *ThreadSet {
	return &ThreadSet{m: make(map[int]*Thread)}
}

// Get returns thread tid.
func (ts *ThreadSet) Get(tid int) (*Thread, bool) {
	th, ok := ts.m[tid]
	return th, ok
}

// List returns all threads sorted by id.
func (ts *ThreadSet) List() []*Thread {
	r := make([]*Thread, 0, len(ts.m))
	for _, th := range ts.m {
		r = append(r, th)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

// Len returns the number of threads.
func (ts *ThreadSet) Len() int {
	return len(ts.m)
}

// Current returns the thread the user is looking at.
func (ts *ThreadSet) Current() *Thread {
	return ts.current
}

func (ts *ThreadSet) add(pid, tid int) *Thread {
	if th, ok := ts.m[tid]; ok {
		return th
	}
	th := &Thread{ID: tid, Pid: pid}
	ts.m[tid] = th
	if ts.current == nil {
		ts.current = th
	}
	return th
}

func (ts *ThreadSet) remove(tid int) {
	delete(ts.m, tid)
	if ts.current != nil && ts.current.ID == tid {
		ts.current = nil
		if list := ts.List(); len(list) > 0 {
			ts.current = list[0]
		}
	}
}

func (ts *ThreadSet) setCurrent(th *Thread) {
	ts.current = th
}

func (ts *ThreadSet) clear() {
	ts.m = make(map[int]*Thread)
	ts.current = nil
}

// invalidateRegisters drops the cached registers of every thread.
func (ts *ThreadSet) invalidateRegisters() {
	for _, th := range ts.m {
		th.regs = nil
	}
}
