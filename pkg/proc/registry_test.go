package proc

import (
	"bytes"
	"testing"
)

func TestRegistryIDs(t *testing.T) {
	r := NewRegistry()
	u1 := &EventPoint{Addr: 0x10}
	i1 := &EventPoint{Addr: 0x10}
	u2 := &EventPoint{Addr: 0x20}
	i2 := &EventPoint{}
	r.add(u1, false)
	r.add(i1, true)
	r.add(u2, false)
	r.add(i2, true)
	if u1.ID != 1 || u2.ID != 2 || i1.ID != -1 || i2.ID != -2 {
		t.Fatalf("wrong ids %d %d %d %d", u1.ID, u2.ID, i1.ID, i2.ID)
	}

	all := r.All()
	want := []*EventPoint{u1, u2, i1, i2}
	if len(all) != len(want) {
		t.Fatalf("wrong number of event points %d", len(all))
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("wrong order at %d: %d", i, all[i].ID)
		}
	}
	if user := r.User(); len(user) != 2 || user[0] != u1 || user[1] != u2 {
		t.Fatalf("wrong user event points %v", user)
	}

	if at := r.At(0x10); len(at) != 2 || at[0] != u1 || at[1] != i1 {
		t.Fatalf("wrong bucket %v", at)
	}
	r.remove(u1)
	if at := r.At(0x10); len(at) != 1 || at[0] != i1 {
		t.Fatalf("wrong bucket after remove %v", at)
	}
	if _, ok := r.Get(1); ok {
		t.Fatalf("removed event point still reachable")
	}

	// ids are never reused
	u3 := &EventPoint{}
	r.add(u3, false)
	if u3.ID != 3 {
		t.Fatalf("id reused: %d", u3.ID)
	}

	r.setAddr(u3, 0x30)
	if at := r.At(0x30); len(at) != 1 || at[0] != u3 {
		t.Fatalf("setAddr did not index the event point %v", at)
	}
	r.setAddr(u3, 0x40)
	if r.At(0x30) != nil {
		t.Fatalf("setAddr left the old bucket behind")
	}
}

func TestRegistryAddWithID(t *testing.T) {
	r := NewRegistry()
	r.addWithID(&EventPoint{ID: 7})
	r.addWithID(&EventPoint{ID: -4})
	u, i := &EventPoint{}, &EventPoint{}
	r.add(u, false)
	r.add(i, true)
	if u.ID != 8 || i.ID != -5 {
		t.Fatalf("wrong ids after addWithID %d %d", u.ID, i.ID)
	}
}

func TestRegistryAlwaysArmed(t *testing.T) {
	r := NewRegistry()
	ep := &EventPoint{Variant: &SoftwareWatchpoint{Expr: "*0x10"}}
	r.add(ep, false)
	if armed := r.AlwaysArmed(); len(armed) != 1 || armed[0] != ep {
		t.Fatalf("software watchpoint not always armed")
	}
	r.remove(ep)
	if len(r.AlwaysArmed()) != 0 {
		t.Fatalf("software watchpoint not removed")
	}
}

func TestRegistrySharedSite(t *testing.T) {
	p := newFakeProcess(testPid, []byte{0x90, 0x90, 0xc3})
	r := NewRegistry()
	trap := []byte{0xcc}

	assertNoError(r.acquireSite(p, fakeCodeBase+1, trap), t, "acquireSite")
	assertNoError(r.acquireSite(p, fakeCodeBase+1, trap), t, "acquireSite")
	if p.byteAt(fakeCodeBase+1) != 0xcc || !r.HasSite(fakeCodeBase+1) {
		t.Fatalf("breakpoint not written")
	}
	if !bytes.Equal(r.OriginalData(fakeCodeBase+1), []byte{0x90}) {
		t.Fatalf("wrong original data %x", r.OriginalData(fakeCodeBase+1))
	}

	masked := &maskedMemory{MemoryReadWriter: p, reg: r}
	buf := make([]byte, 3)
	_, err := masked.ReadMemory(buf, fakeCodeBase)
	assertNoError(err, t, "ReadMemory")
	if !bytes.Equal(buf, []byte{0x90, 0x90, 0xc3}) {
		t.Fatalf("breakpoint visible through masked memory: %x", buf)
	}

	assertNoError(r.releaseSite(p, fakeCodeBase+1, false), t, "releaseSite")
	if p.byteAt(fakeCodeBase+1) != 0xcc {
		t.Fatalf("breakpoint removed while still referenced")
	}
	assertNoError(r.releaseSite(p, fakeCodeBase+1, false), t, "releaseSite")
	if p.byteAt(fakeCodeBase+1) != 0x90 || r.HasSite(fakeCodeBase+1) {
		t.Fatalf("original instruction not restored")
	}
}

func TestRegistryLiftSite(t *testing.T) {
	p := newFakeProcess(testPid, []byte{0x90, 0xc3})
	r := NewRegistry()
	trap := []byte{0xcc}
	addr := uint64(fakeCodeBase)

	assertNoError(r.acquireSite(p, addr, trap), t, "acquireSite")
	assertNoError(r.acquireSite(p, addr, trap), t, "acquireSite")
	assertNoError(r.liftSite(p, addr), t, "liftSite")
	assertNoError(r.liftSite(p, addr), t, "liftSite")
	if p.byteAt(addr) != 0x90 || r.HasSite(addr) {
		t.Fatalf("site not lifted")
	}
	assertNoError(r.unliftSite(p, addr), t, "unliftSite")
	if p.byteAt(addr) != 0x90 {
		t.Fatalf("site written back while still lifted")
	}

	// one of the lifters is removed while stepping over the site
	assertNoError(r.releaseSite(p, addr, true), t, "releaseSite")
	if p.byteAt(addr) != 0xcc || !r.HasSite(addr) {
		t.Fatalf("site not written back after the last lifter went away")
	}

	assertNoError(r.liftSite(p, addr), t, "liftSite")
	assertNoError(r.releaseSite(p, addr, true), t, "releaseSite")
	if p.byteAt(addr) != 0x90 || r.HasSite(addr) {
		t.Fatalf("site not removed")
	}
}

func TestRegistryCleanCopy(t *testing.T) {
	p := newFakeProcess(testPid, []byte{0x90, 0x90, 0xc3})
	r := NewRegistry()
	assertNoError(r.acquireSite(p, fakeCodeBase, []byte{0xcc}), t, "acquireSite")
	assertNoError(r.acquireSite(p, fakeCodeBase+1, []byte{0xcc}), t, "acquireSite")

	child := p.fork(testPid+1, p.threads[testPid])
	assertNoError(r.cleanCopy(child), t, "cleanCopy")
	if child.byteAt(fakeCodeBase) != 0x90 || child.byteAt(fakeCodeBase+1) != 0x90 {
		t.Fatalf("breakpoints left in the copy")
	}
	if p.byteAt(fakeCodeBase) != 0xcc {
		t.Fatalf("parent modified")
	}

	r.dropSites()
	if r.HasSite(fakeCodeBase) {
		t.Fatalf("sites not dropped")
	}
}
