package proc

import (
	"sort"
)

// trapSite is a breakpoint instruction written in the target. Several
// event points can share one site, the original instruction bytes are
// saved when the first one is materialized and written back when the
// last one is removed.
type trapSite struct {
	addr uint64
	orig []byte
	trap []byte
	// refs is the number of materialized event points using the site.
	refs int
	// lifted counts the event points currently stepping over the site,
	// the original bytes are in memory while it is not zero.
	lifted int
}

// Registry owns every event point, indexed by id and by address.
type Registry struct {
	byID map[int]*EventPoint
	// buckets contains every event point bound to an address, in creation
	// order.
	buckets map[uint64][]*EventPoint
	// alwaysArmed contains the event points checked after every
	// instruction.
	alwaysArmed []*EventPoint
	sites       map[uint64]*trapSite

	userIDCounter     int
	internalIDCounter int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[int]*EventPoint),
		buckets: make(map[uint64][]*EventPoint),
		sites:   make(map[uint64]*trapSite),
	}
}

func isAlwaysArmed(ep *EventPoint) bool {
	_, ok := ep.Variant.(*SoftwareWatchpoint)
	return ok
}

// add assigns an id to ep and indexes it.
func (r *Registry) add(ep *EventPoint, internal bool) {
	if internal {
		r.internalIDCounter--
		ep.ID = r.internalIDCounter
	} else {
		r.userIDCounter++
		ep.ID = r.userIDCounter
	}
	r.insert(ep)
}

// addWithID indexes ep keeping its id.
func (r *Registry) addWithID(ep *EventPoint) {
	if ep.ID > r.userIDCounter {
		r.userIDCounter = ep.ID
	}
	if ep.ID < r.internalIDCounter {
		r.internalIDCounter = ep.ID
	}
	r.insert(ep)
}

func (r *Registry) insert(ep *EventPoint) {
	r.byID[ep.ID] = ep
	if isAlwaysArmed(ep) {
		r.alwaysArmed = append(r.alwaysArmed, ep)
		return
	}
	if ep.Addr != 0 {
		r.buckets[ep.Addr] = append(r.buckets[ep.Addr], ep)
	}
}

// remove drops ep from the registry. The caller must dematerialize it
// first.
func (r *Registry) remove(ep *EventPoint) {
	delete(r.byID, ep.ID)
	if isAlwaysArmed(ep) {
		r.alwaysArmed = removeFromList(r.alwaysArmed, ep)
		return
	}
	r.unbucket(ep)
}

func (r *Registry) unbucket(ep *EventPoint) {
	if ep.Addr == 0 {
		return
	}
	bucket := removeFromList(r.buckets[ep.Addr], ep)
	if len(bucket) == 0 {
		delete(r.buckets, ep.Addr)
	} else {
		r.buckets[ep.Addr] = bucket
	}
}

func removeFromList(list []*EventPoint, ep *EventPoint) []*EventPoint {
	for i := range list {
		if list[i] == ep {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// setAddr moves ep to addr. Must not be called while ep is materialized.
func (r *Registry) setAddr(ep *EventPoint, addr uint64) {
	r.unbucket(ep)
	ep.Addr = addr
	if _, ok := r.byID[ep.ID]; ok && addr != 0 {
		r.buckets[addr] = append(r.buckets[addr], ep)
	}
}

// Get returns the event point with the given id.
func (r *Registry) Get(id int) (*EventPoint, bool) {
	ep, ok := r.byID[id]
	return ep, ok
}

// At returns the event points bound to addr.
func (r *Registry) At(addr uint64) []*EventPoint {
	bucket := r.buckets[addr]
	if len(bucket) == 0 {
		return nil
	}
	return append([]*EventPoint(nil), bucket...)
}

// AlwaysArmed returns the event points checked after every instruction.
func (r *Registry) AlwaysArmed() []*EventPoint {
	return append([]*EventPoint(nil), r.alwaysArmed...)
}

// HasSite returns true if a breakpoint instruction is written at addr.
func (r *Registry) HasSite(addr uint64) bool {
	s, ok := r.sites[addr]
	return ok && s.lifted == 0
}

// OriginalData returns the instruction bytes replaced by the breakpoint at
// addr.
func (r *Registry) OriginalData(addr uint64) []byte {
	if s, ok := r.sites[addr]; ok {
		return s.orig
	}
	return nil
}

// All returns every event point, user event points first, each group
// sorted by id.
func (r *Registry) All() []*EventPoint {
	r2 := make([]*EventPoint, 0, len(r.byID))
	for _, ep := range r.byID {
		r2 = append(r2, ep)
	}
	sort.Slice(r2, func(i, j int) bool {
		a, b := r2[i].ID, r2[j].ID
		if (a > 0) != (b > 0) {
			return a > 0
		}
		if a > 0 {
			return a < b
		}
		return a > b
	})
	return r2
}

// User returns the user visible event points sorted by id.
func (r *Registry) User() []*EventPoint {
	var r2 []*EventPoint
	for _, ep := range r.All() {
		if ep.IsUser() {
			r2 = append(r2, ep)
		}
	}
	return r2
}

func (r *Registry) acquireSite(mem MemoryReadWriter, addr uint64, trap []byte) error {
	if s, ok := r.sites[addr]; ok {
		s.refs++
		return nil
	}
	orig := make([]byte, len(trap))
	if _, err := mem.ReadMemory(orig, addr); err != nil {
		return ioError("read memory", addr, err)
	}
	if _, err := mem.WriteMemory(addr, trap); err != nil {
		return ioError("write breakpoint", addr, err)
	}
	r.sites[addr] = &trapSite{addr: addr, orig: orig, trap: trap, refs: 1}
	return nil
}

// releaseSite drops one reference to the site at addr, lifted is true if
// the reference being dropped was stepping over the site.
func (r *Registry) releaseSite(mem MemoryReadWriter, addr uint64, lifted bool) error {
	s, ok := r.sites[addr]
	if !ok {
		return nil
	}
	if lifted {
		s.lifted--
	}
	s.refs--
	if s.refs > 0 {
		if lifted && s.lifted == 0 {
			_, err := mem.WriteMemory(addr, s.trap)
			return ioError("write breakpoint", addr, err)
		}
		return nil
	}
	delete(r.sites, addr)
	if s.lifted > 0 {
		return nil
	}
	_, err := mem.WriteMemory(addr, s.orig)
	return ioError("restore instruction", addr, err)
}

func (r *Registry) liftSite(mem MemoryReadWriter, addr uint64) error {
	s, ok := r.sites[addr]
	if !ok {
		return nil
	}
	s.lifted++
	if s.lifted > 1 {
		return nil
	}
	if _, err := mem.WriteMemory(addr, s.orig); err != nil {
		s.lifted--
		return ioError("restore instruction", addr, err)
	}
	return nil
}

func (r *Registry) unliftSite(mem MemoryReadWriter, addr uint64) error {
	s, ok := r.sites[addr]
	if !ok || s.lifted == 0 {
		return nil
	}
	s.lifted--
	if s.lifted > 0 {
		return nil
	}
	_, err := mem.WriteMemory(addr, s.trap)
	return ioError("write breakpoint", addr, err)
}

// dropSites forgets every site without touching memory, used when the
// process image went away.
func (r *Registry) dropSites() {
	r.sites = make(map[uint64]*trapSite)
}

// cleanCopy writes the original instructions over every breakpoint
// instruction in mem, a copy of the memory of the process made by fork.
func (r *Registry) cleanCopy(mem MemoryReadWriter) error {
	for _, s := range r.sites {
		if s.lifted > 0 {
			continue
		}
		if _, err := mem.WriteMemory(s.addr, s.orig); err != nil {
			return ioError("restore instruction", s.addr, err)
		}
	}
	return nil
}

// maskedMemory reads the target memory replacing breakpoint instructions
// with the original bytes.
type maskedMemory struct {
	MemoryReadWriter
	reg *Registry
}

func (mem *maskedMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	n, err := mem.MemoryReadWriter.ReadMemory(buf, addr)
	if n <= 0 {
		return n, err
	}
	end := addr + uint64(n)
	for _, s := range mem.reg.sites {
		if s.lifted > 0 || s.addr+uint64(len(s.orig)) <= addr || s.addr >= end {
			continue
		}
		for i := range s.orig {
			a := s.addr + uint64(i)
			if a >= addr && a < end {
				buf[a-addr] = s.orig[i]
			}
		}
	}
	return n, err
}
