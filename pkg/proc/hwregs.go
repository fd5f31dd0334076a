package proc

// DebugRegisterPool allocates the hardware debug registers of the
// architecture. Slots are handed out lowest first.
type DebugRegisterPool struct {
	used []bool
}

// NewDebugRegisterPool returns a pool of n debug registers.
func NewDebugRegisterPool(n int) *DebugRegisterPool {
	return &DebugRegisterPool{used: make([]bool, n)}
}

// Alloc reserves a free slot.
func (pool *DebugRegisterPool) Alloc() (int, error) {
	for i := range pool.used {
		if !pool.used[i] {
			pool.used[i] = true
			return i, nil
		}
	}
	return -1, ErrNoFreeDebugRegister
}

// Free releases slot. Freeing a slot that is not in use panics, it means
// two event points believed to own the same register.
func (pool *DebugRegisterPool) Free(slot int) {
	if slot < 0 || slot >= len(pool.used) || !pool.used[slot] {
		panic("debug register freed twice")
	}
	pool.used[slot] = false
}

// InUse returns the number of allocated slots.
func (pool *DebugRegisterPool) InUse() int {
	n := 0
	for _, u := range pool.used {
		if u {
			n++
		}
	}
	return n
}

// Size returns the number of slots in the pool.
func (pool *DebugRegisterPool) Size() int {
	return len(pool.used)
}

// reset frees every slot, used when the process image is replaced.
func (pool *DebugRegisterPool) reset() {
	for i := range pool.used {
		pool.used[i] = false
	}
}
