package allocator

import "sync"

// RotatingAllocator maintains a FIFO queue of free indices: Allocate pops
// from the head, Release pushes to the tail. This makes allocation
// least-recently-used rather than lowest-free, which matters for address
// spaces a caller wants to cycle through evenly (e.g. vsock ports that a
// stale guest might still be listening on briefly after release).
type RotatingAllocator struct {
	mu       sync.Mutex
	free     []uint32 // FIFO queue of free indices
	inQueue  []bool   // inQueue[i] true iff index i is currently in free
	size     uint32
	inUse    uint32
	disabled bool
	toAddr   IndexToAddress
	toIndex  AddressToIndex
}

// NewRotating builds a RotatingAllocator over size indices, all initially
// free and queued in index order.
func NewRotating(base Address, size uint32, toAddr IndexToAddress, toIndex AddressToIndex) (*RotatingAllocator, error) {
	if err := checkNoOverflow(base, size); err != nil {
		return nil, err
	}
	free := make([]uint32, size)
	inQueue := make([]bool, size)
	for i := uint32(0); i < size; i++ {
		free[i] = i
		inQueue[i] = true
	}
	return &RotatingAllocator{
		free:    free,
		inQueue: inQueue,
		size:    size,
		toAddr:  toAddr,
		toIndex: toIndex,
	}, nil
}

// Allocate implements Allocator.
func (a *RotatingAllocator) Allocate() (Address, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disabled {
		return 0, errDisabled()
	}
	if len(a.free) == 0 {
		return 0, errFull()
	}
	idx := a.free[0]
	a.free = a.free[1:]
	addr, err := a.toAddr(idx)
	if err != nil {
		// Put the index back; the caller's translation function is
		// broken, not the allocator's bookkeeping.
		a.free = append([]uint32{idx}, a.free...)
		return 0, errInvalidIndex()
	}
	a.inQueue[idx] = false
	a.inUse++
	return addr, nil
}

// Reserve implements Allocator. It removes the given index from the free
// queue wherever it currently sits.
func (a *RotatingAllocator) Reserve(addr Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disabled {
		return errDisabled()
	}
	idx, ok := a.toIndex(addr)
	if !ok || idx >= a.size {
		return errInvalidAddress()
	}
	if !a.inQueue[idx] {
		return errAlreadyAllocated()
	}
	for i, v := range a.free {
		if v == idx {
			a.free = append(a.free[:i], a.free[i+1:]...)
			break
		}
	}
	a.inQueue[idx] = false
	a.inUse++
	return nil
}

// Release implements Allocator. The released index goes to the tail of
// the queue (least-recently-used order), not back to the head.
func (a *RotatingAllocator) Release(addr Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.toIndex(addr)
	if !ok || idx >= a.size {
		return errInvalidAddress()
	}
	if a.inQueue[idx] {
		return errNotAllocated()
	}
	a.free = append(a.free, idx)
	a.inQueue[idx] = true
	a.inUse--
	return nil
}

// Disable implements Allocator.
func (a *RotatingAllocator) Disable() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inUse != 0 {
		return false, nil
	}
	a.disabled = true
	return true, nil
}

// InUse implements Allocator.
func (a *RotatingAllocator) InUse() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}
