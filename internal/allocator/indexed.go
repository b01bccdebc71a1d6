package allocator

import "sync"

// IndexedAllocator hands out the lowest clear bit of a fixed-size bitmap,
// giving stable, FIFO-by-index allocation order. It's the natural choice
// for address spaces where "lowest free" is a meaningful, reproducible
// policy (IPv4 host offsets, port ranges).
type IndexedAllocator struct {
	mu       sync.Mutex
	bitmap   []uint64
	size     uint32
	inUse    uint32
	disabled bool
	toAddr   IndexToAddress
	toIndex  AddressToIndex
}

// NewIndexed builds an IndexedAllocator over size indices, translated to
// addresses via toAddr/toIndex. base and size are validated against
// overflow per spec.md §4.A; callers typically derive toAddr/toIndex from
// base (e.g. index i -> base+i).
func NewIndexed(base Address, size uint32, toAddr IndexToAddress, toIndex AddressToIndex) (*IndexedAllocator, error) {
	if err := checkNoOverflow(base, size); err != nil {
		return nil, err
	}
	words := (size + 63) / 64
	return &IndexedAllocator{
		bitmap:  make([]uint64, words),
		size:    size,
		toAddr:  toAddr,
		toIndex: toIndex,
	}, nil
}

func (a *IndexedAllocator) isSet(i uint32) bool {
	return a.bitmap[i/64]&(1<<(i%64)) != 0
}

func (a *IndexedAllocator) set(i uint32) {
	a.bitmap[i/64] |= 1 << (i % 64)
}

func (a *IndexedAllocator) clear(i uint32) {
	a.bitmap[i/64] &^= 1 << (i % 64)
}

// Allocate implements Allocator.
func (a *IndexedAllocator) Allocate() (Address, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disabled {
		return 0, errDisabled()
	}
	for i := uint32(0); i < a.size; i++ {
		if !a.isSet(i) {
			addr, err := a.toAddr(i)
			if err != nil {
				return 0, errInvalidIndex()
			}
			a.set(i)
			a.inUse++
			return addr, nil
		}
	}
	return 0, errFull()
}

// Reserve implements Allocator.
func (a *IndexedAllocator) Reserve(addr Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disabled {
		return errDisabled()
	}
	idx, ok := a.toIndex(addr)
	if !ok || idx >= a.size {
		return errInvalidAddress()
	}
	if a.isSet(idx) {
		return errAlreadyAllocated()
	}
	a.set(idx)
	a.inUse++
	return nil
}

// Release implements Allocator.
func (a *IndexedAllocator) Release(addr Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.toIndex(addr)
	if !ok || idx >= a.size {
		return errInvalidAddress()
	}
	if !a.isSet(idx) {
		return errNotAllocated()
	}
	a.clear(idx)
	a.inUse--
	return nil
}

// Disable implements Allocator.
func (a *IndexedAllocator) Disable() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inUse != 0 {
		return false, nil
	}
	a.disabled = true
	return true, nil
}

// InUse implements Allocator.
func (a *IndexedAllocator) InUse() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}
