// Package allocator implements component A: reservation/allocation/release
// of numeric addresses (IPv4 host offsets, ports, vsock ports) behind two
// interchangeable strategies, generalized from the teacher's single
// IPv4-subnet IPAM (internal/network/ipam.go) into the generic
// index-to-address mapping spec.md §4.A describes.
package allocator

import (
	"vmimage/internal/vmerr"
)

// Address is any integer address type an Allocator can hand out: an IPv4
// host offset, a TCP/UDP port, or a vsock port.
type Address = uint32

// IndexToAddress maps an allocator-internal index (0..size-1) to the
// address space the caller actually wants (e.g. index 5 -> 192.168.64.5,
// or index 5 -> port 10005). It must be injective over [0, size).
type IndexToAddress func(index uint32) (Address, error)

// AddressToIndex is the inverse of IndexToAddress, used by Reserve/Release
// to translate a caller-supplied address back to an internal index.
type AddressToIndex func(addr Address) (index uint32, ok bool)

// Allocator is the operation set both strategies implement.
type Allocator interface {
	// Allocate reserves and returns the next available address.
	// Fails with vmerr.KindInvalidState ("allocator-disabled") if Disable
	// has succeeded, or vmerr.KindInternal ("allocator-full") if no index
	// is free.
	Allocate() (Address, error)

	// Reserve marks addr as allocated without picking it automatically.
	// Fails vmerr.KindInvalidArgument ("invalid-address") if addr is out
	// of range, vmerr.KindExists ("already-allocated") if taken, or
	// vmerr.KindInvalidState ("allocator-disabled").
	Reserve(addr Address) error

	// Release returns addr to the free pool.
	// Fails vmerr.KindInvalidArgument ("invalid-address") or
	// vmerr.KindNotFound ("not-allocated").
	Release(addr Address) error

	// Disable prevents all future allocation. It returns true and takes
	// effect only if the allocator currently has zero addresses in use;
	// otherwise it returns false and leaves the allocator enabled.
	Disable() (bool, error)

	// InUse reports how many addresses are currently allocated.
	InUse() uint32
}

// errDisabled/errFull/errInvalidAddr/errAlreadyAllocated/errNotAllocated
// are returned (wrapped with a message) by both strategies so their
// behavior is identical except for allocation order.
func errDisabled() error {
	return vmerr.New(vmerr.KindInvalidState, "allocator-disabled")
}

func errFull() error {
	return vmerr.New(vmerr.KindInternal, "allocator-full")
}

func errInvalidAddress() error {
	return vmerr.New(vmerr.KindInvalidArgument, "invalid-address")
}

func errAlreadyAllocated() error {
	return vmerr.New(vmerr.KindExists, "already-allocated")
}

func errNotAllocated() error {
	return vmerr.New(vmerr.KindNotFound, "not-allocated")
}

func errInvalidIndex() error {
	return vmerr.New(vmerr.KindInvalidArgument, "invalid-index")
}

// checkNoOverflow enforces the construction invariant spec.md §4.A
// requires: for lower bound base and size n, base+(n-1) must not overflow
// Address's range. Address is a uint32 here, so overflow means the sum
// wraps past math.MaxUint32.
func checkNoOverflow(base Address, size uint32) error {
	if size == 0 {
		return vmerr.New(vmerr.KindInvalidArgument, "allocator size must be positive")
	}
	last := base + (size - 1)
	if last < base {
		return vmerr.New(vmerr.KindInvalidArgument, "allocator range overflows address space")
	}
	return nil
}
