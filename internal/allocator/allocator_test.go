package allocator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func identity(size uint32) (IndexToAddress, AddressToIndex) {
	toAddr := func(i uint32) (Address, error) { return i, nil }
	toIndex := func(a Address) (uint32, bool) {
		if a >= size {
			return 0, false
		}
		return a, true
	}
	return toAddr, toIndex
}

func TestIndexedAllocateLowestFree(t *testing.T) {
	toAddr, toIndex := identity(4)
	a, err := NewIndexed(0, 4, toAddr, toIndex)
	require.NoError(t, err)

	got := make([]Address, 0, 4)
	for i := 0; i < 4; i++ {
		addr, err := a.Allocate()
		require.NoError(t, err)
		got = append(got, addr)
	}
	require.Equal(t, []Address{0, 1, 2, 3}, got)

	_, err = a.Allocate()
	require.ErrorContains(t, err, "allocator-full")

	require.NoError(t, a.Release(1))
	addr, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, Address(1), addr)
}

func TestIndexedReserveAndDoubleReserve(t *testing.T) {
	toAddr, toIndex := identity(4)
	a, err := NewIndexed(0, 4, toAddr, toIndex)
	require.NoError(t, err)

	require.NoError(t, a.Reserve(2))
	err = a.Reserve(2)
	require.ErrorContains(t, err, "already-allocated")

	err = a.Reserve(10)
	require.ErrorContains(t, err, "invalid-address")
}

func TestIndexedReleaseNotAllocated(t *testing.T) {
	toAddr, toIndex := identity(4)
	a, err := NewIndexed(0, 4, toAddr, toIndex)
	require.NoError(t, err)

	err = a.Release(0)
	require.ErrorContains(t, err, "not-allocated")
}

func TestDisableRequiresZeroInUse(t *testing.T) {
	toAddr, toIndex := identity(2)
	a, err := NewIndexed(0, 2, toAddr, toIndex)
	require.NoError(t, err)

	_, err = a.Allocate()
	require.NoError(t, err)

	ok, err := a.Disable()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.Release(0))
	ok, err = a.Disable()
	require.NoError(t, err)
	require.True(t, ok)

	_, err = a.Allocate()
	require.ErrorContains(t, err, "allocator-disabled")
}

func TestRotatingAllocatesLeastRecentlyUsed(t *testing.T) {
	toAddr, toIndex := identity(3)
	a, err := NewRotating(0, 3, toAddr, toIndex)
	require.NoError(t, err)

	a0, _ := a.Allocate()
	a1, _ := a.Allocate()
	require.Equal(t, Address(0), a0)
	require.Equal(t, Address(1), a1)

	require.NoError(t, a.Release(a0))
	// a0 goes to the tail, so the next allocation should be the still-free
	// index 2 before a0 comes back around.
	a2, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, Address(2), a2)

	a0Again, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, a0, a0Again)
}

func TestConstructionRejectsOverflow(t *testing.T) {
	toAddr := func(i uint32) (Address, error) { return i, nil }
	toIndex := func(a Address) (uint32, bool) { return a, true }
	_, err := NewIndexed(^uint32(0)-1, 5, toAddr, toIndex)
	require.ErrorContains(t, err, "overflow")
}

func TestIPv4AllocatorScenario(t *testing.T) {
	a, err := NewIPv4Allocator("192.168.64.0/24", "192.168.64.1")
	require.NoError(t, err)

	lower, err := ParseIPv4("192.168.64.0")
	require.NoError(t, err)
	upper, err := ParseIPv4("192.168.64.255")
	require.NoError(t, err)

	require.True(t, a.Contains(lower))
	require.True(t, a.Contains(upper))

	outside, err := ParseIPv4("192.168.65.1")
	require.NoError(t, err)
	require.False(t, a.Contains(outside))

	addr, err := a.Allocate()
	require.NoError(t, err)
	require.NotEqual(t, a.gateway, addr)
	require.Equal(t, "192.168.64.2", FormatIPv4(addr))
}

func TestPortAllocator(t *testing.T) {
	a, err := NewPortAllocator(49152, 49154)
	require.NoError(t, err)

	p1, err := a.Allocate()
	require.NoError(t, err)
	p2, err := a.Allocate()
	require.NoError(t, err)
	p3, err := a.Allocate()
	require.NoError(t, err)
	require.ElementsMatch(t, []Address{49152, 49153, 49154}, []Address{p1, p2, p3})

	_, err = a.Allocate()
	require.ErrorContains(t, err, "allocator-full")
}
