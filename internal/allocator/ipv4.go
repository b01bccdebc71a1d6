package allocator

import (
	"encoding/binary"
	"net"

	"vmimage/internal/vmerr"
)

// IPv4Allocator allocates host addresses within a CIDR block, reserving
// the network address and the broadcast address (and, by convention, the
// gateway at the first usable host) the way the teacher's ipam.go does
// for its single hardcoded /16.
type IPv4Allocator struct {
	*IndexedAllocator
	network  uint32
	prefix   int
	gateway  uint32
	hasGwRes bool
}

// NewIPv4Allocator builds an allocator over cidr's usable host range,
// excluding the network address, broadcast address, and (if non-empty)
// gateway, which is reserved up front so Allocate never hands it out.
func NewIPv4Allocator(cidr string, gateway string) (*IPv4Allocator, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindInvalidArgument, err, "parse CIDR")
	}
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return nil, vmerr.New(vmerr.KindInvalidArgument, "only IPv4 CIDRs are supported")
	}
	ones, bits := ipnet.Mask.Size()
	hostBits := bits - ones
	if hostBits < 2 {
		return nil, vmerr.New(vmerr.KindInvalidArgument, "CIDR too small to hold usable hosts")
	}
	// Usable host offsets are 1..(2^hostBits - 2): offset 0 is the network
	// address, the top offset is the broadcast address.
	usable := uint32(1)<<uint(hostBits) - 2
	network := binary.BigEndian.Uint32(ip4)

	toAddr := func(index uint32) (Address, error) {
		return network + 1 + index, nil
	}
	toIndex := func(addr Address) (uint32, bool) {
		if addr <= network || addr >= network+1+usable {
			return 0, false
		}
		return addr - network - 1, true
	}

	base, err := NewIndexed(network+1, usable, toAddr, toIndex)
	if err != nil {
		return nil, err
	}

	a := &IPv4Allocator{IndexedAllocator: base, network: network, prefix: ones}

	if gateway != "" {
		gw := net.ParseIP(gateway).To4()
		if gw == nil {
			return nil, vmerr.New(vmerr.KindInvalidArgument, "invalid gateway address")
		}
		a.gateway = binary.BigEndian.Uint32(gw)
		if err := a.Reserve(a.gateway); err != nil {
			return nil, vmerr.Wrap(vmerr.KindInvalidArgument, err, "reserve gateway address")
		}
		a.hasGwRes = true
	}

	return a, nil
}

// Contains reports whether addr falls within the allocator's CIDR block
// (the literal scenario from spec.md §8.2: contains(x) over 192.168.64.0/24).
func (a *IPv4Allocator) Contains(addr Address) bool {
	mask := ^uint32(0) << uint(32-a.prefix)
	return addr&mask == a.network&mask
}

// FormatIPv4 renders addr as a dotted-quad string.
func FormatIPv4(addr Address) string {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, addr)
	return b.String()
}

// ParseIPv4 parses a dotted-quad string into an Address.
func ParseIPv4(s string) (Address, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return 0, vmerr.Newf(vmerr.KindInvalidArgument, "invalid IPv4 address %q", s)
	}
	return binary.BigEndian.Uint32(ip), nil
}
