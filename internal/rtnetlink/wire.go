// Package rtnetlink implements component H: a raw netlink session over
// AF_NETLINK/NETLINK_ROUTE for link, address, and route operations. The
// teacher (internal/network/bridge.go) reaches for the high-level
// github.com/vishvananda/netlink API (LinkByName, AddrAdd, RouteReplace)
// and never touches the wire format itself. This package intentionally
// does the opposite: it hand-rolls every struct in the request/response
// frame, because the component's whole point is bit-exact control over
// that layout rather than hiding it behind a library.
package rtnetlink

import "encoding/binary"

// Frame sizes per spec: header 16, InterfaceInfo 16, AddressInfo 8,
// RouteInfo 12, RTAttribute header 4. Every multi-byte field is
// little-endian regardless of host byte order.
const (
	headerLen        = 16
	interfaceInfoLen = 16
	addressInfoLen   = 8
	routeInfoLen     = 12
	attrHeaderLen    = 4
)

var le = binary.LittleEndian

// align4 rounds n up to the next multiple of 4, the TLV attribute
// alignment netlink frames use throughout.
func align4(n int) int {
	return (n + 3) &^ 3
}

// NetlinkMessageHeader is the fixed 16-byte header prefixing every
// netlink message, request or response.
type NetlinkMessageHeader struct {
	Len   uint32 // header + payload + attributes, including padding
	Type  uint16
	Flags uint16
	Seq   uint32
	PID   uint32
}

func (h NetlinkMessageHeader) marshal() []byte {
	buf := make([]byte, headerLen)
	le.PutUint32(buf[0:], h.Len)
	le.PutUint16(buf[4:], h.Type)
	le.PutUint16(buf[6:], h.Flags)
	le.PutUint32(buf[8:], h.Seq)
	le.PutUint32(buf[12:], h.PID)
	return buf
}

func unmarshalHeader(buf []byte) NetlinkMessageHeader {
	return NetlinkMessageHeader{
		Len:   le.Uint32(buf[0:]),
		Type:  le.Uint16(buf[4:]),
		Flags: le.Uint16(buf[6:]),
		Seq:   le.Uint32(buf[8:]),
		PID:   le.Uint32(buf[12:]),
	}
}

// InterfaceInfo is the ifinfomsg payload of RTM_*LINK requests.
type InterfaceInfo struct {
	Family uint8
	_      uint8 // pad
	Type   uint16
	Index  int32
	Flags  uint32
	Change uint32
}

func (i InterfaceInfo) marshal() []byte {
	buf := make([]byte, interfaceInfoLen)
	buf[0] = i.Family
	le.PutUint16(buf[2:], i.Type)
	le.PutUint32(buf[4:], uint32(i.Index))
	le.PutUint32(buf[8:], i.Flags)
	le.PutUint32(buf[12:], i.Change)
	return buf
}

func unmarshalInterfaceInfo(buf []byte) InterfaceInfo {
	return InterfaceInfo{
		Family: buf[0],
		Type:   le.Uint16(buf[2:]),
		Index:  int32(le.Uint32(buf[4:])),
		Flags:  le.Uint32(buf[8:]),
		Change: le.Uint32(buf[12:]),
	}
}

// AddressInfo is the ifaddrmsg payload of RTM_*ADDR requests.
type AddressInfo struct {
	Family    uint8
	PrefixLen uint8
	Flags     uint8
	Scope     uint8
	Index     uint32
}

func (a AddressInfo) marshal() []byte {
	buf := make([]byte, addressInfoLen)
	buf[0] = a.Family
	buf[1] = a.PrefixLen
	buf[2] = a.Flags
	buf[3] = a.Scope
	le.PutUint32(buf[4:], a.Index)
	return buf
}

func unmarshalAddressInfo(buf []byte) AddressInfo {
	return AddressInfo{
		Family:    buf[0],
		PrefixLen: buf[1],
		Flags:     buf[2],
		Scope:     buf[3],
		Index:     le.Uint32(buf[4:]),
	}
}

// RouteInfo is the rtmsg payload of RTM_*ROUTE requests.
type RouteInfo struct {
	Family   uint8
	DstLen   uint8
	SrcLen   uint8
	TOS      uint8
	Table    uint8
	Protocol uint8
	Scope    uint8
	Type     uint8
	Flags    uint32
}

func (r RouteInfo) marshal() []byte {
	buf := make([]byte, routeInfoLen)
	buf[0] = r.Family
	buf[1] = r.DstLen
	buf[2] = r.SrcLen
	buf[3] = r.TOS
	buf[4] = r.Table
	buf[5] = r.Protocol
	buf[6] = r.Scope
	buf[7] = r.Type
	le.PutUint32(buf[8:], r.Flags)
	return buf
}

func unmarshalRouteInfo(buf []byte) RouteInfo {
	return RouteInfo{
		Family:   buf[0],
		DstLen:   buf[1],
		SrcLen:   buf[2],
		TOS:      buf[3],
		Table:    buf[4],
		Protocol: buf[5],
		Scope:    buf[6],
		Type:     buf[7],
		Flags:    le.Uint32(buf[8:]),
	}
}

// RTAttribute is one TLV attribute: a 4-byte {len,type} header followed by
// Data, the whole thing padded to a 4-byte boundary when framed.
type RTAttribute struct {
	Type uint16
	Data []byte
}

// marshal returns the attribute's bytes, Len-prefixed and trailing-padded
// to the next 4-byte boundary. Len itself (per rtattr convention) counts
// only the header and the unpadded data, not the trailing pad bytes.
func (a RTAttribute) marshal() []byte {
	rawLen := attrHeaderLen + len(a.Data)
	buf := make([]byte, align4(rawLen))
	le.PutUint16(buf[0:], uint16(rawLen))
	le.PutUint16(buf[2:], a.Type)
	copy(buf[attrHeaderLen:], a.Data)
	return buf
}

// putAttrs appends every attribute's framed bytes in order.
func putAttrs(attrs []RTAttribute) []byte {
	var out []byte
	for _, a := range attrs {
		out = append(out, a.marshal()...)
	}
	return out
}

// parseAttrs walks a TLV attribute run until it is shorter than one
// header, returning every attribute found. Malformed trailing bytes (a
// truncated header, or a declared length past the end of buf) stop the
// walk rather than erroring, matching real netlink's tolerance of
// padding slop at the end of a message.
func parseAttrs(buf []byte) []RTAttribute {
	var out []RTAttribute
	off := 0
	for off+attrHeaderLen <= len(buf) {
		rawLen := int(le.Uint16(buf[off:]))
		if rawLen < attrHeaderLen || off+rawLen > len(buf) {
			break
		}
		typ := le.Uint16(buf[off+2:])
		data := append([]byte(nil), buf[off+attrHeaderLen:off+rawLen]...)
		out = append(out, RTAttribute{Type: typ, Data: data})
		off += align4(rawLen)
	}
	return out
}

func attrUint32(data []byte) uint32 {
	if len(data) < 4 {
		return 0
	}
	return le.Uint32(data)
}

func attrString(data []byte) string {
	// IFLA_IFNAME etc. are NUL-terminated C strings; trim the terminator
	// and anything after it rather than including it in the Go string.
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
