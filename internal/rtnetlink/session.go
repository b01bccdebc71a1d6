package rtnetlink

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"vmimage/internal/vmerr"
	"vmimage/pkg/idutil"
)

// recvBufSize is the per-read buffer size the response loop allocates,
// per spec.md §4.H ("read up to 64 KiB into a buffer").
const recvBufSize = 64 * 1024

// Link is one result row of linkGet: an interface index plus its decoded
// attributes (at minimum IFLA_IFNAME).
type Link struct {
	Index int32
	Flags uint32
	Name  string
}

// Session owns a single raw AF_NETLINK/NETLINK_ROUTE socket. Unlike the
// teacher's bridge driver, which calls into github.com/vishvananda/netlink
// and lets it own the socket, callers here see every byte that crosses
// the wire. A Session has a single owner: the image store's network setup
// path holds at most one outstanding request at a time (spec.md §5).
type Session struct {
	fd  int
	pid uint32
}

// Open creates and binds the netlink socket. The kernel assigns the
// session's own netlink port id at bind time when Pid is left 0.
func Open() (*Session, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "open netlink socket")
	}
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "bind netlink socket")
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "read netlink socket name")
	}
	nl, ok := local.(*unix.SockaddrNetlink)
	if !ok {
		unix.Close(fd)
		return nil, vmerr.New(vmerr.KindInternal, "netlink socket name has unexpected type")
	}
	return &Session{fd: fd, pid: nl.Pid}, nil
}

// Close releases the session's socket. Safe to call once; a second call
// returns the underlying close error, which callers should ignore.
func (s *Session) Close() error {
	return unix.Close(s.fd)
}

func (s *Session) nextSeq() uint32 {
	return idutil.RandomUint32()
}

// request sends a fully framed message and runs the response loop
// described in spec.md §4.H, returning the attribute payloads of every
// non-terminal response message seen (so linkGet's dump can collect one
// row per interface).
func (s *Session) request(msgType uint16, flags uint16, payload []byte, attrs []RTAttribute) ([][]byte, error) {
	seq := s.nextSeq()
	body := append(append([]byte(nil), payload...), putAttrs(attrs)...)
	hdr := NetlinkMessageHeader{
		Len:   uint32(headerLen + len(body)),
		Type:  msgType,
		Flags: flags | unix.NLM_F_REQUEST,
		Seq:   seq,
		PID:   s.pid,
	}
	frame := append(hdr.marshal(), body...)

	dst := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Sendto(s.fd, frame, 0, dst); err != nil {
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "send-marshal-failure")
	}

	var results [][]byte
	for {
		buf := make([]byte, recvBufSize)
		n, _, err := unix.Recvfrom(s.fd, buf, 0)
		if err != nil {
			return nil, vmerr.Wrap(vmerr.KindInternal, err, "recv-unmarshal-failure")
		}
		buf = buf[:n]

		off := 0
		done := false
		for off+headerLen <= len(buf) {
			rh := unmarshalHeader(buf[off:])
			if rh.Len < headerLen || off+int(rh.Len) > len(buf) {
				return nil, vmerr.New(vmerr.KindInternal, "unexpected-offset")
			}
			if rh.Seq != seq {
				off += align4(int(rh.Len))
				continue
			}
			msg := buf[off+headerLen : off+int(rh.Len)]

			switch rh.Type {
			case unix.NLMSG_ERROR:
				if len(msg) < 4 {
					return nil, vmerr.New(vmerr.KindInternal, "recv-unmarshal-failure")
				}
				rc := int32(le.Uint32(msg))
				if rc != 0 {
					return nil, responseError(rc)
				}
				done = true
			case unix.NLMSG_DONE:
				done = true
			case unix.NLMSG_NOOP:
				// ignored per spec
			default:
				results = append(results, append([]byte(nil), msg...))
			}

			off += align4(int(rh.Len))
			if rh.Flags&unix.NLM_F_MULTI == 0 {
				done = true
			}
		}
		if done {
			break
		}
	}
	return results, nil
}

// responseError maps a raw NLMSG_ERROR code to a Kind-tagged error. rc is
// a negated errno (or 0 for ACK, already filtered out by the caller).
func responseError(rc int32) error {
	errno := unix.Errno(-rc)
	switch errno {
	case unix.ENODEV, unix.ENOENT:
		return vmerr.Newf(vmerr.KindNotFound, "response-error(%d): %v", rc, errno)
	case unix.EEXIST:
		return vmerr.Newf(vmerr.KindExists, "response-error(%d): %v", rc, errno)
	default:
		return vmerr.Newf(vmerr.KindInternal, "response-error(%d): %v", rc, errno)
	}
}

// ipFamily returns AF_INET or AF_INET6 for ip, or an error if ip is
// neither (e.g. the zero value).
func ipFamily(ip net.IP) (uint8, []byte, error) {
	if v4 := ip.To4(); v4 != nil {
		return unix.AF_INET, v4, nil
	}
	if v6 := ip.To16(); v6 != nil {
		return unix.AF_INET6, v6, nil
	}
	return 0, nil, vmerr.Newf(vmerr.KindInvalidArgument, "invalid IP address %v", ip)
}

// LinkGet dumps every interface (index == 0) or queries a single one by
// index, returning its decoded name and flags.
func (s *Session) LinkGet(index int32) ([]Link, error) {
	flags := uint16(unix.NLM_F_ACK)
	var payload InterfaceInfo
	if index == 0 {
		flags |= unix.NLM_F_DUMP
	} else {
		payload.Index = index
	}
	msgs, err := s.request(unix.RTM_GETLINK, flags, payload.marshal(), nil)
	if err != nil {
		return nil, err
	}
	var out []Link
	for _, m := range msgs {
		if len(m) < interfaceInfoLen {
			return nil, vmerr.New(vmerr.KindInternal, "unexpected-info")
		}
		info := unmarshalInterfaceInfo(m)
		l := Link{Index: info.Index, Flags: info.Flags}
		for _, a := range parseAttrs(m[interfaceInfoLen:]) {
			if a.Type == unix.IFLA_IFNAME {
				l.Name = attrString(a.Data)
			}
		}
		out = append(out, l)
	}
	if len(out) == 0 {
		return nil, vmerr.New(vmerr.KindInternal, "unexpected-result-set")
	}
	return out, nil
}

// LinkSet toggles IFF_UP on the interface at index, per spec.md §8
// scenario 6: RTM_NEWLINK with IFF_UP set in both ifi_flags and
// ifi_change (the "DEFAULT_CHANGE" mask — only IFF_UP is touched).
func (s *Session) LinkSet(index int32, up bool) error {
	info := InterfaceInfo{Index: index, Change: unix.IFF_UP}
	if up {
		info.Flags = unix.IFF_UP
	}
	_, err := s.request(unix.RTM_NEWLINK, unix.NLM_F_ACK, info.marshal(), nil)
	return err
}

// AddressAdd adds cidr to the interface at index.
func (s *Session) AddressAdd(index int32, cidr *net.IPNet) error {
	family, addr, err := ipFamily(cidr.IP)
	if err != nil {
		return err
	}
	prefixLen, _ := cidr.Mask.Size()
	info := AddressInfo{Family: family, PrefixLen: uint8(prefixLen), Scope: unix.RT_SCOPE_UNIVERSE, Index: uint32(index)}
	attrs := []RTAttribute{
		{Type: unix.IFA_LOCAL, Data: addr},
		{Type: unix.IFA_ADDRESS, Data: addr},
	}
	flags := uint16(unix.NLM_F_ACK | unix.NLM_F_CREATE | unix.NLM_F_EXCL)
	_, err = s.request(unix.RTM_NEWADDR, flags, info.marshal(), attrs)
	return err
}

// RouteAdd adds a route to dst via the interface at index, with an
// optional preferred source address.
func (s *Session) RouteAdd(index int32, dst *net.IPNet, src net.IP) error {
	family, dstBytes, err := ipFamily(dst.IP)
	if err != nil {
		return err
	}
	prefixLen, _ := dst.Mask.Size()
	info := RouteInfo{
		Family: family, DstLen: uint8(prefixLen),
		Table: unix.RT_TABLE_MAIN, Protocol: unix.RTPROT_BOOT,
		Scope: unix.RT_SCOPE_LINK, Type: unix.RTN_UNICAST,
	}
	attrs := []RTAttribute{
		{Type: unix.RTA_DST, Data: dstBytes},
		{Type: unix.RTA_OIF, Data: oifAttr(index)},
	}
	if src != nil {
		_, srcBytes, err := ipFamily(src)
		if err != nil {
			return err
		}
		attrs = append(attrs, RTAttribute{Type: unix.RTA_PREFSRC, Data: srcBytes})
	}
	_, err = s.request(unix.RTM_NEWROUTE, unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL, info.marshal(), attrs)
	return err
}

// RouteAddDefault adds a default (0.0.0.0/0) route via gateway on the
// interface at index.
func (s *Session) RouteAddDefault(index int32, gateway net.IP) error {
	family, gwBytes, err := ipFamily(gateway)
	if err != nil {
		return err
	}
	info := RouteInfo{
		Family: family, DstLen: 0,
		Table: unix.RT_TABLE_MAIN, Protocol: unix.RTPROT_BOOT,
		Scope: unix.RT_SCOPE_UNIVERSE, Type: unix.RTN_UNICAST,
	}
	attrs := []RTAttribute{
		{Type: unix.RTA_GATEWAY, Data: gwBytes},
		{Type: unix.RTA_OIF, Data: oifAttr(index)},
	}
	_, err = s.request(unix.RTM_NEWROUTE, unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_EXCL, info.marshal(), attrs)
	return err
}

func oifAttr(index int32) []byte {
	b := make([]byte, 4)
	le.PutUint32(b, uint32(index))
	return b
}

func (l Link) String() string {
	return fmt.Sprintf("%d: %s flags=0x%x", l.Index, l.Name, l.Flags)
}
