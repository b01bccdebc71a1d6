//go:build linux

package rtnetlink

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// withTestNetns runs fn inside a fresh, private network namespace, so the
// session tests below never touch the host's "lo" interface or routing
// table — the same isolation technique the teacher's withNetns helper
// uses around container veth setup, borrowed here for test hygiene rather
// than container networking.
func withTestNetns(t *testing.T, fn func()) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("raw netlink sockets and namespace switching require root")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	require.NoError(t, err)
	defer orig.Close()

	ns, err := netns.New()
	require.NoError(t, err)
	defer ns.Close()
	defer netns.Set(orig)

	fn()
}

func TestSessionLinkSetLoopbackUp(t *testing.T) {
	withTestNetns(t, func() {
		s, err := Open()
		require.NoError(t, err)
		defer s.Close()

		links, err := s.LinkGet(0)
		require.NoError(t, err)

		var lo *Link
		for i := range links {
			if links[i].Name == "lo" {
				lo = &links[i]
			}
		}
		require.NotNil(t, lo, "fresh network namespace should still have a loopback interface")
		require.Zero(t, lo.Flags&uint32(unix.IFF_UP), "loopback should start down in a new namespace")

		require.NoError(t, s.LinkSet(lo.Index, true))

		after, err := s.LinkGet(lo.Index)
		require.NoError(t, err)
		require.Len(t, after, 1)
		require.NotZero(t, after[0].Flags&uint32(unix.IFF_UP))
	})
}
