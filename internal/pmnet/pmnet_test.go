package pmnet_test

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/AdguardTeam/golibs/testutil/fakenet"
	"github.com/proxymon/proxymon/internal/pmnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

func TestPeerAddrPort(t *testing.T) {
	testCases := []struct {
		name string
		addr net.Addr
		want netip.AddrPort
	}{{
		name: "ipv4",
		addr: &net.TCPAddr{IP: net.ParseIP("192.0.2.1").To4(), Port: 57321},
		want: netip.MustParseAddrPort("192.0.2.1:57321"),
	}, {
		name: "ipv4_mapped",
		addr: &net.TCPAddr{IP: net.ParseIP("::ffff:192.0.2.1"), Port: 57321},
		want: netip.MustParseAddrPort("192.0.2.1:57321"),
	}, {
		name: "ipv6",
		addr: &net.TCPAddr{IP: net.ParseIP("2001:db8::10"), Port: 57321},
		want: netip.MustParseAddrPort("[2001:db8::10]:57321"),
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conn := &fakenet.Conn{
				OnRemoteAddr: func() (addr net.Addr) { return tc.addr },
			}

			assert.Equal(t, tc.want, pmnet.PeerAddrPort(conn))
		})
	}
}

func TestResolver_LookupHost_literal(t *testing.T) {
	r := pmnet.NewResolver(&pmnet.ResolverConfig{
		Logger:  slogutil.NewDiscardLogger(),
		Servers: []string{"192.0.2.53"},
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	testCases := []struct {
		name string
		host string
		want netip.Addr
	}{{
		name: "ipv4",
		host: "198.51.100.7",
		want: netip.MustParseAddr("198.51.100.7"),
	}, {
		name: "ipv4_mapped",
		host: "::ffff:198.51.100.7",
		want: netip.MustParseAddr("198.51.100.7"),
	}, {
		name: "ipv6",
		host: "2001:db8::42",
		want: netip.MustParseAddr("2001:db8::42"),
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.LookupHost(ctx, tc.host)
			require.NoError(t, err)

			assert.Equal(t, tc.want, got)
		})
	}
}

func TestUnmapAddr(t *testing.T) {
	mapped := netip.MustParseAddr("::ffff:10.1.2.3")
	assert.Equal(t, netip.MustParseAddr("10.1.2.3"), pmnet.UnmapAddr(mapped))

	plain := netip.MustParseAddr("2001:db8::1")
	assert.Equal(t, plain, pmnet.UnmapAddr(plain))
}
