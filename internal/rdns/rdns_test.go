package rdns_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/proxymon/proxymon/internal/rdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

// fakeExchanger is a programmable [rdns.Exchanger].
type fakeExchanger struct {
	onLookupHost func(ctx context.Context, host string) (addr netip.Addr, err error)
	onLookupPTR  func(ctx context.Context, ip netip.Addr) (host string, err error)
}

// type check
var _ rdns.Exchanger = (*fakeExchanger)(nil)

// LookupHost implements the [rdns.Exchanger] interface for *fakeExchanger.
func (e *fakeExchanger) LookupHost(ctx context.Context, host string) (addr netip.Addr, err error) {
	return e.onLookupHost(ctx, host)
}

// LookupPTR implements the [rdns.Exchanger] interface for *fakeExchanger.
func (e *fakeExchanger) LookupPTR(ctx context.Context, ip netip.Addr) (host string, err error) {
	return e.onLookupPTR(ctx, ip)
}

func TestCache_LookupHost(t *testing.T) {
	t.Parallel()

	addr := netip.MustParseAddr("93.184.216.34")

	hits := 0
	c := rdns.New(&rdns.Config{
		Logger: slogutil.NewDiscardLogger(),
		Exchanger: &fakeExchanger{
			onLookupHost: func(_ context.Context, host string) (a netip.Addr, err error) {
				hits++

				assert.Equal(t, "example.org", host)

				return addr, nil
			},
		},
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	got, err := c.LookupHost(ctx, "example.org")
	require.NoError(t, err)
	assert.Equal(t, addr, got)
	assert.Equal(t, 1, hits)

	// From cache, the uppercase form included.
	got, err = c.LookupHost(ctx, "EXAMPLE.org")
	require.NoError(t, err)
	assert.Equal(t, addr, got)
	assert.Equal(t, 1, hits)
}

func TestCache_LookupHost_negative(t *testing.T) {
	t.Parallel()

	const errLookup errors.Error = "no such host"

	hits := 0
	c := rdns.New(&rdns.Config{
		Logger: slogutil.NewDiscardLogger(),
		Exchanger: &fakeExchanger{
			onLookupHost: func(_ context.Context, _ string) (a netip.Addr, err error) {
				hits++

				return netip.Addr{}, errLookup
			},
		},
		NegativeTTL: time.Millisecond,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	_, err := c.LookupHost(ctx, "missing.example")
	assert.ErrorIs(t, err, errLookup)
	assert.Equal(t, 1, hits)

	// While the failure is remembered, the upstream is left alone.
	_, err = c.LookupHost(ctx, "missing.example")
	assert.ErrorIs(t, err, rdns.ErrNotResolved)
	assert.Equal(t, 1, hits)

	// After the negative entry expires, the lookup is retried.
	time.Sleep(20 * time.Millisecond)

	_, err = c.LookupHost(ctx, "missing.example")
	assert.ErrorIs(t, err, errLookup)
	assert.Equal(t, 2, hits)
}

func TestCache_LookupPTR(t *testing.T) {
	t.Parallel()

	ip := netip.MustParseAddr("192.0.2.1")

	hits := 0
	c := rdns.New(&rdns.Config{
		Logger: slogutil.NewDiscardLogger(),
		Exchanger: &fakeExchanger{
			onLookupPTR: func(_ context.Context, got netip.Addr) (host string, err error) {
				hits++

				assert.Equal(t, ip, got)

				return "host.example.org", nil
			},
		},
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	host, err := c.LookupPTR(ctx, ip)
	require.NoError(t, err)
	assert.Equal(t, "host.example.org", host)
	assert.Equal(t, 1, hits)

	host, err = c.LookupPTR(ctx, ip)
	require.NoError(t, err)
	assert.Equal(t, "host.example.org", host)
	assert.Equal(t, 1, hits)
}

func TestCache_Contents(t *testing.T) {
	t.Parallel()

	addr := netip.MustParseAddr("198.51.100.7")
	ip := netip.MustParseAddr("192.0.2.1")

	c := rdns.New(&rdns.Config{
		Logger: slogutil.NewDiscardLogger(),
		Exchanger: &fakeExchanger{
			onLookupHost: func(_ context.Context, _ string) (a netip.Addr, err error) {
				return addr, nil
			},
			onLookupPTR: func(_ context.Context, _ netip.Addr) (host string, err error) {
				return "host.example.org", nil
			},
		},
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	_, err := c.LookupHost(ctx, "example.org")
	require.NoError(t, err)

	_, err = c.LookupPTR(ctx, ip)
	require.NoError(t, err)

	cont := c.Contents()

	require.Len(t, cont.Forward, 1)
	assert.Equal(t, "example.org", cont.Forward[0].Key)
	assert.Equal(t, addr.String(), cont.Forward[0].Value)
	assert.False(t, cont.Forward[0].Expires.IsZero())

	require.Len(t, cont.Reverse, 1)
	assert.Equal(t, ip.String(), cont.Reverse[0].Key)
	assert.Equal(t, "host.example.org", cont.Reverse[0].Value)
}
