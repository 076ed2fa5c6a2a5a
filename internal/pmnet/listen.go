package pmnet

import (
	"context"
	"fmt"
	"net"

	"github.com/AdguardTeam/golibs/netutil"
)

// Listen opens the data-plane listener on port.  It prefers a single
// dual-stack socket, an IPv6 socket with IPV6_V6ONLY unset, so that IPv4 and
// IPv6 clients share one accept loop, and falls back to a plain IPv4 socket
// on hosts without IPv6 support.  SO_REUSEADDR is set in both cases to allow
// fast restarts.
func Listen(ctx context.Context, port uint16) (ln net.Listener, err error) {
	lc := &net.ListenConfig{
		Control: controlDualStack,
	}

	ln, err = lc.Listen(ctx, "tcp6", netutil.JoinHostPort("::", port))
	if err == nil {
		return ln, nil
	}

	lc = &net.ListenConfig{
		Control: controlReuseAddr,
	}

	ln, lnErr := lc.Listen(ctx, "tcp4", netutil.JoinHostPort("0.0.0.0", port))
	if lnErr != nil {
		return nil, fmt.Errorf("listening on port %d: ipv6: %w; ipv4: %w", port, err, lnErr)
	}

	return ln, nil
}
