package pmnet

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/miekg/dns"
)

// DefaultDNSTimeout is the timeout for a single upstream exchange when the
// configuration does not set one.
const DefaultDNSTimeout = 2 * time.Second

// resolvConfPath is the system resolver configuration consulted when no
// upstream servers are configured explicitly.
const resolvConfPath = "/etc/resolv.conf"

// ErrNoAnswer is returned by lookups that got a response with no usable
// records.
const ErrNoAnswer errors.Error = "no dns answer"

// ResolverConfig is the configuration for the upstream resolver.
type ResolverConfig struct {
	// Logger is used for logging the operation of the resolver.  It must not
	// be nil.
	Logger *slog.Logger

	// Servers are the upstream DNS servers, each either a bare address or an
	// address with a port.  When empty, the system configuration is used, and
	// when that is unavailable the lookups go through the standard resolver.
	Servers []string

	// Timeout is the timeout for a single exchange with one upstream.  Zero
	// means [DefaultDNSTimeout].
	Timeout time.Duration
}

// Resolver resolves hostnames and reverse records through a fixed set of
// upstream DNS servers.
type Resolver struct {
	logger  *slog.Logger
	client  *dns.Client
	servers []string
}

// NewResolver returns a properly initialized *Resolver.  conf must not be
// nil.
func NewResolver(conf *ResolverConfig) (r *Resolver) {
	timeout := conf.Timeout
	if timeout == 0 {
		timeout = DefaultDNSTimeout
	}

	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, withDefaultPort(s, "53"))
	}

	if len(servers) == 0 {
		if cc, err := dns.ClientConfigFromFile(resolvConfPath); err == nil {
			for _, s := range cc.Servers {
				servers = append(servers, net.JoinHostPort(s, cc.Port))
			}
		}
	}

	return &Resolver{
		logger: conf.Logger,
		client: &dns.Client{
			Net:     "udp",
			Timeout: timeout,
		},
		servers: servers,
	}
}

// withDefaultPort returns addr with port appended unless addr already
// carries one.
func withDefaultPort(addr, port string) (addrPort string) {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(addr, port)
}

// LookupHost resolves host to its first usable address, preferring IPv4.  If
// host is already an IP address it is returned unmapped without any network
// activity.
func (r *Resolver) LookupHost(ctx context.Context, host string) (addr netip.Addr, err error) {
	if addr, err = netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}

	if len(r.servers) == 0 {
		return r.lookupHostSystem(ctx, host)
	}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		addr, err = r.exchangeIP(ctx, host, qtype)
		if err == nil {
			return addr, nil
		}
	}

	return netip.Addr{}, err
}

// lookupHostSystem resolves host through the standard resolver.
func (r *Resolver) lookupHostSystem(ctx context.Context, host string) (addr netip.Addr, err error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	} else if len(addrs) == 0 {
		return netip.Addr{}, ErrNoAnswer
	}

	return addrs[0].Unmap(), nil
}

// exchangeIP queries every configured upstream in order for qtype records of
// host and returns the first usable address.
func (r *Resolver) exchangeIP(ctx context.Context, host string, qtype uint16) (addr netip.Addr, err error) {
	m := (&dns.Msg{}).SetQuestion(dns.Fqdn(host), qtype)

	err = ErrNoAnswer
	for _, server := range r.servers {
		resp, _, exchErr := r.client.ExchangeContext(ctx, m, server)
		if exchErr != nil {
			r.logger.DebugContext(
				ctx,
				"resolving",
				"host", host,
				"server", server,
				slogutil.KeyError, exchErr,
			)

			err = exchErr

			continue
		}

		for _, rr := range resp.Answer {
			var ip net.IP
			switch v := rr.(type) {
			case *dns.A:
				ip = v.A
			case *dns.AAAA:
				ip = v.AAAA
			default:
				continue
			}

			if a, ok := netip.AddrFromSlice(ip); ok {
				return a.Unmap(), nil
			}
		}

		err = ErrNoAnswer
	}

	return netip.Addr{}, err
}

// LookupPTR resolves the reverse record for ip and returns the hostname
// without the trailing dot.
func (r *Resolver) LookupPTR(ctx context.Context, ip netip.Addr) (host string, err error) {
	arpa, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return "", err
	}

	if len(r.servers) == 0 {
		return r.lookupPTRSystem(ctx, ip)
	}

	m := (&dns.Msg{}).SetQuestion(arpa, dns.TypePTR)

	err = ErrNoAnswer
	for _, server := range r.servers {
		resp, _, exchErr := r.client.ExchangeContext(ctx, m, server)
		if exchErr != nil {
			err = exchErr

			continue
		}

		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, "."), nil
			}
		}

		err = ErrNoAnswer
	}

	return "", err
}

// lookupPTRSystem resolves the reverse record through the standard resolver.
func (r *Resolver) lookupPTRSystem(ctx context.Context, ip netip.Addr) (host string, err error) {
	names, err := net.DefaultResolver.LookupAddr(ctx, ip.String())
	if err != nil {
		return "", err
	} else if len(names) == 0 {
		return "", ErrNoAnswer
	}

	return strings.TrimSuffix(names[0], "."), nil
}
