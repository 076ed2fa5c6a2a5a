package proxy_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/proxymon/proxymon/internal/proxy"
	"github.com/proxymon/proxymon/internal/rules"
	"github.com/proxymon/proxymon/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 5 * time.Second

// respEstablished is the expected tunnel acknowledgement.
const respEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// chanSink collects submitted records.
type chanSink struct {
	recs chan *telemetry.Record
}

// Submit implements the [proxy.Sink] interface for *chanSink.
func (s *chanSink) Submit(_ context.Context, rec *telemetry.Record) {
	s.recs <- rec
}

// testResolver resolves IP literals locally and returns a fixed address for
// anything else.
type testResolver struct{}

// LookupHost implements the [proxy.Resolver] interface for testResolver.
func (testResolver) LookupHost(_ context.Context, host string) (addr netip.Addr, err error) {
	if addr, err = netip.ParseAddr(host); err == nil {
		return addr, nil
	}

	return netip.MustParseAddr("192.0.2.55"), nil
}

// newTestProxy starts a proxy on an ephemeral port with the policy built from
// sc and returns its dialable address and the record channel.
func newTestProxy(t *testing.T, sc *rules.SnapshotConfig) (addr string, recs chan *telemetry.Record) {
	t.Helper()

	l := slogutil.NewDiscardLogger()
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	eng := rules.NewEngine(ctx, &rules.EngineConfig{
		Logger:  l,
		Metrics: rules.EmptyMetrics{},
	})
	if sc != nil {
		sc.Logger = l
		sc.Metrics = rules.EmptyMetrics{}
		eng.SetSnapshot(rules.NewSnapshot(ctx, sc))
	}

	recs = make(chan *telemetry.Record, 16)

	p := proxy.New(&proxy.Config{
		Logger:   l,
		Engine:   eng,
		Resolver: testResolver{},
		Sink:     &chanSink{recs: recs},
		Metrics:  proxy.EmptyMetrics{},
	})

	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() {
		_ = p.Shutdown(testutil.ContextWithTimeout(t, testTimeout))
	})

	tcpAddr := testutil.RequireTypeAssert[*net.TCPAddr](t, p.LocalAddr())

	return netutil.JoinHostPort("127.0.0.1", uint16(tcpAddr.Port)), recs
}

// dialProxy connects to the started proxy.
func dialProxy(t *testing.T, addr string) (conn net.Conn) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, testTimeout)
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

// startUpstream serves a single connection with srv on an ephemeral loopback
// port and returns host and port.
func startUpstream(t *testing.T, srv func(conn net.Conn)) (host string, port uint16) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, aerr := ln.Accept()
		if aerr != nil {
			return
		}

		defer func() { _ = conn.Close() }()

		srv(conn)
	}()

	tcpAddr := testutil.RequireTypeAssert[*net.TCPAddr](t, ln.Addr())

	return "127.0.0.1", uint16(tcpAddr.Port)
}

// readRequestHead reads from conn until the end of the header block.
func readRequestHead(conn net.Conn) (req []byte) {
	buf := make([]byte, 4096)
	for !bytes.Contains(req, []byte("\r\n\r\n")) {
		n, err := conn.Read(buf)
		if n > 0 {
			req = append(req, buf[:n]...)
		}

		if err != nil {
			return req
		}
	}

	return req
}

func TestProxy_forwardHTTP(t *testing.T) {
	t.Parallel()

	const upstreamResp = "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"

	gotReq := make(chan string, 1)
	host, port := startUpstream(t, func(conn net.Conn) {
		gotReq <- string(readRequestHead(conn))

		_, _ = conn.Write([]byte(upstreamResp))
	})

	addr, recs := newTestProxy(t, nil)
	conn := dialProxy(t, addr)

	target := "http://" + netutil.JoinHostPort(host, port) + "/index.html"
	_, err := conn.Write([]byte(
		"GET " + target + " HTTP/1.1\r\nHost: " + host + "\r\nConnection: keep-alive\r\n\r\n",
	))
	require.NoError(t, err)

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, upstreamResp, string(got))

	req, _ := testutil.RequireReceive(t, gotReq, testTimeout)
	assert.Contains(t, req, "Connection: close")
	assert.NotContains(t, req, "keep-alive")

	rec, _ := testutil.RequireReceive(t, recs, testTimeout)
	assert.Equal(t, "GET", rec.Method)
	assert.Equal(t, host, rec.Hostname)
	assert.Equal(t, "http://"+host, rec.URL)
	assert.Equal(t, 200, rec.StatusCode)
	assert.False(t, rec.Blocked)
	assert.Equal(t, int64(len(upstreamResp)), rec.ContentLength)
	assert.Equal(t, port, rec.DestPort)
	assert.Equal(t, netip.MustParseAddr(host), rec.DestIP)
	assert.True(t, rec.Broadcast)
}

func TestProxy_forwardHTTP_blocked(t *testing.T) {
	t.Parallel()

	addr, recs := newTestProxy(t, &rules.SnapshotConfig{
		Domains: []*rules.BlockedDomain{{
			ID:       1,
			Pattern:  "ads.example.net",
			IsActive: true,
		}},
	})
	conn := dialProxy(t, addr)

	_, err := conn.Write([]byte("GET http://ads.example.net/banner.js HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	got, err := io.ReadAll(conn)
	require.NoError(t, err)

	resp := string(got)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 403 Forbidden\r\n"))
	assert.Contains(t, resp, "Content-Type: text/html; charset=utf-8")
	assert.Contains(t, resp, "ads.example.net")
	assert.Contains(t, resp, "Domain blocked: ads.example.net")

	rec, _ := testutil.RequireReceive(t, recs, testTimeout)
	assert.True(t, rec.Blocked)
	assert.Equal(t, 403, rec.StatusCode)
	assert.Equal(t, "Domain blocked: ads.example.net", rec.BlockReason)
	assert.Equal(t, rules.MatchDomain, rec.MatchKind)
	assert.Equal(t, uint64(1), rec.EntityID)
	assert.Zero(t, rec.ContentLength)
}

func TestProxy_tunnel(t *testing.T) {
	t.Parallel()

	host, port := startUpstream(t, func(conn net.Conn) {
		// Echo until the client side closes.
		_, _ = io.Copy(conn, conn)
	})

	addr, recs := newTestProxy(t, nil)
	conn := dialProxy(t, addr)

	target := netutil.JoinHostPort(host, port)
	_, err := conn.Write([]byte("CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n"))
	require.NoError(t, err)

	ack := make([]byte, len(respEstablished))
	_, err = io.ReadFull(conn, ack)
	require.NoError(t, err)
	assert.Equal(t, respEstablished, string(ack))

	rec, _ := testutil.RequireReceive(t, recs, testTimeout)
	assert.Equal(t, "CONNECT", rec.Method)
	assert.Equal(t, host, rec.Hostname)
	assert.Equal(t, "https://"+host, rec.URL)
	assert.Equal(t, 200, rec.StatusCode)
	assert.False(t, rec.Blocked)
	assert.Zero(t, rec.ContentLength)
	assert.Equal(t, port, rec.DestPort)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	echo := make([]byte, 4)
	_, err = io.ReadFull(conn, echo)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(echo))
}

func TestProxy_tunnel_blocked(t *testing.T) {
	t.Parallel()

	addr, recs := newTestProxy(t, &rules.SnapshotConfig{
		Ports: []*rules.BlockedPort{{
			ID:        2,
			Port:      8443,
			Direction: rules.DirectionDestination,
			IsActive:  true,
		}},
	})
	conn := dialProxy(t, addr)

	_, err := conn.Write([]byte("CONNECT blocked.example:8443 HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	got, err := io.ReadAll(conn)
	require.NoError(t, err)

	resp := string(got)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 403 Forbidden\r\n"))
	assert.Contains(t, resp, "Content-Type: text/html; charset=utf-8")
	assert.Contains(t, resp, "Blocked: blocked.example")
	assert.Contains(t, resp, "Destination port blocked: 8443")

	rec, _ := testutil.RequireReceive(t, recs, testTimeout)
	assert.True(t, rec.Blocked)
	assert.Equal(t, "Destination port blocked: 8443", rec.BlockReason)
	assert.Equal(t, rules.MatchDestPort, rec.MatchKind)
	assert.Equal(t, uint64(2), rec.EntityID)
	assert.Zero(t, rec.ContentLength)
}

func TestProxy_upstreamFailure(t *testing.T) {
	t.Parallel()

	// Grab a loopback port and close it again so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tcpAddr := testutil.RequireTypeAssert[*net.TCPAddr](t, ln.Addr())
	require.NoError(t, ln.Close())

	addr, recs := newTestProxy(t, nil)
	conn := dialProxy(t, addr)

	target := "http://" + netutil.JoinHostPort("127.0.0.1", uint16(tcpAddr.Port)) + "/"
	_, err = conn.Write([]byte("GET " + target + " HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 502 Bad Gateway\r\n\r\n", string(got))

	rec, _ := testutil.RequireReceive(t, recs, testTimeout)
	assert.False(t, rec.Blocked)
	assert.Equal(t, 502, rec.StatusCode)
}

func TestProxy_malformed(t *testing.T) {
	t.Parallel()

	addr, recs := newTestProxy(t, nil)
	conn := dialProxy(t, addr)

	_, err := conn.Write([]byte("BADREQUEST\r\n\r\n"))
	require.NoError(t, err)

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, got)

	select {
	case rec := <-recs:
		t.Fatalf("unexpected record for %q", rec.Hostname)
	case <-time.After(100 * time.Millisecond):
		// No record, as expected.
	}
}

func TestProxy_logRule(t *testing.T) {
	t.Parallel()

	const upstreamResp = "HTTP/1.1 204 No Content\r\n\r\n"

	host, port := startUpstream(t, func(conn net.Conn) {
		_ = readRequestHead(conn)
		_, _ = conn.Write([]byte(upstreamResp))
	})

	addr, recs := newTestProxy(t, &rules.SnapshotConfig{
		Rules: []*rules.BlockRule{{
			ID:       7,
			Name:     "watch loopback",
			Action:   rules.ActionLog,
			DestIP:   "127.0.0.0/8",
			IsActive: true,
		}},
	})
	conn := dialProxy(t, addr)

	target := "http://" + netutil.JoinHostPort(host, port) + "/"
	_, err := conn.Write([]byte("GET " + target + " HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, upstreamResp, string(got))

	rec, _ := testutil.RequireReceive(t, recs, testTimeout)
	assert.False(t, rec.Blocked)
	assert.Equal(t, 200, rec.StatusCode)
	assert.Equal(t, "watch loopback", rec.MatchedRule)
	assert.Equal(t, uint64(7), rec.LogRuleID)
}
