package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/proxymon/proxymon/internal/pmnet"
	"github.com/proxymon/proxymon/internal/rules"
	"github.com/proxymon/proxymon/internal/telemetry"
)

// Sizes and timeouts of the data plane.
const (
	// bufferSize is the per-direction relay buffer, sized for high-bitrate
	// streams.
	bufferSize = 128 * 1024

	// firstReadTimeout bounds the wait for the first request bytes.
	firstReadTimeout = 30 * time.Second

	// dialTimeout bounds the upstream connect.
	dialTimeout = 15 * time.Second
)

// Fixed wire responses.  The tunnel acknowledgement is written verbatim;
// clients match on it byte for byte.
const (
	respEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	respBadGateway  = "HTTP/1.1 502 Bad Gateway\r\n\r\n"
)

// episode is the state of one accepted client connection.
type episode struct {
	proxy  *Proxy
	client net.Conn
	start  time.Time
	src    netip.AddrPort
	buf    []byte
}

// run drives the connection through its states.  It always closes the client
// socket on the way out; an unparseable or empty first read terminates the
// connection without a response or a record.
func (e *episode) run(ctx context.Context) {
	defer closeQuietly(e.client)

	err := e.client.SetReadDeadline(time.Now().Add(firstReadTimeout))
	if err != nil {
		return
	}

	n, err := e.client.Read(e.buf)
	if err != nil || n == 0 {
		return
	}

	if err = e.client.SetReadDeadline(time.Time{}); err != nil {
		return
	}

	data := e.buf[:n]
	method, target, ok := parseFirstLine(data)
	if !ok {
		return
	}

	if method == http.MethodConnect {
		e.tunnel(ctx, target)
	} else {
		e.forward(ctx, data, method, target)
	}
}

// gate resolves the destination and evaluates the policy.  Resolution
// failure is not fatal: the verdict is computed with the unspecified
// destination address, and the upstream dial still goes by name.
func (e *episode) gate(ctx context.Context, host string, dstPort uint16) (dst netip.Addr, v rules.Verdict) {
	dst = pmnet.ZeroAddr
	addr, err := e.proxy.resolver.LookupHost(ctx, host)
	if err != nil {
		e.proxy.logger.DebugContext(ctx, "resolving", "host", host, slogutil.KeyError, err)
	} else {
		dst = addr
	}

	v = e.proxy.engine.Evaluate(ctx, &rules.Request{
		Host:    host,
		SrcIP:   e.src.Addr(),
		DstIP:   dst,
		SrcPort: e.src.Port(),
		DstPort: dstPort,
	})

	return dst, v
}

// newRecord assembles the telemetry record of this episode from the verdict.
// The status code of unblocked records is filled in later.
func (e *episode) newRecord(
	method string,
	host string,
	scheme string,
	dst netip.Addr,
	dstPort uint16,
	v *rules.Verdict,
) (rec *telemetry.Record) {
	rec = &telemetry.Record{
		Time:        e.start,
		Method:      method,
		Hostname:    host,
		URL:         scheme + "://" + host,
		MatchedRule: v.LogRuleName,
		SourceIP:    e.src.Addr(),
		DestIP:      dst,
		LogRuleID:   v.LogRuleID,
		RuleID:      v.RuleID,
		SourcePort:  e.src.Port(),
		DestPort:    dstPort,
		Broadcast:   true,
	}

	if v.Blocked {
		rec.Blocked = true
		rec.BlockReason = v.Reason
		rec.MatchKind = v.Kind
		rec.EntityID = v.EntityID
		rec.StatusCode = http.StatusForbidden
	}

	return rec
}

// submit finalizes rec with the elapsed time and hands it to the sink.
func (e *episode) submit(ctx context.Context, rec *telemetry.Record) {
	elapsed := time.Since(e.start)
	rec.ResponseTime = elapsed.Milliseconds()

	e.proxy.metrics.ObserveEpisode(ctx, rec.Method, rec.Blocked, elapsed)
	e.proxy.sink.Submit(ctx, rec)
}

// forward relays one plain-HTTP exchange: rewrite the request so the
// upstream closes after the response, send it, and stream the response back
// until EOF, summing the relayed bytes.
func (e *episode) forward(ctx context.Context, data []byte, method, target string) {
	host, dstPort := splitHTTPTarget(target)
	host = rules.NormalizeHost(host)

	dst, v := e.gate(ctx, host, dstPort)
	rec := e.newRecord(method, host, "http", dst, dstPort, &v)

	if v.Blocked {
		e.writeClient(ctx, blockedPage(host, v.Reason))
		e.submit(ctx, rec)

		return
	}

	data = rewriteConnection(data)

	server, err := dialUpstream(ctx, host, dstPort)
	if err != nil {
		e.proxy.logger.DebugContext(ctx, "upstream connect", "host", host, slogutil.KeyError, err)

		e.writeClient(ctx, []byte(respBadGateway))
		rec.StatusCode = http.StatusBadGateway
		e.submit(ctx, rec)

		return
	}
	defer closeQuietly(server)

	// The effective destination is the dialed peer.
	peer := pmnet.PeerAddrPort(server)
	rec.DestIP, rec.DestPort = peer.Addr(), peer.Port()

	if _, err = server.Write(data); err != nil {
		e.writeClient(ctx, []byte(respBadGateway))
		rec.StatusCode = http.StatusBadGateway
		e.submit(ctx, rec)

		return
	}

	var total int64
	for {
		var n int
		n, err = server.Read(e.buf)
		if n > 0 {
			total += int64(n)
			if _, werr := e.client.Write(e.buf[:n]); werr != nil {
				break
			}
		}

		if err != nil {
			break
		}
	}

	if total == 0 && !errors.Is(err, io.EOF) {
		e.writeClient(ctx, []byte(respBadGateway))
		rec.StatusCode = http.StatusBadGateway
	} else {
		rec.StatusCode = http.StatusOK
	}

	rec.ContentLength = total
	e.proxy.metrics.AddRelayedBytes(ctx, total)
	e.submit(ctx, rec)
}

// tunnel relays a CONNECT exchange: establish upstream, acknowledge with the
// fixed 200 line, then copy both directions until either side closes.  The
// record is submitted at establishment, so its response time measures the
// setup and its content length stays zero.
func (e *episode) tunnel(ctx context.Context, target string) {
	host, dstPort := splitConnectTarget(target)
	host = rules.NormalizeHost(host)

	dst, v := e.gate(ctx, host, dstPort)
	rec := e.newRecord(http.MethodConnect, host, "https", dst, dstPort, &v)

	if v.Blocked {
		e.writeClient(ctx, blockedPage(host, v.Reason))
		e.submit(ctx, rec)

		return
	}

	server, err := dialUpstream(ctx, host, dstPort)
	if err != nil {
		e.proxy.logger.DebugContext(ctx, "upstream connect", "host", host, slogutil.KeyError, err)

		e.writeClient(ctx, []byte(respBadGateway))
		rec.StatusCode = http.StatusBadGateway
		e.submit(ctx, rec)

		return
	}
	defer closeQuietly(server)

	peer := pmnet.PeerAddrPort(server)
	rec.DestIP, rec.DestPort = peer.Addr(), peer.Port()

	if !e.writeClient(ctx, []byte(respEstablished)) {
		return
	}

	rec.StatusCode = http.StatusOK
	e.submit(ctx, rec)

	_ = e.client.SetDeadline(time.Time{})
	_ = server.SetDeadline(time.Time{})

	// The first copier to observe EOF or an error closes both sockets so
	// that its sibling terminates too.
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			closeQuietly(e.client)
			closeQuietly(server)
		})
	}

	relayed := &atomic.Int64{}

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()

		relay(server, e.client, e.buf, closeBoth, nil)
	}()
	go func() {
		defer wg.Done()

		relay(e.client, server, make([]byte, bufferSize), closeBoth, relayed)
	}()

	wg.Wait()
	e.proxy.metrics.AddRelayedBytes(ctx, relayed.Load())
}

// relay copies src to dst until EOF or an error, then triggers the shared
// shutdown.  counted, when not nil, accumulates the copied bytes.
func relay(dst, src net.Conn, buf []byte, done func(), counted *atomic.Int64) {
	defer done()

	for {
		n, err := src.Read(buf)
		if n > 0 {
			if counted != nil {
				counted.Add(int64(n))
			}

			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}

		if err != nil {
			return
		}
	}
}

// writeClient writes resp to the client and reports success.  A failed write
// only terminates the connection.
func (e *episode) writeClient(ctx context.Context, resp []byte) (ok bool) {
	_, err := e.client.Write(resp)
	if err != nil {
		e.proxy.logger.DebugContext(ctx, "writing to client", slogutil.KeyError, err)

		return false
	}

	return true
}

// dialUpstream connects to the destination by name, so that hosts whose
// lookup failed during the policy gate still get the dialer's own attempt.
func dialUpstream(ctx context.Context, host string, port uint16) (conn net.Conn, err error) {
	d := &net.Dialer{Timeout: dialTimeout}

	return d.DialContext(ctx, "tcp", netutil.JoinHostPort(host, port))
}

// closeQuietly closes c ignoring the error.  The data plane closes sockets
// that the peer or a sibling copier may have closed already.
func closeQuietly(c io.Closer) {
	_ = c.Close()
}

// parseFirstLine extracts the method and the request target from the first
// line of a raw request.
func parseFirstLine(data []byte) (method, target string, ok bool) {
	line := data
	if i := bytes.IndexByte(line, '\n'); i != -1 {
		line = line[:i]
	}

	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return "", "", false
	}

	return fields[0], fields[1], true
}

// splitConnectTarget splits the host:port target of a CONNECT request,
// defaulting the port to 443.
func splitConnectTarget(target string) (host string, port uint16) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, 443
	}

	p64, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || p64 == 0 {
		return host, 443
	}

	return host, uint16(p64)
}

// splitHTTPTarget splits the authority of a plain request target, defaulting
// the port to 80.
func splitHTTPTarget(target string) (host string, port uint16) {
	target = strings.TrimPrefix(target, "http://")
	if i := strings.IndexByte(target, '/'); i != -1 {
		target = target[:i]
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, 80
	}

	p64, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || p64 == 0 {
		return host, 80
	}

	return host, uint16(p64)
}

// Header fragments of the keep-alive rewrite.
var (
	connKeepAlive = []byte("Connection: keep-alive")
	connClose     = []byte("Connection: close")
	headerEnd     = []byte("\r\n\r\n")
)

// rewriteConnection forces the upstream exchange onto a one-shot connection:
// keep-alive requests are rewritten to close, and requests without a
// Connection header get one injected before the end of the header block.
// The response length can then be measured by reading to EOF.
func rewriteConnection(data []byte) (out []byte) {
	if bytes.Contains(data, connKeepAlive) {
		return bytes.ReplaceAll(data, connKeepAlive, connClose)
	}

	if bytes.Contains(data, connClose) {
		return data
	}

	i := bytes.Index(data, headerEnd)
	if i == -1 {
		return data
	}

	out = make([]byte, 0, len(data)+len(connClose)+2)
	out = append(out, data[:i]...)
	out = append(out, '\r', '\n')
	out = append(out, connClose...)
	out = append(out, data[i:]...)

	return out
}
