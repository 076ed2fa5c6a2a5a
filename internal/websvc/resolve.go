package websvc

import (
	"net/http"
	"net/netip"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/proxymon/proxymon/internal/pmhttp"
)

// resolveResponse is the response of GET /api/v1/resolve.
type resolveResponse struct {
	IP       netip.Addr `json:"ip"`
	Hostname string     `json:"hostname"`
}

// handleGetResolve handles GET /api/v1/resolve.  Lookup failures are
// reported as an empty hostname, not an error: unresolvable addresses are
// routine.
func (svc *Service) handleGetResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ip, err := netip.ParseAddr(r.URL.Query().Get("ip"))
	if err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "ip: %s", err)

		return
	}

	host, err := svc.dnsCache.LookupPTR(ctx, ip)
	if err != nil {
		svc.logger.DebugContext(ctx, "resolving ptr", "ip", ip, slogutil.KeyError, err)
	}

	pmhttp.WriteJSONResponseOK(svc.logger, w, r, &resolveResponse{
		IP:       ip,
		Hostname: host,
	})
}

// handleGetDNSCache handles GET /api/v1/dns-cache.
func (svc *Service) handleGetDNSCache(w http.ResponseWriter, r *http.Request) {
	pmhttp.WriteJSONResponseOK(svc.logger, w, r, svc.dnsCache.Contents())
}
