package websvc

import (
	"net/http"
	"strconv"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/NYTimes/gziphandler"
	"github.com/proxymon/proxymon/internal/pmhttp"
	"github.com/proxymon/proxymon/internal/storage"
)

// Path pattern constants.
const (
	PathPatternV1Status    = "/api/v1/status"
	PathPatternV1Requests  = "/api/v1/requests"
	PathPatternV1Domains   = "/api/v1/domains"
	PathPatternV1Analytics = "/api/v1/analytics"
	PathPatternV1Resolve   = "/api/v1/resolve"
	PathPatternV1DNSCache  = "/api/v1/dns-cache"
	PathPatternV1WS        = "/api/v1/ws"

	PathPatternV1BlocklistCheck       = "/api/v1/blocklist/check"
	PathPatternV1BlocklistDomainsBulk = "/api/v1/blocklist/domains/bulk"

	PathPatternControlReload = "/control/reload"
)

// Route pattern constants.
const (
	routePatternGetV1Status      = http.MethodGet + " " + PathPatternV1Status
	routePatternGetV1Requests    = http.MethodGet + " " + PathPatternV1Requests
	routePatternDeleteV1Requests = http.MethodDelete + " " + PathPatternV1Requests
	routePatternGetV1Domains     = http.MethodGet + " " + PathPatternV1Domains
	routePatternGetV1Analytics   = http.MethodGet + " " + PathPatternV1Analytics
	routePatternGetV1Resolve     = http.MethodGet + " " + PathPatternV1Resolve
	routePatternGetV1DNSCache    = http.MethodGet + " " + PathPatternV1DNSCache
	routePatternGetV1WS          = http.MethodGet + " " + PathPatternV1WS

	routePatternGetV1BlocklistCheck        = http.MethodGet + " " + PathPatternV1BlocklistCheck
	routePatternPostV1BlocklistDomainsBulk = http.MethodPost + " " + PathPatternV1BlocklistDomainsBulk

	routePatternPostControlReload = http.MethodPost + " " + PathPatternControlReload
)

// route registers all necessary handlers in mux.
func (svc *Service) route(mux *http.ServeMux) {
	routes := []struct {
		handler http.Handler
		pattern string
		isJSON  bool
	}{{
		handler: http.HandlerFunc(svc.handleGetStatus),
		pattern: routePatternGetV1Status,
		isJSON:  true,
	}, {
		handler: http.HandlerFunc(svc.handleGetRequests),
		pattern: routePatternGetV1Requests,
		isJSON:  true,
	}, {
		handler: http.HandlerFunc(svc.handleDeleteRequests),
		pattern: routePatternDeleteV1Requests,
		isJSON:  true,
	}, {
		handler: http.HandlerFunc(svc.handleGetDomainStats),
		pattern: routePatternGetV1Domains,
		isJSON:  true,
	}, {
		handler: http.HandlerFunc(svc.handleGetAnalytics),
		pattern: routePatternGetV1Analytics,
		isJSON:  true,
	}, {
		handler: http.HandlerFunc(svc.handleGetResolve),
		pattern: routePatternGetV1Resolve,
		isJSON:  true,
	}, {
		handler: http.HandlerFunc(svc.handleGetDNSCache),
		pattern: routePatternGetV1DNSCache,
		isJSON:  true,
	}, {
		handler: http.HandlerFunc(svc.handleGetBlocklistCheck),
		pattern: routePatternGetV1BlocklistCheck,
		isJSON:  true,
	}, {
		handler: http.HandlerFunc(svc.handlePostDomainsBulk),
		pattern: routePatternPostV1BlocklistDomainsBulk,
		isJSON:  true,
	}, {
		handler: http.HandlerFunc(svc.handlePostReload),
		pattern: routePatternPostControlReload,
		isJSON:  false,
	}}

	for _, r := range routes {
		hdlr := r.handler
		if r.isJSON {
			hdlr = gziphandler.GzipHandler(hdlr)
		}

		mux.Handle(r.pattern, svc.logMw.Wrap(hdlr))
	}

	// The websocket route is mounted raw, since the logging and gzip
	// wrappers hide http.Hijacker from the upgrader.
	mux.Handle(routePatternGetV1WS, svc.hub)

	registerEntityRoutes(svc, mux, "domains", domainOps(svc.store))
	registerEntityRoutes(svc, mux, "ips", ipOps(svc.store))
	registerEntityRoutes(svc, mux, "ports", portOps(svc.store))
	registerEntityRoutes(svc, mux, "rules", ruleOps(svc.store))
}

// pathID parses the {id} component of the request path.
func pathID(r *http.Request) (id uint64, err error) {
	return strconv.ParseUint(r.PathValue("id"), 10, 64)
}

// writeStoreError reports a store operation failure with the HTTP status
// matching the error.
func (svc *Service) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicate):
		code = http.StatusConflict
	}

	pmhttp.Error(svc.logger, r, w, code, "%s", err)
}
