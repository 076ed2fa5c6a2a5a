package websvc

import (
	"net/http"
	"time"

	"github.com/proxymon/proxymon/internal/pmhttp"
	"github.com/proxymon/proxymon/internal/rules"
	"github.com/proxymon/proxymon/internal/storage"
	"github.com/proxymon/proxymon/internal/version"
)

// statusResponse is the response of GET /api/v1/status.
type statusResponse struct {
	Version     string              `json:"version"`
	ProxyAddr   string              `json:"proxy_addr"`
	APIAddr     string              `json:"api_addr"`
	Uptime      pmhttp.JSONDuration `json:"uptime"`
	Policy      rules.Counts        `json:"policy"`
	Totals      *storage.Overview   `json:"totals"`
	QueueLength int                 `json:"queue_length"`
}

// handleGetStatus handles GET /api/v1/status.
func (svc *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	o, err := svc.store.Overview(ctx)
	if err != nil {
		svc.writeStoreError(w, r, err)

		return
	}

	pmhttp.WriteJSONResponseOK(svc.logger, w, r, &statusResponse{
		Version:     version.Version(),
		ProxyAddr:   svc.proxyAddr,
		APIAddr:     svc.listener.Addr().String(),
		Uptime:      pmhttp.JSONDuration(time.Since(svc.start)),
		Policy:      svc.engine.Counts(),
		Totals:      o,
		QueueLength: svc.queue.Len(),
	})
}

// handlePostReload handles POST /control/reload.
func (svc *Service) handlePostReload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	err := svc.reloader.Reload(ctx)
	if err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusInternalServerError, "reloading policy: %s", err)

		return
	}

	pmhttp.OK(ctx, svc.logger, w)
}
