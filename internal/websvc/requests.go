package websvc

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/proxymon/proxymon/internal/pmhttp"
	"github.com/proxymon/proxymon/internal/storage"
	"github.com/proxymon/proxymon/internal/telemetry"
)

// Analytics period query values.
const (
	period24h = "24h"
	period7d  = "7d"
)

// handleGetRequests handles GET /api/v1/requests.
func (svc *Service) handleGetRequests(w http.ResponseWriter, r *http.Request) {
	q, err := requestQuery(r)
	if err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "%s", err)

		return
	}

	recs, err := svc.store.Requests(r.Context(), q)
	if err != nil {
		svc.writeStoreError(w, r, err)

		return
	}

	views := make([]*telemetry.ListView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, rec.ListView())
	}

	pmhttp.WriteJSONResponseOK(svc.logger, w, r, views)
}

// requestQuery builds the record filter from the query parameters of r.
func requestQuery(r *http.Request) (q *storage.RequestQuery, err error) {
	vals := r.URL.Query()

	q = &storage.RequestQuery{
		Hostname: vals.Get("hostname"),
		Method:   strings.ToUpper(vals.Get("method")),
		Status:   vals.Get("status"),
		SourceIP: vals.Get("source_ip"),
	}

	if s := vals.Get("blocked"); s != "" {
		blocked := strings.EqualFold(s, "true")
		q.Blocked = &blocked
	}

	if s := vals.Get("limit"); s != "" {
		q.Limit, err = strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("limit: %w", err)
		} else if q.Limit < 0 {
			return nil, fmt.Errorf("limit: negative value %d", q.Limit)
		}
	}

	return q, nil
}

// clearResponse is the response of DELETE /api/v1/requests.
type clearResponse struct {
	Status  string `json:"status"`
	Cleared int64  `json:"cleared"`
}

// handleDeleteRequests handles DELETE /api/v1/requests.  It removes the
// connection records along with the domain aggregates built from them.
func (svc *Service) handleDeleteRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	n, err := svc.store.ClearRequests(ctx)
	if err != nil {
		svc.writeStoreError(w, r, err)

		return
	}

	if err = svc.store.ClearDomainStats(ctx); err != nil {
		svc.writeStoreError(w, r, err)

		return
	}

	pmhttp.WriteJSONResponseOK(svc.logger, w, r, &clearResponse{
		Status:  statusOK,
		Cleared: n,
	})
}

// handleGetDomainStats handles GET /api/v1/domains.
func (svc *Service) handleGetDomainStats(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		var err error
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "bad limit %q", s)

			return
		}
	}

	sts, err := svc.store.DomainStats(r.Context(), limit)
	if err != nil {
		svc.writeStoreError(w, r, err)

		return
	}

	if sts == nil {
		sts = []*storage.DomainStat{}
	}

	pmhttp.WriteJSONResponseOK(svc.logger, w, r, sts)
}

// analyticsResponse is the response of GET /api/v1/analytics.
type analyticsResponse struct {
	*storage.Analytics

	Summary *storage.Summary `json:"summary"`
	Period  string           `json:"period"`
}

// handleGetAnalytics handles GET /api/v1/analytics.  An unknown period falls
// back to the default 24-hour window.
func (svc *Service) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	period, window := period24h, 24*time.Hour
	if r.URL.Query().Get("period") == period7d {
		period, window = period7d, 7*24*time.Hour
	}

	since := time.Now().Add(-window)

	a, err := svc.store.Analytics(ctx, since)
	if err != nil {
		svc.writeStoreError(w, r, err)

		return
	}

	sum, err := svc.store.Summary(ctx, since)
	if err != nil {
		svc.writeStoreError(w, r, err)

		return
	}

	pmhttp.WriteJSONResponseOK(svc.logger, w, r, &analyticsResponse{
		Analytics: a,
		Summary:   sum,
		Period:    period,
	})
}
