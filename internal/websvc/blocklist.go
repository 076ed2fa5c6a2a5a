package websvc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/NYTimes/gziphandler"
	"github.com/proxymon/proxymon/internal/pmhttp"
	"github.com/proxymon/proxymon/internal/rules"
	"github.com/proxymon/proxymon/internal/storage"
)

// statusOK is the acknowledgment value of the status field of mutation
// responses.
const statusOK = "ok"

// okResponse is the minimal acknowledgment response.
type okResponse struct {
	Status string `json:"status"`
}

// toggleResponse is the response of the toggle routes.
type toggleResponse struct {
	Status   string `json:"status"`
	IsActive bool   `json:"is_active"`
}

// entityPtr is the constraint on the policy entity pointers served by the
// blocklist routes.
type entityPtr[T any] interface {
	*T

	Validate() (err error)
}

// entityOps binds the store operations of one policy entity kind, so that a
// single set of handlers can serve all four.
type entityOps[T any, P entityPtr[T]] struct {
	list      func(ctx context.Context) (ents []P, err error)
	create    func(ctx context.Context, ent P) (err error)
	get       func(ctx context.Context, id uint64) (ent P, err error)
	update    func(ctx context.Context, ent P) (err error)
	remove    func(ctx context.Context, id uint64) (err error)
	toggle    func(ctx context.Context, id uint64) (active bool, err error)
	resetHits func(ctx context.Context, id uint64) (err error)
	setID     func(ent P, id uint64)
}

// domainOps returns the store bindings of the domain blocklist.
func domainOps(s *storage.Store) (ops *entityOps[rules.BlockedDomain, *rules.BlockedDomain]) {
	return &entityOps[rules.BlockedDomain, *rules.BlockedDomain]{
		list:      s.Domains,
		create:    s.CreateDomain,
		get:       s.Domain,
		update:    s.UpdateDomain,
		remove:    s.DeleteDomain,
		toggle:    s.ToggleDomain,
		resetHits: s.ResetDomainHits,
		setID:     func(d *rules.BlockedDomain, id uint64) { d.ID = id },
	}
}

// ipOps returns the store bindings of the IP blocklist.
func ipOps(s *storage.Store) (ops *entityOps[rules.BlockedIP, *rules.BlockedIP]) {
	return &entityOps[rules.BlockedIP, *rules.BlockedIP]{
		list:      s.IPs,
		create:    s.CreateIP,
		get:       s.IP,
		update:    s.UpdateIP,
		remove:    s.DeleteIP,
		toggle:    s.ToggleIP,
		resetHits: s.ResetIPHits,
		setID:     func(ip *rules.BlockedIP, id uint64) { ip.ID = id },
	}
}

// portOps returns the store bindings of the port blocklist.
func portOps(s *storage.Store) (ops *entityOps[rules.BlockedPort, *rules.BlockedPort]) {
	return &entityOps[rules.BlockedPort, *rules.BlockedPort]{
		list:      s.Ports,
		create:    s.CreatePort,
		get:       s.Port,
		update:    s.UpdatePort,
		remove:    s.DeletePort,
		toggle:    s.TogglePort,
		resetHits: s.ResetPortHits,
		setID:     func(p *rules.BlockedPort, id uint64) { p.ID = id },
	}
}

// ruleOps returns the store bindings of the composite rules.
func ruleOps(s *storage.Store) (ops *entityOps[rules.BlockRule, *rules.BlockRule]) {
	return &entityOps[rules.BlockRule, *rules.BlockRule]{
		list:      s.Rules,
		create:    s.CreateRule,
		get:       s.Rule,
		update:    s.UpdateRule,
		remove:    s.DeleteRule,
		toggle:    s.ToggleRule,
		resetHits: s.ResetRuleHits,
		setID:     func(ru *rules.BlockRule, id uint64) { ru.ID = id },
	}
}

// registerEntityRoutes mounts the handlers of one policy entity kind under
// /api/v1/blocklist/<kind>.
func registerEntityRoutes[T any, P entityPtr[T]](
	svc *Service,
	mux *http.ServeMux,
	kind string,
	ops *entityOps[T, P],
) {
	base := "/api/v1/blocklist/" + kind
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, svc.logMw.Wrap(gziphandler.GzipHandler(h)))
	}

	handle(http.MethodGet+" "+base, func(w http.ResponseWriter, r *http.Request) {
		serveEntityList(svc, ops, w, r)
	})
	handle(http.MethodPost+" "+base, func(w http.ResponseWriter, r *http.Request) {
		serveEntityCreate(svc, ops, w, r)
	})
	handle(http.MethodGet+" "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		serveEntityGet(svc, ops, w, r)
	})
	handle(http.MethodPut+" "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		serveEntityUpdate(svc, ops, w, r)
	})
	handle(http.MethodDelete+" "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		serveEntityDelete(svc, ops, w, r)
	})
	handle(http.MethodPost+" "+base+"/{id}/toggle", func(w http.ResponseWriter, r *http.Request) {
		serveEntityToggle(svc, ops, w, r)
	})
	handle(http.MethodPost+" "+base+"/{id}/reset_hits", func(w http.ResponseWriter, r *http.Request) {
		serveEntityResetHits(svc, ops, w, r)
	})
}

// serveEntityList handles GET /api/v1/blocklist/{kind}.
func serveEntityList[T any, P entityPtr[T]](
	svc *Service,
	ops *entityOps[T, P],
	w http.ResponseWriter,
	r *http.Request,
) {
	ents, err := ops.list(r.Context())
	if err != nil {
		svc.writeStoreError(w, r, err)

		return
	}

	if ents == nil {
		ents = []P{}
	}

	pmhttp.WriteJSONResponseOK(svc.logger, w, r, ents)
}

// serveEntityCreate handles POST /api/v1/blocklist/{kind}.
func serveEntityCreate[T any, P entityPtr[T]](
	svc *Service,
	ops *entityOps[T, P],
	w http.ResponseWriter,
	r *http.Request,
) {
	ctx := r.Context()

	ent := P(new(T))
	err := json.NewDecoder(r.Body).Decode(ent)
	if err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "decoding entry: %s", err)

		return
	}

	if err = ent.Validate(); err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "%s", err)

		return
	}

	if err = ops.create(ctx, ent); err != nil {
		svc.writeStoreError(w, r, err)

		return
	}

	svc.reloadPolicy(ctx)

	pmhttp.WriteJSONResponse(svc.logger, w, r, http.StatusCreated, ent)
}

// serveEntityGet handles GET /api/v1/blocklist/{kind}/{id}.
func serveEntityGet[T any, P entityPtr[T]](
	svc *Service,
	ops *entityOps[T, P],
	w http.ResponseWriter,
	r *http.Request,
) {
	id, err := pathID(r)
	if err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "bad id: %s", err)

		return
	}

	ent, err := ops.get(r.Context(), id)
	if err != nil {
		svc.writeStoreError(w, r, err)

		return
	}

	pmhttp.WriteJSONResponseOK(svc.logger, w, r, ent)
}

// serveEntityUpdate handles PUT /api/v1/blocklist/{kind}/{id}.  The ID of
// the path wins over any ID of the body.
func serveEntityUpdate[T any, P entityPtr[T]](
	svc *Service,
	ops *entityOps[T, P],
	w http.ResponseWriter,
	r *http.Request,
) {
	ctx := r.Context()

	id, err := pathID(r)
	if err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "bad id: %s", err)

		return
	}

	ent := P(new(T))
	if err = json.NewDecoder(r.Body).Decode(ent); err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "decoding entry: %s", err)

		return
	}

	ops.setID(ent, id)

	if err = ent.Validate(); err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "%s", err)

		return
	}

	if err = ops.update(ctx, ent); err != nil {
		svc.writeStoreError(w, r, err)

		return
	}

	svc.reloadPolicy(ctx)

	pmhttp.WriteJSONResponseOK(svc.logger, w, r, ent)
}

// serveEntityDelete handles DELETE /api/v1/blocklist/{kind}/{id}.
func serveEntityDelete[T any, P entityPtr[T]](
	svc *Service,
	ops *entityOps[T, P],
	w http.ResponseWriter,
	r *http.Request,
) {
	ctx := r.Context()

	id, err := pathID(r)
	if err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "bad id: %s", err)

		return
	}

	if err = ops.remove(ctx, id); err != nil {
		svc.writeStoreError(w, r, err)

		return
	}

	svc.reloadPolicy(ctx)

	w.WriteHeader(http.StatusNoContent)
}

// serveEntityToggle handles POST /api/v1/blocklist/{kind}/{id}/toggle.
func serveEntityToggle[T any, P entityPtr[T]](
	svc *Service,
	ops *entityOps[T, P],
	w http.ResponseWriter,
	r *http.Request,
) {
	ctx := r.Context()

	id, err := pathID(r)
	if err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "bad id: %s", err)

		return
	}

	active, err := ops.toggle(ctx, id)
	if err != nil {
		svc.writeStoreError(w, r, err)

		return
	}

	svc.reloadPolicy(ctx)

	pmhttp.WriteJSONResponseOK(svc.logger, w, r, &toggleResponse{
		Status:   statusOK,
		IsActive: active,
	})
}

// serveEntityResetHits handles POST /api/v1/blocklist/{kind}/{id}/reset_hits.
// Hit counters are not snapshot inputs, so no policy reload happens here.
func serveEntityResetHits[T any, P entityPtr[T]](
	svc *Service,
	ops *entityOps[T, P],
	w http.ResponseWriter,
	r *http.Request,
) {
	id, err := pathID(r)
	if err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "bad id: %s", err)

		return
	}

	if err = ops.resetHits(r.Context(), id); err != nil {
		svc.writeStoreError(w, r, err)

		return
	}

	pmhttp.WriteJSONResponseOK(svc.logger, w, r, &okResponse{Status: statusOK})
}

// bulkAddRequest is the request of POST /api/v1/blocklist/domains/bulk.
// Domains carries the patterns, separated by newlines or commas.
type bulkAddRequest struct {
	Domains  string `json:"domains"`
	Category string `json:"category"`
	Notes    string `json:"notes"`
}

// bulkAddResponse is the response of POST /api/v1/blocklist/domains/bulk.
type bulkAddResponse struct {
	Status  string `json:"status"`
	Created int    `json:"created"`
	Skipped int    `json:"skipped"`
}

// handlePostDomainsBulk handles POST /api/v1/blocklist/domains/bulk.
func (svc *Service) handlePostDomainsBulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &bulkAddRequest{}
	err := json.NewDecoder(r.Body).Decode(req)
	if err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "decoding bulk request: %s", err)

		return
	}

	patterns := splitPatterns(req.Domains)
	if len(patterns) == 0 {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "no domains given")

		return
	}

	created, err := svc.store.BulkAddDomains(ctx, patterns, req.Category, req.Notes)
	if err != nil {
		svc.writeStoreError(w, r, err)

		return
	}

	if created > 0 {
		svc.reloadPolicy(ctx)
	}

	pmhttp.WriteJSONResponseOK(svc.logger, w, r, &bulkAddResponse{
		Status:  statusOK,
		Created: created,
		Skipped: len(patterns) - created,
	})
}

// splitPatterns splits a newline- or comma-separated pattern list into its
// non-empty parts.
func splitPatterns(s string) (patterns []string) {
	return strings.FieldsFunc(s, func(r rune) (split bool) {
		return r == '\n' || r == '\r' || r == ','
	})
}

// checkResponse is the response of GET /api/v1/blocklist/check.
type checkResponse struct {
	Blocked     bool            `json:"blocked"`
	Action      rules.Action    `json:"action"`
	Reason      string          `json:"reason"`
	RuleType    rules.MatchKind `json:"rule_type"`
	Category    string          `json:"category,omitempty"`
	MatchedRule string          `json:"matched_rule,omitempty"`
}

// handleGetBlocklistCheck handles GET /api/v1/blocklist/check.  It dry-runs
// the engine against the query parameters without recording anything.
func (svc *Service) handleGetBlocklistCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	req := &rules.Request{
		Host: rules.NormalizeHost(q.Get("hostname")),
	}

	var err error
	if req.SrcIP, err = queryAddr(q.Get("source_ip")); err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "source_ip: %s", err)

		return
	}

	if req.DstIP, err = queryAddr(q.Get("dest_ip")); err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "dest_ip: %s", err)

		return
	}

	if req.SrcPort, err = queryPort(q.Get("source_port")); err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "source_port: %s", err)

		return
	}

	if req.DstPort, err = queryPort(q.Get("dest_port")); err != nil {
		pmhttp.Error(svc.logger, r, w, http.StatusBadRequest, "dest_port: %s", err)

		return
	}

	v := svc.engine.Evaluate(ctx, req)

	resp := &checkResponse{
		Blocked:     v.Blocked,
		Action:      rules.ActionAllow,
		Reason:      v.Reason,
		RuleType:    v.Kind,
		MatchedRule: v.LogRuleName,
	}
	if v.Blocked {
		resp.Action = rules.ActionBlock
	}

	if v.Kind == rules.MatchDomain {
		// Entries of a blocklist file have no store record, so a missing
		// entry just leaves the category empty.
		if d, derr := svc.store.Domain(ctx, v.EntityID); derr == nil {
			resp.Category = d.Category
		} else if !errors.Is(derr, storage.ErrNotFound) {
			svc.logger.DebugContext(
				ctx,
				"check: getting domain",
				"id", v.EntityID,
				slogutil.KeyError, derr,
			)
		}
	}

	pmhttp.WriteJSONResponseOK(svc.logger, w, r, resp)
}

// queryAddr parses an optional IP address query parameter.  An absent
// parameter yields a zero address.
func queryAddr(s string) (addr netip.Addr, err error) {
	if s == "" {
		return netip.Addr{}, nil
	}

	return netip.ParseAddr(s)
}

// queryPort parses an optional port query parameter.  An absent parameter
// yields zero.
func queryPort(s string) (port uint16, err error) {
	if s == "" {
		return 0, nil
	}

	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}

	return uint16(p), nil
}
