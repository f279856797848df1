// Package httpapi implements the external HTTP interface of spec.md §6:
// event ingest, state queries, namespace management, and admin config.
// Grounded on the teacher's internal/http/handlers.go Options/HandlerSet/
// Register(mux) shape, its writeJSON helper, and its bearer/X-Admin-Token
// authorise() pattern (constant-time compare).
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"worldstate/internal/apperr"
	"worldstate/internal/ingest"
	"worldstate/internal/logging"
	"worldstate/internal/namespace"
	"worldstate/internal/runtimeconfig"
	"worldstate/internal/store"
	"worldstate/internal/telemetry"
)

// Options configures the HandlerSet.
type Options struct {
	Logger        *logging.Logger
	Gate          *ingest.Gate
	Store         *store.Store
	Namespaces    *namespace.Registry
	Runtime       *runtimeconfig.Config
	Ticker        *telemetry.Ticker
	AdminToken    string
	MaxBatchDelete int
	Ready         func() (bool, string)
	// AuthEnabled gates the namespace management routes (spec.md §6): they
	// exist only when the deployment runs in auth mode.
	AuthEnabled bool
}

// HandlerSet bundles every HTTP handler the engine exposes.
type HandlerSet struct {
	logger         *logging.Logger
	gate           *ingest.Gate
	store          *store.Store
	namespaces     *namespace.Registry
	runtime        *runtimeconfig.Config
	ticker         *telemetry.Ticker
	adminToken     string
	maxBatchDelete int
	ready          func() (bool, string)
	authEnabled    bool
	startedAt      time.Time
}

// NewHandlerSet constructs a HandlerSet from opts.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	maxBatch := opts.MaxBatchDelete
	if maxBatch <= 0 {
		maxBatch = 10000
	}
	return &HandlerSet{
		logger:         logger,
		gate:           opts.Gate,
		store:          opts.Store,
		namespaces:     opts.Namespaces,
		runtime:        opts.Runtime,
		ticker:         opts.Ticker,
		adminToken:     strings.TrimSpace(opts.AdminToken),
		maxBatchDelete: maxBatch,
		ready:          opts.Ready,
		authEnabled:    opts.AuthEnabled,
		startedAt:      time.Now(),
	}
}

// Register attaches every route to mux, using Go's method-and-pattern
// ServeMux syntax.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)

	mux.HandleFunc("POST /api/events", h.handleSubmitEvent)
	mux.HandleFunc("POST /api/events/batch", h.handleSubmitBatch)

	mux.HandleFunc("GET /api/state/entities", h.handleListEntities)
	// {id...} matches the remainder of the path, since entity ids carry a
	// "<namespace>/<key>" prefix and would otherwise be split by {id}'s
	// single-segment match.
	mux.HandleFunc("GET /api/state/entities/{id...}", h.handleGetEntity)
	mux.HandleFunc("DELETE /api/state/entities/{id...}", h.handleDeleteEntity)
	mux.HandleFunc("POST /api/state/entities/delete", h.handleDeleteEntities)

	mux.HandleFunc("POST /api/namespaces", h.handleCreateNamespace)
	mux.HandleFunc("GET /api/namespaces/{name}", h.handleGetNamespace)

	mux.HandleFunc("GET /api/admin/config", h.handleGetConfig)
	mux.HandleFunc("PUT /api/admin/config", h.handlePutConfig)

	if h.ticker != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.ticker.Registry(), promhttp.HandlerOpts{}))
	}
}

func (h *HandlerSet) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *HandlerSet) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.ready == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ok, reason := h.ready()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": reason})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HandlerSet) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var env ingest.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, apperr.Field("body", "must be valid JSON"))
		return
	}
	accepted, err := h.gate.Submit(r.Context(), env, bearerToken(r), r.ContentLength)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (h *HandlerSet) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events []ingest.Envelope `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Field("body", "must be valid JSON"))
		return
	}
	results := h.gate.SubmitBatch(r.Context(), req.Events, bearerToken(r), r.ContentLength)

	type item struct {
		EventID string `json:"eventId,omitempty"`
		Stream  string `json:"stream,omitempty"`
		Error   string `json:"error,omitempty"`
	}
	resp := struct {
		Successful int    `json:"successful"`
		Failed     int    `json:"failed"`
		Results    []item `json:"results"`
	}{}
	resp.Results = make([]item, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			resp.Failed++
			resp.Results = append(resp.Results, item{Error: res.Err.Error()})
			continue
		}
		resp.Successful++
		resp.Results = append(resp.Results, item{EventID: res.Accepted.EventID, Stream: res.Accepted.Stream})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HandlerSet) handleListEntities(w http.ResponseWriter, r *http.Request) {
	var entities []store.Entity
	switch {
	case r.URL.Query().Get("namespace") != "":
		entities = h.store.ByNamespace(r.URL.Query().Get("namespace"))
	case r.URL.Query().Get("prefix") != "":
		entities = h.store.ByPrefix(r.URL.Query().Get("prefix"))
	default:
		h.store.Iterate(func(e store.Entity) bool {
			entities = append(entities, e)
			return true
		})
	}
	if entities == nil {
		entities = []store.Entity{}
	}
	writeJSON(w, http.StatusOK, entities)
}

func (h *HandlerSet) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entity, ok := h.store.Get(id)
	if !ok {
		writeError(w, apperr.New(apperr.NotFound, "entity not found"))
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (h *HandlerSet) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	eventID, err := h.submitTombstone(r.Context(), id, bearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"entity_id": id, "eventId": eventID})
}

func (h *HandlerSet) handleDeleteEntities(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Namespace string   `json:"namespace"`
		Prefix    string   `json:"prefix"`
		EntityIDs []string `json:"entity_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Field("body", "must be valid JSON"))
		return
	}

	var targets []string
	switch {
	case len(req.EntityIDs) > 0:
		targets = req.EntityIDs
	case req.Namespace != "":
		for _, e := range h.store.ByNamespace(req.Namespace) {
			targets = append(targets, e.ID)
		}
	case req.Prefix != "":
		for _, e := range h.store.ByPrefix(req.Prefix) {
			targets = append(targets, e.ID)
		}
	default:
		writeError(w, apperr.Field("body", "one of namespace, prefix, entity_ids is required"))
		return
	}

	if len(targets) > h.maxBatchDelete {
		targets = targets[:h.maxBatchDelete]
	}

	var deleted, failed int
	errs := make([]string, 0)
	token := bearerToken(r)
	for _, id := range targets {
		if _, err := h.submitTombstone(r.Context(), id, token); err != nil {
			failed++
			errs = append(errs, err.Error())
			continue
		}
		deleted++
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "failed": failed, "errors": errs})
}

func (h *HandlerSet) submitTombstone(ctx context.Context, entityID, token string) (string, error) {
	payload, _ := json.Marshal(map[string]any{"entity_id": entityID, "delete": true})
	env := ingest.Envelope{Stream: "state.delete", Source: "http-api", Payload: payload}
	accepted, err := h.gate.Submit(ctx, env, token, int64(len(payload)))
	if err != nil {
		return "", err
	}
	return accepted.EventID, nil
}

func (h *HandlerSet) handleCreateNamespace(w http.ResponseWriter, r *http.Request) {
	if !h.authEnabled {
		writeError(w, apperr.New(apperr.NotFound, "not found"))
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Field("body", "must be valid JSON"))
		return
	}
	ns, token, err := h.namespaces.Create(req.Name)
	if err != nil {
		switch err {
		case namespace.ErrExists:
			writeError(w, apperr.New(apperr.Conflict, "namespace already exists"))
		case namespace.ErrInvalidName:
			writeError(w, apperr.Field("name", "must match ^[a-z0-9_-]{3,32}$"))
		default:
			writeError(w, apperr.Wrap(apperr.Internal, "create namespace", err))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"namespaceId": ns.ID, "name": ns.Name, "token": token})
}

func (h *HandlerSet) handleGetNamespace(w http.ResponseWriter, r *http.Request) {
	if !h.authEnabled {
		writeError(w, apperr.New(apperr.NotFound, "not found"))
		return
	}
	name := r.PathValue("name")
	ns, ok := h.namespaces.Get(name)
	if !ok {
		writeError(w, apperr.New(apperr.NotFound, "namespace not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"namespaceId": ns.ID, "name": ns.Name})
}

func (h *HandlerSet) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if !h.authoriseAdmin(r) {
		writeError(w, apperr.New(apperr.Unauthorized, "admin token required"))
		return
	}
	writeJSON(w, http.StatusOK, h.runtime.Snapshot())
}

func (h *HandlerSet) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	if !h.authoriseAdmin(r) {
		writeError(w, apperr.New(apperr.Unauthorized, "admin token required"))
		return
	}
	var limits runtimeconfig.Limits
	if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
		writeError(w, apperr.Field("body", "must be valid JSON"))
		return
	}
	h.runtime.Update(limits)
	writeJSON(w, http.StatusOK, limits)
}

// authoriseAdmin mirrors the teacher's authorise(): admin writes are open
// (dev mode) when no admin token is configured, per spec.md §4.9.
func (h *HandlerSet) authoriseAdmin(r *http.Request) bool {
	if h.adminToken == "" {
		return true
	}
	token := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	status := statusForKind(appErr.Kind)
	if appErr.Kind == apperr.RateLimited && appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(appErr.RetryAfter))
	}
	body := map[string]string{"error": appErr.Message, "kind": string(appErr.Kind)}
	if appErr.Field != "" {
		body["field"] = appErr.Field
	}
	writeJSON(w, status, body)
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.Unavailable:
		return http.StatusServiceUnavailable
	case apperr.Corrupt:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
