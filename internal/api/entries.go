// Package api exposes the knowledge registry over HTTP and MCP. The kb
// store stays a plain library; this package is the only network surface.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/recallkb/recall/internal/kb"
	"github.com/recallkb/recall/internal/metrics"
)

const maxBodySize = 10 << 20 // 10MB

// Deps holds the dependencies of the HTTP handler.
type Deps struct {
	Store        *kb.Store
	Patterns     *kb.Patterns
	Token        string // empty disables bearer auth (loopback-only deployments)
	DefaultLimit int
}

// NewHandler builds the chi router. Health and metrics stay reachable
// without a token; everything else sits behind bearer auth when a token
// is configured.
func NewHandler(deps Deps) http.Handler {
	if deps.DefaultLimit <= 0 {
		deps.DefaultLimit = 10
	}

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/entries", handleAddEntry(deps))
		r.Get("/entries", handleListEntries(deps))
		r.Get("/entries/{id}", handleGetEntry(deps))
		r.Patch("/entries/{id}", handleUpdateEntry(deps))
		r.Delete("/entries/{id}", handleRemoveEntry(deps))
		r.Get("/entries/{id}/related", handleRelated(deps))
		r.Get("/search", handleSearch(deps))
		r.Post("/cleanup", handleCleanup(deps))
		r.Get("/export", handleExport(deps))
		r.Post("/import", handleImport(deps))
		r.Get("/stats", handleStats(deps))

		r.Post("/patterns/observe", handleObserve(deps))
		r.Post("/patterns/{id}/outcome", handleOutcome(deps))
		r.Post("/patterns/prune", handlePrune(deps))
	})

	return r
}

// EntryRequest is the JSON body for creating an entry.
type EntryRequest struct {
	ID         string   `json:"id"`
	Kind       string   `json:"kind"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
	ExpiresAt  string   `json:"expires_at"`
	Source     string   `json:"source"`
}

func handleAddEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req EntryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		kind, err := kb.ParseKind(req.Kind)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		e := &kb.Entry{
			ID:         req.ID,
			Kind:       kind,
			Title:      req.Title,
			Body:       req.Body,
			Tags:       req.Tags,
			Confidence: req.Confidence,
			Meta:       kb.Meta{Version: 1, Source: req.Source},
		}
		if req.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, req.ExpiresAt)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid expires_at: %v", err)
				return
			}
			e.ExpiresAt = t
		}

		if err := deps.Store.Add(r.Context(), e); err != nil {
			respondStoreError(w, err)
			return
		}

		metrics.EntriesAdded.WithLabelValues(string(kind)).Inc()
		writeJSON(w, http.StatusCreated, map[string]string{"id": e.ID})
	}
}

func handleGetEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		e, ok := deps.Store.Get(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "entry %s not found", id)
			return
		}
		writeJSON(w, http.StatusOK, toWire(e))
	}
}

// UpdateRequest is the JSON body for a partial update. Absent fields are
// left untouched.
type UpdateRequest struct {
	Title      *string  `json:"title"`
	Body       *string  `json:"body"`
	Tags       []string `json:"tags"`
	Confidence *float64 `json:"confidence"`
	ExpiresAt  *string  `json:"expires_at"`
}

func handleUpdateEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		id := chi.URLParam(r, "id")
		var req UpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		ch := kb.FieldChanges{
			Title:      req.Title,
			Body:       req.Body,
			Tags:       req.Tags,
			Confidence: req.Confidence,
		}
		if req.ExpiresAt != nil {
			t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid expires_at: %v", err)
				return
			}
			ch.ExpiresAt = &t
		}

		ok, err := deps.Store.Update(r.Context(), id, ch)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "entry %s not found", id)
			return
		}

		e, _ := deps.Store.Get(id)
		writeJSON(w, http.StatusOK, toWire(e))
	}
}

func handleRemoveEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ok, err := deps.Store.Remove(r.Context(), id)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "entry %s not found", id)
			return
		}
		metrics.EntriesRemoved.WithLabelValues("remove").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
	}
}

// handleListEntries lists by tag(s) or kind, via the secondary indices.
func handleListEntries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tags := q["tag"]
		kindParam := q.Get("kind")

		var entries []*kb.Entry
		switch {
		case len(tags) > 0:
			matchAll := q.Get("match") == "all"
			entries = deps.Store.ListByTag(tags, matchAll)
		case kindParam != "":
			kind, err := kb.ParseKind(kindParam)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			entries = deps.Store.ListByKind(kind)
		default:
			entries = deps.Store.All()
		}

		writeJSON(w, http.StatusOK, toWireList(entries))
	}
}

// SearchResponse is one scored search hit.
type SearchResponse struct {
	Entry    kb.ExportedEntry `json:"entry"`
	Score    float64          `json:"score"`
	Strategy string           `json:"strategy"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query parameter q is required")
			return
		}

		limit := deps.DefaultLimit
		if l := r.URL.Query().Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", l)
				return
			}
			limit = n
		}

		var kindFilter kb.Kind
		if kindParam := r.URL.Query().Get("kind"); kindParam != "" {
			kind, err := kb.ParseKind(kindParam)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			kindFilter = kind
		}

		results, err := deps.Store.Search(r.Context(), q, limit, kindFilter)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		out := make([]SearchResponse, len(results))
		for i, res := range results {
			out[i] = SearchResponse{Entry: toWire(res.Entry), Score: res.Score, Strategy: res.Strategy}
		}
		if len(results) > 0 {
			metrics.Searches.WithLabelValues(results[0].Strategy).Inc()
		} else {
			metrics.Searches.WithLabelValues(kb.StrategyKeyword).Inc()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleRelated(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		limit := deps.DefaultLimit
		if l := r.URL.Query().Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", l)
				return
			}
			limit = n
		}

		entries, err := deps.Store.Related(id, limit)
		if errors.Is(err, kb.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "entry %s not found", id)
			return
		}
		if err != nil {
			respondStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toWireList(entries))
	}
}

func handleCleanup(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := deps.Store.CleanupExpired(r.Context())
		if err != nil {
			respondStoreError(w, err)
			return
		}
		metrics.EntriesRemoved.WithLabelValues("expired").Add(float64(removed))
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	}
}

func handleExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Headers are already sent by the time a write fails; just stop.
		_ = deps.Store.Export(w)
	}
}

func handleImport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		count, err := deps.Store.Import(r.Context(), r.Body)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"imported": count})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": deps.Store.Len(),
			"tags":    len(deps.Store.Tags()),
		})
	}
}

// ObserveRequest records one trigger/action observation.
type ObserveRequest struct {
	Triggers []string `json:"triggers"`
	Actions  []string `json:"actions"`
	Tags     []string `json:"tags"`
}

func handleObserve(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req ObserveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		e, err := deps.Patterns.Observe(r.Context(), req.Triggers, req.Actions, req.Tags)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		metrics.EntriesAdded.WithLabelValues(string(kb.KindPattern)).Inc()
		writeJSON(w, http.StatusOK, toWire(e))
	}
}

func handleOutcome(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		id := chi.URLParam(r, "id")
		var req struct {
			Success bool `json:"success"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		err := deps.Patterns.RecordOutcome(r.Context(), id, req.Success)
		if errors.Is(err, kb.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "pattern %s not found", id)
			return
		}
		if err != nil {
			respondStoreError(w, err)
			return
		}

		e, _ := deps.Store.Get(id)
		writeJSON(w, http.StatusOK, toWire(e))
	}
}

func handlePrune(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := deps.Patterns.Prune(r.Context())
		if err != nil {
			respondStoreError(w, err)
			return
		}
		metrics.EntriesRemoved.WithLabelValues("pruned").Add(float64(removed))
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	}
}

// respondStoreError translates kb error types to HTTP statuses: validation
// is the caller's fault, persistence is ours.
func respondStoreError(w http.ResponseWriter, err error) {
	var verr *kb.ValidationError
	if errors.As(err, &verr) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", verr)
		return
	}
	var perr *kb.PersistenceError
	if errors.As(err, &perr) {
		httpError(w, http.StatusInternalServerError, "api_error", "%v", perr)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
}

func toWire(e *kb.Entry) kb.ExportedEntry {
	out := kb.ExportedEntry{
		ID:         e.ID,
		Kind:       string(e.Kind),
		Title:      e.Title,
		Body:       e.Body,
		Tags:       e.Tags,
		Confidence: e.Confidence,
		UsageCount: e.UsageCount,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
		Metadata:   e.Meta,
		Pattern:    e.Pattern,
	}
	if !e.ExpiresAt.IsZero() {
		t := e.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

func toWireList(entries []*kb.Entry) []kb.ExportedEntry {
	out := make([]kb.ExportedEntry, len(entries))
	for i, e := range entries {
		out[i] = toWire(e)
	}
	return out
}
