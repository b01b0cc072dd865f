// Package api exposes the query service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"mdquery/internal/domain"
	"mdquery/internal/history"
	"mdquery/internal/middleware"
	"mdquery/internal/service/query"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// HistoryLister lists recorded queries.
// Implemented by history.Store.
type HistoryLister interface {
	List(ctx context.Context, f history.Filter) ([]history.Entry, error)
}

// Handler serves the query API.
type Handler struct {
	query   *query.QueryService
	history HistoryLister
	logger  *slog.Logger
}

// NewHandler creates a Handler. history may be nil.
func NewHandler(q *query.QueryService, h HistoryLister, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{query: q, history: h, logger: logger}
}

func userOf(r *http.Request) string {
	if user, ok := middleware.UserFromContext(r.Context()); ok {
		return user
	}
	return middleware.AnonymousUser
}

func decodeQuery(w http.ResponseWriter, r *http.Request) (*domain.QueryDto, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	var dto domain.QueryDto
	if err := dec.Decode(&dto); err != nil {
		if httpStatusFromDomainError(err) == http.StatusRequestEntityTooLarge {
			return nil, err
		}
		return nil, domain.ErrValidation("invalid query body: %v", err)
	}
	return &dto, nil
}

// Health reports liveness and the configured dialect.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "dialect": h.query.Dialect()})
}

// ExecuteQuery runs the posted query. Clients accepting text/plain receive the
// result rendered as a table.
func (h *Handler) ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	dto, err := decodeQuery(w, r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	res, err := h.query.Execute(r.Context(), userOf(r), dto)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "text/plain") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Query-ID", res.QueryID)
		_, _ = fmt.Fprint(w, res.Table.String())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CompileQuery returns the SQL of the posted query without running it.
func (h *Handler) CompileQuery(w http.ResponseWriter, r *http.Request) {
	dto, err := decodeQuery(w, r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	compiled, err := h.query.Compile(dto)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, compiled)
}

// CacheStats returns the cache counters of the caller.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.query.CacheStats(userOf(r))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ClearCache drops the cached measures of the caller.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.query.ClearCache(userOf(r))
	w.WriteHeader(http.StatusNoContent)
}

// ListHistory lists the recorded queries of the caller.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "query history is disabled")
		return
	}
	f := history.Filter{User: userOf(r), Status: r.URL.Query().Get("status")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	entries, err := h.history.List(r.Context(), f)
	if err != nil {
		h.logger.Error("list history", "error", err)
		writeError(w, http.StatusInternalServerError, "list history failed")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
