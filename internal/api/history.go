package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/actuator/internal/store"
	"github.com/rendis/actuator/pkg/schema"
)

const defaultListLimit = 50

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.deps.Store == nil {
		writeError(w, schema.NewError(schema.ErrCodeNotFound, "invocation history not enabled"))
		return false
	}
	return true
}

// handleListInvocations lists recorded invocations, newest first.
// Query: action, status, source, since (RFC3339), limit, offset.
func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	q := r.URL.Query()
	filter := store.InvocationFilter{
		Action: q.Get("action"),
		Source: q.Get("source"),
		Limit:  queryInt(r, "limit", defaultListLimit),
		Offset: queryInt(r, "offset", 0),
	}
	if v := q.Get("status"); v != "" {
		status := schema.InvocationStatus(v)
		filter.Status = &status
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, "invalid since: "+v)
			return
		}
		filter.Since = &since
	}

	invs, err := s.deps.Store.ListInvocations(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if invs == nil {
		invs = []*store.Invocation{}
	}
	writeJSON(w, http.StatusOK, invs)
}

// handleGetInvocation returns one invocation with its attempts.
func (s *Server) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := chi.URLParam(r, "id")
	inv, err := s.deps.Store.GetInvocation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	attempts, err := s.deps.Store.ListAttempts(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if attempts == nil {
		attempts = []*store.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"invocation": inv,
		"attempts":   attempts,
	})
}

// handleInvocationEvents returns the journaled events of one invocation.
// Query: since (sequence, exclusive).
func (s *Server) handleInvocationEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(w, "invalid since: "+v)
			return
		}
		since = n
	}
	events, err := s.deps.Store.GetEvents(r.Context(), chi.URLParam(r, "id"), since)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
