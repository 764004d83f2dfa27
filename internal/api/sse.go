package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/actuator/internal/streaming"
	"github.com/rendis/actuator/pkg/schema"
)

// handleSSE streams live events via Server-Sent Events.
// Query: invocation_id, action, type (comma-separated event types).
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, schema.NewError(schema.ErrCodeNotFound, "event hub not enabled"))
		return
	}
	q := r.URL.Query()
	filter := streaming.EventFilter{
		InvocationID: q.Get("invocation_id"),
		Action:       q.Get("action"),
	}
	if v := q.Get("type"); v != "" {
		filter.EventTypes = strings.Split(v, ",")
	}
	s.serveSSE(w, r, filter)
}

// serveSSE is the common SSE implementation.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	// Long-lived: lift any server write deadline.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
	}
}
