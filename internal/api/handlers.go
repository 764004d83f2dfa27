package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/actuator/internal/engine"
	"github.com/rendis/actuator/pkg/schema"
)

// maxBatch caps the number of invocations in one batch request.
const maxBatch = 100

type invokeBody struct {
	ID      string              `json:"id,omitempty"`
	Params  map[string]any      `json:"params,omitempty"`
	Timeout string              `json:"timeout,omitempty"`
	Retry   *schema.RetryPolicy `json:"retry,omitempty"`
}

type batchBody struct {
	Requests []schema.InvocationRequest `json:"requests"`
	Retry    *schema.RetryPolicy        `json:"retry,omitempty"`
}

// invokeResponse is the JSON view of a successful invocation. Body holds a
// drained stream when the caller did not ask for raw streaming.
type invokeResponse struct {
	InvocationID string          `json:"invocation_id"`
	Action       string          `json:"action"`
	Attempts     int             `json:"attempts"`
	DurationMs   int64           `json:"duration_ms"`
	Data         json.RawMessage `json:"data,omitempty"`
	Body         string          `json:"body,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"actions": len(s.deps.Engine.Registry().Names()),
		"pool":    s.deps.Engine.PoolMetrics(),
	})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engine.Registry().List())
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	action, err := s.deps.Engine.Registry().Get(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   action.Name(),
		"schema": action.Schema(),
		"policy": policyView(s.deps.Engine.PolicyFor(action.Name())),
	})
}

// handleInvoke runs one action. With ?stream=true a streaming output is
// copied to the response as it arrives; otherwise it is drained into "body".
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var body invokeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	policy, err := s.resolvePolicy(body.Retry)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.deps.Engine.Invoke(r.Context(), schema.InvocationRequest{
		ID:      body.ID,
		Action:  chi.URLParam(r, "name"),
		Params:  body.Params,
		Timeout: body.Timeout,
		Source:  "api",
	}, policy)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Invocation-Id", res.InvocationID)

	stream := res.Output.Stream
	if stream == nil {
		writeJSON(w, http.StatusOK, toResponse(res))
		return
	}
	defer stream.Close()

	if queryBool(r, "stream") {
		s.copyStream(w, r, res)
		return
	}
	raw, err := stream.ReadAllLimit(r.Context(), s.deps.MaxStreamBody)
	if err != nil {
		writeError(w, err)
		return
	}
	out := toResponse(res)
	out.Body = string(raw)
	writeJSON(w, http.StatusOK, out)
}

// copyStream writes the stream's chunks to w, flushing after each.
func (s *Server) copyStream(w http.ResponseWriter, r *http.Request, res *engine.Result) {
	stream := res.Output.Stream
	contentType := stream.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for {
		chunk, err := stream.Next(r.Context())
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.logger.WarnContext(r.Context(), "stream copy aborted",
				"invocation_id", res.InvocationID,
				"error", err.Error())
			return
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleInvokeBatch(w http.ResponseWriter, r *http.Request) {
	var body batchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if len(body.Requests) == 0 {
		badRequest(w, "requests is required")
		return
	}
	if len(body.Requests) > maxBatch {
		badRequest(w, "too many requests in batch")
		return
	}
	policy, err := s.resolvePolicy(body.Retry)
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range body.Requests {
		body.Requests[i].Source = "api"
	}

	results := s.deps.Engine.InvokeAll(r.Context(), body.Requests, policy)

	type item struct {
		Index  int                   `json:"index"`
		Result *invokeResponse       `json:"result,omitempty"`
		Error  *schema.ActuatorError `json:"error,omitempty"`
	}
	out := make([]item, len(results))
	for i, br := range results {
		out[i] = item{Index: br.Index, Error: br.Error}
		if br.Result == nil {
			continue
		}
		resp := toResponse(br.Result)
		if st := br.Result.Output.Stream; st != nil {
			raw, err := st.ReadAllLimit(r.Context(), s.deps.MaxStreamBody)
			st.Close()
			if err != nil {
				code := schema.CodeOf(err)
				if code == "" {
					code = schema.ErrCodeConnection
				}
				out[i].Error = schema.NewError(code, err.Error()).WithAction(br.Result.Action)
			}
			resp.Body = string(raw)
		}
		out[i].Result = resp
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, schema.NewError(schema.ErrCodeNotFound, "scheduler not enabled"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Jobs())
}

func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Engine.Breakers().Snapshot()
	if stats == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// resolvePolicy validates a request-supplied retry policy. A nil policy means
// "use the configured one".
func (s *Server) resolvePolicy(p *schema.RetryPolicy) (*engine.Policy, error) {
	if p == nil {
		return nil, nil
	}
	if s.deps.Policies != nil {
		if err := s.deps.Policies.Validate(p); err != nil {
			return nil, err
		}
	}
	return engine.PolicyFromSchema(*p, s.deps.CEL)
}

func toResponse(res *engine.Result) *invokeResponse {
	out := &invokeResponse{
		InvocationID: res.InvocationID,
		Action:       res.Action,
		Attempts:     res.Attempts,
		DurationMs:   res.Duration.Milliseconds(),
	}
	if res.Output != nil {
		out.Data = res.Output.Data
	}
	return out
}

// policyView renders a resolved policy for display.
func policyView(p *engine.Policy) map[string]any {
	if p == nil {
		return nil
	}
	view := map[string]any{
		"max_attempts": p.MaxAttempts,
		"base_delay":   p.BaseDelay.String(),
		"multiplier":   p.Multiplier,
		"max_delay":    p.MaxDelay.String(),
		"jitter":       p.Jitter,
	}
	if p.AttemptTimeout > 0 {
		view["attempt_timeout"] = p.AttemptTimeout.String()
	}
	return view
}
