package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/actuator/internal/engine"
	"github.com/rendis/actuator/internal/store"
	"github.com/rendis/actuator/internal/streaming"
	"github.com/rendis/actuator/pkg/schema"
)

// progressEvents are forwarded to a client that identified itself on invoke.
var progressEvents = []string{
	schema.EventAttemptFailed,
	schema.EventRetryScheduled,
	schema.EventCircuitOpen,
}

// --- actuator.invoke ---

func (s *ActuatorServer) handleInvoke(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	params := mcp.ParseStringMap(req, "params", nil)
	clientID := req.GetString("client_id", "")

	policy, err := s.policyFrom(mcp.ParseStringMap(req, "retry", nil))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid retry policy: %v", err)), nil
	}

	id := uuid.New().String()
	if clientID != "" {
		s.captureSession(ctx, clientID)
		stop := s.forwardProgress(ctx, id, clientID)
		defer stop()
	}

	res, err := s.engine.Invoke(ctx, schema.InvocationRequest{
		ID:      id,
		Action:  name,
		Params:  params,
		Timeout: req.GetString("timeout", ""),
		Source:  "mcp",
	}, policy)
	if err != nil {
		return errorResult(err), nil
	}

	out := map[string]any{
		"invocation_id": res.InvocationID,
		"action":        res.Action,
		"attempts":      res.Attempts,
		"duration_ms":   res.Duration.Milliseconds(),
	}
	if res.Output != nil && len(res.Output.Data) > 0 {
		out["data"] = res.Output.Data
	}
	if res.Output != nil && res.Output.Stream != nil {
		// MCP results are single messages, so streams are drained.
		raw, readErr := res.Output.Stream.ReadAllLimit(ctx, s.maxBody)
		res.Output.Stream.Close()
		if readErr != nil {
			return errorResult(readErr), nil
		}
		out["body"] = string(raw)
	}
	return marshalResult(out)
}

// policyFrom converts a tool-supplied retry object. Nil means "use the configured policy".
func (s *ActuatorServer) policyFrom(raw map[string]any) (*engine.Policy, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var rp schema.RetryPolicy
	if err := json.Unmarshal(data, &rp); err != nil {
		return nil, err
	}
	if s.policies != nil {
		if err := s.policies.Validate(&rp); err != nil {
			return nil, err
		}
	}
	return engine.PolicyFromSchema(rp, s.cel)
}

// forwardProgress relays retry progress for one invocation to the client.
// The returned func stops forwarding.
func (s *ActuatorServer) forwardProgress(ctx context.Context, invocationID, clientID string) func() {
	if s.hub == nil {
		return func() {}
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, unsub, err := s.hub.Subscribe(subCtx, streaming.EventFilter{
		InvocationID: invocationID,
		EventTypes:   progressEvents,
	})
	if err != nil {
		cancel()
		s.logger.Warn("progress subscription failed", "invocation_id", invocationID, "error", err)
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			payload := map[string]any{
				"level":  "info",
				"logger": "actuator",
				"data": map[string]any{
					"invocation_id": ev.InvocationID,
					"action":        ev.Action,
					"attempt":       ev.Attempt,
					"event_type":    ev.EventType,
					"payload":       ev.Payload,
				},
			}
			if err := s.notifier.Notify(subCtx, clientID, payload); err != nil {
				s.logger.Debug("progress notification failed", "client_id", clientID, "error", err)
			}
		}
	}()
	return func() {
		unsub()
		cancel()
		<-done
	}
}

// --- actuator.list ---

func (s *ActuatorServer) handleList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prefix := req.GetString("prefix", "")
	all := s.engine.Registry().List()
	out := all[:0:0]
	for _, info := range all {
		if prefix == "" || strings.HasPrefix(info.Name, prefix) {
			out = append(out, info)
		}
	}
	return marshalResult(out)
}

// --- actuator.history ---

func (s *ActuatorServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("history is not available: no store configured"), nil
	}

	if id := req.GetString("invocation_id", ""); id != "" {
		inv, err := s.store.GetInvocation(ctx, id)
		if err != nil {
			return errorResult(err), nil
		}
		attempts, err := s.store.ListAttempts(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{
			"invocation": inv,
			"attempts":   attempts,
		})
	}

	filter, err := invocationFilter(mcp.ParseStringMap(req, "filter", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	invs, err := s.store.ListInvocations(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(invs)
}

func invocationFilter(raw map[string]any) (store.InvocationFilter, error) {
	filter := store.InvocationFilter{Limit: 20}
	if raw == nil {
		return filter, nil
	}
	if v, ok := raw["action"].(string); ok {
		filter.Action = v
	}
	if v, ok := raw["source"].(string); ok {
		filter.Source = v
	}
	if v, ok := raw["status"].(string); ok && v != "" {
		st := schema.InvocationStatus(v)
		filter.Status = &st
	}
	if v, ok := raw["since"].(string); ok && v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid since %q: expected RFC3339", v)
		}
		filter.Since = &t
	}
	if v, ok := raw["limit"].(float64); ok && v > 0 {
		filter.Limit = int(v)
	}
	return filter, nil
}

// --- helpers ---

// captureSession records the client's MCP session for later notifications.
func (s *ActuatorServer) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.bind(clientID, session.SessionID())
	}
}

// errorResult renders an invocation error. ActuatorError messages lead with
// their code so clients can branch on it.
func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
