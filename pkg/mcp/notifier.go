package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// ClientNotifier pushes a payload to whichever session a client invoked from.
type ClientNotifier interface {
	Notify(ctx context.Context, clientID string, payload map[string]any) error
}

const notificationMethod = "notifications/message"

// sessionNotifier delivers over the MCP session bound to the client ID.
// Unknown or disconnected clients are silently skipped.
type sessionNotifier struct {
	srv      *server.MCPServer
	sessions *clientSessions
}

func (n *sessionNotifier) Notify(_ context.Context, clientID string, payload map[string]any) error {
	sid, ok := n.sessions.lookup(clientID)
	if !ok {
		return nil
	}
	err := n.srv.SendNotificationToSpecificClient(sid, notificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.drop(sid)
		return nil
	}
	return err
}
