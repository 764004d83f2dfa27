package mcp

import (
	"context"
	"sync"

	"github.com/mark3labs/mcp-go/server"
)

// clientSessions tracks which MCP session a client_id last invoked from.
// A session may carry several client IDs; a client ID maps to one session.
type clientSessions struct {
	mu        sync.RWMutex
	bySession map[string]map[string]struct{}
	byClient  map[string]string
}

func newClientSessions() *clientSessions {
	return &clientSessions{
		bySession: make(map[string]map[string]struct{}),
		byClient:  make(map[string]string),
	}
}

// bind points clientID at sessionID, detaching it from any earlier session.
func (c *clientSessions) bind(clientID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.byClient[clientID]; ok && prev != sessionID {
		c.detachLocked(prev, clientID)
	}
	c.byClient[clientID] = sessionID
	set := c.bySession[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		c.bySession[sessionID] = set
	}
	set[clientID] = struct{}{}
}

func (c *clientSessions) lookup(clientID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sid, ok := c.byClient[clientID]
	return sid, ok
}

// drop forgets every client bound to sessionID and reports how many there were.
func (c *clientSessions) drop(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.bySession[sessionID]
	for clientID := range set {
		delete(c.byClient, clientID)
	}
	delete(c.bySession, sessionID)
	return len(set)
}

func (c *clientSessions) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byClient)
}

func (c *clientSessions) detachLocked(sessionID, clientID string) {
	set := c.bySession[sessionID]
	delete(set, clientID)
	if len(set) == 0 {
		delete(c.bySession, sessionID)
	}
}

// hooks clears bindings when the transport unregisters a session.
func (c *clientSessions) hooks() *server.Hooks {
	h := &server.Hooks{}
	h.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		c.drop(session.SessionID())
	})
	return h
}
