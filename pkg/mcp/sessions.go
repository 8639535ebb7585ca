package mcp

import (
	"slices"
	"sync"
)

// WatchRegistry maps execution IDs to the MCP sessions watching them.
// Populated by graph.watch and pruned when a session disconnects.
type WatchRegistry struct {
	mu      sync.RWMutex
	watches map[string][]string // executionID → sessionIDs
}

// NewWatchRegistry creates a new empty WatchRegistry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{watches: make(map[string][]string)}
}

// Watch subscribes a session to an execution. Repeated calls are no-ops.
func (r *WatchRegistry) Watch(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.watches[executionID], sessionID) {
		r.watches[executionID] = append(r.watches[executionID], sessionID)
	}
}

// SessionsFor returns the sessions watching executionID.
func (r *WatchRegistry) SessionsFor(executionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.watches[executionID])
}

// Remove deletes every watch held by the given session.
// Called when a session disconnects.
func (r *WatchRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sids := range r.watches {
		sids = slices.DeleteFunc(sids, func(s string) bool { return s == sessionID })
		if len(sids) == 0 {
			delete(r.watches, id)
			continue
		}
		r.watches[id] = sids
	}
}

// Forget drops every watch on the given executions.
func (r *WatchRegistry) Forget(executionIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range executionIDs {
		delete(r.watches, id)
	}
}
