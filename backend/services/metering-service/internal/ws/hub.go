package ws

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"prepaidmeter/backend/services/metering-service/internal/service"
)

// Hub fans tick events out to the connections of each account.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
	logger      *zap.Logger
}

// NewHub builds an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections: make(map[string]map[*Connection]struct{}),
		logger:      logger,
	}
}

// Add registers conn.
func (h *Hub) Add(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.connections[conn.AccountID()]
	if !ok {
		set = make(map[*Connection]struct{})
		h.connections[conn.AccountID()] = set
	}
	set[conn] = struct{}{}
}

// Remove unregisters conn.
func (h *Hub) Remove(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.connections[conn.AccountID()]
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.AccountID())
	}
}

// Count returns the number of open connections for accountID.
func (h *Hub) Count(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[accountID])
}

// Publish sends e to every connection of its account. It never blocks the caller.
func (h *Hub) Publish(e service.TickEvent) {
	h.mu.RLock()
	set := h.connections[e.AccountID]
	targets := make([]*Connection, 0, len(set))
	for conn := range set {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("encode tick event", zap.String("account_id", e.AccountID), zap.Error(err))
		return
	}
	for _, conn := range targets {
		conn.Send(payload)
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*Connection
	for _, set := range h.connections {
		for conn := range set {
			all = append(all, conn)
		}
	}
	h.mu.RUnlock()
	for _, conn := range all {
		conn.Close()
	}
}

var _ service.Publisher = (*Hub)(nil)
