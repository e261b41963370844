// Package websocket delivers notification events to live per-user WebSocket connections.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcollect/internal/observability/metrics"
)

// ErrNoConnection is returned by Push when the user has no live connection
var ErrNoConnection = errors.New("no live connection")

// Client is one live connection
type Client struct {
	ID     string
	UserID string
	Send   chan []byte
}

// NewClient creates a client with a buffered send queue
func NewClient(userID string, buffer int) *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Send:   make(chan []byte, buffer),
	}
}

// Registry tracks live connections per user. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(m *metrics.Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		clients: make(map[string]map[*Client]struct{}),
		metrics: m,
		logger:  logger,
	}
}

// Register adds a connection for its user
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.clients[c.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		r.clients[c.UserID] = set
	}
	set[c] = struct{}{}
	r.metrics.LiveConnections.Inc()
}

// Unregister removes a connection and closes its send queue. Safe to call twice.
func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.clients[c.UserID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.clients, c.UserID)
	}
	close(c.Send)
	r.metrics.LiveConnections.Dec()
}

// Push queues payload on every connection of userID without blocking.
// A full queue drops the event for that connection.
func (r *Registry) Push(_ context.Context, userID string, payload []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.clients[userID]
	if len(set) == 0 {
		return ErrNoConnection
	}
	dropped := 0
	for c := range set {
		select {
		case c.Send <- payload:
			r.metrics.PushDelivered.Inc()
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("dropped event on %d of %d connections", dropped, len(set))
	}
	return nil
}

// Connections returns the number of live connections for a user
func (r *Registry) Connections(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients[userID])
}

// Total returns the number of live connections
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.clients {
		n += len(set)
	}
	return n
}
