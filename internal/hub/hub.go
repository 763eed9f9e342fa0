// Package hub fans events out to connected live clients.
package hub

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"socialflow/internal/domain"
	"socialflow/internal/metrics"
)

// ErrSlowClient is returned by Send when a client's outbound queue is full.
var ErrSlowClient = errors.New("client send queue full")

// Conn is one live client connection.
type Conn interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// Hub holds the set of live connections. A connection whose delivery fails
// is dropped; the failure never reaches the broadcaster.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func New() *Hub {
	return &Hub{conns: make(map[string]Conn)}
}

func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	n := len(h.conns)
	h.mu.Unlock()
	metrics.SetHubConnections(n)
	log.Debug().Str("conn", c.ID()).Int("connections", n).Msg("client connected")
}

// Unregister removes c. It reports whether c was registered.
func (h *Hub) Unregister(c Conn) bool {
	h.mu.Lock()
	cur, ok := h.conns[c.ID()]
	if ok && cur == c {
		delete(h.conns, c.ID())
	}
	n := len(h.conns)
	h.mu.Unlock()
	metrics.SetHubConnections(n)
	return ok && cur == c
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast delivers ev to every connection registered at call time.
func (h *Hub) Broadcast(ev domain.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("action", ev.Action).Msg("encode event")
		return
	}

	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			log.Warn().Err(err).Str("conn", c.ID()).Msg("dropping client")
			if h.Unregister(c) {
				metrics.RecordHubDrop()
			}
			_ = c.Close()
		}
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]Conn)
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	metrics.SetHubConnections(0)
}
