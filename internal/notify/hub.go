package notify

import (
	"context"
	"sync"

	nodeapp "irma-supervisor/internal/nodes/application"
)

// Hub dispatches node changes to multiple sinks.
type Hub struct {
	mu    sync.RWMutex
	sinks []nodeapp.ChangeNotifier
}

// NewHub constructs a Hub. Nil sinks are skipped.
func NewHub(sinks ...nodeapp.ChangeNotifier) *Hub {
	hub := &Hub{}
	for _, sink := range sinks {
		if sink != nil {
			hub.sinks = append(hub.sinks, sink)
		}
	}
	return hub
}

// Add registers another sink.
func (h *Hub) Add(sink nodeapp.ChangeNotifier) {
	if h == nil || sink == nil {
		return
	}
	h.mu.Lock()
	h.sinks = append(h.sinks, sink)
	h.mu.Unlock()
}

// Notify implements nodeapp.ChangeNotifier.
func (h *Hub) Notify(ctx context.Context, change nodeapp.Change) {
	if h == nil {
		return
	}
	h.mu.RLock()
	sinks := h.sinks
	h.mu.RUnlock()
	for _, sink := range sinks {
		sink.Notify(ctx, change)
	}
}
