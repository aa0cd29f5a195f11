package notify

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"

	nodeapp "irma-supervisor/internal/nodes/application"
	"irma-supervisor/internal/observability/metrics"
)

const sinkSSE = "sse"

// SSEBroker fans out node changes to connected dashboard clients.
// Slow clients miss events rather than block the sender.
type SSEBroker struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	buffer  int
}

// NewSSEBroker constructs a broker.
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{clients: make(map[chan []byte]struct{}), buffer: 16}
}

// Notify implements nodeapp.ChangeNotifier.
func (b *SSEBroker) Notify(_ context.Context, change nodeapp.Change) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(change)
	if err != nil {
		metrics.IncNotification(sinkSSE, metrics.ResultError)
		return
	}
	b.broadcast(payload)
}

// Subscribe registers a new client channel.
func (b *SSEBroker) Subscribe() chan []byte {
	if b == nil {
		return nil
	}
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client channel.
func (b *SSEBroker) Unsubscribe(ch chan []byte) {
	if b == nil || ch == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.clients[ch]
	delete(b.clients, ch)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Clients returns the number of connected clients.
func (b *SSEBroker) Clients() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *SSEBroker) broadcast(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
			metrics.IncNotification(sinkSSE, metrics.ResultSuccess)
		default:
			metrics.IncNotification(sinkSSE, metrics.ResultDropped)
		}
	}
}
