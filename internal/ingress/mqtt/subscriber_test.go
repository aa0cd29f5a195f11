package mqtt

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return subscribeQoS }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type recordingHandler struct {
	mu       sync.Mutex
	messages []string
}

func (h *recordingHandler) Handle(_ context.Context, topic string, payload []byte) error {
	h.mu.Lock()
	h.messages = append(h.messages, topic+"="+string(payload))
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func TestSubscriberDefaultsTopics(t *testing.T) {
	sub, err := NewSubscriber(&recordingHandler{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"+/+/status", "+/+/reading"}, sub.Topics())

	_, err = NewSubscriber(nil, nil, nil)
	assert.Error(t, err)
}

func TestSubscriberRoutesUntilStopped(t *testing.T) {
	handler := &recordingHandler{}
	sub, err := NewSubscriber(handler, []string{"+/+/status"}, nil)
	require.NoError(t, err)

	sub.onMessage(nil, &fakeMessage{topic: "A1/N1/status", payload: []byte("start")})
	sub.Stop()
	sub.onMessage(nil, &fakeMessage{topic: "A1/N1/status", payload: []byte("stop")})
	sub.Stop()

	assert.Equal(t, []string{"A1/N1/status=start"}, handler.Messages())
}
