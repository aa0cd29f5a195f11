package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nodeapp "irma-supervisor/internal/nodes/application"
	nodes "irma-supervisor/internal/nodes/domain"
)

func sampleChange() nodeapp.Change {
	return nodeapp.Change{
		Event:         nodeapp.ChangeEvent,
		NodeID:        "N1",
		ApplicationID: "A1",
		From:          nodes.StateAlertReady,
		To:            nodes.StateReady,
		At:            time.Date(2026, 1, 26, 8, 0, 0, 0, time.UTC),
	}
}

func TestWebhookNotifierPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	require.NoError(t, err)
	notifier, err := NewWebhookNotifier(channel, WithTimeout(time.Second))
	require.NoError(t, err)

	notifier.Notify(context.Background(), sampleChange())

	select {
	case payload := <-payloadCh:
		assert.Equal(t, "text", payload.MsgType)
		for _, expected := range []string{
			"[Node READY]",
			"Application: A1",
			"Node: N1",
			"Transition: ALERT_READY -> READY",
			"At: 2026-01-26T08:00:00Z",
		} {
			assert.Contains(t, payload.Text.Content, expected)
		}
		require.NotNil(t, payload.Change)
		assert.Equal(t, nodes.StateReady, payload.Change.To)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for webhook payload")
	}
	notifier.Wait()
}

func TestWebhookFailureDoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()
	defer close(release)

	channel, err := NewWebhookChannel(server.URL)
	require.NoError(t, err)
	notifier, err := NewWebhookNotifier(channel, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	notifier.Notify(context.Background(), sampleChange())
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	notifier.Wait()
}

func TestSSEBrokerFanOutSkipsSlowClients(t *testing.T) {
	broker := NewSSEBroker()
	fast := broker.Subscribe()
	slow := broker.Subscribe()
	for i := 0; i < cap(slow); i++ {
		slow <- []byte("stale")
	}
	assert.Equal(t, 2, broker.Clients())

	broker.Notify(context.Background(), sampleChange())

	select {
	case payload := <-fast:
		var change nodeapp.Change
		require.NoError(t, json.Unmarshal(payload, &change))
		assert.Equal(t, "N1", change.NodeID)
		assert.Equal(t, nodeapp.ChangeEvent, change.Event)
	default:
		t.Fatal("expected payload for fast client")
	}

	broker.Unsubscribe(fast)
	broker.Unsubscribe(fast)
	assert.Equal(t, 1, broker.Clients())
}

type countingSink struct {
	mu    sync.Mutex
	count int
}

func (c *countingSink) Notify(context.Context, nodeapp.Change) {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func TestHubDispatchesToAllSinks(t *testing.T) {
	first, second := &countingSink{}, &countingSink{}
	hub := NewHub(first, nil)
	hub.Add(second)
	hub.Notify(context.Background(), sampleChange())
	assert.Equal(t, 1, first.count)
	assert.Equal(t, 1, second.count)

	var nilHub *Hub
	assert.NotPanics(t, func() { nilHub.Notify(context.Background(), sampleChange()) })
}

func TestTemplateOverride(t *testing.T) {
	tpl, err := NewTemplate("{{.NodeID}} is {{.To}}")
	require.NoError(t, err)
	content, err := tpl.Render(sampleChange())
	require.NoError(t, err)
	assert.Equal(t, "N1 is READY", content)

	_, err = NewTemplate("{{.Broken")
	assert.Error(t, err)
}

type recordingChannel struct {
	mu       sync.Mutex
	messages []Message
}

func (c *recordingChannel) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	return nil
}

func TestWebhookNotifierSendsThroughChannel(t *testing.T) {
	channel := &recordingChannel{}
	tpl, err := NewTemplate("{{.NodeID}} -> {{.To}}")
	require.NoError(t, err)
	notifier, err := NewWebhookNotifier(channel, WithTemplate(tpl))
	require.NoError(t, err)

	notifier.Notify(context.Background(), sampleChange())
	notifier.Wait()

	require.Len(t, channel.messages, 1)
	assert.Equal(t, "N1 -> READY", channel.messages[0].Content)
	require.NotNil(t, channel.messages[0].Change)
	assert.Equal(t, "A1", channel.messages[0].Change.ApplicationID)

	_, err = NewWebhookNotifier(nil)
	assert.Error(t, err)
}

func TestHubAddIsSafeDuringNotify(t *testing.T) {
	hub := NewHub(&countingSink{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			hub.Add(&countingSink{})
		}()
		go func() {
			defer wg.Done()
			hub.Notify(context.Background(), sampleChange())
		}()
	}
	wg.Wait()

	last := &countingSink{}
	hub.Add(last)
	hub.Notify(context.Background(), sampleChange())
	assert.Equal(t, 1, last.count)
}
