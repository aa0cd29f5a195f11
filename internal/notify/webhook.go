package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	nodeapp "irma-supervisor/internal/nodes/application"
	"irma-supervisor/internal/observability/metrics"
)

const sinkWebhook = "webhook"

// Message is one rendered change ready for delivery.
type Message struct {
	Content string
	Change  *nodeapp.Change
}

// Channel delivers rendered messages.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

type webhookPayload struct {
	MsgType string          `json:"msgtype"`
	Text    webhookText     `json:"text"`
	Change  *nodeapp.Change `json:"change,omitempty"`
}

type webhookText struct {
	Content string `json:"content"`
}

// WebhookChannel posts text payloads to a webhook endpoint.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	channel := &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel, nil
}

// Send implements Channel as a text webhook post.
func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	if w == nil || w.url == "" {
		return errors.New("webhook channel: empty url")
	}
	payload := webhookPayload{MsgType: "text", Text: webhookText{Content: msg.Content}, Change: msg.Change}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: non-2xx response %d", resp.StatusCode)
	}
	return nil
}

// WebhookNotifier renders changes and delivers them in the background, once, without retries.
type WebhookNotifier struct {
	channel  Channel
	template *Template
	timeout  time.Duration
	logger   *zap.SugaredLogger
	wg       sync.WaitGroup
}

// NotifierOption configures the webhook notifier.
type NotifierOption func(*WebhookNotifier)

// WithTimeout bounds each delivery.
func WithTimeout(timeout time.Duration) NotifierOption {
	return func(n *WebhookNotifier) {
		if timeout > 0 {
			n.timeout = timeout
		}
	}
}

// WithTemplate overrides the text template.
func WithTemplate(tpl *Template) NotifierOption {
	return func(n *WebhookNotifier) {
		if tpl != nil {
			n.template = tpl
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.SugaredLogger) NotifierOption {
	return func(n *WebhookNotifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewWebhookNotifier constructs a notifier.
func NewWebhookNotifier(channel Channel, opts ...NotifierOption) (*WebhookNotifier, error) {
	if channel == nil {
		return nil, errors.New("webhook notifier: nil channel")
	}
	tpl, err := NewTemplate("")
	if err != nil {
		return nil, err
	}
	n := &WebhookNotifier{
		channel:  channel,
		template: tpl,
		timeout:  5 * time.Second,
		logger:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements nodeapp.ChangeNotifier. Delivery is detached from ctx.
func (n *WebhookNotifier) Notify(_ context.Context, change nodeapp.Change) {
	if n == nil {
		return
	}
	content, err := n.template.Render(change)
	if err != nil {
		metrics.IncNotification(sinkWebhook, metrics.ResultError)
		n.logger.Warnw("render change notification", "node", change.NodeID, "error", err)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.channel.Send(ctx, Message{Content: content, Change: &change}); err != nil {
			metrics.IncNotification(sinkWebhook, metrics.ResultError)
			n.logger.Warnw("change webhook failed", "node", change.NodeID, "error", err)
			return
		}
		metrics.IncNotification(sinkWebhook, metrics.ResultSuccess)
	}()
}

// Wait blocks until in-flight deliveries finish.
func (n *WebhookNotifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}
