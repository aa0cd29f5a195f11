package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// DefaultTopics are the wildcard subscriptions for lifecycle status and telemetry.
var DefaultTopics = []string{"+/+/status", "+/+/reading"}

const (
	subscribeQoS     = 1
	subscribeTimeout = 10 * time.Second
)

// Handler processes one inbound message.
type Handler interface {
	Handle(ctx context.Context, topic string, payload []byte) error
}

// Subscriber routes broker messages to a Handler, one at a time per connection.
type Subscriber struct {
	handler Handler
	topics  []string
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	client   paho.Client
	stopped  bool
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSubscriber constructs a subscriber. Empty topics fall back to DefaultTopics.
func NewSubscriber(handler Handler, topics []string, logger *zap.SugaredLogger) (*Subscriber, error) {
	if handler == nil {
		return nil, errors.New("mqtt: nil handler")
	}
	if len(topics) == 0 {
		topics = DefaultTopics
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		handler: handler,
		topics:  append([]string(nil), topics...),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Topics returns the subscribed topic filters.
func (s *Subscriber) Topics() []string {
	return append([]string(nil), s.topics...)
}

// OnConnect subscribes on client. It is meant to be the client's connect handler.
func (s *Subscriber) OnConnect(client paho.Client) {
	if err := s.Subscribe(client); err != nil {
		s.logger.Errorw("mqtt subscribe failed", "topics", strings.Join(s.topics, ","), "error", err)
	}
}

// Subscribe registers all topic filters on client.
func (s *Subscriber) Subscribe(client paho.Client) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.New("mqtt: subscriber stopped")
	}
	s.client = client
	s.mu.Unlock()

	filters := make(map[string]byte, len(s.topics))
	for _, topic := range s.topics {
		filters[topic] = subscribeQoS
	}
	token := client.SubscribeMultiple(filters, s.onMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("mqtt: subscribe %v: timeout", s.topics)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe %v: %w", s.topics, err)
	}
	s.logger.Infow("mqtt subscribed", "topics", strings.Join(s.topics, ","))
	return nil
}

// Stop unsubscribes, stops accepting messages and waits for in-flight handling to finish.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	client := s.client
	s.mu.Unlock()

	if client != nil && client.IsConnected() {
		token := client.Unsubscribe(s.topics...)
		if !token.WaitTimeout(subscribeTimeout) || token.Error() != nil {
			s.logger.Warnw("mqtt unsubscribe failed", "topics", strings.Join(s.topics, ","), "error", token.Error())
		}
	}
	s.inflight.Wait()
	s.cancel()
}

func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if err := s.handler.Handle(s.ctx, msg.Topic(), msg.Payload()); err != nil {
		s.logger.Debugw("message not applied", "topic", msg.Topic(), "error", err)
	}
}
