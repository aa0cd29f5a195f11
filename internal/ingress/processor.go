package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	alerts "irma-supervisor/internal/alerts/domain"
	"irma-supervisor/internal/alerts/policy"
	nodeapp "irma-supervisor/internal/nodes/application"
	nodes "irma-supervisor/internal/nodes/domain"
	"irma-supervisor/internal/observability/metrics"
	"irma-supervisor/internal/readings"
)

// NodeObserver is the registry surface ingress drives.
type NodeObserver interface {
	Observe(ctx context.Context, obs nodeapp.Observation) (nodeapp.Outcome, error)
	Fire(ctx context.Context, key string, event nodes.Event) (nodeapp.Outcome, error)
}

// AlertRaiser creates alerts for dangerous readings.
type AlertRaiser interface {
	Raise(ctx context.Context, reading readings.Reading) (*alerts.Alert, bool, error)
}

// Forwarder hands persisted readings to archival targets. It must not block.
type Forwarder interface {
	Forward(ctx context.Context, reading readings.Reading)
}

// Processor applies decoded broker messages to the node registry, the reading store and
// the alert ledger.
type Processor struct {
	nodes     NodeObserver
	readings  readings.Repository
	alerts    AlertRaiser
	policy    policy.Policy
	forwarder Forwarder
	clock     clock.Clock
	logger    *zap.SugaredLogger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithForwarder sets the archival forwarder.
func WithForwarder(forwarder Forwarder) ProcessorOption {
	return func(p *Processor) {
		p.forwarder = forwarder
	}
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) ProcessorOption {
	return func(p *Processor) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.SugaredLogger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor constructs a Processor.
func NewProcessor(observer NodeObserver, store readings.Repository, raiser AlertRaiser, danger policy.Policy, opts ...ProcessorOption) (*Processor, error) {
	if observer == nil {
		return nil, errors.New("ingress: nil node observer")
	}
	if store == nil {
		return nil, errors.New("ingress: nil reading store")
	}
	if raiser == nil {
		return nil, errors.New("ingress: nil alert raiser")
	}
	if danger == nil {
		return nil, errors.New("ingress: nil danger policy")
	}
	p := &Processor{
		nodes:    observer,
		readings: store,
		alerts:   raiser,
		policy:   danger,
		clock:    clock.New(),
		logger:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Handle processes one inbound message. Errors are returned for the caller to log; the
// caller keeps consuming either way.
func (p *Processor) Handle(ctx context.Context, topic string, payload []byte) error {
	if p == nil {
		return errors.New("ingress: nil processor")
	}
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveIngress(result, time.Since(start))
	}()

	event, decodeErr := Decode(topic, payload)
	if event.Kind == 0 {
		result = metrics.ResultDropped
		p.logger.Warnw("dropping message", "topic", topic, "payload", string(payload), "error", decodeErr)
		return decodeErr
	}

	at := p.clock.Now().UTC()
	obs := nodeapp.Observation{
		ApplicationID: event.ApplicationID,
		NodeID:        event.NodeID,
		At:            at,
	}
	if event.Kind == KindStatus {
		obs.Event = event.Lifecycle
		obs.SessionID = event.SessionID
	}
	outcome, err := p.nodes.Observe(ctx, obs)
	if errors.Is(err, nodes.ErrUnknownApplication) {
		result = metrics.ResultDropped
		p.logger.Warnw("message for unknown application", "anomaly", "security", "topic", topic, "application", event.ApplicationID, "node", event.NodeID)
		return err
	}
	if err != nil {
		result = metrics.ResultError
		p.logger.Errorw("observe node failed", "topic", topic, "error", err)
		return err
	}

	if decodeErr != nil {
		result = metrics.ResultDropped
		p.logger.Warnw("dropping message", "topic", topic, "payload", string(payload), "error", decodeErr)
		return decodeErr
	}

	if event.Kind == KindReading {
		if err := p.ingestReading(ctx, event, outcome.Node, at); err != nil {
			result = metrics.ResultError
			p.logger.Errorw("reading ingestion failed", "topic", topic, "error", err)
			return err
		}
	}
	return nil
}

func (p *Processor) ingestReading(ctx context.Context, event Event, node nodes.Node, at time.Time) error {
	payload := event.Reading
	reading := readings.Reading{
		ApplicationID: event.ApplicationID,
		NodeID:        event.NodeID,
		NodeKey:       nodes.Key(event.ApplicationID, event.NodeID),
		SessionID:     node.ActiveSessionID,
		CanID:         *payload.CanID,
		SensorNumber:  *payload.SensorNumber,
		DangerLevel:   *payload.DangerLevel,
		Window1Count:  payload.Window1Count,
		Window2Count:  payload.Window2Count,
		Window3Count:  payload.Window3Count,
		PublishedAt:   at,
		ReceivedAt:    at,
	}
	if payload.SessionID != nil {
		reading.SessionID = *payload.SessionID
	}
	if payload.PublishedAt != nil {
		reading.PublishedAt = payload.PublishedAt.UTC()
	}
	if payload.ReadingID != nil {
		reading.ReadingID = *payload.ReadingID
	} else {
		id, err := p.readings.NextReadingID(ctx, at)
		if err != nil {
			return fmt.Errorf("assign reading id: %w", err)
		}
		reading.ReadingID = id
	}

	// A redelivered reading is not archived again, but the danger rule still runs so an
	// alert lost to an earlier failure is raised now. Raise is idempotent per reading.
	duplicate := false
	if err := p.readings.Save(ctx, &reading); err != nil {
		if !errors.Is(err, readings.ErrDuplicate) {
			return fmt.Errorf("save reading: %w", err)
		}
		duplicate = true
		reading.ID = reading.Key()
		p.logger.Debugw("duplicate reading", "reading", reading.ID)
	}
	if p.forwarder != nil && !duplicate {
		p.forwarder.Forward(ctx, reading)
	}

	if !p.policy.ExceedsDanger(reading) {
		return nil
	}
	alert, _, err := p.alerts.Raise(ctx, reading)
	if err != nil {
		return fmt.Errorf("raise alert: %w", err)
	}
	if alert.IsHandled {
		return nil
	}
	if _, err := p.nodes.Fire(ctx, reading.NodeKey, nodes.EventAlertRaised); err != nil {
		return fmt.Errorf("fire %s: %w", nodes.EventAlertRaised, err)
	}
	return nil
}
