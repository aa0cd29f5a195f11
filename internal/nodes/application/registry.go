package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	nodes "irma-supervisor/internal/nodes/domain"
	"irma-supervisor/internal/observability/metrics"
)

const (
	defaultMaxAttempts = 5

	applicationCacheTTL    = time.Minute
	applicationNegativeTTL = 10 * time.Second
)

// ChangeEvent is the broadcast event name for node state changes.
const ChangeEvent = "change"

// Change describes a committed node state transition.
type Change struct {
	Event         string      `json:"event"`
	NodeID        string      `json:"nodeID"`
	ApplicationID string      `json:"applicationID"`
	From          nodes.State `json:"from"`
	To            nodes.State `json:"to"`
	At            time.Time   `json:"at"`
}

// ChangeNotifier receives committed transitions. Implementations must not block.
type ChangeNotifier interface {
	Notify(ctx context.Context, change Change)
}

// PendingCounter reports the number of unhandled alerts for a node key.
type PendingCounter interface {
	PendingCount(ctx context.Context, nodeKey string) (int, error)
}

// Observation is one inbound sighting of a node, optionally carrying a lifecycle event.
type Observation struct {
	ApplicationID string
	NodeID        string
	// Event is empty for presence-only messages.
	Event     nodes.Event
	SessionID int64
	At        time.Time
}

// Outcome reports what a registry operation did to a node.
type Outcome struct {
	Node      nodes.Node
	Decision  nodes.Decision
	Committed bool
}

// Registry owns node records. All state changes go through nodes.Transition under a
// version-checked read-modify-write.
type Registry struct {
	nodes       nodes.Repository
	apps        nodes.ApplicationRepository
	pending     PendingCounter
	notifier    ChangeNotifier
	clock       clock.Clock
	logger      *zap.SugaredLogger
	maxAttempts int
	appCache    *gocache.Cache
}

// RegistryOption customizes the registry.
type RegistryOption func(*Registry)

// WithNotifier assigns the change notifier.
func WithNotifier(notifier ChangeNotifier) RegistryOption {
	return func(r *Registry) {
		r.notifier = notifier
	}
}

// WithPendingCounter assigns the alert pending counter consulted on STOP_REC and ALERT_CLEARED.
func WithPendingCounter(counter PendingCounter) RegistryOption {
	return func(r *Registry) {
		r.pending = counter
	}
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) RegistryOption {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.SugaredLogger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMaxAttempts bounds read-modify-write attempts per operation.
func WithMaxAttempts(attempts int) RegistryOption {
	return func(r *Registry) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
	}
}

// NewRegistry constructs a registry.
func NewRegistry(nodeRepo nodes.Repository, appRepo nodes.ApplicationRepository, opts ...RegistryOption) (*Registry, error) {
	if nodeRepo == nil || appRepo == nil {
		return nil, errors.New("nodes: nil repository")
	}
	registry := &Registry{
		nodes:       nodeRepo,
		apps:        appRepo,
		clock:       clock.New(),
		logger:      zap.NewNop().Sugar(),
		maxAttempts: defaultMaxAttempts,
		appCache:    gocache.New(applicationCacheTTL, 5*time.Minute),
	}
	for _, opt := range opts {
		opt(registry)
	}
	return registry, nil
}

// SetPendingCounter wires the counter after construction, for callers whose
// counter depends on the registry.
func (r *Registry) SetPendingCounter(counter PendingCounter) {
	if r != nil {
		r.pending = counter
	}
}

// RegisterApplication stores an application. Registering an existing id is a no-op.
func (r *Registry) RegisterApplication(ctx context.Context, app nodes.Application) error {
	if r == nil {
		return errors.New("nodes: nil registry")
	}
	if app.ID == "" {
		return errors.New("nodes: application id required")
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = r.now()
	}
	err := r.apps.Create(ctx, &app)
	if err != nil && !errors.Is(err, nodes.ErrVersionConflict) {
		return err
	}
	r.appCache.Delete(app.ID)
	return nil
}

// ResolveApplication returns a registered application or ErrUnknownApplication.
func (r *Registry) ResolveApplication(ctx context.Context, id string) (*nodes.Application, error) {
	if r == nil {
		return nil, errors.New("nodes: nil registry")
	}
	if id == "" {
		return nil, nodes.ErrUnknownApplication
	}
	if cached, ok := r.appCache.Get(id); ok {
		app, _ := cached.(*nodes.Application)
		if app == nil {
			return nil, nodes.ErrUnknownApplication
		}
		return app, nil
	}
	app, err := r.apps.Get(ctx, id)
	if errors.Is(err, nodes.ErrUnknownApplication) {
		r.appCache.Set(id, (*nodes.Application)(nil), applicationNegativeTTL)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	r.appCache.Set(id, app, gocache.DefaultExpiration)
	return app, nil
}

// Get loads one node.
func (r *Registry) Get(ctx context.Context, applicationID, nodeID string) (*nodes.Node, error) {
	if r == nil {
		return nil, errors.New("nodes: nil registry")
	}
	return r.nodes.Get(ctx, nodes.Key(applicationID, nodeID))
}

// List returns nodes, optionally scoped to one application.
func (r *Registry) List(ctx context.Context, applicationID string) ([]nodes.Node, error) {
	if r == nil {
		return nil, errors.New("nodes: nil registry")
	}
	return r.nodes.List(ctx, applicationID)
}

// Observe records a sighting. lastSeenAt is always refreshed; when obs.Event is set it is
// driven through the engine. Unknown nodes of a known application are created OFFLINE first.
func (r *Registry) Observe(ctx context.Context, obs Observation) (Outcome, error) {
	if r == nil {
		return Outcome{}, errors.New("nodes: nil registry")
	}
	if obs.NodeID == "" {
		return Outcome{}, errors.New("nodes: node id required")
	}
	if _, err := r.ResolveApplication(ctx, obs.ApplicationID); err != nil {
		return Outcome{}, err
	}
	at := obs.At
	if at.IsZero() {
		at = r.now()
	}
	at = at.UTC()
	key := nodes.Key(obs.ApplicationID, obs.NodeID)
	if err := r.ensureNode(ctx, obs.ApplicationID, obs.NodeID, at); err != nil {
		return Outcome{}, err
	}

	sessionID := obs.SessionID
	if obs.Event == nodes.EventStartRec && sessionID == 0 {
		sessionID = at.Unix()
	}
	outcome, err := r.mutate(ctx, key, func(node *nodes.Node) (nodes.Decision, bool, error) {
		if at.After(node.LastSeenAt) {
			node.LastSeenAt = at
		}
		decision := nodes.Decision{From: node.State, To: node.State}
		if obs.Event == "" {
			return decision, true, nil
		}
		decision, err := r.apply(ctx, node, obs.Event, sessionID, at)
		return decision, err == nil, err
	})
	if err != nil {
		return Outcome{}, err
	}
	r.afterCommit(ctx, outcome)
	return outcome, nil
}

// Fire drives event for an existing node without touching lastSeenAt.
// ALERT_CLEARED only releases the node when no alert is pending at write time.
func (r *Registry) Fire(ctx context.Context, key string, event nodes.Event) (Outcome, error) {
	if r == nil {
		return Outcome{}, errors.New("nodes: nil registry")
	}
	at := r.now()
	outcome, err := r.mutate(ctx, key, func(node *nodes.Node) (nodes.Decision, bool, error) {
		before := node.ActiveSessionID
		decision, err := r.apply(ctx, node, event, 0, at)
		if err != nil {
			return decision, false, err
		}
		return decision, decision.Notify || before != node.ActiveSessionID, nil
	})
	if err != nil {
		return Outcome{}, err
	}
	r.afterCommit(ctx, outcome)
	return outcome, nil
}

// Expire applies TIMEOUT when the node has not been seen within window. The staleness
// check is repeated against the freshly read record so a concurrent message wins.
func (r *Registry) Expire(ctx context.Context, key string, window time.Duration) (Outcome, error) {
	if r == nil {
		return Outcome{}, errors.New("nodes: nil registry")
	}
	at := r.now()
	outcome, err := r.mutate(ctx, key, func(node *nodes.Node) (nodes.Decision, bool, error) {
		if at.Sub(node.LastSeenAt) < window {
			return nodes.Decision{From: node.State, To: node.State}, false, nil
		}
		before := node.ActiveSessionID
		decision, err := node.Apply(nodes.EventTimeout, 0, 0, at)
		if err != nil {
			return decision, false, err
		}
		return decision, decision.Notify || before != node.ActiveSessionID, nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if outcome.Committed && outcome.Decision.Notify {
		metrics.IncTimeout()
		r.logger.Infow("node timed out", "node", key, "from", outcome.Decision.From, "lastSeenAt", outcome.Node.LastSeenAt)
	}
	r.afterCommit(ctx, outcome)
	return outcome, nil
}

func (r *Registry) apply(ctx context.Context, node *nodes.Node, event nodes.Event, sessionID int64, at time.Time) (nodes.Decision, error) {
	pending := 0
	if event == nodes.EventStopRec || event == nodes.EventAlertCleared {
		count, err := r.pendingCount(ctx, node.ID)
		if err != nil {
			return nodes.Decision{}, err
		}
		pending = count
	}
	if event == nodes.EventAlertCleared && pending > 0 {
		return nodes.Decision{From: node.State, To: node.State, Ignored: true}, nil
	}
	return node.Apply(event, pending, sessionID, at)
}

func (r *Registry) pendingCount(ctx context.Context, key string) (int, error) {
	if r.pending == nil {
		return 0, nil
	}
	count, err := r.pending.PendingCount(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("nodes: pending count %s: %w", key, err)
	}
	return count, nil
}

// mutate runs fn against the latest record and writes it back when fn asks to,
// retrying on version conflicts.
func (r *Registry) mutate(ctx context.Context, key string, fn func(node *nodes.Node) (nodes.Decision, bool, error)) (Outcome, error) {
	var outcome Outcome
	operation := func() error {
		node, err := r.nodes.Get(ctx, key)
		if err != nil {
			return backoff.Permanent(err)
		}
		decision, write, err := fn(node)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !write {
			outcome = Outcome{Node: *node, Decision: decision}
			return nil
		}
		node.UpdatedAt = r.now()
		if err := r.nodes.Update(ctx, node); err != nil {
			if errors.Is(err, nodes.ErrVersionConflict) {
				metrics.IncVersionConflict("nodes")
				return err
			}
			return backoff.Permanent(err)
		}
		outcome = Outcome{Node: *node, Decision: decision, Committed: true}
		return nil
	}
	err := backoff.Retry(operation, r.retryPolicy(ctx))
	if errors.Is(err, nodes.ErrVersionConflict) {
		return Outcome{}, fmt.Errorf("%w: %s", nodes.ErrConcurrentModification, key)
	}
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

func (r *Registry) retryPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 100 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.maxAttempts-1)), ctx)
}

func (r *Registry) ensureNode(ctx context.Context, applicationID, nodeID string, at time.Time) error {
	key := nodes.Key(applicationID, nodeID)
	_, err := r.nodes.Get(ctx, key)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nodes.ErrNotFound) {
		return err
	}
	node := &nodes.Node{
		ID:            key,
		ApplicationID: applicationID,
		NodeID:        nodeID,
		Name:          nodeID,
		State:         nodes.StateOffline,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	err = r.nodes.Create(ctx, node)
	if errors.Is(err, nodes.ErrVersionConflict) {
		return nil
	}
	if err == nil {
		r.logger.Infow("node registered", "node", key)
	}
	return err
}

// afterCommit publishes a committed change and settles a node that entered ALERT_READY
// while its alerts were being handled.
func (r *Registry) afterCommit(ctx context.Context, outcome Outcome) {
	if !outcome.Committed || !outcome.Decision.Notify {
		return
	}
	decision := outcome.Decision
	metrics.IncTransition(string(decision.From), string(decision.To))
	r.logger.Debugw("node transition", "node", outcome.Node.ID, "from", decision.From, "to", decision.To)
	if r.notifier != nil {
		r.notifier.Notify(ctx, Change{
			Event:         ChangeEvent,
			NodeID:        outcome.Node.NodeID,
			ApplicationID: outcome.Node.ApplicationID,
			From:          decision.From,
			To:            decision.To,
			At:            outcome.Node.UpdatedAt,
		})
	}
	if decision.To == nodes.StateAlertReady {
		if _, err := r.Fire(ctx, outcome.Node.ID, nodes.EventAlertCleared); err != nil {
			r.logger.Warnw("settle after alert hold failed", "node", outcome.Node.ID, "error", err)
		}
	}
}

func (r *Registry) now() time.Time {
	return r.clock.Now().UTC()
}
