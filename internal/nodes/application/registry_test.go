package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	store "irma-supervisor/internal/docstore"
	nodes "irma-supervisor/internal/nodes/domain"
	noderepo "irma-supervisor/internal/nodes/infrastructure/docstore"
)

type recordingNotifier struct {
	mu      sync.Mutex
	changes []Change
}

func (n *recordingNotifier) Notify(_ context.Context, change Change) {
	n.mu.Lock()
	n.changes = append(n.changes, change)
	n.mu.Unlock()
}

func (n *recordingNotifier) Changes() []Change {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Change(nil), n.changes...)
}

type stubPending struct {
	mu     sync.Mutex
	counts []int
}

func (s *stubPending) PendingCount(_ context.Context, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.counts) == 0 {
		return 0, nil
	}
	count := s.counts[0]
	if len(s.counts) > 1 {
		s.counts = s.counts[1:]
	}
	return count, nil
}

func (s *stubPending) Set(counts ...int) {
	s.mu.Lock()
	s.counts = counts
	s.mu.Unlock()
}

type conflictingRepo struct {
	nodes.Repository
	mu        sync.Mutex
	conflicts int
	updates   int
}

func (c *conflictingRepo) Update(ctx context.Context, node *nodes.Node) error {
	c.mu.Lock()
	c.updates++
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return nodes.ErrVersionConflict
	}
	c.mu.Unlock()
	return c.Repository.Update(ctx, node)
}

type fixture struct {
	registry *Registry
	nodes    nodes.Repository
	notifier *recordingNotifier
	pending  *stubPending
	clock    *clock.Mock
}

func newFixture(t *testing.T, opts ...RegistryOption) *fixture {
	t.Helper()
	backing := store.NewMemory()
	f := &fixture{
		nodes:    noderepo.NewNodeRepository(backing),
		notifier: &recordingNotifier{},
		pending:  &stubPending{},
		clock:    clock.NewMock(),
	}
	f.clock.Set(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	base := []RegistryOption{WithNotifier(f.notifier), WithPendingCounter(f.pending), WithClock(f.clock)}
	registry, err := NewRegistry(f.nodes, noderepo.NewApplicationRepository(backing), append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, registry.RegisterApplication(context.Background(), nodes.Application{ID: "A1", Name: "Plant"}))
	f.registry = registry
	return f
}

func (f *fixture) observe(t *testing.T, event nodes.Event) Outcome {
	t.Helper()
	outcome, err := f.registry.Observe(context.Background(), Observation{ApplicationID: "A1", NodeID: "N1", Event: event})
	require.NoError(t, err)
	return outcome
}

func TestObserveUnknownApplicationIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Observe(context.Background(), Observation{ApplicationID: "ghost", NodeID: "N1", Event: nodes.EventStartRec})
	assert.ErrorIs(t, err, nodes.ErrUnknownApplication)

	list, err := f.registry.List(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.notifier.Changes())
}

func TestObserveRegistersUnknownNodeAndStartsSession(t *testing.T) {
	f := newFixture(t)
	outcome := f.observe(t, nodes.EventStartRec)

	assert.True(t, outcome.Committed)
	assert.Equal(t, nodes.StateRecording, outcome.Node.State)
	assert.Equal(t, f.clock.Now().Unix(), outcome.Node.ActiveSessionID)
	assert.Equal(t, f.clock.Now().UTC(), outcome.Node.LastSeenAt)

	changes := f.notifier.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, Change{
		Event:         ChangeEvent,
		NodeID:        "N1",
		ApplicationID: "A1",
		From:          nodes.StateOffline,
		To:            nodes.StateRecording,
		At:            f.clock.Now().UTC(),
	}, changes[0])
}

func TestPresenceRefreshesLastSeenWithoutNotification(t *testing.T) {
	f := newFixture(t)
	f.observe(t, nodes.EventStartRec)
	f.clock.Add(5 * time.Second)

	outcome := f.observe(t, "")
	assert.True(t, outcome.Committed)
	assert.False(t, outcome.Decision.Notify)
	assert.Equal(t, f.clock.Now().UTC(), outcome.Node.LastSeenAt)
	assert.Len(t, f.notifier.Changes(), 1)
}

func TestIgnoredEventStillRefreshesLastSeen(t *testing.T) {
	f := newFixture(t)
	f.observe(t, nodes.EventStartRec)
	f.clock.Add(time.Second)

	outcome := f.observe(t, nodes.EventStartRec)
	assert.True(t, outcome.Decision.Ignored)
	assert.Equal(t, f.clock.Now().UTC(), outcome.Node.LastSeenAt)
	assert.Len(t, f.notifier.Changes(), 1)
}

func TestStopWithPendingAlertsHoldsUntilCleared(t *testing.T) {
	f := newFixture(t)
	f.observe(t, nodes.EventStartRec)

	f.pending.Set(2)
	outcome := f.observe(t, nodes.EventStopRec)
	assert.Equal(t, nodes.StateAlertReady, outcome.Node.State)
	assert.Zero(t, outcome.Node.ActiveSessionID)

	cleared, err := f.registry.Fire(context.Background(), nodes.Key("A1", "N1"), nodes.EventAlertCleared)
	require.NoError(t, err)
	assert.False(t, cleared.Committed)
	assert.Equal(t, nodes.StateAlertReady, cleared.Node.State)

	f.pending.Set(0)
	cleared, err = f.registry.Fire(context.Background(), nodes.Key("A1", "N1"), nodes.EventAlertCleared)
	require.NoError(t, err)
	assert.True(t, cleared.Committed)
	assert.Equal(t, nodes.StateReady, cleared.Node.State)

	again, err := f.registry.Fire(context.Background(), nodes.Key("A1", "N1"), nodes.EventAlertCleared)
	require.NoError(t, err)
	assert.False(t, again.Committed)
	assert.True(t, again.Decision.Ignored)

	changes := f.notifier.Changes()
	require.Len(t, changes, 3)
	assert.Equal(t, nodes.StateReady, changes[2].To)
}

func TestAlertHoldSettlesWhenPendingDrainedConcurrently(t *testing.T) {
	f := newFixture(t)
	f.observe(t, nodes.EventStartRec)

	// STOP_REC sees one pending alert, the handle commits before the settle re-read.
	f.pending.Set(1, 0)
	f.observe(t, nodes.EventStopRec)

	node, err := f.registry.Get(context.Background(), "A1", "N1")
	require.NoError(t, err)
	assert.Equal(t, nodes.StateReady, node.State)

	changes := f.notifier.Changes()
	require.Len(t, changes, 3)
	assert.Equal(t, nodes.StateAlertReady, changes[1].To)
	assert.Equal(t, nodes.StateReady, changes[2].To)
}

func TestFireMissingNodeReturnsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Fire(context.Background(), nodes.Key("A1", "missing"), nodes.EventAlertRaised)
	assert.ErrorIs(t, err, nodes.ErrNotFound)
}

func TestVersionConflictIsRetried(t *testing.T) {
	backing := store.NewMemory()
	repo := &conflictingRepo{Repository: noderepo.NewNodeRepository(backing), conflicts: 2}
	registry, err := NewRegistry(repo, noderepo.NewApplicationRepository(backing), WithMaxAttempts(5))
	require.NoError(t, err)
	require.NoError(t, registry.RegisterApplication(context.Background(), nodes.Application{ID: "A1"}))

	outcome, err := registry.Observe(context.Background(), Observation{ApplicationID: "A1", NodeID: "N1", Event: nodes.EventStartRec})
	require.NoError(t, err)
	assert.Equal(t, nodes.StateRecording, outcome.Node.State)
	assert.Equal(t, 3, repo.updates)
}

func TestVersionConflictExhaustionSurfacesConcurrentModification(t *testing.T) {
	backing := store.NewMemory()
	repo := &conflictingRepo{Repository: noderepo.NewNodeRepository(backing), conflicts: 100}
	registry, err := NewRegistry(repo, noderepo.NewApplicationRepository(backing), WithMaxAttempts(3))
	require.NoError(t, err)
	require.NoError(t, registry.RegisterApplication(context.Background(), nodes.Application{ID: "A1"}))

	_, err = registry.Observe(context.Background(), Observation{ApplicationID: "A1", NodeID: "N1", Event: nodes.EventStartRec})
	assert.ErrorIs(t, err, nodes.ErrConcurrentModification)
	assert.Equal(t, 3, repo.updates)
}

func TestConcurrentObservationsAllCommit(t *testing.T) {
	f := newFixture(t, WithMaxAttempts(50))
	f.observe(t, "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.registry.Observe(context.Background(), Observation{ApplicationID: "A1", NodeID: "N1", Event: nodes.EventStartRec})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	node, err := f.registry.Get(context.Background(), "A1", "N1")
	require.NoError(t, err)
	assert.Equal(t, nodes.StateRecording, node.State)
	assert.Len(t, f.notifier.Changes(), 1)
}

func TestApplicationLookupIsCached(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.ResolveApplication(context.Background(), "A2")
	assert.ErrorIs(t, err, nodes.ErrUnknownApplication)

	require.NoError(t, f.registry.RegisterApplication(context.Background(), nodes.Application{ID: "A2"}))
	app, err := f.registry.ResolveApplication(context.Background(), "A2")
	require.NoError(t, err)
	assert.Equal(t, "A2", app.ID)
	require.NoError(t, f.registry.RegisterApplication(context.Background(), nodes.Application{ID: "A2"}))
}
