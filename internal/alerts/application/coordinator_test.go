package application

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alerts "irma-supervisor/internal/alerts/domain"
	alertrepo "irma-supervisor/internal/alerts/infrastructure/docstore"
	store "irma-supervisor/internal/docstore"
	nodeapp "irma-supervisor/internal/nodes/application"
	nodes "irma-supervisor/internal/nodes/domain"
	noderepo "irma-supervisor/internal/nodes/infrastructure/docstore"
	"irma-supervisor/internal/readings"
)

type recordingNotifier struct {
	mu      sync.Mutex
	changes []nodeapp.Change
}

func (n *recordingNotifier) Notify(_ context.Context, change nodeapp.Change) {
	n.mu.Lock()
	n.changes = append(n.changes, change)
	n.mu.Unlock()
}

func (n *recordingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.changes)
}

type harness struct {
	registry    *nodeapp.Registry
	ledger      *Ledger
	coordinator *Coordinator
	notifier    *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backing := store.NewMemory()
	ledger, err := NewLedger(alertrepo.NewAlertRepository(backing))
	require.NoError(t, err)
	notifier := &recordingNotifier{}
	registry, err := nodeapp.NewRegistry(
		noderepo.NewNodeRepository(backing),
		noderepo.NewApplicationRepository(backing),
		nodeapp.WithNotifier(notifier),
		nodeapp.WithPendingCounter(ledger),
	)
	require.NoError(t, err)
	require.NoError(t, registry.RegisterApplication(context.Background(), nodes.Application{ID: "A1"}))
	coordinator, err := NewCoordinator(ledger, registry, nil)
	require.NoError(t, err)
	return &harness{registry: registry, ledger: ledger, coordinator: coordinator, notifier: notifier}
}

func (h *harness) event(t *testing.T, event nodes.Event) {
	t.Helper()
	_, err := h.registry.Observe(context.Background(), nodeapp.Observation{ApplicationID: "A1", NodeID: "N1", Event: event})
	require.NoError(t, err)
}

func (h *harness) raise(t *testing.T, readingID int64) *alerts.Alert {
	t.Helper()
	reading := readings.Reading{ApplicationID: "A1", NodeID: "N1", NodeKey: "A1/N1", SessionID: 1, ReadingID: readingID, DangerLevel: 9}
	reading.ID = reading.Key()
	alert, created, err := h.ledger.Raise(context.Background(), reading)
	require.NoError(t, err)
	require.True(t, created)
	_, err = h.registry.Fire(context.Background(), reading.NodeKey, nodes.EventAlertRaised)
	require.NoError(t, err)
	return alert
}

func (h *harness) state(t *testing.T) nodes.State {
	t.Helper()
	node, err := h.registry.Get(context.Background(), "A1", "N1")
	require.NoError(t, err)
	return node.State
}

func TestAlertGatingReleasesAfterLastHandle(t *testing.T) {
	h := newHarness(t)
	h.event(t, nodes.EventStartRec)
	first := h.raise(t, 10)
	second := h.raise(t, 11)
	h.event(t, nodes.EventStopRec)
	assert.Equal(t, nodes.StateAlertReady, h.state(t))

	pending, err := h.ledger.PendingCount(context.Background(), "A1/N1")
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	notificationsBefore := h.notifier.Count()
	resolution, err := h.coordinator.Handle(context.Background(), first.ID, alerts.Handling{Confirmed: true, Operator: "op-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, resolution.PendingCount)
	assert.Equal(t, nodes.StateAlertReady, resolution.NodeState)
	assert.False(t, resolution.Released)
	assert.Equal(t, notificationsBefore, h.notifier.Count())

	resolution, err = h.coordinator.Handle(context.Background(), second.ID, alerts.Handling{Confirmed: false, Note: "false positive", Operator: "op-2"})
	require.NoError(t, err)
	assert.Zero(t, resolution.PendingCount)
	assert.Equal(t, nodes.StateReady, resolution.NodeState)
	assert.True(t, resolution.Released)
	assert.Equal(t, notificationsBefore+1, h.notifier.Count())
	assert.Equal(t, nodes.StateReady, h.state(t))
}

func TestHandleMissingAlertMutatesNothing(t *testing.T) {
	h := newHarness(t)
	h.event(t, nodes.EventStartRec)
	h.raise(t, 10)
	before := h.notifier.Count()

	_, err := h.coordinator.Handle(context.Background(), "no-such-alert", alerts.Handling{Operator: "op-1"})
	assert.ErrorIs(t, err, alerts.ErrNotFound)
	assert.Equal(t, nodes.StateAlertReady, h.state(t))
	assert.Equal(t, before, h.notifier.Count())
}

func TestRehandlePreservesOriginalDecision(t *testing.T) {
	h := newHarness(t)
	h.event(t, nodes.EventStartRec)
	alert := h.raise(t, 10)

	first, err := h.coordinator.Handle(context.Background(), alert.ID, alerts.Handling{Confirmed: true, Note: "evacuated", Operator: "op-1"})
	require.NoError(t, err)
	assert.False(t, first.AlreadyHandled)
	notifications := h.notifier.Count()

	again, err := h.coordinator.Handle(context.Background(), alert.ID, alerts.Handling{Confirmed: false, Note: "changed my mind", Operator: "op-2"})
	require.NoError(t, err)
	assert.True(t, again.AlreadyHandled)
	assert.True(t, again.Alert.IsConfirmed)
	assert.Equal(t, "evacuated", again.Alert.HandleNote)
	assert.Equal(t, "op-1", again.Alert.HandledBy)
	assert.Equal(t, first.Alert.HandledAt, again.Alert.HandledAt)
	assert.Equal(t, notifications, h.notifier.Count())

	stored, err := h.ledger.Get(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, "op-1", stored.HandledBy)
}

func TestConcurrentHandlesReleaseExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.event(t, nodes.EventStartRec)
	ids := []string{h.raise(t, 1).ID, h.raise(t, 2).ID, h.raise(t, 3).ID}
	h.event(t, nodes.EventStopRec)
	before := h.notifier.Count()

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coordinator.Handle(context.Background(), id, alerts.Handling{Confirmed: true, Operator: "op"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, nodes.StateReady, h.state(t))
	assert.Equal(t, before+1, h.notifier.Count())
}

func TestRaiseIsIdempotentPerReading(t *testing.T) {
	h := newHarness(t)
	reading := readings.Reading{NodeKey: "A1/N1", NodeID: "N1", ApplicationID: "A1", SessionID: 1, ReadingID: 5}
	reading.ID = reading.Key()

	first, created, err := h.ledger.Raise(context.Background(), reading)
	require.NoError(t, err)
	assert.True(t, created)
	second, created, err := h.ledger.Raise(context.Background(), reading)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	pending, err := h.ledger.PendingCount(context.Background(), "A1/N1")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestHandleRequiresOperator(t *testing.T) {
	h := newHarness(t)
	_, err := h.coordinator.Handle(context.Background(), "x", alerts.Handling{})
	assert.ErrorIs(t, err, alerts.ErrOperatorRequired)
}

func TestListQueries(t *testing.T) {
	h := newHarness(t)
	h.event(t, nodes.EventStartRec)
	alert := h.raise(t, 1)
	h.raise(t, 2)
	_, err := h.coordinator.Handle(context.Background(), alert.ID, alerts.Handling{Operator: "op"})
	require.NoError(t, err)

	all, err := h.ledger.ListByNode(context.Background(), "A1/N1", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := h.ledger.ListByNode(context.Background(), "A1/N1", true)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	session, err := h.ledger.ListBySession(context.Background(), "A1/N1", 1)
	require.NoError(t, err)
	assert.Len(t, session, 2)
}

type conflictingRepository struct {
	alerts.Repository
}

func (conflictingRepository) Update(context.Context, *alerts.Alert) error {
	return alerts.ErrVersionConflict
}

func TestHandleSurfacesExhaustedRetriesAsConcurrentModification(t *testing.T) {
	backing := store.NewMemory()
	repo := alertrepo.NewAlertRepository(backing)
	seed, err := NewLedger(repo)
	require.NoError(t, err)
	reading := readings.Reading{ApplicationID: "A1", NodeID: "N1", NodeKey: "A1/N1", SessionID: 1, ReadingID: 1, DangerLevel: 9}
	reading.ID = reading.Key()
	alert, _, err := seed.Raise(context.Background(), reading)
	require.NoError(t, err)

	ledger, err := NewLedger(conflictingRepository{Repository: repo}, WithMaxAttempts(2))
	require.NoError(t, err)
	_, err = ledger.Handle(context.Background(), alert.ID, alerts.Handling{Confirmed: true, Operator: "op-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, alerts.ErrConcurrentModification)

	stored, err := seed.Get(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsHandled)
}
