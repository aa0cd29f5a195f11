package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nodes "irma-supervisor/internal/nodes/domain"
)

const testWindow = 30 * time.Second

func TestSweepTimesOutSilentNodeOnce(t *testing.T) {
	f := newFixture(t)
	f.observe(t, nodes.EventStartRec)
	f.pending.Set(0)
	f.observe(t, nodes.EventStopRec)
	require.Len(t, f.notifier.Changes(), 2)

	supervisor, err := NewSupervisor(f.registry, testWindow, WithSupervisorClock(f.clock))
	require.NoError(t, err)

	f.clock.Add(2 * testWindow)
	expired, err := supervisor.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	node, err := f.registry.Get(context.Background(), "A1", "N1")
	require.NoError(t, err)
	assert.Equal(t, nodes.StateOffline, node.State)

	expired, err = supervisor.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, expired)

	changes := f.notifier.Changes()
	require.Len(t, changes, 3)
	assert.Equal(t, nodes.StateReady, changes[2].From)
	assert.Equal(t, nodes.StateOffline, changes[2].To)
}

func TestSweepLeavesFreshNodesAlone(t *testing.T) {
	f := newFixture(t)
	f.observe(t, nodes.EventStartRec)
	supervisor, err := NewSupervisor(f.registry, testWindow, WithSupervisorClock(f.clock))
	require.NoError(t, err)

	f.clock.Add(testWindow / 2)
	expired, err := supervisor.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, expired)
}

// raceSource delivers a live message for the node right before its expiry is attempted.
type raceSource struct {
	*Registry
	fixture *fixture
	t       *testing.T
}

func (r raceSource) Expire(ctx context.Context, key string, window time.Duration) (Outcome, error) {
	r.fixture.observe(r.t, nodes.EventStartRec)
	return r.Registry.Expire(ctx, key, window)
}

func TestFreshMessageWinsOverConcurrentTimeout(t *testing.T) {
	f := newFixture(t)
	f.observe(t, nodes.EventStartRec)
	f.observe(t, nodes.EventStopRec)
	f.clock.Add(2 * testWindow)

	supervisor, err := NewSupervisor(raceSource{Registry: f.registry, fixture: f, t: t}, testWindow, WithSupervisorClock(f.clock))
	require.NoError(t, err)

	expired, err := supervisor.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, expired)

	node, err := f.registry.Get(context.Background(), "A1", "N1")
	require.NoError(t, err)
	assert.Equal(t, nodes.StateRecording, node.State)
	assert.Equal(t, f.clock.Now().UTC(), node.LastSeenAt)
}

func TestSupervisorLoopStartPauseStop(t *testing.T) {
	f := newFixture(t)
	f.observe(t, nodes.EventStartRec)

	supervisor, err := NewSupervisor(f.registry, testWindow,
		WithSupervisorClock(f.clock),
		WithSweepInterval(10*time.Second),
	)
	require.NoError(t, err)
	require.NoError(t, supervisor.Start(context.Background()))
	assert.Error(t, supervisor.Start(context.Background()))

	supervisor.Pause()
	assert.True(t, supervisor.Paused())
	f.clock.Add(2 * testWindow)
	time.Sleep(20 * time.Millisecond)
	node, err := f.registry.Get(context.Background(), "A1", "N1")
	require.NoError(t, err)
	assert.Equal(t, nodes.StateRecording, node.State)

	supervisor.Resume()
	f.clock.Add(10 * time.Second)
	assert.Eventually(t, func() bool {
		node, err := f.registry.Get(context.Background(), "A1", "N1")
		return err == nil && node.State == nodes.StateOffline
	}, time.Second, 10*time.Millisecond)

	supervisor.Stop()
	supervisor.Stop()

	node, err = f.registry.Get(context.Background(), "A1", "N1")
	require.NoError(t, err)
	assert.Zero(t, node.ActiveSessionID)
}

func TestNewSupervisorValidatesInput(t *testing.T) {
	_, err := NewSupervisor(nil, testWindow)
	assert.Error(t, err)

	f := newFixture(t)
	_, err = NewSupervisor(f.registry, 0)
	assert.Error(t, err)
}
