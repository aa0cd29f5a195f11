package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	store "irma-supervisor/internal/docstore"
	nodes "irma-supervisor/internal/nodes/domain"
)

func TestNodeRepositoryVersioning(t *testing.T) {
	ctx := context.Background()
	repo := NewNodeRepository(store.NewMemory())

	node := &nodes.Node{
		ID:            nodes.Key("A1", "N1"),
		ApplicationID: "A1",
		NodeID:        "N1",
		State:         nodes.StateOffline,
		CreatedAt:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.Create(ctx, node))
	assert.Equal(t, int64(1), node.Version)
	assert.ErrorIs(t, repo.Create(ctx, &nodes.Node{ID: node.ID}), nodes.ErrVersionConflict)

	stale, err := repo.Get(ctx, node.ID)
	require.NoError(t, err)

	node.State = nodes.StateReady
	require.NoError(t, repo.Update(ctx, node))
	assert.Equal(t, int64(2), node.Version)

	stale.State = nodes.StateRecording
	assert.ErrorIs(t, repo.Update(ctx, stale), nodes.ErrVersionConflict)

	loaded, err := repo.Get(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StateReady, loaded.State)
	assert.Equal(t, int64(2), loaded.Version)

	_, err = repo.Get(ctx, nodes.Key("A1", "missing"))
	assert.ErrorIs(t, err, nodes.ErrNotFound)
}

func TestNodeRepositoryListByApplication(t *testing.T) {
	ctx := context.Background()
	repo := NewNodeRepository(store.NewMemory())
	for _, key := range [][2]string{{"A1", "N2"}, {"A1", "N1"}, {"A2", "N1"}} {
		require.NoError(t, repo.Create(ctx, &nodes.Node{
			ID:            nodes.Key(key[0], key[1]),
			ApplicationID: key[0],
			NodeID:        key[1],
			State:         nodes.StateOffline,
		}))
	}

	list, err := repo.List(ctx, "A1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "N1", list[0].NodeID)
	assert.Equal(t, "N2", list[1].NodeID)

	all, err := repo.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestApplicationRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewApplicationRepository(store.NewMemory())

	_, err := repo.Get(ctx, "A1")
	assert.ErrorIs(t, err, nodes.ErrUnknownApplication)

	require.NoError(t, repo.Create(ctx, &nodes.Application{ID: "A1", Name: "Mine shaft"}))
	app, err := repo.Get(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Mine shaft", app.Name)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
