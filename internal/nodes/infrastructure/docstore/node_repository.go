package docstore

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	store "irma-supervisor/internal/docstore"
	nodes "irma-supervisor/internal/nodes/domain"
)

const (
	// NodesCollection holds node records keyed by "applicationID/nodeID".
	NodesCollection = "nodes"
	// ApplicationsCollection holds application records keyed by id.
	ApplicationsCollection = "applications"
)

// NodeRepository persists nodes in a document store.
type NodeRepository struct {
	store store.Store
}

// NewNodeRepository constructs a repository.
func NewNodeRepository(s store.Store) *NodeRepository {
	return &NodeRepository{store: s}
}

// Get loads a node by key.
func (r *NodeRepository) Get(ctx context.Context, key string) (*nodes.Node, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("node repo: nil store")
	}
	doc, err := r.store.Get(ctx, NodesCollection, key)
	if err != nil {
		return nil, translate(err)
	}
	return decodeNode(doc)
}

// Create inserts a node. An existing record yields nodes.ErrVersionConflict.
func (r *NodeRepository) Create(ctx context.Context, node *nodes.Node) error {
	if r == nil || r.store == nil {
		return errors.New("node repo: nil store")
	}
	if node == nil || node.ID == "" {
		return errors.New("node repo: node id required")
	}
	return r.write(ctx, node, 0)
}

// Update writes a node conditioned on node.Version.
func (r *NodeRepository) Update(ctx context.Context, node *nodes.Node) error {
	if r == nil || r.store == nil {
		return errors.New("node repo: nil store")
	}
	if node == nil || node.ID == "" {
		return errors.New("node repo: node id required")
	}
	if node.Version == 0 {
		return errors.New("node repo: update requires a loaded version")
	}
	return r.write(ctx, node, node.Version)
}

// List returns nodes, optionally scoped to one application.
func (r *NodeRepository) List(ctx context.Context, applicationID string) ([]nodes.Node, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("node repo: nil store")
	}
	filter := store.Filter{}
	if applicationID != "" {
		filter["applicationID"] = applicationID
	}
	docs, err := r.store.Query(ctx, NodesCollection, filter)
	if err != nil {
		return nil, err
	}
	result := make([]nodes.Node, 0, len(docs))
	for _, doc := range docs {
		node, err := decodeNode(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, *node)
	}
	return result, nil
}

func (r *NodeRepository) write(ctx context.Context, node *nodes.Node, expected int64) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	version, err := r.store.Upsert(ctx, NodesCollection, node.ID, data, expected)
	if err != nil {
		return translate(err)
	}
	node.Version = version
	return nil
}

func decodeNode(doc store.Document) (*nodes.Node, error) {
	var node nodes.Node
	if err := json.Unmarshal(doc.Data, &node); err != nil {
		return nil, fmt.Errorf("node repo: decode %s: %w", doc.Key, err)
	}
	node.Version = doc.Version
	return &node, nil
}

// ApplicationRepository persists applications in a document store.
type ApplicationRepository struct {
	store store.Store
}

// NewApplicationRepository constructs a repository.
func NewApplicationRepository(s store.Store) *ApplicationRepository {
	return &ApplicationRepository{store: s}
}

// Get loads an application by id.
func (r *ApplicationRepository) Get(ctx context.Context, id string) (*nodes.Application, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("application repo: nil store")
	}
	doc, err := r.store.Get(ctx, ApplicationsCollection, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nodes.ErrUnknownApplication
		}
		return nil, err
	}
	var app nodes.Application
	if err := json.Unmarshal(doc.Data, &app); err != nil {
		return nil, fmt.Errorf("application repo: decode %s: %w", id, err)
	}
	return &app, nil
}

// Create inserts an application.
func (r *ApplicationRepository) Create(ctx context.Context, app *nodes.Application) error {
	if r == nil || r.store == nil {
		return errors.New("application repo: nil store")
	}
	if app == nil || app.ID == "" {
		return errors.New("application repo: id required")
	}
	data, err := json.Marshal(app)
	if err != nil {
		return err
	}
	_, err = r.store.Upsert(ctx, ApplicationsCollection, app.ID, data, 0)
	return translate(err)
}

// List returns all applications ordered by id.
func (r *ApplicationRepository) List(ctx context.Context) ([]nodes.Application, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("application repo: nil store")
	}
	docs, err := r.store.Query(ctx, ApplicationsCollection, nil)
	if err != nil {
		return nil, err
	}
	result := make([]nodes.Application, 0, len(docs))
	for _, doc := range docs {
		var app nodes.Application
		if err := json.Unmarshal(doc.Data, &app); err != nil {
			return nil, fmt.Errorf("application repo: decode %s: %w", doc.Key, err)
		}
		result = append(result, app)
	}
	return result, nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return nodes.ErrNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return nodes.ErrVersionConflict
	default:
		return err
	}
}
