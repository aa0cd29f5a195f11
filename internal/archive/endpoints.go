package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"

	"irma-supervisor/internal/readings"
)

// EndpointSetKey is the redis set holding external archival endpoints.
const EndpointSetKey = "ext-archiviation-endpoints"

var (
	// ErrNotFound indicates the endpoint is not registered.
	ErrNotFound = errors.New("archive: endpoint not found")
	// ErrInvalidEndpoint indicates the endpoint is not an absolute http(s) URL.
	ErrInvalidEndpoint = errors.New("archive: invalid endpoint")
)

// EndpointSet stores external archival endpoints.
type EndpointSet interface {
	Add(ctx context.Context, endpoint string) error
	Remove(ctx context.Context, endpoint string) error
	List(ctx context.Context) ([]string, error)
}

// RedisEndpoints keeps endpoints in a redis set.
type RedisEndpoints struct {
	client redis.UniversalClient
	key    string
}

// NewRedisEndpoints constructs a set backed by client.
func NewRedisEndpoints(client redis.UniversalClient) *RedisEndpoints {
	return &RedisEndpoints{client: client, key: EndpointSetKey}
}

// Add implements EndpointSet.
func (r *RedisEndpoints) Add(ctx context.Context, endpoint string) error {
	if r == nil || r.client == nil {
		return errors.New("archive: nil redis endpoints")
	}
	if err := ValidateEndpoint(endpoint); err != nil {
		return err
	}
	return r.client.SAdd(ctx, r.key, endpoint).Err()
}

// Remove implements EndpointSet.
func (r *RedisEndpoints) Remove(ctx context.Context, endpoint string) error {
	if r == nil || r.client == nil {
		return errors.New("archive: nil redis endpoints")
	}
	removed, err := r.client.SRem(ctx, r.key, endpoint).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

// List implements EndpointSet. Endpoints are sorted.
func (r *RedisEndpoints) List(ctx context.Context) ([]string, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("archive: nil redis endpoints")
	}
	members, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

// ValidateEndpoint accepts absolute http and https URLs.
func ValidateEndpoint(endpoint string) error {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, endpoint)
	}
	return nil
}

// EndpointForwarder posts each reading as JSON to every registered endpoint.
type EndpointForwarder struct {
	endpoints EndpointSet
	client    *http.Client
}

// NewEndpointForwarder constructs a forwarder. A nil client uses http.DefaultClient.
func NewEndpointForwarder(endpoints EndpointSet, client *http.Client) *EndpointForwarder {
	if client == nil {
		client = http.DefaultClient
	}
	return &EndpointForwarder{endpoints: endpoints, client: client}
}

// Name implements Target.
func (f *EndpointForwarder) Name() string {
	return "endpoints"
}

// Forward implements Target. Every endpoint is attempted; failures are joined.
func (f *EndpointForwarder) Forward(ctx context.Context, reading readings.Reading) error {
	if f == nil || f.endpoints == nil {
		return errors.New("archive: nil endpoint forwarder")
	}
	endpoints, err := f.endpoints.List(ctx)
	if err != nil {
		return fmt.Errorf("list endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return ErrSkipped
	}
	body, err := json.Marshal(reading)
	if err != nil {
		return err
	}
	var errs []error
	for _, endpoint := range endpoints {
		if err := f.post(ctx, endpoint, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
		}
	}
	return errors.Join(errs...)
}

func (f *EndpointForwarder) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// MemoryEndpoints is a process-local EndpointSet used when redis is not configured.
type MemoryEndpoints struct {
	mu        sync.Mutex
	endpoints map[string]struct{}
}

// NewMemoryEndpoints constructs an empty set.
func NewMemoryEndpoints() *MemoryEndpoints {
	return &MemoryEndpoints{endpoints: make(map[string]struct{})}
}

// Add implements EndpointSet.
func (m *MemoryEndpoints) Add(_ context.Context, endpoint string) error {
	if err := ValidateEndpoint(endpoint); err != nil {
		return err
	}
	m.mu.Lock()
	m.endpoints[endpoint] = struct{}{}
	m.mu.Unlock()
	return nil
}

// Remove implements EndpointSet.
func (m *MemoryEndpoints) Remove(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[endpoint]; !ok {
		return ErrNotFound
	}
	delete(m.endpoints, endpoint)
	return nil
}

// List implements EndpointSet. Endpoints are sorted.
func (m *MemoryEndpoints) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]string, 0, len(m.endpoints))
	for endpoint := range m.endpoints {
		list = append(list, endpoint)
	}
	sort.Strings(list)
	return list, nil
}
