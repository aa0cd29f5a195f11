package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	json "github.com/goccy/go-json"

	alerts "irma-supervisor/internal/alerts/domain"
	store "irma-supervisor/internal/docstore"
)

// AlertsCollection holds alert records keyed by alert id.
const AlertsCollection = "alerts"

// AlertRepository persists alerts in a document store.
type AlertRepository struct {
	store store.Store
}

// NewAlertRepository constructs a repository.
func NewAlertRepository(s store.Store) *AlertRepository {
	return &AlertRepository{store: s}
}

// Get loads an alert by id.
func (r *AlertRepository) Get(ctx context.Context, id string) (*alerts.Alert, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("alert repo: nil store")
	}
	doc, err := r.store.Get(ctx, AlertsCollection, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, alerts.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeAlert(doc)
}

// Create inserts an alert.
func (r *AlertRepository) Create(ctx context.Context, alert *alerts.Alert) error {
	if r == nil || r.store == nil {
		return errors.New("alert repo: nil store")
	}
	if alert == nil || alert.ID == "" {
		return errors.New("alert repo: alert id required")
	}
	err := r.write(ctx, alert, 0)
	if errors.Is(err, alerts.ErrVersionConflict) {
		return alerts.ErrAlreadyExists
	}
	return err
}

// Update writes an alert conditioned on alert.Version.
func (r *AlertRepository) Update(ctx context.Context, alert *alerts.Alert) error {
	if r == nil || r.store == nil {
		return errors.New("alert repo: nil store")
	}
	if alert == nil || alert.ID == "" || alert.Version == 0 {
		return errors.New("alert repo: loaded alert required")
	}
	return r.write(ctx, alert, alert.Version)
}

// List returns alerts matching filter, ordered by raise time then id.
func (r *AlertRepository) List(ctx context.Context, filter alerts.Filter) ([]alerts.Alert, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("alert repo: nil store")
	}
	query := store.Filter{}
	if filter.NodeKey != "" {
		query["nodeKey"] = filter.NodeKey
	}
	if filter.SessionID != 0 {
		query["sessionID"] = filter.SessionID
	}
	if filter.OnlyPending {
		query["isHandled"] = false
	}
	docs, err := r.store.Query(ctx, AlertsCollection, query)
	if err != nil {
		return nil, err
	}
	result := make([]alerts.Alert, 0, len(docs))
	for _, doc := range docs {
		alert, err := decodeAlert(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, *alert)
	}
	sortAlerts(result)
	return result, nil
}

func (r *AlertRepository) write(ctx context.Context, alert *alerts.Alert, expected int64) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	version, err := r.store.Upsert(ctx, AlertsCollection, alert.ID, data, expected)
	if errors.Is(err, store.ErrVersionConflict) {
		return alerts.ErrVersionConflict
	}
	if err != nil {
		return err
	}
	alert.Version = version
	return nil
}

func decodeAlert(doc store.Document) (*alerts.Alert, error) {
	var alert alerts.Alert
	if err := json.Unmarshal(doc.Data, &alert); err != nil {
		return nil, fmt.Errorf("alert repo: decode %s: %w", doc.Key, err)
	}
	alert.Version = doc.Version
	return &alert, nil
}

func sortAlerts(list []alerts.Alert) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].RaisedAt.Equal(list[j].RaisedAt) {
			return list[i].RaisedAt.Before(list[j].RaisedAt)
		}
		return list[i].ID < list[j].ID
	})
}
