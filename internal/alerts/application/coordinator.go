package application

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	alerts "irma-supervisor/internal/alerts/domain"
	nodeapp "irma-supervisor/internal/nodes/application"
	nodes "irma-supervisor/internal/nodes/domain"
)

// NodeDriver is the registry surface used to release nodes from alert hold.
type NodeDriver interface {
	Fire(ctx context.Context, key string, event nodes.Event) (nodeapp.Outcome, error)
	Get(ctx context.Context, applicationID, nodeID string) (*nodes.Node, error)
}

// Resolution is the outcome of a handling request including the node's resulting state.
type Resolution struct {
	Alert          alerts.Alert `json:"alert"`
	PendingCount   int          `json:"pendingCount"`
	NodeState      nodes.State  `json:"nodeState"`
	Released       bool         `json:"released"`
	AlreadyHandled bool         `json:"alreadyHandled"`
}

// Coordinator applies handling decisions and releases nodes once no alert is pending.
type Coordinator struct {
	ledger *Ledger
	nodes  NodeDriver
	logger *zap.SugaredLogger
}

// NewCoordinator constructs a coordinator.
func NewCoordinator(ledger *Ledger, driver NodeDriver, logger *zap.SugaredLogger) (*Coordinator, error) {
	if ledger == nil {
		return nil, errors.New("alerts: nil ledger")
	}
	if driver == nil {
		return nil, errors.New("alerts: nil node driver")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Coordinator{ledger: ledger, nodes: driver, logger: logger}, nil
}

// Handle records the decision and, when the node has no pending alert left, drives ALERT_CLEARED.
// A missing alert yields alerts.ErrNotFound and touches no node.
func (c *Coordinator) Handle(ctx context.Context, id string, handling alerts.Handling) (Resolution, error) {
	if c == nil {
		return Resolution{}, errors.New("alerts: nil coordinator")
	}
	result, err := c.ledger.Handle(ctx, id, handling)
	if err != nil {
		return Resolution{}, err
	}
	resolution := Resolution{
		Alert:          result.Alert,
		PendingCount:   result.PendingCount,
		AlreadyHandled: result.AlreadyHandled,
	}

	if result.PendingCount > 0 {
		node, err := c.nodes.Get(ctx, result.Alert.ApplicationID, result.Alert.NodeID)
		if err != nil {
			return resolution, fmt.Errorf("alerts: load node %s: %w", result.Alert.NodeKey, err)
		}
		resolution.NodeState = node.State
		return resolution, nil
	}

	outcome, err := c.nodes.Fire(ctx, result.Alert.NodeKey, nodes.EventAlertCleared)
	if err != nil {
		return resolution, fmt.Errorf("alerts: release node %s: %w", result.Alert.NodeKey, err)
	}
	resolution.NodeState = outcome.Node.State
	resolution.Released = outcome.Committed && outcome.Decision.Notify
	if resolution.Released {
		c.logger.Infow("node released from alert hold", "node", result.Alert.NodeKey, "alert", id)
	}
	return resolution, nil
}
