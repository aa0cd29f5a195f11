package nodes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
)

// Event drives the node lifecycle.
type Event string

const (
	EventStartRec     Event = "START_REC"
	EventStopRec      Event = "STOP_REC"
	EventTimeout      Event = "TIMEOUT"
	EventAlertRaised  Event = "ALERT_RAISED"
	EventAlertCleared Event = "ALERT_CLEARED"
)

// STOP_REC resolves to one of two machine events depending on the pending alert count.
const (
	stopRecClear = "stop_rec_clear"
	stopRecHeld  = "stop_rec_held"
)

var allStates = []string{
	string(StateOffline),
	string(StateReady),
	string(StateRecording),
	string(StateAlertReady),
}

var transitions = fsm.Events{
	{Name: string(EventStartRec), Src: []string{string(StateOffline), string(StateReady), string(StateAlertReady)}, Dst: string(StateRecording)},
	{Name: stopRecClear, Src: []string{string(StateRecording)}, Dst: string(StateReady)},
	{Name: stopRecHeld, Src: []string{string(StateRecording)}, Dst: string(StateAlertReady)},
	{Name: string(EventTimeout), Src: allStates, Dst: string(StateOffline)},
	{Name: string(EventAlertRaised), Src: []string{string(StateOffline), string(StateReady), string(StateRecording)}, Dst: string(StateAlertReady)},
	{Name: string(EventAlertCleared), Src: []string{string(StateAlertReady)}, Dst: string(StateReady)},
}

// Decision is the outcome of feeding one event to the engine.
type Decision struct {
	From State
	To   State
	// Notify is true iff the state changed.
	Notify bool
	// Ignored is true when the table has no cell for (From, event).
	Ignored bool
}

// Transition computes the next state for (current, event). pending is the
// unhandled alert count observed for the node and only matters for STOP_REC.
func Transition(current State, event Event, pending int) (Decision, error) {
	if !current.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidState, current)
	}
	name, err := machineEvent(event, pending)
	if err != nil {
		return Decision{}, err
	}

	machine := fsm.NewFSM(string(current), transitions, nil)
	decision := Decision{From: current, To: current}
	err = machine.Event(context.Background(), name)

	var (
		noTransition fsm.NoTransitionError
		invalid      fsm.InvalidEventError
	)
	switch {
	case err == nil:
		decision.To = State(machine.Current())
	case errors.As(err, &noTransition):
	case errors.As(err, &invalid):
		decision.Ignored = true
	default:
		return Decision{}, fmt.Errorf("nodes: transition %s on %s: %w", event, current, err)
	}
	decision.Notify = decision.To != decision.From
	return decision, nil
}

func machineEvent(event Event, pending int) (string, error) {
	switch event {
	case EventStopRec:
		if pending > 0 {
			return stopRecHeld, nil
		}
		return stopRecClear, nil
	case EventStartRec, EventTimeout, EventAlertRaised, EventAlertCleared:
		return string(event), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}

// Apply runs event through Transition and mutates n accordingly.
// A START_REC that enters RECORDING opens sessionID; STOP_REC and TIMEOUT close any session.
func (n *Node) Apply(event Event, pending int, sessionID int64, at time.Time) (Decision, error) {
	if n == nil {
		return Decision{}, errors.New("nodes: nil node")
	}
	decision, err := Transition(n.State, event, pending)
	if err != nil {
		return Decision{}, err
	}
	switch event {
	case EventStartRec:
		if decision.Notify {
			n.ActiveSessionID = sessionID
		}
	case EventStopRec, EventTimeout:
		n.ActiveSessionID = 0
	}
	n.State = decision.To
	if decision.Notify {
		n.UpdatedAt = at.UTC()
	}
	return decision, nil
}
