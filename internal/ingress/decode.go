package ingress

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	nodes "irma-supervisor/internal/nodes/domain"
)

// ErrMalformedEvent marks an inbound message whose topic or payload cannot be decoded.
var ErrMalformedEvent = errors.New("ingress: malformed event")

// Subtopics recognised on the broker.
const (
	SubtopicStatus  = "status"
	SubtopicReading = "reading"
)

// Kind tags the decoded event variant.
type Kind int

const (
	// KindPresence proves the node is alive without carrying a lifecycle event.
	KindPresence Kind = iota + 1
	// KindStatus carries START_REC or STOP_REC.
	KindStatus
	// KindReading carries one telemetry sample.
	KindReading
)

func (k Kind) String() string {
	switch k {
	case KindPresence:
		return "presence"
	case KindStatus:
		return "status"
	case KindReading:
		return "reading"
	default:
		return "unknown"
	}
}

// Event is a decoded inbound message.
type Event struct {
	Kind          Kind
	ApplicationID string
	NodeID        string
	Subtopic      string

	// Status fields.
	Lifecycle nodes.Event
	SessionID int64

	// Reading is set for KindReading.
	Reading *ReadingPayload
}

// ReadingPayload is the telemetry record published on the reading subtopic.
// Pointer fields are optional on the wire.
type ReadingPayload struct {
	SessionID    *int64     `json:"sessionID,omitempty"`
	ReadingID    *int64     `json:"readingID,omitempty"`
	CanID        *int       `json:"canID"`
	SensorNumber *int       `json:"sensorNumber"`
	DangerLevel  *float64   `json:"dangerLevel"`
	Window1Count int        `json:"window1_count"`
	Window2Count int        `json:"window2_count"`
	Window3Count int        `json:"window3_count"`
	PublishedAt  *time.Time `json:"publishedAt,omitempty"`
}

// Decode turns a raw topic and payload into an Event.
//
// A topic that does not split into applicationID/nodeID/subtopic yields a zero Event, since
// there is no node to credit. When only the subtopic or payload is bad, Decode returns a
// KindPresence event together with an error wrapping ErrMalformedEvent so the caller can
// still refresh liveness.
func Decode(topic string, payload []byte) (Event, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Event{}, fmt.Errorf("%w: topic %q", ErrMalformedEvent, topic)
	}
	event := Event{
		Kind:          KindPresence,
		ApplicationID: parts[0],
		NodeID:        parts[1],
		Subtopic:      parts[2],
	}

	switch event.Subtopic {
	case SubtopicStatus:
		lifecycle, sessionID, err := decodeStatus(payload)
		if err != nil {
			return event, err
		}
		event.Kind = KindStatus
		event.Lifecycle = lifecycle
		event.SessionID = sessionID
	case SubtopicReading:
		reading, err := decodeReading(payload)
		if err != nil {
			return event, err
		}
		event.Kind = KindReading
		event.Reading = reading
	default:
		return event, fmt.Errorf("%w: subtopic %q", ErrMalformedEvent, event.Subtopic)
	}
	return event, nil
}

func decodeStatus(payload []byte) (nodes.Event, int64, error) {
	value := strings.TrimSpace(string(payload))
	switch {
	case value == "start":
		return nodes.EventStartRec, 0, nil
	case value == "stop":
		return nodes.EventStopRec, 0, nil
	case strings.HasPrefix(value, "start:"):
		id, err := strconv.ParseInt(strings.TrimPrefix(value, "start:"), 10, 64)
		if err != nil || id <= 0 {
			return "", 0, fmt.Errorf("%w: session id in %q", ErrMalformedEvent, value)
		}
		return nodes.EventStartRec, id, nil
	default:
		return "", 0, fmt.Errorf("%w: status value %q", ErrMalformedEvent, value)
	}
}

func decodeReading(payload []byte) (*ReadingPayload, error) {
	var reading ReadingPayload
	if err := json.Unmarshal(payload, &reading); err != nil {
		return nil, fmt.Errorf("%w: reading: %v", ErrMalformedEvent, err)
	}
	switch {
	case reading.CanID == nil:
		return nil, fmt.Errorf("%w: reading: canID required", ErrMalformedEvent)
	case reading.SensorNumber == nil:
		return nil, fmt.Errorf("%w: reading: sensorNumber required", ErrMalformedEvent)
	case reading.DangerLevel == nil:
		return nil, fmt.Errorf("%w: reading: dangerLevel required", ErrMalformedEvent)
	}
	return &reading, nil
}
