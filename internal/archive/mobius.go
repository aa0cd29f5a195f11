package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"irma-supervisor/internal/readings"
)

const mobiusContentType = "application/vnd.onem2m-res+json;ty=4"

// MobiusSensor maps a node onto a oneM2M sensor container.
type MobiusSensor struct {
	SensorID string `yaml:"sensor_id"`
	Path     string `yaml:"path"`
}

// MobiusConfig configures the oneM2M forwarder.
type MobiusConfig struct {
	URL        string                  `yaml:"url"`
	Originator string                  `yaml:"originator"`
	Sensors    map[string]MobiusSensor `yaml:"sensors"`
}

// LoadMobiusSensors reads the nodeID to sensor mapping from a yaml file.
func LoadMobiusSensors(path string) (map[string]MobiusSensor, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mobius sensors: %w", err)
	}
	var doc struct {
		Sensors map[string]MobiusSensor `yaml:"sensors"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse mobius sensors: %w", err)
	}
	return doc.Sensors, nil
}

// MobiusForwarder posts readings to a Mobius oneM2M server as content instances.
type MobiusForwarder struct {
	cfg    MobiusConfig
	client *http.Client
	now    func() time.Time
}

// NewMobiusForwarder constructs a forwarder. A nil client uses http.DefaultClient.
func NewMobiusForwarder(cfg MobiusConfig, client *http.Client) (*MobiusForwarder, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("archive: mobius url required")
	}
	if err := ValidateEndpoint(cfg.URL); err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &MobiusForwarder{cfg: cfg, client: client, now: time.Now}, nil
}

// Name implements Target.
func (m *MobiusForwarder) Name() string {
	return "mobius"
}

// Forward implements Target. Nodes without a sensor mapping are skipped.
func (m *MobiusForwarder) Forward(ctx context.Context, reading readings.Reading) error {
	if m == nil {
		return errors.New("archive: nil mobius forwarder")
	}
	sensor, ok := m.cfg.Sensors[reading.NodeID]
	if !ok || sensor.Path == "" {
		return ErrSkipped
	}
	body, err := json.Marshal(MobiusPayload(reading, sensor.SensorID))
	if err != nil {
		return err
	}
	target := m.cfg.URL + "/" + strings.TrimLeft(sensor.Path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("X-M2M-Origin", m.cfg.Originator)
	req.Header.Set("X-M2M-RI", strconv.FormatInt(m.now().UnixMilli(), 10))
	req.Header.Set("Content-Type", mobiusContentType)
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("mobius %s: status %d", target, resp.StatusCode)
	}
	return nil
}

type mobiusMetadata struct {
	SensorID         string `json:"sensorId"`
	ReadingTimestamp string `json:"readingTimestamp"`
}

type mobiusContent struct {
	Metadata mobiusMetadata `json:"metadata"`
}

type mobiusSensorData struct {
	CanID        int     `json:"canID"`
	SensorNumber int     `json:"sensorNumber"`
	DangerLevel  float64 `json:"dangerLevel"`
	Window1Count int     `json:"window1Count"`
	Window2Count int     `json:"window2Count"`
	Window3Count int     `json:"window3Count"`
}

type mobiusInstance struct {
	Con        mobiusContent    `json:"con"`
	SensorData mobiusSensorData `json:"sensorData"`
}

// MobiusEnvelope is the m2m:cin request body.
type MobiusEnvelope struct {
	Instance mobiusInstance `json:"m2m:cin"`
}

// MobiusPayload builds the content instance for reading. Reading ids are unix seconds.
func MobiusPayload(reading readings.Reading, sensorID string) MobiusEnvelope {
	return MobiusEnvelope{Instance: mobiusInstance{
		Con: mobiusContent{Metadata: mobiusMetadata{
			SensorID:         sensorID,
			ReadingTimestamp: time.Unix(reading.ReadingID, 0).UTC().Format("2006-01-02T15:04:05"),
		}},
		SensorData: mobiusSensorData{
			CanID:        reading.CanID,
			SensorNumber: reading.SensorNumber,
			DangerLevel:  reading.DangerLevel,
			Window1Count: reading.Window1Count,
			Window2Count: reading.Window2Count,
			Window3Count: reading.Window3Count,
		},
	}}
}
