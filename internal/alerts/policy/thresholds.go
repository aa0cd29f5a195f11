package policy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"irma-supervisor/internal/readings"
)

// DefaultDangerLevel is used when no threshold is configured.
const DefaultDangerLevel = 1.0

// Policy decides whether a reading warrants an alert.
type Policy interface {
	ExceedsDanger(r readings.Reading) bool
}

// Thresholds defines danger thresholds. Channels are keyed "canID:sensorNumber".
type Thresholds struct {
	DangerLevel float64            `yaml:"danger_level"`
	Channels    map[string]float64 `yaml:"channels"`
}

// Config holds default thresholds and per-node overrides. Node keys are either
// "applicationID/nodeID" or a bare nodeID.
type Config struct {
	Defaults Thresholds            `yaml:"defaults"`
	Nodes    map[string]Thresholds `yaml:"nodes"`
}

// DefaultConfig returns a config with DefaultDangerLevel and no overrides.
func DefaultConfig() Config {
	return Config{Defaults: Thresholds{DangerLevel: DefaultDangerLevel}}
}

// LoadConfig reads thresholds from a yaml file. An empty path yields DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	if cfg.Defaults.DangerLevel <= 0 {
		cfg.Defaults.DangerLevel = DefaultDangerLevel
	}
	return cfg, nil
}

// ThresholdFor resolves the threshold for a channel of a node. Precedence: node channel,
// node level, default channel, default level.
func (c Config) ThresholdFor(nodeKey, nodeID, channel string) float64 {
	if override, ok := c.nodeOverride(nodeKey, nodeID); ok {
		if value, ok := override.Channels[channel]; ok && value > 0 {
			return value
		}
		if override.DangerLevel > 0 {
			return override.DangerLevel
		}
	}
	if value, ok := c.Defaults.Channels[channel]; ok && value > 0 {
		return value
	}
	if c.Defaults.DangerLevel > 0 {
		return c.Defaults.DangerLevel
	}
	return DefaultDangerLevel
}

func (c Config) nodeOverride(nodeKey, nodeID string) (Thresholds, bool) {
	if c.Nodes == nil {
		return Thresholds{}, false
	}
	if override, ok := c.Nodes[nodeKey]; ok {
		return override, true
	}
	override, ok := c.Nodes[nodeID]
	return override, ok
}

// ThresholdPolicy raises when dangerLevel reaches the resolved threshold.
type ThresholdPolicy struct {
	cfg Config
}

// NewThresholdPolicy constructs a ThresholdPolicy.
func NewThresholdPolicy(cfg Config) (*ThresholdPolicy, error) {
	if cfg.Defaults.DangerLevel < 0 {
		return nil, errors.New("policy: negative default danger level")
	}
	return &ThresholdPolicy{cfg: cfg}, nil
}

// ExceedsDanger implements Policy.
func (p *ThresholdPolicy) ExceedsDanger(r readings.Reading) bool {
	if p == nil {
		return false
	}
	return r.DangerLevel >= p.cfg.ThresholdFor(r.NodeKey, r.NodeID, r.Channel())
}
