package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"irma-supervisor/internal/readings"
)

const sampleThresholds = `
defaults:
  danger_level: 3
  channels:
    "1:2": 5
nodes:
  A1/N1:
    danger_level: 2
    channels:
      "1:1": 9
  N7:
    channels:
      "2:1": 4
`

func TestThresholdPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleThresholds), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9.0, cfg.ThresholdFor("A1/N1", "N1", "1:1"))
	assert.Equal(t, 2.0, cfg.ThresholdFor("A1/N1", "N1", "1:2"))
	assert.Equal(t, 4.0, cfg.ThresholdFor("A2/N7", "N7", "2:1"))
	assert.Equal(t, 5.0, cfg.ThresholdFor("A2/N7", "N7", "1:2"))
	assert.Equal(t, 3.0, cfg.ThresholdFor("A3/N3", "N3", "7:7"))
}

func TestExceedsDangerIsInclusive(t *testing.T) {
	policy, err := NewThresholdPolicy(DefaultConfig())
	require.NoError(t, err)

	assert.True(t, policy.ExceedsDanger(readings.Reading{NodeKey: "A1/N1", NodeID: "N1", DangerLevel: DefaultDangerLevel}))
	assert.False(t, policy.ExceedsDanger(readings.Reading{NodeKey: "A1/N1", NodeID: "N1", DangerLevel: 0.5}))
}

func TestLoadConfigWithoutPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultDangerLevel, cfg.Defaults.DangerLevel)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
