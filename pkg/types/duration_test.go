package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		expected time.Duration
		wantErr  bool
	}{
		{name: "milliseconds", yaml: "d: 250ms", expected: 250 * time.Millisecond},
		{name: "seconds", yaml: "d: 2s", expected: 2 * time.Second},
		{name: "hours", yaml: "d: 1h", expected: time.Hour},
		{name: "compound", yaml: "d: 1m30s", expected: 90 * time.Second},
		{name: "days", yaml: "d: 1d", expected: 24 * time.Hour},
		{name: "fractional days", yaml: "d: 1.5d", expected: 36 * time.Hour},
		{name: "weeks", yaml: "d: 2w", expected: 14 * 24 * time.Hour},
		{name: "negative days", yaml: "d: -1d", expected: -24 * time.Hour},
		{name: "empty string", yaml: "d: \"\"", wantErr: true},
		{name: "bare number", yaml: "d: 30", wantErr: true},
		{name: "unknown suffix", yaml: "d: 3y", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg struct {
				D Duration `yaml:"d"`
			}
			err := yaml.Unmarshal([]byte(tt.yaml), &cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, cfg.D.ToDuration())
		})
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{D: Duration(90 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, "d: 1m30s\n", string(out))
}

func TestDuration_JSON(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		expected time.Duration
		wantErr  bool
	}{
		{name: "nanoseconds number", json: `1000000000`, expected: time.Second},
		{name: "string", json: `"60s"`, expected: time.Minute},
		{name: "days string", json: `"1d"`, expected: 24 * time.Hour},
		{name: "bool rejected", json: `true`, wantErr: true},
		{name: "garbage rejected", json: `"soon"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.json), &d)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d.ToDuration())
		})
	}

	data, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(data))
}
