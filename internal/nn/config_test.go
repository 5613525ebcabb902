package nn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
in_channels: 64
inter_channels: 16
dimension: 3
sub_sample: false
bn_epsilon: 0.001
`))
	require.NoError(t, err)

	assert.Equal(t, Config{
		InChannels:    64,
		InterChannels: 16,
		Dimension:     3,
		SubSample:     false,
		BatchNorm:     true, // absent key keeps the default
		BNEpsilon:     0.001,
	}, cfg)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "in_channels: 8\ndimension: 2\nkernel: 3\n"},
		{"bad dimension", "in_channels: 8\ndimension: 4\n"},
		{"missing channels", "dimension: 2\n"},
		{"reference in 2D", "in_channels: 8\ndimension: 2\nreference: true\n"},
		{"bad momentum", "in_channels: 8\ndimension: 2\nbn_momentum: 1.5\n"},
		{"not yaml", "in_channels: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestConfig_Resolved(t *testing.T) {
	cfg := DefaultConfig(14, 2).Resolved()
	assert.Equal(t, 7, cfg.InterChannels)
	assert.Equal(t, DefaultBNEpsilon, cfg.BNEpsilon)
	assert.Equal(t, DefaultBNMomentum, cfg.BNMomentum)

	assert.Equal(t, 1, DefaultConfig(1, 1).Resolved().InterChannels)
	assert.Equal(t, 3, Config{InChannels: 8, InterChannels: 3}.Resolved().InterChannels)
}

func TestConfig_Metadata(t *testing.T) {
	md := DefaultConfig(8, 3).Resolved().Metadata()
	assert.Equal(t, "8", md["in_channels"])
	assert.Equal(t, "4", md["inter_channels"])
	assert.Equal(t, "3", md["dimension"])
	assert.Equal(t, "true", md["sub_sample"])
	assert.Equal(t, "false", md["reference"])
	assert.Equal(t, "true", md["bn_layer"])
	assert.Equal(t, "1e-05", md["bn_epsilon"])
	assert.Equal(t, "0.1", md["bn_momentum"])
	assert.Len(t, md, 8)
}
