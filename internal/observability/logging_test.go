package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/lobby/internal/config"
)

func TestNewLogger_JSON(t *testing.T) {
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_Console(t *testing.T) {
	cfg := config.LoggingConfig{Level: "debug", Format: "console"}
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1), "debug must be enabled")
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	cfg := config.LoggingConfig{Level: "trace", Format: "json"}
	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := config.LoggingConfig{Level: "info", Format: "xml"}
	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestPeerLogger_FallsBackToNop(t *testing.T) {
	logger := PeerLogger(config.LoggingConfig{Level: "bogus", Format: "json"}, "p1")
	require.NotNil(t, logger)
	assert.False(t, logger.Core().Enabled(0))
}

func TestPeerLogger_Valid(t *testing.T) {
	logger := PeerLogger(config.LoggingConfig{Level: "warn", Format: "json"}, "p1")
	require.NotNil(t, logger)
	assert.False(t, logger.Core().Enabled(0), "info is below warn")
	assert.True(t, logger.Core().Enabled(1))
}
