package logging

import (
	"testing"

	"github.com/nvr-ai/go-signs/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.LoggingConfig
		level zapcore.Level
	}{
		{name: "default", cfg: config.LoggingConfig{}, level: zapcore.InfoLevel},
		{name: "debug", cfg: config.LoggingConfig{Level: "debug"}, level: zapcore.DebugLevel},
		{name: "development warn", cfg: config.LoggingConfig{Level: "warn", Development: true}, level: zapcore.WarnLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.level))
			assert.False(t, logger.Core().Enabled(tt.level-1))
		})
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "chatty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
