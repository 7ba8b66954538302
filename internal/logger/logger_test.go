package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		env       string
		level     string
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{"development defaults to debug", "development", "", zapcore.DebugLevel, false},
		{"production defaults to info", "production", "", zapcore.InfoLevel, false},
		{"explicit level wins", "production", "warn", zapcore.WarnLevel, false},
		{"bad level", "production", "loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			log, err := New(tt.env, tt.level)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(tt.wantLevel))
			assert.False(t, log.Core().Enabled(tt.wantLevel-1))
		})
	}
}
