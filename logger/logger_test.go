package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		format, level string
		wantErr       bool
	}{
		{"json", "info", false},
		{"text", "debug", false},
		{"", "", false},
		{"json", "none", false},
		{"json", "verbose", true},
		{"xml", "info", true},
	}
	for _, tt := range tests {
		_, err := NewLogger(tt.format, tt.level)
		if tt.wantErr {
			require.Error(t, err, "NewLogger(%q, %q)", tt.format, tt.level)
		} else {
			require.NoError(t, err, "NewLogger(%q, %q)", tt.format, tt.level)
		}
	}
}

func TestNamedKeepsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &ZapLogger{zap.New(core)}

	l.Named("capacity").Info("limits changed", zap.Int("maxLoaded", 40))

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "capacity", entries[0].LoggerName)
	require.Equal(t, int64(40), entries[0].ContextMap()["maxLoaded"])
}

func TestMustNewLoggerPanics(t *testing.T) {
	require.Panics(t, func() { MustNewLogger("json", "loud") })
}
