package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"info", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"trace", zerolog.TraceLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
		{"  DEBUG  ", zerolog.DebugLevel},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.input), "level %q", tt.input)
	}
}

func TestInitSetsGlobalLevel(t *testing.T) {
	Init(Config{Format: "json", Level: "warn", Component: "test"})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	assert.True(t, IsLevelEnabled(zerolog.ErrorLevel))
	assert.False(t, IsLevelEnabled(zerolog.DebugLevel))

	// restore for other tests
	Init(Config{Format: "json", Level: "debug"})
}
