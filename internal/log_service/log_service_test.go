package log_service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLevelValue(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  int
	}{
		{name: "debug", level: "DEBUG", want: DebugLevelValue},
		{name: "info lower case", level: "info", want: InfoLevelValue},
		{name: "warn padded", level: " WARN ", want: WarnLevelValue},
		{name: "error", level: "ERROR", want: ErrorLevelValue},
		{name: "unknown falls back to debug", level: "TRACE", want: DebugLevelValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetLevelValue(tt.level))
		})
	}
}

func TestLevelOrdering(t *testing.T) {
	assert.Less(t, DebugLevelValue, InfoLevelValue)
	assert.Less(t, InfoLevelValue, WarnLevelValue)
	assert.Less(t, WarnLevelValue, ErrorLevelValue)
}
