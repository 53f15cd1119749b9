package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid_trader/pkg/telemetry"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", DebugLevel, true},
		{"INFO", InfoLevel, true},
		{"Warn", WarnLevel, true},
		{"ERROR", ErrorLevel, true},
		{"fatal", FatalLevel, true},
		{"verbose", InfoLevel, false},
		{"", InfoLevel, false},
	}
	for _, tc := range cases {
		lv, err := ParseLevel(tc.in)
		if tc.ok {
			require.NoError(t, err, tc.in)
		} else {
			require.Error(t, err, tc.in)
		}
		assert.Equal(t, tc.want, lv, tc.in)
	}
}

func TestNewZapLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewZapLogger("loud")
	require.Error(t, err)

	logger, err := NewZapLogger("warn")
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestFieldPairing(t *testing.T) {
	fields := pairFields([]interface{}{"symbol", "SOLUSDT", "level", 3})
	require.Len(t, fields, 2)
	assert.Equal(t, "symbol", fields[0].Key)
	assert.Equal(t, "level", fields[1].Key)

	// A dangling value survives under "extra" instead of vanishing.
	fields = pairFields([]interface{}{"symbol", "SOLUSDT", "orphaned"})
	require.Len(t, fields, 2)
	assert.Equal(t, "extra", fields[1].Key)

	// Non-string keys are stringified.
	fields = pairFields([]interface{}{42, "answer"})
	require.Len(t, fields, 1)
	assert.Equal(t, "42", fields[0].Key)
}

func TestWithFieldReturnsDerivedLogger(t *testing.T) {
	logger := NewLogger(ErrorLevel)
	derived := logger.WithField("component", "test")
	require.NotNil(t, derived)
	assert.NotSame(t, logger, derived)

	derived.Error("field-scoped record")
	logger.Error("base record untouched by derived fields")
}

// The bridge core must accept records once a real OTel provider is
// installed; this is a smoke test for the tee wiring.
func TestOTelBridgeAcceptsRecords(t *testing.T) {
	tel, err := telemetry.Setup("logging-test", "0.0.0")
	require.NoError(t, err)
	defer func() { _ = tel.Shutdown(context.Background()) }()

	logger, err := NewZapLogger("DEBUG")
	require.NoError(t, err)
	logger.Info("bridged record", "key", "value")
	logger.Debug("second record", "status", "testing")
	_ = logger.Sync()
}
