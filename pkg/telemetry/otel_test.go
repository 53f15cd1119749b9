package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupInstallsProviders(t *testing.T) {
	tel, err := Setup("telemetry-test", "0.0.0")
	require.NoError(t, err)

	assert.NotNil(t, otel.GetTracerProvider())
	assert.NotNil(t, otel.GetMeterProvider())
	assert.NotNil(t, GetTracer("setup-test"))
	assert.NotNil(t, GetMeter("setup-test"))

	// Instruments created against the installed provider must record
	// without error, and the gauge state accepts updates.
	counter, err := GetMeter("setup-test").Int64Counter(MetricOrdersPlacedTotal)
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	GetGlobalMetrics().SetLastPrice("SOLUSDT", 140.25)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tel.Shutdown(ctx))
}

func TestGetMeterAlwaysUsable(t *testing.T) {
	m := GetMeter("early")
	counter, err := m.Int64Counter("early_counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
}
