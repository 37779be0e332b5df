package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/request-gateway/internal/config"
)

func TestSetupTracing_DisabledStillInstallsPropagator(t *testing.T) {
	shutdown, err := SetupTracing(config.Config{OTLPEndpoint: ""})
	require.NoError(t, err)
	assert.Nil(t, shutdown)
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestSetupTracing_WithEndpoint(t *testing.T) {
	// The grpc exporter connects lazily, so construction succeeds offline.
	shutdown, err := SetupTracing(config.Config{OTLPEndpoint: "localhost:4317", OTELServiceName: "gw", AppEnv: "test"})
	if err != nil {
		assert.Nil(t, shutdown)
		return
	}
	if shutdown != nil {
		_ = shutdown(context.Background())
	}
}
