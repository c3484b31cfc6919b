package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func servingStatus(t *testing.T, c *Checker, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := c.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestCheckerPublishesProbeResult(t *testing.T) {
	var probeErr error
	c := NewChecker(func(context.Context) error { return probeErr }, time.Minute, zerolog.Nop())

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, c, ""))

	require.NoError(t, c.Check(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, c, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, c, ServiceName))

	probeErr = errors.New("db down")
	assert.Error(t, c.Check(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, c, ServiceName))
}

func TestCheckerHTTP(t *testing.T) {
	tests := []struct {
		name     string
		probeErr error
		want     int
	}{
		{name: "healthy", want: http.StatusOK},
		{name: "unhealthy", probeErr: errors.New("bucket missing"), want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(func(context.Context) error { return tt.probeErr }, time.Minute, zerolog.Nop())

			rec := httptest.NewRecorder()
			c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.want, rec.Code)
			assert.NotContains(t, rec.Body.String(), "bucket missing")
		})
	}
}

func TestCheckerRunStopsWithContext(t *testing.T) {
	calls := make(chan struct{}, 10)
	c := NewChecker(func(context.Context) error {
		calls <- struct{}{}
		return nil
	}, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	<-calls
	<-calls
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, c, ""))
}
