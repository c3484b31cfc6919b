// Package health reports backend reachability over the gRPC health
// protocol and on an HTTP endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported next to the
// server-wide "" entry.
const ServiceName = "filevault.FileService"

const probeTimeout = 5 * time.Second

// ProbeFunc returns nil when every backend is reachable.
type ProbeFunc func(ctx context.Context) error

type Checker struct {
	probe    ProbeFunc
	interval time.Duration
	server   *grpchealth.Server
	log      zerolog.Logger

	mu      sync.RWMutex
	lastErr error
	checked time.Time
}

func NewChecker(probe ProbeFunc, interval time.Duration, log zerolog.Logger) *Checker {
	c := &Checker{
		probe:    probe,
		interval: interval,
		server:   grpchealth.NewServer(),
		log:      log.With().Str("component", "health").Logger(),
	}
	c.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return c
}

// Register exposes the health service on srv.
func (c *Checker) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, c.server)
}

// Run probes immediately and then every interval until ctx is done. On
// return all services are marked NOT_SERVING.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			c.server.Shutdown()
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs the probe once and publishes the result.
func (c *Checker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := c.probe(ctx)

	c.mu.Lock()
	changed := (err == nil) != (c.lastErr == nil) || c.checked.IsZero()
	c.lastErr = err
	c.checked = time.Now()
	c.mu.Unlock()

	if err != nil {
		c.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		if changed {
			c.log.Error().Err(err).Msg("health check failing")
		}
		return err
	}
	c.setStatus(healthpb.HealthCheckResponse_SERVING)
	if changed {
		c.log.Info().Msg("health check passing")
	}
	return nil
}

func (c *Checker) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	c.server.SetServingStatus("", status)
	c.server.SetServingStatus(ServiceName, status)
}

type response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ServeHTTP runs a fresh probe and answers 200 or 503.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := c.Check(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(response{Status: "unavailable", Error: "backend unavailable"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response{Status: "ok"})
}
