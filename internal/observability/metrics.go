package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// MetricsServer serves Prometheus metrics on a port of its own, away from
// the rate-limited API.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer serves provider's metrics at path on port. With a nil
// provider, or metrics disabled, every path answers 404.
func NewMetricsServer(port int, path string, provider *Provider) *MetricsServer {
	mux := http.NewServeMux()

	if provider != nil {
		if h := provider.MetricsHandler(); h != nil {
			mux.Handle(path, h)
		}
	}

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's request multiplexer.
func (ms *MetricsServer) Handler() http.Handler {
	return ms.server.Handler
}

// Start serves until Shutdown, returning http.ErrServerClosed then.
func (ms *MetricsServer) Start() error {
	slog.Info("Starting metrics server", "addr", ms.server.Addr)
	return ms.server.ListenAndServe()
}

// Serve is Start on an existing listener.
func (ms *MetricsServer) Serve(l net.Listener) error {
	slog.Info("Starting metrics server", "addr", l.Addr().String())
	return ms.server.Serve(l)
}

// Shutdown gracefully stops the metrics server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
