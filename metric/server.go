package metric

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adsabs/ADSDeploy/errors"
)

// HealthFunc reports whether the process dependencies are usable.
type HealthFunc func() bool

// Server serves the registry on path and a liveness probe on /health.
type Server struct {
	port     int
	path     string
	registry *MetricsRegistry
	health   HealthFunc
}

// NewServer creates a server for registry. Port 0 means 9090 and an empty path
// means /metrics. health may be nil.
func NewServer(port int, path string, registry *MetricsRegistry, health HealthFunc) *Server {
	if port == 0 {
		port = 9090
	}
	if path == "" {
		path = "/metrics"
	}
	return &Server{port: port, path: path, registry: registry, health: health}
}

// Address is the URL the metrics are served on.
func (s *Server) Address() string {
	return fmt.Sprintf("http://localhost:%d%s", s.port, s.path)
}

// Handler returns the mux behind the server.
func (s *Server) Handler() (http.Handler, error) {
	if s.registry == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "Handler", "metrics registry")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if s.health != nil && !s.health() {
			http.Error(w, "UNHEALTHY", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("OK"))
	})
	return mux, nil
}

// Serve listens until ctx is cancelled, then shuts down within five seconds.
func (s *Server) Serve(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopped := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Server", "Serve", fmt.Sprintf("listen on port %d", s.port))
	}
	return <-stopped
}
