package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether the daemon is healthy. A non-nil error turns
// /healthz into a 503 with the error text.
type HealthFunc func() error

// NewServer creates an HTTP server serving /metrics (Prometheus) and /healthz.
func NewServer(addr string, m *Metrics, health HealthFunc) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if reg := m.Registry(); reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
