// Package diag exposes a local diagnostics endpoint. The app runs headless
// Prometheus collectors (roster gauges, compositor frame counters); when a
// metrics address is configured the endpoint makes them scrapeable during
// development.
package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"greenroom/internal/logging"
)

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve starts the diagnostics server on addr and blocks until the listener
// fails.
func Serve(addr string) error {
	logging.Infow("serving diagnostics", "addr", addr)
	return http.ListenAndServe(addr, newMux())
}
