package monitoring

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/pprof"
)

// StatsProvider returns a point-in-time statistics value to expose on the
// debug server, typically Tablet.Stats.
type StatsProvider func() interface{}

// StartDebugServer starts an HTTP server with pprof handlers bound to the
// provided address, for example ":6060" or "127.0.0.1:6060". When stats is
// non-nil the server also exposes it as JSON at /debug/tablet/stats.
// It returns the server instance so callers can shut it down when done.
func StartDebugServer(addr string, stats StatsProvider) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if stats != nil {
		mux.HandleFunc("/debug/tablet/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(stats()); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		})
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("debug server error: %v", err)
		}
	}()

	return srv, nil
}

// StopDebugServer gracefully shuts down the provided debug HTTP server.
func StopDebugServer(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
