package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/user/tgmux/internal/types"
)

// StatsSource reports per-worker statistics.
type StatsSource interface {
	Stats(ctx context.Context) ([]types.WorkerStats, error)
}

// NewStatsServer returns the handler of the stats listener.
func NewStatsServer(src StatsSource) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		stats, err := src.Stats(r.Context())
		if err != nil {
			slog.Error("collect stats failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, "Not found")
	})
	return mux
}
