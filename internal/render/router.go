package render

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ent0n29/minacoach/internal/observability"
)

// Router serves the renderer websocket next to health and metrics.
func Router(h *Hub, metrics *observability.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "renderers": h.Clients()})
	})
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}
	r.Get("/v1/render/ws", h.ServeHTTP)
	return r
}
