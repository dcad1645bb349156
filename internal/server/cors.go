package server

import (
	"net/http"
	"slices"

	"github.com/neurolens/neurolens/internal/config"
)

// withCORS answers preflight requests and decorates responses for the
// configured origins. A "*" entry admits every origin; with credentials on,
// the request origin is echoed instead of the wildcard.
func withCORS(cfg config.CORSConfig, next http.Handler) http.Handler {
	wildcard := slices.Contains(cfg.AllowOrigins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (wildcard || slices.Contains(cfg.AllowOrigins, origin)) {
			h := w.Header()
			if wildcard && !cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Allow-Methods", "*")
			h.Set("Access-Control-Allow-Headers", "*")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
