package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"
)

// CORS applies the configured origin allow-list. An empty list falls back
// to the local web client.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed = append(allowed, origin)
		}
	}
	if len(allowed) == 0 {
		allowed = []string{"http://localhost:3000"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotencyHeader, "X-Request-Id", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-Id", replayHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler
}
