// Package middleware provides HTTP middleware for the observability API.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/muxlink/muxlink/internal/auth"
)

type contextKey string

const clientContextKey contextKey = "client"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireToken accepts the same fernet tokens the WebSocket handshake
// uses, carried as a bearer token. The verified client name is stored on
// the request context.
func RequireToken(ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			client, err := auth.VerifyToken(token, ttl)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			ctx := context.WithValue(r.Context(), clientContextKey, client)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClient returns the client name RequireToken verified, or "".
func GetClient(r *http.Request) string {
	client, _ := r.Context().Value(clientContextKey).(string)
	return client
}
