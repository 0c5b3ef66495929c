package api

import (
	"crypto/subtle"
	"net/http"

	"gatewind/internal/types"
)

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// jsonMiddleware sets JSON content type
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs API requests
func loggingMiddleware(next http.Handler, logger types.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info("API request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
		)
		next.ServeHTTP(w, r)
	})
}

// apiKeyMiddleware rejects mutating requests without the static admin key.
// Reads stay open.
func apiKeyMiddleware(next http.Handler, key string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !checkAPIKey(r, key, "X-API-Key") {
			respondError(w, http.StatusUnauthorized, types.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkAPIKey verifies API key authentication
func checkAPIKey(r *http.Request, expectedKey string, headerName string) bool {
	key := r.Header.Get(headerName)
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(expectedKey)) == 1
}
