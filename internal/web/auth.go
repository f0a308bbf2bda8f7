package web

import (
	"crypto/rand"
	"crypto/subtle"
	"net/http"
	"strings"
)

// authed wraps a handler with API-key validation. The key is accepted as
// "Authorization: Bearer <key>" or "X-API-Key: <key>".
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provided := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			provided = strings.TrimPrefix(auth, "Bearer ")
		} else if key := r.Header.Get("X-API-Key"); key != "" {
			provided = key
		}

		if provided == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized",
				"API key required. Use 'Authorization: Bearer <key>' or 'X-API-Key: <key>' header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid API key")
			return
		}
		next(w, r)
	}
}

const apiKeyCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateAPIKey returns a random 32-character key. Used at startup when
// API_KEY is not configured.
func GenerateAPIKey() string {
	buf := make([]byte, 32)
	// crypto/rand.Read never fails on supported platforms.
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = apiKeyCharset[int(b)%len(apiKeyCharset)]
	}
	return string(buf)
}
