package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// APIKeyQueryParam carries the key for WebSocket clients; browsers cannot
// set headers on an upgrade request.
const APIKeyQueryParam = "api_key"

// Auth guards operator routes with the configured API key, accepted as a
// Bearer token, an X-API-Key header or, on upgrade requests only, the
// api_key query parameter. An empty apiKey disables the check.
func Auth(apiKey string) func(http.Handler) http.Handler {
	want := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(want) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			token := presentedKey(r)
			switch {
			case token == "":
				writeJSONError(w, http.StatusUnauthorized, "missing api key")
			case subtle.ConstantTimeCompare([]byte(token), want) != 1:
				writeJSONError(w, http.StatusUnauthorized, "invalid api key")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func presentedKey(r *http.Request) string {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get(APIKeyQueryParam)
	}
	return ""
}

// writeJSONError sends the service-wide error body.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	body, _ := json.Marshal(map[string]any{"success": false, "error": msg})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
