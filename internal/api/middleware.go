/**
 * @description
 * Middleware for the internal endpoints: server-to-server calls authenticate with a
 * shared key in the X-Internal-API-Key header.
 */

package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
)

const internalAPIKeyHeader = "X-Internal-API-Key"

// InternalAuthMiddleware rejects requests whose X-Internal-API-Key does not match
// requiredKey. An empty requiredKey leaves the routes open, which cmd only allows in
// development.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	requiredKey = strings.TrimSpace(requiredKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := strings.TrimSpace(r.Header.Get(internalAPIKeyHeader))
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				log.Printf("level=warn component=api msg=\"internal key rejected\" path=%s remote=%s", r.URL.Path, r.RemoteAddr)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
