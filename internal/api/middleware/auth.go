// Package middleware provides HTTP middleware for the file API.
package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pulsechat/filecore/internal/api/auth"
)

// JWTAuth returns middleware that requires a valid bearer token and stores
// the verified claims in the request context.
func JWTAuth(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := ExtractBearerToken(r)
			if tokenString == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			claims, err := verifier.Verify(tokenString)
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.ContextWithClaims(r.Context(), claims)))
		})
	}
}

// ExtractBearerToken returns the token from the Authorization header, or ""
// if the header is absent or not a Bearer scheme.
func ExtractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// writeUnauthorized writes an RFC 7807 401 response. Kept local so the
// middleware package does not depend on the handlers package.
func writeUnauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "about:blank",
		"title":  "Unauthorized",
		"status": http.StatusUnauthorized,
		"detail": detail,
	})
}
