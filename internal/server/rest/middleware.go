// Package rest provides the optional HTTP status API for dirwatcher. This
// file implements RS256 JWT bearer-token authentication and request rate
// limiting.
//
// # Authentication Flow
//
// Requests to protected routes must include an Authorization header:
//
//	Authorization: Bearer <compact-JWT>
//
// The token is parsed and verified with github.com/golang-jwt/jwt/v5. Only
// RS256 is accepted, the exp claim is enforced when present, and the verified
// claims are injected into the request context. On any failure the response
// is HTTP 401 with a JSON error body and the next handler is not called.
//
// # Public-Key Format
//
// [ParseRSAPublicKey] accepts PEM-encoded keys in either PKCS#1
// ("RSA PUBLIC KEY") or PKIX ("PUBLIC KEY") format.
package rest

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// contextKey is an unexported type used for context keys in this package to
// avoid collisions with keys defined in other packages.
type contextKey int

const claimsKey contextKey = 0

// Claims holds the verified JWT payload injected into the request context by
// [JWTMiddleware]. Retrieve it with [ClaimsFromContext].
type Claims struct {
	jwt.RegisteredClaims
}

// ClaimsFromContext retrieves the verified [Claims] injected by
// [JWTMiddleware]. It returns (nil, false) for unauthenticated requests.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// ParseRSAPublicKey decodes a PEM block and parses an RSA public key.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("jwt: %w", err)
	}
	return key, nil
}

// JWTMiddleware returns middleware that enforces RS256 bearer-token
// authentication against pub.
func JWTMiddleware(pub *rsa.PublicKey) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	keyFunc := func(*jwt.Token) (any, error) { return pub, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticate(r, parser, keyFunc)
			if err != nil {
				slog.Warn("jwt: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, parser *jwt.Parser, keyFunc jwt.Keyfunc) (*Claims, error) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(raw, "Bearer ") {
		return nil, errors.New("missing or malformed Authorization header")
	}
	token := strings.TrimPrefix(raw, "Bearer ")
	if token == "" {
		return nil, errors.New("empty bearer token")
	}

	var claims Claims
	if _, err := parser.ParseWithClaims(token, &claims, keyFunc); err != nil {
		return nil, err
	}
	return &claims, nil
}

// RateLimitMiddleware answers HTTP 429 once limiter has no tokens left. One
// limiter is shared by every client.
func RateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeJSONError writes an HTTP error response with a JSON body.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}
