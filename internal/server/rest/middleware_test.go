package rest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// generateTestKey creates a fresh 2048-bit RSA key pair for testing.
func generateTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

// signToken creates a signed RS256 JWT with the given claims and private key.
func signToken(t *testing.T, priv *rsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// wrappedHandler is a trivial handler that records whether it was called.
func wrappedHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func serveWithAuth(h http.Handler, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---- JWTMiddleware ----------------------------------------------------------

func TestJWTMiddleware_Rejections(t *testing.T) {
	priv, pub := generateTestKey(t)
	otherPriv, _ := generateTestKey(t)

	expired := signToken(t, priv, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
	})
	wrongKey := signToken(t, otherPriv, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	hs256, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign HS256: %v", err)
	}

	tests := []struct {
		name  string
		authz string
	}{
		{"missing header", ""},
		{"basic scheme", "Basic abc"},
		{"no scheme", "token-without-scheme"},
		{"bare bearer", "Bearer"},
		{"garbage token", "Bearer not.a.jwt"},
		{"expired", "Bearer " + expired},
		{"wrong signing key", "Bearer " + wrongKey},
		{"wrong algorithm", "Bearer " + hs256},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			h := JWTMiddleware(pub)(wrappedHandler(&called))

			rec := serveWithAuth(h, tc.authz)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if called {
				t.Error("next handler should not have been called")
			}
		})
	}
}

func TestJWTMiddleware_ValidToken_StoresClaimsInContext(t *testing.T) {
	priv, pub := generateTestKey(t)

	var got *Claims
	h := JWTMiddleware(pub)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tok := signToken(t, priv, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		Subject:   "operator-7",
	})
	rec := serveWithAuth(h, "Bearer "+tok)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got == nil {
		t.Fatal("expected Claims in context, got nil")
	}
	if got.Subject != "operator-7" {
		t.Errorf("expected subject=operator-7, got %q", got.Subject)
	}
}

func TestClaimsFromContext_NoClaims(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if c, ok := ClaimsFromContext(req.Context()); ok || c != nil {
		t.Errorf("expected (nil, false), got (%+v, %v)", c, ok)
	}
}

// ---- ParseRSAPublicKey ------------------------------------------------------

func TestParseRSAPublicKey(t *testing.T) {
	_, pub := generateTestKey(t)

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pkix := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(pub)})

	for name, data := range map[string][]byte{"pkix": pkix, "pkcs1": pkcs1} {
		got, err := ParseRSAPublicKey(data)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", name, err)
			continue
		}
		if !got.Equal(pub) {
			t.Errorf("%s: parsed key differs from original", name)
		}
	}

	if _, err := ParseRSAPublicKey([]byte("not pem")); err == nil {
		t.Error("expected error for non-PEM input")
	}
}

// ---- RateLimitMiddleware ----------------------------------------------------

func TestRateLimitMiddleware_Returns429WhenExhausted(t *testing.T) {
	called := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusOK)
	})
	// A limiter that never refills within the test.
	h := RateLimitMiddleware(rate.NewLimiter(rate.Every(time.Hour), 2))(next)

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = serveWithAuth(h, "").Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("first two requests = %v, want 200", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", codes[2])
	}
	if called != 2 {
		t.Errorf("next called %d times, want 2", called)
	}
}
