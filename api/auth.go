/*
auth.go - Bearer-token authentication and role enforcement

PURPOSE:
  Every /api route except token minting requires a signed JWT bearer
  token carrying the caller's user id and role. The middleware parses and
  verifies the token, stashes the resulting Principal in the request
  context, and rejects anything unauthenticated with 401. Role checks
  (mutations require admin) happen in the domain layer, so a stolen
  staff token cannot post money even if a route check were missed.
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/classhub/tuition-ledger/payments"
)

type contextKey string

const principalKey contextKey = "principal"

// claims is the JWT payload: standard registered claims plus the role.
type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Auth verifies bearer tokens and injects the Principal.
type Auth struct {
	Secret []byte

	// TokenTTL bounds minted dev tokens. Zero means 24h.
	TokenTTL time.Duration
}

func NewAuth(secret string) *Auth {
	return &Auth{Secret: []byte(secret)}
}

// Mint signs a token for (userID, role). Used by the dev token endpoint
// and by tests.
func (a *Auth) Mint(userID, role string) (string, error) {
	ttl := a.TokenTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(a.Secret)
}

// Middleware parses the Authorization header and stores the Principal in
// the request context. Missing or invalid tokens get 401.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}

		var c claims
		token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return a.Secret, nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}

		principal := payments.Principal{UserID: c.Subject, Role: c.Role}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principalFrom returns the authenticated Principal from the context.
func principalFrom(ctx context.Context) payments.Principal {
	p, _ := ctx.Value(principalKey).(payments.Principal)
	return p
}
