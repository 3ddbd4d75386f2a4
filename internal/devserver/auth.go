package devserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"classchat/internal/domain"
)

const defaultTokenTTL = 24 * time.Hour

// tokenClaims mirrors what the platform issues: subject plus a display name.
type tokenClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// MintToken signs a dev session token for one user. A non-positive ttl gets
// the default of 24 hours.
func MintToken(secret, userID, name string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	claims := tokenClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type identityKey struct{}

// auth verifies the bearer token and stashes the caller's identity in the
// request context. Unlike the client, the dev server does check signatures.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if raw == "" || raw == header {
			writeError(w, http.StatusUnauthorized, domain.KindUnauthenticated, "missing bearer token")
			return
		}

		claims := &tokenClaims{}
		tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.secret), nil
		})
		if err != nil || !tok.Valid || claims.Subject == "" {
			writeError(w, http.StatusUnauthorized, domain.KindUnauthenticated, "invalid or expired token")
			return
		}

		name := claims.Name
		if name == "" {
			name = claims.Subject
		}
		ident := domain.Identity{UserID: claims.Subject, Name: name}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, ident)))
	})
}

// identityFrom returns the identity placed by the auth middleware.
func identityFrom(r *http.Request) domain.Identity {
	ident, _ := r.Context().Value(identityKey{}).(domain.Identity)
	return ident
}
