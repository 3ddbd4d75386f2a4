// Package session resolves the user's platform token and exposes the
// identity encoded in it. The client only reads claims; signature
// verification is the platform's job, so tokens are parsed unverified here.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"classchat/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// TokenEnvVar overrides any configured token source when set.
const TokenEnvVar = "CLASSCHAT_TOKEN"

// Config locates the session token. Resolution order: CLASSCHAT_TOKEN env
// var, then Token, then the contents of TokenFile.
type Config struct {
	Token     string
	TokenFile string
	Logger    *slog.Logger
}

// Session is an authenticated user session derived from a JWT.
type Session struct {
	token    string
	identity domain.Identity
	expires  time.Time
}

type sessionClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Load resolves and decodes the session token.
func Load(cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	token, source, err := resolveToken(cfg)
	if err != nil {
		return nil, err
	}

	sess, err := FromToken(token)
	if err != nil {
		return nil, err
	}

	logger.Debug("session loaded",
		"source", source,
		"user_id", sess.identity.UserID,
		"expires", sess.expires.Format(time.RFC3339),
	)
	return sess, nil
}

// FromToken decodes a raw JWT into a session without verifying its signature.
func FromToken(token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("no session token: %w", domain.ErrUnauthenticated)
	}

	claims := &sessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("malformed session token: %w", domain.ErrUnauthenticated)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("session token has no subject: %w", domain.ErrUnauthenticated)
	}

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}

	sess := &Session{
		token:    token,
		identity: domain.Identity{UserID: claims.Subject, Name: name},
	}
	if claims.ExpiresAt != nil {
		sess.expires = claims.ExpiresAt.Time
	}
	return sess, nil
}

func resolveToken(cfg Config) (token, source string, err error) {
	if v := os.Getenv(TokenEnvVar); strings.TrimSpace(v) != "" {
		return v, "env", nil
	}
	if strings.TrimSpace(cfg.Token) != "" {
		return cfg.Token, "config", nil
	}
	if cfg.TokenFile != "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			if os.IsNotExist(err) {
				return "", "", fmt.Errorf("no session token (checked %s, config, %s): %w",
					TokenEnvVar, cfg.TokenFile, domain.ErrUnauthenticated)
			}
			return "", "", fmt.Errorf("read token file %s: %w", cfg.TokenFile, err)
		}
		return string(data), "file", nil
	}
	return "", "", fmt.Errorf("no session token configured: %w", domain.ErrUnauthenticated)
}

// Token returns the raw bearer token.
func (s *Session) Token() string { return s.token }

// Identity returns the user decoded from the token.
func (s *Session) Identity() domain.Identity { return s.identity }

// ExpiresAt returns the token expiry, zero when the token never expires.
func (s *Session) ExpiresAt() time.Time { return s.expires }

// Valid reports whether the session is usable right now.
func (s *Session) Valid() error {
	if !s.expires.IsZero() && time.Now().After(s.expires) {
		return fmt.Errorf("session token expired at %s: %w",
			s.expires.Format(time.RFC3339), domain.ErrUnauthenticated)
	}
	return nil
}
