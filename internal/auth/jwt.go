// Package auth verifies and issues the bearer tokens presented at connect time.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"roomrelay/internal/chat"
	"roomrelay/internal/storage"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Config holds token settings.
type Config struct {
	Secret   string
	Issuer   string
	TokenTTL time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Issuer) == "" {
		c.Issuer = "roomrelay"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
	return c
}

// Claims are the token claims. Subject carries the username.
type Claims struct {
	UserID int64 `json:"uid"`
	jwt.RegisteredClaims
}

// UserLookup resolves accounts. storage.Store satisfies it.
type UserLookup interface {
	UserByName(ctx context.Context, username string) (storage.User, error)
}

// JWT is the session authenticator.
type JWT struct {
	cfg   Config
	users UserLookup
	now   func() time.Time
}

// NewJWT builds an authenticator. With a non-nil users lookup every token's
// subject must name an existing account.
func NewJWT(cfg Config, users UserLookup) (*JWT, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("auth: secret is required")
	}
	return &JWT{cfg: cfg, users: users, now: time.Now}, nil
}

// Mint issues a token for who.
func (j *JWT) Mint(who chat.Identity) (string, error) {
	if strings.TrimSpace(who.Username) == "" {
		return "", errors.New("auth: username is required")
	}
	now := j.now()
	claims := Claims{
		UserID: who.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.cfg.Issuer,
			Subject:   who.Username,
			ExpiresAt: jwt.NewNumericDate(now.Add(j.cfg.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(j.cfg.Secret))
}

// Authenticate validates credential and returns the identity it names.
func (j *JWT) Authenticate(ctx context.Context, credential string) (chat.Identity, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(credential), "Bearer "))
	if credential == "" {
		return chat.Identity{}, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(j.cfg.Secret), nil
	},
		jwt.WithIssuer(j.cfg.Issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return chat.Identity{}, ErrExpiredToken
		}
		return chat.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return chat.Identity{}, ErrInvalidToken
	}

	id := chat.Identity{UserID: claims.UserID, Username: claims.Subject}
	if j.users == nil {
		return id, nil
	}
	u, err := j.users.UserByName(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, chat.ErrUserNotFound) {
			return chat.Identity{}, fmt.Errorf("%w: unknown user %q", ErrInvalidToken, claims.Subject)
		}
		return chat.Identity{}, fmt.Errorf("auth: lookup user: %w", err)
	}
	return u.Identity(), nil
}

// Login checks a password and mints a token for the account.
func (j *JWT) Login(ctx context.Context, users UserLookup, username, password string) (string, error) {
	u, err := users.UserByName(ctx, username)
	if err != nil {
		if errors.Is(err, chat.ErrUserNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := CheckPassword(u.PasswordHash, password); err != nil {
		return "", err
	}
	return j.Mint(u.Identity())
}
