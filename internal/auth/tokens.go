// Package auth issues and validates the bearer tokens callers of the REST
// API present.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	issuer          = "social-publisher"
	DefaultTokenTTL = time.Hour
	minSecretLen    = 32
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRevokedToken = errors.New("token revoked")
	ErrWeakSecret   = fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLen)
)

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Issuer signs HS256 access tokens. Revoked token ids are kept in Redis
// until the token would have expired anyway.
type Issuer struct {
	secret []byte
	rdb    *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, rdb *redis.Client) (*Issuer, error) {
	if len(secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	return &Issuer{secret: []byte(secret), rdb: rdb, ttl: DefaultTokenTTL, now: time.Now}, nil
}

// WithTTL overrides the lifetime of issued tokens.
func (i *Issuer) WithTTL(ttl time.Duration) *Issuer {
	i.ttl = ttl
	return i
}

func (i *Issuer) Issue(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (i *Issuer) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Prevent algorithm confusion attacks
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(i.now))
	if err != nil || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	if i.rdb != nil && claims.ID != "" {
		n, err := i.rdb.Exists(ctx, "revoked:"+claims.ID).Result()
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if n > 0 {
			return nil, ErrRevokedToken
		}
	}
	return claims, nil
}

// Revoke denies the token with the given claims for the rest of its life.
func (i *Issuer) Revoke(ctx context.Context, claims *Claims) error {
	if i.rdb == nil || claims == nil || claims.ID == "" {
		return nil
	}
	ttl := time.Minute
	if claims.ExpiresAt != nil {
		if remaining := claims.ExpiresAt.Time.Sub(i.now()); remaining > 0 {
			ttl = remaining
		}
	}
	return i.rdb.Set(ctx, "revoked:"+claims.ID, claims.UserID, ttl).Err()
}
