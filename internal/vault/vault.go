// Package vault owns users' platform credentials: it stores them encrypted,
// hands out valid access tokens and refreshes them.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"social-publisher/internal/apperr"
	"social-publisher/internal/cache"
	"social-publisher/internal/logger"
	"social-publisher/internal/store"
	"social-publisher/internal/telemetry"
	"social-publisher/models"
)

const (
	ExpirySkew     = 60 * time.Second
	VerifyTTL      = time.Hour
	RefreshLockTTL = 30 * time.Second
)

// ErrNotConnected is returned when a user has no usable credentials.
var ErrNotConnected = apperr.Terminal("platform account not connected", apperr.ErrReconnectRequired)

type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(stored string) (string, error)
}

// Refresher exchanges a refresh token for a new token pair. A rejected
// refresh token is reported as apperr.ErrReconnectRequired.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Verifier resolves the account behind an access token.
type Verifier interface {
	VerifyIdentity(ctx context.Context, accessToken string) (string, error)
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

type Config struct {
	Store     store.TokenStore
	Encryptor Encryptor
	Refresher Refresher
	// Cache holds verified usernames. Optional.
	Cache cache.TTLCache
	// Locker serializes refreshes across processes. Optional.
	Locker  Locker
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

type Vault struct {
	store     store.TokenStore
	enc       Encryptor
	refresher Refresher
	cache     cache.TTLCache
	locker    Locker
	verifier  Verifier
	log       *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time

	refreshGroup singleflight.Group
}

func New(cfg Config) *Vault {
	v := &Vault{
		store:     cfg.Store,
		enc:       cfg.Encryptor,
		refresher: cfg.Refresher,
		cache:     cfg.Cache,
		locker:    cfg.Locker,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
	if v.log == nil {
		v.log = logger.Logger
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// SetVerifier wires the identity check used by Status. The platform client
// depends on the vault, so it is attached after both exist.
func (v *Vault) SetVerifier(verifier Verifier) {
	v.verifier = verifier
}

// Credentials are the result of a completed OAuth consent.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Username     string
}

func (v *Vault) Connect(ctx context.Context, userID string, creds Credentials) error {
	if userID == "" || creds.AccessToken == "" {
		return apperr.Validation("user id and access token are required")
	}

	accessEnc, err := v.enc.Encrypt(creds.AccessToken)
	if err != nil {
		return apperr.Encryption("encrypt access token", err)
	}
	var refreshEnc string
	if creds.RefreshToken != "" {
		if refreshEnc, err = v.enc.Encrypt(creds.RefreshToken); err != nil {
			return apperr.Encryption("encrypt refresh token", err)
		}
	}

	now := v.now().UTC()
	rec := &models.TokenRecord{
		UserID:          userID,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ExpiresAt:       creds.ExpiresAt,
		Connected:       true,
		Username:        creds.Username,
		RefreshedAt:     &now,
		UpdatedAt:       now,
	}
	if err := v.store.SaveToken(ctx, rec); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	v.forgetVerification(ctx, userID)
	v.log.Info("Platform account connected", "user_id", userID)
	return nil
}

func (v *Vault) Disconnect(ctx context.Context, userID string) error {
	if err := v.store.ClearConnection(ctx, userID); err != nil {
		return fmt.Errorf("clear connection: %w", err)
	}
	v.forgetVerification(ctx, userID)
	v.log.Info("Platform account disconnected", "user_id", userID)
	return nil
}

// FlagReconnect records that the user must go through consent again.
func (v *Vault) FlagReconnect(ctx context.Context, userID string) error {
	v.forgetVerification(ctx, userID)
	if err := v.store.MarkNeedsReconnect(ctx, userID); err != nil && !apperr.IsNotFound(err) {
		return err
	}
	v.log.Warn("Platform account flagged for reconnect", "user_id", userID)
	return nil
}

// GetValidAccessToken returns a decrypted access token, refreshing it
// first when it expires within ExpirySkew.
func (v *Vault) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	rec, err := v.loadConnected(ctx, userID)
	if err != nil {
		return "", err
	}

	if rec.ExpiresAt != nil && !v.now().Add(ExpirySkew).Before(*rec.ExpiresAt) {
		return v.Refresh(ctx, userID)
	}

	token, err := v.enc.Decrypt(rec.AccessTokenEnc)
	if err != nil {
		return "", v.selfHeal(ctx, userID, err)
	}
	return token, nil
}

// Refresh exchanges the stored refresh token for a new access token.
// Concurrent calls for one user share a single exchange in this process
// and wait on a Redis lock across processes.
func (v *Vault) Refresh(ctx context.Context, userID string) (string, error) {
	res, err, _ := v.refreshGroup.Do(userID, func() (any, error) {
		return v.refresh(ctx, userID)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (v *Vault) refresh(ctx context.Context, userID string) (string, error) {
	before, err := v.loadConnected(ctx, userID)
	if err != nil {
		return "", err
	}

	if v.locker != nil {
		release, err := v.locker.Acquire(ctx, "token:refresh:"+userID, RefreshLockTTL)
		if err != nil {
			return "", apperr.Transient("wait for token refresh lock", err)
		}
		defer release()
	}

	rec, err := v.loadConnected(ctx, userID)
	if err != nil {
		return "", err
	}

	// Another process refreshed while we waited on the lock.
	if refreshedSince(before.RefreshedAt, rec.RefreshedAt) {
		token, err := v.enc.Decrypt(rec.AccessTokenEnc)
		if err != nil {
			return "", v.selfHeal(ctx, userID, err)
		}
		return token, nil
	}

	if rec.RefreshTokenEnc == "" {
		_ = v.FlagReconnect(ctx, userID)
		return "", apperr.Terminal("no refresh token stored", apperr.ErrReconnectRequired)
	}
	refreshToken, err := v.enc.Decrypt(rec.RefreshTokenEnc)
	if err != nil {
		return "", v.selfHeal(ctx, userID, err)
	}

	tok, err := v.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		v.metrics.RecordTokenRefresh(ctx, false)
		if errors.Is(err, apperr.ErrReconnectRequired) {
			_ = v.FlagReconnect(ctx, userID)
			return "", apperr.Terminal("token refresh rejected", err)
		}
		return "", apperr.Transient("token refresh failed", err)
	}
	v.metrics.RecordTokenRefresh(ctx, true)

	accessEnc, err := v.enc.Encrypt(tok.AccessToken)
	if err != nil {
		return "", apperr.Encryption("encrypt access token", err)
	}
	rec.AccessTokenEnc = accessEnc
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if rec.RefreshTokenEnc, err = v.enc.Encrypt(tok.RefreshToken); err != nil {
			return "", apperr.Encryption("encrypt refresh token", err)
		}
	}
	rec.ExpiresAt = nil
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		rec.ExpiresAt = &expiry
	}
	now := v.now().UTC()
	rec.RefreshedAt = &now
	rec.UpdatedAt = now
	rec.NeedsReconnect = false

	if err := v.store.SaveToken(ctx, rec); err != nil {
		return "", apperr.Transient("persist refreshed token", err)
	}
	v.log.Info("Access token refreshed", "user_id", userID)
	return tok.AccessToken, nil
}

func (v *Vault) loadConnected(ctx context.Context, userID string) (*models.TokenRecord, error) {
	rec, err := v.store.GetToken(ctx, userID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, ErrNotConnected
		}
		return nil, apperr.Transient("load token", err)
	}
	if !rec.Connected || rec.AccessTokenEnc == "" {
		return nil, ErrNotConnected
	}
	return rec, nil
}

// selfHeal drops credentials that can no longer be decrypted so the user
// is asked to connect again instead of failing forever.
func (v *Vault) selfHeal(ctx context.Context, userID string, cause error) error {
	v.log.Warn("Stored token could not be decrypted, clearing connection", "user_id", userID, "error", cause)
	if err := v.store.ClearConnection(ctx, userID); err != nil {
		v.log.Error("Failed to clear unreadable token", "user_id", userID, "error", err)
	}
	v.forgetVerification(ctx, userID)
	return apperr.Encryption("stored token unreadable", ErrNotConnected)
}

func refreshedSince(prev, cur *time.Time) bool {
	return cur != nil && (prev == nil || cur.After(*prev))
}

func verifyKey(userID string) string {
	return "verify:" + userID
}

func (v *Vault) forgetVerification(ctx context.Context, userID string) {
	if v.cache == nil {
		return
	}
	if err := v.cache.Delete(ctx, verifyKey(userID)); err != nil {
		v.log.Debug("Verification cache delete failed", "user_id", userID, "error", err)
	}
}
