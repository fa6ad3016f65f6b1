package vault

import (
	"context"
	"errors"
	"time"

	"social-publisher/internal/apperr"
)

type AccountStatus struct {
	Connected      bool       `json:"connected"`
	NeedsReconnect bool       `json:"needs_reconnect"`
	Verified       bool       `json:"verified"`
	Username       string     `json:"username,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Status reports the connection state of a user. The verification cache
// only short-circuits the identity call; the stored connection flag is
// always consulted first.
func (v *Vault) Status(ctx context.Context, userID string) (*AccountStatus, error) {
	rec, err := v.store.GetToken(ctx, userID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return &AccountStatus{}, nil
		}
		return nil, err
	}

	status := &AccountStatus{
		Connected:      rec.Connected,
		NeedsReconnect: rec.NeedsReconnect,
		Username:       rec.Username,
		ExpiresAt:      rec.ExpiresAt,
	}
	if !rec.Connected {
		return status, nil
	}

	if v.cache != nil {
		username, ok, err := v.cache.Get(ctx, verifyKey(userID))
		if err != nil {
			v.log.Debug("Verification cache read failed", "user_id", userID, "error", err)
		} else if ok {
			status.Username = username
			status.Verified = true
			return status, nil
		}
	}

	if v.verifier == nil {
		return status, nil
	}

	token, err := v.GetValidAccessToken(ctx, userID)
	if err == nil {
		var username string
		username, err = v.verifier.VerifyIdentity(ctx, token)
		if err == nil {
			status.Username = username
			status.Verified = true
			if v.cache != nil {
				if cerr := v.cache.Set(ctx, verifyKey(userID), username, VerifyTTL); cerr != nil {
					v.log.Debug("Verification cache write failed", "user_id", userID, "error", cerr)
				}
			}
			return status, nil
		}
	}

	v.log.Info("Account verification failed", "user_id", userID, "error", err)
	if errors.Is(err, apperr.ErrReconnectRequired) {
		status.NeedsReconnect = true
		if apperr.KindOf(err) == apperr.KindEncryption {
			status.Connected = false
		}
	}
	return status, nil
}
