package models

import "time"

// TokenRecord holds a user's platform credentials, encrypted at rest.
type TokenRecord struct {
	UserID          string     `bson:"_id" json:"user_id"`
	AccessTokenEnc  string     `bson:"access_token_enc" json:"-"`
	RefreshTokenEnc string     `bson:"refresh_token_enc" json:"-"`
	ExpiresAt       *time.Time `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	Connected       bool       `bson:"connected" json:"connected"`
	NeedsReconnect  bool       `bson:"needs_reconnect" json:"needs_reconnect"`
	Username        string     `bson:"username,omitempty" json:"username,omitempty"`
	RefreshedAt     *time.Time `bson:"refreshed_at,omitempty" json:"refreshed_at,omitempty"`
	UpdatedAt       time.Time  `bson:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *TokenRecord) Clone() *TokenRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.RefreshedAt != nil {
		t := *r.RefreshedAt
		c.RefreshedAt = &t
	}
	return &c
}
