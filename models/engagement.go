package models

import (
	"errors"
	"time"
)

// ErrNonMonotonicSnapshot is returned when a snapshot would not advance the
// time series.
var ErrNonMonotonicSnapshot = errors.New("snapshot timestamp does not advance the series")

// Counters are absolute engagement values as reported by the platform.
type Counters struct {
	Likes       int64 `bson:"likes" json:"likes"`
	Reshares    int64 `bson:"reshares" json:"reshares"`
	Quotes      int64 `bson:"quotes" json:"quotes"`
	Replies     int64 `bson:"replies" json:"replies"`
	Impressions int64 `bson:"impressions" json:"impressions"`
}

// Snapshot is one point of the engagement time series.
type Snapshot struct {
	At       time.Time `bson:"at" json:"at"`
	Counters Counters  `bson:"counters" json:"counters"`
}

// EngagementRecord tracks the metrics of one published post.
type EngagementRecord struct {
	PlatformID      string     `bson:"_id" json:"platform_id"`
	LocalID         string     `bson:"local_id" json:"local_id"`
	OwnerID         string     `bson:"owner_id" json:"owner_id"`
	Counters        Counters   `bson:"counters" json:"counters"`
	Series          []Snapshot `bson:"series" json:"series"`
	CreatedAt       time.Time  `bson:"created_at" json:"created_at"`
	LastCollectedAt *time.Time `bson:"last_collected_at,omitempty" json:"last_collected_at,omitempty"`
	Retired         bool       `bson:"retired" json:"retired"`
	RetiredAt       *time.Time `bson:"retired_at,omitempty" json:"retired_at,omitempty"`
	LastError       string     `bson:"last_error,omitempty" json:"last_error,omitempty"`
	Version         int64      `bson:"version" json:"version"`
}

// NewEngagementRecord returns a zeroed record with no snapshots.
func NewEngagementRecord(platformID, localID, ownerID string, now time.Time) *EngagementRecord {
	return &EngagementRecord{
		PlatformID: platformID,
		LocalID:    localID,
		OwnerID:    ownerID,
		Series:     []Snapshot{},
		CreatedAt:  now,
	}
}

func (r *EngagementRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Apply overwrites the current counters and appends a snapshot at at.
func (r *EngagementRecord) Apply(c Counters, at time.Time) error {
	if n := len(r.Series); n > 0 && !at.After(r.Series[n-1].At) {
		return ErrNonMonotonicSnapshot
	}
	r.Counters = c
	r.Series = append(r.Series, Snapshot{At: at, Counters: c})
	collected := at
	r.LastCollectedAt = &collected
	r.LastError = ""
	return nil
}

// Retire stops background polling for the record.
func (r *EngagementRecord) Retire(now time.Time) {
	if r.Retired {
		return
	}
	r.Retired = true
	r.RetiredAt = &now
}

// Clone returns a deep copy of the record.
func (r *EngagementRecord) Clone() *EngagementRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Series = append([]Snapshot{}, r.Series...)
	if r.LastCollectedAt != nil {
		t := *r.LastCollectedAt
		c.LastCollectedAt = &t
	}
	if r.RetiredAt != nil {
		t := *r.RetiredAt
		c.RetiredAt = &t
	}
	return &c
}
