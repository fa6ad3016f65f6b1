package models

import (
	"errors"
	"fmt"
	"time"
)

type PostStatus string

const (
	PostStatusDraft      PostStatus = "DRAFT"
	PostStatusScheduled  PostStatus = "SCHEDULED"
	PostStatusPublishing PostStatus = "PUBLISHING"
	PostStatusPublished  PostStatus = "PUBLISHED"
	PostStatusFailed     PostStatus = "FAILED"
)

// ErrInvalidTransition is returned for any status change not listed in
// postTransitions.
var ErrInvalidTransition = errors.New("invalid post status transition")

// postTransitions is the only place allowed status changes are defined.
// PUBLISHED has no outgoing edges.
var postTransitions = map[PostStatus][]PostStatus{
	PostStatusDraft:      {PostStatusScheduled, PostStatusFailed},
	PostStatusScheduled:  {PostStatusScheduled, PostStatusPublishing, PostStatusFailed, PostStatusDraft},
	PostStatusPublishing: {PostStatusPublishing, PostStatusPublished, PostStatusFailed},
	PostStatusFailed:     {PostStatusScheduled},
}

// ValidateTransition reports whether a post may move from one status to another.
func ValidateTransition(from, to PostStatus) error {
	for _, allowed := range postTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Location is an optional place attached to a post.
type Location struct {
	Lat     float64 `bson:"lat" json:"lat"`
	Lng     float64 `bson:"lng" json:"lng"`
	Address string  `bson:"address,omitempty" json:"address,omitempty"`
}

// Post is a user-authored update with scheduling metadata
type Post struct {
	ID            string     `bson:"_id" json:"id"`
	LocalID       string     `bson:"local_id" json:"local_id"`
	PlatformID    string     `bson:"platform_id,omitempty" json:"platform_id,omitempty"`
	OwnerID       string     `bson:"owner_id" json:"owner_id"`
	Content       string     `bson:"content" json:"content"`
	Title         string     `bson:"title,omitempty" json:"title,omitempty"`
	ScheduledAt   *time.Time `bson:"scheduled_at,omitempty" json:"scheduled_at,omitempty"`
	PublishedAt   *time.Time `bson:"published_at,omitempty" json:"published_at,omitempty"`
	Status        PostStatus `bson:"status" json:"status"`
	FailureReason string     `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	MediaURLs     []string   `bson:"media_urls,omitempty" json:"media_urls,omitempty"`
	Location      *Location  `bson:"location,omitempty" json:"location,omitempty"`
	Attempts      int        `bson:"attempts" json:"attempts"`
	CreatedAt     time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at" json:"updated_at"`
}

// TransitionTo moves the post to status after validating the edge.
func (p *Post) TransitionTo(status PostStatus) error {
	if err := ValidateTransition(p.Status, status); err != nil {
		return err
	}
	p.Status = status
	return nil
}

// CanReschedule reports whether the post may get a new publish job.
// PUBLISHING is excluded because its job is already claimed by a worker.
func (p *Post) CanReschedule() bool {
	switch p.Status {
	case PostStatusDraft, PostStatusScheduled, PostStatusFailed:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy of the post.
func (p *Post) Clone() *Post {
	if p == nil {
		return nil
	}
	c := *p
	if p.ScheduledAt != nil {
		t := *p.ScheduledAt
		c.ScheduledAt = &t
	}
	if p.PublishedAt != nil {
		t := *p.PublishedAt
		c.PublishedAt = &t
	}
	if p.MediaURLs != nil {
		c.MediaURLs = append([]string(nil), p.MediaURLs...)
	}
	if p.Location != nil {
		l := *p.Location
		c.Location = &l
	}
	return &c
}
