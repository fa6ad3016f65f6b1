// Package store persists posts, engagement records and platform tokens.
package store

import (
	"context"
	"errors"
	"time"

	"social-publisher/internal/apperr"
	"social-publisher/models"
)

var (
	// ErrNotFound is returned when a document does not exist. It classifies
	// as apperr.KindNotFound.
	ErrNotFound = apperr.NotFound("not found")

	// ErrVersionConflict is returned by UpdateEngagement when the record was
	// changed since it was read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicate is returned when a unique key (id or local id) is reused.
	ErrDuplicate = apperr.Validation("duplicate key")

	// ErrImmutable is returned when writing to a post that is already PUBLISHED.
	ErrImmutable = apperr.Validation("post is published and can no longer change")
)

type PostStore interface {
	CreatePost(ctx context.Context, post *models.Post) error
	GetPost(ctx context.Context, id string) (*models.Post, error)
	// UpdatePost replaces the stored post. It fails with ErrImmutable when
	// the stored copy is already PUBLISHED.
	UpdatePost(ctx context.Context, post *models.Post) error
	DeletePost(ctx context.Context, id string) error
	// ListPostsByStatus returns posts in status last updated before the
	// cutoff, oldest first.
	ListPostsByStatus(ctx context.Context, status models.PostStatus, updatedBefore time.Time, limit int) ([]*models.Post, error)
}

type EngagementStore interface {
	CreateEngagement(ctx context.Context, rec *models.EngagementRecord) error
	GetEngagement(ctx context.Context, platformID string) (*models.EngagementRecord, error)
	// UpdateEngagement writes rec if the stored version equals rec.Version
	// and increments rec.Version on success.
	UpdateEngagement(ctx context.Context, rec *models.EngagementRecord) error
	ListEngagement(ctx context.Context, ownerID string, activeOnly bool) ([]*models.EngagementRecord, error)
	// ListActiveEngagement returns non-retired records whose last
	// collection (or creation) is older than the cutoff.
	ListActiveEngagement(ctx context.Context, collectedBefore time.Time, limit int) ([]*models.EngagementRecord, error)
}

type TokenStore interface {
	GetToken(ctx context.Context, userID string) (*models.TokenRecord, error)
	SaveToken(ctx context.Context, rec *models.TokenRecord) error
	// ClearConnection marks the record disconnected and drops the
	// encrypted tokens.
	ClearConnection(ctx context.Context, userID string) error
	MarkNeedsReconnect(ctx context.Context, userID string) error
}

// Store bundles the repositories the services depend on.
type Store interface {
	PostStore
	EngagementStore
	TokenStore
}
