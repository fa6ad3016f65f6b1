// Package testutil holds in-memory fakes of the store and queue ports.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"social-publisher/internal/store"
	"social-publisher/models"
)

// MemoryStore implements store.Store in memory. Values are deep-copied on
// the way in and out so callers cannot alias stored state.
type MemoryStore struct {
	mu         sync.Mutex
	posts      map[string]*models.Post
	engagement map[string]*models.EngagementRecord
	tokens     map[string]*models.TokenRecord

	// UpdatePostHook, when set, runs before every UpdatePost; a non-nil
	// return is handed back to the caller.
	UpdatePostHook func(p *models.Post) error
	// UpdateEngagementHook runs before every UpdateEngagement.
	UpdateEngagementHook func(r *models.EngagementRecord) error
}

var _ store.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		posts:      make(map[string]*models.Post),
		engagement: make(map[string]*models.EngagementRecord),
		tokens:     make(map[string]*models.TokenRecord),
	}
}

func (s *MemoryStore) CreatePost(_ context.Context, post *models.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[post.ID]; ok {
		return store.ErrDuplicate
	}
	for _, p := range s.posts {
		if p.LocalID == post.LocalID {
			return store.ErrDuplicate
		}
	}
	s.posts[post.ID] = post.Clone()
	return nil
}

func (s *MemoryStore) GetPost(_ context.Context, id string) (*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) UpdatePost(_ context.Context, post *models.Post) error {
	if s.UpdatePostHook != nil {
		if err := s.UpdatePostHook(post); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.posts[post.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status == models.PostStatusPublished {
		return store.ErrImmutable
	}
	s.posts[post.ID] = post.Clone()
	return nil
}

func (s *MemoryStore) DeletePost(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.posts, id)
	return nil
}

func (s *MemoryStore) ListPostsByStatus(_ context.Context, status models.PostStatus, updatedBefore time.Time, limit int) ([]*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Post
	for _, p := range s.posts {
		if p.Status == status && p.UpdatedAt.Before(updatedBefore) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateEngagement(_ context.Context, rec *models.EngagementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.engagement[rec.PlatformID]; ok {
		return store.ErrDuplicate
	}
	s.engagement[rec.PlatformID] = rec.Clone()
	return nil
}

func (s *MemoryStore) GetEngagement(_ context.Context, platformID string) (*models.EngagementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.engagement[platformID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) UpdateEngagement(_ context.Context, rec *models.EngagementRecord) error {
	if s.UpdateEngagementHook != nil {
		if err := s.UpdateEngagementHook(rec); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.engagement[rec.PlatformID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != rec.Version {
		return store.ErrVersionConflict
	}
	rec.Version++
	s.engagement[rec.PlatformID] = rec.Clone()
	return nil
}

func (s *MemoryStore) ListEngagement(_ context.Context, ownerID string, activeOnly bool) ([]*models.EngagementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.EngagementRecord
	for _, r := range s.engagement {
		if r.OwnerID != ownerID || (activeOnly && r.Retired) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListActiveEngagement(_ context.Context, collectedBefore time.Time, limit int) ([]*models.EngagementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.EngagementRecord
	for _, r := range s.engagement {
		if r.Retired {
			continue
		}
		last := r.CreatedAt
		if r.LastCollectedAt != nil {
			last = *r.LastCollectedAt
		}
		if last.Before(collectedBefore) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetToken(_ context.Context, userID string) (*models.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tokens[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) SaveToken(_ context.Context, rec *models.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[rec.UserID] = rec.Clone()
	return nil
}

func (s *MemoryStore) ClearConnection(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tokens[userID]
	if !ok {
		return nil
	}
	r.Connected = false
	r.AccessTokenEnc = ""
	r.RefreshTokenEnc = ""
	r.ExpiresAt = nil
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkNeedsReconnect(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tokens[userID]
	if !ok {
		return store.ErrNotFound
	}
	r.NeedsReconnect = true
	r.UpdatedAt = time.Now().UTC()
	return nil
}
