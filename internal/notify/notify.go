// Package notify tells interested parties that a post finished.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"social-publisher/models"
)

const (
	EventPublished = "post.published"
	EventFailed    = "post.failed"
)

// Event is the message published for each finished post.
type Event struct {
	Type       string    `json:"type"`
	PostID     string    `json:"post_id"`
	LocalID    string    `json:"local_id"`
	OwnerID    string    `json:"owner_id"`
	PlatformID string    `json:"platform_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

type Dispatcher interface {
	NotifyPublished(ctx context.Context, post *models.Post) error
	NotifyFailed(ctx context.Context, post *models.Post) error
}

// RedisDispatcher publishes events on a Redis Pub/Sub channel.
type RedisDispatcher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisDispatcher(rdb *redis.Client, channel string) *RedisDispatcher {
	return &RedisDispatcher{rdb: rdb, channel: channel}
}

func (d *RedisDispatcher) NotifyPublished(ctx context.Context, post *models.Post) error {
	return d.publish(ctx, newEvent(EventPublished, post))
}

func (d *RedisDispatcher) NotifyFailed(ctx context.Context, post *models.Post) error {
	return d.publish(ctx, newEvent(EventFailed, post))
}

func (d *RedisDispatcher) publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return d.rdb.Publish(ctx, d.channel, data).Err()
}

func newEvent(kind string, post *models.Post) Event {
	return Event{
		Type:       kind,
		PostID:     post.ID,
		LocalID:    post.LocalID,
		OwnerID:    post.OwnerID,
		PlatformID: post.PlatformID,
		Reason:     post.FailureReason,
		At:         time.Now().UTC(),
	}
}

// Noop drops every event.
type Noop struct{}

func (Noop) NotifyPublished(context.Context, *models.Post) error { return nil }
func (Noop) NotifyFailed(context.Context, *models.Post) error    { return nil }
