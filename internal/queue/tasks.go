package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hibiken/asynq"

	"social-publisher/internal/apperr"
)

const (
	TaskPublishPost       = "post:publish"
	TaskCollectEngagement = "engagement:collect"

	QueuePublish    = "publish"
	QueueEngagement = "engagement"

	// PublishMaxAttempts counts the first run plus retries.
	PublishMaxAttempts = 3
	RetryBase          = 60 * time.Second

	PublishTimeout = 5 * time.Minute
	CollectTimeout = 2 * time.Minute
)

type PublishPayload struct {
	PostID string `json:"post_id"`
	UserID string `json:"user_id"`
}

type CollectPayload struct {
	PlatformID string `json:"platform_id"`
	UserID     string `json:"user_id"`
}

// PublishJobID is deterministic so a post has at most one pending publish job.
func PublishJobID(postID string) string {
	return "publish:" + postID
}

// CollectJobID is unique per tick of a record's polling chain.
func CollectJobID(platformID string, due time.Time) string {
	return fmt.Sprintf("collect:%s:%d", platformID, due.Unix())
}

// Backoff returns the delay before retry number n (0-based): base·2ⁿ.
func Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 16 {
		n = 16
	}
	return time.Duration(float64(RetryBase) * math.Pow(2, float64(n)))
}

// RetryDelay is the asynq RetryDelayFunc. Rate-limited jobs wait at least
// until the platform window resets.
func RetryDelay(n int, err error, _ *asynq.Task) time.Duration {
	delay := Backoff(n)
	var rateErr *apperr.RateLimitError
	if errors.As(err, &rateErr) {
		if wait := rateErr.RetryAfter(time.Now()); wait > delay {
			delay = wait
		}
	}
	return delay
}

// Attempt describes which run of a job is executing, both 1-based.
type Attempt struct {
	Number int
	Max    int
}

func (a Attempt) Final() bool {
	return a.Number >= a.Max
}

// AttemptFromContext reads the retry counters asynq puts in the handler
// context. Outside a queue handler it reports a single final attempt.
func AttemptFromContext(ctx context.Context) Attempt {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return Attempt{Number: 1, Max: 1}
	}
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return Attempt{Number: retried + 1, Max: maxRetry + 1}
}

// Permanent marks err so the queue archives the job instead of retrying it.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}
