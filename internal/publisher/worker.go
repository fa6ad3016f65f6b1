// Package publisher executes publish jobs: it uploads media, creates the
// post on the platform and records the outcome.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"social-publisher/internal/apperr"
	"social-publisher/internal/logger"
	"social-publisher/internal/media"
	"social-publisher/internal/notify"
	"social-publisher/internal/platform"
	"social-publisher/internal/queue"
	"social-publisher/internal/store"
	"social-publisher/internal/telemetry"
	"social-publisher/models"
)

const (
	lockTTL          = queue.PublishTimeout + time.Minute
	finalizeAttempts = 3
)

type Platform interface {
	CreatePost(ctx context.Context, userID, accessToken, text string, mediaIDs []string) (string, error)
	UploadMedia(ctx context.Context, userID, accessToken string, m platform.Media) (string, error)
}

type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID string) (string, error)
}

type MediaFetcher interface {
	Fetch(ctx context.Context, url string) (*media.Item, error)
}

type EngagementInitializer interface {
	Initialize(ctx context.Context, platformID, localID, ownerID string) error
}

type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error)
}

type Config struct {
	Posts      store.PostStore
	Platform   Platform
	Tokens     TokenSource
	Media      MediaFetcher
	Engagement EngagementInitializer
	Notifier   notify.Dispatcher
	// Locker guards against two workers publishing the same post. Optional.
	Locker  Locker
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
	// FinalizeBackoff is the pause between attempts to persist PUBLISHED.
	FinalizeBackoff time.Duration
}

type Worker struct {
	posts      store.PostStore
	platform   Platform
	tokens     TokenSource
	media      MediaFetcher
	engagement EngagementInitializer
	notifier   notify.Dispatcher
	locker     Locker
	log        *slog.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
	backoff    time.Duration
}

func NewWorker(cfg Config) *Worker {
	w := &Worker{
		posts:      cfg.Posts,
		platform:   cfg.Platform,
		tokens:     cfg.Tokens,
		media:      cfg.Media,
		engagement: cfg.Engagement,
		notifier:   cfg.Notifier,
		locker:     cfg.Locker,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		backoff:    cfg.FinalizeBackoff,
	}
	if w.log == nil {
		w.log = logger.Logger
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.notifier == nil {
		w.notifier = notify.Noop{}
	}
	if w.backoff <= 0 {
		w.backoff = 500 * time.Millisecond
	}
	return w
}

// HandlePublishJob runs one attempt of a publish job. A nil return means
// the job is done, including the benign cases of a deleted or already
// published post. A returned error is retried by the queue unless its
// kind is not retryable or attempt is the last one; in both of those cases
// the post has been persisted as FAILED.
func (w *Worker) HandlePublishJob(ctx context.Context, postID, userID string, attempt queue.Attempt) error {
	tracer := otel.Tracer("publish-worker")
	ctx, span := tracer.Start(ctx, "publisher.handle_job")
	defer span.End()
	span.SetAttributes(
		attribute.String("post.id", postID),
		attribute.Int("job.attempt", attempt.Number),
	)

	post, err := w.posts.GetPost(ctx, postID)
	if err != nil {
		if apperr.IsNotFound(err) {
			w.log.Debug("Post no longer exists, skipping publish", "post_id", postID)
			return nil
		}
		return apperr.Transient("load post", err)
	}

	switch post.Status {
	case models.PostStatusScheduled, models.PostStatusPublishing:
	case models.PostStatusPublished:
		return nil
	default:
		w.log.Info("Post is not scheduled, skipping publish", "post_id", postID, "status", post.Status)
		return nil
	}
	if userID == "" {
		userID = post.OwnerID
	}

	if w.locker != nil {
		release, ok, err := w.locker.TryAcquire(ctx, "publish:lock:"+postID, lockTTL)
		if err != nil {
			return apperr.Transient("acquire publish lock", err)
		}
		if !ok {
			w.log.Info("Post is being published by another worker", "post_id", postID)
			return nil
		}
		defer release()
	}

	err = w.publish(ctx, post, userID, attempt)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	return w.handleFailure(ctx, post, err, attempt)
}

// publish runs the external part of the job. Panics are turned into errors
// so the failure policy still applies.
func (w *Worker) publish(ctx context.Context, post *models.Post, userID string, attempt queue.Attempt) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Publish panicked", "post_id", post.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("publish panicked: %v", r)
		}
	}()

	// A previous attempt already created the platform post but could not
	// record it; never post twice.
	if post.PlatformID != "" {
		w.log.Warn("Post already has a platform id, finalizing", "post_id", post.ID, "platform_id", post.PlatformID)
		return w.finalize(ctx, post, post.PlatformID)
	}

	if err := post.TransitionTo(models.PostStatusPublishing); err != nil {
		return apperr.Wrap(apperr.KindTerminal, "cannot start publishing", err)
	}
	post.Attempts = attempt.Number
	post.UpdatedAt = w.now().UTC()
	if err := w.posts.UpdatePost(ctx, post); err != nil {
		return err
	}

	token, err := w.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return err
	}

	var mediaIDs []string
	if len(post.MediaURLs) > 0 {
		mediaIDs = w.uploadMedia(ctx, post, userID)
		// Uploads may have refreshed the token.
		if token, err = w.tokens.GetValidAccessToken(ctx, userID); err != nil {
			return err
		}
	}
	text := ComposeText(post.Content, post.Location)
	platformID, err := w.platform.CreatePost(ctx, userID, token, text, mediaIDs)
	if err != nil {
		return err
	}

	return w.finalize(ctx, post, platformID)
}

// uploadMedia uploads every attachment it can. Failed items are logged and
// skipped; an empty result publishes text only.
func (w *Worker) uploadMedia(ctx context.Context, post *models.Post, userID string) []string {
	var ids []string
	for i, url := range post.MediaURLs {
		id, err := w.uploadOne(ctx, userID, url)
		if err != nil {
			w.log.Warn("Media upload failed, skipping item",
				"post_id", post.ID, "index", i, "url", url, "error", err)
			w.metrics.RecordMediaFailure(ctx)
			continue
		}
		ids = append(ids, id)
	}
	if len(post.MediaURLs) > 0 && len(ids) == 0 {
		w.log.Warn("No media could be uploaded, publishing text only", "post_id", post.ID)
	}
	return ids
}

func (w *Worker) uploadOne(ctx context.Context, userID, url string) (string, error) {
	item, err := w.media.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	// Re-read per item so a refresh triggered by an earlier upload is used.
	token, err := w.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return "", err
	}
	return w.platform.UploadMedia(ctx, userID, token, platform.Media{
		Data:        item.Data,
		ContentType: item.ContentType,
		Filename:    item.Filename,
	})
}

// finalize records the platform id and PUBLISHED. The write is retried
// because a lost write here is what could lead to a duplicate post.
func (w *Worker) finalize(ctx context.Context, post *models.Post, platformID string) error {
	now := w.now().UTC()
	post.PlatformID = platformID
	post.PublishedAt = &now
	post.FailureReason = ""
	post.UpdatedAt = now
	if err := post.TransitionTo(models.PostStatusPublished); err != nil {
		return apperr.Wrap(apperr.KindTerminal, "cannot mark post published", err)
	}

	var err error
	for i := 0; i < finalizeAttempts; i++ {
		if err = w.posts.UpdatePost(ctx, post); err == nil {
			break
		}
		if apperr.IsNotFound(err) {
			w.log.Warn("Post deleted while publishing", "post_id", post.ID, "platform_id", platformID)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.backoff * time.Duration(i+1)):
		}
	}
	if err != nil {
		w.log.Error("Published on platform but could not record it",
			"post_id", post.ID, "platform_id", platformID, "error", err)
		// Keep the platform id on the in-memory copy so the failure path
		// can try once more to save it.
		return apperr.Transient("persist published post", err)
	}

	w.log.Info("Post published", "post_id", post.ID, "platform_id", platformID)
	w.metrics.RecordPublished(ctx)

	if w.engagement != nil {
		if err := w.engagement.Initialize(ctx, platformID, post.LocalID, post.OwnerID); err != nil {
			w.log.Error("Failed to start engagement tracking", "post_id", post.ID, "platform_id", platformID, "error", err)
		}
	}

	if err := w.notifier.NotifyPublished(ctx, post); err != nil {
		w.log.Debug("Publish notification failed", "post_id", post.ID, "error", err)
	}
	return nil
}

// handleFailure persists the outcome of a failed attempt and decides
// whether the queue should retry.
func (w *Worker) handleFailure(ctx context.Context, post *models.Post, err error, attempt queue.Attempt) error {
	if apperr.IsNotFound(err) {
		w.log.Debug("Post vanished during publish", "post_id", post.ID)
		return nil
	}

	kind := apperr.KindOf(err)
	reason := apperr.Reason(err)

	if kind.Retryable() && !attempt.Final() {
		w.log.Warn("Publish attempt failed, will retry",
			"post_id", post.ID, "attempt", attempt.Number, "max_attempts", attempt.Max, "error", err)
		post.FailureReason = reason
		post.UpdatedAt = w.now().UTC()
		if uerr := w.posts.UpdatePost(ctx, post); uerr != nil && !apperr.IsNotFound(uerr) {
			w.log.Error("Failed to record attempt failure", "post_id", post.ID, "error", uerr)
		}
		return err
	}

	w.log.Error("Publish failed",
		"post_id", post.ID, "attempt", attempt.Number, "kind", kind.String(), "error", err)

	// A post whose platform id is known is published; keep trying to
	// record that instead of marking it failed.
	if post.PlatformID != "" {
		return err
	}

	if terr := post.TransitionTo(models.PostStatusFailed); terr != nil {
		w.log.Error("Cannot mark post failed", "post_id", post.ID, "status", post.Status, "error", terr)
		return err
	}
	post.FailureReason = reason
	post.UpdatedAt = w.now().UTC()
	if uerr := w.posts.UpdatePost(ctx, post); uerr != nil {
		if apperr.IsNotFound(uerr) {
			return nil
		}
		w.log.Error("Failed to persist FAILED status", "post_id", post.ID, "error", uerr)
	}
	w.metrics.RecordFailed(ctx, kind.String())
	if nerr := w.notifier.NotifyFailed(ctx, post); nerr != nil {
		w.log.Debug("Failure notification failed", "post_id", post.ID, "error", nerr)
	}
	return apperr.Terminal(reason, err)
}
