// Package reconcile repairs work that lost its queued job: scheduled posts
// whose job vanished, posts stuck in PUBLISHING and engagement records
// whose polling chain broke.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"social-publisher/internal/engagement"
	"social-publisher/internal/logger"
	"social-publisher/internal/queue"
	"social-publisher/internal/store"
	"social-publisher/models"
)

const (
	// ScheduledGrace skips posts touched moments ago whose job may still
	// be in flight.
	ScheduledGrace = time.Minute
	// StuckAfter is how long a post may sit in PUBLISHING before it is
	// considered abandoned by its worker.
	StuckAfter = queue.PublishTimeout + 5*time.Minute
	// StaleAfter exceeds the longest gap between two collections.
	StaleAfter = engagement.SlowInterval + time.Hour

	batchSize = 200
)

type Rescheduler interface {
	Reschedule(ctx context.Context, post *models.Post) error
}

type ChainScheduler interface {
	Schedule(ctx context.Context, rec *models.EngagementRecord) error
}

type Config struct {
	Posts      store.PostStore
	Engagement store.EngagementStore
	Queue      queue.Port
	Scheduler  Rescheduler
	Poller     ChainScheduler
	Logger     *slog.Logger
	Now        func() time.Time
}

type Reconciler struct {
	posts      store.PostStore
	engagement store.EngagementStore
	queue      queue.Port
	scheduler  Rescheduler
	poller     ChainScheduler
	log        *slog.Logger
	now        func() time.Time
}

// Report counts what a run repaired.
type Report struct {
	Rescheduled int
	Recovered   int
	Reseeded    int
}

func New(cfg Config) *Reconciler {
	r := &Reconciler{
		posts:      cfg.Posts,
		engagement: cfg.Engagement,
		queue:      cfg.Queue,
		scheduler:  cfg.Scheduler,
		poller:     cfg.Poller,
		log:        cfg.Logger,
		now:        cfg.Now,
	}
	if r.log == nil {
		r.log = logger.Logger
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Run performs one reconciliation pass. Individual repair failures are
// logged and do not stop the pass.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error

	n, err := r.rescheduleOrphans(ctx)
	rep.Rescheduled = n
	errs = append(errs, err)

	n, err = r.recoverStuck(ctx)
	rep.Recovered = n
	errs = append(errs, err)

	n, err = r.reseedChains(ctx)
	rep.Reseeded = n
	errs = append(errs, err)

	if rep.Rescheduled+rep.Recovered+rep.Reseeded > 0 {
		r.log.Info("Reconciliation repaired work",
			"rescheduled", rep.Rescheduled, "recovered", rep.Recovered, "reseeded", rep.Reseeded)
	}
	return rep, errors.Join(errs...)
}

// hasPublishJob reports whether the post has a publish job that will still
// run. An archived or completed job under the post's id is deleted so the id
// can be enqueued again.
func (r *Reconciler) hasPublishJob(ctx context.Context, postID string) (bool, error) {
	jobID := queue.PublishJobID(postID)
	info, err := r.queue.Lookup(ctx, queue.QueuePublish, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch info.State {
	case "archived", "completed":
		if err := r.queue.Cancel(ctx, queue.QueuePublish, jobID); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
			return false, err
		}
		r.log.Info("Removed finished publish job", "post_id", postID, "state", info.State)
		return false, nil
	}
	return true, nil
}

// rescheduleOrphans re-enqueues SCHEDULED posts that have no publish job.
func (r *Reconciler) rescheduleOrphans(ctx context.Context) (int, error) {
	posts, err := r.posts.ListPostsByStatus(ctx, models.PostStatusScheduled, r.now().Add(-ScheduledGrace), batchSize)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, post := range posts {
		ok, err := r.hasPublishJob(ctx, post.ID)
		if err != nil {
			r.log.Warn("Publish job lookup failed", "post_id", post.ID, "error", err)
			continue
		}
		if ok {
			continue
		}
		if err := r.scheduler.Reschedule(ctx, post); err != nil {
			r.log.Error("Failed to reschedule orphaned post", "post_id", post.ID, "error", err)
			continue
		}
		r.log.Warn("Rescheduled post with no publish job", "post_id", post.ID)
		repaired++
	}
	return repaired, nil
}

// recoverStuck re-enqueues posts left in PUBLISHING by a worker that died.
// The publish worker finalizes instead of posting again when the platform
// id was already recorded.
func (r *Reconciler) recoverStuck(ctx context.Context) (int, error) {
	posts, err := r.posts.ListPostsByStatus(ctx, models.PostStatusPublishing, r.now().Add(-StuckAfter), batchSize)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, post := range posts {
		ok, err := r.hasPublishJob(ctx, post.ID)
		if err != nil {
			r.log.Warn("Publish job lookup failed", "post_id", post.ID, "error", err)
			continue
		}
		if ok {
			continue
		}
		_, err = r.queue.Enqueue(ctx, queue.TaskPublishPost, queue.PublishPayload{
			PostID: post.ID,
			UserID: post.OwnerID,
		}, queue.EnqueueOptions{
			Queue:       queue.QueuePublish,
			JobID:       queue.PublishJobID(post.ID),
			MaxAttempts: queue.PublishMaxAttempts,
			Timeout:     queue.PublishTimeout,
		})
		if errors.Is(err, queue.ErrDuplicateJob) {
			r.log.Info("Stuck post already has a publish job", "post_id", post.ID)
			continue
		}
		if err != nil {
			r.log.Error("Failed to recover stuck post", "post_id", post.ID, "error", err)
			continue
		}
		r.log.Warn("Recovered post stuck in PUBLISHING", "post_id", post.ID, "since", post.UpdatedAt)
		repaired++
	}
	return repaired, nil
}

// reseedChains restarts polling for active records with no pending
// collection job.
func (r *Reconciler) reseedChains(ctx context.Context) (int, error) {
	recs, err := r.engagement.ListActiveEngagement(ctx, r.now().Add(-StaleAfter), batchSize)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	pending := make(map[string]bool)
	_, err = r.queue.Scan(ctx, queue.QueueEngagement, func(job queue.JobInfo) bool {
		if job.Type == queue.TaskCollectEngagement {
			pending[queue.PayloadField(job.Payload, "platform_id")] = true
		}
		return false
	})
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, rec := range recs {
		if pending[rec.PlatformID] {
			continue
		}
		if err := r.poller.Schedule(ctx, rec); err != nil {
			r.log.Error("Failed to reseed engagement polling", "platform_id", rec.PlatformID, "error", err)
			continue
		}
		repaired++
	}
	return repaired, nil
}
