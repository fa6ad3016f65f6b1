// Package scheduler turns scheduled posts into delayed publish jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"social-publisher/internal/apperr"
	"social-publisher/internal/logger"
	"social-publisher/internal/queue"
	"social-publisher/internal/store"
	"social-publisher/models"
)

// ImmediateThreshold is the smallest delay worth scheduling; anything
// shorter is published right away.
const ImmediateThreshold = 2 * time.Minute

// ErrPublishInProgress is returned when a worker already claimed the job.
var ErrPublishInProgress = apperr.Validation("post is already being published")

// ComputeDelay returns how long to wait before publishing.
func ComputeDelay(scheduledAt *time.Time, now time.Time) time.Duration {
	if scheduledAt == nil {
		return 0
	}
	delay := scheduledAt.Sub(now)
	if delay < ImmediateThreshold {
		return 0
	}
	return delay
}

type Scheduler struct {
	posts store.PostStore
	queue queue.Port
	log   *slog.Logger
	now   func() time.Time
}

func New(posts store.PostStore, q queue.Port, log *slog.Logger) *Scheduler {
	if log == nil {
		log = logger.Logger
	}
	return &Scheduler{posts: posts, queue: q, log: log, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func validate(post *models.Post) error {
	if post == nil || post.ID == "" {
		return apperr.Validation("post id is required")
	}
	if strings.TrimSpace(post.Content) == "" {
		return apperr.Validation("post content is empty")
	}
	if post.OwnerID == "" {
		return apperr.Validation("post has no owner")
	}
	if post.Status == models.PostStatusPublished {
		return apperr.Validation("post is already published")
	}
	if !post.CanReschedule() {
		return apperr.Validationf("post in status %s cannot be scheduled", post.Status)
	}
	return nil
}

// Schedule persists post as SCHEDULED and enqueues its publish job. The
// post must already exist in the store.
func (s *Scheduler) Schedule(ctx context.Context, post *models.Post) error {
	return s.schedule(ctx, post, "Post scheduled")
}

// Reschedule replaces the pending publish job of post with one for its
// current ScheduledAt.
func (s *Scheduler) Reschedule(ctx context.Context, post *models.Post) error {
	return s.schedule(ctx, post, "Post rescheduled")
}

func (s *Scheduler) schedule(ctx context.Context, post *models.Post, msg string) error {
	if err := validate(post); err != nil {
		return err
	}

	// Cancel first so the deterministic job id is free and no stale job
	// survives.
	if err := s.cancelJob(ctx, post.ID); err != nil {
		if errors.Is(err, ErrPublishInProgress) {
			return err
		}
		s.markFailed(ctx, post, "could not queue post for publishing: "+err.Error())
		return err
	}

	if err := post.TransitionTo(models.PostStatusScheduled); err != nil {
		return apperr.Wrap(apperr.KindValidation, "cannot schedule post", err)
	}
	post.FailureReason = ""
	post.Attempts = 0
	post.UpdatedAt = s.now().UTC()
	if err := s.posts.UpdatePost(ctx, post); err != nil {
		return fmt.Errorf("persist scheduled post: %w", err)
	}

	delay := ComputeDelay(post.ScheduledAt, s.now())
	_, err := s.queue.Enqueue(ctx, queue.TaskPublishPost, queue.PublishPayload{
		PostID: post.ID,
		UserID: post.OwnerID,
	}, queue.EnqueueOptions{
		Queue:       queue.QueuePublish,
		JobID:       queue.PublishJobID(post.ID),
		Delay:       delay,
		MaxAttempts: queue.PublishMaxAttempts,
		Timeout:     queue.PublishTimeout,
	})
	if err != nil {
		s.markFailed(ctx, post, "could not queue post for publishing: "+err.Error())
		return apperr.Transient("enqueue publish job", err)
	}

	s.log.Info(msg, "post_id", post.ID, "owner_id", post.OwnerID, "delay", delay.String())
	return nil
}

// Cancel removes the pending publish job of a post and returns the post to
// DRAFT. A job a worker already claimed runs to completion.
func (s *Scheduler) Cancel(ctx context.Context, postID string) error {
	post, err := s.posts.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.Status == models.PostStatusPublished {
		return apperr.Validation("post is already published")
	}

	if err := s.cancelJob(ctx, postID); err != nil {
		return err
	}

	if post.Status == models.PostStatusScheduled {
		if err := post.TransitionTo(models.PostStatusDraft); err != nil {
			return apperr.Wrap(apperr.KindValidation, "cannot cancel post", err)
		}
		post.ScheduledAt = nil
		post.UpdatedAt = s.now().UTC()
		if err := s.posts.UpdatePost(ctx, post); err != nil {
			return fmt.Errorf("persist cancelled post: %w", err)
		}
	}
	s.log.Info("Post schedule cancelled", "post_id", postID)
	return nil
}

// Delete removes an unpublished post together with its pending job.
func (s *Scheduler) Delete(ctx context.Context, postID string) error {
	post, err := s.posts.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	switch post.Status {
	case models.PostStatusPublished:
		return store.ErrImmutable
	case models.PostStatusPublishing:
		return ErrPublishInProgress
	}
	if err := s.cancelJob(ctx, postID); err != nil {
		return err
	}
	if err := s.posts.DeletePost(ctx, postID); err != nil {
		return err
	}
	s.log.Info("Post deleted", "post_id", postID)
	return nil
}

// cancelJob removes every waiting publish job for postID. The
// deterministic id is tried first; when the lookup misses or the queue
// cannot answer it, waiting jobs are scanned for a matching payload.
func (s *Scheduler) cancelJob(ctx context.Context, postID string) error {
	jobID := queue.PublishJobID(postID)

	info, err := s.queue.Lookup(ctx, queue.QueuePublish, jobID)
	if err == nil {
		if info.State == "active" {
			return ErrPublishInProgress
		}
		err = s.queue.Cancel(ctx, queue.QueuePublish, jobID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, queue.ErrJobActive):
			return ErrPublishInProgress
		case errors.Is(err, queue.ErrJobNotFound):
			return nil
		}
	}
	if !errors.Is(err, queue.ErrJobNotFound) {
		s.log.Warn("Job lookup failed, scanning queue", "post_id", postID, "error", err)
	}

	jobs, scanErr := s.queue.Scan(ctx, queue.QueuePublish, func(j queue.JobInfo) bool {
		return j.Type == queue.TaskPublishPost && queue.PayloadField(j.Payload, "post_id") == postID
	})
	if scanErr != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			// The direct lookup was authoritative.
			return nil
		}
		return apperr.Transient("scan publish queue", errors.Join(err, scanErr))
	}
	for _, j := range jobs {
		if cerr := s.queue.Cancel(ctx, j.Queue, j.ID); cerr != nil && !errors.Is(cerr, queue.ErrJobNotFound) {
			if errors.Is(cerr, queue.ErrJobActive) {
				return ErrPublishInProgress
			}
			return apperr.Transient("cancel publish job", cerr)
		}
	}
	return nil
}

func (s *Scheduler) markFailed(ctx context.Context, post *models.Post, reason string) {
	if post.Status != models.PostStatusFailed {
		if err := post.TransitionTo(models.PostStatusFailed); err != nil {
			s.log.Error("Cannot mark post failed", "post_id", post.ID, "error", err)
			return
		}
	}
	post.FailureReason = apperr.Truncate(reason, 500)
	post.UpdatedAt = s.now().UTC()
	if err := s.posts.UpdatePost(ctx, post); err != nil {
		s.log.Error("Failed to persist FAILED status", "post_id", post.ID, "error", err)
	}
}
