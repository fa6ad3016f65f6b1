// Package engagement collects metrics for published posts on a decaying
// schedule that ends one week after publishing.
package engagement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"social-publisher/internal/apperr"
	"social-publisher/internal/logger"
	"social-publisher/internal/platform"
	"social-publisher/internal/queue"
	"social-publisher/internal/store"
	"social-publisher/internal/telemetry"
	"social-publisher/models"
)

const (
	FastInterval     = 2 * time.Hour
	SlowInterval     = 6 * time.Hour
	FastWindow       = 24 * time.Hour
	TrackingWindow   = 168 * time.Hour
	FallbackInterval = 4 * time.Hour

	updateAttempts = 3
	refreshWorkers = 4
)

// NextInterval returns the polling interval for a record of the given age.
// ok is false once the record should be retired.
func NextInterval(age time.Duration) (interval time.Duration, ok bool) {
	switch {
	case age < FastWindow:
		return FastInterval, true
	case age < TrackingWindow:
		return SlowInterval, true
	default:
		return 0, false
	}
}

type MetricsSource interface {
	GetMetrics(ctx context.Context, userID, accessToken, platformID string) (models.Counters, error)
}

type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID string) (string, error)
}

type Poller struct {
	store    store.EngagementStore
	platform MetricsSource
	tokens   TokenSource
	queue    queue.Port
	log      *slog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

type Config struct {
	Store    store.EngagementStore
	Platform MetricsSource
	Tokens   TokenSource
	Queue    queue.Port
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Now      func() time.Time
}

func NewPoller(cfg Config) *Poller {
	p := &Poller{
		store:    cfg.Store,
		platform: cfg.Platform,
		tokens:   cfg.Tokens,
		queue:    cfg.Queue,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
	if p.log == nil {
		p.log = logger.Logger
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Initialize creates a zeroed record for a freshly published post and
// schedules its first collection. Metrics are not fetched right away.
func (p *Poller) Initialize(ctx context.Context, platformID, localID, ownerID string) error {
	rec := models.NewEngagementRecord(platformID, localID, ownerID, p.now().UTC())
	if err := p.store.CreateEngagement(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("create engagement record: %w", err)
	}
	interval, _ := NextInterval(0)
	return p.scheduleNext(ctx, rec, interval)
}

// Schedule enqueues the next collection for rec based on its age now.
// Used to re-seed chains that lost their job.
func (p *Poller) Schedule(ctx context.Context, rec *models.EngagementRecord) error {
	interval, ok := NextInterval(rec.Age(p.now()))
	if !ok {
		_, err := p.update(ctx, rec.PlatformID, func(r *models.EngagementRecord) error {
			r.Retire(p.now().UTC())
			return nil
		})
		return err
	}
	return p.scheduleNext(ctx, rec, interval)
}

func (p *Poller) scheduleNext(ctx context.Context, rec *models.EngagementRecord, delay time.Duration) error {
	due := p.now().Add(delay)
	_, err := p.queue.Enqueue(ctx, queue.TaskCollectEngagement, queue.CollectPayload{
		PlatformID: rec.PlatformID,
		UserID:     rec.OwnerID,
	}, queue.EnqueueOptions{
		Queue:       queue.QueueEngagement,
		JobID:       queue.CollectJobID(rec.PlatformID, due),
		Delay:       delay,
		MaxAttempts: 1,
		Timeout:     queue.CollectTimeout,
	})
	if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		return fmt.Errorf("schedule engagement collection: %w", err)
	}
	return nil
}

// Collect is the scheduled tick for one record. It always leaves either a
// next tick queued or the record retired; failures fall back to a retry
// FallbackInterval later.
func (p *Poller) Collect(ctx context.Context, platformID, userID string) error {
	rec, err := p.store.GetEngagement(ctx, platformID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil
		}
		return err
	}
	if rec.Retired {
		return nil
	}

	now := p.now().UTC()
	interval, ok := NextInterval(rec.Age(now))
	if !ok {
		p.log.Info("Engagement tracking window ended", "platform_id", platformID)
		_, err := p.update(ctx, platformID, func(r *models.EngagementRecord) error {
			r.Retire(now)
			return nil
		})
		p.metrics.RecordCollection(ctx, "retired")
		return err
	}

	if userID == "" {
		userID = rec.OwnerID
	}
	updated, err := p.refresh(ctx, rec, userID)
	if err != nil {
		if platform.StatusOf(err) == http.StatusNotFound {
			p.metrics.RecordCollection(ctx, "gone")
			return nil
		}
		p.log.Warn("Engagement collection failed, retrying later",
			"platform_id", platformID, "error", err, "retry_in", FallbackInterval.String())
		p.metrics.RecordCollection(ctx, "failed")
		if _, uerr := p.update(ctx, platformID, func(r *models.EngagementRecord) error {
			r.LastError = apperr.Reason(err)
			return nil
		}); uerr != nil {
			p.log.Error("Failed to record collection error", "platform_id", platformID, "error", uerr)
		}
		return p.scheduleNext(ctx, rec, FallbackInterval)
	}

	p.metrics.RecordCollection(ctx, "ok")
	return p.scheduleNext(ctx, updated, interval)
}

// refresh fetches counters and applies them. A 404 retires the record.
func (p *Poller) refresh(ctx context.Context, rec *models.EngagementRecord, userID string) (*models.EngagementRecord, error) {
	token, err := p.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	counters, err := p.platform.GetMetrics(ctx, userID, token, rec.PlatformID)
	if err != nil {
		if platform.StatusOf(err) == http.StatusNotFound {
			p.log.Info("Post no longer exists on platform, retiring", "platform_id", rec.PlatformID)
			now := p.now().UTC()
			if _, uerr := p.update(ctx, rec.PlatformID, func(r *models.EngagementRecord) error {
				r.LastError = "post no longer exists on platform"
				r.Retire(now)
				return nil
			}); uerr != nil {
				p.log.Error("Failed to retire engagement record", "platform_id", rec.PlatformID, "error", uerr)
			}
		}
		return nil, err
	}

	at := p.now().UTC()
	updated, err := p.update(ctx, rec.PlatformID, func(r *models.EngagementRecord) error {
		return r.Apply(counters, at)
	})
	if errors.Is(err, models.ErrNonMonotonicSnapshot) {
		// A concurrent collection already stored a newer snapshot.
		return p.store.GetEngagement(ctx, rec.PlatformID)
	}
	return updated, err
}

// update applies mutate to the latest stored record, retrying on version
// conflicts.
func (p *Poller) update(ctx context.Context, platformID string, mutate func(*models.EngagementRecord) error) (*models.EngagementRecord, error) {
	for i := 0; i < updateAttempts; i++ {
		rec, err := p.store.GetEngagement(ctx, platformID)
		if err != nil {
			return nil, err
		}
		if err := mutate(rec); err != nil {
			return nil, err
		}
		err = p.store.UpdateEngagement(ctx, rec)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, store.ErrVersionConflict
}

// RefreshOne collects metrics for one of userID's posts right away. It does
// not change the background schedule.
func (p *Poller) RefreshOne(ctx context.Context, userID, platformID string) (*models.EngagementRecord, error) {
	rec, err := p.store.GetEngagement(ctx, platformID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != userID {
		return nil, store.ErrNotFound
	}
	return p.refresh(ctx, rec, userID)
}

// RefreshResult is the outcome for one record of a batch refresh.
type RefreshResult struct {
	PlatformID string                   `json:"platform_id"`
	Record     *models.EngagementRecord `json:"record,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// RefreshMany refreshes several records; one failure does not stop the rest.
func (p *Poller) RefreshMany(ctx context.Context, userID string, platformIDs []string) []RefreshResult {
	results := make([]RefreshResult, len(platformIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshWorkers)
	for i, id := range platformIDs {
		g.Go(func() error {
			rec, err := p.RefreshOne(gctx, userID, id)
			res := RefreshResult{PlatformID: id, Record: rec}
			if err != nil {
				res.Error = apperr.Reason(err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// RefreshAll refreshes every active record of userID.
func (p *Poller) RefreshAll(ctx context.Context, userID string) ([]RefreshResult, error) {
	recs, err := p.store.ListEngagement(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.PlatformID
	}
	return p.RefreshMany(ctx, userID, ids), nil
}
