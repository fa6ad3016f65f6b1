package publisher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-publisher/internal/apperr"
	"social-publisher/internal/cache"
	"social-publisher/internal/engagement"
	"social-publisher/internal/logger"
	"social-publisher/internal/media"
	"social-publisher/internal/platform"
	"social-publisher/internal/queue"
	"social-publisher/internal/scheduler"
	"social-publisher/internal/testutil"
	"social-publisher/models"
)

var t0 = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakePlatform struct {
	mu         sync.Mutex
	createErrs []error
	creates    int
	texts      []string
	mediaIDs   [][]string
	uploads    int
	uploadErr  map[string]error
}

func (f *fakePlatform) CreatePost(_ context.Context, _, _, text string, mediaIDs []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.texts = append(f.texts, text)
	f.mediaIDs = append(f.mediaIDs, mediaIDs)
	return "tw-" + uuid.NewString()[:8], nil
}

func (f *fakePlatform) UploadMedia(_ context.Context, _, _ string, m platform.Media) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if err := f.uploadErr[m.Filename]; err != nil {
		return "", err
	}
	return "media-" + m.Filename, nil
}

type fakeFetcher struct {
	errs map[string]error
}

func (f fakeFetcher) Fetch(_ context.Context, url string) (*media.Item, error) {
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	return &media.Item{Data: []byte("img"), ContentType: "image/png", Filename: url}, nil
}

type staticTokens struct{ err error }

func (s staticTokens) GetValidAccessToken(context.Context, string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "access", nil
}

type recordingNotifier struct {
	published []string
	failed    []string
	err       error
}

func (n *recordingNotifier) NotifyPublished(_ context.Context, p *models.Post) error {
	n.published = append(n.published, p.ID)
	return n.err
}

func (n *recordingNotifier) NotifyFailed(_ context.Context, p *models.Post) error {
	n.failed = append(n.failed, p.ID)
	return n.err
}

type fixture struct {
	worker   *Worker
	store    *testutil.MemoryStore
	queue    *testutil.MemoryQueue
	platform *fakePlatform
	notifier *recordingNotifier
	poller   *engagement.Poller
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: t0}
	st := testutil.NewMemoryStore()
	q := testutil.NewMemoryQueue().WithClock(clock.Now)
	pl := &fakePlatform{}
	n := &recordingNotifier{}
	poller := engagement.NewPoller(engagement.Config{
		Store:  st,
		Tokens: staticTokens{},
		Queue:  q,
		Logger: logger.Discard(),
		Now:    clock.Now,
	})
	w := NewWorker(Config{
		Posts:           st,
		Platform:        pl,
		Tokens:          staticTokens{},
		Media:           fakeFetcher{},
		Engagement:      poller,
		Notifier:        n,
		Logger:          logger.Discard(),
		Now:             clock.Now,
		FinalizeBackoff: time.Millisecond,
	})
	return &fixture{worker: w, store: st, queue: q, platform: pl, notifier: n, poller: poller, clock: clock}
}

func (f *fixture) scheduledPost(t *testing.T, mutate func(*models.Post)) *models.Post {
	t.Helper()
	p := &models.Post{
		ID:        uuid.NewString(),
		LocalID:   uuid.NewString(),
		OwnerID:   "user-1",
		Content:   "Doors open at nine",
		Status:    models.PostStatusScheduled,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, f.store.CreatePost(context.Background(), p))
	return p
}

func (f *fixture) post(t *testing.T, id string) *models.Post {
	t.Helper()
	p, err := f.store.GetPost(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestPublishSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.scheduledPost(t, nil)

	err := f.worker.HandlePublishJob(ctx, p.ID, p.OwnerID, queue.Attempt{Number: 1, Max: 3})
	require.NoError(t, err)

	got := f.post(t, p.ID)
	assert.Equal(t, models.PostStatusPublished, got.Status)
	assert.NotEmpty(t, got.PlatformID)
	require.NotNil(t, got.PublishedAt)
	assert.Equal(t, t0, *got.PublishedAt)
	assert.Empty(t, got.FailureReason)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, []string{p.ID}, f.notifier.published)

	rec, err := f.store.GetEngagement(ctx, got.PlatformID)
	require.NoError(t, err)
	assert.Equal(t, p.LocalID, rec.LocalID)
	assert.Equal(t, p.OwnerID, rec.OwnerID)
}

func TestTransientFailureRetriesThreeTimesThenFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.scheduledPost(t, nil)
	unavailable := apperr.Transient("platform unavailable", &platform.HTTPError{Status: http.StatusServiceUnavailable})
	f.platform.createErrs = []error{unavailable, unavailable, unavailable}

	var delays []time.Duration
	for n := 1; n <= queue.PublishMaxAttempts; n++ {
		attempt := queue.Attempt{Number: n, Max: queue.PublishMaxAttempts}
		err := f.worker.HandlePublishJob(ctx, p.ID, p.OwnerID, attempt)
		require.Error(t, err)
		if !attempt.Final() {
			assert.True(t, apperr.KindOf(err).Retryable())
			assert.Equal(t, models.PostStatusPublishing, f.post(t, p.ID).Status)
			delays = append(delays, queue.RetryDelay(n-1, err, nil))
		} else {
			assert.False(t, apperr.KindOf(err).Retryable())
		}
	}

	assert.Equal(t, queue.PublishMaxAttempts, f.platform.creates)
	require.Len(t, delays, 2)
	assert.Less(t, delays[0], delays[1])

	got := f.post(t, p.ID)
	assert.Equal(t, models.PostStatusFailed, got.Status)
	assert.NotEmpty(t, got.FailureReason)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, []string{p.ID}, f.notifier.failed)
}

func TestTerminalFailureFailsImmediately(t *testing.T) {
	f := newFixture(t)
	p := f.scheduledPost(t, nil)
	f.platform.createErrs = []error{apperr.Terminal("duplicate content", &platform.HTTPError{Status: http.StatusForbidden})}

	err := f.worker.HandlePublishJob(context.Background(), p.ID, p.OwnerID, queue.Attempt{Number: 1, Max: 3})
	require.Error(t, err)
	assert.False(t, apperr.KindOf(err).Retryable())

	got := f.post(t, p.ID)
	assert.Equal(t, models.PostStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "duplicate content")
	assert.Equal(t, 1, f.platform.creates)
}

func TestReconnectRequiredFailsWithReason(t *testing.T) {
	f := newFixture(t)
	f.worker.tokens = staticTokens{err: apperr.Terminal("token revoked", apperr.ErrReconnectRequired)}
	p := f.scheduledPost(t, nil)

	err := f.worker.HandlePublishJob(context.Background(), p.ID, p.OwnerID, queue.Attempt{Number: 1, Max: 3})
	require.Error(t, err)

	got := f.post(t, p.ID)
	assert.Equal(t, models.PostStatusFailed, got.Status)
	assert.NotEmpty(t, got.FailureReason)
	assert.Zero(t, f.platform.creates)
}

type countingFetcher struct{ calls int }

func (f *countingFetcher) Fetch(_ context.Context, url string) (*media.Item, error) {
	f.calls++
	return &media.Item{Data: []byte("img"), ContentType: "image/png", Filename: url}, nil
}

func TestDisconnectedAccountFailsBeforeFetchingMedia(t *testing.T) {
	f := newFixture(t)
	fetcher := &countingFetcher{}
	f.worker.media = fetcher
	f.worker.tokens = staticTokens{err: apperr.Terminal("token revoked", apperr.ErrReconnectRequired)}
	p := f.scheduledPost(t, func(p *models.Post) {
		p.MediaURLs = []string{"https://cdn.example/a.png", "https://cdn.example/b.png"}
	})

	err := f.worker.HandlePublishJob(context.Background(), p.ID, p.OwnerID, queue.Attempt{Number: 1, Max: 3})
	require.Error(t, err)

	assert.Zero(t, fetcher.calls)
	assert.Empty(t, f.platform.mediaIDs)
	assert.Equal(t, models.PostStatusFailed, f.post(t, p.ID).Status)
}

func TestPartialMediaFailureStillPublishes(t *testing.T) {
	f := newFixture(t)
	f.worker.media = fakeFetcher{errs: map[string]error{"https://cdn.example/b.png": errors.New("404")}}
	p := f.scheduledPost(t, func(p *models.Post) {
		p.MediaURLs = []string{"https://cdn.example/a.png", "https://cdn.example/b.png", "https://cdn.example/c.png"}
	})

	require.NoError(t, f.worker.HandlePublishJob(context.Background(), p.ID, p.OwnerID, queue.Attempt{Number: 1, Max: 3}))

	require.Len(t, f.platform.mediaIDs, 1)
	assert.Equal(t, []string{"media-https://cdn.example/a.png", "media-https://cdn.example/c.png"}, f.platform.mediaIDs[0])
	assert.Equal(t, models.PostStatusPublished, f.post(t, p.ID).Status)
}

func TestAllMediaFailPublishesTextOnly(t *testing.T) {
	f := newFixture(t)
	f.platform.uploadErr = map[string]error{"https://cdn.example/a.png": errors.New("too large")}
	p := f.scheduledPost(t, func(p *models.Post) {
		p.MediaURLs = []string{"https://cdn.example/a.png"}
	})

	require.NoError(t, f.worker.HandlePublishJob(context.Background(), p.ID, p.OwnerID, queue.Attempt{Number: 1, Max: 3}))
	require.Len(t, f.platform.mediaIDs, 1)
	assert.Empty(t, f.platform.mediaIDs[0])
}

func TestLocationAppendedWhenItFits(t *testing.T) {
	f := newFixture(t)
	p := f.scheduledPost(t, func(p *models.Post) {
		p.Location = &models.Location{Lat: 51.5, Lng: -0.12, Address: "London"}
	})

	require.NoError(t, f.worker.HandlePublishJob(context.Background(), p.ID, p.OwnerID, queue.Attempt{Number: 1, Max: 3}))
	require.Len(t, f.platform.texts, 1)
	assert.Equal(t, "Doors open at nine\n📍 London", f.platform.texts[0])
}

func TestDeletedPostIsSilentNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sched := scheduler.New(f.store, f.queue, logger.Discard()).WithClock(f.clock.Now)

	at := t0.Add(10 * time.Minute)
	p := f.scheduledPost(t, func(p *models.Post) {
		p.Status = models.PostStatusDraft
		p.ScheduledAt = &at
	})
	require.NoError(t, sched.Schedule(ctx, p))

	// The job was already handed to a worker when the post was deleted.
	job, ok := f.queue.Take(queue.QueuePublish)
	require.True(t, ok)
	require.NoError(t, f.store.DeletePost(ctx, p.ID))

	var payload queue.PublishPayload
	require.NoError(t, testutil.Decode(job, &payload))
	err := f.worker.HandlePublishJob(ctx, payload.PostID, payload.UserID, queue.Attempt{Number: 1, Max: 3})
	assert.NoError(t, err)
	assert.Zero(t, f.platform.creates)
	assert.Empty(t, f.notifier.failed)
}

func TestAlreadyPublishedIsNoOp(t *testing.T) {
	f := newFixture(t)
	p := f.scheduledPost(t, func(p *models.Post) {
		p.Status = models.PostStatusPublished
		p.PlatformID = "tw-1"
	})

	require.NoError(t, f.worker.HandlePublishJob(context.Background(), p.ID, p.OwnerID, queue.Attempt{Number: 1, Max: 3}))
	assert.Zero(t, f.platform.creates)
}

func TestDraftPostIsSkipped(t *testing.T) {
	f := newFixture(t)
	p := f.scheduledPost(t, func(p *models.Post) { p.Status = models.PostStatusDraft })

	require.NoError(t, f.worker.HandlePublishJob(context.Background(), p.ID, p.OwnerID, queue.Attempt{Number: 1, Max: 3}))
	assert.Zero(t, f.platform.creates)
	assert.Equal(t, models.PostStatusDraft, f.post(t, p.ID).Status)
}

func TestKnownPlatformIDIsNotPostedTwice(t *testing.T) {
	f := newFixture(t)
	p := f.scheduledPost(t, func(p *models.Post) {
		p.Status = models.PostStatusPublishing
		p.PlatformID = "tw-existing"
	})

	require.NoError(t, f.worker.HandlePublishJob(context.Background(), p.ID, p.OwnerID, queue.Attempt{Number: 2, Max: 3}))
	assert.Zero(t, f.platform.creates)

	got := f.post(t, p.ID)
	assert.Equal(t, models.PostStatusPublished, got.Status)
	assert.Equal(t, "tw-existing", got.PlatformID)
}

func TestFinalizeRetriesStoreWrite(t *testing.T) {
	f := newFixture(t)
	p := f.scheduledPost(t, nil)

	failures := 0
	f.store.UpdatePostHook = func(post *models.Post) error {
		if post.Status == models.PostStatusPublished && failures < 2 {
			failures++
			return errors.New("write concern timeout")
		}
		return nil
	}

	require.NoError(t, f.worker.HandlePublishJob(context.Background(), p.ID, p.OwnerID, queue.Attempt{Number: 1, Max: 3}))
	assert.Equal(t, 2, failures)
	assert.Equal(t, 1, f.platform.creates)
	assert.Equal(t, models.PostStatusPublished, f.post(t, p.ID).Status)
}

func TestNotifierErrorsAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("redis down")
	p := f.scheduledPost(t, nil)

	require.NoError(t, f.worker.HandlePublishJob(context.Background(), p.ID, p.OwnerID, queue.Attempt{Number: 1, Max: 3}))
	assert.Equal(t, models.PostStatusPublished, f.post(t, p.ID).Status)
}

func TestConcurrentWorkerHoldsLock(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	locker := cache.NewLocker(rdb)
	f.worker.locker = locker

	p := f.scheduledPost(t, nil)
	release, ok, err := locker.TryAcquire(context.Background(), "publish:lock:"+p.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.worker.HandlePublishJob(context.Background(), p.ID, p.OwnerID, queue.Attempt{Number: 1, Max: 3}))
	assert.Zero(t, f.platform.creates)

	release()
	require.NoError(t, f.worker.HandlePublishJob(context.Background(), p.ID, p.OwnerID, queue.Attempt{Number: 1, Max: 3}))
	assert.Equal(t, 1, f.platform.creates)
}

func TestScheduledTenMinutesAheadEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sched := scheduler.New(f.store, f.queue, logger.Discard()).WithClock(f.clock.Now)

	at := t0.Add(10 * time.Minute)
	p := f.scheduledPost(t, func(p *models.Post) {
		p.Status = models.PostStatusDraft
		p.ScheduledAt = &at
	})
	require.NoError(t, sched.Schedule(ctx, p))
	assert.Equal(t, models.PostStatusScheduled, f.post(t, p.ID).Status)

	jobs := f.queue.Jobs(queue.QueuePublish)
	require.Len(t, jobs, 1)
	assert.Equal(t, at, jobs[0].ProcessAt)

	f.clock.Advance(10 * time.Minute)
	job, ok := f.queue.Take(queue.QueuePublish)
	require.True(t, ok)
	var payload queue.PublishPayload
	require.NoError(t, testutil.Decode(job, &payload))
	require.NoError(t, f.worker.HandlePublishJob(ctx, payload.PostID, payload.UserID, queue.Attempt{Number: 1, Max: 3}))

	got := f.post(t, p.ID)
	assert.Equal(t, models.PostStatusPublished, got.Status)
	require.NotEmpty(t, got.PlatformID)

	rec, err := f.store.GetEngagement(ctx, got.PlatformID)
	require.NoError(t, err)
	assert.False(t, rec.Retired)
	assert.Empty(t, rec.Series)

	collects := f.queue.Jobs(queue.QueueEngagement)
	require.Len(t, collects, 1)
	assert.Equal(t, at.Add(engagement.FastInterval), collects[0].ProcessAt)
}
