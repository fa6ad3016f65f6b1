package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-publisher/internal/apperr"
	"social-publisher/internal/auth"
	"social-publisher/internal/config"
	"social-publisher/internal/engagement"
	"social-publisher/internal/logger"
	"social-publisher/internal/queue"
	"social-publisher/internal/scheduler"
	"social-publisher/internal/testutil"
	"social-publisher/internal/vault"
	"social-publisher/models"
	"social-publisher/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAccounts struct {
	connected map[string]vault.Credentials
	statusErr error
}

func (f *fakeAccounts) Connect(_ context.Context, userID string, creds vault.Credentials) error {
	f.connected[userID] = creds
	return nil
}

func (f *fakeAccounts) Disconnect(_ context.Context, userID string) error {
	delete(f.connected, userID)
	return nil
}

func (f *fakeAccounts) Status(_ context.Context, userID string) (*vault.AccountStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	creds, ok := f.connected[userID]
	return &vault.AccountStatus{Connected: ok, Verified: ok, Username: creds.Username}, nil
}

type fixedMetrics struct{}

func (fixedMetrics) GetMetrics(context.Context, string, string, string) (models.Counters, error) {
	return models.Counters{Likes: 7}, nil
}

type staticTokens struct{}

func (staticTokens) GetValidAccessToken(context.Context, string) (string, error) { return "t", nil }

type server struct {
	router   *gin.Engine
	store    *testutil.MemoryStore
	queue    *testutil.MemoryQueue
	issuer   *auth.Issuer
	accounts *fakeAccounts
	poller   *engagement.Poller
}

func newServer(t *testing.T) *server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	issuer, err := auth.NewIssuer("0123456789abcdef0123456789abcdef", rdb)
	require.NoError(t, err)

	st := testutil.NewMemoryStore()
	q := testutil.NewMemoryQueue()
	poller := engagement.NewPoller(engagement.Config{
		Store:    st,
		Platform: fixedMetrics{},
		Tokens:   staticTokens{},
		Queue:    q,
		Logger:   logger.Discard(),
	})
	accounts := &fakeAccounts{connected: map[string]vault.Credentials{}}

	router := NewRouter(RouterDeps{
		Config:     &config.Config{GinMode: "test", RateLimitReqs: 1000, RateLimitWindow: 60},
		Issuer:     issuer,
		Redis:      rdb,
		Posts:      st,
		Engagement: st,
		Scheduler:  scheduler.New(st, q, logger.Discard()),
		Refresher:  poller,
		Accounts:   accounts,
	})
	return &server{router: router, store: st, queue: q, issuer: issuer, accounts: accounts, poller: poller}
}

func (s *server) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := s.issuer.Issue(userID)
	require.NoError(t, err)
	return tok
}

func (s *server) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealthIsPublic(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAPIRequiresToken(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/api/accounts/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/accounts/status", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_token", decode[utils.ErrorResponse](t, w).ErrorCode)
}

func TestRevokedTokenIsRejected(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, "user-1")

	w := s.do(t, http.MethodPost, "/api/auth/revoke", tok, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/api/accounts/status", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "token_revoked", decode[utils.ErrorResponse](t, w).ErrorCode)
}

func TestCreateScheduleAndCancelPost(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, "user-1")
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	w := s.do(t, http.MethodPost, "/api/posts", tok, CreatePostRequest{
		Content:     "Big news tomorrow",
		ScheduledAt: &at,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.Post](t, w)
	assert.Equal(t, models.PostStatusScheduled, created.Status)
	assert.Equal(t, "user-1", created.OwnerID)
	assert.NotEmpty(t, created.LocalID)

	jobs := s.queue.Jobs(queue.QueuePublish)
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.PublishJobID(created.ID), jobs[0].ID)

	later := at.Add(time.Hour)
	w = s.do(t, http.MethodPut, "/api/posts/"+created.ID+"/schedule", tok, ReschedulePostRequest{ScheduledAt: &later})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, s.queue.Jobs(queue.QueuePublish), 1)

	w = s.do(t, http.MethodDelete, "/api/posts/"+created.ID+"/schedule", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.PostStatusDraft, decode[models.Post](t, w).Status)
	assert.Empty(t, s.queue.Jobs(queue.QueuePublish))
}

func TestCreateDraftDoesNotQueue(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPost, "/api/posts", s.token(t, "user-1"), CreatePostRequest{
		Content: "later",
		Draft:   true,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, models.PostStatusDraft, decode[models.Post](t, w).Status)
	assert.Empty(t, s.queue.Jobs(queue.QueuePublish))
}

func TestCreatePostValidation(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, "user-1")

	w := s.do(t, http.MethodPost, "/api/posts", tok, map[string]any{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/posts", tok, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := CreatePostRequest{Content: "one", LocalID: "local-1", Draft: true}
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/posts", tok, req).Code)
	w = s.do(t, http.MethodPost, "/api/posts", tok, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPostsOfOtherUsersAreHidden(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPost, "/api/posts", s.token(t, "user-1"), CreatePostRequest{Content: "mine", Draft: true})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[models.Post](t, w).ID

	other := s.token(t, "user-2")
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/posts/"+id, other, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/posts/"+id, other, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/posts/missing", other, nil).Code)
}

func TestDeletePost(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, "user-1")
	at := time.Now().Add(time.Hour)
	w := s.do(t, http.MethodPost, "/api/posts", tok, CreatePostRequest{Content: "bye", ScheduledAt: &at})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[models.Post](t, w).ID

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/posts/"+id, tok, nil).Code)
	assert.Empty(t, s.queue.Jobs(queue.QueuePublish))
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/posts/"+id, tok, nil).Code)
}

func TestDeletePublishedPostConflicts(t *testing.T) {
	s := newServer(t)
	now := time.Now()
	require.NoError(t, s.store.CreatePost(context.Background(), &models.Post{
		ID: "p1", LocalID: "l1", OwnerID: "user-1", Content: "done",
		Status: models.PostStatusPublished, PlatformID: "tw-1", PublishedAt: &now,
	}))

	w := s.do(t, http.MethodDelete, "/api/posts/p1", s.token(t, "user-1"), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestEngagementRefreshAndRead(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	require.NoError(t, s.poller.Initialize(ctx, "tw-1", "l1", "user-1"))
	require.NoError(t, s.poller.Initialize(ctx, "tw-2", "l2", "user-2"))
	tok := s.token(t, "user-1")

	w := s.do(t, http.MethodPost, "/api/engagement/refresh", tok, RefreshRequest{PlatformID: "tw-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decode[models.EngagementRecord](t, w)
	require.Len(t, rec.Series, 1)
	assert.Equal(t, int64(7), rec.Series[0].Counters.Likes)

	w = s.do(t, http.MethodPost, "/api/engagement/refresh", tok, RefreshRequest{PlatformID: "tw-2"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/engagement/refresh", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decode[map[string][]engagement.RefreshResult](t, w)
	require.Len(t, all["results"], 1)
	assert.Equal(t, "tw-1", all["results"][0].PlatformID)

	w = s.do(t, http.MethodGet, "/api/engagement/tw-1", tok, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/api/engagement/tw-2", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAccountRoutes(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, "user-1")

	w := s.do(t, http.MethodPost, "/api/accounts/connect", tok, ConnectAccountRequest{
		AccessToken: "at", RefreshToken: "rt", ExpiresIn: 7200, Username: "jane",
	})
	require.Equal(t, http.StatusOK, w.Code)
	creds := s.accounts.connected["user-1"]
	require.NotNil(t, creds.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), *creds.ExpiresAt, time.Minute)

	w = s.do(t, http.MethodGet, "/api/accounts/status", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[vault.AccountStatus](t, w)
	assert.True(t, status.Connected)
	assert.Equal(t, "jane", status.Username)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/accounts", tok, nil).Code)
	assert.Empty(t, s.accounts.connected)

	s.accounts.statusErr = apperr.Terminal("revoked", apperr.ErrReconnectRequired)
	w = s.do(t, http.MethodGet, "/api/accounts/status", tok, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "reconnect_required", decode[utils.ErrorResponse](t, w).ErrorCode)
}

func TestRateLimit(t *testing.T) {
	s := newServer(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	s.router = NewRouter(RouterDeps{
		Config:     &config.Config{GinMode: "test", RateLimitReqs: 2, RateLimitWindow: 60},
		Issuer:     s.issuer,
		Redis:      rdb,
		Posts:      s.store,
		Engagement: s.store,
		Scheduler:  scheduler.New(s.store, s.queue, logger.Discard()),
		Refresher:  s.poller,
		Accounts:   s.accounts,
	})
	tok := s.token(t, "user-1")

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/accounts/status", tok, nil).Code)
	}
	w := s.do(t, http.MethodGet, "/api/accounts/status", tok, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	// Limits are per user.
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/accounts/status", s.token(t, "user-2"), nil).Code)
}
