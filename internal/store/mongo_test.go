package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"social-publisher/internal/apperr"
	"social-publisher/models"
)

func setupMongo(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set, skipping MongoDB integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("MongoDB not reachable: %v", err)
	}

	db := client.Database("social_publisher_test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return NewMongoStore(db)
}

func newPost() *models.Post {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Post{
		ID:        uuid.NewString(),
		LocalID:   uuid.NewString(),
		OwnerID:   "user-1",
		Content:   "hello",
		Status:    models.PostStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMongoPostLifecycle(t *testing.T) {
	s := setupMongo(t)
	ctx := context.Background()

	post := newPost()
	require.NoError(t, s.CreatePost(ctx, post))

	dup := newPost()
	dup.LocalID = post.LocalID
	dup.ID = post.ID
	assert.ErrorIs(t, s.CreatePost(ctx, dup), ErrDuplicate)

	got, err := s.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, post.Content, got.Content)

	got.Status = models.PostStatusPublished
	got.PlatformID = "123"
	require.NoError(t, s.UpdatePost(ctx, got))

	got.Content = "edited"
	assert.ErrorIs(t, s.UpdatePost(ctx, got), ErrImmutable)

	require.NoError(t, s.DeletePost(ctx, post.ID))
	_, err = s.GetPost(ctx, post.ID)
	assert.True(t, apperr.IsNotFound(err))
}

func TestMongoEngagementVersioning(t *testing.T) {
	s := setupMongo(t)
	ctx := context.Background()

	rec := models.NewEngagementRecord("tw-1", uuid.NewString(), "user-1", time.Now().UTC())
	require.NoError(t, s.CreateEngagement(ctx, rec))

	a, err := s.GetEngagement(ctx, "tw-1")
	require.NoError(t, err)
	b, err := s.GetEngagement(ctx, "tw-1")
	require.NoError(t, err)

	require.NoError(t, a.Apply(models.Counters{Likes: 1}, time.Now().UTC()))
	require.NoError(t, s.UpdateEngagement(ctx, a))
	assert.Equal(t, int64(1), a.Version)

	require.NoError(t, b.Apply(models.Counters{Likes: 2}, time.Now().UTC()))
	assert.ErrorIs(t, s.UpdateEngagement(ctx, b), ErrVersionConflict)
}

func TestMongoTokens(t *testing.T) {
	s := setupMongo(t)
	ctx := context.Background()

	rec := &models.TokenRecord{UserID: "user-1", AccessTokenEnc: "enc:v1:a", Connected: true, UpdatedAt: time.Now().UTC()}
	require.NoError(t, s.SaveToken(ctx, rec))
	require.NoError(t, s.MarkNeedsReconnect(ctx, "user-1"))
	require.NoError(t, s.ClearConnection(ctx, "user-1"))

	got, err := s.GetToken(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, got.Connected)
	assert.True(t, got.NeedsReconnect)
	assert.Empty(t, got.AccessTokenEnc)

	assert.ErrorIs(t, s.MarkNeedsReconnect(ctx, "nobody"), ErrNotFound)
}
