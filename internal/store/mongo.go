package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"social-publisher/models"
)

// MongoStore implements Store on three collections of one database.
type MongoStore struct {
	posts      *mongo.Collection
	engagement *mongo.Collection
	tokens     *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		posts:      db.Collection("posts"),
		engagement: db.Collection("engagement_records"),
		tokens:     db.Collection("platform_tokens"),
	}
}

func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func mapFindErr(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

// Posts

func (s *MongoStore) CreatePost(ctx context.Context, post *models.Post) error {
	_, err := s.posts.InsertOne(ctx, post)
	return mapWriteErr(err)
}

func (s *MongoStore) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var post models.Post
	if err := s.posts.FindOne(ctx, bson.M{"_id": id}).Decode(&post); err != nil {
		return nil, mapFindErr(err)
	}
	return &post, nil
}

func (s *MongoStore) UpdatePost(ctx context.Context, post *models.Post) error {
	filter := bson.M{
		"_id":    post.ID,
		"status": bson.M{"$ne": models.PostStatusPublished},
	}
	res, err := s.posts.ReplaceOne(ctx, filter, post)
	if err != nil {
		return mapWriteErr(err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	// Distinguish a missing post from a published one.
	count, err := s.posts.CountDocuments(ctx, bson.M{"_id": post.ID})
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrImmutable
}

func (s *MongoStore) DeletePost(ctx context.Context, id string) error {
	res, err := s.posts.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ListPostsByStatus(ctx context.Context, status models.PostStatus, updatedBefore time.Time, limit int) ([]*models.Post, error) {
	filter := bson.M{
		"status":     status,
		"updated_at": bson.M{"$lt": updatedBefore},
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.posts.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	defer cursor.Close(ctx)

	var posts []*models.Post
	if err := cursor.All(ctx, &posts); err != nil {
		return nil, fmt.Errorf("failed to decode posts: %w", err)
	}
	return posts, nil
}

// Engagement

func (s *MongoStore) CreateEngagement(ctx context.Context, rec *models.EngagementRecord) error {
	_, err := s.engagement.InsertOne(ctx, rec)
	return mapWriteErr(err)
}

func (s *MongoStore) GetEngagement(ctx context.Context, platformID string) (*models.EngagementRecord, error) {
	var rec models.EngagementRecord
	if err := s.engagement.FindOne(ctx, bson.M{"_id": platformID}).Decode(&rec); err != nil {
		return nil, mapFindErr(err)
	}
	return &rec, nil
}

func (s *MongoStore) UpdateEngagement(ctx context.Context, rec *models.EngagementRecord) error {
	expected := rec.Version
	next := *rec
	next.Version = expected + 1

	res, err := s.engagement.ReplaceOne(ctx, bson.M{"_id": rec.PlatformID, "version": expected}, &next)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		count, err := s.engagement.CountDocuments(ctx, bson.M{"_id": rec.PlatformID})
		if err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	rec.Version = next.Version
	return nil
}

func (s *MongoStore) ListEngagement(ctx context.Context, ownerID string, activeOnly bool) ([]*models.EngagementRecord, error) {
	filter := bson.M{"owner_id": ownerID}
	if activeOnly {
		filter["retired"] = false
	}
	cursor, err := s.engagement.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list engagement: %w", err)
	}
	defer cursor.Close(ctx)

	var recs []*models.EngagementRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode engagement: %w", err)
	}
	return recs, nil
}

func (s *MongoStore) ListActiveEngagement(ctx context.Context, collectedBefore time.Time, limit int) ([]*models.EngagementRecord, error) {
	filter := bson.M{
		"retired": false,
		"$or": bson.A{
			bson.M{"last_collected_at": bson.M{"$lt": collectedBefore}},
			bson.M{"last_collected_at": bson.M{"$exists": false}, "created_at": bson.M{"$lt": collectedBefore}},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.engagement.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list active engagement: %w", err)
	}
	defer cursor.Close(ctx)

	var recs []*models.EngagementRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode engagement: %w", err)
	}
	return recs, nil
}

// Tokens

func (s *MongoStore) GetToken(ctx context.Context, userID string) (*models.TokenRecord, error) {
	var rec models.TokenRecord
	if err := s.tokens.FindOne(ctx, bson.M{"_id": userID}).Decode(&rec); err != nil {
		return nil, mapFindErr(err)
	}
	return &rec, nil
}

func (s *MongoStore) SaveToken(ctx context.Context, rec *models.TokenRecord) error {
	_, err := s.tokens.ReplaceOne(ctx, bson.M{"_id": rec.UserID}, rec, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) ClearConnection(ctx context.Context, userID string) error {
	update := bson.M{
		"$set": bson.M{
			"connected":  false,
			"updated_at": time.Now().UTC(),
		},
		"$unset": bson.M{
			"access_token_enc":  "",
			"refresh_token_enc": "",
			"expires_at":        "",
		},
	}
	_, err := s.tokens.UpdateOne(ctx, bson.M{"_id": userID}, update)
	return err
}

func (s *MongoStore) MarkNeedsReconnect(ctx context.Context, userID string) error {
	update := bson.M{"$set": bson.M{
		"needs_reconnect": true,
		"updated_at":      time.Now().UTC(),
	}}
	res, err := s.tokens.UpdateOne(ctx, bson.M{"_id": userID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
