package config

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func ConnectMongoDB(cfg *Config) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %v", err)
	}

	// Test connection
	err = client.Ping(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %v", err)
	}

	return client, nil
}

// CreateIndexes is run by cmd/migrate and is safe to repeat.
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	postIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "local_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "status", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}},
		},
	}
	if _, err := db.Collection("posts").Indexes().CreateMany(ctx, postIndexes); err != nil {
		return fmt.Errorf("posts indexes: %w", err)
	}

	// Engagement records are keyed by platform id (_id), which is unique already.
	engagementIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "retired", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "retired", Value: 1}, {Key: "last_collected_at", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "local_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := db.Collection("engagement_records").Indexes().CreateMany(ctx, engagementIndexes); err != nil {
		return fmt.Errorf("engagement_records indexes: %w", err)
	}

	tokenIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "needs_reconnect", Value: 1}},
		},
	}
	if _, err := db.Collection("platform_tokens").Indexes().CreateMany(ctx, tokenIndexes); err != nil {
		return fmt.Errorf("platform_tokens indexes: %w", err)
	}

	return nil
}
