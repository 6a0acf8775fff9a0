package config

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson" // Use bson for index keys
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func ConnectMongoDB(cfg *Config) (*mongo.Client, error) {
	uri, err := cfg.MongoConnectionString()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %v", err)
	}

	// Test connection
	err = client.Ping(ctx, nil)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %v", err)
	}

	return client, nil
}

// EnsureIndexes creates the regular indexes used for run cleanup and
// deduplication. Reset drops them together with the vector index, so callers
// re-run this after a full reset.
func EnsureIndexes(ctx context.Context, collection *mongo.Collection) error {
	chunkIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "metadata.source", Value: 1}, {Key: "metadata.page", Value: 1}}},
		{Keys: bson.D{{Key: "metadata.run_id", Value: 1}}},
		{Keys: bson.D{{Key: "metadata.content_hash", Value: 1}}},
	}
	if _, err := collection.Indexes().CreateMany(ctx, chunkIndexes); err != nil {
		return fmt.Errorf("failed to create indexes on %s: %w", collection.Name(), err)
	}
	return nil
}
