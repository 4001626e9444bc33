package cache

import (
	"context"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"
)

// Client is the shared Redis client, set by InitRedis. Enrollment tokens
// live here with a TTL so they expire without a cleanup job.
var Client *redis.Client

// InitRedis connects to Redis and verifies the connection with a ping
func InitRedis(addr, password string, db int) error {
	Client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	log.Println("✓ Redis connected")
	return nil
}

// Close releases the Redis connection
func Close() error {
	if Client != nil {
		return Client.Close()
	}
	return nil
}
