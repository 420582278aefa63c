package app

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/pkg/blobpath"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface{ Ping(ctx context.Context) RedisPingResult }

// BuildReadinessChecks returns the db, blob and redis checks wired into the
// review server's /readyz handler. Redis backs the optional AI rate limiter,
// so a nil client passes vacuously instead of failing readiness.
func BuildReadinessChecks(pool Pinger, blobs domain.BlobStore, rdb RedisClient) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	blobCheck := func(ctx context.Context) error {
		if blobs == nil {
			return fmt.Errorf("blob store not configured")
		}
		_, err := blobs.List(ctx, blobpath.FolderIncoming+"/", 1)
		return err
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return nil
		}
		return rdb.Ping(ctx).Err()
	}
	return dbCheck, blobCheck, redisCheck
}
