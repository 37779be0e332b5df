package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/request-gateway/internal/adapter/httpserver"
)

// Pinger is anything with a context-aware Ping: the pgx pool and the kgo client.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisClient is the subset of go-redis used for readiness.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// BuildReadinessChecks returns the redis and broker checks plus a postgres
// check when db is non-nil.
func BuildReadinessChecks(rdb RedisClient, broker Pinger, db Pinger) []httpserver.ReadinessCheck {
	checks := []httpserver.ReadinessCheck{
		{Name: "redis", Check: func(ctx context.Context) error {
			if rdb == nil {
				return fmt.Errorf("redis not configured")
			}
			return rdb.Ping(ctx).Err()
		}},
		{Name: "broker", Check: func(ctx context.Context) error {
			if broker == nil {
				return fmt.Errorf("broker not configured")
			}
			return broker.Ping(ctx)
		}},
	}
	if db != nil {
		checks = append(checks, httpserver.ReadinessCheck{Name: "postgres", Check: db.Ping})
	}
	return checks
}
