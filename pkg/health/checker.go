package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/common"
	"github.com/redis/go-redis/v9"
)

// Checker probes one dependency
type Checker = common.CheckFunc

// CheckerConfig bounds every probe
type CheckerConfig struct {
	Timeout time.Duration
}

// DefaultCheckerConfig returns the default probe settings
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{Timeout: 2 * time.Second}
}

// Pinger is satisfied by *pgxpool.Pool and anything else exposing Ping(ctx)
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolChecker returns a health check for a pgx pool
func PoolChecker(p Pinger) Checker {
	return PoolCheckerWithConfig(p, DefaultCheckerConfig())
}

// PoolCheckerWithConfig is PoolChecker with an explicit timeout
func PoolCheckerWithConfig(p Pinger, cfg CheckerConfig) Checker {
	return func(ctx context.Context) error {
		if p == nil {
			return errors.New("database pool is nil")
		}
		ctx, cancel := withTimeout(ctx, cfg)
		defer cancel()
		return p.Ping(ctx)
	}
}

// DatabaseChecker returns a health check for a database/sql handle
func DatabaseChecker(db *sql.DB) Checker {
	return DatabaseCheckerWithConfig(db, DefaultCheckerConfig())
}

// DatabaseCheckerWithConfig is DatabaseChecker with an explicit timeout
func DatabaseCheckerWithConfig(db *sql.DB, cfg CheckerConfig) Checker {
	return func(ctx context.Context) error {
		if db == nil {
			return errors.New("database connection is nil")
		}
		ctx, cancel := withTimeout(ctx, cfg)
		defer cancel()
		return db.PingContext(ctx)
	}
}

// RedisChecker returns a health check function for Redis
func RedisChecker(client *redis.Client) Checker {
	return RedisCheckerWithConfig(client, DefaultCheckerConfig())
}

// RedisCheckerWithConfig is RedisChecker with an explicit timeout
func RedisCheckerWithConfig(client *redis.Client, cfg CheckerConfig) Checker {
	return func(ctx context.Context) error {
		if client == nil {
			return errors.New("redis client is nil")
		}
		ctx, cancel := withTimeout(ctx, cfg)
		defer cancel()
		return client.Ping(ctx).Err()
	}
}

// HTTPEndpointChecker returns a health check that expects a 2xx from url
func HTTPEndpointChecker(url string) Checker {
	return HTTPEndpointCheckerWithConfig(url, DefaultCheckerConfig())
}

// HTTPEndpointCheckerWithConfig is HTTPEndpointChecker with an explicit timeout
func HTTPEndpointCheckerWithConfig(url string, cfg CheckerConfig) Checker {
	client := &http.Client{Timeout: cfg.Timeout}
	return func(ctx context.Context) error {
		ctx, cancel := withTimeout(ctx, cfg)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
		}
		return nil
	}
}

func withTimeout(ctx context.Context, cfg CheckerConfig) (context.Context, context.CancelFunc) {
	if cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.Timeout)
}
