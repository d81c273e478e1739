// Package redis builds the pooled client shared by the fan-out transport and the rate limiter.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

type ClientConfig struct {
	PoolSize     int
	MinIdleConns int
	MaxConnAge   time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PoolSize:     20,
		MinIdleConns: 2,
		MaxConnAge:   30 * time.Minute,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
}

// New parses url, applies cfg and pings the server. Pub/sub fan-out cannot start without a
// reachable server, so a failed ping is returned rather than logged.
func New(ctx context.Context, url string, cfg ClientConfig) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis URL is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	opts.ConnMaxLifetime = cfg.MaxConnAge
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.PoolTimeout > 0 {
		opts.PoolTimeout = cfg.PoolTimeout
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	log.Info("Redis connected", "addr", opts.Addr, "poolSize", opts.PoolSize)
	return client, nil
}

// Health reports the client's status in the same shape as the database health check.
func Health(ctx context.Context, client *redis.Client) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	stats := make(map[string]string)
	if err := client.Ping(ctx).Err(); err != nil {
		stats["status"] = "down"
		stats["error"] = err.Error()
		return stats
	}
	ps := client.PoolStats()
	stats["status"] = "up"
	stats["total_conns"] = fmt.Sprint(ps.TotalConns)
	stats["idle_conns"] = fmt.Sprint(ps.IdleConns)
	stats["timeouts"] = fmt.Sprint(ps.Timeouts)
	return stats
}
