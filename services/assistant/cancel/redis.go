// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cancel implements the stop-signal side channel: an independent
// stop request writes a short-lived key that the in-flight turn's driver
// polls and consumes.
//
// This file provides the Redis-backed key-value store. Reconnection with
// backoff lives here, in the client options, not in the monitor.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// redisDialTimeout bounds connection establishment.
	redisDialTimeout = 2 * time.Second

	// redisOpTimeout bounds individual commands. Polls run on the hot
	// streaming path, so they must fail fast.
	redisOpTimeout = 1 * time.Second

	// redisMaxRetries is how many times a failed command is retried with
	// backoff before the error surfaces to the caller.
	redisMaxRetries = 3

	redisMinRetryBackoff = 50 * time.Millisecond
	redisMaxRetryBackoff = 500 * time.Millisecond
)

// =============================================================================
// Interfaces
// =============================================================================

// KV is the minimal key-value contract the signal store needs. The
// second Get return reports whether the key existed; a missing key is not
// an error.
type KV interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// =============================================================================
// Structs
// =============================================================================

// RedisKV implements KV on a Redis client with built-in retry backoff.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV connects to Redis and verifies the connection.
//
// # Inputs
//
//   - ctx: Bounds the initial ping.
//   - addr: host:port of the Redis server.
//   - password: Empty for unauthenticated servers.
//   - db: Logical database index.
//
// # Outputs
//
//   - *RedisKV: A connected store.
//   - error: Non-nil if the server is unreachable.
func NewRedisKV(ctx context.Context, addr, password string, db int) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		DialTimeout:     redisDialTimeout,
		ReadTimeout:     redisOpTimeout,
		WriteTimeout:    redisOpTimeout,
		MaxRetries:      redisMaxRetries,
		MinRetryBackoff: redisMinRetryBackoff,
		MaxRetryBackoff: redisMaxRetryBackoff,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	return &RedisKV{client: client}, nil
}

// Get fetches a key. A missing key returns ("", false, nil).
func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, true, nil
}

// Set writes a key with a TTL.
func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Healthy reports whether the server answers a ping.
func (r *RedisKV) Healthy(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

// Close releases the underlying client.
func (r *RedisKV) Close() error {
	return r.client.Close()
}
