// Package locator answers "which leaf hosts player X" for PLAYER requests.
package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GeeItsZee/SockExchange/internal/util"
)

// Static is an in-memory player directory, updated by a host application
// that embeds the hub as players move between leaves. A standalone hub has
// nothing to fill it.
type Static struct {
	players *util.NameMap[string]
}

// NewStatic returns an empty directory.
func NewStatic() *Static {
	return &Static{players: util.NewNameMap[string]()}
}

// Set records that player is on leaf.
func (s *Static) Set(player, leaf string) { s.players.Set(player, leaf) }

// Remove forgets player.
func (s *Static) Remove(player string) { s.players.Delete(player) }

// Locate returns the leaf hosting player.
func (s *Static) Locate(_ context.Context, player string) (string, bool, error) {
	leaf, ok := s.players.Get(player)
	return leaf, ok, nil
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

const redisKeyPrefix = "sockexchange:player:"

// Redis reads player locations written by leaves or a login service into
// Redis, one string key per player.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to addr and verifies the connection with PING.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Redis{rdb: rdb}, nil
}

func playerKey(player string) string {
	return redisKeyPrefix + util.CanonicalName(player)
}

// SetPlayerLeaf records that player is on leaf. A ttl of zero never expires.
func (r *Redis) SetPlayerLeaf(ctx context.Context, player, leaf string, ttl time.Duration) error {
	return r.rdb.Set(ctx, playerKey(player), leaf, ttl).Err()
}

// RemovePlayer deletes the location entry for player.
func (r *Redis) RemovePlayer(ctx context.Context, player string) error {
	return r.rdb.Del(ctx, playerKey(player)).Err()
}

// Locate returns the leaf hosting player; a missing key is not an error.
func (r *Redis) Locate(ctx context.Context, player string) (string, bool, error) {
	leaf, err := r.rdb.Get(ctx, playerKey(player)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("locate %s: %w", player, err)
	}
	return leaf, true, nil
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
