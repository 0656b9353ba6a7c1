// Package cache shares read-model snapshots through redis so that other
// processes can serve them without touching the chain.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"enerx-readmodel/internal/model"
	"enerx-readmodel/internal/repository"
)

// Options configure key naming and expiry.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// publishScript writes the payload only when its block is not older than the
// one already stored.
var publishScript = redis.NewScript(`
	local dataKey = KEYS[1]
	local blockKey = KEYS[2]
	local block = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[3])

	local current = tonumber(redis.call('GET', blockKey) or '-1')
	if current > block then
		return 0
	end

	if ttl > 0 then
		redis.call('SET', dataKey, ARGV[2], 'PX', ttl)
		redis.call('SET', blockKey, ARGV[1], 'PX', ttl)
	else
		redis.call('SET', dataKey, ARGV[2])
		redis.call('SET', blockKey, ARGV[1])
	end
	return 1
`)

// SnapshotCache stores listing scans and profiles under a key prefix.
type SnapshotCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// Connect dials redis and verifies the connection.
func Connect(ctx context.Context, opts Options, logger zerolog.Logger) (*SnapshotCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return New(client, opts, logger), nil
}

// New wraps an existing client.
func New(client *redis.Client, opts Options, logger zerolog.Logger) *SnapshotCache {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "enerx:"
	}
	return &SnapshotCache{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
		logger: logger.With().Str("component", "snapshot_cache").Logger(),
	}
}

// Close closes the redis connection.
func (c *SnapshotCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *SnapshotCache) key(name string) string {
	return c.prefix + name
}

// PublishListings stores scan unless a scan from a later block is already
// cached. It reports whether the scan was written.
func (c *SnapshotCache) PublishListings(ctx context.Context, scan repository.ListingScan) (bool, error) {
	payload, err := json.Marshal(scan)
	if err != nil {
		return false, fmt.Errorf("marshal listing scan: %w", err)
	}

	written, err := publishScript.Run(ctx, c.client,
		[]string{c.key("listings"), c.key("listings:block")},
		scan.Block, payload, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("publish listings: %w", err)
	}
	if written == 0 {
		c.logger.Debug().Uint64("block", scan.Block).Msg("缓存中已有更新的快照, 跳过写入")
		return false, nil
	}
	return true, nil
}

// LoadListings returns the cached scan. ok is false when nothing is cached.
func (c *SnapshotCache) LoadListings(ctx context.Context) (scan repository.ListingScan, ok bool, err error) {
	data, err := c.client.Get(ctx, c.key("listings")).Bytes()
	if errors.Is(err, redis.Nil) {
		return repository.ListingScan{}, false, nil
	}
	if err != nil {
		return repository.ListingScan{}, false, fmt.Errorf("load listings: %w", err)
	}
	if err := json.Unmarshal(data, &scan); err != nil {
		return repository.ListingScan{}, false, fmt.Errorf("unmarshal listing scan: %w", err)
	}
	return scan, true, nil
}

// PublishProfiles merges profiles into the cached profile hash.
func (c *SnapshotCache) PublishProfiles(ctx context.Context, profiles []model.UserProfile) error {
	if len(profiles) == 0 {
		return nil
	}

	values := make(map[string]interface{}, len(profiles))
	for _, p := range profiles {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal profile %s: %w", p.Address.Hex(), err)
		}
		values[p.Address.Hex()] = data
	}

	key := c.key("profiles")
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, values)
	if c.ttl > 0 {
		pipe.PExpire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish profiles: %w", err)
	}
	return nil
}

// LoadProfile returns one cached profile.
func (c *SnapshotCache) LoadProfile(ctx context.Context, addr common.Address) (model.UserProfile, bool, error) {
	data, err := c.client.HGet(ctx, c.key("profiles"), addr.Hex()).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.UserProfile{}, false, nil
	}
	if err != nil {
		return model.UserProfile{}, false, fmt.Errorf("load profile: %w", err)
	}
	var p model.UserProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return model.UserProfile{}, false, fmt.Errorf("unmarshal profile: %w", err)
	}
	return p, true, nil
}
