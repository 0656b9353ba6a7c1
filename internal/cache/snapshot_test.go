package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enerx-readmodel/internal/model"
	"enerx-readmodel/internal/repository"
)

func setupCache(t *testing.T, ttl time.Duration) (*SnapshotCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(client, Options{Prefix: "test:", TTL: ttl}, zerolog.Nop())
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func scanAt(block uint64, ids ...uint64) repository.ListingScan {
	scan := repository.ListingScan{
		Outcome:    repository.OutcomeOK,
		Block:      block,
		Generation: 1,
		Upper:      uint64(len(ids)),
		LoadedAt:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, id := range ids {
		scan.Listings = append(scan.Listings, model.Listing{
			ID:           id,
			Seller:       common.HexToAddress("0x00000000000000000000000000000000000000aa"),
			Amount:       decimal.RequireFromString("12.000000000000000001"),
			PricePerUnit: decimal.NewFromInt(2),
			Active:       true,
		})
	}
	return scan
}

func TestPublishListingsBlockGuard(t *testing.T) {
	c, _ := setupCache(t, time.Minute)
	ctx := context.Background()

	_, ok, err := c.LoadListings(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	written, err := c.PublishListings(ctx, scanAt(5, 1, 2))
	require.NoError(t, err)
	assert.True(t, written)

	written, err = c.PublishListings(ctx, scanAt(4, 9))
	require.NoError(t, err)
	assert.False(t, written, "旧区块的快照不能覆盖新快照")

	got, ok, err := c.LoadListings(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), got.Block)
	require.Len(t, got.Listings, 2)
	assert.Equal(t, "12.000000000000000001", got.Listings[0].Amount.String())

	written, err = c.PublishListings(ctx, scanAt(6, 3))
	require.NoError(t, err)
	assert.True(t, written)
	got, _, _ = c.LoadListings(ctx)
	assert.Equal(t, uint64(6), got.Block)

	written, err = c.PublishListings(ctx, scanAt(6, 4))
	require.NoError(t, err)
	assert.True(t, written, "同一区块允许覆盖")
}

// chainStub serves a fixed listing table at a movable head block.
type chainStub struct {
	mu       sync.Mutex
	head     uint64
	listings []model.Listing
}

func (c *chainStub) HeadBlock(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *chainStub) NextListingID(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.listings)), nil
}

func (c *chainStub) Listing(_ context.Context, id uint64) (model.Listing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listings[id], nil
}

func (c *chainStub) ListedEvents(context.Context, common.Address) ([]model.ListedEvent, error) {
	return nil, nil
}

func (c *chainStub) set(head uint64, active ...bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
	c.listings = make([]model.Listing, len(active))
	for i, a := range active {
		c.listings[i] = model.Listing{ID: uint64(i), Amount: decimal.NewFromInt(10), Active: a}
	}
}

func TestPublishAcrossRestartedRepositories(t *testing.T) {
	c, _ := setupCache(t, 10*time.Minute)
	ctx := context.Background()
	chain := &chainStub{}
	chain.set(100, true, true)

	before := repository.NewListingRepository(chain, repository.Options{}, zerolog.Nop())
	var last repository.ListingScan
	for i := 0; i < 5; i++ {
		scan, err := before.LoadActiveListings(ctx)
		require.NoError(t, err)
		last = scan
	}
	written, err := c.PublishListings(ctx, last)
	require.NoError(t, err)
	require.True(t, written)

	// listing 1 is cancelled; a freshly started process scans again
	chain.set(101, true, false)
	after := repository.NewListingRepository(chain, repository.Options{}, zerolog.Nop())
	scan, err := after.LoadActiveListings(ctx)
	require.NoError(t, err)
	require.Less(t, scan.Generation, last.Generation)

	written, err = c.PublishListings(ctx, scan)
	require.NoError(t, err)
	assert.True(t, written, "重启后的新快照必须能覆盖旧快照")

	got, ok, err := c.LoadListings(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.Listings, 1)
	assert.Equal(t, uint64(0), got.Listings[0].ID)
	assert.Equal(t, uint64(101), got.Block)

	written, err = c.PublishListings(ctx, last)
	require.NoError(t, err)
	assert.False(t, written, "旧进程迟到的快照不能覆盖")
}

func TestSnapshotTTL(t *testing.T) {
	c, mr := setupCache(t, time.Minute)
	ctx := context.Background()

	_, err := c.PublishListings(ctx, scanAt(1, 0))
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:listings"))

	mr.FastForward(2 * time.Minute)
	_, ok, err := c.LoadListings(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "过期后应无缓存")

	written, err := c.PublishListings(ctx, scanAt(0, 0))
	require.NoError(t, err)
	assert.True(t, written, "代次键过期后允许重新写入")
}

func TestProfilesRoundTrip(t *testing.T) {
	c, _ := setupCache(t, 0)
	ctx := context.Background()

	b := model.UserProfile{Address: common.HexToAddress("0x00000000000000000000000000000000000000bb"), IsVerified: true, TotalEnergyTraded: decimal.NewFromInt(3)}
	a := model.UserProfile{Address: common.HexToAddress("0x00000000000000000000000000000000000000aa"), ReputationScore: decimal.NewFromInt(9)}

	require.NoError(t, c.PublishProfiles(ctx, []model.UserProfile{b}))
	require.NoError(t, c.PublishProfiles(ctx, []model.UserProfile{a}))
	require.NoError(t, c.PublishProfiles(ctx, nil))

	got, ok, err := c.LoadProfile(ctx, b.Address)
	require.NoError(t, err)
	require.True(t, ok, "后一次发布不应覆盖先前的条目")
	assert.Equal(t, b.Address, got.Address)
	assert.True(t, got.IsVerified)
	assert.Equal(t, "3", got.TotalEnergyTraded.String())

	got, ok, err = c.LoadProfile(ctx, a.Address)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "9", got.ReputationScore.String())

	_, ok, err = c.LoadProfile(ctx, common.HexToAddress("0x01"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConnectFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = Connect(context.Background(), Options{Addr: addr}, zerolog.Nop())
	assert.Error(t, err)
}
