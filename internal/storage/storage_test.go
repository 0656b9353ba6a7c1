package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enerx-readmodel/internal/config"
	"enerx-readmodel/internal/model"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStoreNotConfigured(t *testing.T) {
	var store *Store
	ctx := testContext(t)

	_, err := store.ListActiveListings(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, store.UpsertProfiles(ctx, []model.UserProfile{{}}), ErrNotConfigured)
	assert.ErrorIs(t, store.InsertMutation(ctx, MutationRecord{}), ErrNotConfigured)
	_, _, err = store.TryAdvisoryLock(ctx, 1)
	assert.ErrorIs(t, err, ErrNotConfigured)

	store.Close()
}

func TestNullHelpers(t *testing.T) {
	assert.Nil(t, nullTime(time.Time{}))
	ts := time.Date(2024, 1, 1, 8, 0, 0, 0, time.FixedZone("UTC+8", 8*3600))
	assert.Equal(t, ts.UTC(), nullTime(ts))
	assert.Equal(t, []string{}, nonNil(nil))
	assert.Equal(t, []string{"a"}, nonNil([]string{"a"}))
}

func TestMigrationsRequireDSN(t *testing.T) {
	assert.Error(t, RunMigrations("", "../../migrations"))
}

// openTestStore connects to ENERX_TEST_DATABASE_DSN and applies migrations.
func openTestStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dsn := os.Getenv("ENERX_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("ENERX_TEST_DATABASE_DSN 未设置, 跳过集成测试")
	}

	ctx := testContext(t)
	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4})
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(dsn, "../../migrations"))
	_, err = pool.Exec(ctx, `TRUNCATE listings, profiles, mutations;`)
	require.NoError(t, err)
	return NewStore(pool), pool
}

func TestListingsRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := testContext(t)

	seller := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	listings := []model.Listing{
		{ID: 1, Seller: seller, Amount: decimal.RequireFromString("10.5"), PricePerUnit: decimal.RequireFromString("0.000000000000000001"), MinimumPurchase: decimal.NewFromInt(1), CreationTime: created, Active: true, EnergySource: "solar"},
		{ID: 2, Seller: seller, Amount: decimal.NewFromInt(3), PricePerUnit: decimal.NewFromInt(2), MinimumPurchase: decimal.NewFromInt(1), CreationTime: created, Active: true},
	}
	require.NoError(t, store.UpsertListings(ctx, listings, 2))

	stale := listings[0]
	stale.Amount = decimal.NewFromInt(99)
	require.NoError(t, store.UpsertListings(ctx, []model.Listing{stale}, 1))

	got, err := store.ListActiveListings(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "10.5", got[0].Amount.String(), "旧代次不应覆盖新数据")
	assert.Equal(t, "0.000000000000000001", got[0].PricePerUnit.String())
	assert.Equal(t, seller, got[0].Seller)
	assert.True(t, got[0].ExpirationTime.IsZero())
	assert.Equal(t, created, got[0].CreationTime)

	require.NoError(t, store.DeactivateMissing(ctx, []uint64{2}, 3))
	got, err = store.ListActiveListings(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].ID)
}

func TestProfilesAndMutations(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := testContext(t)

	addr := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	require.NoError(t, store.UpsertProfiles(ctx, []model.UserProfile{{
		Address:           addr,
		IsVerified:        true,
		TotalEnergyTraded: decimal.RequireFromString("42.25"),
		ReputationScore:   decimal.NewFromInt(7),
		CertificationType: "solar",
	}}))
	profiles, err := store.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "42.25", profiles[0].TotalEnergyTraded.String())
	assert.True(t, profiles[0].IsVerified)

	hash := "0xabc"
	rec := MutationRecord{
		ID:          uuid.New(),
		Method:      "cancelListing",
		Args:        []string{"4"},
		State:       "succeeded",
		TxHash:      &hash,
		Refreshed:   []string{"listings"},
		SubmittedAt: time.Now().UTC(),
		FinishedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.InsertMutation(ctx, rec))
	require.NoError(t, store.InsertMutation(ctx, rec), "重复插入应为空操作")

	recent, err := store.ListRecentMutations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, rec.ID, recent[0].ID)
	require.NotNil(t, recent[0].TxHash)
	assert.Equal(t, hash, *recent[0].TxHash)
	assert.Nil(t, recent[0].Error)
	assert.Equal(t, []string{}, recent[0].RefreshErrors)
}

func TestAdvisoryLockExclusive(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := testContext(t)

	unlock, ok, err := store.TryAdvisoryLock(ctx, 424242)
	require.NoError(t, err)
	require.True(t, ok)

	_, again, err := store.TryAdvisoryLock(ctx, 424242)
	require.NoError(t, err)
	assert.False(t, again, "同一 key 不应被重复获取")

	unlock()
	unlock2, ok, err := store.TryAdvisoryLock(ctx, 424242)
	require.NoError(t, err)
	require.True(t, ok)
	unlock2()
}

func TestListingsAcrossRestartedWriters(t *testing.T) {
	_, pool := openTestStore(t)
	ctx := testContext(t)

	seller := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	listing := func(id uint64, amount int64) model.Listing {
		return model.Listing{ID: id, Seller: seller, Amount: decimal.NewFromInt(amount), PricePerUnit: decimal.NewFromInt(1), MinimumPurchase: decimal.NewFromInt(1), Active: true}
	}

	// a long-running writer persisted the scan taken at block 500
	first := NewStore(pool)
	require.NoError(t, first.UpsertListings(ctx, []model.Listing{listing(1, 100), listing(2, 50)}, 500))
	require.NoError(t, first.DeactivateMissing(ctx, []uint64{1, 2}, 500))

	// listing 2 sold out and listing 1 was partly bought; a new process scans at block 503
	second := NewStore(pool)
	require.NoError(t, second.UpsertListings(ctx, []model.Listing{listing(1, 60)}, 503))
	require.NoError(t, second.DeactivateMissing(ctx, []uint64{1}, 503))

	got, err := second.ListActiveListings(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1, "售罄的挂单应被标记为非活跃")
	assert.Equal(t, uint64(1), got[0].ID)
	assert.Equal(t, "60", got[0].Amount.String())

	// a late write from the old process changes nothing
	require.NoError(t, first.UpsertListings(ctx, []model.Listing{listing(1, 100), listing(2, 50)}, 500))
	require.NoError(t, first.DeactivateMissing(ctx, []uint64{1, 2}, 500))
	got, err = second.ListActiveListings(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "60", got[0].Amount.String())

	// a rerun at the same head is applied
	require.NoError(t, second.UpsertListings(ctx, []model.Listing{listing(1, 60)}, 503))
	require.NoError(t, second.DeactivateMissing(ctx, []uint64{}, 503))
	got, err = second.ListActiveListings(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}
