package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"enerx-readmodel/internal/analytics"
	"enerx-readmodel/internal/config"
	"enerx-readmodel/internal/failure"
	"enerx-readmodel/internal/history"
	"enerx-readmodel/internal/model"
	"enerx-readmodel/internal/repository"
	"enerx-readmodel/internal/scheduler"
	"enerx-readmodel/internal/storage"
	"enerx-readmodel/internal/wallet"
)

// PlatformReader reads the admin-facing contract state.
type PlatformReader interface {
	PlatformState(ctx context.Context) (model.PlatformState, error)
}

// SnapshotCache is the shared cache the refresh loop publishes to.
type SnapshotCache interface {
	PublishListings(ctx context.Context, scan repository.ListingScan) (bool, error)
	LoadListings(ctx context.Context) (repository.ListingScan, bool, error)
	PublishProfiles(ctx context.Context, profiles []model.UserProfile) error
	LoadProfile(ctx context.Context, addr common.Address) (model.UserProfile, bool, error)
}

// SnapshotStore persists listings and profiles.
type SnapshotStore interface {
	storage.ListingStore
	storage.ProfileStore
}

// Deps gathers the collaborators of the read model. Cache, Store and
// Locker are optional and must be left nil when not configured.
type Deps struct {
	Listings  *repository.ListingRepository
	Profiles  *repository.ProfileRepository
	History   *history.Aggregator
	Platform  PlatformReader
	Account   *wallet.Account
	Scheduler *scheduler.Scheduler
	Cache     SnapshotCache
	Store     SnapshotStore
	Locker    storage.AdvisoryLocker
}

// RefreshReport summarises one refresh round.
type RefreshReport struct {
	Skipped        bool             `json:"skipped,omitempty"`
	Stale          bool             `json:"stale,omitempty"`
	Generation     uint64           `json:"generation"`
	Block          uint64           `json:"block"`
	Active         int              `json:"active"`
	FailedIDs      []uint64         `json:"failedIds,omitempty"`
	Profiles       int              `json:"profiles"`
	FailedProfiles []common.Address `json:"failedProfiles,omitempty"`
}

// ReadModel orchestrates repository refresh, publication and derived views.
type ReadModel struct {
	listings  *repository.ListingRepository
	profiles  *repository.ProfileRepository
	history   *history.Aggregator
	platform  PlatformReader
	account   *wallet.Account
	scheduler *scheduler.Scheduler
	cache     SnapshotCache
	store     SnapshotStore
	locker    storage.AdvisoryLocker
	logger    zerolog.Logger

	lockKey  int64
	location *time.Location
	topN     int
	now      func() time.Time
}

// New constructs the read model.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *ReadModel {
	account := deps.Account
	if account == nil {
		account = wallet.NewAccount(common.Address{})
	}
	return &ReadModel{
		listings:  deps.Listings,
		profiles:  deps.Profiles,
		history:   deps.History,
		platform:  deps.Platform,
		account:   account,
		scheduler: deps.Scheduler,
		cache:     deps.Cache,
		store:     deps.Store,
		locker:    deps.Locker,
		logger:    logger.With().Str("component", "service").Logger(),
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
		location:  cfg.Analytics.Location(),
		topN:      cfg.Analytics.TopN,
		now:       time.Now,
	}
}

// Account returns the observable current address.
func (s *ReadModel) Account() *wallet.Account {
	return s.account
}

// Run begins the periodic refresh loop and the account watch. It returns
// nil once ctx is cancelled.
func (s *ReadModel) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.scheduler.Run(gctx, s.tick)
	})
	g.Go(func() error {
		s.watchAccount(gctx)
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *ReadModel) tick(ctx context.Context, at time.Time) error {
	report, err := s.RefreshOnce(ctx)
	if err != nil {
		return err
	}
	if report.Skipped {
		s.logger.Debug().Time("round", at).Msg("skip round because advisory lock held elsewhere")
	}
	return nil
}

// RefreshOnce 执行一轮刷新: 扫描挂单, 拉取卖家资料, 然后发布到缓存和数据库。
// Publication failures are logged and do not fail the round.
func (s *ReadModel) RefreshOnce(ctx context.Context) (RefreshReport, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return RefreshReport{}, err
	}
	if !proceed {
		return RefreshReport{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	scan, err := s.listings.LoadActiveListings(ctx)
	if err != nil {
		return RefreshReport{}, fmt.Errorf("load active listings: %w", err)
	}
	report := RefreshReport{
		Stale:      scan.Stale,
		Generation: scan.Generation,
		Block:      scan.Block,
		Active:     len(scan.Listings),
		FailedIDs:  scan.FailedIDs,
	}
	if scan.Stale {
		return report, nil
	}
	if scan.Outcome == repository.OutcomePartial {
		s.logger.Warn().Err(scan.Err()).Msg("listing scan completed with gaps")
	}

	batch, err := s.profiles.GetOrFetchMany(ctx, s.profileTargets(scan.Listings))
	if err != nil {
		s.logger.Warn().Err(err).Msg("profile refresh failed")
	}
	report.Profiles = len(batch.Profiles)
	report.FailedProfiles = batch.Failed

	s.publish(ctx, scan, batch.Profiles)
	return report, nil
}

// profileTargets returns the distinct sellers of listings plus the current account.
func (s *ReadModel) profileTargets(listings []model.Listing) []common.Address {
	addrs := make([]common.Address, 0, len(listings)+1)
	for _, l := range listings {
		addrs = append(addrs, l.Seller)
	}
	if current := s.account.Current(); current != (common.Address{}) {
		addrs = append(addrs, current)
	}
	return addrs
}

func (s *ReadModel) publish(ctx context.Context, scan repository.ListingScan, profiles []model.UserProfile) {
	if s.cache != nil {
		if _, err := s.cache.PublishListings(ctx, scan); err != nil {
			s.logger.Error().Err(err).Msg("failed to publish listings to cache")
		}
		if err := s.cache.PublishProfiles(ctx, profiles); err != nil {
			s.logger.Error().Err(err).Msg("failed to publish profiles to cache")
		}
	}

	if s.store != nil {
		keep := make([]uint64, 0, len(scan.Listings)+len(scan.FailedIDs))
		for _, l := range scan.Listings {
			keep = append(keep, l.ID)
		}
		keep = append(keep, scan.FailedIDs...)

		if err := s.store.UpsertListings(ctx, scan.Listings, scan.Block); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist listings")
		} else if err := s.store.DeactivateMissing(ctx, keep, scan.Block); err != nil {
			s.logger.Error().Err(err).Msg("failed to deactivate missing listings")
		}
		if err := s.store.UpsertProfiles(ctx, profiles); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist profiles")
		}
	}
}

// Listings returns the current listing snapshot, scanning when refresh is set
// or the snapshot is missing or invalidated.
func (s *ReadModel) Listings(ctx context.Context, refresh bool) (repository.ListingScan, error) {
	if !refresh {
		if scan, current := s.listings.Snapshot(); current {
			return scan, nil
		}
	}
	scan, err := s.listings.LoadActiveListings(ctx)
	if err != nil {
		return repository.ListingScan{}, err
	}
	if scan.Stale {
		visible, _ := s.listings.Snapshot()
		if visible.Generation == 0 {
			return repository.ListingScan{}, failure.New(failure.KindStale, "loadActiveListings",
				"listing scan was superseded and no newer snapshot is visible", nil)
		}
		return visible, nil
	}
	return scan, nil
}

// CachedListings reads the snapshot another process published to the cache.
func (s *ReadModel) CachedListings(ctx context.Context) (repository.ListingScan, bool, error) {
	if s.cache == nil {
		return repository.ListingScan{}, false, fmt.Errorf("redis cache not configured")
	}
	return s.cache.LoadListings(ctx)
}

// StoredListings reads the persisted active listings.
func (s *ReadModel) StoredListings(ctx context.Context) ([]model.Listing, error) {
	if s.store == nil {
		return nil, storage.ErrNotConfigured
	}
	return s.store.ListActiveListings(ctx)
}

// SnapshotProfile looks addr up in the profiles a refresh loop published to
// the cache (fromCache) or persisted to the database. ok is false when the
// address was not part of the last snapshot.
func (s *ReadModel) SnapshotProfile(ctx context.Context, addr common.Address, fromCache bool) (model.UserProfile, bool, error) {
	addr, err := s.resolve(addr, "getProfile")
	if err != nil {
		return model.UserProfile{}, false, err
	}

	switch {
	case fromCache && s.cache == nil:
		return model.UserProfile{}, false, fmt.Errorf("redis cache not configured")
	case fromCache:
		return s.cache.LoadProfile(ctx, addr)
	case s.store == nil:
		return model.UserProfile{}, false, storage.ErrNotConfigured
	}
	profiles, err := s.store.ListProfiles(ctx)
	if err != nil {
		return model.UserProfile{}, false, err
	}
	for _, p := range profiles {
		if p.Address == addr {
			return p, true, nil
		}
	}
	return model.UserProfile{}, false, nil
}

// Listing fetches one listing directly.
func (s *ReadModel) Listing(ctx context.Context, id uint64) (model.Listing, error) {
	return s.listings.Get(ctx, id)
}

// SellerListings returns every listing a seller created.
func (s *ReadModel) SellerListings(ctx context.Context, seller common.Address) (repository.ListingScan, error) {
	return s.listings.LoadSellerListings(ctx, seller)
}

// Profile fetches the profile of addr, or of the current account when addr is zero.
func (s *ReadModel) Profile(ctx context.Context, addr common.Address) (model.UserProfile, error) {
	addr, err := s.resolve(addr, "getProfile")
	if err != nil {
		return model.UserProfile{}, err
	}
	return s.profiles.GetProfile(ctx, addr)
}

// History rebuilds the ledger of addr, or of the current account when addr is zero.
func (s *ReadModel) History(ctx context.Context, addr common.Address) (history.History, error) {
	addr, err := s.resolve(addr, "buildHistory")
	if err != nil {
		return history.History{}, err
	}
	h, err := s.history.BuildHistory(ctx, addr)
	if err != nil {
		return history.History{}, err
	}
	if h.Stale {
		latest, ok, _ := s.history.Latest(addr)
		if !ok {
			return history.History{}, failure.New(failure.KindStale, "buildHistory",
				"history build was superseded and no newer ledger is visible", nil)
		}
		return latest, nil
	}
	return h, nil
}

// Analytics computes the analytics report over the current snapshots. Sellers
// of the current listings are looked up first so that the ranking covers them.
func (s *ReadModel) Analytics(ctx context.Context) (analytics.Report, error) {
	scan, err := s.Listings(ctx, false)
	if err != nil {
		return analytics.Report{}, err
	}
	if _, err := s.profiles.GetOrFetchMany(ctx, s.profileTargets(scan.Listings)); err != nil {
		s.logger.Warn().Err(err).Msg("profile lookup for analytics failed")
	}
	return analytics.Build(scan.Listings, s.profiles.Known(), s.location, s.topN, s.now()), nil
}

// Platform reads the admin-facing contract state.
func (s *ReadModel) Platform(ctx context.Context) (model.PlatformState, error) {
	return s.platform.PlatformState(ctx)
}

func (s *ReadModel) resolve(addr common.Address, op string) (common.Address, error) {
	if addr != (common.Address{}) {
		return addr, nil
	}
	if current := s.account.Current(); current != (common.Address{}) {
		return current, nil
	}
	return common.Address{}, failure.New(failure.KindConnection, op, "no account connected", nil)
}

// watchAccount prefetches the profile and history of each newly selected account.
func (s *ReadModel) watchAccount(ctx context.Context) {
	sub := s.account.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case addr, ok := <-sub.C:
			if !ok {
				return
			}
			s.onAccountChanged(ctx, addr)
		}
	}
}

func (s *ReadModel) onAccountChanged(ctx context.Context, addr common.Address) {
	if addr == (common.Address{}) {
		s.logger.Info().Msg("账户已断开")
		return
	}
	s.logger.Info().Str("account", addr.Hex()).Msg("账户已切换")

	if _, err := s.profiles.GetProfile(ctx, addr); err != nil {
		s.logger.Warn().Err(err).Str("account", addr.Hex()).Msg("prefetch profile failed")
	}
	if _, err := s.history.BuildHistory(ctx, addr); err != nil {
		s.logger.Warn().Err(err).Str("account", addr.Hex()).Msg("prefetch history failed")
	}
}

func (s *ReadModel) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
