package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"enerx-readmodel/internal/failure"
	"enerx-readmodel/internal/model"
)

const activeKey = "active"

// Outcome tags the result of a range fetch.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomePartial Outcome = "partial"
)

// ListingSource is the subset of the contract adapter the listing repository reads.
type ListingSource interface {
	HeadBlock(ctx context.Context) (uint64, error)
	NextListingID(ctx context.Context) (uint64, error)
	Listing(ctx context.Context, id uint64) (model.Listing, error)
	ListedEvents(ctx context.Context, seller common.Address) ([]model.ListedEvent, error)
}

// DefaultMaxListings bounds nextListingId when Options.MaxListings is unset.
const DefaultMaxListings = 1_000_000

// Options tune repository fan-out.
type Options struct {
	Concurrency int
	// MaxListings rejects a nextListingId above it before any id is fetched.
	MaxListings uint64
}

func (o Options) limit() int {
	if o.Concurrency < 1 {
		return 1
	}
	return o.Concurrency
}

func (o Options) maxListings() uint64 {
	if o.MaxListings == 0 {
		return DefaultMaxListings
	}
	return o.MaxListings
}

// ListingScan is the result of a range scan. Generation orders scans within
// this process; Block is the chain head read before the scan started and
// orders snapshots shared between processes.
type ListingScan struct {
	Listings   []model.Listing `json:"listings"`
	FailedIDs  []uint64        `json:"failedIds,omitempty"`
	Outcome    Outcome         `json:"outcome"`
	Upper      uint64          `json:"nextListingId"`
	Block      uint64          `json:"block"`
	Generation uint64          `json:"generation"`
	LoadedAt   time.Time       `json:"loadedAt"`
	Stale      bool            `json:"-"`
}

// Err returns a PartialFetch error when some ids could not be read.
func (s ListingScan) Err() error {
	if s.Outcome != OutcomePartial {
		return nil
	}
	return failure.New(failure.KindPartialFetch, "loadActiveListings", formatIDs(s.FailedIDs), nil)
}

// ListingRepository caches the active listing set.
type ListingRepository struct {
	source ListingSource
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	gens     *Generations
	snapshot ListingScan
	loaded   bool
}

// NewListingRepository wires a listing source into a repository.
func NewListingRepository(source ListingSource, opts Options, logger zerolog.Logger) *ListingRepository {
	return &ListingRepository{
		source: source,
		opts:   opts,
		logger: logger.With().Str("component", "listing_repository").Logger(),
		gens:   NewGenerations(),
	}
}

// Name identifies the repository to the mutation dispatcher.
func (r *ListingRepository) Name() string {
	return "listings"
}

// LoadActiveListings scans ids 0..nextListingId-1 and keeps the active ones in
// ascending id order. Ids that fail to load are skipped and reported in
// FailedIDs. When a newer scan or an invalidation overtook this one, the
// result is returned with Stale set and the visible snapshot is left alone.
func (r *ListingRepository) LoadActiveListings(ctx context.Context) (ListingScan, error) {
	r.mu.Lock()
	token := r.gens.Begin()
	r.mu.Unlock()

	block, err := r.source.HeadBlock(ctx)
	if err != nil {
		return ListingScan{}, err
	}
	upper, err := r.source.NextListingID(ctx)
	if err != nil {
		return ListingScan{}, err
	}
	if limit := r.opts.maxListings(); upper > limit {
		return ListingScan{}, failure.New(failure.KindCallReverted, "loadActiveListings",
			fmt.Sprintf("nextListingId %d exceeds the limit of %d; check the contract address", upper, limit), nil)
	}

	listings, failed, err := r.fetchRange(ctx, upper)
	if err != nil {
		return ListingScan{}, err
	}

	scan := ListingScan{
		Upper:     upper,
		Block:     block,
		FailedIDs: failed,
		Outcome:   OutcomeOK,
		LoadedAt:  time.Now().UTC(),
	}
	if len(failed) > 0 {
		scan.Outcome = OutcomePartial
	}
	scan.Listings = make([]model.Listing, 0, len(listings))
	for _, l := range listings {
		if l.Active {
			scan.Listings = append(scan.Listings, l)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	stamp, ok := r.gens.Accept(activeKey, token)
	if !ok {
		scan.Stale = true
		r.logger.Debug().Uint64("token", token).Msg("discarding superseded listing scan")
		return scan, nil
	}
	scan.Generation = stamp
	r.snapshot = scan
	r.loaded = true

	r.logger.Info().
		Uint64("next_listing_id", upper).
		Uint64("block", block).
		Int("active", len(scan.Listings)).
		Int("failed", len(failed)).
		Uint64("generation", stamp).
		Msg("listing scan committed")
	return scan, nil
}

// LoadSellerListings returns every listing seller created, active or not, in
// the order of the seller's EnergyListed events.
func (r *ListingRepository) LoadSellerListings(ctx context.Context, seller common.Address) (ListingScan, error) {
	events, err := r.source.ListedEvents(ctx, seller)
	if err != nil {
		return ListingScan{}, err
	}

	seen := make(map[uint64]struct{}, len(events))
	ids := make([]uint64, 0, len(events))
	for _, ev := range events {
		if _, dup := seen[ev.ListingID]; dup {
			continue
		}
		seen[ev.ListingID] = struct{}{}
		ids = append(ids, ev.ListingID)
	}

	listings, failed, err := r.fetchIDs(ctx, ids)
	if err != nil {
		return ListingScan{}, err
	}
	scan := ListingScan{
		Listings:  listings,
		FailedIDs: failed,
		Outcome:   OutcomeOK,
		LoadedAt:  time.Now().UTC(),
	}
	if len(failed) > 0 {
		scan.Outcome = OutcomePartial
	}
	return scan, nil
}

// Get fetches a single listing, bypassing the snapshot.
func (r *ListingRepository) Get(ctx context.Context, id uint64) (model.Listing, error) {
	return r.source.Listing(ctx, id)
}

// Snapshot returns the visible scan and whether it is still current.
func (r *ListingRepository) Snapshot() (ListingScan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return ListingScan{}, false
	}
	return r.snapshot, r.gens.Valid(activeKey, r.snapshot.Generation)
}

// Generation returns the generation a current snapshot must carry.
func (r *ListingRepository) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens.Current(activeKey)
}

// Invalidate marks the snapshot stale. The previous data stays visible until
// a fresh scan replaces it.
func (r *ListingRepository) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens.Invalidate(activeKey)
}

// Refresh invalidates and re-scans. A partial scan is not an error.
func (r *ListingRepository) Refresh(ctx context.Context) error {
	r.Invalidate()
	scan, err := r.LoadActiveListings(ctx)
	if err != nil {
		return err
	}
	if scan.Outcome == OutcomePartial {
		r.logger.Warn().Err(scan.Err()).Msg("listing refresh completed with gaps")
	}
	return nil
}

func (r *ListingRepository) fetchRange(ctx context.Context, upper uint64) ([]model.Listing, []uint64, error) {
	ids := make([]uint64, upper)
	for i := range ids {
		ids[i] = uint64(i)
	}
	return r.fetchIDs(ctx, ids)
}

// fetchIDs reads ids with bounded fan-out into an indexed slot array, so the
// output order is the input order regardless of arrival order.
func (r *ListingRepository) fetchIDs(ctx context.Context, ids []uint64) ([]model.Listing, []uint64, error) {
	type slot struct {
		listing model.Listing
		err     error
	}
	slots := make([]slot, len(ids))

	var g errgroup.Group
	g.SetLimit(r.opts.limit())
	for i, id := range ids {
		i, id := i, id
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			listing, err := r.source.Listing(ctx, id)
			slots[i] = slot{listing: listing, err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, failure.Classify("loadListings", err)
	}

	listings := make([]model.Listing, 0, len(ids))
	var failed []uint64
	for i, s := range slots {
		if s.err != nil {
			r.logger.Warn().Err(s.err).Uint64("listing_id", ids[i]).Msg("skipping listing that failed to load")
			failed = append(failed, ids[i])
			continue
		}
		listings = append(listings, s.listing)
	}
	return listings, failed, nil
}
