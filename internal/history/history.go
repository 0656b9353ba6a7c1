// Package history rebuilds an address's purchase and sale ledger from
// contract events.
package history

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"enerx-readmodel/internal/model"
	"enerx-readmodel/internal/repository"
)

// EventSource yields the two event streams for a counterparty.
type EventSource interface {
	PurchasedEvents(ctx context.Context, buyer common.Address) ([]model.PurchasedEvent, error)
	ListedEvents(ctx context.Context, seller common.Address) ([]model.ListedEvent, error)
}

// ListingResolver is the single-id fetch path of the listing repository.
type ListingResolver interface {
	Get(ctx context.Context, id uint64) (model.Listing, error)
}

// History is the merged ledger of one address.
type History struct {
	Address    common.Address            `json:"address"`
	Records    []model.TransactionRecord `json:"records"`
	Unresolved []uint64                  `json:"unresolvedListings,omitempty"`
	Generation uint64                    `json:"generation"`
	BuiltAt    time.Time                 `json:"builtAt"`
	Stale      bool                      `json:"-"`
}

// Aggregator builds and keeps the latest history per address.
type Aggregator struct {
	events      EventSource
	listings    ListingResolver
	concurrency int
	logger      zerolog.Logger

	mu     sync.Mutex
	gens   *repository.Generations
	latest map[common.Address]History
}

// NewAggregator wires the event source and listing resolver.
func NewAggregator(events EventSource, listings ListingResolver, concurrency int, logger zerolog.Logger) *Aggregator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Aggregator{
		events:      events,
		listings:    listings,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "history").Logger(),
		gens:        repository.NewGenerations(),
		latest:      make(map[common.Address]History),
	}
}

// Name identifies the aggregator to the mutation dispatcher.
func (a *Aggregator) Name() string {
	return "history"
}

// BuildHistory fetches both event streams of addr, resolves each referenced
// listing once for its energy source, and merges the records by timestamp.
// Purchases precede sales at equal timestamps. A listing that cannot be
// resolved leaves its records with an empty source and is reported in
// Unresolved.
func (a *Aggregator) BuildHistory(ctx context.Context, addr common.Address) (History, error) {
	a.mu.Lock()
	token := a.gens.Begin()
	a.mu.Unlock()

	var (
		purchases []model.PurchasedEvent
		sales     []model.ListedEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		purchases, err = a.events.PurchasedEvents(gctx, addr)
		return err
	})
	g.Go(func() error {
		var err error
		sales, err = a.events.ListedEvents(gctx, addr)
		return err
	})
	if err := g.Wait(); err != nil {
		return History{}, err
	}

	ids := make([]uint64, 0, len(purchases)+len(sales))
	for _, p := range purchases {
		ids = append(ids, p.ListingID)
	}
	for _, s := range sales {
		ids = append(ids, s.ListingID)
	}
	sources, unresolved := a.resolveSources(ctx, ids)

	records := make([]model.TransactionRecord, 0, len(purchases)+len(sales))
	for _, p := range purchases {
		records = append(records, model.TransactionRecord{
			Type:         model.TransactionPurchase,
			ListingID:    p.ListingID,
			Amount:       p.Amount,
			Price:        p.TotalPrice,
			Timestamp:    p.Timestamp,
			EnergySource: sources[p.ListingID],
		})
	}
	for _, s := range sales {
		records = append(records, model.TransactionRecord{
			Type:         model.TransactionSale,
			ListingID:    s.ListingID,
			Amount:       s.Amount,
			Price:        s.PricePerUnit,
			Timestamp:    s.Timestamp,
			EnergySource: sources[s.ListingID],
		})
	}
	Merge(records)

	h := History{
		Address:    addr,
		Records:    records,
		Unresolved: unresolved,
		BuiltAt:    time.Now().UTC(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	stamp, ok := a.gens.Accept(addr.Hex(), token)
	if !ok {
		h.Stale = true
		return h, nil
	}
	h.Generation = stamp
	a.latest[addr] = h

	a.logger.Info().Str("address", addr.Hex()).
		Int("purchases", len(purchases)).
		Int("sales", len(sales)).
		Int("unresolved", len(unresolved)).
		Msg("history rebuilt")
	return h, nil
}

// Latest returns the last committed history of addr and whether it is still current.
func (a *Aggregator) Latest(addr common.Address) (History, bool, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.latest[addr]
	if !ok {
		return History{}, false, false
	}
	return h, true, a.gens.Valid(addr.Hex(), h.Generation)
}

// Invalidate marks every cached history stale.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gens.InvalidateAll()
}

// Refresh rebuilds every cached history.
func (a *Aggregator) Refresh(ctx context.Context) error {
	a.Invalidate()

	a.mu.Lock()
	addrs := make([]common.Address, 0, len(a.latest))
	for addr := range a.latest {
		addrs = append(addrs, addr)
	}
	a.mu.Unlock()

	for _, addr := range addrs {
		if _, err := a.BuildHistory(ctx, addr); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) resolveSources(ctx context.Context, ids []uint64) (map[uint64]string, []uint64) {
	unique := slices.Clone(ids)
	slices.Sort(unique)
	unique = slices.Compact(unique)

	sources := make([]string, len(unique))
	errs := make([]error, len(unique))

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, id := range unique {
		i, id := i, id
		g.Go(func() error {
			listing, err := a.listings.Get(ctx, id)
			if err != nil {
				errs[i] = err
				return nil
			}
			sources[i] = listing.EnergySource
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[uint64]string, len(unique))
	var unresolved []uint64
	for i, id := range unique {
		if errs[i] != nil {
			a.logger.Warn().Err(errs[i]).Uint64("listing_id", id).Msg("listing lookup failed; source left empty")
			unresolved = append(unresolved, id)
			continue
		}
		out[id] = sources[i]
	}
	return out, unresolved
}

// Merge orders records by timestamp ascending in place. The sort is stable,
// so callers that append purchases before sales get purchase-first ties.
func Merge(records []model.TransactionRecord) {
	slices.SortStableFunc(records, func(a, b model.TransactionRecord) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}
