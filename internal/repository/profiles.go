package repository

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"enerx-readmodel/internal/failure"
	"enerx-readmodel/internal/model"
)

// ProfileSource is the subset of the contract adapter the profile repository reads.
type ProfileSource interface {
	UserProfile(ctx context.Context, addr common.Address) (model.UserProfile, error)
}

// ProfileBatch is the result of GetOrFetchMany.
type ProfileBatch struct {
	Profiles []model.UserProfile `json:"profiles"`
	Failed   []common.Address    `json:"failed,omitempty"`
	Fetched  int                 `json:"fetched"`
	Outcome  Outcome             `json:"outcome"`
}

// Err returns a PartialFetch error when some addresses could not be read.
func (b ProfileBatch) Err() error {
	if b.Outcome != OutcomePartial {
		return nil
	}
	parts := make([]string, len(b.Failed))
	for i, a := range b.Failed {
		parts[i] = a.Hex()
	}
	return failure.New(failure.KindPartialFetch, "getOrFetchMany", strings.Join(parts, ","), nil)
}

type profileEntry struct {
	profile   model.UserProfile
	stamp     uint64
	fetchedAt time.Time
}

// ProfileRepository caches profiles per address. Addresses are only learned
// through explicit lookups.
type ProfileRepository struct {
	source ProfileSource
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	gens    *Generations
	entries map[common.Address]profileEntry
}

// NewProfileRepository wires a profile source into a repository.
func NewProfileRepository(source ProfileSource, opts Options, logger zerolog.Logger) *ProfileRepository {
	return &ProfileRepository{
		source:  source,
		opts:    opts,
		logger:  logger.With().Str("component", "profile_repository").Logger(),
		gens:    NewGenerations(),
		entries: make(map[common.Address]profileEntry),
	}
}

// Name identifies the repository to the mutation dispatcher.
func (r *ProfileRepository) Name() string {
	return "profiles"
}

// GetProfile always reads addr from the contract. If a newer read for the
// same address landed first, the newer profile is returned instead.
func (r *ProfileRepository) GetProfile(ctx context.Context, addr common.Address) (model.UserProfile, error) {
	r.mu.Lock()
	token := r.gens.Begin()
	r.mu.Unlock()

	profile, err := r.source.UserProfile(ctx, addr)
	if err != nil {
		return model.UserProfile{}, err
	}
	profile.Address = addr
	return r.commit(addr, token, profile), nil
}

// GetOrFetchMany returns the profiles of addrs, issuing one contract read per
// unique address that has no current cache entry. Profiles are returned in
// first-seen order of addrs.
func (r *ProfileRepository) GetOrFetchMany(ctx context.Context, addrs []common.Address) (ProfileBatch, error) {
	return r.getMany(ctx, addrs, false)
}

func (r *ProfileRepository) getMany(ctx context.Context, addrs []common.Address, force bool) (ProfileBatch, error) {
	unique := make([]common.Address, 0, len(addrs))
	seen := make(map[common.Address]struct{}, len(addrs))
	for _, a := range addrs {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		unique = append(unique, a)
	}

	results := make([]model.UserProfile, len(unique))
	errs := make([]error, len(unique))
	var missing []int

	r.mu.Lock()
	token := r.gens.Begin()
	for i, a := range unique {
		entry, ok := r.entries[a]
		if !force && ok && r.gens.Valid(key(a), entry.stamp) {
			results[i] = entry.profile
			continue
		}
		missing = append(missing, i)
	}
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(r.opts.limit())
	for _, i := range missing {
		i := i
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			profile, err := r.source.UserProfile(ctx, unique[i])
			if err != nil {
				errs[i] = err
				return nil
			}
			profile.Address = unique[i]
			results[i] = r.commit(unique[i], token, profile)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return ProfileBatch{}, failure.Classify("getOrFetchMany", err)
	}

	batch := ProfileBatch{Outcome: OutcomeOK, Fetched: len(missing)}
	var firstErr error
	for i, a := range unique {
		if errs[i] != nil {
			r.logger.Warn().Err(errs[i]).Str("address", a.Hex()).Msg("skipping profile that failed to load")
			batch.Failed = append(batch.Failed, a)
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		batch.Profiles = append(batch.Profiles, results[i])
	}
	if len(batch.Failed) > 0 {
		if len(batch.Profiles) == 0 {
			return ProfileBatch{}, failure.Classify("getOrFetchMany", firstErr)
		}
		batch.Outcome = OutcomePartial
	}
	return batch, nil
}

// Known returns every cached profile ordered by address.
func (r *ProfileRepository) Known() []model.UserProfile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.UserProfile, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.profile)
	}
	slices.SortFunc(out, func(a, b model.UserProfile) int {
		return model.CompareAddress(a.Address, b.Address)
	})
	return out
}

// Invalidate marks the given addresses stale.
func (r *ProfileRepository) Invalidate(addrs ...common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range addrs {
		r.gens.Invalidate(key(a))
	}
}

// InvalidateAll marks every cached profile stale.
func (r *ProfileRepository) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens.InvalidateAll()
}

// Refresh re-reads every known address.
func (r *ProfileRepository) Refresh(ctx context.Context) error {
	r.InvalidateAll()

	r.mu.Lock()
	addrs := make([]common.Address, 0, len(r.entries))
	for a := range r.entries {
		addrs = append(addrs, a)
	}
	r.mu.Unlock()

	if len(addrs) == 0 {
		return nil
	}
	batch, err := r.getMany(ctx, addrs, true)
	if err != nil {
		return err
	}
	if batch.Outcome == OutcomePartial {
		r.logger.Warn().Err(batch.Err()).Msg("profile refresh completed with gaps")
	}
	return nil
}

// commit publishes profile unless a newer read already did, and returns the
// profile that is visible afterwards.
func (r *ProfileRepository) commit(addr common.Address, token uint64, profile model.UserProfile) model.UserProfile {
	r.mu.Lock()
	defer r.mu.Unlock()
	stamp, ok := r.gens.Accept(key(addr), token)
	if !ok {
		if entry, exists := r.entries[addr]; exists {
			return entry.profile
		}
		return profile
	}
	r.entries[addr] = profileEntry{profile: profile, stamp: stamp, fetchedAt: time.Now().UTC()}
	return profile
}

func key(a common.Address) string {
	return a.Hex()
}

func formatIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return "failed ids " + strings.Join(parts, ",")
}
