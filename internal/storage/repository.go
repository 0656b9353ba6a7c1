package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"enerx-readmodel/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertListingSQL = `INSERT INTO listings (
        id,
        seller,
        amount,
        price_per_unit,
        minimum_purchase,
        expiration_time,
        creation_time,
        active,
        energy_source,
        snapshot_block,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW()
    )
    ON CONFLICT (id) DO UPDATE
    SET
        seller           = EXCLUDED.seller,
        amount           = EXCLUDED.amount,
        price_per_unit   = EXCLUDED.price_per_unit,
        minimum_purchase = EXCLUDED.minimum_purchase,
        expiration_time  = EXCLUDED.expiration_time,
        creation_time    = EXCLUDED.creation_time,
        active           = EXCLUDED.active,
        energy_source    = EXCLUDED.energy_source,
        snapshot_block   = EXCLUDED.snapshot_block,
        updated_at       = NOW()
    WHERE listings.snapshot_block <= EXCLUDED.snapshot_block;`

	deactivateMissingSQL = `UPDATE listings
    SET active = FALSE, snapshot_block = $2, updated_at = NOW()
    WHERE active
      AND snapshot_block <= $2
      AND NOT (id = ANY($1));`

	listActiveListingsSQL = `SELECT
        id,
        seller,
        amount::text,
        price_per_unit::text,
        minimum_purchase::text,
        expiration_time,
        creation_time,
        active,
        energy_source
    FROM listings
    WHERE active
    ORDER BY id;`

	upsertProfileSQL = `INSERT INTO profiles (
        address,
        is_verified,
        total_energy_traded,
        reputation_score,
        last_activity_time,
        certification_ipfs_hash,
        certification_timestamp,
        certification_type,
        certification_valid,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,NOW()
    )
    ON CONFLICT (address) DO UPDATE
    SET
        is_verified             = EXCLUDED.is_verified,
        total_energy_traded     = EXCLUDED.total_energy_traded,
        reputation_score        = EXCLUDED.reputation_score,
        last_activity_time      = EXCLUDED.last_activity_time,
        certification_ipfs_hash = EXCLUDED.certification_ipfs_hash,
        certification_timestamp = EXCLUDED.certification_timestamp,
        certification_type      = EXCLUDED.certification_type,
        certification_valid     = EXCLUDED.certification_valid,
        updated_at              = NOW();`

	listProfilesSQL = `SELECT
        address,
        is_verified,
        total_energy_traded::text,
        reputation_score::text,
        last_activity_time,
        certification_ipfs_hash,
        certification_timestamp,
        certification_type,
        certification_valid
    FROM profiles
    ORDER BY address;`

	insertMutationSQL = `INSERT INTO mutations (
        id,
        method,
        args,
        state,
        tx_hash,
        block_number,
        error,
        refreshed,
        refresh_errors,
        submitted_at,
        finished_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentMutationsSQL = `SELECT
        id::text,
        method,
        args,
        state,
        tx_hash,
        block_number,
        error,
        refreshed,
        refresh_errors,
        submitted_at,
        finished_at,
        created_at
    FROM mutations
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ListingStore persists listing snapshots.
type ListingStore interface {
	UpsertListings(ctx context.Context, listings []model.Listing, block uint64) error
	DeactivateMissing(ctx context.Context, keep []uint64, block uint64) error
	ListActiveListings(ctx context.Context) ([]model.Listing, error)
}

// ProfileStore persists user profiles.
type ProfileStore interface {
	UpsertProfiles(ctx context.Context, profiles []model.UserProfile) error
	ListProfiles(ctx context.Context) ([]model.UserProfile, error)
}

// MutationStore defines operations for mutation auditing.
type MutationStore interface {
	InsertMutation(ctx context.Context, rec MutationRecord) error
	ListRecentMutations(ctx context.Context, limit int) ([]MutationRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to listings, profiles and mutations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertListings writes the given listings in one batch, stamped with the
// chain head block the scan started at. Rows written from a later block are
// left as they are.
func (s *Store) UpsertListings(ctx context.Context, listings []model.Listing, block uint64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(listings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, l := range listings {
		batch.Queue(upsertListingSQL,
			int64(l.ID),
			l.Seller.Hex(),
			l.Amount.String(),
			l.PricePerUnit.String(),
			l.MinimumPurchase.String(),
			nullTime(l.ExpirationTime),
			nullTime(l.CreationTime),
			l.Active,
			l.EnergySource,
			int64(block),
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for _, l := range listings {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("upsert listing %d: %w", l.ID, execErr)
		}
	}
	return nil
}

// DeactivateMissing marks every active row not in keep as inactive, unless the
// row was written from a block after block.
func (s *Store) DeactivateMissing(ctx context.Context, keep []uint64, block uint64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	ids := make([]int64, len(keep))
	for i, id := range keep {
		ids[i] = int64(id)
	}
	if _, execErr := pool.Exec(ctx, deactivateMissingSQL, ids, int64(block)); execErr != nil {
		return fmt.Errorf("deactivate missing listings: %w", execErr)
	}
	return nil
}

// ListActiveListings returns the persisted active listings in ascending id order.
func (s *Store) ListActiveListings(ctx context.Context) ([]model.Listing, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveListingsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active listings: %w", queryErr)
	}
	defer rows.Close()

	listings := make([]model.Listing, 0)
	for rows.Next() {
		l, scanErr := scanListing(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		listings = append(listings, l)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return listings, nil
}

// UpsertProfiles writes the given profiles in one batch.
func (s *Store) UpsertProfiles(ctx context.Context, profiles []model.UserProfile) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range profiles {
		batch.Queue(upsertProfileSQL,
			p.Address.Hex(),
			p.IsVerified,
			p.TotalEnergyTraded.String(),
			p.ReputationScore.String(),
			nullTime(p.LastActivityTime),
			p.CertificationIPFSHash,
			nullTime(p.CertificationTimestamp),
			p.CertificationType,
			p.CertificationValid,
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for _, p := range profiles {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("upsert profile %s: %w", p.Address.Hex(), execErr)
		}
	}
	return nil
}

// ListProfiles returns every persisted profile ordered by address.
func (s *Store) ListProfiles(ctx context.Context) ([]model.UserProfile, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listProfilesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list profiles: %w", queryErr)
	}
	defer rows.Close()

	profiles := make([]model.UserProfile, 0)
	for rows.Next() {
		p, scanErr := scanProfile(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		profiles = append(profiles, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return profiles, nil
}

// InsertMutation persists a mutation audit row. Re-inserting the same id is a no-op.
func (s *Store) InsertMutation(ctx context.Context, rec MutationRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var block interface{}
	if rec.BlockNumber != nil {
		block = *rec.BlockNumber
	}
	var txHash interface{}
	if rec.TxHash != nil {
		txHash = *rec.TxHash
	}
	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	_, execErr := pool.Exec(ctx, insertMutationSQL,
		rec.ID.String(),
		rec.Method,
		nonNil(rec.Args),
		rec.State,
		txHash,
		block,
		errMsg,
		nonNil(rec.Refreshed),
		nonNil(rec.RefreshErrors),
		rec.SubmittedAt,
		rec.FinishedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert mutation: %w", execErr)
	}
	return nil
}

// ListRecentMutations lists the most recent mutations, newest first.
func (s *Store) ListRecentMutations(ctx context.Context, limit int) ([]MutationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentMutationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent mutations: %w", queryErr)
	}
	defer rows.Close()

	records := make([]MutationRecord, 0, limit)
	for rows.Next() {
		var (
			idStr  string
			rec    MutationRecord
			txHash sql.NullString
			block  sql.NullInt64
			errMsg sql.NullString
		)
		if err := rows.Scan(
			&idStr,
			&rec.Method,
			&rec.Args,
			&rec.State,
			&txHash,
			&block,
			&errMsg,
			&rec.Refreshed,
			&rec.RefreshErrors,
			&rec.SubmittedAt,
			&rec.FinishedAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		id, parseErr := uuid.Parse(idStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse mutation id: %w", parseErr)
		}
		rec.ID = id
		if txHash.Valid {
			value := txHash.String
			rec.TxHash = &value
		}
		if block.Valid {
			value := block.Int64
			rec.BlockNumber = &value
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanListing(rows pgx.Rows) (model.Listing, error) {
	var (
		id         int64
		seller     string
		amountStr  string
		priceStr   string
		minimumStr string
		expiration sql.NullTime
		creation   sql.NullTime
		active     bool
		source     string
	)

	if err := rows.Scan(
		&id,
		&seller,
		&amountStr,
		&priceStr,
		&minimumStr,
		&expiration,
		&creation,
		&active,
		&source,
	); err != nil {
		return model.Listing{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return model.Listing{}, fmt.Errorf("parse amount: %w", err)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return model.Listing{}, fmt.Errorf("parse price per unit: %w", err)
	}
	minimum, err := decimal.NewFromString(minimumStr)
	if err != nil {
		return model.Listing{}, fmt.Errorf("parse minimum purchase: %w", err)
	}

	return model.Listing{
		ID:              uint64(id),
		Seller:          common.HexToAddress(seller),
		Amount:          amount,
		PricePerUnit:    price,
		MinimumPurchase: minimum,
		ExpirationTime:  timeOrZero(expiration),
		CreationTime:    timeOrZero(creation),
		Active:          active,
		EnergySource:    source,
	}, nil
}

func scanProfile(rows pgx.Rows) (model.UserProfile, error) {
	var (
		address     string
		verified    bool
		tradedStr   string
		scoreStr    string
		lastActive  sql.NullTime
		ipfsHash    string
		certifiedAt sql.NullTime
		certType    string
		certValid   bool
	)

	if err := rows.Scan(
		&address,
		&verified,
		&tradedStr,
		&scoreStr,
		&lastActive,
		&ipfsHash,
		&certifiedAt,
		&certType,
		&certValid,
	); err != nil {
		return model.UserProfile{}, err
	}

	traded, err := decimal.NewFromString(tradedStr)
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("parse total energy traded: %w", err)
	}
	score, err := decimal.NewFromString(scoreStr)
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("parse reputation score: %w", err)
	}

	return model.UserProfile{
		Address:                common.HexToAddress(address),
		IsVerified:             verified,
		TotalEnergyTraded:      traded,
		ReputationScore:        score,
		LastActivityTime:       timeOrZero(lastActive),
		CertificationIPFSHash:  ipfsHash,
		CertificationTimestamp: timeOrZero(certifiedAt),
		CertificationType:      certType,
		CertificationValid:     certValid,
	}, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timeOrZero(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var (
	_ ListingStore   = (*Store)(nil)
	_ ProfileStore   = (*Store)(nil)
	_ MutationStore  = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
