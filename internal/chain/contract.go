package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"enerx-readmodel/internal/failure"
	"enerx-readmodel/internal/model"
)

// NextListingID reads the authoritative upper bound of listing ids.
func (a *Adapter) NextListingID(ctx context.Context) (uint64, error) {
	out, err := a.ReadField(ctx, MethodNextListingID)
	if err != nil {
		return 0, err
	}
	v, err := bigAt(out, 0, MethodNextListingID)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, failure.New(failure.KindCallReverted, MethodNextListingID, "value overflows uint64", nil)
	}
	return v.Uint64(), nil
}

// HeadBlock returns the number of the latest block known to the provider.
func (a *Adapter) HeadBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()

	backend, err := a.ready(ctx, "headBlock")
	if err != nil {
		return 0, err
	}
	header, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, failure.Classify("headBlock", err)
	}
	if header == nil || header.Number == nil {
		return 0, failure.New(failure.KindConnection, "headBlock", "provider returned no header", nil)
	}
	return header.Number.Uint64(), nil
}

// Listing reads a single listing by id.
func (a *Adapter) Listing(ctx context.Context, id uint64) (model.Listing, error) {
	out, err := a.ReadField(ctx, MethodEnergyListings, new(big.Int).SetUint64(id))
	if err != nil {
		return model.Listing{}, err
	}
	return decodeListing(id, out)
}

// UserProfile reads the profile of addr.
func (a *Adapter) UserProfile(ctx context.Context, addr common.Address) (model.UserProfile, error) {
	out, err := a.ReadField(ctx, MethodGetUserProfile, addr)
	if err != nil {
		return model.UserProfile{}, err
	}
	return decodeProfile(addr, out)
}

// BalanceOf reads the token balance of addr.
func (a *Adapter) BalanceOf(ctx context.Context, addr common.Address) (decimal.Decimal, error) {
	out, err := a.ReadField(ctx, MethodBalanceOf, addr)
	if err != nil {
		return decimal.Zero, err
	}
	v, err := bigAt(out, 0, MethodBalanceOf)
	if err != nil {
		return decimal.Zero, err
	}
	return ToDecimal(v), nil
}

// Allowance reads how much spender may move on behalf of owner.
func (a *Adapter) Allowance(ctx context.Context, owner, spender common.Address) (decimal.Decimal, error) {
	out, err := a.ReadField(ctx, MethodAllowance, owner, spender)
	if err != nil {
		return decimal.Zero, err
	}
	v, err := bigAt(out, 0, MethodAllowance)
	if err != nil {
		return decimal.Zero, err
	}
	return ToDecimal(v), nil
}

// PlatformState reads the admin-facing contract fields.
func (a *Adapter) PlatformState(ctx context.Context) (model.PlatformState, error) {
	var state model.PlatformState

	out, err := a.ReadField(ctx, MethodPlatformFee)
	if err != nil {
		return state, err
	}
	fee, err := bigAt(out, 0, MethodPlatformFee)
	if err != nil {
		return state, err
	}
	state.PlatformFee = decimal.NewFromBigInt(fee, 0)

	if out, err = a.ReadField(ctx, MethodFeeCollector); err != nil {
		return state, err
	}
	if state.FeeCollector, err = addressAt(out, 0, MethodFeeCollector); err != nil {
		return state, err
	}

	if out, err = a.ReadField(ctx, MethodPaused); err != nil {
		return state, err
	}
	if state.Paused, err = boolAt(out, 0, MethodPaused); err != nil {
		return state, err
	}

	if out, err = a.ReadField(ctx, MethodTotalSupply); err != nil {
		return state, err
	}
	supply, err := bigAt(out, 0, MethodTotalSupply)
	if err != nil {
		return state, err
	}
	state.TotalSupply = ToDecimal(supply)

	if state.NextListingID, err = a.NextListingID(ctx); err != nil {
		return state, err
	}
	return state, nil
}

// ListedEvents returns the EnergyListed events emitted for seller.
func (a *Adapter) ListedEvents(ctx context.Context, seller common.Address) ([]model.ListedEvent, error) {
	logs, err := a.ReadEventLog(ctx, EventEnergyListed, EventFilter{Account: &seller})
	if err != nil {
		return nil, err
	}

	stamps := newBlockClock(a)
	events := make([]model.ListedEvent, 0, len(logs))
	for _, lg := range logs {
		values, err := a.decodeEvent(EventEnergyListed, lg)
		if err != nil {
			return nil, err
		}
		ts, err := stamps.at(ctx, lg.BlockNumber)
		if err != nil {
			return nil, err
		}
		amount, err := bigAt(values, 0, EventEnergyListed)
		if err != nil {
			return nil, err
		}
		price, err := bigAt(values, 1, EventEnergyListed)
		if err != nil {
			return nil, err
		}
		events = append(events, model.ListedEvent{
			ListingID:    topicUint(lg.Topics[1]),
			Seller:       common.BytesToAddress(lg.Topics[2].Bytes()),
			Amount:       ToDecimal(amount),
			PricePerUnit: ToDecimal(price),
			BlockNumber:  lg.BlockNumber,
			LogIndex:     lg.Index,
			Timestamp:    ts,
		})
	}
	return events, nil
}

// PurchasedEvents returns the EnergyPurchased events where buyer is the counterparty.
func (a *Adapter) PurchasedEvents(ctx context.Context, buyer common.Address) ([]model.PurchasedEvent, error) {
	logs, err := a.ReadEventLog(ctx, EventEnergyPurchased, EventFilter{Account: &buyer})
	if err != nil {
		return nil, err
	}

	stamps := newBlockClock(a)
	events := make([]model.PurchasedEvent, 0, len(logs))
	for _, lg := range logs {
		values, err := a.decodeEvent(EventEnergyPurchased, lg)
		if err != nil {
			return nil, err
		}
		ts, err := stamps.at(ctx, lg.BlockNumber)
		if err != nil {
			return nil, err
		}
		amount, err := bigAt(values, 0, EventEnergyPurchased)
		if err != nil {
			return nil, err
		}
		total, err := bigAt(values, 1, EventEnergyPurchased)
		if err != nil {
			return nil, err
		}
		events = append(events, model.PurchasedEvent{
			ListingID:   topicUint(lg.Topics[1]),
			Buyer:       common.BytesToAddress(lg.Topics[2].Bytes()),
			Amount:      ToDecimal(amount),
			TotalPrice:  ToDecimal(total),
			BlockNumber: lg.BlockNumber,
			LogIndex:    lg.Index,
			Timestamp:   ts,
		})
	}
	return events, nil
}

func (a *Adapter) decodeEvent(name string, lg types.Log) ([]any, error) {
	if len(lg.Topics) < 3 {
		return nil, failure.New(failure.KindCallReverted, name, fmt.Sprintf("log %s:%d has %d topics", lg.TxHash.Hex(), lg.Index, len(lg.Topics)), nil)
	}
	values, err := a.abi.Events[name].Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return nil, failure.New(failure.KindCallReverted, name, "decode log data", err)
	}
	return values, nil
}

// blockClock memoises block timestamps within one event query.
type blockClock struct {
	adapter *Adapter
	seen    map[uint64]time.Time
}

func newBlockClock(a *Adapter) *blockClock {
	return &blockClock{adapter: a, seen: make(map[uint64]time.Time)}
}

func (c *blockClock) at(ctx context.Context, block uint64) (time.Time, error) {
	if ts, ok := c.seen[block]; ok {
		return ts, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.adapter.opts.RequestTimeout)
	defer cancel()

	backend, err := c.adapter.ready(ctx, "blockTimestamp")
	if err != nil {
		return time.Time{}, err
	}
	header, err := backend.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, failure.Classify("blockTimestamp", err)
	}
	ts := time.Unix(int64(header.Time), 0).UTC()
	c.seen[block] = ts
	return ts, nil
}

func decodeListing(id uint64, out []any) (model.Listing, error) {
	const op = MethodEnergyListings
	if len(out) != 8 {
		return model.Listing{}, failure.New(failure.KindCallReverted, op, fmt.Sprintf("expected 8 outputs, got %d", len(out)), nil)
	}

	seller, err := addressAt(out, 0, op)
	if err != nil {
		return model.Listing{}, err
	}
	amount, err := bigAt(out, 1, op)
	if err != nil {
		return model.Listing{}, err
	}
	price, err := bigAt(out, 2, op)
	if err != nil {
		return model.Listing{}, err
	}
	minimum, err := bigAt(out, 3, op)
	if err != nil {
		return model.Listing{}, err
	}
	expiration, err := bigAt(out, 4, op)
	if err != nil {
		return model.Listing{}, err
	}
	creation, err := bigAt(out, 5, op)
	if err != nil {
		return model.Listing{}, err
	}
	active, err := boolAt(out, 6, op)
	if err != nil {
		return model.Listing{}, err
	}
	source, err := stringAt(out, 7, op)
	if err != nil {
		return model.Listing{}, err
	}

	return model.Listing{
		ID:              id,
		Seller:          seller,
		Amount:          ToDecimal(amount),
		PricePerUnit:    ToDecimal(price),
		MinimumPurchase: ToDecimal(minimum),
		ExpirationTime:  unixTime(expiration),
		CreationTime:    unixTime(creation),
		Active:          active,
		EnergySource:    source,
	}, nil
}

func decodeProfile(addr common.Address, out []any) (model.UserProfile, error) {
	const op = MethodGetUserProfile
	if len(out) != 8 {
		return model.UserProfile{}, failure.New(failure.KindCallReverted, op, fmt.Sprintf("expected 8 outputs, got %d", len(out)), nil)
	}

	verified, err := boolAt(out, 0, op)
	if err != nil {
		return model.UserProfile{}, err
	}
	traded, err := bigAt(out, 1, op)
	if err != nil {
		return model.UserProfile{}, err
	}
	reputation, err := bigAt(out, 2, op)
	if err != nil {
		return model.UserProfile{}, err
	}
	lastActivity, err := bigAt(out, 3, op)
	if err != nil {
		return model.UserProfile{}, err
	}
	ipfsHash, err := stringAt(out, 4, op)
	if err != nil {
		return model.UserProfile{}, err
	}
	certTime, err := bigAt(out, 5, op)
	if err != nil {
		return model.UserProfile{}, err
	}
	certType, err := stringAt(out, 6, op)
	if err != nil {
		return model.UserProfile{}, err
	}
	certValid, err := boolAt(out, 7, op)
	if err != nil {
		return model.UserProfile{}, err
	}

	return model.UserProfile{
		Address:                addr,
		IsVerified:             verified,
		TotalEnergyTraded:      ToDecimal(traded),
		ReputationScore:        decimal.NewFromBigInt(reputation, 0),
		LastActivityTime:       unixTime(lastActivity),
		CertificationIPFSHash:  ipfsHash,
		CertificationTimestamp: unixTime(certTime),
		CertificationType:      certType,
		CertificationValid:     certValid,
	}, nil
}

func topicUint(h common.Hash) uint64 {
	return new(big.Int).SetBytes(h.Bytes()).Uint64()
}

func bigAt(out []any, i int, op string) (*big.Int, error) {
	if i >= len(out) {
		return nil, failure.New(failure.KindCallReverted, op, fmt.Sprintf("missing output %d", i), nil)
	}
	v, ok := out[i].(*big.Int)
	if !ok {
		return nil, failure.New(failure.KindCallReverted, op, fmt.Sprintf("output %d is %T, want *big.Int", i, out[i]), nil)
	}
	return v, nil
}

func addressAt(out []any, i int, op string) (common.Address, error) {
	if i >= len(out) {
		return common.Address{}, failure.New(failure.KindCallReverted, op, fmt.Sprintf("missing output %d", i), nil)
	}
	v, ok := out[i].(common.Address)
	if !ok {
		return common.Address{}, failure.New(failure.KindCallReverted, op, fmt.Sprintf("output %d is %T, want address", i, out[i]), nil)
	}
	return v, nil
}

func boolAt(out []any, i int, op string) (bool, error) {
	if i >= len(out) {
		return false, failure.New(failure.KindCallReverted, op, fmt.Sprintf("missing output %d", i), nil)
	}
	v, ok := out[i].(bool)
	if !ok {
		return false, failure.New(failure.KindCallReverted, op, fmt.Sprintf("output %d is %T, want bool", i, out[i]), nil)
	}
	return v, nil
}

func stringAt(out []any, i int, op string) (string, error) {
	if i >= len(out) {
		return "", failure.New(failure.KindCallReverted, op, fmt.Sprintf("missing output %d", i), nil)
	}
	v, ok := out[i].(string)
	if !ok {
		return "", failure.New(failure.KindCallReverted, op, fmt.Sprintf("output %d is %T, want string", i, out[i]), nil)
	}
	return v, nil
}
