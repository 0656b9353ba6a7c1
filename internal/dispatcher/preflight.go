package dispatcher

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"enerx-readmodel/internal/chain"
	"enerx-readmodel/internal/failure"
	"enerx-readmodel/internal/model"
)

// Checker reads what the pre-flight checks need.
type Checker interface {
	Signer() common.Address
	Listing(ctx context.Context, id uint64) (model.Listing, error)
	BalanceOf(ctx context.Context, addr common.Address) (decimal.Decimal, error)
	Allowance(ctx context.Context, owner, spender common.Address) (decimal.Decimal, error)
}

// CheckPurchase rejects a purchase the contract would revert: the listing
// must be active, amount must lie within [minimumPurchase, amount] and the
// buyer's balance must cover the total cost.
func CheckPurchase(listing model.Listing, amount, balance decimal.Decimal) error {
	const op = "purchaseEnergy"
	if !listing.Active {
		return failure.Invalid(op, "listing %d is not active", listing.ID)
	}
	if !amount.IsPositive() {
		return failure.Invalid(op, "amount must be positive")
	}
	if amount.LessThan(listing.MinimumPurchase) {
		return failure.Invalid(op, "amount %s is below the minimum purchase %s", amount, listing.MinimumPurchase)
	}
	if amount.GreaterThan(listing.Amount) {
		return failure.Invalid(op, "amount %s exceeds the available %s", amount, listing.Amount)
	}
	if cost := listing.TotalCost(amount); balance.LessThan(cost) {
		return failure.Invalid(op, "insufficient balance: need %s, have %s", cost, balance)
	}
	return nil
}

// CheckTransferFrom rejects a transferFrom the token would revert: the signer
// must be allowed to move amount out of from, and from must hold it.
func CheckTransferFrom(amount, allowance, balance decimal.Decimal) error {
	const op = "transferFrom"
	if !amount.IsPositive() {
		return failure.Invalid(op, "amount must be positive")
	}
	if allowance.LessThan(amount) {
		return failure.Invalid(op, "insufficient allowance: need %s, approved %s", amount, allowance)
	}
	if balance.LessThan(amount) {
		return failure.Invalid(op, "insufficient balance: need %s, have %s", amount, balance)
	}
	return nil
}

func (d *Dispatcher) preflightPurchase(ctx context.Context, id, wei *big.Int) error {
	if !id.IsUint64() {
		return failure.Invalid("purchaseEnergy", "listing id %s out of range", id)
	}
	listing, err := d.checker.Listing(ctx, id.Uint64())
	if err != nil {
		return err
	}
	balance, err := d.checker.BalanceOf(ctx, d.checker.Signer())
	if err != nil {
		return err
	}
	return CheckPurchase(listing, chain.ToDecimal(wei), balance)
}

func (d *Dispatcher) preflightTransferFrom(ctx context.Context, from common.Address, wei *big.Int) error {
	allowance, err := d.checker.Allowance(ctx, from, d.checker.Signer())
	if err != nil {
		return err
	}
	balance, err := d.checker.BalanceOf(ctx, from)
	if err != nil {
		return err
	}
	return CheckTransferFrom(chain.ToDecimal(wei), allowance, balance)
}
