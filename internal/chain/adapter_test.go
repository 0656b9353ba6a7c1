package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enerx-readmodel/internal/failure"
)

const (
	testContract = "0x00000000000000000000000000000000000e4e58"
	testKey      = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
)

var (
	sellerA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	buyerB  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type fakeBackend struct {
	mu sync.Mutex

	// outputs keyed by method name; a func lets tests inspect arguments.
	outputs map[string]func(args []any) ([]any, error)
	logs    []types.Log
	blocks  map[uint64]uint64
	head    uint64

	calls        map[string]int
	headerCalls  int
	sent         []*types.Transaction
	estimateErr  error
	receiptAfter int
	receipt      *types.Receipt
	receiptPolls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		outputs: make(map[string]func(args []any) ([]any, error)),
		blocks:  make(map[uint64]uint64),
		calls:   make(map[string]int),
	}
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := enerXchangeABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls[method.Name]++
	handler, ok := f.outputs[method.Name]
	f.mu.Unlock()
	if !ok {
		return nil, nil
	}

	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	values, err := handler(args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(values...)
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	for _, lg := range f.logs {
		if !topicsMatch(q.Topics, lg.Topics) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func topicsMatch(filter [][]common.Hash, topics []common.Hash) bool {
	for i, want := range filter {
		if len(want) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		hit := false
		for _, h := range want {
			if h == topics[i] {
				hit = true
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func (f *fakeBackend) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headerCalls++
	if number == nil {
		return &types.Header{Number: new(big.Int).SetUint64(f.head)}, nil
	}
	return &types.Header{Number: number, Time: f.blocks[number.Uint64()]}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 90_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptPolls++
	if f.receipt == nil || f.receiptPolls <= f.receiptAfter {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}

func newTestAdapter(t *testing.T, backend Backend, mutate ...func(*Options)) *Adapter {
	t.Helper()
	opts := Options{
		ContractAddress: testContract,
		RequestTimeout:  time.Second,
		ConfirmTimeout:  time.Second,
		PollInterval:    5 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	a, err := NewAdapterWithBackend(opts, backend, zerolog.Nop())
	require.NoError(t, err)
	return a
}

func wei(s string) *big.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

func listingValues(seller common.Address, amount, price, minimum string, created int64, active bool, source string) []any {
	return []any{
		seller,
		wei(amount),
		wei(price),
		wei(minimum),
		big.NewInt(created + 86400),
		big.NewInt(created),
		active,
		source,
	}
}

func TestListingDecodesExactAmounts(t *testing.T) {
	backend := newFakeBackend()
	backend.outputs[MethodEnergyListings] = func(args []any) ([]any, error) {
		require.Equal(t, int64(3), args[0].(*big.Int).Int64())
		return listingValues(sellerA, "123.456789012345678901", "0.000000000000000001", "1.5", 1_700_000_000, true, "solar"), nil
	}
	a := newTestAdapter(t, backend)

	listing, err := a.Listing(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, uint64(3), listing.ID)
	assert.Equal(t, sellerA, listing.Seller)
	assert.Equal(t, "123.456789012345678901", listing.Amount.String())
	assert.Equal(t, "0.000000000000000001", listing.PricePerUnit.String())
	assert.True(t, listing.MinimumPurchase.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), listing.CreationTime)
	assert.True(t, listing.Active)
	assert.Equal(t, "solar", listing.EnergySource)
}

func TestUserProfileDecode(t *testing.T) {
	backend := newFakeBackend()
	backend.outputs[MethodGetUserProfile] = func(args []any) ([]any, error) {
		require.Equal(t, sellerA, args[0].(common.Address))
		return []any{true, wei("42.5"), big.NewInt(87), big.NewInt(1_700_000_100), "QmHash", big.NewInt(1_700_000_200), "solar-cert", true}, nil
	}
	a := newTestAdapter(t, backend)

	profile, err := a.UserProfile(context.Background(), sellerA)
	require.NoError(t, err)
	assert.True(t, profile.IsVerified)
	assert.Equal(t, "42.5", profile.TotalEnergyTraded.String())
	assert.Equal(t, "87", profile.ReputationScore.String())
	assert.Equal(t, "QmHash", profile.CertificationIPFSHash)
	assert.Equal(t, "solar-cert", profile.CertificationType)
	assert.True(t, profile.CertificationValid)
}

func TestPlatformState(t *testing.T) {
	collector := common.HexToAddress("0x00000000000000000000000000000000000000fe")
	backend := newFakeBackend()
	backend.outputs[MethodPlatformFee] = func([]any) ([]any, error) { return []any{big.NewInt(25)}, nil }
	backend.outputs[MethodFeeCollector] = func([]any) ([]any, error) { return []any{collector}, nil }
	backend.outputs[MethodPaused] = func([]any) ([]any, error) { return []any{true}, nil }
	backend.outputs[MethodTotalSupply] = func([]any) ([]any, error) { return []any{wei("1000000")}, nil }
	backend.outputs[MethodNextListingID] = func([]any) ([]any, error) { return []any{big.NewInt(12)}, nil }
	a := newTestAdapter(t, backend)

	state, err := a.PlatformState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "25", state.PlatformFee.String())
	assert.Equal(t, collector, state.FeeCollector)
	assert.True(t, state.Paused)
	assert.Equal(t, "1000000", state.TotalSupply.String())
	assert.Equal(t, uint64(12), state.NextListingID)
}

func TestReadFieldRevertIsCallReverted(t *testing.T) {
	backend := newFakeBackend()
	backend.outputs[MethodEnergyListings] = func([]any) ([]any, error) {
		return nil, errors.New("execution reverted: listing does not exist")
	}
	a := newTestAdapter(t, backend)

	_, err := a.Listing(context.Background(), 99)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrCallReverted)
}

func TestReadFieldEmptyResponseIsCallReverted(t *testing.T) {
	a := newTestAdapter(t, newFakeBackend())

	_, err := a.NextListingID(context.Background())
	assert.ErrorIs(t, err, failure.ErrCallReverted)
}

func TestMissingProviderIsConnectionError(t *testing.T) {
	a, err := NewAdapter(Options{ContractAddress: testContract}, zerolog.Nop())
	require.NoError(t, err)

	_, err = a.NextListingID(context.Background())
	assert.ErrorIs(t, err, failure.ErrConnection)

	noContract, err := NewAdapter(Options{RPCURL: "http://127.0.0.1:1"}, zerolog.Nop())
	require.NoError(t, err)
	_, err = noContract.NextListingID(context.Background())
	assert.ErrorIs(t, err, failure.ErrConnection)
}

func TestNewAdapterRejectsBadInput(t *testing.T) {
	_, err := NewAdapter(Options{ContractAddress: "not-an-address"}, zerolog.Nop())
	assert.ErrorIs(t, err, failure.ErrInvalidInput)

	_, err = NewAdapter(Options{ContractAddress: testContract, PrivateKey: "zz"}, zerolog.Nop())
	assert.ErrorIs(t, err, failure.ErrInvalidInput)
}

func TestEventsDecodeTopicsAndTimestamps(t *testing.T) {
	listed := enerXchangeABI.Events[EventEnergyListed]
	purchased := enerXchangeABI.Events[EventEnergyPurchased]

	listedData, err := listed.Inputs.NonIndexed().Pack(wei("100"), wei("0.25"), big.NewInt(1_800_000_000))
	require.NoError(t, err)
	purchasedData, err := purchased.Inputs.NonIndexed().Pack(wei("40"), wei("10"))
	require.NoError(t, err)

	backend := newFakeBackend()
	backend.blocks[10] = 1_700_000_000
	backend.blocks[11] = 1_700_000_060
	backend.logs = []types.Log{
		{Topics: []common.Hash{listed.ID, common.BigToHash(big.NewInt(4)), common.BytesToHash(sellerA.Bytes())}, Data: listedData, BlockNumber: 10, Index: 0},
		{Topics: []common.Hash{listed.ID, common.BigToHash(big.NewInt(5)), common.BytesToHash(sellerA.Bytes())}, Data: listedData, BlockNumber: 10, Index: 1},
		{Topics: []common.Hash{listed.ID, common.BigToHash(big.NewInt(6)), common.BytesToHash(buyerB.Bytes())}, Data: listedData, BlockNumber: 11, Index: 0},
		{Topics: []common.Hash{purchased.ID, common.BigToHash(big.NewInt(4)), common.BytesToHash(buyerB.Bytes())}, Data: purchasedData, BlockNumber: 11, Index: 1},
	}
	a := newTestAdapter(t, backend)

	sales, err := a.ListedEvents(context.Background(), sellerA)
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, uint64(4), sales[0].ListingID)
	assert.Equal(t, uint64(5), sales[1].ListingID)
	assert.Equal(t, sellerA, sales[0].Seller)
	assert.Equal(t, "100", sales[0].Amount.String())
	assert.Equal(t, "0.25", sales[0].PricePerUnit.String())
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), sales[1].Timestamp)
	assert.Equal(t, 1, backend.headerCalls, "同一区块只应查询一次区块头")

	buys, err := a.PurchasedEvents(context.Background(), buyerB)
	require.NoError(t, err)
	require.Len(t, buys, 1)
	assert.Equal(t, uint64(4), buys[0].ListingID)
	assert.Equal(t, buyerB, buys[0].Buyer)
	assert.Equal(t, "40", buys[0].Amount.String())
	assert.Equal(t, "10", buys[0].TotalPrice.String())
	assert.Equal(t, time.Unix(1_700_000_060, 0).UTC(), buys[0].Timestamp)
}

func TestSubmitWithoutWallet(t *testing.T) {
	a := newTestAdapter(t, newFakeBackend())
	assert.False(t, a.HasWallet())

	_, err := a.Submit(context.Background(), "pause")
	assert.ErrorIs(t, err, failure.ErrConnection)
}

func TestSubmitSignsAndConfirms(t *testing.T) {
	backend := newFakeBackend()
	backend.receipt = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	backend.receiptAfter = 2
	a := newTestAdapter(t, backend, func(o *Options) {
		o.PrivateKey = "0x" + testKey
		o.ChainID = 1337
	})

	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), a.Signer())

	pending, err := a.Submit(context.Background(), "purchaseEnergy", big.NewInt(2), wei("40"))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, pending.Hash(), tx.Hash())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(90_000), tx.Gas())
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	require.NoError(t, err)
	assert.Equal(t, a.Signer(), from)

	receipt, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	assert.Equal(t, 3, backend.receiptPolls)
}

func TestSubmitRevertedReceipt(t *testing.T) {
	backend := newFakeBackend()
	backend.receipt = &types.Receipt{Status: types.ReceiptStatusFailed}
	a := newTestAdapter(t, backend, func(o *Options) { o.PrivateKey = testKey })

	pending, err := a.Submit(context.Background(), "cancelListing", big.NewInt(1))
	require.NoError(t, err)

	_, err = pending.Wait(context.Background())
	assert.ErrorIs(t, err, failure.ErrCallReverted)
}

func TestSubmitEstimateRevert(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = errors.New("execution reverted: insufficient balance")
	a := newTestAdapter(t, backend, func(o *Options) { o.PrivateKey = testKey })

	_, err := a.Submit(context.Background(), "purchaseEnergy", big.NewInt(0), wei("1"))
	assert.ErrorIs(t, err, failure.ErrCallReverted)
	assert.Empty(t, backend.sent)
}

func TestConfirmationTimeout(t *testing.T) {
	backend := newFakeBackend()
	a := newTestAdapter(t, backend, func(o *Options) {
		o.PrivateKey = testKey
		o.ConfirmTimeout = 40 * time.Millisecond
	})

	pending, err := a.Submit(context.Background(), "unpause")
	require.NoError(t, err)

	_, err = pending.Wait(context.Background())
	assert.ErrorIs(t, err, failure.ErrTimeout)
}

func TestConfirmationCancelledIsNotTimeout(t *testing.T) {
	backend := newFakeBackend()
	a := newTestAdapter(t, backend, func(o *Options) {
		o.PrivateKey = testKey
		o.ConfirmTimeout = time.Minute
	})

	pending, err := a.Submit(context.Background(), "unpause")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err = pending.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, failure.ErrTimeout, "调用方取消不是超时")
	assert.NotEqual(t, failure.KindTimeout, failure.KindOf(err))
}

func TestHeadBlock(t *testing.T) {
	backend := newFakeBackend()
	backend.head = 1234
	a := newTestAdapter(t, backend)

	head, err := a.HeadBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), head)

	offline, err := NewAdapter(Options{ContractAddress: testContract}, zerolog.Nop())
	require.NoError(t, err)
	_, err = offline.HeadBlock(context.Background())
	assert.ErrorIs(t, err, failure.ErrConnection)
}
