package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"enerx-readmodel/internal/failure"
)

// Backend is the JSON-RPC surface the adapter needs. *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Options parameterise the contract adapter.
type Options struct {
	RPCURL            string
	ContractAddress   string
	PrivateKey        string
	ChainID           int64
	RequestTimeout    time.Duration
	ConfirmTimeout    time.Duration
	PollInterval      time.Duration
	RequestsPerSecond float64
}

// EventFilter narrows an event log query. Nil fields match anything.
type EventFilter struct {
	ListingID *uint64
	Account   *common.Address
	FromBlock *big.Int
	ToBlock   *big.Int
}

// Adapter is the uniform read/write surface over the EnerXchange contract.
type Adapter struct {
	opts     Options
	logger   zerolog.Logger
	abi      abi.ABI
	contract common.Address
	limiter  *rate.Limiter
	key      *ecdsa.PrivateKey
	signer   common.Address

	backend    Backend
	backendMux sync.Mutex
}

// NewAdapter builds an adapter that dials opts.RPCURL on first use.
func NewAdapter(opts Options, logger zerolog.Logger) (*Adapter, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}

	a := &Adapter{
		opts:   opts,
		logger: logger.With().Str("component", "contract_adapter").Logger(),
		abi:    enerXchangeABI,
	}

	if opts.ContractAddress != "" {
		if !common.IsHexAddress(opts.ContractAddress) {
			return nil, failure.Invalid("NewAdapter", "invalid contract address %q", opts.ContractAddress)
		}
		a.contract = common.HexToAddress(opts.ContractAddress)
	}

	if key := strings.TrimPrefix(strings.TrimSpace(opts.PrivateKey), "0x"); key != "" {
		parsed, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, failure.Invalid("NewAdapter", "invalid private key: %v", err)
		}
		a.key = parsed
		a.signer = crypto.PubkeyToAddress(parsed.PublicKey)
	}

	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return a, nil
}

// NewAdapterWithBackend wires an already connected backend.
func NewAdapterWithBackend(opts Options, backend Backend, logger zerolog.Logger) (*Adapter, error) {
	a, err := NewAdapter(opts, logger)
	if err != nil {
		return nil, err
	}
	a.backend = backend
	return a, nil
}

// Signer returns the wallet address derived from the configured key.
func (a *Adapter) Signer() common.Address {
	return a.signer
}

// HasWallet reports whether writes can be signed.
func (a *Adapter) HasWallet() bool {
	return a.key != nil
}

// ReadField performs an eth_call of a view method and returns the decoded outputs.
func (a *Adapter) ReadField(ctx context.Context, method string, args ...any) ([]any, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()

	backend, err := a.ready(ctx, method)
	if err != nil {
		return nil, err
	}

	payload, err := a.abi.Pack(method, args...)
	if err != nil {
		return nil, failure.New(failure.KindInvalidInput, method, "pack arguments", err)
	}

	res, err := backend.CallContract(ctx, ethereum.CallMsg{From: a.signer, To: &a.contract, Data: payload}, nil)
	if err != nil {
		return nil, failure.Classify(method, err)
	}
	if len(res) == 0 {
		return nil, failure.New(failure.KindCallReverted, method, "empty response; is the contract deployed?", nil)
	}

	outputs, err := a.abi.Unpack(method, res)
	if err != nil {
		return nil, failure.New(failure.KindCallReverted, method, "decode response", err)
	}
	return outputs, nil
}

// ReadEventLog returns the raw logs of a contract event in chain order.
func (a *Adapter) ReadEventLog(ctx context.Context, event string, filter EventFilter) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()

	backend, err := a.ready(ctx, event)
	if err != nil {
		return nil, err
	}

	ev, ok := a.abi.Events[event]
	if !ok {
		return nil, failure.Invalid(event, "unknown event %q", event)
	}

	topics := [][]common.Hash{{ev.ID}, nil, nil}
	if filter.ListingID != nil {
		topics[1] = []common.Hash{common.BigToHash(new(big.Int).SetUint64(*filter.ListingID))}
	}
	if filter.Account != nil {
		topics[2] = []common.Hash{common.BytesToHash(filter.Account.Bytes())}
	}

	query := ethereum.FilterQuery{
		FromBlock: filter.FromBlock,
		ToBlock:   filter.ToBlock,
		Addresses: []common.Address{a.contract},
		Topics:    topics,
	}

	logs, err := backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, failure.Classify(event, err)
	}
	return logs, nil
}

// Submit signs and broadcasts a state-changing call. The returned handle
// resolves once the transaction is mined or the confirm timeout passes.
func (a *Adapter) Submit(ctx context.Context, method string, args ...any) (PendingTx, error) {
	if a.key == nil {
		return nil, failure.New(failure.KindConnection, method, "no wallet configured", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()

	backend, err := a.ready(callCtx, method)
	if err != nil {
		return nil, err
	}

	payload, err := a.abi.Pack(method, args...)
	if err != nil {
		return nil, failure.New(failure.KindInvalidInput, method, "pack arguments", err)
	}

	chainID := big.NewInt(a.opts.ChainID)
	if a.opts.ChainID <= 0 {
		chainID, err = backend.ChainID(callCtx)
		if err != nil {
			return nil, failure.Classify(method, err)
		}
	}

	nonce, err := backend.PendingNonceAt(callCtx, a.signer)
	if err != nil {
		return nil, failure.Classify(method, err)
	}
	gasPrice, err := backend.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, failure.Classify(method, err)
	}
	// Gas estimation executes the call, so contract-level rejections surface here.
	gas, err := backend.EstimateGas(callCtx, ethereum.CallMsg{From: a.signer, To: &a.contract, Data: payload})
	if err != nil {
		return nil, failure.Classify(method, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &a.contract,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     payload,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		return nil, failure.New(failure.KindInvalidInput, method, "sign transaction", err)
	}

	if err := backend.SendTransaction(callCtx, signed); err != nil {
		return nil, failure.Classify(method, err)
	}

	a.logger.Info().Str("method", method).Str("tx", signed.Hash().Hex()).Uint64("nonce", nonce).Msg("transaction submitted")

	return &Pending{
		method:  method,
		hash:    signed.Hash(),
		backend: backend,
		timeout: a.opts.ConfirmTimeout,
		poll:    a.opts.PollInterval,
	}, nil
}

func (a *Adapter) ready(ctx context.Context, op string) (Backend, error) {
	if a.contract == (common.Address{}) {
		return nil, failure.New(failure.KindConnection, op, "contract address not configured", nil)
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, failure.Classify(op, err)
		}
	}
	return a.getBackend(ctx, op)
}

func (a *Adapter) getBackend(ctx context.Context, op string) (Backend, error) {
	a.backendMux.Lock()
	defer a.backendMux.Unlock()

	if a.backend != nil {
		return a.backend, nil
	}
	if a.opts.RPCURL == "" {
		return nil, failure.New(failure.KindConnection, op, "ethereum rpc url not configured", nil)
	}

	client, err := ethclient.DialContext(ctx, a.opts.RPCURL)
	if err != nil {
		return nil, failure.New(failure.KindConnection, op, "dial rpc", err)
	}
	a.backend = client
	return client, nil
}

// PendingTx is a submitted transaction awaiting confirmation.
type PendingTx interface {
	Hash() common.Hash
	Wait(ctx context.Context) (*types.Receipt, error)
}

// Pending polls for the receipt of a broadcast transaction.
type Pending struct {
	method  string
	hash    common.Hash
	backend Backend
	timeout time.Duration
	poll    time.Duration
}

// Hash returns the transaction hash.
func (p *Pending) Hash() common.Hash {
	return p.hash
}

// Wait blocks until the receipt is available, the transaction reverts, or the
// confirm timeout elapses.
func (p *Pending) Wait(ctx context.Context) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		receipt, err := p.backend.TransactionReceipt(ctx, p.hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, failure.New(failure.KindCallReverted, p.method, "transaction reverted "+p.hash.Hex(), nil)
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			if ctx.Err() != nil {
				return nil, p.stopped(ctx)
			}
			return nil, failure.Classify(p.method, err)
		}

		select {
		case <-ctx.Done():
			return nil, p.stopped(ctx)
		case <-ticker.C:
		}
	}
}

// stopped reports why waiting ended early. Only an elapsed deadline is a
// Timeout; a cancelled caller gets the context error back.
func (p *Pending) stopped(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.New(failure.KindTimeout, p.method, "awaiting confirmation of "+p.hash.Hex(), ctx.Err())
	}
	return fmt.Errorf("%s: stopped awaiting confirmation of %s: %w", p.method, p.hash.Hex(), ctx.Err())
}

var _ PendingTx = (*Pending)(nil)
var _ Backend = (*ethclient.Client)(nil)
