// Package dispatcher submits contract writes, waits for confirmation and
// refreshes the repositories a write affects.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"enerx-readmodel/internal/alerting"
	"enerx-readmodel/internal/chain"
	"enerx-readmodel/internal/failure"
	"enerx-readmodel/internal/storage"
)

// State is a step of the mutation state machine.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateConfirming State = "confirming"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Mutation is the record of one submitAndRefresh call.
type Mutation struct {
	ID            uuid.UUID         `json:"id"`
	Method        string            `json:"method"`
	Args          []string          `json:"args"`
	State         State             `json:"state"`
	Trail         []Transition      `json:"trail"`
	TxHash        common.Hash       `json:"txHash"`
	BlockNumber   uint64            `json:"blockNumber,omitempty"`
	Err           error             `json:"-"`
	ErrorMessage  string            `json:"error,omitempty"`
	Refreshed     []string          `json:"refreshed,omitempty"`
	RefreshErrors map[string]string `json:"refreshErrors,omitempty"`
	SubmittedAt   time.Time         `json:"submittedAt"`
	FinishedAt    time.Time         `json:"finishedAt"`
}

// Submitter broadcasts a contract write.
type Submitter interface {
	Submit(ctx context.Context, method string, args ...any) (chain.PendingTx, error)
}

// Refresher is a repository that can be invalidated and re-fetched.
type Refresher interface {
	Name() string
	Refresh(ctx context.Context) error
}

// Dispatcher serialises writes, one in flight at a time.
type Dispatcher struct {
	submitter Submitter
	logger    zerolog.Logger
	now       func() time.Time

	targets   map[string]Refresher
	notifier  alerting.Notifier
	store     storage.MutationStore
	checker   Checker
	onSuccess []func(*Mutation)

	mu sync.Mutex
}

// New constructs a Dispatcher over submitter.
func New(submitter Submitter, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		submitter: submitter,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		now:       time.Now,
		targets:   make(map[string]Refresher),
	}
}

// Register adds refresh targets under their Name.
func (d *Dispatcher) Register(targets ...Refresher) {
	for _, t := range targets {
		d.targets[t.Name()] = t
	}
}

// SetNotifier sends every finished mutation to n.
func (d *Dispatcher) SetNotifier(n alerting.Notifier) {
	d.notifier = n
}

// SetStore records every finished mutation in s.
func (d *Dispatcher) SetStore(s storage.MutationStore) {
	d.store = s
}

// OnSuccess registers fn to run after every succeeded mutation, once its
// targets were refreshed.
func (d *Dispatcher) OnSuccess(fn func(*Mutation)) {
	d.onSuccess = append(d.onSuccess, fn)
}

// SetChecker enables the pre-flight checks on purchaseEnergy and transferFrom.
func (d *Dispatcher) SetChecker(c Checker) {
	d.checker = c
}

// SubmitAndRefresh submits method, waits for the receipt and on success
// refreshes each affected target in order. On failure no target is touched
// and the typed error is returned together with the failed mutation.
func (d *Dispatcher) SubmitAndRefresh(ctx context.Context, method string, args []any, affected ...string) (*Mutation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := &Mutation{
		ID:          uuid.New(),
		Method:      method,
		Args:        formatArgs(args),
		State:       StateIdle,
		SubmittedAt: d.now().UTC(),
	}
	log := d.logger.With().Str("mutation", m.ID.String()).Str("method", method).Logger()

	d.transition(m, StateSubmitting, log)
	pending, err := d.submitter.Submit(ctx, method, args...)
	if err != nil {
		return d.fail(ctx, m, failure.Classify(method, err), log)
	}
	m.TxHash = pending.Hash()

	d.transition(m, StateConfirming, log)
	receipt, err := pending.Wait(ctx)
	if err != nil {
		return d.fail(ctx, m, failure.Classify(method, err), log)
	}
	if receipt != nil && receipt.BlockNumber != nil {
		m.BlockNumber = receipt.BlockNumber.Uint64()
	}

	for _, name := range affected {
		target, ok := d.targets[name]
		if !ok {
			d.recordRefreshError(m, name, fmt.Errorf("unknown refresh target %q", name))
			continue
		}
		if err := target.Refresh(ctx); err != nil {
			d.recordRefreshError(m, name, err)
			log.Warn().Err(err).Str("target", name).Msg("刷新失败")
			continue
		}
		m.Refreshed = append(m.Refreshed, name)
	}

	d.transition(m, StateSucceeded, log)
	for _, fn := range d.onSuccess {
		fn(m)
	}
	d.finish(ctx, m, log)
	return m, nil
}

func (d *Dispatcher) fail(ctx context.Context, m *Mutation, err error, log zerolog.Logger) (*Mutation, error) {
	m.Err = err
	m.ErrorMessage = failure.UserMessage(err)
	d.transition(m, StateFailed, log)
	log.Warn().Err(err).Str("kind", string(failure.KindOf(err))).Msg("mutation failed")
	d.finish(ctx, m, log)
	return m, err
}

func (d *Dispatcher) transition(m *Mutation, to State, log zerolog.Logger) {
	m.Trail = append(m.Trail, Transition{From: m.State, To: to, At: d.now().UTC()})
	log.Info().Str("from", string(m.State)).Str("to", string(to)).Msg("mutation state")
	m.State = to
}

func (d *Dispatcher) recordRefreshError(m *Mutation, name string, err error) {
	if m.RefreshErrors == nil {
		m.RefreshErrors = make(map[string]string)
	}
	m.RefreshErrors[name] = err.Error()
}

func (d *Dispatcher) finish(ctx context.Context, m *Mutation, log zerolog.Logger) {
	m.FinishedAt = d.now().UTC()

	// Audit and notification are side channels; their failures never change the outcome.
	sideCtx := context.WithoutCancel(ctx)
	if d.store != nil {
		if err := d.store.InsertMutation(sideCtx, m.Record()); err != nil {
			log.Warn().Err(err).Msg("记录变更失败")
		}
	}
	if d.notifier != nil {
		if err := d.notifier.Notify(sideCtx, m.Notification()); err != nil {
			log.Warn().Err(err).Msg("发送通知失败")
		}
	}
}

// Record converts m into its audit row.
func (m *Mutation) Record() storage.MutationRecord {
	rec := storage.MutationRecord{
		ID:          m.ID,
		Method:      m.Method,
		Args:        m.Args,
		State:       string(m.State),
		Refreshed:   m.Refreshed,
		SubmittedAt: m.SubmittedAt,
		FinishedAt:  m.FinishedAt,
	}
	if m.TxHash != (common.Hash{}) {
		hash := m.TxHash.Hex()
		rec.TxHash = &hash
	}
	if m.BlockNumber > 0 {
		block := int64(m.BlockNumber)
		rec.BlockNumber = &block
	}
	if m.ErrorMessage != "" {
		msg := m.ErrorMessage
		rec.Error = &msg
	}
	for _, name := range sortedKeys(m.RefreshErrors) {
		rec.RefreshErrors = append(rec.RefreshErrors, name+": "+m.RefreshErrors[name])
	}
	return rec
}

// Notification converts m into an outbound notification.
func (m *Mutation) Notification() alerting.Notification {
	note := alerting.Notification{
		MutationID: m.ID.String(),
		Method:     m.Method,
		State:      string(m.State),
		Error:      m.ErrorMessage,
		Refreshed:  m.Refreshed,
		At:         m.FinishedAt,
	}
	if m.TxHash != (common.Hash{}) {
		note.TxHash = m.TxHash.Hex()
	}
	if len(m.RefreshErrors) > 0 {
		note.AdditionalMsg = fmt.Sprintf("Refresh errors: %d\n", len(m.RefreshErrors))
	}
	return note
}
