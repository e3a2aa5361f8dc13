package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/types"
)

// Engine applies signed payment deltas to channels with optimistic
// off-chain debiting under monotonic nonce ordering.
//
// Each channel id owns one mutex: payments for a channel apply strictly
// serially and in increasing nonce order, while different channels are
// mutated fully in parallel. The lock covers only the local balance
// mutation — never an external confirmation wait.
type Engine struct {
	store    Store
	verifier Verifier
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates a channel accounting engine on top of a channel store.
func NewEngine(store Store, verifier Verifier, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		verifier: verifier,
		logger:   slog.Default(),
		locks:    make(map[string]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// lockFor returns the serialization mutex for a channel id, creating it on
// first use. Lock entries are retained for the process lifetime; closed
// channels reject all mutations so a stale entry is harmless.
func (e *Engine) lockFor(chanID id.ChannelID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := chanID.String()
	if l, ok := e.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.locks[key] = l
	return l
}

// Open creates a channel for a (payer, payee, asset) tuple with the full
// deposit on the payer side. Fails with ErrAlreadyOpen when an open channel
// for the tuple exists.
func (e *Engine) Open(ctx context.Context, payer, payee string, deposit types.Money) (*Channel, error) {
	if !deposit.IsPositive() {
		return nil, ErrInvalidDeposit
	}

	if existing, err := e.store.GetOpen(ctx, payer, payee, deposit.Asset); err == nil && existing != nil {
		return nil, ErrAlreadyOpen
	}

	ch := &Channel{
		Entity:       types.NewEntity(),
		ID:           id.NewChannelID(),
		Payer:        payer,
		Payee:        payee,
		Asset:        deposit.Asset,
		TotalDeposit: deposit,
		PayerBalance: deposit,
		PayeeBalance: types.Zero(deposit.Asset),
		Nonce:        0,
		Status:       StatusOpen,
	}

	if err := e.store.Create(ctx, ch); err != nil {
		return nil, err
	}

	e.logger.Info("channel opened",
		"channel_id", ch.ID.String(),
		"payer", payer,
		"payee", payee,
		"deposit", deposit.String(),
	)

	return ch, nil
}

// Get returns the current channel record.
func (e *Engine) Get(ctx context.Context, chanID id.ChannelID) (*Channel, error) {
	return e.store.Get(ctx, chanID)
}

// Balances returns a consistent balance snapshot taken under the
// per-channel lock.
func (e *Engine) Balances(ctx context.Context, chanID id.ChannelID) (payer, payee types.Money, err error) {
	lock := e.lockFor(chanID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := e.store.Get(ctx, chanID)
	if err != nil {
		return types.Money{}, types.Money{}, err
	}
	return ch.PayerBalance, ch.PayeeBalance, nil
}

// ApplyPayment applies one signed payment delta: debit payer, credit payee,
// advance the nonce. Rejections (stale nonce, insufficient balance, bad
// signature) never mutate the channel. Out-of-order nonces are rejected,
// not buffered — the submitter resubmits with a fresh nonce.
func (e *Engine) ApplyPayment(ctx context.Context, chanID id.ChannelID, amount types.Money, nonce uint64, signature []byte) (*Channel, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	lock := e.lockFor(chanID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := e.store.Get(ctx, chanID)
	if err != nil {
		return nil, err
	}

	if !ch.Open() {
		return nil, ErrNotOpen
	}
	if amount.Asset != ch.Asset {
		return nil, ErrAssetMismatch
	}
	if nonce <= ch.Nonce {
		return nil, ErrStaleNonce
	}
	if amount.GreaterThan(ch.PayerBalance) {
		return nil, ErrInsufficientBalance
	}

	msg := NewPaymentMessage(ch.ID, amount, nonce)
	if err := e.verifier.Verify(ctx, msg, signature, ch.Payer); err != nil {
		e.logger.Warn("payment signature rejected",
			"channel_id", ch.ID.String(),
			"nonce", nonce,
			"error", err,
		)
		return nil, ErrInvalidSignature
	}

	ch.PayerBalance = ch.PayerBalance.Subtract(amount)
	ch.PayeeBalance = ch.PayeeBalance.Add(amount)
	ch.Nonce = nonce
	ch.Touch()

	if err := e.store.Update(ctx, ch); err != nil {
		return nil, err
	}

	e.logger.Debug("payment applied",
		"channel_id", ch.ID.String(),
		"amount", amount.String(),
		"nonce", nonce,
	)

	return ch, nil
}

// Close transitions the channel to its terminal closed state and returns
// the final snapshot. Fails with ErrNotOpen when already closed.
func (e *Engine) Close(ctx context.Context, chanID id.ChannelID) (*Channel, error) {
	lock := e.lockFor(chanID)
	lock.Lock()
	defer lock.Unlock()

	ch, err := e.store.Get(ctx, chanID)
	if err != nil {
		return nil, err
	}

	if !ch.Open() {
		return nil, ErrNotOpen
	}

	now := time.Now().UTC()
	if err := e.store.Close(ctx, chanID, now); err != nil {
		return nil, err
	}

	ch.Status = StatusClosed
	ch.ClosedAt = &now
	ch.Touch()

	e.logger.Info("channel closed",
		"channel_id", ch.ID.String(),
		"nonce", ch.Nonce,
		"payer_balance", ch.PayerBalance.String(),
		"payee_balance", ch.PayeeBalance.String(),
	)

	return ch, nil
}
