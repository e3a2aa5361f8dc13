package chainbill_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	chainbill "github.com/xraph/chainbill"
	"github.com/xraph/chainbill/channel"
	"github.com/xraph/chainbill/credit"
	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/intent"
	"github.com/xraph/chainbill/plan"
	"github.com/xraph/chainbill/settlement"
	"github.com/xraph/chainbill/store"
	"github.com/xraph/chainbill/store/memory"
	"github.com/xraph/chainbill/types"
)

// ────────────────────────── Test fixtures ──────────────────────────

// fakeChain is a scriptable ChainClient. Behavior is adjusted per test via
// the setters; every method is safe for concurrent use by the workers.
type fakeChain struct {
	mu         sync.Mutex
	chargeErr  error
	confirmErr error
	status     chainbill.TxStatus
	statusErr  error
	charges    int
	settles    int
}

func newFakeChain() *fakeChain {
	return &fakeChain{status: chainbill.TxConfirmed}
}

func (f *fakeChain) Charge(_ context.Context, _ id.SubscriptionID, _ types.Money) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chargeErr != nil {
		return "", f.chargeErr
	}
	f.charges++
	return fmt.Sprintf("tx-charge-%d", f.charges), nil
}

func (f *fakeChain) SettleChannel(_ context.Context, _ id.ChannelID, _, _ types.Money, _ uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settles++
	return fmt.Sprintf("tx-settle-%d", f.settles), nil
}

func (f *fakeChain) Confirm(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmErr
}

func (f *fakeChain) TxStatus(_ context.Context, _ string) (chainbill.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeChain) setConfirmErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmErr = err
}

func (f *fakeChain) setChargeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chargeErr = err
}

func (f *fakeChain) setStatus(st chainbill.TxStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
}

// fakeBridge quotes a fixed fee and reports a fixed settled amount.
type fakeBridge struct {
	settled types.Money
}

func (f *fakeBridge) Quote(_ context.Context, sourceChain string, amount types.Money, destChain, destAsset string) (chainbill.BridgeQuote, error) {
	return chainbill.BridgeQuote{
		SourceChain:   sourceChain,
		SourceAsset:   amount.Asset,
		Amount:        amount,
		DestChain:     destChain,
		DestAsset:     destAsset,
		EstimatedOut:  types.Money{Amount: amount.Amount - 1000, Asset: destAsset},
		EstimatedTime: time.Minute,
	}, nil
}

func (f *fakeBridge) SettledAmount(_ context.Context, _ string) (types.Money, error) {
	return f.settled, nil
}

func testKeyring() *channel.HMACKeyring {
	return channel.NewHMACKeyring(map[string][]byte{
		"alice": []byte("alice-secret"),
		"bob":   []byte("bob-secret"),
	})
}

// newTestBilling builds an engine over the in-memory store with worker
// intervals tightened for tests. The engine is not started; tests that
// exercise workers call Start themselves.
func newTestBilling(t *testing.T, opts ...chainbill.Option) *chainbill.Billing {
	t.Helper()

	keyring := testKeyring()
	base := []chainbill.Option{
		chainbill.WithKeyring(keyring, keyring),
		chainbill.WithTickInterval(10 * time.Millisecond),
		chainbill.WithDrainInterval(10 * time.Millisecond),
		chainbill.WithVerifyInterval(10 * time.Millisecond),
		chainbill.WithConfirmTimeout(time.Second),
	}
	return chainbill.New(memory.New(), append(base, opts...)...)
}

func testPlan(t *testing.T, b *chainbill.Billing, price types.Money, period time.Duration) *plan.Plan {
	t.Helper()

	p := &plan.Plan{
		MerchantID:     "bob",
		Name:           "Pro",
		PricePerPeriod: price,
		PeriodDuration: period,
	}
	if err := b.CreatePlan(context.Background(), p); err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	return p
}

func signedPayment(t *testing.T, ch *channel.Channel, amount types.Money, nonce uint64) []byte {
	t.Helper()

	sig, err := testKeyring().Sign(context.Background(), channel.NewPaymentMessage(ch.ID, amount, nonce), ch.Payer)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return sig
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for " + msg)
}

// ────────────────────────── Plan management ──────────────────────────

func TestCreatePlanValidation(t *testing.T) {
	b := newTestBilling(t)
	ctx := context.Background()

	tests := []struct {
		name string
		p    *plan.Plan
	}{
		{"missing merchant", &plan.Plan{Name: "x", PricePerPeriod: types.USDC(1), PeriodDuration: time.Hour}},
		{"missing name", &plan.Plan{MerchantID: "bob", PricePerPeriod: types.USDC(1), PeriodDuration: time.Hour}},
		{"zero price", &plan.Plan{MerchantID: "bob", Name: "x", PricePerPeriod: types.USDC(0), PeriodDuration: time.Hour}},
		{"negative price", &plan.Plan{MerchantID: "bob", Name: "x", PricePerPeriod: types.USDC(-1), PeriodDuration: time.Hour}},
		{"zero period", &plan.Plan{MerchantID: "bob", Name: "x", PricePerPeriod: types.USDC(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := b.CreatePlan(ctx, tt.p); !errors.Is(err, chainbill.ErrInvalidInput) {
				t.Errorf("got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestPlanLifecycle(t *testing.T) {
	b := newTestBilling(t)
	ctx := context.Background()

	p := testPlan(t, b, types.USDC(999_000), 30*24*time.Hour)

	got, err := b.GetPlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if !got.Active() {
		t.Error("new plan should be active")
	}

	// Only the owning merchant may deactivate.
	if err := b.DeactivatePlan(ctx, p.ID, "mallory"); !errors.Is(err, chainbill.ErrNotMerchant) {
		t.Errorf("got %v, want ErrNotMerchant", err)
	}
	if err := b.DeactivatePlan(ctx, p.ID, "bob"); err != nil {
		t.Fatalf("DeactivatePlan failed: %v", err)
	}

	// Inactive plans reject new subscriptions but are never deleted.
	if _, err := b.Subscribe(ctx, p.ID, "alice"); !errors.Is(err, chainbill.ErrPlanInactive) {
		t.Errorf("got %v, want ErrPlanInactive", err)
	}
	got, err = b.GetPlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPlan after deactivate failed: %v", err)
	}
	if got.Active() {
		t.Error("plan should be inactive")
	}
}

// ────────────────────────── Subscription lifecycle ──────────────────────────

func TestSubscribeAndCancel(t *testing.T) {
	b := newTestBilling(t)
	ctx := context.Background()

	p := testPlan(t, b, types.USDC(999_000), 30*24*time.Hour)

	sub, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !sub.Active() {
		t.Error("new subscription should be active")
	}
	if !sub.TotalCharged.IsZero() {
		t.Errorf("total charged: got %v, want zero", sub.TotalCharged)
	}

	got, err := b.GetPlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if got.TotalSubscribers != 1 {
		t.Errorf("subscriber count: got %d, want 1", got.TotalSubscribers)
	}

	// Only the owner may cancel.
	if err := b.CancelSubscription(ctx, sub.ID, "mallory"); !errors.Is(err, chainbill.ErrNotSubscriber) {
		t.Errorf("got %v, want ErrNotSubscriber", err)
	}
	if err := b.CancelSubscription(ctx, sub.ID, "alice"); err != nil {
		t.Fatalf("CancelSubscription failed: %v", err)
	}

	// Cancel is terminal; a second cancel must not decrement the counter again.
	if err := b.CancelSubscription(ctx, sub.ID, "alice"); !errors.Is(err, chainbill.ErrAlreadyCanceled) {
		t.Errorf("second cancel: got %v, want ErrAlreadyCanceled", err)
	}

	got, err = b.GetPlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if got.TotalSubscribers != 0 {
		t.Errorf("subscriber count after cancel: got %d, want 0", got.TotalSubscribers)
	}

	canceled, err := b.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if canceled.Active() || canceled.CanceledAt == nil {
		t.Error("subscription should be canceled with CanceledAt set")
	}
}

func TestAttachChannel(t *testing.T) {
	b := newTestBilling(t)
	ctx := context.Background()

	p := testPlan(t, b, types.USDC(999_000), 30*24*time.Hour)
	sub, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Channel payer must be the subscriber.
	other, err := b.OpenChannel(ctx, "bob", "merchant", types.USDC(1_000_000))
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	if err := b.AttachChannel(ctx, sub.ID, other.ID); !errors.Is(err, chainbill.ErrNotSubscriber) {
		t.Errorf("got %v, want ErrNotSubscriber", err)
	}

	// Channel asset must match the plan asset.
	wrongAsset, err := b.OpenChannel(ctx, "alice", "merchant", types.USDT(1_000_000))
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	if err := b.AttachChannel(ctx, sub.ID, wrongAsset.ID); !errors.Is(err, chainbill.ErrAssetMismatch) {
		t.Errorf("got %v, want ErrAssetMismatch", err)
	}

	ch, err := b.OpenChannel(ctx, "alice", "merchant", types.USDC(5_000_000))
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	if err := b.AttachChannel(ctx, sub.ID, ch.ID); err != nil {
		t.Fatalf("AttachChannel failed: %v", err)
	}

	got, err := b.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.ChannelID.String() != ch.ID.String() {
		t.Errorf("channel binding: got %q, want %q", got.ChannelID.String(), ch.ID.String())
	}

	// A closed channel cannot be attached.
	if _, err := b.Channels().Close(ctx, ch.ID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	sub2, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := b.AttachChannel(ctx, sub2.ID, ch.ID); !errors.Is(err, chainbill.ErrChannelNotOpen) {
		t.Errorf("got %v, want ErrChannelNotOpen", err)
	}
}

// ────────────────────────── Manual charges ──────────────────────────

func TestChargeOffchain(t *testing.T) {
	b := newTestBilling(t)
	ctx := context.Background()

	price := types.USDC(999_000)
	p := testPlan(t, b, price, 30*24*time.Hour)
	sub, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ch, err := b.OpenChannel(ctx, "alice", "merchant", types.USDC(5_000_000))
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	if err := b.AttachChannel(ctx, sub.ID, ch.ID); err != nil {
		t.Fatalf("AttachChannel failed: %v", err)
	}

	// Merchant and cap checks come first.
	if _, err := b.Charge(ctx, sub.ID, price, "mallory"); !errors.Is(err, chainbill.ErrNotMerchant) {
		t.Errorf("got %v, want ErrNotMerchant", err)
	}
	if _, err := b.Charge(ctx, sub.ID, types.USDC(1_000_001), "bob"); !errors.Is(err, chainbill.ErrExceedsPlanPrice) {
		t.Errorf("got %v, want ErrExceedsPlanPrice", err)
	}
	if _, err := b.Charge(ctx, sub.ID, types.USDC(0), "bob"); !errors.Is(err, chainbill.ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}

	ci, err := b.Charge(ctx, sub.ID, price, "bob")
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}

	got, err := b.Store().GetIntent(ctx, ci.ID)
	if err != nil {
		t.Fatalf("GetIntent failed: %v", err)
	}
	if got.Status != intent.StatusAppliedOffchain {
		t.Errorf("intent status: got %q, want applied_offchain", got.Status)
	}
	if got.AppliedAt == nil {
		t.Error("AppliedAt not set")
	}

	// The payment moved through the channel at nonce 1.
	chNow, err := b.Channels().Get(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Get channel failed: %v", err)
	}
	if chNow.Nonce != 1 {
		t.Errorf("nonce: got %d, want 1", chNow.Nonce)
	}
	if !chNow.PayeeBalance.Equal(price) {
		t.Errorf("payee balance: got %v, want %v", chNow.PayeeBalance, price)
	}

	// And the ledger recognized it.
	subNow, err := b.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if !subNow.TotalCharged.Equal(price) {
		t.Errorf("total charged: got %v, want %v", subNow.TotalCharged, price)
	}
}

func TestChargeOnchainFallback(t *testing.T) {
	chain := newFakeChain()
	b := newTestBilling(t, chainbill.WithChainClient(chain))
	ctx := context.Background()

	price := types.USDC(999_000)
	p := testPlan(t, b, price, 30*24*time.Hour)
	sub, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// No channel bound: the charge goes through the contract.
	ci, err := b.Charge(ctx, sub.ID, price, "bob")
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}

	got, err := b.Store().GetIntent(ctx, ci.ID)
	if err != nil {
		t.Fatalf("GetIntent failed: %v", err)
	}
	if got.Status != intent.StatusAppliedOnchain {
		t.Errorf("intent status: got %q, want applied_onchain", got.Status)
	}
	if got.TxRef == "" {
		t.Error("expected tx ref on on-chain intent")
	}

	subNow, err := b.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if !subNow.TotalCharged.Equal(price) {
		t.Errorf("total charged: got %v, want %v", subNow.TotalCharged, price)
	}
}

func TestChargeFailsAfterRetryBudget(t *testing.T) {
	chain := newFakeChain()
	chain.setChargeErr(errors.New("rpc unavailable"))
	b := newTestBilling(t, chainbill.WithChainClient(chain), chainbill.WithMaxAttempts(1))
	ctx := context.Background()

	price := types.USDC(999_000)
	p := testPlan(t, b, price, 30*24*time.Hour)
	sub, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ci, err := b.Charge(ctx, sub.ID, price, "bob")
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}

	got, err := b.Store().GetIntent(ctx, ci.ID)
	if err != nil {
		t.Fatalf("GetIntent failed: %v", err)
	}
	if got.Status != intent.StatusFailed {
		t.Errorf("intent status: got %q, want failed", got.Status)
	}
	if got.LastError == "" {
		t.Error("expected LastError on failed intent")
	}

	// Nothing was recognized on the ledger.
	subNow, err := b.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if !subNow.TotalCharged.IsZero() {
		t.Errorf("total charged: got %v, want zero", subNow.TotalCharged)
	}
}

func TestChargeUnknownResolvedByVerifier(t *testing.T) {
	chain := newFakeChain()
	chain.setConfirmErr(chainbill.ErrTxUnknown)
	b := newTestBilling(t, chainbill.WithChainClient(chain))
	ctx := context.Background()

	price := types.USDC(999_000)
	p := testPlan(t, b, price, 30*24*time.Hour)
	sub, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ci, err := b.Charge(ctx, sub.ID, price, "bob")
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}

	// Outcome not observed: the intent parks in unknown with its tx ref.
	got, err := b.Store().GetIntent(ctx, ci.ID)
	if err != nil {
		t.Fatalf("GetIntent failed: %v", err)
	}
	if got.Status != intent.StatusUnknown {
		t.Fatalf("intent status: got %q, want unknown", got.Status)
	}
	if got.TxRef == "" {
		t.Fatal("unknown intent must retain its tx ref")
	}

	// The ledger was not written on the indeterminate outcome.
	subNow, err := b.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if !subNow.TotalCharged.IsZero() {
		t.Errorf("total charged before resolution: got %v, want zero", subNow.TotalCharged)
	}

	// The chain later reports the transaction confirmed; the verify worker
	// resolves the intent from that authoritative read.
	chain.setStatus(chainbill.TxConfirmed)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	waitFor(t, func() bool {
		resolved, gerr := b.Store().GetIntent(ctx, ci.ID)
		return gerr == nil && resolved.Status == intent.StatusAppliedOnchain
	}, "unknown intent resolution")

	subNow, err = b.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if !subNow.TotalCharged.Equal(price) {
		t.Errorf("total charged after resolution: got %v, want %v", subNow.TotalCharged, price)
	}
}

// ────────────────────────── Scheduler ──────────────────────────

func TestSchedulerChargesDueSubscription(t *testing.T) {
	b := newTestBilling(t)
	ctx := context.Background()

	price := types.USDC(100_000)
	p := testPlan(t, b, price, 50*time.Millisecond)
	sub, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ch, err := b.OpenChannel(ctx, "alice", "merchant", types.USDC(10_000_000))
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	if err := b.AttachChannel(ctx, sub.ID, ch.ID); err != nil {
		t.Fatalf("AttachChannel failed: %v", err)
	}

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, func() bool {
		s, gerr := b.GetSubscription(ctx, sub.ID)
		return gerr == nil && !s.TotalCharged.LessThan(price)
	}, "scheduled charge to settle")

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// After the workers drain, the ledger and the channel agree: everything
	// recognized as charged moved through the channel.
	s, err := b.Store().GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	chNow, err := b.Store().GetChannel(ctx, ch.ID)
	if err != nil {
		t.Fatalf("GetChannel failed: %v", err)
	}
	if !s.TotalCharged.Equal(chNow.PayeeBalance) {
		t.Errorf("ledger/channel mismatch: charged %v, payee holds %v", s.TotalCharged, chNow.PayeeBalance)
	}
}

func TestSchedulerEmitsAtMostOnePendingIntent(t *testing.T) {
	// No chain client and no channel: intents cannot settle and stay
	// pending, so the scan's idempotence is directly observable.
	b := newTestBilling(t, chainbill.WithMaxAttempts(1_000_000))
	ctx := context.Background()

	p := testPlan(t, b, types.USDC(100_000), 20*time.Millisecond)
	sub, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	waitFor(t, func() bool {
		intents, gerr := b.Store().ListIntentsBySubscription(ctx, sub.ID, intent.ListOpts{})
		return gerr == nil && len(intents) == 1
	}, "first intent emission")

	// Let several more ticks pass; the outstanding pending intent must
	// suppress any duplicate emission.
	time.Sleep(150 * time.Millisecond)

	intents, err := b.Store().ListIntentsBySubscription(ctx, sub.ID, intent.ListOpts{})
	if err != nil {
		t.Fatalf("ListIntentsBySubscription failed: %v", err)
	}
	if len(intents) != 1 {
		t.Errorf("intent count: got %d, want 1", len(intents))
	}
}

func TestSchedulerNetsOutstandingCredit(t *testing.T) {
	b := newTestBilling(t)
	ctx := context.Background()

	price := types.USDC(100_000)
	p := testPlan(t, b, price, 30*time.Millisecond)
	sub, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// A carried-forward credit covering the full period price.
	cr := &credit.Credit{
		Entity:         types.NewEntity(),
		ID:             id.NewCreditID(),
		SubscriberID:   "alice",
		SubscriptionID: sub.ID,
		SettlementID:   id.NewSettlementID(),
		Amount:         price,
	}
	if err := b.Store().CreateCredit(ctx, cr); err != nil {
		t.Fatalf("CreateCredit failed: %v", err)
	}

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The first due period is recognized entirely from the credit.
	waitFor(t, func() bool {
		s, gerr := b.GetSubscription(ctx, sub.ID)
		return gerr == nil && !s.TotalCharged.LessThan(price)
	}, "credit-netted charge")

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	got, err := b.Store().GetCredit(ctx, cr.ID)
	if err != nil {
		t.Fatalf("GetCredit failed: %v", err)
	}
	if got.Outstanding() {
		t.Error("credit should be consumed")
	}

	// With no chain client and no bound channel, nothing but the credit
	// could ever settle: exactly one period's worth was recognized.
	s, err := b.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if !s.TotalCharged.Equal(price) {
		t.Errorf("total charged: got %v, want %v", s.TotalCharged, price)
	}
}

// flakyIntentStore fails the first CreateIntent calls to stand in for a
// transient backend outage.
type flakyIntentStore struct {
	store.Store
	mu    sync.Mutex
	fails int
}

func (f *flakyIntentStore) CreateIntent(ctx context.Context, ci *intent.ChargeIntent) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("store temporarily unavailable")
	}
	f.mu.Unlock()
	return f.Store.CreateIntent(ctx, ci)
}

func TestSchedulerKeepsCreditOnIntentFailure(t *testing.T) {
	st := &flakyIntentStore{Store: memory.New(), fails: 1}
	keyring := testKeyring()
	b := chainbill.New(st,
		chainbill.WithKeyring(keyring, keyring),
		chainbill.WithTickInterval(10*time.Millisecond),
		chainbill.WithDrainInterval(10*time.Millisecond),
		chainbill.WithVerifyInterval(10*time.Millisecond),
		chainbill.WithMaxAttempts(1_000_000),
	)
	ctx := context.Background()

	price := types.USDC(100_000)
	partial := types.USDC(40_000)
	p := testPlan(t, b, price, 30*time.Millisecond)
	sub, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	cr := &credit.Credit{
		Entity:         types.NewEntity(),
		ID:             id.NewCreditID(),
		SubscriberID:   "alice",
		SubscriptionID: sub.ID,
		SettlementID:   id.NewSettlementID(),
		Amount:         partial,
	}
	if err := b.Store().CreateCredit(ctx, cr); err != nil {
		t.Fatalf("CreateCredit failed: %v", err)
	}

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The first due scan hits the outage. Since the remainder intent is
	// created before any credit is consumed, that scan must leave the
	// period untouched and the retry must collect it in full.
	waitFor(t, func() bool {
		is, gerr := b.Store().ListIntentsBySubscription(ctx, sub.ID, intent.ListOpts{})
		return gerr == nil && len(is) == 1
	}, "remainder intent after transient store failure")

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	is, err := b.Store().ListIntentsBySubscription(ctx, sub.ID, intent.ListOpts{})
	if err != nil {
		t.Fatalf("ListIntentsBySubscription failed: %v", err)
	}
	if len(is) != 1 {
		t.Fatalf("intent count: got %d, want 1", len(is))
	}
	if want := price.Subtract(partial); !is[0].Amount.Equal(want) {
		t.Errorf("intent amount: got %v, want %v", is[0].Amount, want)
	}

	got, err := b.Store().GetCredit(ctx, cr.ID)
	if err != nil {
		t.Fatalf("GetCredit failed: %v", err)
	}
	if got.Outstanding() {
		t.Error("credit should be consumed once the remainder intent exists")
	}

	s, err := b.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if !s.TotalCharged.Equal(partial) {
		t.Errorf("total charged: got %v, want %v", s.TotalCharged, partial)
	}
}

func TestSchedulerRespectsPeriodBoundary(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := base
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(to time.Time) {
		mu.Lock()
		now = to
		mu.Unlock()
	}

	b := newTestBilling(t, chainbill.WithClock(clock), chainbill.WithMaxAttempts(1_000_000))
	ctx := context.Background()

	period := time.Hour
	p := testPlan(t, b, types.USDC(100_000), period)
	sub, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	// One second shy of the boundary: scans keep passing, nothing is due.
	advance(base.Add(period - time.Second))
	time.Sleep(60 * time.Millisecond)

	is, err := b.Store().ListIntentsBySubscription(ctx, sub.ID, intent.ListOpts{})
	if err != nil {
		t.Fatalf("ListIntentsBySubscription failed: %v", err)
	}
	if len(is) != 0 {
		t.Fatalf("intents before boundary: got %d, want 0", len(is))
	}

	// One second past it: exactly one intent, and later scans add none.
	advance(base.Add(period + time.Second))
	waitFor(t, func() bool {
		is, gerr := b.Store().ListIntentsBySubscription(ctx, sub.ID, intent.ListOpts{})
		return gerr == nil && len(is) == 1
	}, "intent at period boundary")

	time.Sleep(60 * time.Millisecond)
	is, err = b.Store().ListIntentsBySubscription(ctx, sub.ID, intent.ListOpts{})
	if err != nil {
		t.Fatalf("ListIntentsBySubscription failed: %v", err)
	}
	if len(is) != 1 {
		t.Errorf("intents after boundary: got %d, want 1", len(is))
	}
	if !is[0].Amount.Equal(types.USDC(100_000)) {
		t.Errorf("intent amount: got %v, want %v", is[0].Amount, types.USDC(100_000))
	}
}

func TestCanceledSubscriptionIntentFails(t *testing.T) {
	b := newTestBilling(t)
	ctx := context.Background()

	price := types.USDC(100_000)
	p := testPlan(t, b, price, time.Hour)
	sub, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// An intent emitted while active, settled only after the cancel.
	ci := &intent.ChargeIntent{
		Entity:         types.NewEntity(),
		ID:             id.NewChargeIntentID(),
		SubscriptionID: sub.ID,
		PlanID:         p.ID,
		Amount:         price,
		DueAt:          time.Now().UTC(),
		Status:         intent.StatusPending,
	}
	if err := b.Store().CreateIntent(ctx, ci); err != nil {
		t.Fatalf("CreateIntent failed: %v", err)
	}
	if err := b.CancelSubscription(ctx, sub.ID, "alice"); err != nil {
		t.Fatalf("CancelSubscription failed: %v", err)
	}

	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	waitFor(t, func() bool {
		got, gerr := b.Store().GetIntent(ctx, ci.ID)
		return gerr == nil && got.Status == intent.StatusFailed
	}, "in-flight intent to fail after cancel")

	s, err := b.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if !s.TotalCharged.IsZero() {
		t.Errorf("canceled subscription was charged: %v", s.TotalCharged)
	}
}

// ────────────────────────── Channel settlement ──────────────────────────

func TestSettleChannel(t *testing.T) {
	chain := newFakeChain()
	b := newTestBilling(t, chainbill.WithChainClient(chain))
	ctx := context.Background()

	price := types.USDC(1_000_000)
	p := testPlan(t, b, price, time.Hour)
	sub, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ch, err := b.OpenChannel(ctx, "alice", "merchant", types.USDC(5_000_000))
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	if err := b.AttachChannel(ctx, sub.ID, ch.ID); err != nil {
		t.Fatalf("AttachChannel failed: %v", err)
	}

	// The payer streams 2.5 USDC through the channel without the ledger
	// recognizing any of it yet.
	paid := types.USDC(2_500_000)
	sig := signedPayment(t, ch, paid, 1)
	if _, err := b.ApplyPayment(ctx, ch.ID, paid, 1, sig); err != nil {
		t.Fatalf("ApplyPayment failed: %v", err)
	}

	// One whole period is owed.
	ci := &intent.ChargeIntent{
		Entity:         types.NewEntity(),
		ID:             id.NewChargeIntentID(),
		SubscriptionID: sub.ID,
		PlanID:         p.ID,
		Amount:         price,
		DueAt:          time.Now().UTC(),
		Status:         intent.StatusPending,
	}
	if err := b.Store().CreateIntent(ctx, ci); err != nil {
		t.Fatalf("CreateIntent failed: %v", err)
	}

	rec, err := b.SettleChannel(ctx, ch.ID)
	if err != nil {
		t.Fatalf("SettleChannel failed: %v", err)
	}

	// The owed period was drained from the channel delta; the remainder
	// became a carried-forward credit. Their sum is exactly the delta.
	if !rec.ReconciledAmount.Equal(price) {
		t.Errorf("reconciled: got %v, want %v", rec.ReconciledAmount, price)
	}
	wantCredit := paid.Subtract(price)
	if !rec.PendingCredit.Equal(wantCredit) {
		t.Errorf("pending credit: got %v, want %v", rec.PendingCredit, wantCredit)
	}
	if !rec.ReconciledAmount.Add(rec.PendingCredit).Equal(paid) {
		t.Error("reconciled + credit does not conserve the channel delta")
	}
	if len(rec.ReconciledIntents) != 1 || rec.ReconciledIntents[0].String() != ci.ID.String() {
		t.Errorf("reconciled intents: got %v", rec.ReconciledIntents)
	}
	if rec.ClosingNonce != 1 {
		t.Errorf("closing nonce: got %d, want 1", rec.ClosingNonce)
	}

	// The intent settled off-chain and the ledger recognized it.
	gotIntent, err := b.Store().GetIntent(ctx, ci.ID)
	if err != nil {
		t.Fatalf("GetIntent failed: %v", err)
	}
	if gotIntent.Status != intent.StatusAppliedOffchain {
		t.Errorf("intent status: got %q, want applied_offchain", gotIntent.Status)
	}
	s, err := b.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if !s.TotalCharged.Equal(price) {
		t.Errorf("total charged: got %v, want %v", s.TotalCharged, price)
	}

	// The credit exists and targets the live subscription.
	credits, err := b.Store().ListOutstandingCredits(ctx, sub.ID)
	if err != nil {
		t.Fatalf("ListOutstandingCredits failed: %v", err)
	}
	if len(credits) != 1 || !credits[0].Amount.Equal(wantCredit) {
		t.Errorf("credits: got %v", credits)
	}

	// The on-chain settlement confirmed inline.
	gotRec, err := b.Store().GetSettlementByChannel(ctx, ch.ID)
	if err != nil {
		t.Fatalf("GetSettlementByChannel failed: %v", err)
	}
	if !gotRec.Confirmed() {
		t.Errorf("settlement status: got %q, want confirmed", gotRec.Status)
	}
	if gotRec.TxRef == "" || gotRec.ConfirmedAt == nil {
		t.Error("confirmed settlement must carry tx ref and timestamp")
	}

	// The channel is closed and terminal.
	chNow, err := b.Channels().Get(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Get channel failed: %v", err)
	}
	if chNow.Open() {
		t.Error("channel should be closed after settlement")
	}
	if _, err := b.SettleChannel(ctx, ch.ID); !errors.Is(err, chainbill.ErrChannelNotOpen) {
		t.Errorf("second settle: got %v, want ErrChannelNotOpen", err)
	}
}

func TestSettleChannelUnknownThenConfirmed(t *testing.T) {
	chain := newFakeChain()
	chain.setConfirmErr(chainbill.ErrTxUnknown)
	b := newTestBilling(t, chainbill.WithChainClient(chain))
	ctx := context.Background()

	p := testPlan(t, b, types.USDC(1_000_000), time.Hour)
	sub, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ch, err := b.OpenChannel(ctx, "alice", "merchant", types.USDC(5_000_000))
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	if err := b.AttachChannel(ctx, sub.ID, ch.ID); err != nil {
		t.Fatalf("AttachChannel failed: %v", err)
	}

	rec, err := b.SettleChannel(ctx, ch.ID)
	if err != nil {
		t.Fatalf("SettleChannel failed: %v", err)
	}

	got, err := b.Store().GetSettlement(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetSettlement failed: %v", err)
	}
	if got.Status != settlement.StatusUnknown {
		t.Fatalf("settlement status: got %q, want unknown", got.Status)
	}

	chain.setStatus(chainbill.TxConfirmed)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	waitFor(t, func() bool {
		resolved, gerr := b.Store().GetSettlement(ctx, rec.ID)
		return gerr == nil && resolved.Confirmed()
	}, "unknown settlement resolution")
}

// ────────────────────────── Cross-chain payouts ──────────────────────────

func TestPayouts(t *testing.T) {
	ctx := context.Background()

	// Without a bridge, both payout surfaces reject.
	noBridge := newTestBilling(t)
	if _, err := noBridge.PayoutQuote(ctx, "base", types.USDC(1_000_000), "solana", "usdc"); !errors.Is(err, chainbill.ErrNoBridge) {
		t.Errorf("got %v, want ErrNoBridge", err)
	}
	if _, err := noBridge.SettledPayout(ctx, id.NewSettlementID(), "xfer-1"); !errors.Is(err, chainbill.ErrNoBridge) {
		t.Errorf("got %v, want ErrNoBridge", err)
	}

	chain := newFakeChain()
	bridge := &fakeBridge{settled: types.Money{Amount: 2_490_000, Asset: "usdc"}}
	b := newTestBilling(t, chainbill.WithChainClient(chain), chainbill.WithBridgeProvider(bridge))

	p := testPlan(t, b, types.USDC(1_000_000), time.Hour)
	sub, err := b.Subscribe(ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	ch, err := b.OpenChannel(ctx, "alice", "merchant", types.USDC(5_000_000))
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	if err := b.AttachChannel(ctx, sub.ID, ch.ID); err != nil {
		t.Fatalf("AttachChannel failed: %v", err)
	}

	quote, err := b.PayoutQuote(ctx, "base", types.USDC(2_500_000), "solana", "usdc")
	if err != nil {
		t.Fatalf("PayoutQuote failed: %v", err)
	}
	if quote.EstimatedOut.Amount <= 0 {
		t.Errorf("quote estimate: got %v", quote.EstimatedOut)
	}

	// A payout against an unconfirmed settlement is rejected.
	chain.setConfirmErr(chainbill.ErrTxUnknown)
	rec, err := b.SettleChannel(ctx, ch.ID)
	if err != nil {
		t.Fatalf("SettleChannel failed: %v", err)
	}
	if _, err := b.SettledPayout(ctx, rec.ID, "xfer-1"); !errors.Is(err, chainbill.ErrSettlementUnconfirmed) {
		t.Errorf("got %v, want ErrSettlementUnconfirmed", err)
	}

	// Once confirmed, only the bridge's settled output is returned.
	chain.setConfirmErr(nil)
	chain.setStatus(chainbill.TxConfirmed)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	waitFor(t, func() bool {
		resolved, gerr := b.Store().GetSettlement(ctx, rec.ID)
		return gerr == nil && resolved.Confirmed()
	}, "settlement confirmation")

	out, err := b.SettledPayout(ctx, rec.ID, "xfer-1")
	if err != nil {
		t.Fatalf("SettledPayout failed: %v", err)
	}
	if !out.Equal(bridge.settled) {
		t.Errorf("settled payout: got %v, want %v", out, bridge.settled)
	}
}

// ────────────────────────── Transport ──────────────────────────

type chanTransport struct {
	ch chan chainbill.PaymentEnvelope
}

func (t *chanTransport) Inbound() <-chan chainbill.PaymentEnvelope { return t.ch }

func TestServeTransport(t *testing.T) {
	b := newTestBilling(t)
	ctx := context.Background()

	ch, err := b.OpenChannel(ctx, "alice", "merchant", types.USDC(5_000_000))
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}

	amount := types.USDC(100_000)
	envelope := func(nonce uint64) chainbill.PaymentEnvelope {
		return chainbill.PaymentEnvelope{
			Message:   channel.NewPaymentMessage(ch.ID, amount, nonce),
			Signature: signedPayment(t, ch, amount, nonce),
		}
	}

	tr := &chanTransport{ch: make(chan chainbill.PaymentEnvelope, 8)}
	tr.ch <- envelope(1)
	tr.ch <- envelope(2)
	tr.ch <- envelope(1) // at-least-once redelivery, dropped as stale
	tr.ch <- envelope(3)
	close(tr.ch)

	if err := b.ServeTransport(ctx, tr); err != nil {
		t.Fatalf("ServeTransport failed: %v", err)
	}

	got, err := b.Channels().Get(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Get channel failed: %v", err)
	}
	if got.Nonce != 3 {
		t.Errorf("nonce: got %d, want 3", got.Nonce)
	}
	if !got.PayeeBalance.Equal(types.USDC(300_000)) {
		t.Errorf("payee balance: got %v, want 0.300000 USDC", got.PayeeBalance)
	}
}

// ────────────────────────── Option handling ──────────────────────────

func TestOptionOrderIndependent(t *testing.T) {
	// The keyring option must not freeze the logger the accounting engine
	// uses; the logger may arrive later in the option list.
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	keyring := testKeyring()
	b := chainbill.New(memory.New(),
		chainbill.WithKeyring(keyring, keyring),
		chainbill.WithLogger(logger),
	)

	if _, err := b.OpenChannel(context.Background(), "alice", "bob", types.USDC(1_000_000)); err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	if !strings.Contains(buf.String(), "channel opened") {
		t.Error("engine log did not reach the configured logger")
	}
}
