package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	chainbill "github.com/xraph/chainbill"
	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/plan"
	"github.com/xraph/chainbill/settlement"
	"github.com/xraph/chainbill/store/memory"
	"github.com/xraph/chainbill/subscription"
	"github.com/xraph/chainbill/types"
)

func testSubscription(t *testing.T, s *memory.Store) (*plan.Plan, *subscription.Subscription) {
	t.Helper()
	ctx := context.Background()

	p := &plan.Plan{
		Entity:         types.NewEntity(),
		ID:             id.NewPlanID(),
		MerchantID:     "bob",
		Name:           "Pro",
		PricePerPeriod: types.USDC(999_000),
		PeriodDuration: time.Hour,
		Status:         plan.StatusActive,
		Metadata:       map[string]string{"tier": "pro"},
	}
	if err := s.CreatePlan(ctx, p); err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}

	sub := &subscription.Subscription{
		Entity:        types.NewEntity(),
		ID:            id.NewSubscriptionID(),
		PlanID:        p.ID,
		SubscriberID:  "alice",
		Status:        subscription.StatusActive,
		StartedAt:     time.Now().UTC(),
		LastChargedAt: time.Now().UTC(),
		TotalCharged:  types.Zero("usdc"),
	}
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	return p, sub
}

// Records returned by the store are copies: mutating them must never leak
// back, and a caller's copy must never change under a later store write.
func TestRecordIsolation(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	p, sub := testSubscription(t, s)

	// Scribbling on a returned record does not corrupt the store.
	got, err := s.GetPlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	got.Status = plan.StatusInactive
	got.Metadata["tier"] = "scribbled"

	fresh, err := s.GetPlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if !fresh.Active() {
		t.Error("stored plan mutated through a returned record")
	}
	if fresh.Metadata["tier"] != "pro" {
		t.Error("stored plan metadata mutated through a returned record")
	}

	// A store write does not change a copy handed out earlier.
	before, err := s.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	charged := before.LastChargedAt
	if err := s.RecordCharge(ctx, sub.ID, types.USDC(999_000), time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("RecordCharge failed: %v", err)
	}
	if !before.TotalCharged.IsZero() || !before.LastChargedAt.Equal(charged) {
		t.Error("earlier copy changed under a store write")
	}

	after, err := s.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if !after.TotalCharged.Equal(types.USDC(999_000)) {
		t.Errorf("total charged: got %v, want 0.999000 USDC", after.TotalCharged)
	}

	// Mutating the input after a create does not reach the store.
	sub.Status = subscription.StatusCanceled
	stored, err := s.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if !stored.Active() {
		t.Error("stored subscription mutated through the caller's input record")
	}
}

// Concurrent readers and charge writers on the same subscription. Run with
// the race detector: every record crossing the boundary is a private copy.
func TestConcurrentChargeAndRead(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	p, sub := testSubscription(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := s.RecordCharge(ctx, sub.ID, types.USDC(1), time.Now().UTC()); err != nil {
					t.Errorf("RecordCharge failed: %v", err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				got, err := s.GetSubscription(ctx, sub.ID)
				if err != nil {
					t.Errorf("GetSubscription failed: %v", err)
					return
				}
				got.Due(time.Now().UTC(), p.PeriodDuration)
				if _, err := s.ListActiveSubscriptions(ctx, subscription.ListOpts{}); err != nil {
					t.Errorf("ListActiveSubscriptions failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := s.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if !got.TotalCharged.Equal(types.USDC(200)) {
		t.Errorf("total charged: got %v, want 0.000200 USDC", got.TotalCharged)
	}
}

func TestUpdateSettlementFinalized(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	rec := &settlement.Record{
		Entity:            types.NewEntity(),
		ID:                id.NewSettlementID(),
		ChannelID:         id.NewChannelID(),
		FinalPayerBalance: types.USDC(1_000_000),
		FinalPayeeBalance: types.USDC(4_000_000),
		ClosingNonce:      7,
		ReconciledAmount:  types.Zero("usdc"),
		PendingCredit:     types.Zero("usdc"),
		Status:            settlement.StatusPending,
	}
	if err := s.CreateSettlement(ctx, rec); err != nil {
		t.Fatalf("CreateSettlement failed: %v", err)
	}

	now := time.Now().UTC()
	rec.Status = settlement.StatusConfirmed
	rec.ConfirmedAt = &now
	if err := s.UpdateSettlement(ctx, rec); err != nil {
		t.Fatalf("UpdateSettlement failed: %v", err)
	}

	// A confirmed settlement is immutable; a stale writer gets the
	// sentinel, not silent acceptance.
	stale := *rec
	stale.Status = settlement.StatusPending
	if err := s.UpdateSettlement(ctx, &stale); !errors.Is(err, chainbill.ErrSettlementFinalized) {
		t.Errorf("got %v, want ErrSettlementFinalized", err)
	}
}
