package chainbill

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/chainbill/credit"
	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/intent"
	"github.com/xraph/chainbill/subscription"
	"github.com/xraph/chainbill/types"
)

// billingTickWorker runs the recurring charge scan on a fixed tick. A
// single coarse-grained tick bounds resource usage regardless of
// subscription count; precision loss is bounded by the tick interval.
func (b *Billing) billingTickWorker(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.runBillingScan(ctx)
		}
	}
}

// runBillingScan emits one pending ChargeIntent for every active
// subscription whose period has elapsed. Scanning is idempotent: a
// subscription with an outstanding pending intent is skipped, so
// re-running within one tick produces no duplicates. Scan order is
// ascending subscription id — deterministic and reproducible.
func (b *Billing) runBillingScan(ctx context.Context) {
	now := b.now().UTC()

	subs, err := b.store.ListActiveSubscriptions(ctx, subscription.ListOpts{})
	if err != nil {
		// Transient: the next tick retries the whole scan.
		b.logger.Warn("billing scan: list subscriptions failed", "error", err)
		return
	}

	scheduled := 0
	for _, sub := range subs {
		if err := b.scheduleCharge(ctx, sub, now); err != nil {
			b.logger.Warn("billing scan: schedule failed",
				"subscription_id", sub.ID.String(),
				"error", err,
			)
		} else {
			scheduled++
		}
	}

	b.logger.Debug("billing scan complete",
		"scanned", len(subs),
		"scheduled", scheduled,
	)
}

// scheduleCharge emits a ChargeIntent for one subscription if it is due.
// Outstanding credits are netted against the period price first; value
// already received through a channel close is never collected twice.
func (b *Billing) scheduleCharge(ctx context.Context, sub *subscription.Subscription, now time.Time) error {
	if !sub.Active() {
		return nil
	}

	p, err := b.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return err
	}
	if !sub.Due(now, p.PeriodDuration) {
		return nil
	}

	// At most one pending intent per subscription.
	if _, err := b.store.GetPendingIntent(ctx, sub.ID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNoPendingIntent) {
		return err
	}

	credits, err := b.store.ListOutstandingCredits(ctx, sub.ID)
	if err != nil {
		return err
	}
	applicable, remaining := netCredits(credits, p.PricePerPeriod)

	// The remainder intent is created before any credit is consumed or the
	// charge clock advances. A failed create leaves the period untouched,
	// so the next tick retries it in full; nothing is dropped.
	if remaining.IsPositive() {
		ci := &intent.ChargeIntent{
			Entity:         types.NewEntity(),
			ID:             id.NewChargeIntentID(),
			SubscriptionID: sub.ID,
			PlanID:         p.ID,
			Amount:         remaining,
			DueAt:          now,
			Status:         intent.StatusPending,
		}
		if err := b.store.CreateIntent(ctx, ci); err != nil {
			return err
		}
		b.plugins.EmitIntentScheduled(ctx, ci)
	}

	// The consumed portion is recognized as charged immediately; it is
	// value the payee already holds. RecordCharge advances the charge
	// clock; when credits cover the whole period, that is what marks the
	// period paid.
	for _, cr := range applicable {
		if err := b.store.ConsumeCredit(ctx, cr.ID, now); err != nil {
			return err
		}
		if err := b.store.RecordCharge(ctx, sub.ID, cr.Amount, now); err != nil {
			return err
		}
		b.logger.Debug("credit applied",
			"subscription_id", sub.ID.String(),
			"credit_id", cr.ID.String(),
			"amount", cr.Amount.String(),
		)
	}

	return nil
}

// netCredits selects the carried-forward credits that fit whole inside the
// period price and returns them with the amount still to collect. A credit
// larger than the remainder stays outstanding rather than being split.
func netCredits(credits []*credit.Credit, price types.Money) ([]*credit.Credit, types.Money) {
	var applicable []*credit.Credit
	remaining := price
	for _, cr := range credits {
		if remaining.IsZero() {
			break
		}
		if cr.Amount.Asset != price.Asset || cr.Amount.GreaterThan(remaining) {
			continue
		}
		applicable = append(applicable, cr)
		remaining = remaining.Subtract(cr.Amount)
	}
	return applicable, remaining
}

// Charge runs a manual merchant-initiated charge outside the scheduler.
// The amount is capped at the plan's price per period, mirroring the
// on-chain contract. The charge settles immediately through the same
// off-chain-first path the reconciler uses.
func (b *Billing) Charge(ctx context.Context, subID id.SubscriptionID, amount types.Money, merchantID string) (*intent.ChargeIntent, error) {
	sub, err := b.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if !sub.Active() {
		return nil, ErrSubscriptionNotFound
	}

	p, err := b.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	if p.MerchantID != merchantID {
		return nil, ErrNotMerchant
	}
	if !p.Allows(amount) {
		return nil, ErrExceedsPlanPrice
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidInput
	}

	ci := &intent.ChargeIntent{
		Entity:         types.NewEntity(),
		ID:             id.NewChargeIntentID(),
		SubscriptionID: sub.ID,
		PlanID:         p.ID,
		Amount:         amount,
		DueAt:          b.now().UTC(),
		Status:         intent.StatusPending,
	}

	if err := b.store.CreateIntent(ctx, ci); err != nil {
		return nil, err
	}

	b.settleIntent(ctx, ci)
	return ci, nil
}
