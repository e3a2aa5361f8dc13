package chainbill

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/chainbill/channel"
	"github.com/xraph/chainbill/credit"
	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/intent"
	"github.com/xraph/chainbill/settlement"
	"github.com/xraph/chainbill/subscription"
	"github.com/xraph/chainbill/types"
)

// ────────────────────────── Charge reconciliation ──────────────────────────

// drainWorker settles pending charge intents on a short cadence. The drain
// is decoupled from the billing scan so slow on-chain confirmations never
// stall intent emission.
func (b *Billing) drainWorker(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.drainIntents(ctx)
		}
	}
}

func (b *Billing) drainIntents(ctx context.Context) {
	pending, err := b.store.ListIntentsByStatus(ctx, intent.StatusPending, intent.ListOpts{})
	if err != nil {
		b.logger.Warn("drain: list pending intents failed", "error", err)
		return
	}

	for _, ci := range pending {
		b.settleIntent(ctx, ci)
	}
}

// settleIntent collects one charge intent, preferring the off-chain channel
// path and falling back to an on-chain contract call.
func (b *Billing) settleIntent(ctx context.Context, ci *intent.ChargeIntent) {
	sub, err := b.store.GetSubscription(ctx, ci.SubscriptionID)
	if err != nil {
		if IsNotFound(err) {
			b.failIntent(ctx, ci, ErrSubscriptionNotFound)
		} else {
			b.logger.Warn("drain: load subscription failed",
				"intent_id", ci.ID.String(),
				"error", err,
			)
		}
		return
	}
	if !sub.Active() {
		// The subscription ended while the intent was in flight. Never
		// collect on behalf of a canceled subscription.
		b.failIntent(ctx, ci, ErrAlreadyCanceled)
		return
	}

	if b.settleOffchain(ctx, ci, sub) {
		return
	}
	b.settleOnchain(ctx, ci)
}

// settleOffchain moves the intent amount through the bound payment channel
// using an engine-countersigned payment at the next nonce. Returns false
// when the channel path is unavailable; the caller falls back on-chain.
func (b *Billing) settleOffchain(ctx context.Context, ci *intent.ChargeIntent, sub *subscription.Subscription) bool {
	if b.signer == nil || sub.ChannelID.IsNil() {
		return false
	}

	ch, err := b.channels.Get(ctx, sub.ChannelID)
	if err != nil {
		b.logger.Warn("drain: load channel failed",
			"channel_id", sub.ChannelID.String(),
			"error", err,
		)
		return false
	}
	if !ch.Open() || ch.Asset != ci.Amount.Asset || ci.Amount.GreaterThan(ch.PayerBalance) {
		return false
	}

	msg := channel.NewPaymentMessage(ch.ID, ci.Amount, ch.Nonce+1)
	sig, err := b.signer.Sign(ctx, msg, ch.Payer)
	if err != nil {
		b.logger.Warn("drain: countersign failed",
			"channel_id", ch.ID.String(),
			"error", err,
		)
		return false
	}

	updated, err := b.channels.ApplyPayment(ctx, ch.ID, ci.Amount, ch.Nonce+1, sig)
	if err != nil {
		// A concurrent inbound payment may have taken the nonce; the
		// next drain recomputes against the fresh channel state.
		if !errors.Is(err, ErrStaleNonce) {
			b.logger.Warn("drain: channel payment rejected",
				"channel_id", ch.ID.String(),
				"error", err,
			)
		}
		return false
	}

	b.plugins.EmitPaymentApplied(ctx, updated, ci.Amount.Amount, updated.Nonce)
	b.markApplied(ctx, ci, intent.StatusAppliedOffchain, "")
	return true
}

// settleOnchain submits the charge to the subscription contract and waits
// for confirmation, bounded by confirmTimeout. A wait that expires leaves
// the intent in the unknown state with its tx ref retained; the verify
// worker resolves it from an authoritative chain read. The ledger is never
// written on a timeout.
func (b *Billing) settleOnchain(ctx context.Context, ci *intent.ChargeIntent) {
	if b.chain == nil {
		b.retryIntent(ctx, ci, errors.New("chainbill: no chain client configured"))
		return
	}

	txRef, err := b.chain.Charge(ctx, ci.SubscriptionID, ci.Amount)
	if err != nil {
		b.retryIntent(ctx, ci, err)
		return
	}
	ci.TxRef = txRef

	cctx, cancel := context.WithTimeout(ctx, b.confirmTimeout)
	defer cancel()

	err = b.chain.Confirm(cctx, txRef)
	switch {
	case err == nil:
		b.markApplied(ctx, ci, intent.StatusAppliedOnchain, txRef)
	case errors.Is(err, context.DeadlineExceeded) || IsIndeterminate(err):
		ci.Status = intent.StatusUnknown
		ci.LastError = ErrConfirmTimeout.Error()
		ci.Touch()
		if uerr := b.store.UpdateIntent(ctx, ci); uerr != nil {
			b.logger.Error("drain: persist unknown intent failed",
				"intent_id", ci.ID.String(),
				"error", uerr,
			)
			return
		}
		b.logger.Warn("drain: confirmation not observed, outcome unknown",
			"intent_id", ci.ID.String(),
			"tx_ref", txRef,
		)
	default:
		b.retryIntent(ctx, ci, err)
	}
}

// markApplied finalizes a collected intent and posts the charge to the
// subscription ledger in the same step.
func (b *Billing) markApplied(ctx context.Context, ci *intent.ChargeIntent, status intent.Status, txRef string) {
	now := b.now().UTC()
	ci.Status = status
	if txRef != "" {
		ci.TxRef = txRef
	}
	ci.AppliedAt = &now
	ci.LastError = ""
	ci.Touch()

	if err := b.store.UpdateIntent(ctx, ci); err != nil {
		b.logger.Error("reconcile: persist applied intent failed",
			"intent_id", ci.ID.String(),
			"error", err,
		)
		return
	}
	if err := b.store.RecordCharge(ctx, ci.SubscriptionID, ci.Amount, now); err != nil {
		b.logger.Error("reconcile: ledger write failed after applied charge",
			"intent_id", ci.ID.String(),
			"subscription_id", ci.SubscriptionID.String(),
			"error", err,
		)
	}

	path := "offchain"
	if status == intent.StatusAppliedOnchain {
		path = "onchain"
	}
	b.plugins.EmitChargeApplied(ctx, ci, path)

	b.logger.Info("charge applied",
		"intent_id", ci.ID.String(),
		"amount", ci.Amount.String(),
		"path", path,
	)
}

// retryIntent records a failed collection attempt. The intent returns to
// pending until the retry budget is exhausted, then fails loudly through
// the OnChargeFailed hook.
func (b *Billing) retryIntent(ctx context.Context, ci *intent.ChargeIntent, cause error) {
	ci.Attempts++
	ci.LastError = cause.Error()

	if ci.Attempts >= b.maxAttempts {
		b.failIntent(ctx, ci, cause)
		return
	}

	ci.Status = intent.StatusPending
	ci.Touch()
	if err := b.store.UpdateIntent(ctx, ci); err != nil {
		b.logger.Error("reconcile: persist retry failed",
			"intent_id", ci.ID.String(),
			"error", err,
		)
		return
	}

	b.logger.Warn("charge attempt failed",
		"intent_id", ci.ID.String(),
		"attempts", ci.Attempts,
		"error", cause,
	)
}

func (b *Billing) failIntent(ctx context.Context, ci *intent.ChargeIntent, cause error) {
	ci.Status = intent.StatusFailed
	ci.LastError = cause.Error()
	ci.Touch()
	if err := b.store.UpdateIntent(ctx, ci); err != nil {
		b.logger.Error("reconcile: persist failed intent failed",
			"intent_id", ci.ID.String(),
			"error", err,
		)
		return
	}

	b.plugins.EmitChargeFailed(ctx, ci, cause)
	b.logger.Error("charge failed",
		"intent_id", ci.ID.String(),
		"subscription_id", ci.SubscriptionID.String(),
		"error", cause,
	)
}

// ────────────────────────── Unknown-state resolution ──────────────────────────

// verifyWorker resolves charges and settlements whose on-chain outcome was
// not observed in time. Resolution always goes through TxStatus, the
// authoritative chain read; elapsed wall time is never treated as evidence
// of failure.
func (b *Billing) verifyWorker(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.verifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.verifyUnknown(ctx)
		}
	}
}

func (b *Billing) verifyUnknown(ctx context.Context) {
	if b.chain == nil {
		return
	}

	unknown, err := b.store.ListIntentsByStatus(ctx, intent.StatusUnknown, intent.ListOpts{})
	if err != nil {
		b.logger.Warn("verify: list unknown intents failed", "error", err)
	}
	for _, ci := range unknown {
		st, terr := b.chain.TxStatus(ctx, ci.TxRef)
		if terr != nil {
			continue
		}
		switch st {
		case TxConfirmed:
			b.markApplied(ctx, ci, intent.StatusAppliedOnchain, ci.TxRef)
		case TxFailed:
			b.retryIntent(ctx, ci, ErrChainRejected)
		case TxPending:
			// Still in flight; check again next cycle.
		}
	}

	recs, err := b.store.ListSettlementsByStatus(ctx, settlement.StatusUnknown, settlement.ListOpts{})
	if err != nil {
		b.logger.Warn("verify: list unknown settlements failed", "error", err)
	}
	for _, rec := range recs {
		b.resolveSettlement(ctx, rec)
	}

	// Pending records are normally confirmed inline by SettleChannel; any
	// left behind had their submission or update interrupted.
	stale, err := b.store.ListSettlementsByStatus(ctx, settlement.StatusPending, settlement.ListOpts{})
	if err != nil {
		b.logger.Warn("verify: list pending settlements failed", "error", err)
	}
	for _, rec := range stale {
		if rec.TxRef == "" {
			b.submitSettlement(ctx, rec)
		} else {
			b.resolveSettlement(ctx, rec)
		}
	}
}

func (b *Billing) resolveSettlement(ctx context.Context, rec *settlement.Record) {
	// The record may have been resolved by another path since it was
	// listed; work from fresh state.
	if fresh, err := b.store.GetSettlement(ctx, rec.ID); err == nil {
		rec = fresh
	}
	if rec.Confirmed() {
		return
	}

	st, err := b.chain.TxStatus(ctx, rec.TxRef)
	if err != nil {
		return
	}
	switch st {
	case TxConfirmed:
		b.confirmSettlement(ctx, rec)
	case TxFailed:
		b.logger.Warn("verify: settlement transaction failed, resubmitting",
			"settlement_id", rec.ID.String(),
			"tx_ref", rec.TxRef,
		)
		b.submitSettlement(ctx, rec)
	case TxPending:
	}
}

// ────────────────────────── Channel close settlement ──────────────────────────

// SettleChannel closes a payment channel and reconciles its final balances
// against the billing ledger. The payee delta not yet matched to recorded
// charges is drained into whole pending intents; an integral remainder
// becomes a carried-forward credit for the subscriber rather than being
// charged or discarded. The resulting settlement record is then submitted
// on-chain.
func (b *Billing) SettleChannel(ctx context.Context, chanID id.ChannelID) (*settlement.Record, error) {
	ch, err := b.channels.Close(ctx, chanID)
	if err != nil {
		return nil, err
	}
	b.plugins.EmitChannelClosed(ctx, ch)

	rec := &settlement.Record{
		Entity:            types.NewEntity(),
		ID:                id.NewSettlementID(),
		ChannelID:         ch.ID,
		FinalPayerBalance: ch.PayerBalance,
		FinalPayeeBalance: ch.PayeeBalance,
		ClosingNonce:      ch.Nonce,
		ReconciledAmount:  types.Zero(ch.Asset),
		PendingCredit:     types.Zero(ch.Asset),
		Status:            settlement.StatusPending,
	}

	bound, err := b.boundSubscriptions(ctx, ch)
	if err != nil {
		return nil, err
	}

	delta, err := b.unreconciledDelta(ctx, ch, bound)
	if err != nil {
		return nil, err
	}

	delta = b.drainPendingIntents(ctx, rec, bound, delta)

	if delta.IsPositive() {
		rec.PendingCredit = delta
		b.issueCredit(ctx, rec, ch, bound, delta)
	}

	if err := b.store.CreateSettlement(ctx, rec); err != nil {
		return nil, err
	}
	b.plugins.EmitSettlementRecorded(ctx, rec)
	b.logger.Info("settlement recorded",
		"settlement_id", rec.ID.String(),
		"channel_id", ch.ID.String(),
		"reconciled", rec.ReconciledAmount.String(),
		"pending_credit", rec.PendingCredit.String(),
	)

	if b.chain != nil {
		b.submitSettlement(ctx, rec)
	}
	return rec, nil
}

// boundSubscriptions returns the payer's subscriptions attached to this
// channel, canceled ones included.
func (b *Billing) boundSubscriptions(ctx context.Context, ch *channel.Channel) ([]*subscription.Subscription, error) {
	subs, err := b.store.ListSubscriptions(ctx, ch.Payer, subscription.ListOpts{})
	if err != nil {
		return nil, err
	}
	bound := subs[:0]
	for _, s := range subs {
		if s.ChannelID.String() == ch.ID.String() {
			bound = append(bound, s)
		}
	}
	return bound, nil
}

// unreconciledDelta is the payee balance the channel carries beyond what
// the ledger has already recognized through off-chain charges.
func (b *Billing) unreconciledDelta(ctx context.Context, ch *channel.Channel, bound []*subscription.Subscription) (types.Money, error) {
	delta := ch.PayeeBalance
	for _, s := range bound {
		applied, err := b.store.ListIntentsBySubscription(ctx, s.ID, intent.ListOpts{})
		if err != nil {
			return types.Money{}, err
		}
		for _, ci := range applied {
			if ci.Status == intent.StatusAppliedOffchain {
				delta = delta.Subtract(ci.Amount)
			}
		}
	}
	if delta.IsNegative() {
		// More recognized than the channel carries; nothing to drain.
		b.logger.Warn("settlement: recorded charges exceed channel balance",
			"channel_id", ch.ID.String(),
			"delta", delta.String(),
		)
		return types.Zero(ch.Asset), nil
	}
	return delta, nil
}

// drainPendingIntents matches the delta against whole pending intents for
// the channel's live subscriptions. Intents are never partially applied.
func (b *Billing) drainPendingIntents(ctx context.Context, rec *settlement.Record, bound []*subscription.Subscription, delta types.Money) types.Money {
	for _, s := range bound {
		if !s.Active() || delta.IsZero() {
			continue
		}
		pending, err := b.store.ListIntentsBySubscription(ctx, s.ID, intent.ListOpts{})
		if err != nil {
			b.logger.Warn("settlement: list intents failed",
				"subscription_id", s.ID.String(),
				"error", err,
			)
			continue
		}
		for _, ci := range pending {
			if ci.Status != intent.StatusPending || ci.Amount.GreaterThan(delta) {
				continue
			}
			b.markApplied(ctx, ci, intent.StatusAppliedOffchain, "")
			rec.ReconciledIntents = append(rec.ReconciledIntents, ci.ID)
			rec.ReconciledAmount = rec.ReconciledAmount.Add(ci.Amount)
			delta = delta.Subtract(ci.Amount)
		}
	}
	return delta
}

// issueCredit carries the integral remainder forward for the subscriber.
// With no live subscription left to net against, the remainder stays on
// the settlement record alone.
func (b *Billing) issueCredit(ctx context.Context, rec *settlement.Record, ch *channel.Channel, bound []*subscription.Subscription, delta types.Money) {
	var target *subscription.Subscription
	for _, s := range bound {
		if s.Active() {
			target = s
			break
		}
	}
	if target == nil {
		return
	}

	cr := &credit.Credit{
		Entity:         types.NewEntity(),
		ID:             id.NewCreditID(),
		SubscriberID:   ch.Payer,
		SubscriptionID: target.ID,
		SettlementID:   rec.ID,
		Amount:         delta,
	}
	if err := b.store.CreateCredit(ctx, cr); err != nil {
		b.logger.Error("settlement: persist credit failed",
			"settlement_id", rec.ID.String(),
			"error", err,
		)
		return
	}
	b.plugins.EmitCreditIssued(ctx, cr)
}

// submitSettlement submits the closing balances on-chain and waits for
// confirmation bounded by confirmTimeout, with the same unknown-state
// handling as charges.
func (b *Billing) submitSettlement(ctx context.Context, rec *settlement.Record) {
	txRef, err := b.chain.SettleChannel(ctx, rec.ChannelID, rec.FinalPayerBalance, rec.FinalPayeeBalance, rec.ClosingNonce)
	if err != nil {
		b.logger.Warn("settlement: on-chain submission failed",
			"settlement_id", rec.ID.String(),
			"error", err,
		)
		return
	}
	rec.TxRef = txRef
	rec.Touch()
	if uerr := b.store.UpdateSettlement(ctx, rec); uerr != nil {
		b.logger.Error("settlement: persist tx ref failed",
			"settlement_id", rec.ID.String(),
			"error", uerr,
		)
	}

	cctx, cancel := context.WithTimeout(ctx, b.confirmTimeout)
	defer cancel()

	err = b.chain.Confirm(cctx, txRef)
	switch {
	case err == nil:
		b.confirmSettlement(ctx, rec)
	case errors.Is(err, context.DeadlineExceeded) || IsIndeterminate(err):
		rec.Status = settlement.StatusUnknown
		rec.Touch()
		if uerr := b.store.UpdateSettlement(ctx, rec); uerr != nil {
			b.logger.Error("settlement: persist unknown state failed",
				"settlement_id", rec.ID.String(),
				"error", uerr,
			)
			return
		}
		b.logger.Warn("settlement: confirmation not observed, outcome unknown",
			"settlement_id", rec.ID.String(),
			"tx_ref", txRef,
		)
	default:
		b.logger.Warn("settlement: confirmation failed",
			"settlement_id", rec.ID.String(),
			"tx_ref", txRef,
			"error", err,
		)
	}
}

func (b *Billing) confirmSettlement(ctx context.Context, rec *settlement.Record) {
	now := b.now().UTC()
	rec.Status = settlement.StatusConfirmed
	rec.ConfirmedAt = &now
	rec.Touch()
	if err := b.store.UpdateSettlement(ctx, rec); err != nil {
		if errors.Is(err, ErrSettlementFinalized) {
			// Another path confirmed it first; nothing left to do.
			return
		}
		b.logger.Error("settlement: persist confirmation failed",
			"settlement_id", rec.ID.String(),
			"error", err,
		)
		return
	}

	b.plugins.EmitSettlementConfirmed(ctx, rec, now.Sub(rec.CreatedAt))
	b.logger.Info("settlement confirmed",
		"settlement_id", rec.ID.String(),
		"tx_ref", rec.TxRef,
	)
}

// ────────────────────────── Cross-chain payouts ──────────────────────────

// PayoutQuote previews a cross-chain merchant payout. The returned figure
// is an estimate and is never written to the ledger.
func (b *Billing) PayoutQuote(ctx context.Context, sourceChain string, amount types.Money, destChain, destAsset string) (BridgeQuote, error) {
	if b.bridge == nil {
		return BridgeQuote{}, ErrNoBridge
	}
	return b.bridge.Quote(ctx, sourceChain, amount, destChain, destAsset)
}

// SettledPayout returns the amount actually delivered by a completed
// bridge transfer for a confirmed settlement. Only this post-transfer
// figure is authoritative; quotes drift with fees and slippage.
func (b *Billing) SettledPayout(ctx context.Context, stlID id.SettlementID, transferRef string) (types.Money, error) {
	if b.bridge == nil {
		return types.Money{}, ErrNoBridge
	}

	rec, err := b.store.GetSettlement(ctx, stlID)
	if err != nil {
		return types.Money{}, err
	}
	if !rec.Confirmed() {
		return types.Money{}, ErrSettlementUnconfirmed
	}

	return b.bridge.SettledAmount(ctx, transferRef)
}
