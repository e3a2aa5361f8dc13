// Package chainbill provides a recurring-subscription billing engine with
// state-channel micropayment settlement for Go applications.
//
// Chainbill is designed as a library, not a service. Import it directly into
// your Go application. It provides:
//
//   - Recurring billing plans priced in on-chain assets
//   - Off-chain payment channels with signed, nonce-ordered balance updates
//   - A billing scheduler that emits idempotent charge intents
//   - Off-chain-first charge settlement with bounded on-chain fallback
//   - Channel-close reconciliation with carried-forward credits
//   - Pluggable chain and bridge providers
//   - Extensible plugin hooks for metrics, audit and exports
//
// # Quick Start
//
// Create a billing instance with your preferred store:
//
//	import (
//	    "github.com/xraph/chainbill"
//	    "github.com/xraph/chainbill/store/memory"
//	)
//
//	// Initialize store
//	store := memory.New()
//
//	// Create the billing engine
//	b := chainbill.New(store,
//	    chainbill.WithKeyring(keyring, keyring),
//	    chainbill.WithChainClient(chain),
//	)
//
//	// Start the engine (begins background workers)
//	if err := b.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Stop()
//
// # Core Concepts
//
// Plans define a recurring price per period in a single asset:
//
//	p := &plan.Plan{
//	    MerchantID:     "merchant_acme",
//	    Name:           "Pro",
//	    PricePerPeriod: chainbill.USDC(5_000_000), // 5 USDC
//	    PeriodDuration: 30 * 24 * time.Hour,
//	}
//	err := b.CreatePlan(ctx, p)
//
// Subscriptions connect subscribers to plans:
//
//	sub, err := b.Subscribe(ctx, p.ID, "alice")
//
// Channels carry off-chain value between subscriber and merchant. Once a
// channel is attached, period charges settle off-chain first:
//
//	ch, err := b.OpenChannel(ctx, "alice", "merchant_acme", chainbill.USDC(50_000_000))
//	err = b.AttachChannel(ctx, sub.ID, ch.ID)
//
// Closing a channel reconciles its final balances against the billing
// ledger and submits the settlement on-chain:
//
//	rec, err := b.SettleChannel(ctx, ch.ID)
//
// # Accounting
//
// All monetary calculations use integer arithmetic in the asset's smallest
// unit (micro-units for usdc/usdt/eurc, satoshi for wbtc, lamports for
// sol). Channel updates preserve the deposit: payer balance plus payee
// balance always equals the total deposit, and every update carries a
// strictly increasing nonce signed by the payer.
//
// On-chain outcomes are three-valued. A confirmation wait that expires
// leaves the operation in an unknown state, resolved later from an
// authoritative chain read; elapsed time is never treated as failure and
// the ledger is written only on confirmation.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	plan_01h2xcejqtf2nbrexx3vqjhp41  // Plan ID
//	sub_01h2xcejqtf2nbrexx3vqjhp41   // Subscription ID
//	chan_01h455vb4pex5vsknk084sn02q  // Channel ID
//
// TypeIDs are K-sortable, making them ideal for database indexes and
// providing natural time-ordering of entities.
package chainbill
