package chainbill_test

import (
	"context"
	"log"
	"log/slog"
	"testing"
	"time"

	chainbill "github.com/xraph/chainbill"
	"github.com/xraph/chainbill/channel"
	"github.com/xraph/chainbill/plan"
	"github.com/xraph/chainbill/store/memory"
	"github.com/xraph/chainbill/types"
)

// TestDocumentationExamples verifies that all examples in the documentation compile
func TestDocumentationExamples(t *testing.T) {
	// Test Quick Start example from README
	t.Run("QuickStartExample", func(t *testing.T) {
		// Create store (memory for demo, use PostgreSQL in production)
		store := memory.New()

		// Keys for countersigning channel payments. In production both
		// sides hold real wallet keys behind the Signer/Verifier
		// interfaces.
		keyring := channel.NewHMACKeyring(map[string][]byte{
			"alice": []byte("alice-demo-key"),
		})

		// Initialize the billing engine
		b := chainbill.New(store,
			chainbill.WithLogger(slog.Default()),
			chainbill.WithKeyring(keyring, keyring),
			chainbill.WithTickInterval(30*time.Second),
		)

		// Start the workers
		ctx := context.Background()
		if err := b.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer b.Stop()

		// Create a plan
		p := &plan.Plan{
			MerchantID:     "merchant_bob",
			Name:           "Pro Plan",
			PricePerPeriod: types.USDC(999_000), // 0.999 USDC per period
			PeriodDuration: 30 * 24 * time.Hour,
		}

		if err := b.CreatePlan(ctx, p); err != nil {
			t.Fatal(err)
		}

		// Subscribe
		sub, err := b.Subscribe(ctx, p.ID, "alice")
		if err != nil {
			t.Fatal(err)
		}

		// Open a payment channel and bind it so recurring charges
		// settle off-chain
		ch, err := b.OpenChannel(ctx, "alice", "merchant_bob", types.USDC(12_000_000))
		if err != nil {
			t.Fatal(err)
		}
		if err := b.AttachChannel(ctx, sub.ID, ch.ID); err != nil {
			t.Fatal(err)
		}

		// Merchant-initiated charge, collected through the channel
		ci, err := b.Charge(ctx, sub.ID, types.USDC(999_000), "merchant_bob")
		if err != nil {
			t.Fatal(err)
		}

		log.Printf("Charge collected: %s (%s)\n", ci.Amount.String(), ci.Status)

		// Close the channel and reconcile its balances against the ledger
		rec, err := b.SettleChannel(ctx, ch.ID)
		if err != nil {
			t.Fatal(err)
		}

		log.Printf("Settlement recorded: %s reconciled\n", rec.ReconciledAmount.String())
	})

	// Test Money type examples
	t.Run("MoneyExamples", func(t *testing.T) {
		// Constructors
		_ = types.USDC(999_000)  // 0.999 USDC
		_ = types.SOL(1_000_000) // 0.001 SOL
		_ = types.Zero("usdc")   // 0 USDC

		// Arithmetic
		m1 := types.USDC(100_000)
		m2 := types.USDC(200_000)
		_ = m1.Add(m2)     // 0.300000 USDC
		_ = m1.Multiply(3) // 0.300000 USDC
		_ = m1.Divide(2)   // 0.050000 USDC

		// Comparison
		if m1.LessThan(m2) {
			// m1 is less than m2
		}

		// Formatting
		_ = m1.String()      // "0.100000 USDC"
		_ = m1.FormatMajor() // "0.100000"
	})
}
