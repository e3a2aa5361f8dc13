package channel_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/xraph/chainbill/channel"
	"github.com/xraph/chainbill/store"
	"github.com/xraph/chainbill/store/memory"
	"github.com/xraph/chainbill/types"
)

func newTestEngine(t *testing.T) (*channel.Engine, *channel.HMACKeyring) {
	t.Helper()

	keyring := channel.NewHMACKeyring(map[string][]byte{
		"alice": []byte("alice-secret"),
		"bob":   []byte("bob-secret"),
	})
	engine := channel.NewEngine(store.ChannelStore(memory.New()), keyring)
	return engine, keyring
}

func signPayment(t *testing.T, keyring *channel.HMACKeyring, ch *channel.Channel, amount types.Money, nonce uint64) []byte {
	t.Helper()

	sig, err := keyring.Sign(context.Background(), channel.NewPaymentMessage(ch.ID, amount, nonce), ch.Payer)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return sig
}

func TestOpenChannel(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	ch, err := engine.Open(ctx, "alice", "merchant", types.USDC(10_000_000))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if ch.ID.IsNil() {
		t.Error("expected non-nil channel ID")
	}
	if !ch.Open() {
		t.Errorf("expected open status, got %q", ch.Status)
	}
	if !ch.PayerBalance.Equal(types.USDC(10_000_000)) {
		t.Errorf("payer balance: got %v, want full deposit", ch.PayerBalance)
	}
	if !ch.PayeeBalance.IsZero() {
		t.Errorf("payee balance: got %v, want zero", ch.PayeeBalance)
	}
	if ch.Nonce != 0 {
		t.Errorf("nonce: got %d, want 0", ch.Nonce)
	}
}

func TestOpenRejectsNonPositiveDeposit(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Open(ctx, "alice", "merchant", types.USDC(0)); !errors.Is(err, channel.ErrInvalidDeposit) {
		t.Errorf("zero deposit: got %v, want ErrInvalidDeposit", err)
	}
	if _, err := engine.Open(ctx, "alice", "merchant", types.USDC(-100)); !errors.Is(err, channel.ErrInvalidDeposit) {
		t.Errorf("negative deposit: got %v, want ErrInvalidDeposit", err)
	}
}

func TestOpenRejectsDuplicateTuple(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Open(ctx, "alice", "merchant", types.USDC(1_000_000)); err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	if _, err := engine.Open(ctx, "alice", "merchant", types.USDC(2_000_000)); !errors.Is(err, channel.ErrAlreadyOpen) {
		t.Errorf("duplicate tuple: got %v, want ErrAlreadyOpen", err)
	}

	// A different asset is a different tuple.
	if _, err := engine.Open(ctx, "alice", "merchant", types.USDT(1_000_000)); err != nil {
		t.Errorf("different asset should open: %v", err)
	}
	// And swapped direction is a different tuple.
	if _, err := engine.Open(ctx, "merchant", "alice", types.USDC(1_000_000)); err != nil {
		t.Errorf("reverse direction should open: %v", err)
	}
}

func TestApplyPayment(t *testing.T) {
	engine, keyring := newTestEngine(t)
	ctx := context.Background()

	ch, err := engine.Open(ctx, "alice", "merchant", types.USDC(10_000_000))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	amount := types.USDC(999_000)
	sig := signPayment(t, keyring, ch, amount, 1)

	updated, err := engine.ApplyPayment(ctx, ch.ID, amount, 1, sig)
	if err != nil {
		t.Fatalf("ApplyPayment failed: %v", err)
	}

	if !updated.PayerBalance.Equal(types.USDC(9_001_000)) {
		t.Errorf("payer balance: got %v, want 9.001000 USDC", updated.PayerBalance)
	}
	if !updated.PayeeBalance.Equal(types.USDC(999_000)) {
		t.Errorf("payee balance: got %v, want 0.999000 USDC", updated.PayeeBalance)
	}
	if updated.Nonce != 1 {
		t.Errorf("nonce: got %d, want 1", updated.Nonce)
	}

	// Balance conservation: payer + payee always equals the deposit.
	total := updated.PayerBalance.Add(updated.PayeeBalance)
	if !total.Equal(updated.TotalDeposit) {
		t.Errorf("conservation violated: %v + %v != %v", updated.PayerBalance, updated.PayeeBalance, updated.TotalDeposit)
	}
}

func TestApplyPaymentSequence(t *testing.T) {
	engine, keyring := newTestEngine(t)
	ctx := context.Background()

	ch, err := engine.Open(ctx, "alice", "merchant", types.USDC(5_000_000))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	amount := types.USDC(1_000_000)
	for nonce := uint64(1); nonce <= 4; nonce++ {
		sig := signPayment(t, keyring, ch, amount, nonce)
		if _, err := engine.ApplyPayment(ctx, ch.ID, amount, nonce, sig); err != nil {
			t.Fatalf("ApplyPayment nonce %d failed: %v", nonce, err)
		}
	}

	payer, payee, err := engine.Balances(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Balances failed: %v", err)
	}
	if !payer.Equal(types.USDC(1_000_000)) {
		t.Errorf("payer balance: got %v, want 1.000000 USDC", payer)
	}
	if !payee.Equal(types.USDC(4_000_000)) {
		t.Errorf("payee balance: got %v, want 4.000000 USDC", payee)
	}
}

func TestApplyPaymentRejections(t *testing.T) {
	engine, keyring := newTestEngine(t)
	ctx := context.Background()

	ch, err := engine.Open(ctx, "alice", "merchant", types.USDC(1_000_000))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Advance the channel to nonce 1 first.
	amount := types.USDC(100_000)
	sig := signPayment(t, keyring, ch, amount, 1)
	if _, err := engine.ApplyPayment(ctx, ch.ID, amount, 1, sig); err != nil {
		t.Fatalf("setup payment failed: %v", err)
	}

	tests := []struct {
		name   string
		amount types.Money
		nonce  uint64
		sig    func() []byte
		want   error
	}{
		{
			"non-positive amount",
			types.USDC(0), 2,
			func() []byte { return signPayment(t, keyring, ch, types.USDC(0), 2) },
			channel.ErrInvalidAmount,
		},
		{
			"stale nonce equal",
			amount, 1,
			func() []byte { return signPayment(t, keyring, ch, amount, 1) },
			channel.ErrStaleNonce,
		},
		{
			"stale nonce below",
			amount, 0,
			func() []byte { return signPayment(t, keyring, ch, amount, 0) },
			channel.ErrStaleNonce,
		},
		{
			"asset mismatch",
			types.USDT(100_000), 2,
			func() []byte { return signPayment(t, keyring, ch, types.USDT(100_000), 2) },
			channel.ErrAssetMismatch,
		},
		{
			"insufficient balance",
			types.USDC(5_000_000), 2,
			func() []byte { return signPayment(t, keyring, ch, types.USDC(5_000_000), 2) },
			channel.ErrInsufficientBalance,
		},
		{
			"invalid signature",
			amount, 2,
			func() []byte { return []byte("not a real signature") },
			channel.ErrInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := engine.ApplyPayment(ctx, ch.ID, tt.amount, tt.nonce, tt.sig()); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	// No rejection may have mutated the channel.
	payer, payee, err := engine.Balances(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Balances failed: %v", err)
	}
	if !payer.Equal(types.USDC(900_000)) || !payee.Equal(types.USDC(100_000)) {
		t.Errorf("balances mutated by rejection: payer %v, payee %v", payer, payee)
	}
	got, err := engine.Get(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Nonce != 1 {
		t.Errorf("nonce mutated by rejection: got %d, want 1", got.Nonce)
	}
}

func TestApplyPaymentExactBalance(t *testing.T) {
	engine, keyring := newTestEngine(t)
	ctx := context.Background()

	ch, err := engine.Open(ctx, "alice", "merchant", types.USDC(1_000_000))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Paying the entire remaining balance is allowed.
	amount := types.USDC(1_000_000)
	sig := signPayment(t, keyring, ch, amount, 1)
	updated, err := engine.ApplyPayment(ctx, ch.ID, amount, 1, sig)
	if err != nil {
		t.Fatalf("ApplyPayment failed: %v", err)
	}
	if !updated.PayerBalance.IsZero() {
		t.Errorf("payer balance: got %v, want zero", updated.PayerBalance)
	}

	// But the next payment has nothing left to spend.
	sig = signPayment(t, keyring, ch, types.USDC(1), 2)
	if _, err := engine.ApplyPayment(ctx, ch.ID, types.USDC(1), 2, sig); !errors.Is(err, channel.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
}

func TestCloseChannel(t *testing.T) {
	engine, keyring := newTestEngine(t)
	ctx := context.Background()

	ch, err := engine.Open(ctx, "alice", "merchant", types.USDC(2_000_000))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	amount := types.USDC(500_000)
	sig := signPayment(t, keyring, ch, amount, 1)
	if _, err := engine.ApplyPayment(ctx, ch.ID, amount, 1, sig); err != nil {
		t.Fatalf("ApplyPayment failed: %v", err)
	}

	closed, err := engine.Close(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if closed.Open() {
		t.Error("expected closed status")
	}
	if closed.ClosedAt == nil {
		t.Error("expected ClosedAt to be set")
	}
	if !closed.PayeeBalance.Equal(types.USDC(500_000)) {
		t.Errorf("final payee balance: got %v, want 0.500000 USDC", closed.PayeeBalance)
	}

	// Closed is terminal: no further payments, no second close.
	sig = signPayment(t, keyring, ch, amount, 2)
	if _, err := engine.ApplyPayment(ctx, ch.ID, amount, 2, sig); !errors.Is(err, channel.ErrNotOpen) {
		t.Errorf("payment on closed channel: got %v, want ErrNotOpen", err)
	}
	if _, err := engine.Close(ctx, ch.ID); !errors.Is(err, channel.ErrNotOpen) {
		t.Errorf("second close: got %v, want ErrNotOpen", err)
	}

	// The tuple is free for a new channel after close.
	if _, err := engine.Open(ctx, "alice", "merchant", types.USDC(1_000_000)); err != nil {
		t.Errorf("reopen after close failed: %v", err)
	}
}

func TestParallelChannels(t *testing.T) {
	engine, keyring := newTestEngine(t)
	ctx := context.Background()

	const channels = 8
	const payments = 20

	chs := make([]*channel.Channel, channels)
	for i := range chs {
		payee := "merchant-" + string(rune('a'+i))
		ch, err := engine.Open(ctx, "alice", payee, types.USDC(payments*1000))
		if err != nil {
			t.Fatalf("Open %d failed: %v", i, err)
		}
		chs[i] = ch
	}

	var wg sync.WaitGroup
	errCh := make(chan error, channels)
	for _, ch := range chs {
		wg.Add(1)
		go func(ch *channel.Channel) {
			defer wg.Done()
			for nonce := uint64(1); nonce <= payments; nonce++ {
				amount := types.USDC(1000)
				sig, err := keyring.Sign(ctx, channel.NewPaymentMessage(ch.ID, amount, nonce), ch.Payer)
				if err != nil {
					errCh <- err
					return
				}
				if _, err := engine.ApplyPayment(ctx, ch.ID, amount, nonce, sig); err != nil {
					errCh <- err
					return
				}
			}
		}(ch)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("parallel payment failed: %v", err)
	}

	for _, ch := range chs {
		got, err := engine.Get(ctx, ch.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Nonce != payments {
			t.Errorf("channel %s: nonce got %d, want %d", ch.ID.String(), got.Nonce, payments)
		}
		if !got.PayeeBalance.Equal(types.USDC(payments * 1000)) {
			t.Errorf("channel %s: payee balance got %v", ch.ID.String(), got.PayeeBalance)
		}
		total := got.PayerBalance.Add(got.PayeeBalance)
		if !total.Equal(got.TotalDeposit) {
			t.Errorf("channel %s: conservation violated", ch.ID.String())
		}
	}
}

func TestPaymentMessageRoundTrip(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	ch, err := engine.Open(ctx, "alice", "merchant", types.USDC(1_000_000))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	msg := channel.NewPaymentMessage(ch.ID, types.USDC(42), 7)
	data, err := msg.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes failed: %v", err)
	}

	decoded, err := channel.DecodePaymentMessage(data)
	if err != nil {
		t.Fatalf("DecodePaymentMessage failed: %v", err)
	}
	if decoded.ChannelID != msg.ChannelID {
		t.Errorf("channel id mismatch: %q != %q", decoded.ChannelID, msg.ChannelID)
	}
	if decoded.Amount != 42 || decoded.Asset != "usdc" || decoded.Nonce != 7 {
		t.Errorf("decoded fields mismatch: %+v", decoded)
	}

	// The encoding is deterministic: same message, same bytes.
	again, err := msg.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes failed: %v", err)
	}
	if string(data) != string(again) {
		t.Error("signing bytes not deterministic")
	}
}
