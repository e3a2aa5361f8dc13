package chainbill

import (
	"context"
	"errors"
	"sync"

	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/types"
)

// ServeTransport consumes signed payment envelopes from a transport and
// applies them through the channel engine. Envelopes for the same channel
// are handled by a single goroutine in arrival order, so a channel's nonce
// sequence is applied without interleaving; distinct channels proceed in
// parallel. Returns when the context is canceled, the engine stops, or the
// transport's inbound stream closes.
func (b *Billing) ServeTransport(ctx context.Context, t Transport) error {
	mailboxes := make(map[string]chan PaymentEnvelope)
	var wg sync.WaitGroup

	defer func() {
		for _, mb := range mailboxes {
			close(mb)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopChan:
			return nil
		case env, ok := <-t.Inbound():
			if !ok {
				return nil
			}

			key := env.Message.ChannelID
			mb, exists := mailboxes[key]
			if !exists {
				mb = make(chan PaymentEnvelope, transportMailboxSize)
				mailboxes[key] = mb
				wg.Add(1)
				go b.consumePayments(ctx, &wg, mb)
			}

			select {
			case mb <- env:
			case <-ctx.Done():
				return ctx.Err()
			case <-b.stopChan:
				return nil
			}
		}
	}
}

// transportMailboxSize bounds per-channel buffering before the dispatcher
// blocks on a slow consumer.
const transportMailboxSize = 64

// consumePayments applies one channel's envelopes sequentially. Transports
// may redeliver: a stale nonce means the payment was already applied and is
// dropped without effect. Other rejections are logged and skipped, leaving
// the channel state untouched.
func (b *Billing) consumePayments(ctx context.Context, wg *sync.WaitGroup, mb <-chan PaymentEnvelope) {
	defer wg.Done()

	for env := range mb {
		msg := env.Message

		chanID, err := id.ParseChannelID(msg.ChannelID)
		if err != nil {
			b.logger.Warn("transport: malformed channel id",
				"channel_id", msg.ChannelID,
				"error", err,
			)
			continue
		}

		amount := types.Money{Amount: msg.Amount, Asset: msg.Asset}

		_, err = b.ApplyPayment(ctx, chanID, amount, msg.Nonce, env.Signature)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrStaleNonce) {
			b.logger.Debug("transport: duplicate payment dropped",
				"channel_id", msg.ChannelID,
				"nonce", msg.Nonce,
			)
			continue
		}
		b.logger.Warn("transport: payment rejected",
			"channel_id", msg.ChannelID,
			"nonce", msg.Nonce,
			"error", err,
		)
	}
}
