package chainbill

import (
	"context"
	"time"

	"github.com/xraph/chainbill/channel"
	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/types"
)

// TxStatus is the authoritative on-chain state of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// ChainClient is the on-chain contract collaborator. The engine never
// interprets chain internals; it submits, waits bounded, and reads back.
//
// Charge submits a subscription charge to the deployed contract; the
// contract rejects amounts over the plan's per-period price. SettleChannel
// submits a cooperative channel close with the final balance split.
// Confirm blocks until the transaction is confirmed, the chain reports
// failure (ErrChainRejected), or ctx is done. TxStatus is the
// authoritative read used to resolve indeterminate outcomes — it must
// reflect chain state, not the client's submission bookkeeping.
type ChainClient interface {
	Charge(ctx context.Context, subID id.SubscriptionID, amount types.Money) (txRef string, err error)
	SettleChannel(ctx context.Context, chanID id.ChannelID, payerBalance, payeeBalance types.Money, nonce uint64) (txRef string, err error)
	Confirm(ctx context.Context, txRef string) error
	TxStatus(ctx context.Context, txRef string) (TxStatus, error)
}

// BridgeQuote is an estimate from the bridge collaborator. Estimates are
// display-only; reconciliation consumes only settled output amounts.
type BridgeQuote struct {
	SourceChain   string        `json:"source_chain"`
	SourceAsset   string        `json:"source_asset"`
	Amount        types.Money   `json:"amount"`
	DestChain     string        `json:"dest_chain"`
	DestAsset     string        `json:"dest_asset"`
	EstimatedOut  types.Money   `json:"estimated_out"`
	EstimatedTime time.Duration `json:"estimated_time"`
}

// BridgeProvider quotes and reports cross-chain transfers. The engine
// treats it as a black box.
type BridgeProvider interface {
	Quote(ctx context.Context, sourceChain string, amount types.Money, destChain, destAsset string) (BridgeQuote, error)
	// SettledAmount returns the finalized destination amount for a
	// transfer, once settled. This is the only bridge output the
	// reconciler trusts.
	SettledAmount(ctx context.Context, transferRef string) (types.Money, error)
}

// PaymentEnvelope is a signed payment message as relayed by the channel
// transport. Delivery is at-least-once; stale-nonce rejection makes
// redelivery harmless.
type PaymentEnvelope struct {
	Message   channel.PaymentMessage `json:"message"`
	Signature []byte                 `json:"signature"`
}

// Transport is the bidirectional message channel to the counterparty or
// coordinator. The engine consumes inbound signed payment messages and
// dispatches them through per-channel single-consumer workers.
type Transport interface {
	Inbound() <-chan PaymentEnvelope
}
