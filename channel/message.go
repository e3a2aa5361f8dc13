package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/types"
)

// PaymentMessage is the payload a payer signs to authorize one off-chain
// balance delta. The signing bytes are its deterministic CBOR encoding so
// that both parties and the verifier agree on the exact byte sequence.
type PaymentMessage struct {
	ChannelID string `cbor:"1,keyasint" json:"channel_id"`
	Asset     string `cbor:"2,keyasint" json:"asset"`
	Amount    int64  `cbor:"3,keyasint" json:"amount"`
	Nonce     uint64 `cbor:"4,keyasint" json:"nonce"`
}

// NewPaymentMessage builds the message for a payment delta on a channel.
func NewPaymentMessage(chanID id.ChannelID, amount types.Money, nonce uint64) PaymentMessage {
	return PaymentMessage{
		ChannelID: chanID.String(),
		Asset:     amount.Asset,
		Amount:    amount.Amount,
		Nonce:     nonce,
	}
}

var encMode cbor.EncMode

func init() {
	// Core deterministic encoding: map keys sorted, shortest-form integers.
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("channel: cbor encode mode: %v", err))
	}
	encMode = mode
}

// SigningBytes returns the canonical byte encoding of the message.
func (m PaymentMessage) SigningBytes() ([]byte, error) {
	b, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("channel: encode payment message: %w", err)
	}
	return b, nil
}

// DecodePaymentMessage parses the canonical encoding back into a message.
func DecodePaymentMessage(data []byte) (PaymentMessage, error) {
	var m PaymentMessage
	if err := cbor.Unmarshal(data, &m); err != nil {
		return PaymentMessage{}, fmt.Errorf("channel: decode payment message: %w", err)
	}
	return m, nil
}

// Verifier checks a payment signature against the expected signer identity.
// Signature schemes are an external cryptographic capability; the engine
// only enforces ordering and balance invariants.
type Verifier interface {
	Verify(ctx context.Context, msg PaymentMessage, signature []byte, signer string) error
}

// Signer produces a signature over a payment message on behalf of a party.
// The reconciler uses it to countersign scheduler-driven charges.
type Signer interface {
	Sign(ctx context.Context, msg PaymentMessage, signer string) ([]byte, error)
}

// HMACKeyring is a reference Verifier/Signer backed by per-party shared
// secrets. Suitable for tests and single-operator deployments; production
// setups inject an asymmetric-scheme implementation instead.
type HMACKeyring struct {
	keys map[string][]byte
}

var (
	_ Verifier = (*HMACKeyring)(nil)
	_ Signer   = (*HMACKeyring)(nil)
)

// NewHMACKeyring creates a keyring from party identity to shared secret.
func NewHMACKeyring(keys map[string][]byte) *HMACKeyring {
	cp := make(map[string][]byte, len(keys))
	for party, key := range keys {
		cp[party] = append([]byte(nil), key...)
	}
	return &HMACKeyring{keys: cp}
}

// Sign implements Signer.
func (k *HMACKeyring) Sign(_ context.Context, msg PaymentMessage, signer string) ([]byte, error) {
	key, ok := k.keys[signer]
	if !ok {
		return nil, fmt.Errorf("channel: no key for signer %q", signer)
	}

	payload, err := msg.SigningBytes()
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

// Verify implements Verifier.
func (k *HMACKeyring) Verify(ctx context.Context, msg PaymentMessage, signature []byte, signer string) error {
	expected, err := k.Sign(ctx, msg, signer)
	if err != nil {
		return err
	}

	if !hmac.Equal(expected, signature) {
		return errors.New("channel: hmac signature mismatch")
	}
	return nil
}
