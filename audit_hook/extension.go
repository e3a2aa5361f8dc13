// Package audithook bridges Chainbill lifecycle events to an audit trail
// backend.
//
// It defines a local Recorder interface so the package does not import an
// audit backend directly. Callers inject a RecorderFunc adapter that
// bridges to their trail at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/chainbill/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnPlanCreated          = (*Extension)(nil)
	_ plugin.OnPlanDeactivated      = (*Extension)(nil)
	_ plugin.OnSubscriptionCreated  = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled = (*Extension)(nil)
	_ plugin.OnChannelOpened        = (*Extension)(nil)
	_ plugin.OnPaymentApplied       = (*Extension)(nil)
	_ plugin.OnChannelClosed        = (*Extension)(nil)
	_ plugin.OnChargeApplied        = (*Extension)(nil)
	_ plugin.OnChargeFailed         = (*Extension)(nil)
	_ plugin.OnSettlementRecorded   = (*Extension)(nil)
	_ plugin.OnSettlementConfirmed  = (*Extension)(nil)
	_ plugin.OnCreditIssued         = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// It is defined locally so that the audit_hook package carries no backend
// dependency — callers inject the concrete trail at wiring time.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Chainbill lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Plan lifecycle hooks
// ──────────────────────────────────────────────────

// OnPlanCreated implements plugin.OnPlanCreated.
func (e *Extension) OnPlanCreated(ctx context.Context, _ interface{}) error {
	return e.record(ctx, ActionPlanCreated, SeverityInfo, OutcomeSuccess,
		ResourcePlan, "", CategoryBilling, nil,
		"event", "plan_created",
	)
}

// OnPlanDeactivated implements plugin.OnPlanDeactivated.
func (e *Extension) OnPlanDeactivated(ctx context.Context, planID string) error {
	return e.record(ctx, ActionPlanDeactivated, SeverityInfo, OutcomeSuccess,
		ResourcePlan, planID, CategoryBilling, nil,
		"plan_id", planID,
	)
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (e *Extension) OnSubscriptionCreated(ctx context.Context, _ interface{}) error {
	return e.record(ctx, ActionSubscriptionCreated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, "", CategorySubscription, nil,
		"event", "subscription_created",
	)
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (e *Extension) OnSubscriptionCanceled(ctx context.Context, _ interface{}) error {
	return e.record(ctx, ActionSubscriptionCanceled, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, "", CategorySubscription, nil,
		"event", "subscription_canceled",
	)
}

// ──────────────────────────────────────────────────
// Channel lifecycle hooks
// ──────────────────────────────────────────────────

// OnChannelOpened implements plugin.OnChannelOpened.
func (e *Extension) OnChannelOpened(ctx context.Context, _ interface{}) error {
	return e.record(ctx, ActionChannelOpened, SeverityInfo, OutcomeSuccess,
		ResourceChannel, "", CategoryChannel, nil,
		"event", "channel_opened",
	)
}

// OnPaymentApplied implements plugin.OnPaymentApplied.
func (e *Extension) OnPaymentApplied(ctx context.Context, _ interface{}, amount int64, nonce uint64) error {
	return e.record(ctx, ActionPaymentApplied, SeverityInfo, OutcomeSuccess,
		ResourceChannel, "", CategoryChannel, nil,
		"amount", amount,
		"nonce", nonce,
	)
}

// OnChannelClosed implements plugin.OnChannelClosed.
func (e *Extension) OnChannelClosed(ctx context.Context, _ interface{}) error {
	return e.record(ctx, ActionChannelClosed, SeverityInfo, OutcomeSuccess,
		ResourceChannel, "", CategoryChannel, nil,
		"event", "channel_closed",
	)
}

// ──────────────────────────────────────────────────
// Charge lifecycle hooks
// ──────────────────────────────────────────────────

// OnChargeApplied implements plugin.OnChargeApplied.
func (e *Extension) OnChargeApplied(ctx context.Context, _ interface{}, path string) error {
	return e.record(ctx, ActionChargeApplied, SeverityInfo, OutcomeSuccess,
		ResourceCharge, "", CategoryPayment, nil,
		"path", path,
	)
}

// OnChargeFailed implements plugin.OnChargeFailed.
func (e *Extension) OnChargeFailed(ctx context.Context, _ interface{}, err error) error {
	return e.record(ctx, ActionChargeFailed, SeverityCritical, OutcomeFailure,
		ResourceCharge, "", CategoryPayment, err,
		"event", "charge_failed",
	)
}

// ──────────────────────────────────────────────────
// Settlement lifecycle hooks
// ──────────────────────────────────────────────────

// OnSettlementRecorded implements plugin.OnSettlementRecorded.
func (e *Extension) OnSettlementRecorded(ctx context.Context, _ interface{}) error {
	return e.record(ctx, ActionSettlementRecorded, SeverityInfo, OutcomeSuccess,
		ResourceSettlement, "", CategorySettlement, nil,
		"event", "settlement_recorded",
	)
}

// OnSettlementConfirmed implements plugin.OnSettlementConfirmed.
func (e *Extension) OnSettlementConfirmed(ctx context.Context, _ interface{}, elapsed time.Duration) error {
	return e.record(ctx, ActionSettlementConfirmed, SeverityInfo, OutcomeSuccess,
		ResourceSettlement, "", CategorySettlement, nil,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnCreditIssued implements plugin.OnCreditIssued.
func (e *Extension) OnCreditIssued(ctx context.Context, _ interface{}) error {
	return e.record(ctx, ActionCreditIssued, SeverityInfo, OutcomeSuccess,
		ResourceCredit, "", CategorySettlement, nil,
		"event", "credit_issued",
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
