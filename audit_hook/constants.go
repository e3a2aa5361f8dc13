package audithook

// Action constants for audit events.
const (
	// Plan actions
	ActionPlanCreated     = "plan.created"
	ActionPlanDeactivated = "plan.deactivated"

	// Subscription actions
	ActionSubscriptionCreated  = "subscription.created"
	ActionSubscriptionCanceled = "subscription.canceled"

	// Channel actions
	ActionChannelOpened  = "channel.opened"
	ActionPaymentApplied = "channel.payment.applied"
	ActionChannelClosed  = "channel.closed"

	// Charge actions
	ActionIntentScheduled = "charge.scheduled"
	ActionChargeApplied   = "charge.applied"
	ActionChargeFailed    = "charge.failed"

	// Settlement actions
	ActionSettlementRecorded  = "settlement.recorded"
	ActionSettlementConfirmed = "settlement.confirmed"
	ActionCreditIssued        = "credit.issued"
)

// Resource constants for audit events.
const (
	ResourcePlan         = "plan"
	ResourceSubscription = "subscription"
	ResourceChannel      = "channel"
	ResourceCharge       = "charge"
	ResourceSettlement   = "settlement"
	ResourceCredit       = "credit"
)

// Category constants for audit events.
const (
	CategoryBilling      = "billing"
	CategorySubscription = "subscription"
	CategoryChannel      = "channel"
	CategoryPayment      = "payment"
	CategorySettlement   = "settlement"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
