package plan

import (
	"time"

	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/types"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Plan is a merchant-defined recurring price/period offering.
// Immutable once created except for Status and TotalSubscribers.
// Plans are deactivated, never deleted.
type Plan struct {
	types.Entity
	ID               id.PlanID         `json:"id"`
	MerchantID       string            `json:"merchant_id"`
	Name             string            `json:"name"`
	PricePerPeriod   types.Money       `json:"price_per_period"`
	PeriodDuration   time.Duration     `json:"period_duration"`
	Status           Status            `json:"status"`
	TotalSubscribers int64             `json:"total_subscribers"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Active reports whether the plan accepts new subscriptions.
func (p *Plan) Active() bool { return p.Status == StatusActive }

// Asset returns the settlement asset of the plan's price.
func (p *Plan) Asset() string { return p.PricePerPeriod.Asset }

// Allows reports whether a charge of the given amount is within the
// per-period cap. Mirrors the on-chain charge-amount check.
func (p *Plan) Allows(amount types.Money) bool {
	if amount.Asset != p.PricePerPeriod.Asset {
		return false
	}
	return !amount.GreaterThan(p.PricePerPeriod)
}
