package sqlite

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/chainbill/channel"
	"github.com/xraph/chainbill/credit"
	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/intent"
	"github.com/xraph/chainbill/plan"
	"github.com/xraph/chainbill/settlement"
	"github.com/xraph/chainbill/subscription"
	"github.com/xraph/chainbill/types"
)

// ==================== Plan models ====================

type planModel struct {
	grove.BaseModel `grove:"table:chainbill_plans"`

	ID               string            `grove:"id,pk"`
	MerchantID       string            `grove:"merchant_id"`
	Name             string            `grove:"name"`
	PriceAmount      int64             `grove:"price_amount"`
	PriceAsset       string            `grove:"price_asset"`
	PeriodDuration   int64             `grove:"period_duration_ns"`
	Status           string            `grove:"status"`
	TotalSubscribers int64             `grove:"total_subscribers"`
	Metadata         map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt        time.Time         `grove:"created_at"`
	UpdatedAt        time.Time         `grove:"updated_at"`
}

func toPlanModel(p *plan.Plan) *planModel {
	return &planModel{
		ID:               p.ID.String(),
		MerchantID:       p.MerchantID,
		Name:             p.Name,
		PriceAmount:      p.PricePerPeriod.Amount,
		PriceAsset:       p.PricePerPeriod.Asset,
		PeriodDuration:   int64(p.PeriodDuration),
		Status:           string(p.Status),
		TotalSubscribers: p.TotalSubscribers,
		Metadata:         p.Metadata,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func fromPlanModel(m *planModel) (*plan.Plan, error) {
	planID, err := id.ParsePlanID(m.ID)
	if err != nil {
		return nil, err
	}

	return &plan.Plan{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:               planID,
		MerchantID:       m.MerchantID,
		Name:             m.Name,
		PricePerPeriod:   types.Money{Amount: m.PriceAmount, Asset: m.PriceAsset},
		PeriodDuration:   time.Duration(m.PeriodDuration),
		Status:           plan.Status(m.Status),
		TotalSubscribers: m.TotalSubscribers,
		Metadata:         m.Metadata,
	}, nil
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:chainbill_subscriptions"`

	ID                 string            `grove:"id,pk"`
	PlanID             string            `grove:"plan_id"`
	SubscriberID       string            `grove:"subscriber_id"`
	ChannelID          string            `grove:"channel_id"`
	Status             string            `grove:"status"`
	StartedAt          time.Time         `grove:"started_at"`
	LastChargedAt      time.Time         `grove:"last_charged_at"`
	TotalChargedAmount int64             `grove:"total_charged_amount"`
	TotalChargedAsset  string            `grove:"total_charged_asset"`
	CanceledAt         *time.Time        `grove:"canceled_at"`
	Metadata           map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt          time.Time         `grove:"created_at"`
	UpdatedAt          time.Time         `grove:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	chanID := ""
	if !s.ChannelID.IsNil() {
		chanID = s.ChannelID.String()
	}

	return &subscriptionModel{
		ID:                 s.ID.String(),
		PlanID:             s.PlanID.String(),
		SubscriberID:       s.SubscriberID,
		ChannelID:          chanID,
		Status:             string(s.Status),
		StartedAt:          s.StartedAt,
		LastChargedAt:      s.LastChargedAt,
		TotalChargedAmount: s.TotalCharged.Amount,
		TotalChargedAsset:  s.TotalCharged.Asset,
		CanceledAt:         s.CanceledAt,
		Metadata:           s.Metadata,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}
	planID, err := id.ParsePlanID(m.PlanID)
	if err != nil {
		return nil, err
	}

	var chanID id.ChannelID
	if m.ChannelID != "" {
		chanID, err = id.ParseChannelID(m.ChannelID)
		if err != nil {
			return nil, err
		}
	}

	return &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            subID,
		PlanID:        planID,
		SubscriberID:  m.SubscriberID,
		ChannelID:     chanID,
		Status:        subscription.Status(m.Status),
		StartedAt:     m.StartedAt,
		LastChargedAt: m.LastChargedAt,
		TotalCharged:  types.Money{Amount: m.TotalChargedAmount, Asset: m.TotalChargedAsset},
		CanceledAt:    m.CanceledAt,
		Metadata:      m.Metadata,
	}, nil
}

// ==================== Channel models ====================

type channelModel struct {
	grove.BaseModel `grove:"table:chainbill_channels"`

	ID           string     `grove:"id,pk"`
	Payer        string     `grove:"payer"`
	Payee        string     `grove:"payee"`
	Asset        string     `grove:"asset"`
	TotalDeposit int64      `grove:"total_deposit"`
	PayerBalance int64      `grove:"payer_balance"`
	PayeeBalance int64      `grove:"payee_balance"`
	Nonce        int64      `grove:"nonce"`
	Status       string     `grove:"status"`
	ClosedAt     *time.Time `grove:"closed_at"`
	CreatedAt    time.Time  `grove:"created_at"`
	UpdatedAt    time.Time  `grove:"updated_at"`
}

func toChannelModel(c *channel.Channel) *channelModel {
	return &channelModel{
		ID:           c.ID.String(),
		Payer:        c.Payer,
		Payee:        c.Payee,
		Asset:        c.Asset,
		TotalDeposit: c.TotalDeposit.Amount,
		PayerBalance: c.PayerBalance.Amount,
		PayeeBalance: c.PayeeBalance.Amount,
		Nonce:        int64(c.Nonce),
		Status:       string(c.Status),
		ClosedAt:     c.ClosedAt,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func fromChannelModel(m *channelModel) (*channel.Channel, error) {
	chanID, err := id.ParseChannelID(m.ID)
	if err != nil {
		return nil, err
	}

	return &channel.Channel{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           chanID,
		Payer:        m.Payer,
		Payee:        m.Payee,
		Asset:        m.Asset,
		TotalDeposit: types.Money{Amount: m.TotalDeposit, Asset: m.Asset},
		PayerBalance: types.Money{Amount: m.PayerBalance, Asset: m.Asset},
		PayeeBalance: types.Money{Amount: m.PayeeBalance, Asset: m.Asset},
		Nonce:        uint64(m.Nonce),
		Status:       channel.Status(m.Status),
		ClosedAt:     m.ClosedAt,
	}, nil
}

// ==================== Charge intent models ====================

type intentModel struct {
	grove.BaseModel `grove:"table:chainbill_charge_intents"`

	ID             string     `grove:"id,pk"`
	SubscriptionID string     `grove:"subscription_id"`
	PlanID         string     `grove:"plan_id"`
	Amount         int64      `grove:"amount"`
	Asset          string     `grove:"asset"`
	DueAt          time.Time  `grove:"due_at"`
	Status         string     `grove:"status"`
	Attempts       int        `grove:"attempts"`
	TxRef          string     `grove:"tx_ref"`
	LastError      string     `grove:"last_error"`
	AppliedAt      *time.Time `grove:"applied_at"`
	CreatedAt      time.Time  `grove:"created_at"`
	UpdatedAt      time.Time  `grove:"updated_at"`
}

func toIntentModel(ci *intent.ChargeIntent) *intentModel {
	return &intentModel{
		ID:             ci.ID.String(),
		SubscriptionID: ci.SubscriptionID.String(),
		PlanID:         ci.PlanID.String(),
		Amount:         ci.Amount.Amount,
		Asset:          ci.Amount.Asset,
		DueAt:          ci.DueAt,
		Status:         string(ci.Status),
		Attempts:       ci.Attempts,
		TxRef:          ci.TxRef,
		LastError:      ci.LastError,
		AppliedAt:      ci.AppliedAt,
		CreatedAt:      ci.CreatedAt,
		UpdatedAt:      ci.UpdatedAt,
	}
}

func fromIntentModel(m *intentModel) (*intent.ChargeIntent, error) {
	intentID, err := id.ParseChargeIntentID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
	}
	planID, err := id.ParsePlanID(m.PlanID)
	if err != nil {
		return nil, err
	}

	return &intent.ChargeIntent{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             intentID,
		SubscriptionID: subID,
		PlanID:         planID,
		Amount:         types.Money{Amount: m.Amount, Asset: m.Asset},
		DueAt:          m.DueAt,
		Status:         intent.Status(m.Status),
		Attempts:       m.Attempts,
		TxRef:          m.TxRef,
		LastError:      m.LastError,
		AppliedAt:      m.AppliedAt,
	}, nil
}

// ==================== Settlement models ====================

type settlementModel struct {
	grove.BaseModel `grove:"table:chainbill_settlements"`

	ID                string          `grove:"id,pk"`
	ChannelID         string          `grove:"channel_id"`
	Asset             string          `grove:"asset"`
	FinalPayerBalance int64           `grove:"final_payer_balance"`
	FinalPayeeBalance int64           `grove:"final_payee_balance"`
	ClosingNonce      int64           `grove:"closing_nonce"`
	ReconciledIntents json.RawMessage `grove:"reconciled_intents,type:jsonb"`
	ReconciledAmount  int64           `grove:"reconciled_amount"`
	PendingCredit     int64           `grove:"pending_credit"`
	Status            string          `grove:"status"`
	TxRef             string          `grove:"tx_ref"`
	ConfirmedAt       *time.Time      `grove:"confirmed_at"`
	CreatedAt         time.Time       `grove:"created_at"`
	UpdatedAt         time.Time       `grove:"updated_at"`
}

func toSettlementModel(r *settlement.Record) *settlementModel {
	intents := make([]string, len(r.ReconciledIntents))
	for i, ciID := range r.ReconciledIntents {
		intents[i] = ciID.String()
	}
	raw, _ := json.Marshal(intents) //nolint:errcheck // best-effort

	return &settlementModel{
		ID:                r.ID.String(),
		ChannelID:         r.ChannelID.String(),
		Asset:             r.FinalPayeeBalance.Asset,
		FinalPayerBalance: r.FinalPayerBalance.Amount,
		FinalPayeeBalance: r.FinalPayeeBalance.Amount,
		ClosingNonce:      int64(r.ClosingNonce),
		ReconciledIntents: raw,
		ReconciledAmount:  r.ReconciledAmount.Amount,
		PendingCredit:     r.PendingCredit.Amount,
		Status:            string(r.Status),
		TxRef:             r.TxRef,
		ConfirmedAt:       r.ConfirmedAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func fromSettlementModel(m *settlementModel) (*settlement.Record, error) {
	stlID, err := id.ParseSettlementID(m.ID)
	if err != nil {
		return nil, err
	}
	chanID, err := id.ParseChannelID(m.ChannelID)
	if err != nil {
		return nil, err
	}

	var rawIntents []string
	if len(m.ReconciledIntents) > 0 {
		_ = json.Unmarshal(m.ReconciledIntents, &rawIntents) //nolint:errcheck // best-effort
	}
	intents := make([]id.ChargeIntentID, 0, len(rawIntents))
	for _, s := range rawIntents {
		ciID, perr := id.ParseChargeIntentID(s)
		if perr != nil {
			return nil, perr
		}
		intents = append(intents, ciID)
	}

	return &settlement.Record{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                stlID,
		ChannelID:         chanID,
		FinalPayerBalance: types.Money{Amount: m.FinalPayerBalance, Asset: m.Asset},
		FinalPayeeBalance: types.Money{Amount: m.FinalPayeeBalance, Asset: m.Asset},
		ClosingNonce:      uint64(m.ClosingNonce),
		ReconciledIntents: intents,
		ReconciledAmount:  types.Money{Amount: m.ReconciledAmount, Asset: m.Asset},
		PendingCredit:     types.Money{Amount: m.PendingCredit, Asset: m.Asset},
		Status:            settlement.Status(m.Status),
		TxRef:             m.TxRef,
		ConfirmedAt:       m.ConfirmedAt,
	}, nil
}

// ==================== Credit models ====================

type creditModel struct {
	grove.BaseModel `grove:"table:chainbill_credits"`

	ID             string     `grove:"id,pk"`
	SubscriberID   string     `grove:"subscriber_id"`
	SubscriptionID string     `grove:"subscription_id"`
	SettlementID   string     `grove:"settlement_id"`
	Amount         int64      `grove:"amount"`
	Asset          string     `grove:"asset"`
	ConsumedAt     *time.Time `grove:"consumed_at"`
	CreatedAt      time.Time  `grove:"created_at"`
	UpdatedAt      time.Time  `grove:"updated_at"`
}

func toCreditModel(c *credit.Credit) *creditModel {
	return &creditModel{
		ID:             c.ID.String(),
		SubscriberID:   c.SubscriberID,
		SubscriptionID: c.SubscriptionID.String(),
		SettlementID:   c.SettlementID.String(),
		Amount:         c.Amount.Amount,
		Asset:          c.Amount.Asset,
		ConsumedAt:     c.ConsumedAt,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func fromCreditModel(m *creditModel) (*credit.Credit, error) {
	creditID, err := id.ParseCreditID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
	}
	stlID, err := id.ParseSettlementID(m.SettlementID)
	if err != nil {
		return nil, err
	}

	return &credit.Credit{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             creditID,
		SubscriberID:   m.SubscriberID,
		SubscriptionID: subID,
		SettlementID:   stlID,
		Amount:         types.Money{Amount: m.Amount, Asset: m.Asset},
		ConsumedAt:     m.ConsumedAt,
	}, nil
}
