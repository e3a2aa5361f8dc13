package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	chainbill "github.com/xraph/chainbill"
	"github.com/xraph/chainbill/channel"
	"github.com/xraph/chainbill/credit"
	"github.com/xraph/chainbill/id"
	"github.com/xraph/chainbill/intent"
	"github.com/xraph/chainbill/plan"
	"github.com/xraph/chainbill/settlement"
	chainbillstore "github.com/xraph/chainbill/store"
	"github.com/xraph/chainbill/subscription"
	"github.com/xraph/chainbill/types"
)

// compile-time interface check
var _ chainbillstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("chainbill/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("chainbill/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	m := toPlanModel(p)
	_, err := s.sdb.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	m := new(planModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", planID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chainbill.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) ListPlans(ctx context.Context, merchantID string, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel
	q := s.sdb.NewSelect(&models).Where("merchant_id = ?", merchantID)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*plan.Plan, len(models))
	for i := range models {
		p, err := fromPlanModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	m := toPlanModel(p)
	m.UpdatedAt = now()
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return chainbill.ErrPlanNotFound
	}
	return nil
}

func (s *Store) DeactivatePlan(ctx context.Context, planID id.PlanID) error {
	t := now()
	res, err := s.sdb.NewUpdate((*planModel)(nil)).
		Set("status = ?", string(plan.StatusInactive)).
		Set("updated_at = ?", t).
		Where("id = ?", planID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return chainbill.ErrPlanNotFound
	}
	return nil
}

func (s *Store) AdjustPlanSubscribers(ctx context.Context, planID id.PlanID, delta int64) error {
	t := now()
	res, err := s.sdb.NewUpdate((*planModel)(nil)).
		Set("total_subscribers = total_subscribers + ?", delta).
		Set("updated_at = ?", t).
		Where("id = ?", planID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return chainbill.ErrPlanNotFound
	}
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	_, err := s.sdb.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chainbill.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) ListSubscriptions(ctx context.Context, subscriberID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.sdb.NewSelect(&models).Where("subscriber_id = ?", subscriberID)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	return subscriptionsFromModels(models)
}

func (s *Store) ListActiveSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.sdb.NewSelect(&models).
		Where("status = ?", string(subscription.StatusActive))

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	// Ascending id keeps the billing scan order deterministic.
	q = q.OrderExpr("id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	return subscriptionsFromModels(models)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	m.UpdatedAt = now()
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return chainbill.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) CancelSubscription(ctx context.Context, subID id.SubscriptionID, at time.Time) error {
	t := now()
	res, err := s.sdb.NewUpdate((*subscriptionModel)(nil)).
		Set("status = ?", string(subscription.StatusCanceled)).
		Set("canceled_at = ?", at).
		Set("updated_at = ?", t).
		Where("id = ?", subID.String()).
		Where("status = ?", string(subscription.StatusActive)).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a second cancel.
		if _, gerr := s.GetSubscription(ctx, subID); gerr != nil {
			return gerr
		}
		return chainbill.ErrAlreadyCanceled
	}
	return nil
}

func (s *Store) RecordCharge(ctx context.Context, subID id.SubscriptionID, amount types.Money, at time.Time) error {
	sub, err := s.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}
	if !sub.Active() {
		return chainbill.ErrSubscriptionNotFound
	}

	p, err := s.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return err
	}
	if !p.Allows(amount) {
		return chainbill.ErrExceedsPlanPrice
	}

	t := now()
	res, err := s.sdb.NewUpdate((*subscriptionModel)(nil)).
		Set("last_charged_at = ?", at).
		Set("total_charged_amount = total_charged_amount + ?", amount.Amount).
		Set("total_charged_asset = ?", amount.Asset).
		Set("updated_at = ?", t).
		Where("id = ?", subID.String()).
		Where("status = ?", string(subscription.StatusActive)).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return chainbill.ErrSubscriptionNotFound
	}
	return nil
}

// ==================== Channel Store ====================

func (s *Store) CreateChannel(ctx context.Context, c *channel.Channel) error {
	if c.Open() {
		if _, err := s.GetOpenChannel(ctx, c.Payer, c.Payee, c.Asset); err == nil {
			return chainbill.ErrChannelAlreadyOpen
		} else if !errors.Is(err, chainbill.ErrChannelNotFound) {
			return err
		}
	}
	m := toChannelModel(c)
	_, err := s.sdb.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) GetChannel(ctx context.Context, chanID id.ChannelID) (*channel.Channel, error) {
	m := new(channelModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", chanID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chainbill.ErrChannelNotFound
		}
		return nil, err
	}
	return fromChannelModel(m)
}

func (s *Store) GetOpenChannel(ctx context.Context, payer, payee, asset string) (*channel.Channel, error) {
	m := new(channelModel)
	err := s.sdb.NewSelect(m).
		Where("payer = ?", payer).
		Where("payee = ?", payee).
		Where("asset = ?", asset).
		Where("status = ?", string(channel.StatusOpen)).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chainbill.ErrChannelNotFound
		}
		return nil, err
	}
	return fromChannelModel(m)
}

func (s *Store) ListChannels(ctx context.Context, party string, opts channel.ListOpts) ([]*channel.Channel, error) {
	var models []channelModel
	q := s.sdb.NewSelect(&models).
		Where("(payer = ? OR payee = ?)", party, party)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*channel.Channel, len(models))
	for i := range models {
		c, err := fromChannelModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = c
	}
	return result, nil
}

func (s *Store) UpdateChannel(ctx context.Context, c *channel.Channel) error {
	m := toChannelModel(c)
	m.UpdatedAt = now()
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return chainbill.ErrChannelNotFound
	}
	return nil
}

func (s *Store) CloseChannel(ctx context.Context, chanID id.ChannelID, at time.Time) error {
	t := now()
	res, err := s.sdb.NewUpdate((*channelModel)(nil)).
		Set("status = ?", string(channel.StatusClosed)).
		Set("closed_at = ?", at).
		Set("updated_at = ?", t).
		Where("id = ?", chanID.String()).
		Where("status = ?", string(channel.StatusOpen)).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, gerr := s.GetChannel(ctx, chanID); gerr != nil {
			return gerr
		}
		return chainbill.ErrChannelNotOpen
	}
	return nil
}

// ==================== Charge Intent Store ====================

func (s *Store) CreateIntent(ctx context.Context, ci *intent.ChargeIntent) error {
	m := toIntentModel(ci)
	_, err := s.sdb.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) GetIntent(ctx context.Context, intentID id.ChargeIntentID) (*intent.ChargeIntent, error) {
	m := new(intentModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", intentID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chainbill.ErrIntentNotFound
		}
		return nil, err
	}
	return fromIntentModel(m)
}

func (s *Store) GetPendingIntent(ctx context.Context, subID id.SubscriptionID) (*intent.ChargeIntent, error) {
	m := new(intentModel)
	err := s.sdb.NewSelect(m).
		Where("subscription_id = ?", subID.String()).
		Where("status = ?", string(intent.StatusPending)).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chainbill.ErrNoPendingIntent
		}
		return nil, err
	}
	return fromIntentModel(m)
}

func (s *Store) ListIntentsByStatus(ctx context.Context, status intent.Status, opts intent.ListOpts) ([]*intent.ChargeIntent, error) {
	var models []intentModel
	q := s.sdb.NewSelect(&models).
		Where("status = ?", string(status))

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	return intentsFromModels(models)
}

func (s *Store) ListIntentsBySubscription(ctx context.Context, subID id.SubscriptionID, opts intent.ListOpts) ([]*intent.ChargeIntent, error) {
	var models []intentModel
	q := s.sdb.NewSelect(&models).
		Where("subscription_id = ?", subID.String())

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	return intentsFromModels(models)
}

func (s *Store) UpdateIntent(ctx context.Context, ci *intent.ChargeIntent) error {
	m := toIntentModel(ci)
	m.UpdatedAt = now()
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return chainbill.ErrIntentNotFound
	}
	return nil
}

// ==================== Settlement Store ====================

func (s *Store) CreateSettlement(ctx context.Context, r *settlement.Record) error {
	m := toSettlementModel(r)
	_, err := s.sdb.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) GetSettlement(ctx context.Context, stlID id.SettlementID) (*settlement.Record, error) {
	m := new(settlementModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", stlID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chainbill.ErrSettlementNotFound
		}
		return nil, err
	}
	return fromSettlementModel(m)
}

func (s *Store) GetSettlementByChannel(ctx context.Context, chanID id.ChannelID) (*settlement.Record, error) {
	m := new(settlementModel)
	err := s.sdb.NewSelect(m).
		Where("channel_id = ?", chanID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chainbill.ErrSettlementNotFound
		}
		return nil, err
	}
	return fromSettlementModel(m)
}

func (s *Store) ListSettlementsByStatus(ctx context.Context, status settlement.Status, opts settlement.ListOpts) ([]*settlement.Record, error) {
	var models []settlementModel
	q := s.sdb.NewSelect(&models).
		Where("status = ?", string(status))

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*settlement.Record, len(models))
	for i := range models {
		rec, err := fromSettlementModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = rec
	}
	return result, nil
}

func (s *Store) UpdateSettlement(ctx context.Context, r *settlement.Record) error {
	existing, err := s.GetSettlement(ctx, r.ID)
	if err != nil {
		return err
	}
	// A confirmed settlement is immutable.
	if existing.Confirmed() {
		return chainbill.ErrSettlementFinalized
	}

	m := toSettlementModel(r)
	m.UpdatedAt = now()
	_, err = s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	return err
}

// ==================== Credit Store ====================

func (s *Store) CreateCredit(ctx context.Context, c *credit.Credit) error {
	m := toCreditModel(c)
	_, err := s.sdb.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) GetCredit(ctx context.Context, creditID id.CreditID) (*credit.Credit, error) {
	m := new(creditModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", creditID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chainbill.ErrCreditNotFound
		}
		return nil, err
	}
	return fromCreditModel(m)
}

func (s *Store) ListOutstandingCredits(ctx context.Context, subID id.SubscriptionID) ([]*credit.Credit, error) {
	var models []creditModel
	err := s.sdb.NewSelect(&models).
		Where("subscription_id = ?", subID.String()).
		Where("consumed_at IS NULL").
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*credit.Credit, len(models))
	for i := range models {
		c, err := fromCreditModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = c
	}
	return result, nil
}

func (s *Store) ConsumeCredit(ctx context.Context, creditID id.CreditID, at time.Time) error {
	t := now()
	res, err := s.sdb.NewUpdate((*creditModel)(nil)).
		Set("consumed_at = ?", at).
		Set("updated_at = ?", t).
		Where("id = ?", creditID.String()).
		Where("consumed_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, gerr := s.GetCredit(ctx, creditID); gerr != nil {
			return gerr
		}
		return chainbill.ErrCreditConsumed
	}
	return nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

func subscriptionsFromModels(models []subscriptionModel) ([]*subscription.Subscription, error) {
	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

func intentsFromModels(models []intentModel) ([]*intent.ChargeIntent, error) {
	result := make([]*intent.ChargeIntent, len(models))
	for i := range models {
		ci, err := fromIntentModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = ci
	}
	return result, nil
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
