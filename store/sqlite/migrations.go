package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Chainbill store (SQLite).
var Migrations = migrate.NewGroup("chainbill")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_chainbill_plans",
			Version: "20240101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chainbill_plans (
    id                 TEXT PRIMARY KEY,
    merchant_id        TEXT NOT NULL DEFAULT '',
    name               TEXT NOT NULL DEFAULT '',
    price_amount       INTEGER NOT NULL DEFAULT 0,
    price_asset        TEXT NOT NULL DEFAULT '',
    period_duration_ns INTEGER NOT NULL DEFAULT 0,
    status             TEXT NOT NULL DEFAULT 'active',
    total_subscribers  INTEGER NOT NULL DEFAULT 0,
    metadata           TEXT NOT NULL DEFAULT '{}',
    created_at         TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at         TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_chainbill_plans_merchant ON chainbill_plans (merchant_id);
CREATE INDEX IF NOT EXISTS idx_chainbill_plans_status ON chainbill_plans (merchant_id, status);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS chainbill_plans`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_chainbill_subscriptions",
			Version: "20240101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chainbill_subscriptions (
    id                   TEXT PRIMARY KEY,
    plan_id              TEXT NOT NULL DEFAULT '',
    subscriber_id        TEXT NOT NULL DEFAULT '',
    channel_id           TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL DEFAULT 'active',
    started_at           TEXT NOT NULL DEFAULT (datetime('now')),
    last_charged_at      TEXT NOT NULL DEFAULT (datetime('now')),
    total_charged_amount INTEGER NOT NULL DEFAULT 0,
    total_charged_asset  TEXT NOT NULL DEFAULT '',
    canceled_at          TEXT,
    metadata             TEXT NOT NULL DEFAULT '{}',
    created_at           TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at           TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_chainbill_subs_subscriber ON chainbill_subscriptions (subscriber_id);
CREATE INDEX IF NOT EXISTS idx_chainbill_subs_status ON chainbill_subscriptions (status, id);
CREATE INDEX IF NOT EXISTS idx_chainbill_subs_plan ON chainbill_subscriptions (plan_id);
CREATE INDEX IF NOT EXISTS idx_chainbill_subs_channel ON chainbill_subscriptions (channel_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS chainbill_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_chainbill_channels",
			Version: "20240101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chainbill_channels (
    id            TEXT PRIMARY KEY,
    payer         TEXT NOT NULL DEFAULT '',
    payee         TEXT NOT NULL DEFAULT '',
    asset         TEXT NOT NULL DEFAULT '',
    total_deposit INTEGER NOT NULL DEFAULT 0,
    payer_balance INTEGER NOT NULL DEFAULT 0,
    payee_balance INTEGER NOT NULL DEFAULT 0,
    nonce         INTEGER NOT NULL DEFAULT 0,
    status        TEXT NOT NULL DEFAULT 'open',
    closed_at     TEXT,
    created_at    TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at    TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_chainbill_channels_payer ON chainbill_channels (payer);
CREATE INDEX IF NOT EXISTS idx_chainbill_channels_payee ON chainbill_channels (payee);
CREATE UNIQUE INDEX IF NOT EXISTS idx_chainbill_channels_open_tuple ON chainbill_channels (payer, payee, asset) WHERE status = 'open';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS chainbill_channels`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_chainbill_charge_intents",
			Version: "20240101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chainbill_charge_intents (
    id              TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL DEFAULT '',
    plan_id         TEXT NOT NULL DEFAULT '',
    amount          INTEGER NOT NULL DEFAULT 0,
    asset           TEXT NOT NULL DEFAULT '',
    due_at          TEXT NOT NULL DEFAULT (datetime('now')),
    status          TEXT NOT NULL DEFAULT 'pending',
    attempts        INTEGER NOT NULL DEFAULT 0,
    tx_ref          TEXT NOT NULL DEFAULT '',
    last_error      TEXT NOT NULL DEFAULT '',
    applied_at      TEXT,
    created_at      TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_chainbill_intents_sub ON chainbill_charge_intents (subscription_id, id);
CREATE INDEX IF NOT EXISTS idx_chainbill_intents_status ON chainbill_charge_intents (status, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_chainbill_intents_pending ON chainbill_charge_intents (subscription_id) WHERE status = 'pending';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS chainbill_charge_intents`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_chainbill_settlements",
			Version: "20240101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chainbill_settlements (
    id                  TEXT PRIMARY KEY,
    channel_id          TEXT NOT NULL DEFAULT '',
    asset               TEXT NOT NULL DEFAULT '',
    final_payer_balance INTEGER NOT NULL DEFAULT 0,
    final_payee_balance INTEGER NOT NULL DEFAULT 0,
    closing_nonce       INTEGER NOT NULL DEFAULT 0,
    reconciled_intents  TEXT NOT NULL DEFAULT '[]',
    reconciled_amount   INTEGER NOT NULL DEFAULT 0,
    pending_credit      INTEGER NOT NULL DEFAULT 0,
    status              TEXT NOT NULL DEFAULT 'pending',
    tx_ref              TEXT NOT NULL DEFAULT '',
    confirmed_at        TEXT,
    created_at          TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at          TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_chainbill_settlements_channel ON chainbill_settlements (channel_id);
CREATE INDEX IF NOT EXISTS idx_chainbill_settlements_status ON chainbill_settlements (status, id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS chainbill_settlements`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_chainbill_credits",
			Version: "20240101000006",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chainbill_credits (
    id              TEXT PRIMARY KEY,
    subscriber_id   TEXT NOT NULL DEFAULT '',
    subscription_id TEXT NOT NULL DEFAULT '',
    settlement_id   TEXT NOT NULL DEFAULT '',
    amount          INTEGER NOT NULL DEFAULT 0,
    asset           TEXT NOT NULL DEFAULT '',
    consumed_at     TEXT,
    created_at      TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_chainbill_credits_sub ON chainbill_credits (subscription_id, id);
CREATE INDEX IF NOT EXISTS idx_chainbill_credits_outstanding ON chainbill_credits (subscription_id) WHERE consumed_at IS NULL;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS chainbill_credits`)
				return err
			},
		},
	)
}
