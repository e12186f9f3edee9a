package db

import (
	"database/sql"
	"fmt"

	"order-matching-engine/internal/models"

	"github.com/shopspring/decimal"
)

// Schema is the DDL for the relational store (spec §6), plus a
// symbol_sequences bookkeeping table the outbox maintains so a warm start
// can recompute logSeq/tradeSeq from "the max persisted value" (spec §4.3)
// without a dedicated append-only log table.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGINT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS trading_pairs (
	id BIGINT PRIMARY KEY,
	symbol VARCHAR(32) NOT NULL UNIQUE,
	base_asset VARCHAR(16) NOT NULL,
	quote_asset VARCHAR(16) NOT NULL,
	price_precision INT NOT NULL,
	quantity_precision INT NOT NULL,
	min_quantity DECIMAL(36,8) NOT NULL,
	max_quantity DECIMAL(36,8) NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS orders (
	id BIGINT NOT NULL,
	trading_pair_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL,
	side VARCHAR(8) NOT NULL,
	type VARCHAR(8) NOT NULL,
	status VARCHAR(20) NOT NULL,
	price DECIMAL(36,8) NULL,
	quantity DECIMAL(36,8) NOT NULL,
	filled_quantity DECIMAL(36,8) NOT NULL,
	avg_price DECIMAL(36,8) NOT NULL DEFAULT 0,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	PRIMARY KEY (trading_pair_id, id)
);

CREATE TABLE IF NOT EXISTS trades (
	id BIGINT NOT NULL,
	trading_pair_id BIGINT NOT NULL,
	buy_order_id BIGINT NOT NULL,
	sell_order_id BIGINT NOT NULL,
	buyer_id BIGINT NOT NULL,
	seller_id BIGINT NOT NULL,
	price DECIMAL(36,8) NOT NULL,
	quantity DECIMAL(36,8) NOT NULL,
	fee DECIMAL(36,8) NOT NULL DEFAULT 0,
	executed_at DATETIME(6) NOT NULL,
	PRIMARY KEY (trading_pair_id, id)
);

CREATE TABLE IF NOT EXISTS assets (
	user_id BIGINT NOT NULL,
	symbol VARCHAR(16) NOT NULL,
	available DECIMAL(36,8) NOT NULL,
	frozen DECIMAL(36,8) NOT NULL,
	PRIMARY KEY (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS symbol_sequences (
	trading_pair_id BIGINT PRIMARY KEY,
	log_seq BIGINT NOT NULL DEFAULT 0,
	trade_seq BIGINT NOT NULL DEFAULT 0
);
`

// Store wraps idempotent upsert/load statements used by the outbox worker
// (spec §4.6) and the warm-start recovery path (spec §5). The in-memory
// engine and ledger never call Store directly.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-connected *sql.DB.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// UpsertOrder idempotently writes an order row keyed by (trading_pair_id, id).
func (s *Store) UpsertOrder(o *models.Order) error {
	var price interface{}
	if o.Price != nil {
		price = *o.Price
	}
	_, err := s.db.Exec(`
		INSERT INTO orders (id, trading_pair_id, user_id, side, type, status, price, quantity, filled_quantity, avg_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			filled_quantity = VALUES(filled_quantity),
			avg_price = VALUES(avg_price),
			updated_at = VALUES(updated_at)
	`, o.ID, o.TradingPairID, o.UserID, o.Side, o.Type, o.Status, price, o.Quantity, o.FilledQuantity, o.AvgPrice, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert order %d/%d: %w", o.TradingPairID, o.ID, err)
	}
	return nil
}

// UpsertTrade idempotently writes a trade row keyed by (trading_pair_id, id).
// Trades are immutable once emitted, so the update clause is a no-op write
// of the same values — this keeps the upsert idempotent under redelivery
// without requiring a second "does it exist" round-trip.
func (s *Store) UpsertTrade(t *models.Trade) error {
	_, err := s.db.Exec(`
		INSERT INTO trades (id, trading_pair_id, buy_order_id, sell_order_id, buyer_id, seller_id, price, quantity, fee, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id
	`, t.ID, t.TradingPairID, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID, t.Price, t.Quantity, t.Fee, t.ExecutedAt)
	if err != nil {
		return fmt.Errorf("upsert trade %d/%d: %w", t.TradingPairID, t.ID, err)
	}
	return nil
}

// UpsertAsset idempotently writes the latest (available, frozen) snapshot
// for one (userId, symbol) ledger cell.
func (s *Store) UpsertAsset(a *models.Asset) error {
	_, err := s.db.Exec(`
		INSERT INTO assets (user_id, symbol, available, frozen)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE available = VALUES(available), frozen = VALUES(frozen)
	`, a.UserID, a.Symbol, a.Available, a.Frozen)
	if err != nil {
		return fmt.Errorf("upsert asset %d/%s: %w", a.UserID, a.Symbol, err)
	}
	return nil
}

// SaveSequences persists the high-water mark for a symbol's logSeq/tradeSeq
// so a cold restart can resume exactly where the engine left off.
func (s *Store) SaveSequences(tradingPairID int64, logSeq, tradeSeq int64) error {
	_, err := s.db.Exec(`
		INSERT INTO symbol_sequences (trading_pair_id, log_seq, trade_seq)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			log_seq = GREATEST(log_seq, VALUES(log_seq)),
			trade_seq = GREATEST(trade_seq, VALUES(trade_seq))
	`, tradingPairID, logSeq, tradeSeq)
	if err != nil {
		return fmt.Errorf("save sequences for pair %d: %w", tradingPairID, err)
	}
	return nil
}

// LoadSequences returns the last persisted (logSeq, tradeSeq) for a symbol,
// or (0, 0) if the symbol has never been persisted.
func (s *Store) LoadSequences(tradingPairID int64) (logSeq, tradeSeq int64, err error) {
	row := s.db.QueryRow(`SELECT log_seq, trade_seq FROM symbol_sequences WHERE trading_pair_id = ?`, tradingPairID)
	err = row.Scan(&logSeq, &tradeSeq)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("load sequences for pair %d: %w", tradingPairID, err)
	}
	return logSeq, tradeSeq, nil
}

// LoadRestingOrders returns every order still resting in the book (Active
// or PartiallyFilled) across all symbols, oldest first, for the engine's
// warm-start replay.
func (s *Store) LoadRestingOrders() ([]*models.Order, error) {
	rows, err := s.db.Query(`
		SELECT id, trading_pair_id, user_id, side, type, status, price, quantity, filled_quantity, avg_price, created_at, updated_at
		FROM orders
		WHERE status IN (?, ?)
		ORDER BY created_at ASC, id ASC
	`, models.OrderStatusActive, models.OrderStatusPartiallyFilled)
	if err != nil {
		return nil, fmt.Errorf("load resting orders: %w", err)
	}
	defer rows.Close()

	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LoadAssets returns every ledger cell, for ledger rehydration.
func (s *Store) LoadAssets() ([]*models.Asset, error) {
	rows, err := s.db.Query(`SELECT user_id, symbol, available, frozen FROM assets`)
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	defer rows.Close()

	var out []*models.Asset
	for rows.Next() {
		a := &models.Asset{}
		if err := rows.Scan(&a.UserID, &a.Symbol, &a.Available, &a.Frozen); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LoadTradingPairs returns the configured trading pairs persisted so far.
func (s *Store) LoadTradingPairs() ([]*models.TradingPair, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, base_asset, quote_asset, price_precision, quantity_precision, min_quantity, max_quantity, is_active
		FROM trading_pairs
	`)
	if err != nil {
		return nil, fmt.Errorf("load trading pairs: %w", err)
	}
	defer rows.Close()

	var out []*models.TradingPair
	for rows.Next() {
		p := &models.TradingPair{}
		if err := rows.Scan(&p.ID, &p.Symbol, &p.BaseAsset, &p.QuoteAsset, &p.PricePrecision, &p.QuantityPrecision, &p.MinQty, &p.MaxQty, &p.IsActive); err != nil {
			return nil, fmt.Errorf("scan trading pair: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertTradingPair idempotently writes the static configuration of a pair.
func (s *Store) UpsertTradingPair(p *models.TradingPair) error {
	_, err := s.db.Exec(`
		INSERT INTO trading_pairs (id, symbol, base_asset, quote_asset, price_precision, quantity_precision, min_quantity, max_quantity, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			base_asset = VALUES(base_asset),
			quote_asset = VALUES(quote_asset),
			price_precision = VALUES(price_precision),
			quantity_precision = VALUES(quantity_precision),
			min_quantity = VALUES(min_quantity),
			max_quantity = VALUES(max_quantity),
			is_active = VALUES(is_active)
	`, p.ID, p.Symbol, p.BaseAsset, p.QuoteAsset, p.PricePrecision, p.QuantityPrecision, p.MinQty, p.MaxQty, p.IsActive)
	if err != nil {
		return fmt.Errorf("upsert trading pair %s: %w", p.Symbol, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(rows rowScanner) (*models.Order, error) {
	o := &models.Order{}
	var price sql.NullString
	if err := rows.Scan(&o.ID, &o.TradingPairID, &o.UserID, &o.Side, &o.Type, &o.Status, &price, &o.Quantity, &o.FilledQuantity, &o.AvgPrice, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	if price.Valid {
		d, err := decimal.NewFromString(price.String)
		if err != nil {
			return nil, fmt.Errorf("parse order %d price: %w", o.ID, err)
		}
		o.Price = &d
	}
	return o, nil
}
