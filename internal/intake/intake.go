// Package intake implements order intake and validation (spec §4.4): the
// synchronous path that resolves a trading pair, truncates and bounds the
// request, computes and freezes the required balance, assigns the order
// id and hands the validated order to the matching engine.
package intake

import (
	"context"
	"sync/atomic"
	"time"

	"order-matching-engine/internal/apperrors"
	"order-matching-engine/internal/models"

	"github.com/shopspring/decimal"
)

// Ledger is the balance-custody surface Intake needs.
type Ledger interface {
	IsMarketMaker(userID int64) bool
	Freeze(userID int64, symbol string, amount decimal.Decimal) error
	Unfreeze(userID int64, symbol string, amount decimal.Decimal) error
}

// Engine is the matching-engine surface Intake needs.
type Engine interface {
	Submit(ctx context.Context, symbol string, order *models.BookOrder) error
	Cancel(ctx context.Context, symbol string, orderID, userID int64) (cancelled bool, remaining decimal.Decimal, err error)
	Depth(symbol string, depth int) (models.DepthSnapshot, error)
}

// OrderRecorder persists the Pending order row before it reaches the
// engine (spec §4.4 step 6); the outbox owns the actual write.
type OrderRecorder interface {
	PublishOrder(o models.Order)
}

// pairCounter is the per-symbol monotonic orderId generator (spec §4.3:
// "orderId is globally monotonic per symbol and supplied by Intake").
type pairCounter struct {
	next atomic.Int64
}

// Intake wires together the trading-pair registry, ledger and engine. One
// instance serves every symbol.
type Intake struct {
	ledger    Ledger
	engine    Engine
	orders    OrderRecorder
	pairs     map[string]*models.TradingPair
	counters  map[string]*pairCounter
}

// New constructs an Intake over the given trading pairs. seedOrderIDs
// supplies each symbol's last-assigned orderId at warm start (spec §4.4:
// "Assign orderId (monotonic per symbol)"); pairs absent from it start
// counting from 1.
func New(ledger Ledger, engine Engine, orders OrderRecorder, pairs []*models.TradingPair, seedOrderIDs map[string]int64) *Intake {
	in := &Intake{
		ledger:   ledger,
		engine:   engine,
		orders:   orders,
		pairs:    make(map[string]*models.TradingPair, len(pairs)),
		counters: make(map[string]*pairCounter, len(pairs)),
	}
	for _, p := range pairs {
		in.pairs[p.Symbol] = p
		c := &pairCounter{}
		c.next.Store(seedOrderIDs[p.Symbol])
		in.counters[p.Symbol] = c
	}
	return in
}

// nextOrderID returns the next monotonic id for symbol.
func (in *Intake) nextOrderID(symbol string) int64 {
	return in.counters[symbol].next.Add(1)
}

// Submit runs Order Intake & Validation end to end (spec §4.4 steps 1-6)
// and, on success, blocks until the engine has fully processed the order.
func (in *Intake) Submit(ctx context.Context, req models.CreateOrderRequest) (*models.Order, error) {
	pair, ok := in.pairs[req.Symbol]
	if !ok {
		return nil, apperrors.ErrUnknownSymbol
	}
	if !pair.IsActive {
		return nil, apperrors.ErrInactiveSymbol
	}

	quantity := req.Quantity.Truncate(pair.QuantityPrecision)
	if quantity.Sign() <= 0 {
		return nil, apperrors.ErrInvalidQuantity
	}

	var price *decimal.Decimal
	if req.Type == models.OrderTypeLimit {
		if req.Price == nil {
			return nil, apperrors.ErrInvalidPrice
		}
		p := req.Price.Truncate(pair.PricePrecision)
		if p.Sign() <= 0 {
			return nil, apperrors.ErrInvalidPrice
		}
		price = &p
	}

	if quantity.LessThan(pair.MinQty) || quantity.GreaterThan(pair.MaxQty) {
		return nil, apperrors.ErrOutOfBounds
	}

	isMarketBuy := req.Type == models.OrderTypeMarket && req.Side == models.OrderSideBuy

	var quoteBudget decimal.Decimal
	freezeAsset := pair.BaseAsset
	freezeAmount := quantity

	switch {
	case req.Type == models.OrderTypeLimit && req.Side == models.OrderSideBuy:
		freezeAsset = pair.QuoteAsset
		freezeAmount = quantity.Mul(*price).Truncate(pair.PricePrecision)
	case req.Type == models.OrderTypeLimit && req.Side == models.OrderSideSell:
		freezeAsset = pair.BaseAsset
		freezeAmount = quantity
	case req.Type == models.OrderTypeMarket && req.Side == models.OrderSideSell:
		freezeAsset = pair.BaseAsset
		freezeAmount = quantity
	case isMarketBuy:
		estimatedPrice, err := in.bestAsk(req.Symbol)
		if err != nil {
			return nil, err
		}
		freezeAsset = pair.QuoteAsset
		freezeAmount = quantity.Mul(estimatedPrice).Mul(slippageBuffer).Truncate(pair.PricePrecision)
		quoteBudget = freezeAmount
	}

	exempt := in.ledger.IsMarketMaker(req.UserID)
	if !exempt {
		if err := in.ledger.Freeze(req.UserID, freezeAsset, freezeAmount); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	orderID := in.nextOrderID(req.Symbol)
	order := &models.Order{
		ID: orderID, UserID: req.UserID, TradingPairID: pair.ID, Symbol: req.Symbol,
		Side: req.Side, Type: req.Type, Price: price, Quantity: quantity,
		Status: models.OrderStatusPending, CreatedAt: now, UpdatedAt: now,
	}
	if in.orders != nil {
		in.orders.PublishOrder(*order)
	}

	book := &models.BookOrder{
		OrderID: orderID, UserID: req.UserID, Side: req.Side, Type: req.Type,
		Size: quantity, Funds: quoteBudget, CreatedAt: now,
	}
	if price != nil {
		book.Price = *price
	}

	if err := in.engine.Submit(ctx, req.Symbol, book); err != nil {
		if !exempt {
			_ = in.ledger.Unfreeze(req.UserID, freezeAsset, freezeAmount)
		}
		return nil, err
	}

	// Post-trade reconciliation for a market-buy's 1.01 over-freeze happens
	// in settlement.Settlement.unfreezeResidual, driven by the engine's own
	// Done(Cancelled, remaining_funds) log entry, not here.

	return order, nil
}

// Cancel forwards to the engine; Intake has no state of its own to clean
// up (unfreezing the remainder is settlement's job, triggered by the
// resulting Done log entry).
func (in *Intake) Cancel(ctx context.Context, symbol string, orderID, userID int64) (cancelled bool, remaining decimal.Decimal, err error) {
	return in.engine.Cancel(ctx, symbol, orderID, userID)
}

// bestAsk returns the best ask price for symbol, or ErrNoLiquidity if the
// book is empty (spec §4.4 step 4, market-buy branch).
func (in *Intake) bestAsk(symbol string) (decimal.Decimal, error) {
	depth, err := in.engine.Depth(symbol, 1)
	if err != nil {
		return decimal.Zero, err
	}
	if len(depth.Asks) == 0 {
		return decimal.Zero, apperrors.ErrNoLiquidity
	}
	return depth.Asks[0].Price, nil
}

// slippageBuffer absorbs price movement during crossing for a market buy
// bounded by a quote-asset budget (spec §4.4, design note "1.01 literal").
var slippageBuffer = decimal.NewFromFloat(1.01)
