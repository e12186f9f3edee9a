// Package settlement implements Trade Settlement (spec §4.5): it consumes
// the engine's ordered Open/Match/Done log and turns it into ledger
// mutations, Trade rows and Order projections.
package settlement

import (
	"sync"

	"order-matching-engine/internal/models"

	"github.com/shopspring/decimal"
)

// Ledger is the balance-custody surface Settlement needs.
type Ledger interface {
	SettleDebitFrozen(userID int64, symbol string, amount decimal.Decimal) error
	SettleDebitAvailable(userID int64, symbol string, amount decimal.Decimal) error
	SettleCreditAvailable(userID int64, symbol string, amount decimal.Decimal) error
	Unfreeze(userID int64, symbol string, amount decimal.Decimal) error
	IsMarketMaker(userID int64) bool
}

// TradeSink persists an immutable Trade row.
type TradeSink interface {
	PublishTrade(t models.Trade)
}

// OrderSink persists an Order row projection.
type OrderSink interface {
	PublishOrder(o models.Order)
}

type orderKey struct {
	symbol  string
	orderID int64
}

// accum is the running per-order state Settlement needs to recompute
// filledQuantity and avgPrice from the weighted sum of an order's Matches
// (spec §4.5), since the engine's log carries only resting-order snapshots.
// frozenQuote is the exact amount Intake froze for a limit buy (quantity *
// limitPrice); notional doubles as the quote actually spent so far, so
// frozenQuote - notional is the price-improvement residual still owed back
// to the buyer at any terminal Done, not only on cancel.
type accum struct {
	order       models.Order
	filledQty   decimal.Decimal
	notional    decimal.Decimal
	frozenQuote decimal.Decimal
}

// Settlement implements engine.LogSink and intake.OrderRecorder.
type Settlement struct {
	ledger Ledger
	trades TradeSink
	orders OrderSink
	pairs  map[string]*models.TradingPair

	mu       sync.Mutex
	registry map[orderKey]*accum
}

// New constructs a Settlement over the given trading pairs (for base/quote
// asset resolution).
func New(ledger Ledger, trades TradeSink, orders OrderSink, pairs []*models.TradingPair) *Settlement {
	s := &Settlement{
		ledger:   ledger,
		trades:   trades,
		orders:   orders,
		pairs:    make(map[string]*models.TradingPair, len(pairs)),
		registry: make(map[orderKey]*accum),
	}
	for _, p := range pairs {
		s.pairs[p.Symbol] = p
	}
	return s
}

// PublishOrder registers a newly-intaken order (Pending status) so later
// Match/Done log entries can be resolved back to it, then forwards the row
// on to the relational projection. Satisfies intake.OrderRecorder.
func (s *Settlement) PublishOrder(o models.Order) {
	a := &accum{order: o}
	if o.Type == models.OrderTypeLimit && o.Side == models.OrderSideBuy && o.Price != nil {
		if pair, ok := s.pairs[o.Symbol]; ok {
			a.frozenQuote = o.Quantity.Mul(*o.Price).Truncate(pair.PricePrecision)
		}
	}

	s.mu.Lock()
	s.registry[orderKey{o.Symbol, o.ID}] = a
	s.mu.Unlock()

	if s.orders != nil {
		s.orders.PublishOrder(o)
	}
}

// Publish consumes one engine log entry. Satisfies engine.LogSink.
func (s *Settlement) Publish(entry models.LogEntry) {
	switch entry.Kind {
	case models.LogEntryOpen:
		s.handleOpen(entry)
	case models.LogEntryMatch:
		s.handleMatch(entry)
	case models.LogEntryDone:
		s.handleDone(entry)
	}
}

func (s *Settlement) handleOpen(entry models.LogEntry) {
	s.mu.Lock()
	a, ok := s.registry[orderKey{entry.Symbol, entry.OpenOrder.OrderID}]
	if !ok {
		s.mu.Unlock()
		return
	}
	a.order.Status = models.OrderStatusActive
	a.order.UpdatedAt = entry.Timestamp
	snapshot := a.order
	s.mu.Unlock()

	if s.orders != nil {
		s.orders.PublishOrder(snapshot)
	}
}

// handleMatch applies the four ledger mutations of one trade as a single
// unit (spec §4.5): they run inline, on the engine's own single-writer
// step, so no additional locking is required for atomicity across them.
func (s *Settlement) handleMatch(entry models.LogEntry) {
	pair := s.pairs[entry.Symbol]
	notional := entry.TradeSize.Mul(entry.TradePrice)

	if s.ledger.IsMarketMaker(entry.BuyerID) {
		// A market maker never pre-freezes (spec §4.4), so it pays directly
		// out of available rather than frozen.
		_ = s.ledger.SettleDebitAvailable(entry.BuyerID, pair.QuoteAsset, notional)
	} else {
		_ = s.ledger.SettleDebitFrozen(entry.BuyerID, pair.QuoteAsset, notional)
	}
	_ = s.ledger.SettleCreditAvailable(entry.BuyerID, pair.BaseAsset, entry.TradeSize)

	if s.ledger.IsMarketMaker(entry.SellerID) {
		_ = s.ledger.SettleDebitAvailable(entry.SellerID, pair.BaseAsset, entry.TradeSize)
	} else {
		_ = s.ledger.SettleDebitFrozen(entry.SellerID, pair.BaseAsset, entry.TradeSize)
	}
	_ = s.ledger.SettleCreditAvailable(entry.SellerID, pair.QuoteAsset, notional)

	s.accumulate(entry.Symbol, entry.TakerOrder.OrderID, entry.TradeSize, entry.TradePrice)
	s.accumulate(entry.Symbol, entry.MakerOrder.OrderID, entry.TradeSize, entry.TradePrice)

	if s.trades != nil {
		s.trades.PublishTrade(models.Trade{
			ID: entry.TradeSeq, TradingPairID: pair.ID, Symbol: entry.Symbol,
			BuyOrderID: entry.BuyOrderID, SellOrderID: entry.SellOrderID,
			BuyerID: entry.BuyerID, SellerID: entry.SellerID,
			Price: entry.TradePrice, Quantity: entry.TradeSize, Fee: decimal.Zero,
			ExecutedAt: entry.Timestamp,
		})
	}
}

func (s *Settlement) accumulate(symbol string, orderID int64, size, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.registry[orderKey{symbol, orderID}]
	if !ok {
		return
	}
	a.filledQty = a.filledQty.Add(size)
	a.notional = a.notional.Add(size.Mul(price))
}

func (s *Settlement) handleDone(entry models.LogEntry) {
	key := orderKey{entry.Symbol, entry.DoneOrder.OrderID}

	s.mu.Lock()
	a, ok := s.registry[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	a.order.FilledQuantity = a.filledQty
	if a.filledQty.Sign() > 0 {
		a.order.AvgPrice = a.notional.Div(a.filledQty)
	}
	if entry.DoneReason == models.DoneReasonFilled {
		a.order.Status = models.OrderStatusFilled
	} else {
		a.order.Status = models.OrderStatusCancelled
	}
	a.order.UpdatedAt = entry.Timestamp
	snapshot := a.order
	frozenQuote := a.frozenQuote
	spentQuote := a.notional
	delete(s.registry, key)
	s.mu.Unlock()

	if s.orders != nil {
		s.orders.PublishOrder(snapshot)
	}

	s.unfreezeResidual(snapshot, entry.DoneReason, entry.DoneRemaining, frozenQuote, spentQuote)
}

// unfreezeResidual returns a terminal order's over-frozen balance (spec
// §4.5 and §4.4 "post-trade reconciliation"), mirroring Intake's
// freeze-side computation per order kind. Market makers never froze
// anything, so there is nothing to return.
//
// A limit buy is settled fill-by-fill at each maker's price, which by the
// maker-price rule is never worse than the buyer's limit price (spec
// §4.3); any price improvement leaves frozen > spent even when the order
// fills completely, so the residual is refunded on every terminal Done,
// not only on cancel (Scenario A). The other order kinds freeze 1:1 with
// the quantity they trade away, so there is no price-improvement residual
// to track and the remaining size/funds reported on a cancel is refunded
// as-is.
func (s *Settlement) unfreezeResidual(order models.Order, reason models.DoneReason, remaining, frozenQuote, spentQuote decimal.Decimal) {
	if s.ledger.IsMarketMaker(order.UserID) {
		return
	}
	pair := s.pairs[order.Symbol]

	if order.Type == models.OrderTypeLimit && order.Side == models.OrderSideBuy {
		if residual := frozenQuote.Sub(spentQuote); residual.Sign() > 0 {
			_ = s.ledger.Unfreeze(order.UserID, pair.QuoteAsset, residual)
		}
		return
	}

	if reason != models.DoneReasonCancelled || remaining.Sign() <= 0 {
		return
	}
	switch {
	case order.Type == models.OrderTypeLimit && order.Side == models.OrderSideSell:
		_ = s.ledger.Unfreeze(order.UserID, pair.BaseAsset, remaining)
	case order.Type == models.OrderTypeMarket && order.Side == models.OrderSideSell:
		_ = s.ledger.Unfreeze(order.UserID, pair.BaseAsset, remaining)
	case order.Type == models.OrderTypeMarket && order.Side == models.OrderSideBuy:
		_ = s.ledger.Unfreeze(order.UserID, pair.QuoteAsset, remaining)
	}
}
