package engine

import (
	"order-matching-engine/internal/models"
	"order-matching-engine/internal/orderbook"

	"github.com/shopspring/decimal"
)

// Fill is one maker crossed during a single Match call (spec §4.3 step 3).
type Fill struct {
	Maker        *models.BookOrder // the resting order as it stood before this fill
	Price        decimal.Decimal   // maker-price rule: always the maker's resting price
	Size         decimal.Decimal
	MakerDone    bool
	MakerRemain  decimal.Decimal
}

// MatchResult is the ordered outcome of crossing one taker against the book.
// The caller (the per-symbol actor in engine.go) turns Fills and the taker's
// final state into a sequence of Match/Done log entries, assigning seq and
// tradeSeq as it goes.
type MatchResult struct {
	Fills []Fill

	// TakerRemainingSize is the taker's unmatched base-asset quantity (limit
	// orders, and market sells). Zero once the taker is exhausted.
	TakerRemainingSize decimal.Decimal

	// TakerRemainingFunds is the taker's unmatched quote-asset budget
	// (market buys only); zero for every other order kind.
	TakerRemainingFunds decimal.Decimal
}

// Matcher implements the price-time-priority matching algorithm (spec
// §4.3). It mutates the book directly as makers are consumed; it assigns
// no sequence numbers and emits no log entries itself.
type Matcher struct {
	basePrecision int32
}

// NewMatcher returns a Matcher that truncates market-buy trade sizes to
// basePrecision decimal places.
func NewMatcher(basePrecision int32) *Matcher {
	return &Matcher{basePrecision: basePrecision}
}

func oppositeSide(side models.OrderSide) models.OrderSide {
	if side == models.OrderSideBuy {
		return models.OrderSideSell
	}
	return models.OrderSideBuy
}

// priceCrosses reports whether a limit taker's price still crosses maker's
// resting price (break condition of step 3a).
func priceCrosses(taker *models.BookOrder, maker *models.BookOrder) bool {
	if taker.Type == models.OrderTypeMarket {
		return true
	}
	if taker.Side == models.OrderSideBuy {
		return taker.Price.GreaterThanOrEqual(maker.Price)
	}
	return taker.Price.LessThanOrEqual(maker.Price)
}

// Match crosses taker against book, mutating resting makers in place via
// book.DecreaseSize. taker.Size (or, for a market buy, taker.Funds) is
// drained as fills accumulate; the caller reads the post-call taker fields
// to decide whether to insert the resting remainder or finalize Done.
func (m *Matcher) Match(book *orderbook.Book, taker *models.BookOrder) *MatchResult {
	result := &MatchResult{}
	opposite := oppositeSide(taker.Side)
	isMarketBuy := taker.Type == models.OrderTypeMarket && taker.Side == models.OrderSideBuy

	for {
		if isMarketBuy {
			if taker.Funds.Sign() <= 0 {
				break
			}
		} else if taker.Size.Sign() <= 0 {
			break
		}

		maker, ok := book.BestLevel(opposite)
		if !ok {
			break
		}
		if !priceCrosses(taker, maker) {
			break
		}

		tradePrice := maker.Price
		var tradeSize decimal.Decimal

		if isMarketBuy {
			candidate := taker.Funds.Div(tradePrice).Truncate(m.basePrecision)
			tradeSize = decimal.Min(candidate, maker.Size)
			if tradeSize.Sign() <= 0 {
				break
			}
			taker.Funds = taker.Funds.Sub(tradeSize.Mul(tradePrice))
		} else {
			tradeSize = decimal.Min(taker.Size, maker.Size)
			taker.Size = taker.Size.Sub(tradeSize)
		}

		makerSnapshot := *maker
		book.DecreaseSize(maker.OrderID, tradeSize)

		result.Fills = append(result.Fills, Fill{
			Maker:       &makerSnapshot,
			Price:       tradePrice,
			Size:        tradeSize,
			MakerDone:   maker.Size.Sign() <= 0,
			MakerRemain: maker.Size,
		})
	}

	result.TakerRemainingSize = taker.Size
	result.TakerRemainingFunds = taker.Funds
	return result
}
