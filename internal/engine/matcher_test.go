package engine

import (
	"testing"
	"time"

	"order-matching-engine/internal/models"
	"order-matching-engine/internal/orderbook"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restingOrder(id int64, side models.OrderSide, price, size float64, at time.Time) *models.BookOrder {
	return &models.BookOrder{
		OrderID:   id,
		Side:      side,
		Type:      models.OrderTypeLimit,
		Price:     decimal.NewFromFloat(price),
		Size:      decimal.NewFromFloat(size),
		CreatedAt: at,
	}
}

// TestMatcher_LimitLimitFullMatch verifies a 1:1 limit/limit match at the
// resting order's price (maker-price rule) leaves both sides exhausted.
func TestMatcher_LimitLimitFullMatch(t *testing.T) {
	matcher := NewMatcher(8)
	book := orderbook.New("BTCUSD")
	book.Insert(restingOrder(1, models.OrderSideSell, 50000, 1.0, time.Now().Add(-time.Minute)))

	taker := &models.BookOrder{
		OrderID: 2, Side: models.OrderSideBuy, Type: models.OrderTypeLimit,
		Price: decimal.NewFromInt(50000), Size: decimal.NewFromFloat(1.0),
	}

	result := matcher.Match(book, taker)

	require.Len(t, result.Fills, 1)
	assert.True(t, result.Fills[0].Price.Equal(decimal.NewFromInt(50000)))
	assert.True(t, result.Fills[0].Size.Equal(decimal.NewFromFloat(1.0)))
	assert.True(t, result.Fills[0].MakerDone)
	assert.True(t, result.TakerRemainingSize.IsZero())

	_, ok := book.Get(1)
	assert.False(t, ok, "fully filled maker is removed from the book")
}

// TestMatcher_LimitLimitPartialFill ensures a larger incoming buy partially
// fills a smaller resting sell, leaving the remainder unmatched on the taker.
func TestMatcher_LimitLimitPartialFill(t *testing.T) {
	matcher := NewMatcher(8)
	book := orderbook.New("BTCUSD")
	book.Insert(restingOrder(1, models.OrderSideSell, 50000, 0.5, time.Now().Add(-time.Minute)))

	taker := &models.BookOrder{
		OrderID: 2, Side: models.OrderSideBuy, Type: models.OrderTypeLimit,
		Price: decimal.NewFromInt(50000), Size: decimal.NewFromFloat(1.0),
	}

	result := matcher.Match(book, taker)

	require.Len(t, result.Fills, 1)
	assert.True(t, result.Fills[0].Size.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, result.Fills[0].MakerDone)
	assert.True(t, result.TakerRemainingSize.Equal(decimal.NewFromFloat(0.5)))
}

// TestMatcher_MarketOrderConsumingMultipleLevels confirms a market buy whose
// quote budget covers all three ask levels (0.3*50000 + 0.4*50100 +
// 0.5*50200 = 60140) walks the book across them, one fill per level.
func TestMatcher_MarketOrderConsumingMultipleLevels(t *testing.T) {
	matcher := NewMatcher(8)
	book := orderbook.New("BTCUSD")
	prices := []float64{50000, 50100, 50200}
	sizes := []float64{0.3, 0.4, 0.5}
	now := time.Now()
	for i := range prices {
		book.Insert(restingOrder(int64(i+1), models.OrderSideSell, prices[i], sizes[i], now.Add(-time.Duration(i+1)*time.Minute)))
	}

	taker := &models.BookOrder{
		OrderID: 4, Side: models.OrderSideBuy, Type: models.OrderTypeMarket,
		Funds: decimal.NewFromInt(60140),
	}

	result := matcher.Match(book, taker)

	require.Len(t, result.Fills, 3)
	for i, expected := range []struct {
		price, size float64
		makerID     int64
	}{{50000, 0.3, 1}, {50100, 0.4, 2}, {50200, 0.5, 3}} {
		f := result.Fills[i]
		assert.True(t, f.Price.Equal(decimal.NewFromFloat(expected.price)), "fill %d price", i)
		assert.True(t, f.Size.Equal(decimal.NewFromFloat(expected.size)), "fill %d size", i)
		assert.Equal(t, expected.makerID, f.Maker.OrderID, "fill %d maker", i)
		assert.True(t, f.MakerDone)
	}
	assert.True(t, result.TakerRemainingFunds.IsZero())
}

// TestMatcher_MarketOrderThinLiquidityLeavesResidual ensures a market sell
// larger than the opposite liquidity fills what rests there and reports the
// unfilled remainder (the caller, not the matcher, decides this becomes
// Done-Cancelled).
func TestMatcher_MarketOrderThinLiquidityLeavesResidual(t *testing.T) {
	matcher := NewMatcher(8)
	book := orderbook.New("BTCUSD")
	book.Insert(restingOrder(1, models.OrderSideBuy, 50000, 0.3, time.Now().Add(-time.Minute)))

	taker := &models.BookOrder{
		OrderID: 2, Side: models.OrderSideSell, Type: models.OrderTypeMarket,
		Size: decimal.NewFromFloat(1.0),
	}

	result := matcher.Match(book, taker)

	require.Len(t, result.Fills, 1)
	assert.True(t, result.Fills[0].Size.Equal(decimal.NewFromFloat(0.3)))
	assert.True(t, result.TakerRemainingSize.Equal(decimal.NewFromFloat(0.7)), "unfilled remainder reported, not silently dropped")
}

// TestMatcher_FIFOSamePrice verifies FIFO ordering within a price level.
func TestMatcher_FIFOSamePrice(t *testing.T) {
	matcher := NewMatcher(8)
	book := orderbook.New("BTCUSD")
	now := time.Now()
	book.Insert(restingOrder(1, models.OrderSideSell, 50000, 0.5, now.Add(-2*time.Minute)))
	book.Insert(restingOrder(2, models.OrderSideSell, 50000, 0.5, now.Add(-1*time.Minute)))

	taker := &models.BookOrder{
		OrderID: 3, Side: models.OrderSideBuy, Type: models.OrderTypeLimit,
		Price: decimal.NewFromInt(50000), Size: decimal.NewFromFloat(0.3),
	}

	result := matcher.Match(book, taker)

	require.Len(t, result.Fills, 1)
	assert.Equal(t, int64(1), result.Fills[0].Maker.OrderID, "FIFO: order 1 arrived first")

	o1, ok := book.Get(1)
	require.True(t, ok)
	assert.True(t, o1.Size.Equal(decimal.NewFromFloat(0.2)))

	_, ok = book.Get(2)
	require.True(t, ok, "order 2 untouched")
}

// TestMatcher_MarketBuyFundsBudget verifies a market buy bounded by a quote
// budget truncates the candidate size to basePrecision and stops once funds
// are smaller than one precision-unit at the prevailing price.
func TestMatcher_MarketBuyFundsBudget(t *testing.T) {
	matcher := NewMatcher(2)
	book := orderbook.New("BTCUSD")
	book.Insert(restingOrder(1, models.OrderSideSell, 100, 1.0, time.Now().Add(-time.Minute)))

	taker := &models.BookOrder{
		OrderID: 2, Side: models.OrderSideBuy, Type: models.OrderTypeMarket,
		Funds: decimal.NewFromFloat(51),
	}

	result := matcher.Match(book, taker)

	require.Len(t, result.Fills, 1)
	assert.True(t, result.Fills[0].Size.Equal(decimal.NewFromFloat(0.5)), "51/100 truncated to 2dp")
	assert.True(t, result.TakerRemainingFunds.Equal(decimal.NewFromInt(1)), "51 - 0.5*100 = 1 residual")
}
