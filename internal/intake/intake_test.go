package intake

import (
	"context"
	"errors"
	"testing"

	"order-matching-engine/internal/apperrors"
	"order-matching-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	frozen       map[string]decimal.Decimal
	unfrozen     map[string]decimal.Decimal
	marketMakers map[int64]bool
	freezeErr    error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{frozen: map[string]decimal.Decimal{}, unfrozen: map[string]decimal.Decimal{}, marketMakers: map[int64]bool{}}
}

func (f *fakeLedger) IsMarketMaker(userID int64) bool { return f.marketMakers[userID] }

func (f *fakeLedger) Freeze(userID int64, symbol string, amount decimal.Decimal) error {
	if f.freezeErr != nil {
		return f.freezeErr
	}
	f.frozen[symbol] = f.frozen[symbol].Add(amount)
	return nil
}

func (f *fakeLedger) Unfreeze(userID int64, symbol string, amount decimal.Decimal) error {
	f.unfrozen[symbol] = f.unfrozen[symbol].Add(amount)
	return nil
}

type fakeEngine struct {
	submitErr  error
	lastOrder  *models.BookOrder
	depth      models.DepthSnapshot
	cancelled  bool
	remaining  decimal.Decimal
}

func (f *fakeEngine) Submit(ctx context.Context, symbol string, order *models.BookOrder) error {
	f.lastOrder = order
	return f.submitErr
}

func (f *fakeEngine) Cancel(ctx context.Context, symbol string, orderID, userID int64) (bool, decimal.Decimal, error) {
	return f.cancelled, f.remaining, nil
}

func (f *fakeEngine) Depth(symbol string, depth int) (models.DepthSnapshot, error) {
	return f.depth, nil
}

type fakeRecorder struct {
	orders []models.Order
}

func (f *fakeRecorder) PublishOrder(o models.Order) { f.orders = append(f.orders, o) }

func testPair() *models.TradingPair {
	return &models.TradingPair{
		ID: 1, Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT",
		PricePrecision: 2, QuantityPrecision: 4,
		MinQty: decimal.NewFromFloat(0.001), MaxQty: decimal.NewFromInt(100), IsActive: true,
	}
}

func TestIntake_LimitBuyFreezesQuote(t *testing.T) {
	ledger := newFakeLedger()
	engine := &fakeEngine{}
	rec := &fakeRecorder{}
	in := New(ledger, engine, rec, []*models.TradingPair{testPair()}, nil)

	price := decimal.NewFromInt(100)
	order, err := in.Submit(context.Background(), models.CreateOrderRequest{
		UserID: 1, Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit,
		Price: &price, Quantity: decimal.NewFromFloat(2),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), order.ID)
	assert.True(t, ledger.frozen["USDT"].Equal(decimal.NewFromInt(200)))
	require.Len(t, rec.orders, 1)
	assert.Equal(t, models.OrderStatusPending, rec.orders[0].Status)
}

func TestIntake_LimitSellFreezesBase(t *testing.T) {
	ledger := newFakeLedger()
	engine := &fakeEngine{}
	in := New(ledger, engine, nil, []*models.TradingPair{testPair()}, nil)

	price := decimal.NewFromInt(100)
	_, err := in.Submit(context.Background(), models.CreateOrderRequest{
		UserID: 1, Symbol: "BTCUSDT", Side: models.OrderSideSell, Type: models.OrderTypeLimit,
		Price: &price, Quantity: decimal.NewFromFloat(1.5),
	})
	require.NoError(t, err)
	assert.True(t, ledger.frozen["BTC"].Equal(decimal.NewFromFloat(1.5)))
}

func TestIntake_MarketBuyFreezesBufferedEstimate(t *testing.T) {
	ledger := newFakeLedger()
	engine := &fakeEngine{depth: models.DepthSnapshot{Asks: []models.OrderBookLevel{{Price: decimal.NewFromInt(100)}}}}
	in := New(ledger, engine, nil, []*models.TradingPair{testPair()}, nil)

	_, err := in.Submit(context.Background(), models.CreateOrderRequest{
		UserID: 1, Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeMarket,
		Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.True(t, ledger.frozen["USDT"].Equal(decimal.NewFromInt(101)), "1 * 100 * 1.01")
	assert.True(t, engine.lastOrder.Funds.Equal(decimal.NewFromInt(101)))
}

func TestIntake_MarketBuyNoLiquidityRejectsWithoutFreeze(t *testing.T) {
	ledger := newFakeLedger()
	engine := &fakeEngine{}
	in := New(ledger, engine, nil, []*models.TradingPair{testPair()}, nil)

	_, err := in.Submit(context.Background(), models.CreateOrderRequest{
		UserID: 1, Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeMarket,
		Quantity: decimal.NewFromInt(1),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNoLiquidity))
	assert.True(t, ledger.frozen["USDT"].IsZero())
}

func TestIntake_MarketMakerSkipsFreeze(t *testing.T) {
	ledger := newFakeLedger()
	ledger.marketMakers[42] = true
	engine := &fakeEngine{}
	in := New(ledger, engine, nil, []*models.TradingPair{testPair()}, nil)

	price := decimal.NewFromInt(100)
	_, err := in.Submit(context.Background(), models.CreateOrderRequest{
		UserID: 42, Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit,
		Price: &price, Quantity: decimal.NewFromFloat(2),
	})
	require.NoError(t, err)
	assert.True(t, ledger.frozen["USDT"].IsZero())
}

func TestIntake_QuantityBelowMinIsRejected(t *testing.T) {
	ledger := newFakeLedger()
	engine := &fakeEngine{}
	in := New(ledger, engine, nil, []*models.TradingPair{testPair()}, nil)

	price := decimal.NewFromInt(100)
	_, err := in.Submit(context.Background(), models.CreateOrderRequest{
		UserID: 1, Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit,
		Price: &price, Quantity: decimal.NewFromFloat(0.0001),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrOutOfBounds))
}

func TestIntake_EngineFailureUnfreezes(t *testing.T) {
	ledger := newFakeLedger()
	engine := &fakeEngine{submitErr: errors.New("boom")}
	in := New(ledger, engine, nil, []*models.TradingPair{testPair()}, nil)

	price := decimal.NewFromInt(100)
	_, err := in.Submit(context.Background(), models.CreateOrderRequest{
		UserID: 1, Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit,
		Price: &price, Quantity: decimal.NewFromFloat(2),
	})
	require.Error(t, err)
	assert.True(t, ledger.unfrozen["USDT"].Equal(decimal.NewFromInt(200)))
}

// TestIntake_MarketBuyLeavesResidualForSettlement confirms Intake itself
// never unfreezes a market-buy's leftover budget: that is settlement's job,
// driven by the engine's own Done(Cancelled, remaining_funds) log entry,
// so Intake must not race it with a second unfreeze of the same funds.
func TestIntake_MarketBuyLeavesResidualForSettlement(t *testing.T) {
	ledger := newFakeLedger()
	engine := &fakeEngine{depth: models.DepthSnapshot{Asks: []models.OrderBookLevel{{Price: decimal.NewFromInt(100)}}}}
	in := New(ledger, engine, nil, []*models.TradingPair{testPair()}, nil)

	engineWithSpend := &spendingEngine{fakeEngine: engine, spend: decimal.NewFromInt(50)}
	in.engine = engineWithSpend

	_, err := in.Submit(context.Background(), models.CreateOrderRequest{
		UserID: 1, Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeMarket,
		Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.True(t, ledger.unfrozen["USDT"].IsZero(), "intake does not unfreeze; settlement owns the residual")
	assert.True(t, engineWithSpend.lastOrder.Funds.Equal(decimal.NewFromInt(51)), "101 frozen - 50 spent = 51 left for settlement to see")
}

type spendingEngine struct {
	*fakeEngine
	spend decimal.Decimal
}

func (s *spendingEngine) Submit(ctx context.Context, symbol string, order *models.BookOrder) error {
	order.Funds = order.Funds.Sub(s.spend)
	s.lastOrder = order
	return nil
}

func TestIntake_SeededOrderIDsResumeFromWarmStart(t *testing.T) {
	ledger := newFakeLedger()
	engine := &fakeEngine{}
	in := New(ledger, engine, nil, []*models.TradingPair{testPair()}, map[string]int64{"BTCUSDT": 99})

	price := decimal.NewFromInt(100)
	order, err := in.Submit(context.Background(), models.CreateOrderRequest{
		UserID: 1, Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit,
		Price: &price, Quantity: decimal.NewFromFloat(1),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), order.ID)
}
