package ledger

import (
	"errors"
	"testing"

	"order-matching-engine/internal/apperrors"
	"order-matching-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	assets []models.Asset
}

func (f *fakePublisher) PublishAsset(a models.Asset) { f.assets = append(f.assets, a) }

func TestLedger_FreezeUnfreeze(t *testing.T) {
	pub := &fakePublisher{}
	l := New(pub, nil)
	l.LoadSnapshot(1, "BTCUSDT", decimal.NewFromInt(10), decimal.Zero)

	require.NoError(t, l.Freeze(1, "BTCUSDT", decimal.NewFromInt(4)))
	avail, frozen := l.Get(1, "BTCUSDT")
	assert.True(t, decimal.NewFromInt(6).Equal(avail))
	assert.True(t, decimal.NewFromInt(4).Equal(frozen))

	require.NoError(t, l.Unfreeze(1, "BTCUSDT", decimal.NewFromInt(4)))
	avail, frozen = l.Get(1, "BTCUSDT")
	assert.True(t, decimal.NewFromInt(10).Equal(avail))
	assert.True(t, decimal.Zero.Equal(frozen))

	assert.Len(t, pub.assets, 2)
}

func TestLedger_FreezeInsufficientAvailable(t *testing.T) {
	l := New(nil, nil)
	l.LoadSnapshot(1, "BTCUSDT", decimal.NewFromInt(1), decimal.Zero)

	err := l.Freeze(1, "BTCUSDT", decimal.NewFromInt(2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientAvailable))
}

func TestLedger_UnfreezeMoreThanFrozenFails(t *testing.T) {
	l := New(nil, nil)
	l.LoadSnapshot(1, "BTCUSDT", decimal.Zero, decimal.NewFromInt(1))

	err := l.Unfreeze(1, "BTCUSDT", decimal.NewFromInt(2))
	require.Error(t, err)
}

func TestLedger_SettleDebitAndCredit(t *testing.T) {
	l := New(nil, nil)
	l.LoadSnapshot(1, "BTCUSDT", decimal.Zero, decimal.NewFromInt(5))
	l.LoadSnapshot(2, "BTCUSDT", decimal.Zero, decimal.Zero)

	require.NoError(t, l.SettleDebitFrozen(1, "BTCUSDT", decimal.NewFromInt(5)))
	require.NoError(t, l.SettleCreditAvailable(2, "BTCUSDT", decimal.NewFromInt(5)))

	_, frozen := l.Get(1, "BTCUSDT")
	assert.True(t, decimal.Zero.Equal(frozen))
	avail, _ := l.Get(2, "BTCUSDT")
	assert.True(t, decimal.NewFromInt(5).Equal(avail))
}

func TestLedger_MarketMakerExemption(t *testing.T) {
	l := New(nil, []int64{42})
	assert.True(t, l.IsMarketMaker(42))
	assert.False(t, l.IsMarketMaker(7))
}

func TestLedger_DistinctCellsDoNotContend(t *testing.T) {
	l := New(nil, nil)
	l.LoadSnapshot(1, "BTCUSDT", decimal.NewFromInt(10), decimal.Zero)
	l.LoadSnapshot(1, "ETHUSDT", decimal.NewFromInt(20), decimal.Zero)

	require.NoError(t, l.Freeze(1, "BTCUSDT", decimal.NewFromInt(10)))
	avail, _ := l.Get(1, "ETHUSDT")
	assert.True(t, decimal.NewFromInt(20).Equal(avail))
}
