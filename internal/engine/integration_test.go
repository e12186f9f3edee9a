package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"order-matching-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []models.LogEntry
}

func (s *recordingSink) Publish(e models.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *recordingSink) snapshot() []models.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.LogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

type noopSnapshotSink struct{}

func (noopSnapshotSink) Publish(models.DepthSnapshot) {}

func newTestEngine(t *testing.T) (*Engine, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	e := New(sink, noopSnapshotSink{}, 10, 64, nil)
	e.RegisterSymbol("BTCUSD", 8)
	return e, sink
}

// TestEngine_SubmitCrossProducesOrderedLog exercises a crossing limit order
// end to end and checks logSeq/tradeSeq ordering across Match and Done.
func TestEngine_SubmitCrossProducesOrderedLog(t *testing.T) {
	e, sink := newTestEngine(t)
	ctx := context.Background()

	sellPrice := decimal.NewFromInt(50000)
	sell := &models.BookOrder{OrderID: 1, UserID: 10, Side: models.OrderSideSell, Type: models.OrderTypeLimit, Price: sellPrice, Size: decimal.NewFromFloat(1.0)}
	require.NoError(t, e.Submit(ctx, "BTCUSD", sell))

	buy := &models.BookOrder{OrderID: 2, UserID: 20, Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Price: sellPrice, Size: decimal.NewFromFloat(1.0)}
	require.NoError(t, e.Submit(ctx, "BTCUSD", buy))

	entries := sink.snapshot()
	require.Len(t, entries, 4, "Open(sell), Match, Done(sell), Done(buy)")
	assert.Equal(t, models.LogEntryOpen, entries[0].Kind)
	assert.Equal(t, models.LogEntryMatch, entries[1].Kind)
	assert.Equal(t, models.LogEntryDone, entries[2].Kind)
	assert.Equal(t, models.LogEntryDone, entries[3].Kind)

	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Seq, entries[i-1].Seq, "logSeq strictly increasing")
	}
	assert.Equal(t, int64(1), entries[1].TradeSeq)
}

// TestEngine_IdempotentResubmit checks that redelivering the same orderId
// is a no-op: no second set of log entries is produced.
func TestEngine_IdempotentResubmit(t *testing.T) {
	e, sink := newTestEngine(t)
	ctx := context.Background()

	order := &models.BookOrder{OrderID: 1, UserID: 10, Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Price: decimal.NewFromInt(100), Size: decimal.NewFromFloat(1.0)}
	require.NoError(t, e.Submit(ctx, "BTCUSD", order))
	firstLen := len(sink.snapshot())

	require.NoError(t, e.Submit(ctx, "BTCUSD", order))
	assert.Equal(t, firstLen, len(sink.snapshot()), "resubmitting the same id produced no new entries")
}

// TestEngine_CancelUnknownOrderIsNoOp verifies cancelling a never-submitted
// or already-terminal order reports cancelled=false and emits no log entry.
func TestEngine_CancelUnknownOrderIsNoOp(t *testing.T) {
	e, sink := newTestEngine(t)
	ctx := context.Background()

	cancelled, remaining, err := e.Cancel(ctx, "BTCUSD", 999, 1)
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.True(t, remaining.IsZero())
	assert.Empty(t, sink.snapshot())
}

// TestEngine_CancelPartiallyFilledUnfreezesRemaining mirrors scenario D: a
// partially filled resting order is cancelled and its remainder reported.
func TestEngine_CancelPartiallyFilledUnfreezesRemaining(t *testing.T) {
	e, sink := newTestEngine(t)
	ctx := context.Background()

	sell := &models.BookOrder{OrderID: 1, UserID: 10, Side: models.OrderSideSell, Type: models.OrderTypeLimit, Price: decimal.NewFromInt(100), Size: decimal.NewFromFloat(1.0)}
	require.NoError(t, e.Submit(ctx, "BTCUSD", sell))

	buy := &models.BookOrder{OrderID: 2, UserID: 20, Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Price: decimal.NewFromInt(100), Size: decimal.NewFromFloat(0.4)}
	require.NoError(t, e.Submit(ctx, "BTCUSD", buy))

	cancelled, remaining, err := e.Cancel(ctx, "BTCUSD", 1, 10)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.True(t, remaining.Equal(decimal.NewFromFloat(0.6)))

	last := sink.snapshot()
	lastEntry := last[len(last)-1]
	assert.Equal(t, models.LogEntryDone, lastEntry.Kind)
	assert.Equal(t, models.DoneReasonCancelled, lastEntry.DoneReason)
}

// TestEngine_WarmStartReplay seeds a resting order and sequence high-water
// marks the way startup recovery does, then checks new traffic continues
// the sequence instead of restarting it.
func TestEngine_WarmStartReplay(t *testing.T) {
	sink := &recordingSink{}
	e := New(sink, noopSnapshotSink{}, 10, 64, nil)
	e.RegisterSymbol("BTCUSD", 8)

	resting := &models.BookOrder{OrderID: 7, UserID: 1, Side: models.OrderSideSell, Type: models.OrderTypeLimit, Price: decimal.NewFromInt(100), Size: decimal.NewFromFloat(1.0), CreatedAt: time.Now().Add(-time.Hour)}
	e.SeedRestingOrder("BTCUSD", resting)
	e.SeedSequences("BTCUSD", 41, 5)

	ctx := context.Background()
	buy := &models.BookOrder{OrderID: 8, UserID: 2, Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Price: decimal.NewFromInt(100), Size: decimal.NewFromFloat(1.0)}
	require.NoError(t, e.Submit(ctx, "BTCUSD", buy))

	entries := sink.snapshot()
	require.NotEmpty(t, entries)
	assert.Greater(t, entries[0].Seq, int64(41), "sequence resumes from the seeded high-water mark")
	assert.Equal(t, int64(6), entries[0].TradeSeq)
}
