// Package engine implements the per-symbol matching engine core (spec
// §4.3): one single-threaded actor per symbol, consuming Submit/Cancel
// messages in arrival order and emitting an ordered Open/Match/Done log.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"order-matching-engine/internal/apperrors"
	"order-matching-engine/internal/metrics"
	"order-matching-engine/internal/models"
	"order-matching-engine/internal/orderbook"

	"github.com/shopspring/decimal"
)

// LogSink receives the engine's ordered Open/Match/Done stream. Settlement
// and the outbox both implement this (directly or via a fan-out adapter).
type LogSink interface {
	Publish(entry models.LogEntry)
}

// SnapshotSink receives best-effort depth snapshots after each processed
// message (spec §4.7). Implementations must never block.
type SnapshotSink interface {
	Publish(snap models.DepthSnapshot)
}

type cancelResult struct {
	cancelled bool
	remaining decimal.Decimal
}

type msgKind int

const (
	msgSubmit msgKind = iota
	msgCancel
)

type actorMessage struct {
	kind          msgKind
	order         *models.BookOrder
	cancelOrderID int64
	cancelUserID  int64
	done          chan struct{}
	cancelResult  *cancelResult
}

// symbolActor is the single-writer goroutine owning one symbol's Order
// Book, processedOrderIds set and log sequencing state (spec §5: "Order
// Book: mutated only by its owning engine actor").
type symbolActor struct {
	symbol   string
	book     *orderbook.Book
	matcher  *Matcher
	inbox    chan actorMessage
	stop     chan struct{}

	logSeq    int64
	tradeSeq  int64
	processed map[int64]bool

	logSink   LogSink
	snapSink  SnapshotSink
	snapDepth int
	metrics   *metrics.Registry
}

func (a *symbolActor) run() {
	for {
		select {
		case msg := <-a.inbox:
			a.handle(msg)
			close(msg.done)
		case <-a.stop:
			return
		}
	}
}

func (a *symbolActor) handle(msg actorMessage) {
	defer func() {
		if r := recover(); r != nil {
			// An engine invariant breach is fatal-and-replay (spec §7); the
			// actor halts rather than risk silently corrupting the book.
			if a.metrics != nil {
				a.metrics.EngineFatal.WithLabelValues(a.symbol, fmt.Sprint(r)).Inc()
			}
			panic(r)
		}
	}()

	switch msg.kind {
	case msgSubmit:
		a.handleSubmit(msg.order)
	case msgCancel:
		*msg.cancelResult = a.handleCancel(msg.cancelOrderID, msg.cancelUserID)
	}
}

func (a *symbolActor) publish(entry models.LogEntry) {
	if a.logSink != nil {
		a.logSink.Publish(entry)
	}
}

func (a *symbolActor) publishSnapshot() {
	if a.snapSink != nil {
		a.snapSink.Publish(a.book.Snapshot(a.snapDepth))
	}
}

// handleSubmit implements the Submit algorithm (spec §4.3 steps 1-5).
func (a *symbolActor) handleSubmit(order *models.BookOrder) {
	if a.processed[order.OrderID] {
		return
	}

	now := time.Now()
	result := a.matcher.Match(a.book, order)

	for _, f := range result.Fills {
		a.tradeSeq++
		a.logSeq++

		buyOrderID, sellOrderID := order.OrderID, f.Maker.OrderID
		buyerID, sellerID := order.UserID, f.Maker.UserID
		if order.Side == models.OrderSideSell {
			buyOrderID, sellOrderID = f.Maker.OrderID, order.OrderID
			buyerID, sellerID = f.Maker.UserID, order.UserID
		}

		a.publish(models.LogEntry{
			Kind: models.LogEntryMatch, Seq: a.logSeq, Symbol: a.symbol, Timestamp: now,
			TradeSeq: a.tradeSeq, TakerOrder: order, MakerOrder: f.Maker,
			TradePrice: f.Price, TradeSize: f.Size,
			BuyOrderID: buyOrderID, SellOrderID: sellOrderID, BuyerID: buyerID, SellerID: sellerID,
		})

		if f.MakerDone {
			a.logSeq++
			a.publish(models.LogEntry{
				Kind: models.LogEntryDone, Seq: a.logSeq, Symbol: a.symbol, Timestamp: now,
				DoneOrder: f.Maker, DoneRemaining: decimal.Zero, DoneReason: models.DoneReasonFilled,
			})
		}
	}

	if order.Type == models.OrderTypeLimit && result.TakerRemainingSize.Sign() > 0 {
		order.Size = result.TakerRemainingSize
		a.book.Insert(order)
		a.logSeq++
		a.publish(models.LogEntry{
			Kind: models.LogEntryOpen, Seq: a.logSeq, Symbol: a.symbol, Timestamp: now, OpenOrder: order,
		})
	} else {
		remaining := result.TakerRemainingSize
		reason := models.DoneReasonFilled
		if order.Type == models.OrderTypeMarket {
			if order.Side == models.OrderSideBuy {
				remaining = result.TakerRemainingFunds
			}
			if remaining.Sign() > 0 {
				reason = models.DoneReasonCancelled
			}
		}
		a.logSeq++
		a.publish(models.LogEntry{
			Kind: models.LogEntryDone, Seq: a.logSeq, Symbol: a.symbol, Timestamp: now,
			DoneOrder: order, DoneRemaining: remaining, DoneReason: reason,
		})
	}

	a.processed[order.OrderID] = true
	a.publishSnapshot()
}

// handleCancel implements the Cancel algorithm (spec §4.3): mark the
// orderId processed, then remove it from the book. A second Cancel of the
// same id finds nothing left to remove and reports cancelled=false,
// matching "cancelling an already-terminal order is a no-op" (spec §8).
func (a *symbolActor) handleCancel(orderID, userID int64) cancelResult {
	a.processed[orderID] = true
	o, ok := a.book.Remove(orderID)
	if !ok {
		return cancelResult{cancelled: false}
	}

	a.logSeq++
	a.publish(models.LogEntry{
		Kind: models.LogEntryDone, Seq: a.logSeq, Symbol: a.symbol, Timestamp: time.Now(),
		DoneOrder: o, DoneRemaining: o.Size, DoneReason: models.DoneReasonCancelled,
	})
	a.publishSnapshot()
	return cancelResult{cancelled: true, remaining: o.Size}
}

// Engine fans Submit/Cancel/Depth calls out to one symbolActor per symbol.
// Symbol lookup is lock-free on the common path via atomic.Value
// copy-on-write (grounded on saiputravu-Exchange's ExchangeEngine),
// generalized from float64 order fields to decimal.Decimal and from a
// custom ring buffer to a plain buffered channel.
type Engine struct {
	actors atomic.Value // map[string]*symbolActor
	mu     sync.Mutex   // serializes actor creation only

	logSink    LogSink
	snapSink   SnapshotSink
	snapDepth  int
	bufferSize int
	metrics    *metrics.Registry
}

// New constructs an Engine. bufferSize is the per-symbol inbox capacity
// (backpressure: Submit/Cancel block once full, per spec §5).
func New(logSink LogSink, snapSink SnapshotSink, snapDepth, bufferSize int, reg *metrics.Registry) *Engine {
	e := &Engine{
		logSink: logSink, snapSink: snapSink, snapDepth: snapDepth,
		bufferSize: bufferSize, metrics: reg,
	}
	e.actors.Store(make(map[string]*symbolActor))
	return e
}

// RegisterSymbol starts a dedicated actor goroutine for symbol with the
// given base-asset precision (used to truncate market-buy trade sizes).
// Idempotent: re-registering an already-running symbol is a no-op.
func (e *Engine) RegisterSymbol(symbol string, basePrecision int32) {
	actors := e.actors.Load().(map[string]*symbolActor)
	if _, ok := actors[symbol]; ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	actors = e.actors.Load().(map[string]*symbolActor)
	if _, ok := actors[symbol]; ok {
		return
	}

	a := &symbolActor{
		symbol:    symbol,
		book:      orderbook.New(symbol),
		matcher:   NewMatcher(basePrecision),
		inbox:     make(chan actorMessage, e.bufferSize),
		stop:      make(chan struct{}),
		processed: make(map[int64]bool),
		logSink:   e.logSink,
		snapSink:  e.snapSink,
		snapDepth: e.snapDepth,
		metrics:   e.metrics,
	}
	go a.run()

	next := make(map[string]*symbolActor, len(actors)+1)
	for k, v := range actors {
		next[k] = v
	}
	next[symbol] = a
	e.actors.Store(next)
}

// SeedSequences sets a freshly-registered symbol's logSeq/tradeSeq to
// resume from a warm-start high-water mark (spec §4.3, §5 recovery).
// Must be called before any Submit/Cancel reaches the symbol.
func (e *Engine) SeedSequences(symbol string, logSeq, tradeSeq int64) {
	if a, ok := e.lookup(symbol); ok {
		a.logSeq = logSeq
		a.tradeSeq = tradeSeq
	}
}

// SeedRestingOrder inserts a resting order directly into a symbol's book
// and marks it processed, for warm-start replay. Must be called before
// the actor goroutine is handling live traffic (i.e. during startup,
// before RegisterSymbol's goroutine sees any Submit/Cancel).
func (e *Engine) SeedRestingOrder(symbol string, o *models.BookOrder) {
	if a, ok := e.lookup(symbol); ok {
		a.book.Insert(o)
		a.processed[o.OrderID] = true
	}
}

func (e *Engine) lookup(symbol string) (*symbolActor, bool) {
	actors := e.actors.Load().(map[string]*symbolActor)
	a, ok := actors[symbol]
	return a, ok
}

// Submit enqueues order for matching on its symbol and blocks until the
// actor has fully processed it (so the caller observes a consistent
// ordering guarantee for its own submissions; see spec §5). Returns
// ErrUnknownSymbol if the symbol has no registered actor.
func (e *Engine) Submit(ctx context.Context, symbol string, order *models.BookOrder) error {
	a, ok := e.lookup(symbol)
	if !ok {
		return apperrors.ErrUnknownSymbol
	}

	msg := actorMessage{kind: msgSubmit, order: order, done: make(chan struct{})}
	select {
	case a.inbox <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-msg.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel enqueues a cancel request and blocks for its outcome.
func (e *Engine) Cancel(ctx context.Context, symbol string, orderID, userID int64) (cancelled bool, remaining decimal.Decimal, err error) {
	a, ok := e.lookup(symbol)
	if !ok {
		return false, decimal.Zero, apperrors.ErrUnknownSymbol
	}

	var res cancelResult
	msg := actorMessage{kind: msgCancel, cancelOrderID: orderID, cancelUserID: userID, done: make(chan struct{}), cancelResult: &res}
	select {
	case a.inbox <- msg:
	case <-ctx.Done():
		return false, decimal.Zero, ctx.Err()
	}
	select {
	case <-msg.done:
		return res.cancelled, res.remaining, nil
	case <-ctx.Done():
		return false, decimal.Zero, ctx.Err()
	}
}

// Depth returns a snapshot of the book directly, bypassing the actor's
// inbox: Book.Snapshot takes its own lock, so depth reads never contend
// with or reorder behind queued Submit/Cancel traffic.
func (e *Engine) Depth(symbol string, depth int) (models.DepthSnapshot, error) {
	a, ok := e.lookup(symbol)
	if !ok {
		return models.DepthSnapshot{}, apperrors.ErrUnknownSymbol
	}
	return a.book.Snapshot(depth), nil
}

// Stop halts every symbol actor; cmd/server calls it during graceful
// shutdown.
func (e *Engine) Stop() {
	actors := e.actors.Load().(map[string]*symbolActor)
	for _, a := range actors {
		close(a.stop)
	}
}
