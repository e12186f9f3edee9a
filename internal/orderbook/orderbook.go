// Package orderbook implements the in-memory, per-symbol limit order book
// (spec §4.2): price levels ordered by price-time priority, FIFO within a
// level. Resting orders are indexed with a balanced tree instead of the
// map-plus-resorted-slice the order-matching teacher used, so inserting at
// a new price level is O(log n) instead of a full re-sort of every price
// on every insert.
package orderbook

import (
	"sync"
	"time"

	"order-matching-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// level is one FIFO queue of resting orders at a single price.
type level struct {
	price  decimal.Decimal
	orders []*models.BookOrder
}

func (lv *level) totalSize() decimal.Decimal {
	total := decimal.Zero
	for _, o := range lv.orders {
		total = total.Add(o.Size)
	}
	return total
}

// Book is the order book for a single symbol. It is not safe for
// concurrent mutation: the engine's per-symbol actor goroutine owns it
// exclusively (spec §4.5, "single-writer-per-symbol"). Snapshot is the one
// method other goroutines may call; it takes its own lock so depth queries
// never race the actor's writes.
type Book struct {
	Symbol string

	bids *btree.BTreeG[*level] // ordered best-first: highest price first
	asks *btree.BTreeG[*level] // ordered best-first: lowest price first

	byID map[int64]*models.BookOrder

	snapMu sync.RWMutex
}

// New constructs an empty book for symbol.
func New(symbol string) *Book {
	return &Book{
		Symbol: symbol,
		bids:   btree.NewBTreeG[*level](func(a, b *level) bool { return a.price.GreaterThan(b.price) }),
		asks:   btree.NewBTreeG[*level](func(a, b *level) bool { return a.price.LessThan(b.price) }),
		byID:   make(map[int64]*models.BookOrder),
	}
}

func (b *Book) treeFor(side models.OrderSide) *btree.BTreeG[*level] {
	if side == models.OrderSideBuy {
		return b.bids
	}
	return b.asks
}

// Insert adds a resting limit order to the book, at the back of its price
// level's FIFO queue (invariant P2: time priority within a level).
func (b *Book) Insert(o *models.BookOrder) {
	b.snapMu.Lock()
	defer b.snapMu.Unlock()

	tree := b.treeFor(o.Side)
	key := &level{price: o.Price}
	lv, ok := tree.Get(key)
	if !ok {
		lv = &level{price: o.Price}
		tree.Set(lv)
	}
	lv.orders = append(lv.orders, o)
	b.byID[o.OrderID] = o
}

// Remove deletes a resting order by id. Returns the removed order and
// whether it was found.
func (b *Book) Remove(orderID int64) (*models.BookOrder, bool) {
	b.snapMu.Lock()
	defer b.snapMu.Unlock()
	return b.removeLocked(orderID)
}

func (b *Book) removeLocked(orderID int64) (*models.BookOrder, bool) {
	o, ok := b.byID[orderID]
	if !ok {
		return nil, false
	}
	delete(b.byID, orderID)

	tree := b.treeFor(o.Side)
	key := &level{price: o.Price}
	lv, ok := tree.Get(key)
	if !ok {
		return o, true
	}
	for i, cur := range lv.orders {
		if cur.OrderID == orderID {
			lv.orders = append(lv.orders[:i], lv.orders[i+1:]...)
			break
		}
	}
	if len(lv.orders) == 0 {
		tree.Delete(key)
	}
	return o, true
}

// DecreaseSize reduces a resting order's remaining size in place, used by
// the matcher as it partially fills a maker order. Removes the order (and
// its level, if now empty) once size reaches zero.
func (b *Book) DecreaseSize(orderID int64, by decimal.Decimal) {
	b.snapMu.Lock()
	defer b.snapMu.Unlock()

	o, ok := b.byID[orderID]
	if !ok {
		return
	}
	o.Size = o.Size.Sub(by)
	if o.Size.Sign() <= 0 {
		b.removeLocked(orderID)
	}
}

// Get returns a resting order by id.
func (b *Book) Get(orderID int64) (*models.BookOrder, bool) {
	b.snapMu.RLock()
	defer b.snapMu.RUnlock()
	o, ok := b.byID[orderID]
	return o, ok
}

// BestLevel returns the best (price-time-priority-first) resting order on
// side, or false if that side is empty. The matcher walks levels via
// BestLevel/DecreaseSize/Remove rather than taking a live iterator, since
// a fill can mutate the tree mid-match.
func (b *Book) BestLevel(side models.OrderSide) (*models.BookOrder, bool) {
	b.snapMu.RLock()
	defer b.snapMu.RUnlock()

	tree := b.treeFor(side)
	var best *level
	tree.Scan(func(lv *level) bool {
		best = lv
		return false // first item in best-first order
	})
	if best == nil || len(best.orders) == 0 {
		return nil, false
	}
	return best.orders[0], true
}

// Snapshot returns up to depth aggregated price levels per side, best
// first (spec §6 depth query / snapshot stream).
func (b *Book) Snapshot(depth int) models.DepthSnapshot {
	b.snapMu.RLock()
	defer b.snapMu.RUnlock()

	snap := models.DepthSnapshot{Symbol: b.Symbol, Timestamp: time.Now()}
	snap.Bids = collectLevels(b.bids, depth)
	snap.Asks = collectLevels(b.asks, depth)
	return snap
}

func collectLevels(tree *btree.BTreeG[*level], depth int) []models.OrderBookLevel {
	var out []models.OrderBookLevel
	tree.Scan(func(lv *level) bool {
		if len(lv.orders) == 0 {
			return true
		}
		out = append(out, models.OrderBookLevel{
			Price:      lv.price,
			Quantity:   lv.totalSize(),
			OrderCount: len(lv.orders),
		})
		return len(out) < depth
	})
	return out
}

// Count returns the number of resting orders on each side.
func (b *Book) Count() (bids, asks int) {
	b.snapMu.RLock()
	defer b.snapMu.RUnlock()
	return len(b.bidsIDs()), len(b.asksIDs())
}

func (b *Book) bidsIDs() []int64 {
	var ids []int64
	for id, o := range b.byID {
		if o.Side == models.OrderSideBuy {
			ids = append(ids, id)
		}
	}
	return ids
}

func (b *Book) asksIDs() []int64 {
	var ids []int64
	for id, o := range b.byID {
		if o.Side == models.OrderSideSell {
			ids = append(ids, id)
		}
	}
	return ids
}
