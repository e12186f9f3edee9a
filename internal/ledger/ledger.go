// Package ledger implements the balance ledger (spec §4.1): the per-
// (userId, symbol) available/frozen pair, with freeze/unfreeze/settle
// operations serialized per cell and all-or-nothing on failure.
package ledger

import (
	"sync"

	"order-matching-engine/internal/apperrors"
	"order-matching-engine/internal/models"

	"github.com/shopspring/decimal"
)

// Publisher is the write-behind sink a ledger mutation reports its new
// snapshot to (spec §4.6). Settlement and the engine use the same
// interface for orders/trades; see internal/outbox.
type Publisher interface {
	PublishAsset(a models.Asset)
}

type cellKey struct {
	userID int64
	symbol string
}

// cell is one (userId, symbol) ledger row. Its own mutex makes freeze,
// unfreeze and settle atomic and serializable against concurrent callers
// for the same cell (spec §4.1, §5); different cells never contend.
type cell struct {
	mu        sync.Mutex
	available decimal.Decimal
	frozen    decimal.Decimal
}

// Ledger is the balance custody layer. Safe for concurrent use across
// goroutines (Intake freezes, Settlement settles/unfreezes).
type Ledger struct {
	mu        sync.RWMutex
	cells     map[cellKey]*cell
	publisher Publisher

	// marketMakers are exempt from Intake's pre-freeze (spec §4.4); their
	// balances are still mutated at settlement.
	marketMakers map[int64]bool
}

// New constructs an empty Ledger. marketMakerIDs is the configured set of
// userIds exempt from pre-freeze.
func New(publisher Publisher, marketMakerIDs []int64) *Ledger {
	mm := make(map[int64]bool, len(marketMakerIDs))
	for _, id := range marketMakerIDs {
		mm[id] = true
	}
	return &Ledger{
		cells:        make(map[cellKey]*cell),
		publisher:    publisher,
		marketMakers: mm,
	}
}

// IsMarketMaker reports whether userID is exempt from pre-freeze.
func (l *Ledger) IsMarketMaker(userID int64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.marketMakers[userID]
}

// LoadSnapshot seeds a cell's state at warm start, bypassing the
// freeze/unfreeze invariants (the persisted row is already valid).
func (l *Ledger) LoadSnapshot(userID int64, symbol string, available, frozen decimal.Decimal) {
	c := l.cellFor(userID, symbol)
	c.mu.Lock()
	c.available = available
	c.frozen = frozen
	c.mu.Unlock()
}

func (l *Ledger) cellFor(userID int64, symbol string) *cell {
	key := cellKey{userID, symbol}

	l.mu.RLock()
	c, ok := l.cells[key]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.cells[key]; ok {
		return c
	}
	c = &cell{}
	l.cells[key] = c
	return c
}

// Get returns the current (available, frozen) for (userId, symbol).
func (l *Ledger) Get(userID int64, symbol string) (available, frozen decimal.Decimal) {
	c := l.cellFor(userID, symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available, c.frozen
}

// Freeze moves amount from available to frozen. Requires available >=
// amount; mutates nothing on failure (spec §4.1).
func (l *Ledger) Freeze(userID int64, symbol string, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return apperrors.New(apperrors.KindInvalidQuantity, "freeze amount must be non-negative")
	}
	c := l.cellFor(userID, symbol)
	c.mu.Lock()
	if c.available.LessThan(amount) {
		c.mu.Unlock()
		return apperrors.ErrInsufficientAvailable
	}
	c.available = c.available.Sub(amount)
	c.frozen = c.frozen.Add(amount)
	snap := models.Asset{UserID: userID, Symbol: symbol, Available: c.available, Frozen: c.frozen}
	c.mu.Unlock()

	l.publish(snap)
	return nil
}

// Unfreeze moves amount from frozen back to available. Requires frozen >=
// amount.
func (l *Ledger) Unfreeze(userID int64, symbol string, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return apperrors.New(apperrors.KindInvalidQuantity, "unfreeze amount must be non-negative")
	}
	if amount.IsZero() {
		return nil
	}
	c := l.cellFor(userID, symbol)
	c.mu.Lock()
	if c.frozen.LessThan(amount) {
		c.mu.Unlock()
		return apperrors.New(apperrors.KindOutOfBounds, "frozen balance insufficient to unfreeze requested amount")
	}
	c.frozen = c.frozen.Sub(amount)
	c.available = c.available.Add(amount)
	snap := models.Asset{UserID: userID, Symbol: symbol, Available: c.available, Frozen: c.frozen}
	c.mu.Unlock()

	l.publish(snap)
	return nil
}

// SettleDebitFrozen decreases frozen by amount (the paying side of a
// trade). Requires frozen >= amount.
func (l *Ledger) SettleDebitFrozen(userID int64, symbol string, amount decimal.Decimal) error {
	c := l.cellFor(userID, symbol)
	c.mu.Lock()
	if c.frozen.LessThan(amount) {
		c.mu.Unlock()
		return apperrors.New(apperrors.KindOutOfBounds, "frozen balance insufficient to debit")
	}
	c.frozen = c.frozen.Sub(amount)
	snap := models.Asset{UserID: userID, Symbol: symbol, Available: c.available, Frozen: c.frozen}
	c.mu.Unlock()

	l.publish(snap)
	return nil
}

// SettleDebitAvailable decreases available by amount: the paying side of a
// trade for a market maker, who is exempt from Intake's pre-freeze (spec
// §4.4) and therefore pays directly out of available instead of frozen.
func (l *Ledger) SettleDebitAvailable(userID int64, symbol string, amount decimal.Decimal) error {
	c := l.cellFor(userID, symbol)
	c.mu.Lock()
	if c.available.LessThan(amount) {
		c.mu.Unlock()
		return apperrors.New(apperrors.KindOutOfBounds, "available balance insufficient to debit")
	}
	c.available = c.available.Sub(amount)
	snap := models.Asset{UserID: userID, Symbol: symbol, Available: c.available, Frozen: c.frozen}
	c.mu.Unlock()

	l.publish(snap)
	return nil
}

// SettleCreditAvailable increases available by amount (the receiving side
// of a trade).
func (l *Ledger) SettleCreditAvailable(userID int64, symbol string, amount decimal.Decimal) error {
	c := l.cellFor(userID, symbol)
	c.mu.Lock()
	c.available = c.available.Add(amount)
	snap := models.Asset{UserID: userID, Symbol: symbol, Available: c.available, Frozen: c.frozen}
	c.mu.Unlock()

	l.publish(snap)
	return nil
}

func (l *Ledger) publish(snap models.Asset) {
	if l.publisher != nil {
		l.publisher.PublishAsset(snap)
	}
}
