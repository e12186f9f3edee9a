// Package models holds the domain types shared across the matching engine,
// ledger, settlement and persistence layers.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the side of an order (buy or sell).
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of an order (limit or market). No iceberg,
// stop or FOK/IOC variants are supported.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus represents the current status of an order. Filled and
// Cancelled are terminal: no transition leads out of them (invariant O2).
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusActive          OrderStatus = "active"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// IsTerminal reports whether the status is sticky (invariant O2).
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// TradingPair is immutable once the engine is running. Precisions are used
// to truncate user input toward zero; MinQty/MaxQty bound intake.
type TradingPair struct {
	ID                int64           `json:"id" db:"id"`
	Symbol            string          `json:"symbol" db:"symbol"`
	BaseAsset         string          `json:"base_asset" db:"base_asset"`
	QuoteAsset        string          `json:"quote_asset" db:"quote_asset"`
	PricePrecision    int32           `json:"price_precision" db:"price_precision"`
	QuantityPrecision int32           `json:"quantity_precision" db:"quantity_precision"`
	MinQty            decimal.Decimal `json:"min_quantity" db:"min_quantity"`
	MaxQty            decimal.Decimal `json:"max_quantity" db:"max_quantity"`
	IsActive          bool            `json:"is_active" db:"is_active"`
}

// Order is the canonical order record. FilledQuantity, Status and AvgPrice
// are owned by the engine and projected here (invariant O1: 0 <=
// FilledQuantity <= Quantity).
type Order struct {
	ID             int64            `json:"id" db:"id"`
	UserID         int64            `json:"user_id" db:"user_id"`
	TradingPairID  int64            `json:"trading_pair_id" db:"trading_pair_id"`
	Symbol         string           `json:"symbol" db:"symbol"`
	Side           OrderSide        `json:"side" db:"side"`
	Type           OrderType        `json:"type" db:"type"`
	Price          *decimal.Decimal `json:"price,omitempty" db:"price"`
	Quantity       decimal.Decimal  `json:"quantity" db:"quantity"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity" db:"filled_quantity"`
	AvgPrice       decimal.Decimal  `json:"avg_price" db:"avg_price"`
	Status         OrderStatus      `json:"status" db:"status"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// Remaining returns Quantity - FilledQuantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Trade is immutable once emitted. Fee is left at zero; the spec leaves fee
// computation unspecified and no invariant depends on it.
type Trade struct {
	ID            int64           `json:"id" db:"id"`
	TradingPairID int64           `json:"trading_pair_id" db:"trading_pair_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	BuyOrderID    int64           `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID   int64           `json:"sell_order_id" db:"sell_order_id"`
	BuyerID       int64           `json:"buyer_id" db:"buyer_id"`
	SellerID      int64           `json:"seller_id" db:"seller_id"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Fee           decimal.Decimal `json:"fee" db:"fee"`
	ExecutedAt    time.Time       `json:"executed_at" db:"executed_at"`
}

// Asset is the per-(userId, symbol) ledger cell. Available and Frozen are
// never negative (invariant A1).
type Asset struct {
	UserID    int64           `json:"user_id" db:"user_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Available decimal.Decimal `json:"available" db:"available"`
	Frozen    decimal.Decimal `json:"frozen" db:"frozen"`
}

// BookOrder is the view of an order living inside the order book: it exists
// only while Status is Active or PartiallyFilled (invariant O3). Size is
// the remaining base-asset quantity. Funds is the remaining quote-asset
// budget of a market-buy taker during matching; market orders are never
// inserted into the book, so Funds is only meaningful on the working copy
// the matcher mutates mid-match.
type BookOrder struct {
	OrderID   int64
	UserID    int64
	Side      OrderSide
	Type      OrderType
	Price     decimal.Decimal // zero value for market orders
	Size      decimal.Decimal
	Funds     decimal.Decimal
	CreatedAt time.Time
}

// OrderBookLevel is one aggregated price level of a depth snapshot.
type OrderBookLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"qty"`
	OrderCount int             `json:"count"`
}

// DepthSnapshot is the `{bids, asks, timestamp}` shape shared by the depth
// query and the snapshot stream (spec §6).
type DepthSnapshot struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// DoneReason distinguishes the two ways an order leaves the book.
type DoneReason string

const (
	DoneReasonFilled    DoneReason = "filled"
	DoneReasonCancelled DoneReason = "cancelled"
)

// LogEntryKind tags the variant held by a LogEntry. LogEntry is a sum type
// over {Open, Match, Done}: a tagged struct with the fields relevant to its
// kind populated, no inheritance, no reflection-based dispatch (design
// note §9).
type LogEntryKind string

const (
	LogEntryOpen  LogEntryKind = "open"
	LogEntryMatch LogEntryKind = "match"
	LogEntryDone  LogEntryKind = "done"
)

// LogEntry is one append-only record of the per-symbol event log. Seq is
// strictly increasing per symbol across all three kinds (invariant L1);
// TradeSeq is strictly increasing per symbol but only advances on Match.
type LogEntry struct {
	Kind      LogEntryKind
	Seq       int64
	Symbol    string
	Timestamp time.Time

	OpenOrder *BookOrder // Open

	TradeSeq    int64 // Match
	TakerOrder  *BookOrder
	MakerOrder  *BookOrder
	TradePrice  decimal.Decimal
	TradeSize   decimal.Decimal
	BuyOrderID  int64
	SellOrderID int64
	BuyerID     int64
	SellerID    int64

	DoneOrder     *BookOrder // Done
	DoneRemaining decimal.Decimal
	DoneReason    DoneReason
}

// CreateOrderRequest is the inbound Submit payload (spec §6).
type CreateOrderRequest struct {
	UserID      int64            `json:"user_id"`
	Symbol      string           `json:"symbol"`
	Side        OrderSide        `json:"side"`
	Type        OrderType        `json:"type"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Quantity    decimal.Decimal  `json:"quantity"`
	QuoteBudget *decimal.Decimal `json:"quote_budget,omitempty"`
}

// CreateOrderResponse is the outbound Submit result.
type CreateOrderResponse struct {
	OrderID int64   `json:"order_id"`
	Status  string  `json:"status"`
	Trades  []Trade `json:"trades,omitempty"`
	Message string  `json:"message"`
}

// CancelResponse is the outbound Cancel result (spec §6).
type CancelResponse struct {
	Cancelled bool            `json:"cancelled"`
	Remaining decimal.Decimal `json:"remaining"`
}
