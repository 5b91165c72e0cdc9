// Package core defines the domain types and external interface contracts
// shared by every component of the spread-arbitrage engine.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is an order side.
type Side string

const (
	SideBuy Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the exchange order type requested.
type OrderType string

const (
	OrderTypeLimitIOC OrderType = "LIMIT_IOC"
	OrderTypeMarket OrderType = "MARKET"
)

// Ticker is a best bid/ask/last-price snapshot for a single market.
type Ticker struct {
	Market string
	Last decimal.Decimal
	Bid decimal.Decimal
	Ask decimal.Decimal
	Timestamp time.Time
}

// OrderBookLevel is a single price/quantity level.
type OrderBookLevel struct {
	Price decimal.Decimal
	Qty decimal.Decimal
}

// OrderBook is a depth snapshot for one market.
type OrderBook struct {
	Market string
	Bids []OrderBookLevel
	Asks []OrderBookLevel
	FetchedAt time.Time
}

// Candle is a single OHLC bar.
type Candle struct {
	Market string
	Interval string
	OpenTime time.Time
	Open decimal.Decimal
	High decimal.Decimal
	Low decimal.Decimal
	Close decimal.Decimal
	Volume decimal.Decimal
}

// Trade is a WebSocket trade tick.
type Trade struct {
	Timestamp time.Time
	Market string
	Price decimal.Decimal
	Volume decimal.Decimal
}

// BestQuote is a WebSocket best-bid/offer tick.
type BestQuote struct {
	Timestamp time.Time
	Market string
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// StreamEvent is the union of events a MarketStream can emit.
type StreamEvent struct {
	Trade *Trade
	BestQuote *BestQuote
}

// OrderRequest describes an order to be placed.
type OrderRequest struct {
	Market string
	Side Side
	Type OrderType
	Price decimal.Decimal // limit price; ignored for market orders
	Qty decimal.Decimal
	ClientOrderID string
	ReduceOnly bool
}

// Order is the exchange's view of a placed order.
type Order struct {
	ExchangeOrderID string
	ClientOrderID string
	Market string
	Side Side
	Type OrderType
	Price decimal.Decimal
	RequestedQty decimal.Decimal
	FilledQty decimal.Decimal
	AvgFillPrice decimal.Decimal
	Status OrderStatus
	CreatedAt time.Time
}

// OrderStatus is the lifecycle state of a placed order as reported by the exchange.
type OrderStatus string

const (
	OrderStatusNew OrderStatus = "NEW"
	OrderStatusFilled OrderStatus = "FILLED"
	OrderStatusPartial OrderStatus = "PARTIALLY_FILLED"
	OrderStatusRejected OrderStatus = "REJECTED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusExpired OrderStatus = "EXPIRED"
)

// Filled reports whether the order ended in a filled (possibly partial) state.
func (o Order) Filled() bool {
	return o.Status == OrderStatusFilled || (o.Status == OrderStatusPartial && o.FilledQty.IsPositive)
}

// Balance is a single-currency balance snapshot.
type Balance struct {
	Currency string
	Total decimal.Decimal
	Available decimal.Decimal
}

// InstrumentInfo holds the exchange-B contract constraints for one coin.
type InstrumentInfo struct {
	Coin string
	TickSize decimal.Decimal
	QtyStep decimal.Decimal
	MinOrderQty decimal.Decimal
	MaxOrderQty decimal.Decimal
	MinNotional decimal.Decimal
}

// PositionState is a node in the Position state machine.
type PositionState string

const (
	StateOpening PositionState = "OPENING"
	StateOpen PositionState = "OPEN"
	StateClosing PositionState = "CLOSING"
	StateClosed PositionState = "CLOSED"
	StatePartiallyClosedOneLeg PositionState = "PARTIALLY_CLOSED_ONE_LEG"
	StatePendingExchangeRecovery PositionState = "PENDING_EXCHANGE_RECOVERY"
)

// Leg identifies which side of a two-leg trade succeeded or failed.
type Leg string

const (
	LegSpot Leg = "SPOT"
	LegPerp Leg = "PERP"
	LegNone Leg = ""
)

// Position is the authoritative in-memory record of one open hedge.
//
// id is stable across state transitions; db_id is assigned once during
// Opening persistence and never changes thereafter.
type Position struct {
	ID uint64
	DBID *int64
	Coin string
	EntryTime time.Time
	SpotEntryPriceUSD decimal.Decimal
	PerpEntryPrice decimal.Decimal
	PerpLiquidationPrice decimal.Decimal
	EntryFXRate decimal.Decimal
	EntrySpreadPct decimal.Decimal
	EntryZScore decimal.Decimal
	Qty decimal.Decimal
	ClientOrderID string
	SpotOrderID string
	PerpOrderID string
	ExitClientOrderID string
	State PositionState
	InFlight bool
	ClosingStartedAt *time.Time
	SucceededLeg Leg
	EmergencyAttempts int
	DroppedAt *time.Time
}

// ClosedPosition is the immutable record produced when a Position (or a
// partial quantity of one) is closed.
type ClosedPosition struct {
	PositionID uint64
	Coin string
	Qty decimal.Decimal
	SpotEntryUSD decimal.Decimal
	SpotExitUSD decimal.Decimal
	PerpEntry decimal.Decimal
	PerpExit decimal.Decimal
	SpotFees decimal.Decimal
	PerpFees decimal.Decimal
	RealizedPnL decimal.Decimal
	AdjustmentCost decimal.Decimal
	EntryFXRate decimal.Decimal
	ExitFXRate decimal.Decimal
	EntrySpreadPct decimal.Decimal
	EntryZScore decimal.Decimal
	ExitSpreadPct decimal.Decimal
	ExitZScore decimal.Decimal
	IsLiquidated bool
	ClosedAt time.Time
}

// MinuteRecord is the per-coin per-minute statistics snapshot forwarded to
// the execution policy and persistence after each minute finalize.
type MinuteRecord struct {
	SessionID string
	Coin string
	Timestamp time.Time
	SpotClose *decimal.Decimal
	PerpClose *decimal.Decimal
	SpreadPct *decimal.Decimal
	ZScore *decimal.Decimal
	Mean *decimal.Decimal
	StdDev *decimal.Decimal
}

// PositionRecord is the persistence-layer shape of a Position, including
// its state, used by PositionStore.
type PositionRecord struct {
	DBID int64
	SessionID string
	Position Position
}

// TradeRecord is the persistence-layer shape of a closed trade.
type TradeRecord struct {
	SessionID string
	PositionID uint64
	Coin string
	Side string
	Qty decimal.Decimal
	SpotPriceFiat *decimal.Decimal
	PerpPrice *decimal.Decimal
	Fees decimal.Decimal
	SpreadAtExit *decimal.Decimal
	ZScoreAtExit *decimal.Decimal
	RealizedPnL decimal.Decimal
	AdjustmentCost *decimal.Decimal
	ExitFX *decimal.Decimal
	ExecutedAt time.Time
}

// EntryContext carries everything the execution policy needs to commit an entry.
type EntryContext struct {
	Coin string
	Qty decimal.Decimal
	SpotPriceFiat decimal.Decimal
	PerpPrice decimal.Decimal
	FXRate decimal.Decimal
	EntrySpreadPct decimal.Decimal
	EntryZScore decimal.Decimal
	ExpectedProfit decimal.Decimal
	FiatNeeded decimal.Decimal
	StableNeeded decimal.Decimal
}

// ExitContext carries everything the execution policy needs to commit an exit.
type ExitContext struct {
	Coin string
	SafeVolumeUSDT decimal.Decimal
	ExitSpreadPct decimal.Decimal
	ExitZScore decimal.Decimal
	ForceClose bool
}

// TTLExpiryContext mirrors ExitContext for dropped-coin TTL liquidation.
type TTLExpiryContext struct {
	Coin string
	ForceClose bool
}
