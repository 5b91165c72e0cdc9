package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger is the logging abstraction every component depends on instead of
// a concrete logging library.
type ILogger interface {
	Debug(msg string, fields...interface{})
	Info(msg string, fields...interface{})
	Warn(msg string, fields...interface{})
	Error(msg string, fields...interface{})
	Fatal(msg string, fields...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// MarketData is the REST-query surface consumed from an exchange client.
type MarketData interface {
	GetTicker(ctx context.Context, markets []string) ([]Ticker, error)
	GetOrderbook(ctx context.Context, market string, depth int) (OrderBook, error)
	GetCandles(ctx context.Context, market, interval string, count int) ([]Candle, error)
	GetCandlesBefore(ctx context.Context, market, interval string, count int, before time.Time) ([]Candle, error)
	GetAllTickers(ctx context.Context) ([]Ticker, error)
}

// MarketStream is the WebSocket subscription surface consumed from an
// exchange client. Construction and transport are out of this engine's
// scope; the monitor only consumes the event channel.
type MarketStream interface {
	Subscribe(ctx context.Context, markets []string) (<-chan StreamEvent, error)
	SubscribeMarkets(ctx context.Context, markets []string) error
	UnsubscribeMarkets(ctx context.Context, markets []string) error
	Unsubscribe(ctx context.Context) error
}

// OrderManagement is the order/balance surface of a spot exchange client (A).
type OrderManagement interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, market, orderID string) (Order, error)
	GetOrder(ctx context.Context, market, orderID string) (Order, error)
	GetOpenOrders(ctx context.Context, market string) ([]Order, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetBalance(ctx context.Context, currency string) (Balance, error)
}

// LinearOrderManagement is the perpetual-linear order surface of exchange B.
type LinearOrderManagement interface {
	PlaceOrderLinear(ctx context.Context, req OrderRequest, reduceOnly bool) (Order, error)
	CancelOrderLinear(ctx context.Context, market, orderID string) (Order, error)
	GetOrderLinear(ctx context.Context, market, orderID string) (Order, error)
}

// InstrumentDataProvider supplies exchange-B contract metadata per coin.
type InstrumentDataProvider interface {
	GetInstrumentInfo(ctx context.Context, symbol string) (InstrumentInfo, error)
}

// PositionStore is the shadow persistence surface. Memory is
// authoritative; the store never blocks a state transition on success.
type PositionStore interface {
	Save(ctx context.Context, rec PositionRecord) (int64, error)
	UpdateState(ctx context.Context, dbID int64, from, to PositionState, fields map[string]any) (StoreUpdateResult, error)
	LoadOpen(ctx context.Context, sessionID string) ([]PositionRecord, error)
	Remove(ctx context.Context, dbID int64) error
	SaveMinuteRecord(ctx context.Context, rec MinuteRecord) error
	SaveTrade(ctx context.Context, rec TradeRecord) error
}

// StoreUpdateResult reports whether UpdateState actually applied a
// transition or found it already applied (idempotent retry).
type StoreUpdateResult string

const (
	StoreApplied StoreUpdateResult = "APPLIED"
	StoreAlreadyTransitioned StoreUpdateResult = "ALREADY_TRANSITIONED"
)

// AlertLevel mirrors internal/alert's severity scale without importing it,
// keeping core free of a dependency on the alert package.
type AlertLevel string

const (
	AlertInfo AlertLevel = "INFO"
	AlertWarning AlertLevel = "WARNING"
	AlertError AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// Notifier is the alert-emission surface consumed by policy/execution/risk.
// Critical alerts (EmergencyCloseFailure, KillSwitchTriggered) block until
// the send attempt to every channel has finished; others are
// fire-and-forget.
type Notifier interface {
	Alert(ctx context.Context, title, message string, level AlertLevel, critical bool, fields map[string]string)
}

// CoinSelector ranks candidate coins by recent volume/volatility and filters
// by blacklist and spread-stddev bound. The ranking function itself is an
// external contract; the monitor only consumes the ordered result.
type CoinSelector interface {
	Select(ctx context.Context, maxCandidates int, minVolume1h decimal.Decimal, blacklist []string, fxRate decimal.Decimal) ([]string, error)
}

// SignalEvaluator is the external Z-score/threshold decision surface
//.
type SignalEvaluator interface {
	EvaluateEntrySignal(coin string, spreadPct, zScore decimal.Decimal) bool
	EvaluateExitSignal(coin string, spreadPct, zScore decimal.Decimal) (hit bool)
}
