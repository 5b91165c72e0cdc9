// Package telemetry holds the engine's OpenTelemetry instruments and the
// plain in-memory session counters bag.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric name constants, namespaced like market_maker_* convention.
const (
	MetricPnLRealizedTotal = "spreadengine_pnl_realized_total"
	MetricOpenPositions = "spreadengine_open_positions"
	MetricLegFillLatencyMs = "spreadengine_leg_fill_latency_ms"
	MetricTickToTradeMs = "spreadengine_tick_to_trade_latency_ms"
	MetricKillSwitchOpen = "spreadengine_kill_switch_open"
	MetricQualityScore = "spreadengine_coin_quality_score"
	MetricRegimeChangeCount = "spreadengine_regime_change_total"
)

// MetricsHolder holds initialized OTel instruments plus the state backing
// observable gauges, following sync.Once singleton pattern.
type MetricsHolder struct {
	PnLRealizedTotal metric.Float64Counter
	OpenPositions metric.Int64ObservableGauge
	LegFillLatencyMs metric.Float64Histogram
	TickToTradeMs metric.Float64Histogram
	KillSwitchOpen metric.Int64ObservableGauge
	QualityScore metric.Float64ObservableGauge
	RegimeChangeTotal metric.Int64Counter

	mu sync.RWMutex
	openPositionsMap map[string]int64
	killSwitchOpenMap map[string]int64
	qualityScoreMap map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func {
		globalMetrics = &MetricsHolder{
			openPositionsMap: make(map[string]int64),
			killSwitchOpenMap: make(map[string]int64),
			qualityScoreMap: make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics registers the instruments against the given meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.RegimeChangeTotal, err = meter.Int64Counter(MetricRegimeChangeCount, metric.WithDescription("Total regime-change detections"))
	if err != nil {
		return err
	}

	m.LegFillLatencyMs, err = meter.Float64Histogram(MetricLegFillLatencyMs, metric.WithDescription("Per-leg order submission latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.TickToTradeMs, err = meter.Float64Histogram(MetricTickToTradeMs, metric.WithDescription("Time from tick event to execution decision"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Currently open positions per coin"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val:= range m.openPositionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("coin", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.KillSwitchOpen, err = meter.Int64ObservableGauge(MetricKillSwitchOpen, metric.WithDescription("Kill switch state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val:= range m.killSwitchOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("scope", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.QualityScore, err = meter.Float64ObservableGauge(MetricQualityScore, metric.WithDescription("Coin-selector ranking quality score"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val:= range m.qualityScoreMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("coin", sym)))
			}
			return nil
		}))
	return err
}

func (m *MetricsHolder) SetOpenPositions(coin string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositionsMap[coin] = count
}

func (m *MetricsHolder) SetKillSwitchOpen(open bool) {
	val:= int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killSwitchOpenMap["global"] = val
}

func (m *MetricsHolder) SetQualityScore(coin string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.qualityScoreMap[coin] = score
}

// Counters is the plain "bag of u64 metrics" requires for
// session counters — deliberately simpler than the OTel instruments above,
// protected by one mutex rather than per-field atomics.
type Counters struct {
	mu sync.Mutex

	DroppedTicks uint64
	RegimeChangeDetected uint64
	EntryRejections map[string]uint64
	ForcedLiquidations uint64
	OrderbookFetchFailures uint64
	StaleCacheSkips uint64
	IOCRejections uint64
	CoinRejectedSpreadStddev uint64
}

// NewCounters returns a zeroed counters bag.
func NewCounters() *Counters {
	return &Counters{EntryRejections: make(map[string]uint64)}
}

func (c *Counters) IncDroppedTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DroppedTicks++
}

func (c *Counters) IncRegimeChangeDetected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RegimeChangeDetected++
}

func (c *Counters) IncEntryRejection(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EntryRejections[reason]++
}

func (c *Counters) IncForcedLiquidation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ForcedLiquidations++
}

func (c *Counters) IncOrderbookFetchFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OrderbookFetchFailures++
}

func (c *Counters) IncStaleCacheSkip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StaleCacheSkips++
}

func (c *Counters) IncIOCRejection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.IOCRejections++
}

func (c *Counters) IncCoinRejectedSpreadStddev() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CoinRejectedSpreadStddev++
}

// Snapshot is a copy of the counters bag for the shutdown session summary.
type Snapshot struct {
	DroppedTicks uint64
	RegimeChangeDetected uint64
	EntryRejections map[string]uint64
	ForcedLiquidations uint64
	OrderbookFetchFailures uint64
	StaleCacheSkips uint64
	IOCRejections uint64
	CoinRejectedSpreadStddev uint64
}

func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	rejections:= make(map[string]uint64, len(c.EntryRejections))
	for k, v:= range c.EntryRejections {
		rejections[k] = v
	}
	return Snapshot{
		DroppedTicks: c.DroppedTicks,
		RegimeChangeDetected: c.RegimeChangeDetected,
		EntryRejections: rejections,
		ForcedLiquidations: c.ForcedLiquidations,
		OrderbookFetchFailures: c.OrderbookFetchFailures,
		StaleCacheSkips: c.StaleCacheSkips,
		IOCRejections: c.IOCRejections,
		CoinRejectedSpreadStddev: c.CoinRejectedSpreadStddev,
	}
}
