// Package risk implements the loss/exposure limits and kill-switch
//, grounded on CircuitBreaker
// (internal/risk/circuit_breaker.go in tree): same
// trip/cooldown state machine, extended with the additional caps this
// engine's spec requires.
package risk

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arbctl/spreadengine/internal/telemetry"

	"github.com/shopspring/decimal"
)

// Config holds every configured risk cap.
type Config struct {
	MaxOrderSizeUSDT decimal.Decimal
	MaxSingleLossUSDT decimal.Decimal
	MaxDailyLossUSDT decimal.Decimal
	MaxDrawdownUSDT decimal.Decimal
	MaxRolling24hLossUSDT decimal.Decimal
	MaxConcurrentPositions int
}

type pnlEntry struct {
	at time.Time
	pnl decimal.Decimal
}

// Manager is the authoritative risk gate: every entry attempt must pass
// validate_order_size and is_entry_allowed; every closed trade is recorded
// via RecordTrade, which may atomically trip the kill switch.
type Manager struct {
	cfg Config

	mu sync.Mutex
	cumulativePnL decimal.Decimal
	highWaterMark decimal.Decimal
	dailyPnL decimal.Decimal
	dailyResetAt time.Time
	rolling24h []pnlEntry
	openPositionCount int

	killSwitch atomic.Bool // lock-free read on the hot path
}

// NewManager constructs a risk Manager with the given caps.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg: cfg,
		dailyResetAt: time.Now().Truncate(24 * time.Hour),
	}
}

// ValidateOrderSize rejects any single order exceeding the configured cap.
// A zero cap disables the check.
func (m *Manager) ValidateOrderSize(usdt decimal.Decimal) bool {
	if m.cfg.MaxOrderSizeUSDT.IsZero {
		return true
	}
	return usdt.LessThanOrEqual(m.cfg.MaxOrderSizeUSDT)
}

// IsKilled reports the kill-switch state (lock-free).
func (m *Manager) IsKilled() bool {
	return m.killSwitch.Load
}

// IsEntryAllowed combines the kill switch and the max-concurrent-positions
// cap. It is re-checked after lock acquisition by callers to close the
// TOCTOU gap describes.
func (m *Manager) IsEntryAllowed() bool {
	if m.IsKilled() {
		return false
	}
	if m.cfg.MaxConcurrentPositions <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openPositionCount < m.cfg.MaxConcurrentPositions
}

// SetOpenPositionCount lets the caller (position manager) keep the
// concurrent-position gauge current; called after every open/close.
func (m *Manager) SetOpenPositionCount(n int) {
	m.mu.Lock()
	m.openPositionCount = n
	m.mu.Unlock()
	telemetry.GetGlobalMetrics().SetOpenPositions("all", int64(n))
}

// RecordTrade records the realized PnL of a closed trade and evaluates
// every configured cap. If any cap is breached it atomically trips the
// kill switch and returns the breach reason; otherwise it returns "".
func (m *Manager) RecordTrade(pnl decimal.Decimal) string {
	now:= time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.dailyResetAt) >= 24*time.Hour {
		m.dailyPnL = decimal.Zero
		m.dailyResetAt = now.Truncate(24 * time.Hour)
	}

	m.cumulativePnL = m.cumulativePnL.Add(pnl)
	m.dailyPnL = m.dailyPnL.Add(pnl)
	if m.cumulativePnL.GreaterThan(m.highWaterMark) {
		m.highWaterMark = m.cumulativePnL
	}

	m.rolling24h = append(m.rolling24h, pnlEntry{at: now, pnl: pnl})
	m.evictExpiredLocked(now)

	reason:= m.checkThresholdsLocked(pnl)
	if reason != "" {
		m.killSwitch.Store(true)
		telemetry.GetGlobalMetrics().SetKillSwitchOpen(true)
	}
	return reason
}

func (m *Manager) evictExpiredLocked(now time.Time) {
	cutoff:= now.Add(-24 * time.Hour)
	i:= 0
	for i < len(m.rolling24h) && m.rolling24h[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.rolling24h = m.rolling24h[i:]
	}
}

func (m *Manager) checkThresholdsLocked(lastPnL decimal.Decimal) string {
	if !m.cfg.MaxSingleLossUSDT.IsZero && lastPnL.IsNegative &&
		lastPnL.Neg.GreaterThan(m.cfg.MaxSingleLossUSDT) {
		return "max single-trade loss exceeded"
	}

	if !m.cfg.MaxDailyLossUSDT.IsZero && m.dailyPnL.IsNegative &&
		m.dailyPnL.Neg.GreaterThan(m.cfg.MaxDailyLossUSDT) {
		return "max daily loss exceeded"
	}

	if !m.cfg.MaxDrawdownUSDT.IsZero {
		drawdown:= m.highWaterMark.Sub(m.cumulativePnL)
		if drawdown.GreaterThan(m.cfg.MaxDrawdownUSDT) {
			return "max drawdown exceeded"
		}
	}

	if !m.cfg.MaxRolling24hLossUSDT.IsZero {
		var sum decimal.Decimal
		for _, e:= range m.rolling24h {
			sum = sum.Add(e.pnl)
		}
		if sum.IsNegative && sum.Neg.GreaterThan(m.cfg.MaxRolling24hLossUSDT) {
			return "max rolling 24h loss exceeded"
		}
	}

	return ""
}

// TriggerKillSwitch manually trips the kill switch (naked exposure,
// force-close failure — callers outside RecordTrade's thresholds).
func (m *Manager) TriggerKillSwitch(reason string) {
	m.killSwitch.Store(true)
	telemetry.GetGlobalMetrics().SetKillSwitchOpen(true)
}

// Reset clears the kill switch and PnL accounting. Intended for operator
// use between sessions, not for automatic recovery.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cumulativePnL = decimal.Zero
	m.highWaterMark = decimal.Zero
	m.dailyPnL = decimal.Zero
	m.rolling24h = nil
	m.killSwitch.Store(false)
	telemetry.GetGlobalMetrics().SetKillSwitchOpen(false)
}

// CumulativePnL returns the running realized PnL total (for status/logging).
func (m *Manager) CumulativePnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cumulativePnL
}
