// Package position implements the Position Manager and its state machine:
// the authoritative in-memory set of open hedges, unique local position
// IDs, realized-PnL computation on close, and the TOCTOU-safe
// Open→Closing transition guard.
//
// LOCK ORDERING:
// The outer Manager lock is always acquired first; any per-position work
// is done against a snapshot taken under that lock and released before
// further work proceeds. The engine-wide lock order is
// balance_tracker -> position_mgr -> spread_calc; Manager never
// calls into balance or spread while holding mu.
package position

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arbctl/spreadengine/internal/core"

	"github.com/shopspring/decimal"
)

// Manager is the in-memory mapping coin -> []Position plus the monotonic ID
// sequence and per-coin last-entry-time bookkeeping used for re-entry
// cooldown.
type Manager struct {
	mu sync.Mutex

	byCoin map[string][]*core.Position
	nextID uint64
	lastEntryAt map[string]time.Time
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{
		byCoin: make(map[string][]*core.Position),
		lastEntryAt: make(map[string]time.Time),
	}
}

// NextID allocates the next monotonic local position ID without creating a
// position — used by callers (LivePolicy) that need the ID before the
// position record is fully constructed (e.g. to mint a client order ID that
// embeds it).
func (m *Manager) NextID() uint64 {
	return atomic.AddUint64(&m.nextID, 1)
}

// Open inserts p (which must already carry a unique ID, typically from
// NextID) into coin's slot. Returns the same pointer for convenience.
func (m *Manager) Open(p *core.Position) *core.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byCoin[p.Coin] = append(m.byCoin[p.Coin], p)
	m.lastEntryAt[p.Coin] = time.Now()
	return p
}

// Get returns a snapshot copy of the position with the given coin/id.
func (m *Manager) Get(coin string, id uint64) (core.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p:= m.findLocked(coin, id)
	if p == nil {
		return core.Position{}, false
	}
	return *p, true
}

// OpenPositions returns a snapshot of every position currently in state Open for
// coin — the set eligible for exit/TTL evaluation.
func (m *Manager) OpenPositions(coin string) []core.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Position
	for _, p:= range m.byCoin[coin] {
		if p.State == core.StateOpen {
			out = append(out, *p)
		}
	}
	return out
}

// AllOpenSnapshot returns every position across every coin (used by
// checkpoint/status logging and TTL scanning).
func (m *Manager) AllOpenSnapshot() []core.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Position
	for _, ps:= range m.byCoin {
		for _, p:= range ps {
			out = append(out, *p)
		}
	}
	return out
}

// Count returns the total number of positions held across all coins
// (max_concurrent_positions gate).
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n:= 0
	for _, ps:= range m.byCoin {
		n += len(ps)
	}
	return n
}

// LastEntryAt returns the last time a position was opened for coin, used
// for the re-entry cooldown check.
func (m *Manager) LastEntryAt(coin string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok:= m.lastEntryAt[coin]
	return t, ok
}

// findLocked returns the live pointer for (coin, id), or nil. Must be
// called with mu held.
func (m *Manager) findLocked(coin string, id uint64) *core.Position {
	for _, p:= range m.byCoin[coin] {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// TryTransitionToClosing atomically moves a position from Open to Closing,
// stamping closing_started_at, and fails (returns false) if the current
// state is anything other than Open — the TOCTOU-safe guard 
// requires so two concurrent exit attempts can't both proceed.
func (m *Manager) TryTransitionToClosing(coin string, id uint64) (core.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p:= m.findLocked(coin, id)
	if p == nil || p.State != core.StateOpen {
		return core.Position{}, false
	}
	now:= time.Now()
	p.State = core.StateClosing
	p.ClosingStartedAt = &now
	return *p, true
}

// TransitionState performs an unconditional state transition, used after
// known-safe operations (e.g. applying an execution outcome that the caller
// has already validated). Returns core.ErrPositionNotFound if the position
// no longer exists.
func (m *Manager) TransitionState(coin string, id uint64, to core.PositionState, mutate func(*core.Position)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p:= m.findLocked(coin, id)
	if p == nil {
		return core.ErrPositionNotFound
	}
	p.State = to
	if mutate != nil {
		mutate(p)
	}
	return nil
}

// Remove deletes the position with the given coin/id outright (used when an
// Opening never took effect, or after a fully-closed position's trade has
// been recorded).
func (m *Manager) Remove(coin string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(coin, id)
}

func (m *Manager) removeLocked(coin string, id uint64) {
	ps:= m.byCoin[coin]
	for i, p:= range ps {
		if p.ID == id {
			m.byCoin[coin] = append(ps[:i], ps[i+1:]...)
			return
		}
	}
}

// Fees bundles the per-leg taker fee rates needed for PnL computation so
// Manager doesn't need to import internal/config.
type Fees struct {
	SpotTakerRate decimal.Decimal
	PerpTakerRate decimal.Decimal
}

// ClosePosition removes the position with the given coin/id entirely and
// produces its ClosedPosition record, per the PnL formula
func (m *Manager) ClosePosition(coin string, id uint64, spotExitUSD, perpExit, exitFXRate, exitSpreadPct, exitZScore decimal.Decimal, isLiquidated bool, fees Fees) (core.ClosedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p:= m.findLocked(coin, id)
	if p == nil {
		return core.ClosedPosition{}, core.ErrPositionNotFound
	}

	closed:= computeClosedPosition(*p, p.Qty, spotExitUSD, perpExit, exitFXRate, exitSpreadPct, exitZScore, isLiquidated, fees)
	m.removeLocked(coin, id)
	return closed, nil
}

// ClosePartial closes qty of the position with the given coin/id. The
// quantity is rounded down to instrumentInfo's QtyStep (when provided); if
// the rounded quantity is zero, or the remainder would fall below
// MinOrderQty, the operation promotes to a full close. Otherwise the position's Qty is reduced in place
// (ID preserved) and a ClosedPosition is returned for the closed fraction.
func (m *Manager) ClosePartial(coin string, id uint64, qty decimal.Decimal, instrumentInfo *core.InstrumentInfo, spotExitUSD, perpExit, exitFXRate, exitSpreadPct, exitZScore decimal.Decimal, fees Fees) (core.ClosedPosition, bool, error) {
	m.mu.Lock()

	p:= m.findLocked(coin, id)
	if p == nil {
		m.mu.Unlock()
		return core.ClosedPosition{}, false, core.ErrPositionNotFound
	}

	roundedQty:= qty
	if instrumentInfo != nil && instrumentInfo.QtyStep.IsPositive {
		units:= qty.Div(instrumentInfo.QtyStep).Floor
		roundedQty = units.Mul(instrumentInfo.QtyStep)
	}

	remainder:= p.Qty.Sub(roundedQty)
	promoteFull:= roundedQty.IsZero || roundedQty.GreaterThanOrEqual(p.Qty)
	if !promoteFull && instrumentInfo != nil && instrumentInfo.MinOrderQty.IsPositive && remainder.LessThan(instrumentInfo.MinOrderQty) {
		promoteFull = true
	}

	if promoteFull {
		m.mu.Unlock()
		closed, err:= m.ClosePosition(coin, id, spotExitUSD, perpExit, exitFXRate, exitSpreadPct, exitZScore, false, fees)
		return closed, true, err
	}

	closed:= computeClosedPosition(*p, roundedQty, spotExitUSD, perpExit, exitFXRate, exitSpreadPct, exitZScore, false, fees)
	p.Qty = remainder
	m.mu.Unlock()
	return closed, false, nil
}

// computeClosedPosition applies the PnL formula for a
// closed quantity q.
func computeClosedPosition(p core.Position, q, spotExitUSD, perpExit, exitFXRate, exitSpreadPct, exitZScore decimal.Decimal, isLiquidated bool, fees Fees) core.ClosedPosition {
	spotPnL:= spotExitUSD.Sub(p.SpotEntryPriceUSD).Mul(q)
	perpPnL:= p.PerpEntryPrice.Sub(perpExit).Mul(q)
	spotFees:= p.SpotEntryPriceUSD.Add(spotExitUSD).Mul(q).Mul(fees.SpotTakerRate)
	perpFees:= p.PerpEntryPrice.Add(perpExit).Mul(q).Mul(fees.PerpTakerRate)
	netPnL:= spotPnL.Add(perpPnL).Sub(spotFees).Sub(perpFees)

	return core.ClosedPosition{
		PositionID: p.ID,
		Coin: p.Coin,
		Qty: q,
		SpotEntryUSD: p.SpotEntryPriceUSD,
		SpotExitUSD: spotExitUSD,
		PerpEntry: p.PerpEntryPrice,
		PerpExit: perpExit,
		SpotFees: spotFees,
		PerpFees: perpFees,
		RealizedPnL: netPnL,
		EntryFXRate: p.EntryFXRate,
		ExitFXRate: exitFXRate,
		EntrySpreadPct: p.EntrySpreadPct,
		EntryZScore: p.EntryZScore,
		ExitSpreadPct: exitSpreadPct,
		ExitZScore: exitZScore,
		IsLiquidated: isLiquidated,
		ClosedAt: time.Now(),
	}
}

// LiquidationPrice computes the short leg's liquidation price under
// isolated margin:
//
//	liq = entry_price * (1 + 1/leverage - mmr - taker_fee)
func LiquidationPrice(entryPrice, leverage, mmr, takerFee decimal.Decimal) decimal.Decimal {
	one:= decimal.NewFromInt(1)
	factor:= one.Add(one.Div(leverage)).Sub(mmr).Sub(takerFee)
	return entryPrice.Mul(factor)
}

// CheckLiquidation returns the IDs of coin's positions whose stored
// liquidation price is <= currentPerpPrice (non-strict).
func (m *Manager) CheckLiquidation(coin string, currentPerpPrice decimal.Decimal) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []uint64
	for _, p:= range m.byCoin[coin] {
		if p.State != core.StateOpen {
			continue
		}
		if p.PerpLiquidationPrice.LessThanOrEqual(currentPerpPrice) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// ErrorIfNotOpen is a small helper used by callers that need to validate a
// state precondition before attempting a guarded transition, returning a
// wrapped core.ErrStateTransition on mismatch.
func ErrorIfNotOpen(p core.Position) error {
	if p.State != core.StateOpen {
		return fmt.Errorf("position %d in state %s: %w", p.ID, p.State, core.ErrStateTransition)
	}
	return nil
}
