// Package balance implements a two-currency reservation ledger: reserve,
// commit, release, and on_exit, all serialized under a single internal
// mutex so reservation tokens can never be double-committed or
// double-released. The struct follows a plain-struct, exported-methods
// style with no interfaces where none are needed.
package balance

import (
	"fmt"
	"sync"

	"github.com/arbctl/spreadengine/internal/core"

	"github.com/shopspring/decimal"
)

// account holds one currency's total and reserved amounts.
type account struct {
	total decimal.Decimal
	reserved decimal.Decimal
}

func (a account) available() decimal.Decimal {
	return a.total.Sub(a.reserved)
}

// Reservation is a transient handle returned by Reserve, holding the
// amounts that were reserved so Commit/Release can reduce the right
// counters. Each handle may be consumed by exactly one of Commit or
// Release.
type Reservation struct {
	id uint64
	fiatReserved decimal.Decimal
	stableReserved decimal.Decimal
	consumed bool
}

// Tracker is the authoritative balance ledger for the fiat (exchange A) and
// stablecoin (exchange B) currencies.
type Tracker struct {
	mu sync.Mutex

	fiat account
	stable account

	nextID uint64
}

// NewTracker constructs a Tracker seeded with the given starting totals.
func NewTracker(fiatTotal, stableTotal decimal.Decimal) *Tracker {
	return &Tracker{
		fiat: account{total: fiatTotal},
		stable: account{total: stableTotal},
	}
}

// Reserve atomically checks that both currencies have sufficient available
// balance and, if so, increments both reserved counters and returns a
// handle. Returns (nil, false) if either currency is short.
func (t *Tracker) Reserve(fiat, stable decimal.Decimal) (*Reservation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fiat.available().LessThan(fiat) || t.stable.available().LessThan(stable) {
		return nil, false
	}

	t.fiat.reserved = t.fiat.reserved.Add(fiat)
	t.stable.reserved = t.stable.reserved.Add(stable)

	t.nextID++
	return &Reservation{id: t.nextID, fiatReserved: fiat, stableReserved: stable}, true
}

// Commit reduces the reserved counters by the reservation's held amounts
// and reduces the totals by the actually-filled amounts, which may differ
// from what was reserved (e.g. partial fill or slippage-adjusted qty).
func (t *Tracker) Commit(r *Reservation, actualFiat, actualStable decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err:= t.consume(r); err != nil {
		return err
	}

	t.fiat.reserved = t.fiat.reserved.Sub(r.fiatReserved)
	t.stable.reserved = t.stable.reserved.Sub(r.stableReserved)
	t.fiat.total = t.fiat.total.Sub(actualFiat)
	t.stable.total = t.stable.total.Sub(actualStable)
	return nil
}

// Release reduces the reserved counters by the reservation's held amounts
// without touching totals — used when an order fails outright and no funds
// ever left the account.
func (t *Tracker) Release(r *Reservation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err:= t.consume(r); err != nil {
		return err
	}

	t.fiat.reserved = t.fiat.reserved.Sub(r.fiatReserved)
	t.stable.reserved = t.stable.reserved.Sub(r.stableReserved)
	return nil
}

// OnExit increases totals when closing a position returns funds, without
// touching reserved counters (no reservation is associated with a close).
func (t *Tracker) OnExit(receivedFiat, receivedStable decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fiat.total = t.fiat.total.Add(receivedFiat)
	t.stable.total = t.stable.total.Add(receivedStable)
}

// consume marks r as used, rejecting a nil or already-consumed reservation.
// Must be called with t.mu held.
func (t *Tracker) consume(r *Reservation) error {
	if r == nil || r.consumed {
		return fmt.Errorf("%w", core.ErrReservationReused)
	}
	r.consumed = true
	return nil
}

// Snapshot reports the current totals/reserved/available for both
// currencies (status logging, BalanceInsufficient alert detail).
type Snapshot struct {
	FiatTotal decimal.Decimal
	FiatReserved decimal.Decimal
	FiatAvailable decimal.Decimal
	StableTotal decimal.Decimal
	StableReserved decimal.Decimal
	StableAvailable decimal.Decimal
}

// Snapshot returns the current state of both currency accounts.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		FiatTotal: t.fiat.total,
		FiatReserved: t.fiat.reserved,
		FiatAvailable: t.fiat.available(),
		StableTotal: t.stable.total,
		StableReserved: t.stable.reserved,
		StableAvailable: t.stable.available(),
	}
}
