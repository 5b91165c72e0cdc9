package core

import "errors"

// Sentinel errors for the arbitrage engine's own control-flow decisions.
// Exchange-facing transport errors live in pkg/errors; these are the
// engine's internal validation/state-machine/risk sentinels.
var (
	ErrStateTransition = errors.New("invalid position state transition")
	ErrPositionNotFound = errors.New("position not found")
	ErrBalanceReserveFailed = errors.New("insufficient available balance to reserve")
	ErrReservationReused = errors.New("reservation token already committed or released")
	ErrRegimeChange = errors.New("coin exceeded regime-change stddev bound")
	ErrKillSwitchActive = errors.New("kill switch active: entries blocked")
	ErrOrderConstraint = errors.New("order fails instrument constraints")
	ErrRoundingPnL = errors.New("post-rounding profit is not positive")
	ErrMinPosition = errors.New("position below configured minimum notional")
	ErrMinROI = errors.New("expected ROI below configured minimum")
	ErrComputingBusy = errors.New("computing flag already set")
	ErrStaleOrderbook = errors.New("orderbook snapshot stale")
	ErrBothLegsUnfilled = errors.New("both legs unfilled")
	ErrEmergencyCloseFailed = errors.New("emergency close escalation exhausted")
	ErrMigrationInvalid = errors.New("invalid migration filename")
	ErrMigrationDuplicate = errors.New("duplicate migration version on disk")
)

// RejectionReason names why an entry candidate was rejected, for counters
// and the session summary.
type RejectionReason string

const (
	RejectOrderConstraint RejectionReason = "order_constraint"
	RejectRoundingPnL RejectionReason = "rounding_pnl"
	RejectMinPosition RejectionReason = "min_position"
	RejectMinROI RejectionReason = "min_roi"
)
