// Package store implements the Position Store shadow-persistence surface
// over SQLite: save/update/load/remove for positions,
// plus minute-bar and trade recording. Grounded on
// internal/engine/simple/store_sqlite.go's raw database/sql + WAL +
// SHA-256-checksum idiom from tree; extended here with the
// actual relational schema names (SQLiteStore
// persists one opaque JSON blob, this one needs queryable rows per
// position/trade/minute-bar).
//
// Every call here is fire-and-forget from the monitor's perspective: memory
// (internal/position.Manager) is authoritative, this package is a shadow. A
// persistence failure is returned to the caller, which logs a warning and
// does not roll back in-memory state.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbctl/spreadengine/internal/core"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3"
)

// Store implements core.PositionStore over a SQLite database opened in WAL
// mode.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL mode and
// a busy timeout, and returns a Store. Callers should run Migrate
// separately before using the Store (schema is not created implicitly).
func Open(path string, busyTimeoutMs int) (*Store, error) {
	db, err:= sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=%d", path, busyTimeoutMs))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err:= db.Ping; err != nil {
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err:= db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// positionRow is the JSON-serialized shape written to the positions table's
// data column; the checksum guards against partial-write corruption the
// same way SQLiteStore does for its single-blob state.
type positionRow struct {
	SessionID string `json:"session_id"`
	Position core.Position `json:"position"`
}

// Save inserts a new position row in state Opening and returns the assigned
// db_id.
func (s *Store) Save(ctx context.Context, rec core.PositionRecord) (int64, error) {
	data, checksum, err:= encodePosition(rec.SessionID, rec.Position)
	if err != nil {
		return 0, err
	}

	res, err:= s.db.ExecContext(ctx,
		`INSERT INTO positions (session_id, coin, state, data, checksum, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Position.Coin, string(rec.Position.State), data, checksum, time.Now().UnixNano)
	if err != nil {
		return 0, fmt.Errorf("insert position: %w", err)
	}
	return res.LastInsertId
}

// UpdateState performs an idempotent state-transition update: if the row is
// currently in state `from`, it is updated to `to` with the given fields
// merged into the serialized position and StoreApplied is returned; if the
// row is already in state `to` (a retried call observing its own prior
// success), StoreAlreadyTransitioned is returned without error. Any other
// observed state is an error.
func (s *Store) UpdateState(ctx context.Context, dbID int64, from, to core.PositionState, fields map[string]any) (core.StoreUpdateResult, error) {
	tx, err:= s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func { _ = tx.Rollback }

	var sessionID, state, data string
	err = tx.QueryRowContext(ctx, `SELECT session_id, state, data FROM positions WHERE id = ?`, dbID).
		Scan(&sessionID, &state, &data)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("position db_id=%d: %w", dbID, core.ErrPositionNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("select position: %w", err)
	}

	if core.PositionState(state) == to {
		return core.StoreAlreadyTransitioned, nil
	}
	if core.PositionState(state) != from {
		return "", fmt.Errorf("position db_id=%d expected state %s, found %s: %w", dbID, from, state, core.ErrStateTransition)
	}

	var row positionRow
	if err:= json.Unmarshal([]byte(data), &row); err != nil {
		return "", fmt.Errorf("unmarshal position row: %w", err)
	}
	row.Position.State = to
	applyFields(&row.Position, fields)

	newData, checksum, err:= encodePosition(row.SessionID, row.Position)
	if err != nil {
		return "", err
	}

	if _, err:= tx.ExecContext(ctx,
		`UPDATE positions SET state = ?, data = ?, checksum = ? WHERE id = ?`,
		string(to), newData, checksum, dbID); err != nil {
		return "", fmt.Errorf("update position: %w", err)
	}

	if err:= tx.Commit; err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return core.StoreApplied, nil
}

// applyFields merges a small set of recognized field overrides into p. Only
// the fields crash-recovery and the monitor actually need to stamp on a
// transition are supported; anything else is ignored rather than erroring,
// matching the shadow-persistence "best effort" posture.
func applyFields(p *core.Position, fields map[string]any) {
	if v, ok:= fields["spot_order_id"].(string); ok {
		p.SpotOrderID = v
	}
	if v, ok:= fields["perp_order_id"].(string); ok {
		p.PerpOrderID = v
	}
	if v, ok:= fields["succeeded_leg"].(string); ok {
		p.SucceededLeg = core.Leg(v)
	}
	if v, ok:= fields["in_flight"].(bool); ok {
		p.InFlight = v
	}
}

// LoadOpen returns every position row for sessionID not yet in state Closed
// (crash recovery —).
func (s *Store) LoadOpen(ctx context.Context, sessionID string) ([]core.PositionRecord, error) {
	rows, err:= s.db.QueryContext(ctx,
		`SELECT id, data, checksum FROM positions WHERE session_id = ? AND state != ?`,
		sessionID, string(core.StateClosed))
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var out []core.PositionRecord
	for rows.Next {
		var dbID int64
		var data string
		var checksum []byte
		if err:= rows.Scan(&dbID, &data, &checksum); err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		if err:= verifyChecksum([]byte(data), checksum); err != nil {
			return nil, fmt.Errorf("position db_id=%d: %w", dbID, err)
		}
		var row positionRow
		if err:= json.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("unmarshal position db_id=%d: %w", dbID, err)
		}
		row.Position.DBID = &dbID
		out = append(out, core.PositionRecord{DBID: dbID, SessionID: row.SessionID, Position: row.Position})
	}
	return out, rows.Err()
}

// Remove deletes a position row outright — only valid when the order never
// took effect (e.g. both-unfilled entry).
func (s *Store) Remove(ctx context.Context, dbID int64) error {
	_, err:= s.db.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, dbID)
	if err != nil {
		return fmt.Errorf("delete position db_id=%d: %w", dbID, err)
	}
	return nil
}

// SaveMinuteRecord appends one per-coin per-minute statistics row.
func (s *Store) SaveMinuteRecord(ctx context.Context, rec core.MinuteRecord) error {
	_, err:= s.db.ExecContext(ctx,
		`INSERT INTO minute_bars (session_id, coin, ts, spot_close, perp_close, spread_pct, z_score, mean, stddev)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Coin, rec.Timestamp.UnixNano,
		decOrNil(rec.SpotClose), decOrNil(rec.PerpClose), decOrNil(rec.SpreadPct),
		decOrNil(rec.ZScore), decOrNil(rec.Mean), decOrNil(rec.StdDev))
	if err != nil {
		return fmt.Errorf("insert minute bar: %w", err)
	}
	return nil
}

// SaveTrade appends one closed-trade row.
func (s *Store) SaveTrade(ctx context.Context, rec core.TradeRecord) error {
	_, err:= s.db.ExecContext(ctx,
		`INSERT INTO trades (session_id, position_id, coin, side, qty, spot_price_fiat, perp_price, fees,
		 spread_at_exit, z_score_at_exit, realized_pnl, adjustment_cost, exit_fx, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.PositionID, rec.Coin, rec.Side, rec.Qty.String(),
		decOrNil(rec.SpotPriceFiat), decOrNil(rec.PerpPrice), rec.Fees.String(),
		decOrNil(rec.SpreadAtExit), decOrNil(rec.ZScoreAtExit), rec.RealizedPnL.String(),
		decOrNil(rec.AdjustmentCost), decOrNil(rec.ExitFX), rec.ExecutedAt.UnixNano)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// decOrNil converts an optional decimal field to a nilable SQL parameter:
// a *decimal.Decimal stores as its decimal string, a nil pointer as SQL NULL.
func decOrNil(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func encodePosition(sessionID string, p core.Position) (string, []byte, error) {
	data, err:= json.Marshal(positionRow{SessionID: sessionID, Position: p})
	if err != nil {
		return "", nil, fmt.Errorf("marshal position: %w", err)
	}
	sum:= sha256.Sum256(data)
	return string(data), sum[:], nil
}

func verifyChecksum(data, want []byte) error {
	got:= sha256.Sum256(data)
	if len(want) != len(got) {
		return fmt.Errorf("checksum length mismatch")
	}
	for i:= range got {
		if got[i] != want[i] {
			return fmt.Errorf("checksum mismatch: data corruption detected")
		}
	}
	return nil
}
