package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports a lookup that matched no row.
var ErrNotFound = errors.New("record not found")

// ----------------------------------------
// Emergency flag
// ----------------------------------------

// SetEmergencyFlag raises the flag with a reason. Idempotent.
func (s *Store) SetEmergencyFlag(ctx context.Context, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE emergency_flag SET active = 1, reason = ?, set_at = ? WHERE id = 1
	`, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set emergency flag: %w", err)
	}
	return nil
}

// ClearEmergencyFlag lowers the flag. Only the operator endpoint calls this.
func (s *Store) ClearEmergencyFlag(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE emergency_flag SET active = 0, reason = '', set_at = NULL WHERE id = 1
	`)
	if err != nil {
		return fmt.Errorf("clear emergency flag: %w", err)
	}
	return nil
}

// GetEmergencyFlag reads the current flag state.
func (s *Store) GetEmergencyFlag(ctx context.Context) (EmergencyFlag, error) {
	var (
		f      EmergencyFlag
		active int
		setAt  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT active, reason, set_at FROM emergency_flag WHERE id = 1
	`).Scan(&active, &f.Reason, &setAt)
	if err != nil {
		return EmergencyFlag{}, fmt.Errorf("read emergency flag: %w", err)
	}
	f.Active = active != 0
	if setAt.Valid {
		f.SetAt = setAt.Time
	}
	return f, nil
}

// ----------------------------------------
// Order journal
// ----------------------------------------

// RecordOrder appends a journal row and returns its row id.
func (s *Store) RecordOrder(ctx context.Context, o OrderRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, client_order_id, symbol, side, type, purpose, qty, price, stop_price, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.OrderID, o.ClientOrderID, o.Symbol, o.Side, o.Type, o.Purpose, o.Qty, o.Price, o.StopPrice, o.Status)
	if err != nil {
		return 0, fmt.Errorf("record order: %w", err)
	}
	return res.LastInsertId()
}

// UpdateOrderStatus moves every journal row for an exchange order id to the
// given status.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE order_id = ?
	`, status, orderID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// RecentOrders returns the newest journal rows, most recent first.
func (s *Store) RecentOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, client_order_id, symbol, side, type, purpose, qty, price, stop_price, status, created_at, updated_at
		FROM orders ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(&o.ID, &o.OrderID, &o.ClientOrderID, &o.Symbol, &o.Side, &o.Type,
			&o.Purpose, &o.Qty, &o.Price, &o.StopPrice, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Position snapshots
// ----------------------------------------

// UpsertPosition writes the durable snapshot for one symbol.
func (s *Store) UpsertPosition(ctx context.Context, p PositionRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (symbol, side, qty, entry_price, leverage, state, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol) DO UPDATE SET
			side = excluded.side,
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			leverage = excluded.leverage,
			state = excluded.state,
			updated_at = CURRENT_TIMESTAMP
	`, p.Symbol, p.Side, p.Qty, p.EntryPrice, p.Leverage, p.State, p.OpenedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// DeletePosition removes the snapshot for a closed position.
func (s *Store) DeletePosition(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// ListPositions returns every persisted position snapshot.
func (s *Store) ListPositions(ctx context.Context) ([]PositionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, side, qty, entry_price, leverage, state, opened_at, updated_at FROM positions
	`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var p PositionRow
		if err := rows.Scan(&p.Symbol, &p.Side, &p.Qty, &p.EntryPrice, &p.Leverage, &p.State, &p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPosition returns one snapshot or ErrNotFound.
func (s *Store) GetPosition(ctx context.Context, symbol string) (PositionRow, error) {
	var p PositionRow
	err := s.db.QueryRowContext(ctx, `
		SELECT symbol, side, qty, entry_price, leverage, state, opened_at, updated_at
		FROM positions WHERE symbol = ?
	`, symbol).Scan(&p.Symbol, &p.Side, &p.Qty, &p.EntryPrice, &p.Leverage, &p.State, &p.OpenedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PositionRow{}, ErrNotFound
	}
	if err != nil {
		return PositionRow{}, fmt.Errorf("read position: %w", err)
	}
	return p, nil
}
