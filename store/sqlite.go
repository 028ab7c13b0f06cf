package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/volbalance/dividend"
	"github.com/rustyeddy/volbalance/internal/sqlitedb"
	"github.com/rustyeddy/volbalance/journal"
	"github.com/rustyeddy/volbalance/market"
	"github.com/rustyeddy/volbalance/position"
)

// SQLite is a Store backed by a SQLite file.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sqlitedb.Open(ctx, path, Schema)
	if err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUnique(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

const positionCols = `id, asset_symbol, qty, cash, anchor_price, status, withholding_tax_rate, order_policy, guardrails, created_at, updated_at`

func anchorValue(a *decimal.Decimal) decimal.NullDecimal {
	if a == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *a, Valid: true}
}

func (s *SQLite) CreatePosition(ctx context.Context, p position.Position) error {
	op, err := json.Marshal(p.OrderPolicy)
	if err != nil {
		return fmt.Errorf("encode order policy: %w", err)
	}
	gr, err := json.Marshal(p.Guardrails)
	if err != nil {
		return fmt.Errorf("encode guardrails: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (`+positionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AssetSymbol, p.Qty, p.Cash, anchorValue(p.AnchorPrice), string(p.Status),
		p.WithholdingTaxRate, string(op), string(gr), toNS(p.CreatedAt), toNS(p.UpdatedAt),
	)
	if isUnique(err) {
		return fmt.Errorf("%w: %s", position.ErrExists, p.ID)
	}
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

func scanPosition(sc scanner) (position.Position, error) {
	var (
		p              position.Position
		anchor         decimal.NullDecimal
		status, op, gr string
		created, upd   int64
	)
	err := sc.Scan(&p.ID, &p.AssetSymbol, &p.Qty, &p.Cash, &anchor, &status,
		&p.WithholdingTaxRate, &op, &gr, &created, &upd)
	if err != nil {
		return position.Position{}, err
	}
	if anchor.Valid {
		a := anchor.Decimal
		p.AnchorPrice = &a
	}
	p.Status = position.Status(status)
	if err := json.Unmarshal([]byte(op), &p.OrderPolicy); err != nil {
		return position.Position{}, fmt.Errorf("decode order policy for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(gr), &p.Guardrails); err != nil {
		return position.Position{}, fmt.Errorf("decode guardrails for %s: %w", p.ID, err)
	}
	p.CreatedAt = fromNS(created)
	p.UpdatedAt = fromNS(upd)
	return p, nil
}

func (s *SQLite) GetPosition(ctx context.Context, id string) (position.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return position.Position{}, fmt.Errorf("%w: %s", position.ErrNotFound, id)
	}
	if err != nil {
		return position.Position{}, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *SQLite) ListPositions(ctx context.Context, f position.Filter) ([]position.Position, error) {
	q := `SELECT ` + positionCols + ` FROM positions WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Symbol != "" {
		q += ` AND asset_symbol = ?`
		args = append(args, f.Symbol)
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func updatePosition(ctx context.Context, ex execer, p position.Position) error {
	op, err := json.Marshal(p.OrderPolicy)
	if err != nil {
		return fmt.Errorf("encode order policy: %w", err)
	}
	gr, err := json.Marshal(p.Guardrails)
	if err != nil {
		return fmt.Errorf("encode guardrails: %w", err)
	}
	res, err := ex.ExecContext(ctx, `
		UPDATE positions SET
			asset_symbol = ?, qty = ?, cash = ?, anchor_price = ?, status = ?,
			withholding_tax_rate = ?, order_policy = ?, guardrails = ?, updated_at = ?
		WHERE id = ?`,
		p.AssetSymbol, p.Qty, p.Cash, anchorValue(p.AnchorPrice), string(p.Status),
		p.WithholdingTaxRate, string(op), string(gr), toNS(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", position.ErrNotFound, p.ID)
	}
	return nil
}

func (s *SQLite) UpdatePosition(ctx context.Context, p position.Position) error {
	return updatePosition(ctx, s.db, p)
}

func (s *SQLite) SaveBaseline(ctx context.Context, b position.Baseline) error {
	return saveBaseline(ctx, s.db, b)
}

func saveBaseline(ctx context.Context, ex execer, b position.Baseline) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO baselines (position_id, baseline_timestamp, qty, price, cash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(position_id) DO UPDATE SET
			baseline_timestamp = excluded.baseline_timestamp,
			qty = excluded.qty, price = excluded.price, cash = excluded.cash`,
		b.PositionID, toNS(b.BaselineTimestamp), b.Qty, b.Price, b.Cash,
	)
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey {
		return fmt.Errorf("%w: %s", position.ErrNotFound, b.PositionID)
	}
	if err != nil {
		return fmt.Errorf("save baseline %s: %w", b.PositionID, err)
	}
	return nil
}

func (s *SQLite) GetBaseline(ctx context.Context, positionID string) (*position.Baseline, error) {
	var (
		b  position.Baseline
		ts int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT position_id, baseline_timestamp, qty, price, cash
		FROM baselines WHERE position_id = ?`, positionID,
	).Scan(&b.PositionID, &ts, &b.Qty, &b.Price, &b.Cash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get baseline %s: %w", positionID, err)
	}
	b.BaselineTimestamp = fromNS(ts)
	return &b, nil
}

func insertTrade(ctx context.Context, ex execer, t journal.Trade) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO trades
		(id, position_id, timestamp, side, qty, price, commission, cash_after, shares_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PositionID, toNS(t.Timestamp), t.Side, t.Qty, t.Price,
		t.Commission, t.CashAfter, t.SharesAfter,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func encodeMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func insertEvent(ctx context.Context, ex execer, e journal.Event) error {
	in, err := encodeMap(e.Inputs)
	if err != nil {
		return fmt.Errorf("encode event inputs: %w", err)
	}
	out, err := encodeMap(e.Outputs)
	if err != nil {
		return fmt.Errorf("encode event outputs: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO events
		(id, position_id, timestamp, evaluation_type, inputs, outputs, action, action_reason, guardrail_block_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PositionID, toNS(e.Timestamp), string(e.EvaluationType), in, out,
		e.Action, e.ActionReason, e.GuardrailBlockReason,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLite) RecordTrade(ctx context.Context, t journal.Trade) error {
	return insertTrade(ctx, s.db, t)
}

func (s *SQLite) RecordEvent(ctx context.Context, e journal.Event) error {
	return insertEvent(ctx, s.db, e)
}

func (s *SQLite) ListTrades(ctx context.Context, positionID string) ([]journal.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position_id, timestamp, side, qty, price, commission, cash_after, shares_after
		FROM trades
		WHERE position_id = ?
		ORDER BY timestamp ASC, rowid ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("list trades %s: %w", positionID, err)
	}
	defer rows.Close()

	var out []journal.Trade
	for rows.Next() {
		var (
			t  journal.Trade
			ts int64
		)
		if err := rows.Scan(&t.ID, &t.PositionID, &ts, &t.Side, &t.Qty, &t.Price,
			&t.Commission, &t.CashAfter, &t.SharesAfter); err != nil {
			return nil, err
		}
		t.Timestamp = fromNS(ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) ListEvents(ctx context.Context, positionID string, f journal.EventFilter) ([]journal.Event, error) {
	q := `SELECT seq, id, position_id, timestamp, evaluation_type, inputs, outputs, action, action_reason, guardrail_block_reason
		FROM events WHERE position_id = ?`
	args := []any{positionID}
	if !f.Since.IsZero() {
		q += ` AND timestamp >= ?`
		args = append(args, toNS(f.Since))
	}
	if len(f.Types) > 0 {
		q += ` AND evaluation_type IN (?` + strings.Repeat(",?", len(f.Types)-1) + `)`
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if f.Limit > 0 {
		// newest N, returned oldest first
		q = `SELECT * FROM (` + q + ` ORDER BY timestamp DESC, seq DESC LIMIT ?) ORDER BY timestamp ASC, seq ASC`
		args = append(args, f.Limit)
	} else {
		q += ` ORDER BY timestamp ASC, seq ASC`
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", positionID, err)
	}
	defer rows.Close()

	var out []journal.Event
	for rows.Next() {
		var (
			e       journal.Event
			seq, ts int64
			typ     string
			in, res sql.NullString
		)
		if err := rows.Scan(&seq, &e.ID, &e.PositionID, &ts, &typ, &in, &res,
			&e.Action, &e.ActionReason, &e.GuardrailBlockReason); err != nil {
			return nil, err
		}
		e.Timestamp = fromNS(ts)
		e.EvaluationType = journal.EventType(typ)
		if e.Inputs, err = decodeMap(in); err != nil {
			return nil, fmt.Errorf("decode inputs of %s: %w", e.ID, err)
		}
		if e.Outputs, err = decodeMap(res); err != nil {
			return nil, fmt.Errorf("decode outputs of %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) CountTradesSince(ctx context.Context, positionID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE position_id = ? AND timestamp >= ?`,
		positionID, toNS(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count trades %s: %w", positionID, err)
	}
	return n, nil
}

func (s *SQLite) CommitExecution(ctx context.Context, pos position.Position, t journal.Trade, e journal.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updatePosition(ctx, tx, pos); err != nil {
			return err
		}
		if err := insertTrade(ctx, tx, t); err != nil {
			return err
		}
		return insertEvent(ctx, tx, e)
	})
}

func (s *SQLite) CommitUpdate(ctx context.Context, pos position.Position, e journal.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updatePosition(ctx, tx, pos); err != nil {
			return err
		}
		return insertEvent(ctx, tx, e)
	})
}

func (s *SQLite) CommitBaselineReset(ctx context.Context, pos position.Position, b position.Baseline, e journal.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := saveBaseline(ctx, tx, b); err != nil {
			return err
		}
		if err := updatePosition(ctx, tx, pos); err != nil {
			return err
		}
		return insertEvent(ctx, tx, e)
	})
}

const receivableCols = `id, position_id, ex_date, pay_date, dps, qty_at_ex_date, gross_amount, withholding_tax_amount, net_amount, status, created_at, paid_at`

func scanReceivable(sc scanner) (dividend.Receivable, error) {
	var (
		r                dividend.Receivable
		ex, pay, created int64
		status           string
		paid             sql.NullInt64
	)
	err := sc.Scan(&r.ID, &r.PositionID, &ex, &pay, &r.DPS, &r.QtyAtExDate, &r.GrossAmount,
		&r.WithholdingTaxAmount, &r.NetAmount, &status, &created, &paid)
	if err != nil {
		return dividend.Receivable{}, err
	}
	r.ExDate = fromNS(ex)
	r.PayDate = fromNS(pay)
	r.CreatedAt = fromNS(created)
	r.Status = dividend.Status(status)
	if paid.Valid {
		t := fromNS(paid.Int64)
		r.PaidAt = &t
	}
	return r, nil
}

func (s *SQLite) GetReceivable(ctx context.Context, id string) (dividend.Receivable, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receivableCols+` FROM dividend_receivables WHERE id = ?`, id)
	r, err := scanReceivable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return dividend.Receivable{}, fmt.Errorf("%w: %s", dividend.ErrNotFound, id)
	}
	if err != nil {
		return dividend.Receivable{}, fmt.Errorf("get receivable %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLite) FindReceivable(ctx context.Context, positionID string, exDate time.Time) (dividend.Receivable, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+receivableCols+` FROM dividend_receivables WHERE position_id = ? AND ex_date = ?`,
		positionID, toNS(market.Day(exDate)))
	r, err := scanReceivable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return dividend.Receivable{}, fmt.Errorf("%w: %s ex %s", dividend.ErrNotFound, positionID, exDate.Format(time.DateOnly))
	}
	if err != nil {
		return dividend.Receivable{}, fmt.Errorf("find receivable %s: %w", positionID, err)
	}
	return r, nil
}

func (s *SQLite) ListReceivables(ctx context.Context, positionID string) ([]dividend.Receivable, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+receivableCols+` FROM dividend_receivables WHERE position_id = ? ORDER BY ex_date ASC`,
		positionID)
	if err != nil {
		return nil, fmt.Errorf("list receivables %s: %w", positionID, err)
	}
	defer rows.Close()

	var out []dividend.Receivable
	for rows.Next() {
		r, err := scanReceivable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func paidAt(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNS(*t), Valid: true}
}

func (s *SQLite) CreateExDividend(ctx context.Context, r dividend.Receivable, e journal.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dividend_receivables (`+receivableCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.PositionID, toNS(r.ExDate), toNS(r.PayDate), r.DPS, r.QtyAtExDate,
			r.GrossAmount, r.WithholdingTaxAmount, r.NetAmount, string(r.Status),
			toNS(r.CreatedAt), paidAt(r.PaidAt),
		)
		if isUnique(err) {
			return dividend.ErrDuplicate
		}
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return fmt.Errorf("%w: %s", position.ErrNotFound, r.PositionID)
		}
		if err != nil {
			return fmt.Errorf("insert receivable %s: %w", r.ID, err)
		}
		return insertEvent(ctx, tx, e)
	})
}

func (s *SQLite) CommitPayment(ctx context.Context, pos position.Position, r dividend.Receivable, e journal.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE dividend_receivables SET status = ?, paid_at = ?
			WHERE id = ? AND status = ?`,
			string(r.Status), paidAt(r.PaidAt), r.ID, string(dividend.StatusPending),
		)
		if err != nil {
			return fmt.Errorf("mark receivable %s paid: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var status string
			err := tx.QueryRowContext(ctx, `SELECT status FROM dividend_receivables WHERE id = ?`, r.ID).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", dividend.ErrNotFound, r.ID)
			}
			if err != nil {
				return err
			}
			return dividend.ErrAlreadyPaid
		}
		if err := updatePosition(ctx, tx, pos); err != nil {
			return err
		}
		return insertEvent(ctx, tx, e)
	})
}
