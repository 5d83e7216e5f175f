package journal

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/copytrader/broker"
)

const tradeColumns = `id, source_account_id, source_transaction_id, instrument, units, side, price, take_profit, stop_loss, detected_via, created_at`

func scanTrade(row interface{ Scan(...any) error }) (TradeRecord, error) {
	var (
		t      TradeRecord
		side   string
		tp, sl decimal.NullDecimal
	)
	err := row.Scan(&t.ID, &t.SourceAccountID, &t.SourceTransactionID, &t.Instrument, &t.Units,
		&side, &t.Price, &tp, &sl, &t.DetectedVia, &t.CreatedAt)
	if err != nil {
		return TradeRecord{}, err
	}
	t.Side = broker.Side(side)
	if tp.Valid {
		t.TakeProfit = &tp.Decimal
	}
	if sl.Valid {
		t.StopLoss = &sl.Decimal
	}
	return t, nil
}

// GetTrade returns a single trade with its executions in mirror order.
func (j *SQLite) GetTrade(ctx context.Context, tradeID string) (TradeRecord, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, tradeID)
	return j.loadTrade(ctx, row, tradeID)
}

func (j *SQLite) GetTradeBySource(ctx context.Context, sourceID, sourceTxnID string) (TradeRecord, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE source_account_id = ? AND source_transaction_id = ?`,
		sourceID, sourceTxnID)
	return j.loadTrade(ctx, row, sourceID+"/"+sourceTxnID)
}

func (j *SQLite) loadTrade(ctx context.Context, row *sql.Row, key string) (TradeRecord, error) {
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return TradeRecord{}, errors.Wrapf(ErrNotFound, "trade %q", key)
	}
	if err != nil {
		return TradeRecord{}, errors.Wrapf(err, "get trade %s", key)
	}

	execs, err := j.listExecutions(ctx, t.ID)
	if err != nil {
		return TradeRecord{}, err
	}
	t.Executions = execs
	return t, nil
}

func (j *SQLite) listExecutions(ctx context.Context, tradeID string) ([]MirrorExecution, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM mirror_executions WHERE trade_id = ? ORDER BY position ASC, mirror_account_id ASC`,
		tradeID)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	var out []MirrorExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListTrades returns the newest trades first. An empty sourceID lists all
// sources; limit <= 0 means 100.
func (j *SQLite) ListTrades(ctx context.Context, sourceID string, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT ` + tradeColumns + ` FROM trades`
	args := []any{}
	if sourceID != "" {
		q += ` WHERE source_account_id = ?`
		args = append(args, sourceID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list trades")
	}

	var out []TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Single connection: the cursor must be released before loading executions.
	rows.Close()

	for i := range out {
		execs, err := j.listExecutions(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Executions = execs
	}
	return out, nil
}
