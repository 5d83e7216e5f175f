package journal

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/pkg/id"
	"github.com/rustyeddy/copytrader/risk"
)

func (j *SQLite) TradeExists(ctx context.Context, sourceID, sourceTxnID string) (bool, error) {
	var n int
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM trades WHERE source_account_id = ? AND source_transaction_id = ?`,
		sourceID, sourceTxnID).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "check trade")
	}
	return n > 0, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// CreateTrade relies on the UNIQUE(source_account_id, source_transaction_id)
// constraint: the insert is a no-op for an existing pair and reports
// ErrDuplicateTrade.
func (j *SQLite) CreateTrade(ctx context.Context, t *TradeRecord) error {
	if t.SourceAccountID == "" || t.SourceTransactionID == "" {
		return errors.New("trade needs source account and transaction id")
	}
	if t.ID == "" {
		t.ID = id.Prefixed("trd")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = j.now()
	}
	if t.Side == "" {
		t.Side = broker.SideOf(t.Units)
	}

	res, err := j.db.ExecContext(ctx, `
		INSERT INTO trades
		(id, source_account_id, source_transaction_id, instrument, units, side, price, take_profit, stop_loss, detected_via, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_account_id, source_transaction_id) DO NOTHING`,
		t.ID, t.SourceAccountID, t.SourceTransactionID, t.Instrument, t.Units, string(t.Side), t.Price,
		nullDecimal(t.TakeProfit), nullDecimal(t.StopLoss), t.DetectedVia, t.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert trade")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrDuplicateTrade, "source %s txn %s", t.SourceAccountID, t.SourceTransactionID)
	}
	return nil
}

func (j *SQLite) SaveExecution(ctx context.Context, e MirrorExecution) error {
	if e.TradeID == "" || e.MirrorAccountID == "" {
		return errors.New("execution needs trade and mirror ids")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = j.now()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO mirror_executions
		(trade_id, mirror_account_id, position, status, executed_units, broker_transaction_id, error_message, scale_factor, scale_mode, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trade_id, mirror_account_id) DO UPDATE SET
			status = excluded.status,
			executed_units = excluded.executed_units,
			broker_transaction_id = excluded.broker_transaction_id,
			error_message = excluded.error_message,
			scale_factor = excluded.scale_factor,
			scale_mode = excluded.scale_mode,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at`,
		e.TradeID, e.MirrorAccountID, e.Position, string(e.Status), e.ExecutedUnits,
		e.BrokerTransactionID, e.ErrorMessage, e.ScaleFactor, string(e.ScaleMode), e.Attempts, e.UpdatedAt,
	)
	return errors.Wrapf(err, "save execution %s/%s", e.TradeID, e.MirrorAccountID)
}

const executionColumns = `trade_id, mirror_account_id, position, status, executed_units, broker_transaction_id, error_message, scale_factor, scale_mode, attempts, updated_at`

func scanExecution(row interface{ Scan(...any) error }) (MirrorExecution, error) {
	var (
		e            MirrorExecution
		status, mode string
	)
	err := row.Scan(&e.TradeID, &e.MirrorAccountID, &e.Position, &status, &e.ExecutedUnits,
		&e.BrokerTransactionID, &e.ErrorMessage, &e.ScaleFactor, &mode, &e.Attempts, &e.UpdatedAt)
	e.Status = ExecutionStatus(status)
	e.ScaleMode = risk.Mode(mode)
	return e, err
}

func (j *SQLite) GetExecution(ctx context.Context, tradeID, mirrorID string) (MirrorExecution, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM mirror_executions WHERE trade_id = ? AND mirror_account_id = ?`,
		tradeID, mirrorID)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return MirrorExecution{}, errors.Wrapf(ErrNotFound, "execution %s/%s", tradeID, mirrorID)
	}
	return e, errors.Wrap(err, "get execution")
}
