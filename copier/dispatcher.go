package copier

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/events"
	"github.com/rustyeddy/copytrader/journal"
	"github.com/rustyeddy/copytrader/risk"
)

// Outcome is the result of copying one trade to one mirror.
type Outcome struct {
	MirrorAccountID string
	Status          journal.ExecutionStatus
	// Skipped is set when the scaled size rounded to zero and no order was
	// sent. No execution is recorded for a skipped mirror.
	Skipped             bool
	Scale               risk.Scale
	ExecutedUnits       decimal.Decimal
	BrokerTransactionID string
	Err                 error
}

// Dispatcher places scaled market orders on mirror accounts and records
// each attempt in the ledger.
type Dispatcher struct {
	ledger  journal.Ledger
	factory broker.Factory
	scaler  *risk.ScaleCalculator
	timeout time.Duration
	pub     events.Publisher
	log     logrus.FieldLogger
}

// NewDispatcher builds a dispatcher whose NAV lookups and order calls are
// each bounded by timeout (15s when zero).
func NewDispatcher(ledger journal.Ledger, factory broker.Factory, scaler *risk.ScaleCalculator, timeout time.Duration, pub events.Publisher, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if pub == nil {
		pub = events.Nop
	}
	if scaler == nil {
		scaler = risk.NewScaleCalculator(0, 0, log)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{ledger: ledger, factory: factory, scaler: scaler, timeout: timeout, pub: pub, log: log}
}

// ClientOrderID is the clientExtensions id sent with a mirror order, so an
// order whose response was lost can be found on the broker side.
func ClientOrderID(tradeID, mirrorID string, attempt int) string {
	return fmt.Sprintf("%s.%s.%d", tradeID, mirrorID, attempt)
}

// Dispatch copies trade to every mirror, one after another. A failure on
// one mirror never stops the rest. Cancelling ctx does not interrupt a
// dispatch in progress: every mirror is still attempted and every call is
// bounded by the dispatcher timeout instead.
func (d *Dispatcher) Dispatch(ctx context.Context, src journal.SourceAccount, trade journal.TradeRecord, mirrors []journal.MirrorAccount) []Outcome {
	out := make([]Outcome, 0, len(mirrors))
	for i, m := range mirrors {
		out = append(out, d.Execute(ctx, src, trade, m, i, 1))
	}
	return out
}

// Execute copies trade to a single mirror. position orders the execution
// within its trade; attempts is recorded on the execution row. Like
// Dispatch, it ignores cancellation of ctx.
func (d *Dispatcher) Execute(ctx context.Context, src journal.SourceAccount, trade journal.TradeRecord, m journal.MirrorAccount, position, attempts int) (out Outcome) {
	ctx = context.WithoutCancel(ctx)
	log := d.log.WithFields(logrus.Fields{
		"source": src.ID,
		"mirror": m.ID,
		"trade":  trade.ID,
		"txn":    trade.SourceTransactionID,
	})
	out.MirrorAccountID = m.ID

	exec := journal.MirrorExecution{
		TradeID:         trade.ID,
		MirrorAccountID: m.ID,
		Position:        position,
		Status:          journal.StatusPending,
		Attempts:        attempts,
	}
	pending := false

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("mirror execution panicked")
			out.Status = journal.StatusFailed
			out.Err = errors.Errorf("panic: %v", r)
			if pending {
				exec.Status = journal.StatusFailed
				exec.ErrorMessage = out.Err.Error()
				d.save(ctx, log, exec)
			}
			d.pub.Publish(events.NewMirrorComplete(src.ID, m.ID, trade.SourceTransactionID, false, nil, "", out.Err.Error()))
		}
	}()

	nctx, cancel := context.WithTimeout(ctx, d.timeout)
	scale := d.scaler.ComputeScale(nctx,
		d.navOf(src.Credentials()), d.navOf(m.Credentials()),
		m.Scaling(), trade.Units)
	cancel()
	out.Scale = scale
	exec.ScaleFactor = scale.Factor
	exec.ScaleMode = scale.Mode

	if scale.Units.IsZero() {
		log.WithFields(logrus.Fields{
			"units":  trade.Units.String(),
			"factor": scale.Factor,
		}).Info("scaled size rounds to zero, skipping mirror")
		out.Skipped = true
		e := events.NewMirrorComplete(src.ID, m.ID, trade.SourceTransactionID, false, nil, "", "")
		e.Skipped = true
		d.pub.Publish(e)
		return out
	}

	if err := d.ledger.SaveExecution(ctx, exec); err != nil {
		log.WithError(err).Error("record pending execution")
		out.Status = journal.StatusFailed
		out.Err = errors.Wrap(err, "record pending execution")
		d.pub.Publish(events.NewMirrorComplete(src.ID, m.ID, trade.SourceTransactionID, false, nil, "", out.Err.Error()))
		return out
	}
	pending = true
	d.pub.Publish(events.NewMirrorStart(src.ID, m.ID, trade.SourceTransactionID))

	octx, cancel := context.WithTimeout(ctx, d.timeout)
	fill, err := d.factory.Broker(m.Credentials()).CreateMarketOrder(octx, broker.MarketOrderRequest{
		Instrument: trade.Instrument,
		Units:      trade.Side.Signed(scale.Units),
		StopLoss:   trade.StopLoss,
		TakeProfit: trade.TakeProfit,
		ClientID:   ClientOrderID(trade.ID, m.ID, attempts),
	})
	cancel()
	if err != nil {
		log.WithError(err).WithField("units", scale.Units.String()).Warn("mirror order failed")
		exec.Status = journal.StatusFailed
		exec.ErrorMessage = err.Error()
		d.save(ctx, log, exec)

		out.Status = journal.StatusFailed
		out.Err = err
		d.pub.Publish(events.NewMirrorComplete(src.ID, m.ID, trade.SourceTransactionID, false, nil, "", err.Error()))
		return out
	}

	executed := fill.Units
	if executed.IsZero() {
		executed = scale.Units
	}
	exec.Status = journal.StatusSuccess
	exec.ExecutedUnits = executed
	exec.BrokerTransactionID = fill.TransactionID
	d.save(ctx, log, exec)

	log.WithFields(logrus.Fields{
		"units":      executed.String(),
		"factor":     scale.Factor,
		"mode":       scale.Mode,
		"broker_txn": fill.TransactionID,
	}).Info("mirror order filled")

	out.Status = journal.StatusSuccess
	out.ExecutedUnits = executed
	out.BrokerTransactionID = fill.TransactionID
	d.pub.Publish(events.NewMirrorComplete(src.ID, m.ID, trade.SourceTransactionID, true, &executed, fill.TransactionID, ""))
	return out
}

// save records the final state of an execution. The order has already been
// sent, so a ledger error is logged rather than returned.
func (d *Dispatcher) save(ctx context.Context, log logrus.FieldLogger, exec journal.MirrorExecution) {
	if err := d.ledger.SaveExecution(ctx, exec); err != nil {
		log.WithError(err).WithField("status", exec.Status).Error("record execution result")
	}
}

func (d *Dispatcher) navOf(c broker.Credentials) risk.NAVFunc {
	return func(ctx context.Context) (decimal.Decimal, error) {
		sum, err := d.factory.Broker(c).AccountSummary(ctx)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "account %s summary", c.AccountID)
		}
		return sum.NAV, nil
	}
}
