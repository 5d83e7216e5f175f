// Package copier detects fills on source accounts and replicates them to
// their mirror accounts.
package copier

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/events"
	"github.com/rustyeddy/copytrader/journal"
)

// ErrNotRetryable is returned when a retry targets an execution that did
// not fail or a mirror that can no longer receive orders.
var ErrNotRetryable = errors.New("execution not retryable")

type Config struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration
	// MaxConcurrentPolls bounds how many sources one tick polls at once.
	MaxConcurrentPolls int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.MaxConcurrentPolls <= 0 {
		c.MaxConcurrentPolls = 8
	}
	return c
}

// Engine owns trade detection and processing. It polls every active source
// on an interval and accepts fills pushed by the stream manager. Both paths
// meet in Process, where the ledger's uniqueness on the source transaction
// makes a fill seen twice a no-op.
type Engine struct {
	cfg        Config
	store      journal.Store
	factory    broker.Factory
	dispatcher *Dispatcher
	pub        events.Publisher
	log        logrus.FieldLogger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewEngine(cfg Config, store journal.Store, factory broker.Factory, d *Dispatcher, pub events.Publisher, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if pub == nil {
		pub = events.Nop
	}
	return &Engine{
		cfg:        cfg.withDefaults(),
		store:      store,
		factory:    factory,
		dispatcher: d,
		pub:        pub,
		log:        log,
		locks:      make(map[string]*sync.Mutex),
	}
}

// Run polls immediately and then every PollInterval until ctx is done or
// Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return errors.New("engine already running")
	}
	e.running = true
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	stop, done := e.stop, e.done
	e.runMu.Unlock()

	defer func() {
		e.runMu.Lock()
		e.running = false
		e.runMu.Unlock()
		close(done)
	}()

	e.log.WithField("interval", e.cfg.PollInterval).Info("copy engine started")
	t := time.NewTicker(e.cfg.PollInterval)
	defer t.Stop()

	for {
		if err := e.Tick(ctx); err != nil {
			e.log.WithError(err).Error("poll tick")
		}
		select {
		case <-ctx.Done():
			e.log.Info("copy engine stopped")
			return nil
		case <-stop:
			e.log.Info("copy engine stopped")
			return nil
		case <-t.C:
		}
	}
}

// Stop ends Run and waits for it to return. Safe to call when not running.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	done := e.done
	e.runMu.Unlock()
	<-done
}

// Tick polls every active source concurrently. One source failing or
// panicking does not affect the others; only listing sources can fail the
// tick.
func (e *Engine) Tick(ctx context.Context) error {
	sources, err := e.store.ListSourceAccounts(ctx, true)
	if err != nil {
		return errors.Wrap(err, "list source accounts")
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrentPolls)
	for _, src := range sources {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					e.log.WithFields(logrus.Fields{"source": src.ID, "panic": r}).Error("poll panicked")
					e.pub.Publish(events.NewError(src.ID, errors.Errorf("poll panicked: %v", r).Error()))
				}
			}()
			if err := e.pollSource(ctx, src); err != nil {
				e.log.WithError(err).WithField("source", src.ID).Warn("poll source")
				e.pub.Publish(events.NewError(src.ID, err.Error()))
			}
			return nil
		})
	}
	return g.Wait()
}

// PollSource fetches and processes new fills for one source account.
func (e *Engine) PollSource(ctx context.Context, sourceID string) error {
	src, err := e.store.GetSourceAccount(ctx, sourceID)
	if err != nil {
		return err
	}
	return e.pollSource(ctx, src)
}

func (e *Engine) sourceLock(id string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[id] = mu
	}
	return mu
}

func (e *Engine) pollSource(ctx context.Context, src journal.SourceAccount) error {
	if !src.Active {
		return nil
	}
	log := e.log.WithField("source", src.ID)

	mu := e.sourceLock(src.ID)
	if !mu.TryLock() {
		log.Debug("poll already in progress, skipping")
		return nil
	}
	defer mu.Unlock()

	// The cursor may have moved since src was read.
	fresh, err := e.store.GetSourceAccount(ctx, src.ID)
	if err != nil {
		return err
	}
	if !fresh.Active {
		return nil
	}
	src = fresh

	b := e.factory.Broker(src.Credentials())

	if src.LastTransactionID == "" {
		rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		sum, err := b.AccountSummary(rctx)
		cancel()
		if err != nil {
			return errors.Wrap(err, "initialise cursor")
		}
		if err := e.store.AdvanceCursor(ctx, src.ID, sum.LastTransactionID); err != nil {
			return err
		}
		log.WithField("cursor", sum.LastTransactionID).Info("first contact, history before this point is not copied")
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	page, err := b.TransactionsSince(rctx, src.LastTransactionID)
	cancel()
	if err != nil {
		return errors.Wrap(err, "fetch transactions")
	}

	next := page.LastTransactionID
	fills := 0
	for _, tx := range page.Transactions {
		if next == "" || journal.CursorAfter(tx.ID, next) {
			next = tx.ID
		}
		if !tx.IsFill() {
			continue
		}
		fills++
		if _, err := e.Process(ctx, src, tx, journal.ViaPoll); err != nil {
			// Leave the cursor so the next poll sees this fill again.
			return errors.Wrapf(err, "process txn %s", tx.ID)
		}
	}

	if err := e.store.AdvanceCursor(ctx, src.ID, next); err != nil {
		return err
	}
	if fills > 0 {
		log.WithFields(logrus.Fields{"fills": fills, "cursor": next}).Info("polled fills")
	}
	return nil
}

// HandleStreamTrade processes a fill pushed by the stream. Streaming does
// not move the polling cursor.
func (e *Engine) HandleStreamTrade(ctx context.Context, sourceID string, tx broker.Transaction) error {
	if !tx.IsFill() {
		return nil
	}
	src, err := e.store.GetSourceAccount(ctx, sourceID)
	if err != nil {
		return err
	}
	if !src.Active {
		return nil
	}
	_, err = e.Process(ctx, src, tx, journal.ViaStream)
	return err
}

// Process records tx as a trade and dispatches it to the source's active
// mirrors. It returns nil, nil when the fill was already recorded.
//
// The mirror snapshot is taken before the trade is recorded, so a failure
// up to and including the insert leaves nothing behind and the fill is
// processed again on the next poll. Once the trade is recorded, cancelling
// ctx no longer stops its dispatch.
func (e *Engine) Process(ctx context.Context, src journal.SourceAccount, tx broker.Transaction, via string) (*journal.TradeRecord, error) {
	log := e.log.WithFields(logrus.Fields{"source": src.ID, "txn": tx.ID, "via": via})

	exists, err := e.store.TradeExists(ctx, src.ID, tx.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		log.Debug("fill already recorded")
		return nil, nil
	}

	mirrors, err := e.store.ListMirrorAccounts(ctx, src.ID, true)
	if err != nil {
		e.pub.Publish(events.NewError(src.ID, err.Error()))
		return nil, errors.Wrap(err, "list mirrors")
	}

	rec := &journal.TradeRecord{
		SourceAccountID:     src.ID,
		SourceTransactionID: tx.ID,
		Instrument:          tx.Instrument,
		Units:               tx.Units,
		Side:                tx.Side(),
		Price:               tx.Price,
		TakeProfit:          tx.TakeProfit,
		StopLoss:            tx.StopLoss,
		DetectedVia:         via,
	}
	if err := e.store.CreateTrade(ctx, rec); err != nil {
		if errors.Is(err, journal.ErrDuplicateTrade) {
			log.Debug("fill recorded concurrently")
			return nil, nil
		}
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	log.WithFields(logrus.Fields{
		"trade":      rec.ID,
		"instrument": rec.Instrument,
		"units":      rec.Units.String(),
		"side":       rec.Side,
	}).Info("new source trade")
	e.pub.Publish(events.NewTrade(src.ID, events.Trade{
		ID:            rec.ID,
		TransactionID: rec.SourceTransactionID,
		Instrument:    rec.Instrument,
		Units:         rec.Units,
		Side:          string(rec.Side),
		Price:         rec.Price,
		DetectedVia:   via,
	}))

	if len(mirrors) == 0 {
		log.Warn("no active mirrors for source, trade recorded only")
		return rec, nil
	}

	outcomes := e.dispatcher.Dispatch(ctx, src, *rec, mirrors)
	ok, failed, skipped := 0, 0, 0
	for _, o := range outcomes {
		switch {
		case o.Skipped:
			skipped++
		case o.Status == journal.StatusSuccess:
			ok++
		default:
			failed++
		}
	}
	log.WithFields(logrus.Fields{
		"trade":   rec.ID,
		"ok":      ok,
		"failed":  failed,
		"skipped": skipped,
	}).Info("trade dispatched")
	return rec, nil
}

// RetryMirrorExecution re-sends a failed mirror order for a recorded trade.
// An execution left pending for longer than twice the request timeout, as
// after a crash mid-order, is treated as failed; the broker should first be
// checked for an order carrying its ClientOrderID.
func (e *Engine) RetryMirrorExecution(ctx context.Context, tradeID, mirrorID string) (journal.MirrorExecution, error) {
	trade, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		return journal.MirrorExecution{}, err
	}
	exec, ok := trade.Execution(mirrorID)
	if !ok {
		return journal.MirrorExecution{}, errors.Wrapf(ErrNotRetryable, "no execution for mirror %s", mirrorID)
	}
	stale := exec.Status == journal.StatusPending && time.Since(exec.UpdatedAt) > 2*e.cfg.RequestTimeout
	if exec.Status != journal.StatusFailed && !stale {
		return exec, errors.Wrapf(ErrNotRetryable, "execution is %s", exec.Status)
	}

	mirror, err := e.store.GetMirrorAccount(ctx, mirrorID)
	if err != nil {
		return exec, err
	}
	if !mirror.Active || mirror.SourceAccountID != trade.SourceAccountID {
		return exec, errors.Wrapf(ErrNotRetryable, "mirror %s is not an active mirror of %s", mirrorID, trade.SourceAccountID)
	}
	src, err := e.store.GetSourceAccount(ctx, trade.SourceAccountID)
	if err != nil {
		return exec, err
	}

	log := e.log.WithFields(logrus.Fields{
		"trade":   tradeID,
		"mirror":  mirrorID,
		"attempt": exec.Attempts + 1,
	})
	if stale {
		log.WithFields(logrus.Fields{
			"client_id": ClientOrderID(tradeID, mirrorID, exec.Attempts),
			"pending":   exec.UpdatedAt,
		}).Warn("retrying execution stuck in pending")
	}
	log.Info("retrying mirror execution")
	out := e.dispatcher.Execute(ctx, src, trade, mirror, exec.Position, exec.Attempts+1)
	if out.Skipped {
		return exec, errors.Wrap(ErrNotRetryable, "scaled size rounds to zero")
	}

	got, err := e.store.GetExecution(context.WithoutCancel(ctx), tradeID, mirrorID)
	if err != nil {
		return got, err
	}
	return got, out.Err
}
