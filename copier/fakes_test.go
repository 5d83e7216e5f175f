package copier

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/events"
	"github.com/rustyeddy/copytrader/journal"
	"github.com/rustyeddy/copytrader/pkg/logger"
	"github.com/rustyeddy/copytrader/risk"
)

type fakeBroker struct {
	mu        sync.Mutex
	nav       decimal.Decimal
	navErr    error
	lastTxnID string
	page      broker.TransactionPage
	cursors   []string
	orderErr  error
	orders    []broker.MarketOrderRequest
	nextFill  int
	panicking bool
	// orderDelay holds the order response back; a cancelled ctx abandons it.
	orderDelay time.Duration
	onOrder    func()
}

func (b *fakeBroker) AccountSummary(context.Context) (broker.AccountSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.navErr != nil {
		return broker.AccountSummary{}, b.navErr
	}
	return broker.AccountSummary{NAV: b.nav, LastTransactionID: b.lastTxnID}, nil
}

func (b *fakeBroker) TransactionsSince(_ context.Context, cursor string) (broker.TransactionPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursors = append(b.cursors, cursor)
	return b.page, nil
}

func (b *fakeBroker) CreateMarketOrder(ctx context.Context, req broker.MarketOrderRequest) (broker.OrderFill, error) {
	b.mu.Lock()
	delay, hook := b.orderDelay, b.onOrder
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return broker.OrderFill{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.panicking {
		panic("boom")
	}
	b.orders = append(b.orders, req)
	if b.orderErr != nil {
		return broker.OrderFill{}, b.orderErr
	}
	b.nextFill++
	return broker.OrderFill{
		TransactionID: "fill-" + strconv.Itoa(b.nextFill),
		Instrument:    req.Instrument,
		Units:         req.Units,
	}, nil
}

func (b *fakeBroker) Orders() []broker.MarketOrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.MarketOrderRequest(nil), b.orders...)
}

func (b *fakeBroker) SetOrderErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orderErr = err
}

type fakeFactory map[string]*fakeBroker

func (f fakeFactory) Broker(c broker.Credentials) broker.Broker { return f[c.AccountID] }

func (f fakeFactory) Streamer(broker.Credentials) broker.Streamer { return nil }

type harness struct {
	store   *journal.SQLite
	brokers fakeFactory
	rec     *events.Recorder
	disp    *Dispatcher
	engine  *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := journal.NewSQLite(filepath.Join(t.TempDir(), "copier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logger.Discard()
	h := &harness{store: store, brokers: fakeFactory{}, rec: &events.Recorder{}}
	h.disp = NewDispatcher(store, h.brokers, risk.NewScaleCalculator(0, 0, log), time.Second, h.rec, log)
	h.engine = NewEngine(Config{}, store, h.brokers, h.disp, h.rec, log)
	return h
}

func (h *harness) addSource(t *testing.T, id string, nav int64, cursor string) *fakeBroker {
	t.Helper()
	require.NoError(t, h.store.CreateSourceAccount(context.Background(), journal.SourceAccount{
		ID: id, Token: "tok", Environment: broker.Practice, LastTransactionID: cursor, Active: true,
	}))
	b := &fakeBroker{nav: decimal.NewFromInt(nav)}
	h.brokers[id] = b
	return b
}

func (h *harness) addMirror(t *testing.T, id, source string, mode risk.Mode, factor float64, nav int64) *fakeBroker {
	t.Helper()
	require.NoError(t, h.store.CreateMirrorAccount(context.Background(), journal.MirrorAccount{
		ID: id, SourceAccountID: source, Token: "tok", Environment: broker.Practice,
		ScalingMode: mode, ScaleFactor: factor, Active: true,
	}))
	b := &fakeBroker{nav: decimal.NewFromInt(nav)}
	h.brokers[id] = b
	return b
}

func fill(id, instrument string, units int64) broker.Transaction {
	return broker.Transaction{
		ID:         id,
		Type:       broker.TxOrderFill,
		Instrument: instrument,
		Units:      decimal.NewFromInt(units),
		Price:      decimal.RequireFromString("1.0851"),
	}
}

var errInsufficientMargin = errors.Wrap(broker.ErrOrderRejected, "INSUFFICIENT_MARGIN")

// flakyStore fails ListMirrorAccounts a set number of times.
type flakyStore struct {
	journal.Store
	mu          sync.Mutex
	mirrorFails int
}

func (f *flakyStore) ListMirrorAccounts(ctx context.Context, sourceID string, activeOnly bool) ([]journal.MirrorAccount, error) {
	f.mu.Lock()
	fail := f.mirrorFails > 0
	if fail {
		f.mirrorFails--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("database is locked")
	}
	return f.Store.ListMirrorAccounts(ctx, sourceID, activeOnly)
}
