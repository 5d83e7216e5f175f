package journal

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/risk"
)

func newTestSQLite(t *testing.T) (*SQLite, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	j, err := NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	return j, path
}

func seedAccounts(t *testing.T, j *SQLite) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, j.CreateSourceAccount(ctx, SourceAccount{
		ID: "src-1", Token: "tok-src", Environment: broker.Practice, Active: true,
	}))
	for _, m := range []MirrorAccount{
		{ID: "m-1", SourceAccountID: "src-1", Token: "tok-1", ScalingMode: risk.Static, ScaleFactor: 1, Active: true},
		{ID: "m-2", SourceAccountID: "src-1", Token: "tok-2", ScalingMode: risk.Dynamic, ScaleFactor: 0.5, Active: true},
		{ID: "m-3", SourceAccountID: "src-1", Token: "tok-3", ScalingMode: risk.Static, ScaleFactor: 2, Active: false},
	} {
		require.NoError(t, j.CreateMirrorAccount(ctx, m))
	}
}

func TestSQLiteSchemaCreated(t *testing.T) {
	t.Parallel()

	j, path := newTestSQLite(t)
	assert.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	require.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		assert.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	assert.NoError(t, rows.Err())

	for _, table := range []string{"source_accounts", "mirror_accounts", "trades", "mirror_executions"} {
		assert.True(t, found[table], table)
	}
}

func TestSQLiteAccounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, _ := newTestSQLite(t)
	seedAccounts(t, j)

	src, err := j.GetSourceAccount(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, broker.Practice, src.Environment)
	assert.True(t, src.Active)
	assert.Empty(t, src.LastTransactionID)

	_, err = j.GetSourceAccount(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	active, err := j.ListMirrorAccounts(ctx, "src-1", true)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "m-1", active[0].ID)
	assert.Equal(t, risk.Dynamic, active[1].ScalingMode)

	all, err := j.ListMirrorAccounts(ctx, "", false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, j.SetMirrorActive(ctx, "m-1", false))
	active, err = j.ListMirrorAccounts(ctx, "src-1", true)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, j.UpdateMirrorScaling(ctx, "m-2", risk.Static, 3))
	m2, err := j.GetMirrorAccount(ctx, "m-2")
	require.NoError(t, err)
	assert.Equal(t, risk.Static, m2.ScalingMode)
	assert.Equal(t, 3.0, m2.ScaleFactor)

	assert.Error(t, j.UpdateMirrorScaling(ctx, "m-2", risk.Static, 500))
	assert.True(t, errors.Is(j.SetSourceActive(ctx, "nope", false), ErrNotFound))

	require.NoError(t, j.SetSourceActive(ctx, "src-1", false))
	sources, err := j.ListSourceAccounts(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestSQLiteMirrorValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, _ := newTestSQLite(t)
	seedAccounts(t, j)

	err := j.CreateMirrorAccount(ctx, MirrorAccount{ID: "m-9", SourceAccountID: "src-1", Token: "t", ScaleFactor: 0})
	assert.Error(t, err)
	err = j.CreateMirrorAccount(ctx, MirrorAccount{ID: "src-1", SourceAccountID: "src-1", Token: "t", ScaleFactor: 1})
	assert.Error(t, err)
}

func TestSQLiteAdvanceCursor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, _ := newTestSQLite(t)
	seedAccounts(t, j)

	require.NoError(t, j.AdvanceCursor(ctx, "src-1", "99"))
	require.NoError(t, j.AdvanceCursor(ctx, "src-1", "120"))
	require.NoError(t, j.AdvanceCursor(ctx, "src-1", "100"))
	require.NoError(t, j.AdvanceCursor(ctx, "src-1", ""))

	src, err := j.GetSourceAccount(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, "120", src.LastTransactionID)

	assert.True(t, errors.Is(j.AdvanceCursor(ctx, "nope", "1"), ErrNotFound))
}

func TestCursorAfter(t *testing.T) {
	t.Parallel()

	assert.True(t, CursorAfter("1", ""))
	assert.True(t, CursorAfter("10", "9"))
	assert.False(t, CursorAfter("9", "10"))
	assert.False(t, CursorAfter("10", "10"))
	assert.False(t, CursorAfter("", "10"))
	assert.True(t, CursorAfter("abd", "abc"))
}

func newTrade(txn string) *TradeRecord {
	return &TradeRecord{
		SourceAccountID:     "src-1",
		SourceTransactionID: txn,
		Instrument:          "EUR_USD",
		Units:               decimal.NewFromInt(-1000),
		Price:               decimal.RequireFromString("1.0851"),
		DetectedVia:         ViaPoll,
	}
}

func TestSQLiteCreateTrade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, _ := newTestSQLite(t)
	seedAccounts(t, j)

	tp := decimal.RequireFromString("1.07")
	tr := newTrade("42")
	tr.TakeProfit = &tp
	require.NoError(t, j.CreateTrade(ctx, tr))
	assert.NotEmpty(t, tr.ID)
	assert.Equal(t, broker.Sell, tr.Side)

	exists, err := j.TradeExists(ctx, "src-1", "42")
	require.NoError(t, err)
	assert.True(t, exists)

	dup := newTrade("42")
	dup.DetectedVia = ViaStream
	err = j.CreateTrade(ctx, dup)
	assert.True(t, errors.Is(err, ErrDuplicateTrade))

	got, err := j.GetTradeBySource(ctx, "src-1", "42")
	require.NoError(t, err)
	assert.Equal(t, tr.ID, got.ID)
	assert.Equal(t, ViaPoll, got.DetectedVia)
	assert.True(t, got.Units.Equal(decimal.NewFromInt(-1000)))
	require.NotNil(t, got.TakeProfit)
	assert.True(t, got.TakeProfit.Equal(tp))
	assert.Nil(t, got.StopLoss)
}

func TestSQLiteCreateTradeConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, _ := newTestSQLite(t)
	seedAccounts(t, j)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dups    int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := j.CreateTrade(ctx, newTrade("77"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrDuplicateTrade):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, n-1, dups)

	trades, err := j.ListTrades(ctx, "src-1", 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestSQLiteExecutions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, _ := newTestSQLite(t)
	seedAccounts(t, j)

	tr := newTrade("50")
	require.NoError(t, j.CreateTrade(ctx, tr))

	require.NoError(t, j.SaveExecution(ctx, MirrorExecution{
		TradeID: tr.ID, MirrorAccountID: "m-2", Position: 1, Status: StatusPending, Attempts: 1,
	}))
	require.NoError(t, j.SaveExecution(ctx, MirrorExecution{
		TradeID: tr.ID, MirrorAccountID: "m-1", Position: 0, Status: StatusSuccess,
		ExecutedUnits: decimal.NewFromInt(-1000), BrokerTransactionID: "900", ScaleFactor: 1, ScaleMode: risk.Static, Attempts: 1,
	}))
	require.NoError(t, j.SaveExecution(ctx, MirrorExecution{
		TradeID: tr.ID, MirrorAccountID: "m-2", Position: 1, Status: StatusFailed,
		ErrorMessage: "INSUFFICIENT_MARGIN", ScaleFactor: 0.5, ScaleMode: risk.Dynamic, Attempts: 1,
	}))

	got, err := j.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, got.Executions, 2)
	assert.Equal(t, "m-1", got.Executions[0].MirrorAccountID)
	assert.Equal(t, StatusSuccess, got.Executions[0].Status)
	assert.Equal(t, "900", got.Executions[0].BrokerTransactionID)
	assert.Equal(t, StatusFailed, got.Executions[1].Status)
	assert.Equal(t, "INSUFFICIENT_MARGIN", got.Executions[1].ErrorMessage)

	e, ok := got.Execution("m-2")
	require.True(t, ok)
	assert.Equal(t, risk.Dynamic, e.ScaleMode)

	_, err = j.GetExecution(ctx, tr.ID, "m-3")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLiteListTrades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, _ := newTestSQLite(t)
	seedAccounts(t, j)

	for _, txn := range []string{"1", "2", "3"} {
		require.NoError(t, j.CreateTrade(ctx, newTrade(txn)))
	}

	trades, err := j.ListTrades(ctx, "src-1", 2)
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	trades, err = j.ListTrades(ctx, "other", 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()

	tr := *newTrade("5")
	tr.ID = "trd_1"
	tr.Side = broker.Sell
	tr.Executions = []MirrorExecution{
		{MirrorAccountID: "m-1", Status: StatusSuccess, ExecutedUnits: decimal.NewFromInt(-500), ScaleFactor: 0.5, ScaleMode: risk.Static},
	}
	bare := *newTrade("6")
	bare.ID = "trd_2"

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []TradeRecord{tr, bare}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "trade_id,"))
	assert.Contains(t, lines[1], "m-1,success,-500")
	assert.True(t, strings.HasPrefix(lines[2], "trd_2,"))
}
