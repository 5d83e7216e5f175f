package stream

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/broker/oanda"
)

const fillFrame = `{"id":"42","type":"ORDER_FILL","instrument":"EUR_USD","units":"1000","price":"1.0851"}`

var errDial = errors.New("dial refused")

// fakeStreamer serves connection n (1-based) from open.
type fakeStreamer struct {
	mu    sync.Mutex
	calls int
	open  func(ctx context.Context, n int) (io.ReadCloser, error)
}

func (f *fakeStreamer) StreamTransactions(ctx context.Context) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.open(ctx, n)
}

func (f *fakeStreamer) DecodeFrame(line []byte) (broker.StreamFrame, error) {
	return oanda.DecodeFrame(line)
}

func (f *fakeStreamer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func alwaysFail(context.Context, int) (io.ReadCloser, error) { return nil, errDial }

// pipeStream returns an open connection and the writer that feeds it.
func pipeStream() (io.ReadCloser, *io.PipeWriter) {
	return io.Pipe()
}

type statusChange struct {
	Status  Status
	Attempt int
}

type recordingListener struct {
	mu       sync.Mutex
	trades   []broker.Transaction
	statuses []statusChange
}

func (l *recordingListener) OnTrade(_ string, tx broker.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trades = append(l.trades, tx)
}

func (l *recordingListener) OnStatus(_ string, s Status, attempt int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, statusChange{s, attempt})
}

func (l *recordingListener) Trades() []broker.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]broker.Transaction(nil), l.trades...)
}

func (l *recordingListener) Statuses() []statusChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]statusChange(nil), l.statuses...)
}

func (l *recordingListener) Last() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return ""
	}
	return l.statuses[len(l.statuses)-1].Status
}

// delays records backoff sleeps and returns immediately.
type delays struct {
	mu  sync.Mutex
	got []time.Duration
}

func (d *delays) after(dur time.Duration) <-chan time.Time {
	d.mu.Lock()
	d.got = append(d.got, dur)
	d.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (d *delays) Got() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.got...)
}
