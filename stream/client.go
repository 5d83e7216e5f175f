// Package stream keeps one long-lived transaction subscription per source
// account and falls back to polling when a subscription cannot be held.
package stream

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rustyeddy/copytrader/broker"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFallback     Status = "fallback"
	StatusStopped      Status = "stopped"
)

// Terminal reports whether no further transitions can follow s.
func (s Status) Terminal() bool {
	return s == StatusFallback || s == StatusStopped
}

var (
	errHeartbeatTimeout = errors.New("heartbeat timeout")
	errStreamEnded      = errors.New("stream ended")
)

type Config struct {
	BaseDelay              time.Duration
	MaxDelay               time.Duration
	MaxConsecutiveFailures int
	HeartbeatTimeout       time.Duration
	MaxFrameBytes          int
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:              time.Second,
		MaxDelay:               time.Minute,
		MaxConsecutiveFailures: 5,
		HeartbeatTimeout:       30 * time.Second,
		MaxFrameBytes:          DefaultMaxFrameBytes,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	return c
}

// Backoff returns the delay before reconnect attempt n (1-based):
// min(base*2^(n-1), max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Listener receives a client's fills and status transitions. Calls come from
// the client's own goroutine, one at a time.
type Listener interface {
	OnTrade(accountID string, tx broker.Transaction)
	OnStatus(accountID string, status Status, attempt int)
}

// Client holds the transaction subscription for one account. It reconnects
// with exponential backoff and gives up, entering fallback, after too many
// consecutive failures. Disconnect is terminal.
type Client struct {
	accountID string
	streamer  broker.Streamer
	listener  Listener
	cfg       Config
	log       logrus.FieldLogger

	// after is swapped in tests to skip backoff sleeps.
	after func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	status  Status
	attempt int
	started bool
	stopped bool
	cancel  context.CancelFunc
	stop    chan struct{}
	done    chan struct{}
}

func NewClient(accountID string, s broker.Streamer, l Listener, cfg Config, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		accountID: accountID,
		streamer:  s,
		listener:  l,
		cfg:       cfg.withDefaults(),
		log:       log.WithField("source", accountID),
		after:     time.After,
		status:    StatusDisconnected,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (c *Client) AccountID() string { return c.accountID }

// Status returns the current status and consecutive failure count.
func (c *Client) Status() (Status, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.attempt
}

// Done is closed once the client will make no further connection attempts.
func (c *Client) Done() <-chan struct{} { return c.done }

// Connect starts the subscription loop in the background.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return errors.Errorf("stream %s: client stopped", c.accountID)
	}
	if c.started {
		c.mu.Unlock()
		return errors.Errorf("stream %s: already connected", c.accountID)
	}
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Disconnect stops the client for good. Safe to call more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stop)
	if c.cancel != nil {
		c.cancel()
	}
	started := c.started
	c.mu.Unlock()

	c.transition(StatusStopped, false)
	if !started {
		close(c.done)
	}
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// transition records a status change and notifies the listener. Nothing
// leaves a terminal status. When reset is set the failure count goes to zero.
func (c *Client) transition(s Status, reset bool) bool {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return false
	}
	if c.stopped && s != StatusStopped {
		c.mu.Unlock()
		return false
	}
	c.status = s
	if reset {
		c.attempt = 0
	}
	attempt := c.attempt
	c.mu.Unlock()

	if c.listener != nil {
		c.listener.OnStatus(c.accountID, s, attempt)
	}
	return true
}

func (c *Client) fail() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt++
	return c.attempt
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("stream loop panicked")
			c.transition(StatusFallback, false)
		}
	}()

	for {
		if !c.transition(StatusConnecting, false) {
			return
		}

		err := c.session(ctx)
		if c.isStopped() {
			return
		}
		if ctx.Err() != nil {
			c.transition(StatusStopped, false)
			return
		}

		attempt := c.fail()
		if attempt > c.cfg.MaxConsecutiveFailures {
			c.log.WithError(err).WithField("attempt", attempt).
				Warn("stream failed too many times, switching to polling")
			c.transition(StatusFallback, false)
			return
		}

		delay := Backoff(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
		c.log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("stream disconnected, reconnecting")
		if !c.transition(StatusReconnecting, false) {
			return
		}

		select {
		case <-c.after(delay):
		case <-c.stop:
			return
		case <-ctx.Done():
			c.transition(StatusStopped, false)
			return
		}
	}
}

// session runs one connection until it fails, times out, or is cancelled.
func (c *Client) session(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()

	body, err := c.streamer.StreamTransactions(connCtx)
	if err != nil {
		return errors.Wrap(err, "open stream")
	}
	defer body.Close()

	// Closing the body is what unblocks a pending read on cancel.
	go func() {
		<-connCtx.Done()
		body.Close()
	}()

	if !c.transition(StatusConnected, true) {
		return nil
	}
	c.log.Info("stream connected")

	var timedOut atomic.Bool
	timer := time.AfterFunc(c.cfg.HeartbeatTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	frames := NewFrameReader(body, c.cfg.MaxFrameBytes)
	for {
		line, err := frames.Next()
		if err == ErrFrameTooLong {
			c.log.WithField("limit", c.cfg.MaxFrameBytes).Warn("dropping oversized stream frame")
			continue
		}
		if err != nil {
			if timedOut.Load() {
				return errHeartbeatTimeout
			}
			if err == io.EOF {
				return errStreamEnded
			}
			return errors.Wrap(err, "read stream")
		}

		frame, err := c.streamer.DecodeFrame(line)
		if err != nil {
			c.log.WithError(err).Warn("dropping malformed stream frame")
			continue
		}
		if frame.Heartbeat {
			timer.Reset(c.cfg.HeartbeatTimeout)
			continue
		}
		tx := frame.Transaction
		if tx == nil || !tx.IsFill() {
			continue
		}
		c.log.WithFields(logrus.Fields{
			"txn":        tx.ID,
			"instrument": tx.Instrument,
			"units":      tx.Units.String(),
		}).Debug("stream fill")
		if c.listener != nil {
			c.listener.OnTrade(c.accountID, *tx)
		}
	}
}
