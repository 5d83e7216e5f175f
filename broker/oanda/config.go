package oanda

import (
	"time"

	"github.com/rustyeddy/copytrader/broker"
)

const (
	PracticeURL       = "https://api-fxpractice.oanda.com"
	LiveURL           = "https://api-fxtrade.oanda.com"
	PracticeStreamURL = "https://stream-fxpractice.oanda.com"
	LiveStreamURL     = "https://stream-fxtrade.oanda.com"
)

// Options configures clients built by a Factory. Empty URLs fall back to the
// public OANDA hosts for the account's environment.
type Options struct {
	PracticeURL       string
	LiveURL           string
	PracticeStreamURL string
	LiveStreamURL     string

	// RequestTimeout bounds every REST call. Streams are bounded by
	// ConnectTimeout for the response headers only.
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	RetryCount     int
}

func (o Options) withDefaults() Options {
	if o.PracticeURL == "" {
		o.PracticeURL = PracticeURL
	}
	if o.LiveURL == "" {
		o.LiveURL = LiveURL
	}
	if o.PracticeStreamURL == "" {
		o.PracticeStreamURL = PracticeStreamURL
	}
	if o.LiveStreamURL == "" {
		o.LiveStreamURL = LiveStreamURL
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = o.RequestTimeout
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	return o
}

// BaseURL returns the REST host for env.
func (o Options) BaseURL(env broker.Environment) string {
	o = o.withDefaults()
	if env == broker.Live {
		return o.LiveURL
	}
	return o.PracticeURL
}

// StreamURL returns the streaming host for env.
func (o Options) StreamURL(env broker.Environment) string {
	o = o.withDefaults()
	if env == broker.Live {
		return o.LiveStreamURL
	}
	return o.PracticeStreamURL
}
