package oanda

import (
	"sync"

	"github.com/rustyeddy/copytrader/broker"
)

// Factory caches one Client per credential set.
type Factory struct {
	opts Options

	mu      sync.Mutex
	clients map[broker.Credentials]*Client
}

var _ broker.Factory = (*Factory)(nil)

func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts.withDefaults(), clients: make(map[broker.Credentials]*Client)}
}

func (f *Factory) client(c broker.Credentials) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cl, ok := f.clients[c]; ok {
		return cl
	}
	cl := NewClient(c, f.opts)
	f.clients[c] = cl
	return cl
}

func (f *Factory) Broker(c broker.Credentials) broker.Broker     { return f.client(c) }
func (f *Factory) Streamer(c broker.Credentials) broker.Streamer { return f.client(c) }
