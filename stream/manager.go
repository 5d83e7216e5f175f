package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/events"
	"github.com/rustyeddy/copytrader/journal"
)

// Handler processes what the manager detects.
type Handler interface {
	HandleStreamTrade(ctx context.Context, sourceID string, tx broker.Transaction) error
	PollSource(ctx context.Context, sourceID string) error
}

// SourceLister is the part of the account store the manager watches.
type SourceLister interface {
	ListSourceAccounts(ctx context.Context, activeOnly bool) ([]journal.SourceAccount, error)
}

type ManagerConfig struct {
	Client           Config
	FallbackInterval time.Duration
	// QueueSize bounds streamed fills waiting for the handler, per account.
	QueueSize int
	// HandleTimeout bounds one HandleStreamTrade or PollSource call.
	HandleTimeout time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.FallbackInterval <= 0 {
		c.FallbackInterval = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = 2 * time.Minute
	}
	c.Client = c.Client.withDefaults()
	return c
}

// AccountStatus is one row of Manager.Status.
type AccountStatus struct {
	AccountID string `json:"account_id"`
	Status    Status `json:"status"`
	Attempt   int    `json:"attempt"`
	Polling   bool   `json:"polling"`
}

type entry struct {
	source  journal.SourceAccount
	client  *Client
	trades  chan broker.Transaction
	ctx     context.Context
	cancel  context.CancelFunc
	status  Status
	attempt int
	polling bool
}

// Manager supervises one Client per active source account. An account whose
// stream enters fallback is polled on an interval instead until it is
// removed or the manager stops.
type Manager struct {
	cfg     ManagerConfig
	factory broker.Factory
	handler Handler
	pub     events.Publisher
	log     logrus.FieldLogger

	newClient func(src journal.SourceAccount, l Listener) *Client

	mu      sync.Mutex
	entries map[string]*entry
	stopped bool
	wg      sync.WaitGroup
}

func NewManager(cfg ManagerConfig, factory broker.Factory, h Handler, pub events.Publisher, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if pub == nil {
		pub = events.Nop
	}
	m := &Manager{
		cfg:     cfg.withDefaults(),
		factory: factory,
		handler: h,
		pub:     pub,
		log:     log,
		entries: make(map[string]*entry),
	}
	m.newClient = func(src journal.SourceAccount, l Listener) *Client {
		return NewClient(src.ID, m.factory.Streamer(src.Credentials()), l, m.cfg.Client, m.log)
	}
	return m
}

// Sync makes the supervised set match sources. Inactive and missing
// accounts are stopped; new active accounts are connected. An account whose
// credentials changed is restarted.
func (m *Manager) Sync(ctx context.Context, sources []journal.SourceAccount) {
	want := make(map[string]journal.SourceAccount, len(sources))
	for _, s := range sources {
		if s.Active {
			want[s.ID] = s
		}
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	var removed []*entry
	for id, e := range m.entries {
		s, ok := want[id]
		if !ok || s.Credentials() != e.source.Credentials() {
			removed = append(removed, e)
			delete(m.entries, id)
		}
	}
	var added []*entry
	for id, s := range want {
		if _, ok := m.entries[id]; ok {
			continue
		}
		e := m.newEntry(ctx, s)
		m.entries[id] = e
		added = append(added, e)
	}
	m.mu.Unlock()

	for _, e := range removed {
		m.log.WithField("source", e.source.ID).Info("stopping stream for removed account")
		m.stopEntry(e)
	}
	for _, e := range added {
		m.startEntry(e)
	}
}

// Watch re-reads the active source accounts every interval and syncs.
func (m *Manager) Watch(ctx context.Context, lister SourceLister, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sources, err := lister.ListSourceAccounts(ctx, true)
			if err != nil {
				m.log.WithError(err).Warn("list source accounts")
				continue
			}
			m.Sync(ctx, sources)
		}
	}
}

// Status returns a snapshot sorted by account id.
func (m *Manager) Status() []AccountStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AccountStatus, 0, len(m.entries))
	for id, e := range m.entries {
		out = append(out, AccountStatus{
			AccountID: id,
			Status:    e.status,
			Attempt:   e.attempt,
			Polling:   e.polling,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// StopAll disconnects every client and stops every fallback poller. Calls in
// flight are left to finish; use Wait to block until they have. Safe to call
// more than once.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		m.stopEntry(e)
	}
}

// Wait blocks until the manager's goroutines have exited.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) newEntry(ctx context.Context, s journal.SourceAccount) *entry {
	ectx, cancel := context.WithCancel(ctx)
	e := &entry{
		source: s,
		trades: make(chan broker.Transaction, m.cfg.QueueSize),
		ctx:    ectx,
		cancel: cancel,
		status: StatusConnecting,
	}
	e.client = m.newClient(s, &entryListener{m: m, e: e})
	return e
}

func (m *Manager) startEntry(e *entry) {
	m.wg.Add(1)
	go m.worker(e)

	if err := e.client.Connect(e.ctx); err != nil {
		m.log.WithError(err).WithField("source", e.source.ID).Error("connect stream")
	}
}

func (m *Manager) stopEntry(e *entry) {
	e.cancel()
	e.client.Disconnect()
}

// worker hands streamed fills to the handler one at a time so the read loop
// never waits on order placement.
func (m *Manager) worker(e *entry) {
	defer m.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case tx := <-e.trades:
			// Queued fills are left to polling once the entry is stopped.
			if e.ctx.Err() != nil {
				return
			}
			m.handle(e, tx)
		}
	}
}

func (m *Manager) handle(e *entry, tx broker.Transaction) {
	log := m.log.WithFields(logrus.Fields{"source": e.source.ID, "txn": tx.ID})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("stream trade handler panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(e.ctx, m.cfg.HandleTimeout)
	defer cancel()
	if err := m.handler.HandleStreamTrade(ctx, e.source.ID, tx); err != nil {
		log.WithError(err).Error("handle streamed trade")
	}
}

func (m *Manager) enqueue(e *entry, tx broker.Transaction) {
	select {
	case e.trades <- tx:
	case <-e.ctx.Done():
	default:
		// Streaming never advances the cursor, so polling picks this up.
		m.log.WithFields(logrus.Fields{"source": e.source.ID, "txn": tx.ID}).
			Warn("stream queue full, dropping fill")
	}
}

func (m *Manager) setStatus(e *entry, s Status, attempt int) {
	m.mu.Lock()
	e.status = s
	e.attempt = attempt
	startPoll := s == StatusFallback && !e.polling && e.ctx.Err() == nil
	if startPoll {
		e.polling = true
	}
	m.mu.Unlock()

	m.pub.Publish(events.NewStreamStatus(e.source.ID, string(s), attempt))

	if startPoll {
		m.wg.Add(1)
		go m.poll(e)
	}
}

// poll runs the fallback interval poller for one account.
func (m *Manager) poll(e *entry) {
	defer m.wg.Done()
	log := m.log.WithField("source", e.source.ID)
	log.WithField("interval", m.cfg.FallbackInterval).Info("polling instead of streaming")

	t := time.NewTicker(m.cfg.FallbackInterval)
	defer t.Stop()

	for {
		m.pollOnce(e, log)
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (m *Manager) pollOnce(e *entry, log logrus.FieldLogger) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("fallback poll panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(e.ctx, m.cfg.HandleTimeout)
	defer cancel()
	if err := m.handler.PollSource(ctx, e.source.ID); err != nil {
		log.WithError(err).Warn("fallback poll")
	}
}

// entryListener binds a client's callbacks to the entry that owns it, so a
// replaced client cannot touch its successor.
type entryListener struct {
	m *Manager
	e *entry
}

func (l *entryListener) OnTrade(_ string, tx broker.Transaction) {
	l.m.enqueue(l.e, tx)
}

func (l *entryListener) OnStatus(_ string, s Status, attempt int) {
	l.m.setStatus(l.e, s, attempt)
}
