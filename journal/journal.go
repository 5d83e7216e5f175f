// Package journal persists accounts and the trade ledger: one record per
// detected source transaction plus the outcome of copying it to each mirror.
package journal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/risk"
)

var (
	// ErrDuplicateTrade is returned by CreateTrade when a record for the same
	// (source account, source transaction) already exists.
	ErrDuplicateTrade = errors.New("trade already recorded")
	ErrNotFound       = errors.New("not found")
)

// SourceAccount is an account whose fills are copied.
type SourceAccount struct {
	ID          string
	Token       string
	Environment broker.Environment
	// LastTransactionID is the polling watermark. Empty until first contact.
	LastTransactionID string
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (a SourceAccount) Credentials() broker.Credentials {
	return broker.Credentials{AccountID: a.ID, Token: a.Token, Environment: a.Environment}
}

// MirrorAccount receives scaled copies of one source account's fills.
type MirrorAccount struct {
	ID              string
	SourceAccountID string
	Token           string
	Environment     broker.Environment
	ScalingMode     risk.Mode
	ScaleFactor     float64
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (m MirrorAccount) Credentials() broker.Credentials {
	return broker.Credentials{AccountID: m.ID, Token: m.Token, Environment: m.Environment}
}

func (m MirrorAccount) Scaling() risk.MirrorScaling {
	return risk.MirrorScaling{Mode: m.ScalingMode, ScaleFactor: m.ScaleFactor}
}

type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "pending"
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
)

// Detection channel recorded on a trade.
const (
	ViaStream = "stream"
	ViaPoll   = "poll"
)

// MirrorExecution is the outcome of copying one trade to one mirror.
type MirrorExecution struct {
	TradeID             string
	MirrorAccountID     string
	Position            int
	Status              ExecutionStatus
	ExecutedUnits       decimal.Decimal
	BrokerTransactionID string
	ErrorMessage        string
	ScaleFactor         float64
	ScaleMode           risk.Mode
	Attempts            int
	UpdatedAt           time.Time
}

// TradeRecord is a detected source fill.
type TradeRecord struct {
	ID                  string
	SourceAccountID     string
	SourceTransactionID string
	Instrument          string
	Units               decimal.Decimal // signed
	Side                broker.Side
	Price               decimal.Decimal
	TakeProfit          *decimal.Decimal
	StopLoss            *decimal.Decimal
	DetectedVia         string
	CreatedAt           time.Time
	Executions          []MirrorExecution
}

// Execution returns the execution for mirrorID, if any.
func (t TradeRecord) Execution(mirrorID string) (MirrorExecution, bool) {
	for _, e := range t.Executions {
		if e.MirrorAccountID == mirrorID {
			return e, true
		}
	}
	return MirrorExecution{}, false
}

// Accounts stores source and mirror accounts.
type Accounts interface {
	CreateSourceAccount(ctx context.Context, a SourceAccount) error
	GetSourceAccount(ctx context.Context, id string) (SourceAccount, error)
	ListSourceAccounts(ctx context.Context, activeOnly bool) ([]SourceAccount, error)
	SetSourceActive(ctx context.Context, id string, active bool) error
	// AdvanceCursor moves the watermark forward; it never moves it back.
	AdvanceCursor(ctx context.Context, sourceID, cursor string) error

	CreateMirrorAccount(ctx context.Context, m MirrorAccount) error
	GetMirrorAccount(ctx context.Context, id string) (MirrorAccount, error)
	ListMirrorAccounts(ctx context.Context, sourceID string, activeOnly bool) ([]MirrorAccount, error)
	SetMirrorActive(ctx context.Context, id string, active bool) error
	UpdateMirrorScaling(ctx context.Context, id string, mode risk.Mode, factor float64) error
}

// Ledger stores trades and mirror executions.
type Ledger interface {
	TradeExists(ctx context.Context, sourceID, sourceTxnID string) (bool, error)
	// CreateTrade inserts t, assigning ID and CreatedAt when empty. A second
	// insert for the same source transaction returns ErrDuplicateTrade.
	CreateTrade(ctx context.Context, t *TradeRecord) error
	GetTrade(ctx context.Context, id string) (TradeRecord, error)
	GetTradeBySource(ctx context.Context, sourceID, sourceTxnID string) (TradeRecord, error)
	ListTrades(ctx context.Context, sourceID string, limit int) ([]TradeRecord, error)

	// SaveExecution inserts or overwrites the execution for
	// (TradeID, MirrorAccountID).
	SaveExecution(ctx context.Context, e MirrorExecution) error
	GetExecution(ctx context.Context, tradeID, mirrorID string) (MirrorExecution, error)
}

type Store interface {
	Accounts
	Ledger
	Close() error
}
