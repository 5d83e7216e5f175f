// Package broker holds the brokerage-neutral view of accounts, transactions and
// orders that the copier works against.
package broker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrOrderRejected is returned when the brokerage accepted the request but
// cancelled the order instead of filling it.
var ErrOrderRejected = errors.New("order rejected")

type Environment string

const (
	Practice Environment = "practice"
	Live     Environment = "live"
)

func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "practice", "demo":
		return Practice, nil
	case "live", "trade":
		return Live, nil
	default:
		return "", fmt.Errorf("unknown environment %q (want practice|live)", s)
	}
}

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// SideOf maps signed units to a side. Zero units map to Buy.
func SideOf(units decimal.Decimal) Side {
	if units.IsNegative() {
		return Sell
	}
	return Buy
}

// Signed returns units with the sign implied by side.
func (s Side) Signed(units decimal.Decimal) decimal.Decimal {
	units = units.Abs()
	if s == Sell {
		return units.Neg()
	}
	return units
}

// Credentials identify one brokerage account.
type Credentials struct {
	AccountID   string
	Token       string
	Environment Environment
}

type AccountSummary struct {
	ID                string
	Currency          string
	Balance           decimal.Decimal
	NAV               decimal.Decimal
	LastTransactionID string
}

// Transaction is a single entry from the account's transaction history.
type Transaction struct {
	ID         string
	Type       string
	AccountID  string
	Instrument string
	Units      decimal.Decimal
	Price      decimal.Decimal
	Reason     string
	Time       time.Time
	TakeProfit *decimal.Decimal
	StopLoss   *decimal.Decimal
}

// TxOrderFill is the only transaction type the copier replicates.
const TxOrderFill = "ORDER_FILL"

// IsFill reports whether t is a fill with non-zero size.
func (t Transaction) IsFill() bool {
	return t.Type == TxOrderFill && t.Instrument != "" && !t.Units.IsZero()
}

func (t Transaction) Side() Side { return SideOf(t.Units) }

type TransactionPage struct {
	Transactions []Transaction
	// LastTransactionID is the account watermark at the time of the call.
	LastTransactionID string
}

type MarketOrderRequest struct {
	Instrument string
	Units      decimal.Decimal // signed; negative sells
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	ClientID   string
}

type OrderFill struct {
	TransactionID string
	OrderID       string
	Instrument    string
	Units         decimal.Decimal
	Price         decimal.Decimal
}

// Broker is the REST surface of one account.
type Broker interface {
	AccountSummary(ctx context.Context) (AccountSummary, error)
	TransactionsSince(ctx context.Context, cursor string) (TransactionPage, error)
	CreateMarketOrder(ctx context.Context, req MarketOrderRequest) (OrderFill, error)
}

// StreamFrame is one decoded line of a transaction stream: either a heartbeat
// or a transaction.
type StreamFrame struct {
	Heartbeat         bool
	LastTransactionID string
	Transaction       *Transaction
}

// Streamer opens the account's transaction stream. The returned body yields
// newline-delimited frames until closed; DecodeFrame turns one line into a
// StreamFrame.
type Streamer interface {
	StreamTransactions(ctx context.Context) (io.ReadCloser, error)
	DecodeFrame(line []byte) (StreamFrame, error)
}

// Factory hands out per-account clients.
type Factory interface {
	Broker(c Credentials) Broker
	Streamer(c Credentials) Streamer
}
