// Package events carries lifecycle notifications from the copier to whoever
// displays or forwards them.
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

type Type string

const (
	TradeNew            Type = "trade:new"
	TradeMirrorStart    Type = "trade:mirror:start"
	TradeMirrorComplete Type = "trade:mirror:complete"
	StreamStatus        Type = "stream:status"
	Error               Type = "error"
)

// Trade is the trade payload of a trade:new event.
type Trade struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transactionId"`
	Instrument    string          `json:"instrument"`
	Units         decimal.Decimal `json:"units"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	DetectedVia   string          `json:"detectedVia"`
}

// Event is a single notification. Only the fields relevant to Type are set.
type Event struct {
	Type            Type      `json:"type"`
	Time            time.Time `json:"time"`
	SourceAccountID string    `json:"sourceAccountId,omitempty"`
	MirrorAccountID string    `json:"mirrorAccountId,omitempty"`
	TransactionID   string    `json:"transactionId,omitempty"`
	Trade           *Trade    `json:"trade,omitempty"`

	Success             *bool            `json:"success,omitempty"`
	Skipped             bool             `json:"skipped,omitempty"`
	ExecutedUnits       *decimal.Decimal `json:"executedUnits,omitempty"`
	BrokerTransactionID string           `json:"brokerTransactionId,omitempty"`
	ErrorMessage        string           `json:"errorMessage,omitempty"`

	Status  string `json:"status,omitempty"`
	Attempt int    `json:"attempt,omitempty"`

	Message string `json:"message,omitempty"`
}

// Publisher accepts events. Implementations must not block the caller.
type Publisher interface {
	Publish(e Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Nop drops every event.
var Nop Publisher = PublisherFunc(func(Event) {})

func stamp(e Event) Event {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return e
}

func NewTrade(sourceID string, t Trade) Event {
	return stamp(Event{Type: TradeNew, SourceAccountID: sourceID, TransactionID: t.TransactionID, Trade: &t})
}

func NewMirrorStart(sourceID, mirrorID, txnID string) Event {
	return stamp(Event{Type: TradeMirrorStart, SourceAccountID: sourceID, MirrorAccountID: mirrorID, TransactionID: txnID})
}

// NewMirrorComplete builds a trade:mirror:complete event. executed and
// brokerTxnID are only set on success; errMsg only on failure.
func NewMirrorComplete(sourceID, mirrorID, txnID string, success bool, executed *decimal.Decimal, brokerTxnID, errMsg string) Event {
	return stamp(Event{
		Type:                TradeMirrorComplete,
		SourceAccountID:     sourceID,
		MirrorAccountID:     mirrorID,
		TransactionID:       txnID,
		Success:             &success,
		ExecutedUnits:       executed,
		BrokerTransactionID: brokerTxnID,
		ErrorMessage:        errMsg,
	})
}

func NewStreamStatus(sourceID, status string, attempt int) Event {
	return stamp(Event{Type: StreamStatus, SourceAccountID: sourceID, Status: status, Attempt: attempt})
}

func NewError(sourceID, msg string) Event {
	return stamp(Event{Type: Error, SourceAccountID: sourceID, Message: msg})
}
