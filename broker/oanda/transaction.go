package oanda

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/rustyeddy/copytrader/broker"
)

// transaction covers the fields of the v20 Transaction family the copier
// reads. Unknown fields are ignored.
type transaction struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	AccountID         string          `json:"accountID"`
	OrderID           string          `json:"orderID"`
	Instrument        string          `json:"instrument"`
	Units             decimal.Decimal `json:"units"`
	Price             decimal.Decimal `json:"price"`
	Reason            string          `json:"reason"`
	Time              string          `json:"time"`
	LastTransactionID string          `json:"lastTransactionID"`
	TakeProfitOnFill  *priceBound     `json:"takeProfitOnFill"`
	StopLossOnFill    *priceBound     `json:"stopLossOnFill"`
}

func (t transaction) toBroker() broker.Transaction {
	out := broker.Transaction{
		ID:         t.ID,
		Type:       t.Type,
		AccountID:  t.AccountID,
		Instrument: t.Instrument,
		Units:      t.Units,
		Price:      t.Price,
		Reason:     t.Reason,
	}
	if ts, err := time.Parse(time.RFC3339Nano, t.Time); err == nil {
		out.Time = ts.UTC()
	}
	if t.TakeProfitOnFill != nil {
		tp := t.TakeProfitOnFill.Price
		out.TakeProfit = &tp
	}
	if t.StopLossOnFill != nil {
		sl := t.StopLossOnFill.Price
		out.StopLoss = &sl
	}
	return out
}

// DecodeFrame parses one line of the transaction stream.
func (c *Client) DecodeFrame(line []byte) (broker.StreamFrame, error) {
	return DecodeFrame(line)
}

// DecodeFrame parses one line of the transaction stream. HEARTBEAT frames
// carry only the current watermark; anything else is a transaction.
func DecodeFrame(line []byte) (broker.StreamFrame, error) {
	var t transaction
	if err := json.Unmarshal(line, &t); err != nil {
		return broker.StreamFrame{}, errors.Wrapf(err, "bad frame %q", trimForErr(string(line)))
	}
	if t.Type == "" {
		return broker.StreamFrame{}, errors.Errorf("frame without type: %q", trimForErr(string(line)))
	}

	if strings.EqualFold(t.Type, "HEARTBEAT") {
		return broker.StreamFrame{Heartbeat: true, LastTransactionID: t.LastTransactionID}, nil
	}
	bt := t.toBroker()
	return broker.StreamFrame{Transaction: &bt, LastTransactionID: t.ID}, nil
}
