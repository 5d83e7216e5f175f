package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/copytrader/journal"
)

// Account tokens never leave the process.

type sourceView struct {
	ID                string    `json:"id"`
	Environment       string    `json:"environment"`
	LastTransactionID string    `json:"lastTransactionId"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"createdAt"`
}

type mirrorView struct {
	ID              string  `json:"id"`
	SourceAccountID string  `json:"sourceAccountId"`
	Environment     string  `json:"environment"`
	ScalingMode     string  `json:"scalingMode"`
	ScaleFactor     float64 `json:"scaleFactor"`
	Active          bool    `json:"active"`
}

func sourceViews(in []journal.SourceAccount) []sourceView {
	out := make([]sourceView, 0, len(in))
	for _, a := range in {
		out = append(out, sourceView{
			ID:                a.ID,
			Environment:       string(a.Environment),
			LastTransactionID: a.LastTransactionID,
			Active:            a.Active,
			CreatedAt:         a.CreatedAt,
		})
	}
	return out
}

func mirrorViews(in []journal.MirrorAccount) []mirrorView {
	out := make([]mirrorView, 0, len(in))
	for _, m := range in {
		out = append(out, mirrorView{
			ID:              m.ID,
			SourceAccountID: m.SourceAccountID,
			Environment:     string(m.Environment),
			ScalingMode:     string(m.ScalingMode),
			ScaleFactor:     m.ScaleFactor,
			Active:          m.Active,
		})
	}
	return out
}

type executionView struct {
	TradeID             string          `json:"tradeId"`
	MirrorAccountID     string          `json:"mirrorAccountId"`
	Status              string          `json:"status"`
	ExecutedUnits       decimal.Decimal `json:"executedUnits"`
	BrokerTransactionID string          `json:"brokerTransactionId,omitempty"`
	ErrorMessage        string          `json:"errorMessage,omitempty"`
	ScaleFactor         float64         `json:"scaleFactor"`
	ScaleMode           string          `json:"scaleMode"`
	Attempts            int             `json:"attempts"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

func newExecutionView(e journal.MirrorExecution) executionView {
	return executionView{
		TradeID:             e.TradeID,
		MirrorAccountID:     e.MirrorAccountID,
		Status:              string(e.Status),
		ExecutedUnits:       e.ExecutedUnits,
		BrokerTransactionID: e.BrokerTransactionID,
		ErrorMessage:        e.ErrorMessage,
		ScaleFactor:         e.ScaleFactor,
		ScaleMode:           string(e.ScaleMode),
		Attempts:            e.Attempts,
		UpdatedAt:           e.UpdatedAt,
	}
}

type tradeView struct {
	ID                  string           `json:"id"`
	SourceAccountID     string           `json:"sourceAccountId"`
	SourceTransactionID string           `json:"sourceTransactionId"`
	Instrument          string           `json:"instrument"`
	Units               decimal.Decimal  `json:"units"`
	Side                string           `json:"side"`
	Price               decimal.Decimal  `json:"price"`
	TakeProfit          *decimal.Decimal `json:"takeProfit,omitempty"`
	StopLoss            *decimal.Decimal `json:"stopLoss,omitempty"`
	DetectedVia         string           `json:"detectedVia"`
	CreatedAt           time.Time        `json:"createdAt"`
	Executions          []executionView  `json:"executions"`
}

func newTradeView(t journal.TradeRecord) tradeView {
	v := tradeView{
		ID:                  t.ID,
		SourceAccountID:     t.SourceAccountID,
		SourceTransactionID: t.SourceTransactionID,
		Instrument:          t.Instrument,
		Units:               t.Units,
		Side:                string(t.Side),
		Price:               t.Price,
		TakeProfit:          t.TakeProfit,
		StopLoss:            t.StopLoss,
		DetectedVia:         t.DetectedVia,
		CreatedAt:           t.CreatedAt,
		Executions:          make([]executionView, 0, len(t.Executions)),
	}
	for _, e := range t.Executions {
		v.Executions = append(v.Executions, newExecutionView(e))
	}
	return v
}
