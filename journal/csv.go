package journal

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{
	"trade_id", "source_account_id", "source_transaction_id", "instrument", "side", "units", "price",
	"detected_via", "created_at", "mirror_account_id", "status", "executed_units", "broker_transaction_id",
	"scale_factor", "scale_mode", "error",
}

// WriteCSV writes one row per mirror execution; trades without executions
// get a single row with empty mirror columns.
func WriteCSV(w io.Writer, trades []TradeRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, t := range trades {
		base := []string{
			t.ID, t.SourceAccountID, t.SourceTransactionID, t.Instrument, string(t.Side),
			t.Units.String(), t.Price.String(), t.DetectedVia, t.CreatedAt.Format(time.RFC3339),
		}
		if len(t.Executions) == 0 {
			if err := cw.Write(append(base, "", "", "", "", "", "", "")); err != nil {
				return err
			}
			continue
		}
		for _, e := range t.Executions {
			row := append(append([]string{}, base...),
				e.MirrorAccountID,
				string(e.Status),
				e.ExecutedUnits.String(),
				e.BrokerTransactionID,
				strconv.FormatFloat(e.ScaleFactor, 'f', -1, 64),
				string(e.ScaleMode),
				e.ErrorMessage,
			)
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}
