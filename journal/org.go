package journal

import (
	"fmt"
	"strings"
	"time"
)

// FormatTradeOrg renders a trade and its mirror executions as an Org-mode
// block. Facts go in the PROPERTIES drawer; executions become a table.
func FormatTradeOrg(t TradeRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "** Trade: %s %s %s (%s)\n", t.Instrument, t.Side, t.Units.Abs(), shortID(t.ID))
	b.WriteString(":PROPERTIES:\n")
	fmt.Fprintf(&b, ":ID: %s\n", t.ID)
	fmt.Fprintf(&b, ":SOURCE: %s\n", t.SourceAccountID)
	fmt.Fprintf(&b, ":SOURCE_TXN: %s\n", t.SourceTransactionID)
	fmt.Fprintf(&b, ":INSTRUMENT: %s\n", t.Instrument)
	fmt.Fprintf(&b, ":UNITS: %s\n", t.Units)
	fmt.Fprintf(&b, ":PRICE: %s\n", t.Price)
	if t.TakeProfit != nil {
		fmt.Fprintf(&b, ":TAKE_PROFIT: %s\n", t.TakeProfit)
	}
	if t.StopLoss != nil {
		fmt.Fprintf(&b, ":STOP_LOSS: %s\n", t.StopLoss)
	}
	fmt.Fprintf(&b, ":DETECTED_VIA: %s\n", t.DetectedVia)
	fmt.Fprintf(&b, ":CREATED: %s\n", t.CreatedAt.UTC().Format(time.RFC3339))
	b.WriteString(":END:\n")

	if len(t.Executions) == 0 {
		b.WriteString("\nNo mirror executions.\n")
		return b.String()
	}

	b.WriteString("\n| mirror | status | units | factor | mode | attempts | broker txn | error |\n")
	b.WriteString("|-\n")
	for _, e := range t.Executions {
		fmt.Fprintf(&b, "| %s | %s | %s | %g | %s | %d | %s | %s |\n",
			e.MirrorAccountID, e.Status, e.ExecutedUnits, e.ScaleFactor, e.ScaleMode,
			e.Attempts, e.BrokerTransactionID, strings.ReplaceAll(e.ErrorMessage, "|", "/"))
	}
	return b.String()
}

// FormatTradesOrg renders multiple trades separated by blank lines.
func FormatTradesOrg(trades []TradeRecord) string {
	var b strings.Builder
	for i, t := range trades {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(FormatTradeOrg(t))
	}
	return b.String()
}

func shortID(full string) string {
	if len(full) <= 12 {
		return full
	}
	return full[:12]
}
