package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/copytrader/journal"
	"github.com/rustyeddy/copytrader/pkg/id"
)

var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "Inspect recorded trades and retry failed copies",
	Long: `Query the trade ledger.

Subcommands:
  show   - Show one trade and its mirror executions
  list   - List recent trades
  retry  - Re-send a failed mirror order

Examples:
  copytrader trade list --source 101-001-1234567-001 --limit 20
  copytrader trade list --csv trades.csv
  copytrader trade show trd_01hzy3v6k1q9m2x7ds4ae8bt0c
  copytrader trade retry trd_01hzy3v6k1q9m2x7ds4ae8bt0c 101-001-1234567-002`,
}

var tradeShowCmd = &cobra.Command{
	Use:   "show <trade-id>",
	Short: "Show a trade",
	Args:  cobra.MatchAll(cobra.ExactArgs(1), tradeIDArg),
	RunE:  runTradeShow,
}

var tradeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent trades",
	Args:  cobra.NoArgs,
	RunE:  runTradeList,
}

var tradeRetryCmd = &cobra.Command{
	Use:   "retry <trade-id> <mirror-id>",
	Short: "Retry a failed mirror execution",
	Args:  cobra.MatchAll(cobra.ExactArgs(2), tradeIDArg),
	RunE:  runTradeRetry,
}

// tradeIDArg rejects a first argument that is not a trade id.
func tradeIDArg(_ *cobra.Command, args []string) error {
	if !id.Valid(args[0]) {
		return fmt.Errorf("invalid trade id %q", args[0])
	}
	return nil
}

var (
	tradeSource string
	tradeLimit  int
	tradeCSV    string
	tradeOrg    bool
)

func init() {
	rootCmd.AddCommand(tradeCmd)
	tradeCmd.AddCommand(tradeShowCmd, tradeListCmd, tradeRetryCmd)

	tradeListCmd.Flags().StringVar(&tradeSource, "source", "", "only trades of this source account")
	tradeListCmd.Flags().IntVarP(&tradeLimit, "limit", "n", 50, "maximum number of trades")
	tradeListCmd.Flags().StringVar(&tradeCSV, "csv", "", "write trades with their executions to this CSV file")
	tradeListCmd.Flags().BoolVar(&tradeOrg, "org", false, "print Org-mode blocks instead of a table")
}

func runTradeShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	rec, err := j.GetTrade(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get trade: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), journal.FormatTradeOrg(rec))
	return nil
}

func runTradeList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	trades, err := j.ListTrades(cmd.Context(), tradeSource, tradeLimit)
	if err != nil {
		return fmt.Errorf("query trades: %w", err)
	}

	if tradeCSV != "" {
		f, err := os.Create(tradeCSV)
		if err != nil {
			return fmt.Errorf("create csv: %w", err)
		}
		defer f.Close()
		if err := journal.WriteCSV(f, trades); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %d trades to %s\n", len(trades), tradeCSV)
		return nil
	}

	out := cmd.OutOrStdout()
	if tradeOrg {
		fmt.Fprintln(out, journal.FormatTradesOrg(trades))
		return nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "SOURCE", "TXN", "INSTRUMENT", "UNITS", "PRICE", "VIA", "COPIES")
	for _, tr := range trades {
		t.Row(tr.ID, tr.SourceAccountID, tr.SourceTransactionID, tr.Instrument,
			tr.Units.String(), tr.Price.String(), tr.DetectedVia, copySummary(tr))
	}
	fmt.Fprintln(out, t.Render())
	return nil
}

// copySummary renders execution counts as ok/failed/pending.
func copySummary(t journal.TradeRecord) string {
	var ok, failed, pending int
	for _, e := range t.Executions {
		switch e.Status {
		case journal.StatusSuccess:
			ok++
		case journal.StatusFailed:
			failed++
		default:
			pending++
		}
	}
	return fmt.Sprintf("%d/%d/%d", ok, failed, pending)
}

func runTradeRetry(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	exec, err := a.engine.RetryMirrorExecution(cmd.Context(), args[0], args[1])
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s on %s: %s %s units (broker txn %s, attempt %d)\n",
		exec.TradeID, exec.MirrorAccountID, exec.Status, exec.ExecutedUnits, exec.BrokerTransactionID, exec.Attempts)
	return nil
}
