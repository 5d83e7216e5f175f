package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/copytrader/broker"
	"github.com/rustyeddy/copytrader/journal"
	"github.com/rustyeddy/copytrader/risk"
)

// EnvToken supplies --token when the flag is omitted.
const EnvToken = "OANDA_TOKEN"

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage source and mirror accounts",
	Long: `Register and manage the accounts copytrader works with.

Subcommands:
  add-source  - Register an account whose fills are copied
  add-mirror  - Register an account that receives copies of a source
  list        - List all accounts
  activate    - Resume copying for an account
  deactivate  - Pause copying for an account
  set-scale   - Change a mirror's scaling mode and factor

Examples:
  copytrader account add-source 101-001-1234567-001 --token $OANDA_TOKEN
  copytrader account add-mirror 101-001-1234567-002 --source 101-001-1234567-001 --mode dynamic
  copytrader account set-scale 101-001-1234567-002 --mode static --factor 0.5`,
}

var accountAddSourceCmd = &cobra.Command{
	Use:   "add-source <account-id>",
	Short: "Register a source account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountAddSource,
}

var accountAddMirrorCmd = &cobra.Command{
	Use:   "add-mirror <account-id>",
	Short: "Register a mirror account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountAddMirror,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	Args:  cobra.NoArgs,
	RunE:  runAccountList,
}

var accountActivateCmd = &cobra.Command{
	Use:   "activate <account-id>",
	Short: "Activate a source or mirror account",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setActive(cmd, args[0], true) },
}

var accountDeactivateCmd = &cobra.Command{
	Use:   "deactivate <account-id>",
	Short: "Deactivate a source or mirror account",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setActive(cmd, args[0], false) },
}

var accountSetScaleCmd = &cobra.Command{
	Use:   "set-scale <mirror-id>",
	Short: "Change a mirror's scaling",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountSetScale,
}

var (
	accountToken    string
	accountEnv      string
	accountSource   string
	accountMode     string
	accountFactor   float64
	accountInactive bool
)

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountAddSourceCmd, accountAddMirrorCmd, accountListCmd,
		accountActivateCmd, accountDeactivateCmd, accountSetScaleCmd)

	for _, c := range []*cobra.Command{accountAddSourceCmd, accountAddMirrorCmd} {
		c.Flags().StringVar(&accountToken, "token", "", "API token (default $"+EnvToken+")")
		c.Flags().StringVar(&accountEnv, "env", "practice", "practice or live")
		c.Flags().BoolVar(&accountInactive, "inactive", false, "register without activating")
	}
	accountAddMirrorCmd.Flags().StringVar(&accountSource, "source", "", "source account id (required)")
	accountAddMirrorCmd.MarkFlagRequired("source")

	for _, c := range []*cobra.Command{accountAddMirrorCmd, accountSetScaleCmd} {
		c.Flags().StringVar(&accountMode, "mode", "static", "static or dynamic")
		c.Flags().Float64Var(&accountFactor, "factor", 1.0, "static scale factor (also the dynamic fallback)")
	}
}

func tokenFlag() (string, error) {
	if accountToken != "" {
		return accountToken, nil
	}
	if v := os.Getenv(EnvToken); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("--token or $%s is required", EnvToken)
}

func runAccountAddSource(cmd *cobra.Command, args []string) error {
	token, err := tokenFlag()
	if err != nil {
		return err
	}
	env, err := broker.ParseEnvironment(accountEnv)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	err = j.CreateSourceAccount(cmd.Context(), journal.SourceAccount{
		ID: args[0], Token: token, Environment: env, Active: !accountInactive,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Source account %s added (%s)\n", args[0], env)
	return nil
}

func runAccountAddMirror(cmd *cobra.Command, args []string) error {
	token, err := tokenFlag()
	if err != nil {
		return err
	}
	env, err := broker.ParseEnvironment(accountEnv)
	if err != nil {
		return err
	}
	mode, err := risk.ParseMode(accountMode)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	if _, err := j.GetSourceAccount(cmd.Context(), accountSource); err != nil {
		return fmt.Errorf("source %s: %w", accountSource, err)
	}
	err = j.CreateMirrorAccount(cmd.Context(), journal.MirrorAccount{
		ID:              args[0],
		SourceAccountID: accountSource,
		Token:           token,
		Environment:     env,
		ScalingMode:     mode,
		ScaleFactor:     accountFactor,
		Active:          !accountInactive,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Mirror account %s added for %s (%s, factor %g)\n", args[0], accountSource, mode, accountFactor)
	return nil
}

func runAccountList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	sources, err := j.ListSourceAccounts(cmd.Context(), false)
	if err != nil {
		return err
	}
	mirrors, err := j.ListMirrorAccounts(cmd.Context(), "", false)
	if err != nil {
		return err
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ROLE", "ID", "SOURCE", "ENV", "SCALING", "ACTIVE", "CURSOR")
	for _, s := range sources {
		t.Row("source", s.ID, "", string(s.Environment), "", strconv.FormatBool(s.Active), s.LastTransactionID)
	}
	for _, m := range mirrors {
		scaling := fmt.Sprintf("%s %g", m.ScalingMode, m.ScaleFactor)
		t.Row("mirror", m.ID, m.SourceAccountID, string(m.Environment), scaling, strconv.FormatBool(m.Active), "")
	}
	fmt.Fprintln(cmd.OutOrStdout(), t.Render())
	return nil
}

func setActive(cmd *cobra.Command, id string, active bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := cmd.Context()
	role := "source"
	err = j.SetSourceActive(ctx, id, active)
	if errors.Is(err, journal.ErrNotFound) {
		role = "mirror"
		err = j.SetMirrorActive(ctx, id, active)
	}
	if err != nil {
		return err
	}

	state := "deactivated"
	if active {
		state = "activated"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s account %s %s\n", role, id, state)
	return nil
}

func runAccountSetScale(cmd *cobra.Command, args []string) error {
	mode, err := risk.ParseMode(accountMode)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	if err := j.UpdateMirrorScaling(cmd.Context(), args[0], mode, accountFactor); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ mirror %s now scales %s with factor %g\n", args[0], mode, accountFactor)
	return nil
}
