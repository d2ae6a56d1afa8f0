package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cybv-network/cybv/internal/app/policy"
	"github.com/cybv-network/cybv/internal/daemon"
	"github.com/cybv-network/cybv/internal/domain"
	"github.com/cybv-network/cybv/internal/infra/identity"
)

// ErrLedgerDrift is returned by `ledger verify` when any account's cached
// balance disagrees with its entries.
var ErrLedgerDrift = errors.New("ledger verification failed")

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (default [auth].token_ttl)")
}

// ─── ledger verify ──────────────────────────────────────────────────────────

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Ledger maintenance",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify [ACCOUNT...]",
	Short: "Check cached balances against the sum of ledger entries",
	Long: `Recompute every balance from its ledger entries and compare it with the
cached balance. With no arguments every account is checked. Exits non-zero
on any discrepancy.`,
	RunE: runLedgerVerify,
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	d, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	report, err := d.Wallet.Verify(cmd.Context(), args...)
	if err != nil {
		return err
	}
	if report.OK() {
		fmt.Fprintf(out(cmd), "✅ %d accounts verified, no discrepancies\n", report.Checked)
		return nil
	}
	fmt.Fprintf(out(cmd), "❌ %d of %d accounts disagree with their ledger:\n", len(report.Discrepancies), report.Checked)
	for _, disc := range report.Discrepancies {
		fmt.Fprintf(out(cmd), "  • %s cached=%s summed=%s\n", disc.AccountID, disc.Cached.StringFixed(2), disc.Summed.StringFixed(2))
	}
	return ErrLedgerDrift
}

// ─── policy ─────────────────────────────────────────────────────────────────

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show the reward table",
	Args:  cobra.NoArgs,
	RunE:  runPolicy,
}

func runPolicy(cmd *cobra.Command, args []string) error {
	fmt.Fprintf(out(cmd), "Reward policy %s\n\n", policy.Version)

	tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION\tREWARD\tDAILY CAP")
	for _, r := range policy.Rules() {
		limit := "-"
		if r.Capped() {
			limit = fmt.Sprint(r.DailyCap)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Action, r.Reward, limit)
	}
	fmt.Fprintln(tw, "\t\t")
	fmt.Fprintln(tw, "BONUS\tREWARD\t")
	for _, reason := range []domain.Reason{domain.ReasonFirstPost, domain.ReasonWeekStreak, domain.ReasonMonthStreak} {
		amt, _ := policy.Bonus(reason)
		fmt.Fprintf(tw, "%s\t%s\t\n", reason, amt)
	}
	fmt.Fprintln(tw, "\t\t")
	fmt.Fprintln(tw, "STAKE PERIOD\tAPY %\tDAYS")
	for _, p := range domain.StakePeriods() {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", p.Period, p.AnnualRatePct, p.Days)
	}
	return tw.Flush()
}

// ─── token ──────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token ACCOUNT",
	Short: "Mint a bearer token for local API testing",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return daemon.ErrNoSecret
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		ttl = cfg.TokenTTL()
	}
	r, err := identity.NewResolver(identity.Config{
		Secret:    cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		ClockSkew: cfg.ClockSkew(),
	})
	if err != nil {
		return err
	}
	token, err := r.Mint(args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out(cmd), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", time.Now().Add(ttl).UTC().Format(time.RFC3339))
	return nil
}
