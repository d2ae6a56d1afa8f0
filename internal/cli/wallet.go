package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/cybv-network/cybv/internal/app/wallet"
	"github.com/cybv-network/cybv/internal/domain"
)

// ─── Wallet CLI ─────────────────────────────────────────────────────────────
// Operator access to balances and the ledger, bypassing the HTTP API.

func init() {
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(earnCmd)
	rootCmd.AddCommand(spendCmd)

	for _, c := range []*cobra.Command{balanceCmd, historyCmd, earnCmd, spendCmd} {
		c.Flags().StringP("account", "a", "", "Account id")
	}
	historyCmd.Flags().IntP("limit", "n", wallet.DefaultHistoryLimit, "Number of entries to show")
	earnCmd.Flags().StringArrayP("meta", "m", nil, "Metadata key=value (repeatable)")
	spendCmd.Flags().String("purpose", "", "What the tokens are spent on")
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show an account's balance",
	Args:  cobra.NoArgs,
	RunE:  runBalance,
}

func runBalance(cmd *cobra.Command, args []string) error {
	account, err := requireAccount(cmd)
	if err != nil {
		return err
	}
	d, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	s, err := d.Wallet.Balance(cmd.Context(), account)
	if err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "Account: %s\n", account)
	fmt.Fprintf(out(cmd), "Balance: %s CYBV\n", s.Balance.StringFixed(2))
	fmt.Fprintf(out(cmd), "Earned:  %s\n", s.TotalEarned.StringFixed(2))
	fmt.Fprintf(out(cmd), "Spent:   %s\n", s.TotalSpent.StringFixed(2))
	return nil
}

// ─── history ────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List an account's most recent ledger entries",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	account, err := requireAccount(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	d, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	entries, err := d.Wallet.RecentTransactions(cmd.Context(), account, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out(cmd), "No transactions.")
		return nil
	}
	tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tREASON\tAMOUNT\tBALANCE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.OccurredAt.Format(time.RFC3339), e.Reason,
			signed(e), e.BalanceAfter.StringFixed(2))
	}
	return tw.Flush()
}

func signed(e domain.LedgerEntry) string {
	if e.IsCredit() {
		return "+" + e.Amount.StringFixed(2)
	}
	return e.Amount.StringFixed(2)
}

// ─── earn ───────────────────────────────────────────────────────────────────

var earnCmd = &cobra.Command{
	Use:   "earn ACTION",
	Short: "Credit an account for an action",
	Long: `Record one occurrence of ACTION for the account, applying the reward
policy, daily caps, and bonuses exactly as the API does.`,
	Args: cobra.ExactArgs(1),
	RunE: runEarn,
}

func runEarn(cmd *cobra.Command, args []string) error {
	account, err := requireAccount(cmd)
	if err != nil {
		return err
	}
	pairs, _ := cmd.Flags().GetStringArray("meta")
	meta, err := parseMeta(pairs)
	if err != nil {
		return err
	}
	d, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	res, err := d.Earning.Earn(cmd.Context(), account, domain.Reason(args[0]), meta)
	if err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "✅ +%s for %s\n", res.AmountCredited.StringFixed(2), res.Action)
	for _, b := range res.Bonuses {
		fmt.Fprintf(out(cmd), "🎁 +%s bonus: %s\n", b.Amount.StringFixed(2), b.Reason)
	}
	if len(res.Bonuses) > 0 {
		fmt.Fprintf(out(cmd), "   Credited: +%s\n", res.TotalCredited().StringFixed(2))
	}
	if res.LoginStreak > 0 {
		fmt.Fprintf(out(cmd), "   Login streak: %d days\n", res.LoginStreak)
	}
	if res.Limit.Cap > 0 {
		fmt.Fprintf(out(cmd), "   Today: %d/%d\n", res.Limit.Count, res.Limit.Cap)
	}
	fmt.Fprintf(out(cmd), "   Balance: %s\n", res.NewBalance.StringFixed(2))
	return nil
}

func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("metadata %q must be key=value", p)
		}
		meta[strings.TrimSpace(k)] = v
	}
	return meta, nil
}

// ─── spend ──────────────────────────────────────────────────────────────────

var spendCmd = &cobra.Command{
	Use:   "spend AMOUNT",
	Short: "Debit an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpend,
}

func runSpend(cmd *cobra.Command, args []string) error {
	account, err := requireAccount(cmd)
	if err != nil {
		return err
	}
	amount, err := decimal.NewFromString(args[0])
	if err != nil {
		return fmt.Errorf("amount %q: %w", args[0], err)
	}
	purpose, _ := cmd.Flags().GetString("purpose")
	d, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	res, err := d.Wallet.Spend(cmd.Context(), account, amount, purpose, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "✅ %s spent\n", signed(res.Entry))
	fmt.Fprintf(out(cmd), "   Balance: %s\n", res.NewBalance.StringFixed(2))
	return nil
}
