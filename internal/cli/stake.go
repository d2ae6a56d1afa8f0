package cli

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/cybv-network/cybv/internal/domain"
)

// ─── Staking CLI ────────────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(stakeCmd)
	stakeCmd.AddCommand(stakeOpenCmd)
	stakeCmd.AddCommand(stakeStatusCmd)
	stakeCmd.AddCommand(stakeCloseCmd)

	stakeCmd.PersistentFlags().StringP("account", "a", "", "Account id")
	stakeOpenCmd.Flags().String("wallet", "", "External wallet reference")
	stakeCloseCmd.Flags().Bool("force", false, "Close before maturity and pay the early-withdrawal penalty")
}

var stakeCmd = &cobra.Command{
	Use:   "stake",
	Short: "Lock balance for a fixed period at a fixed annual rate",
	Long: `Lock part of an account's balance for 7d, 30d, 90d, or 365d.
Rewards accrue per whole day elapsed. Closing before maturity costs a
penalty on the principal and forfeits rewards up to that penalty.`,
}

// ─── stake open ─────────────────────────────────────────────────────────────

var stakeOpenCmd = &cobra.Command{
	Use:   "open AMOUNT PERIOD",
	Short: "Open a stake",
	Args:  cobra.ExactArgs(2),
	RunE:  runStakeOpen,
}

func runStakeOpen(cmd *cobra.Command, args []string) error {
	account, err := requireAccount(cmd)
	if err != nil {
		return err
	}
	amount, err := decimal.NewFromString(args[0])
	if err != nil {
		return fmt.Errorf("amount %q: %w", args[0], err)
	}
	wallet, _ := cmd.Flags().GetString("wallet")
	d, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	st, err := d.Staking.Open(cmd.Context(), account, amount, domain.StakePeriod(args[1]), wallet)
	if err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "✅ Staked %s for %s at %s%% APY\n", st.Principal.StringFixed(2), st.Period, st.AnnualRatePct)
	fmt.Fprintf(out(cmd), "   Stake:   %s\n", st.ID)
	fmt.Fprintf(out(cmd), "   Matures: %s\n", st.MaturesAt.Format(time.RFC3339))
	return nil
}

// ─── stake status ───────────────────────────────────────────────────────────

var stakeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active stake and staking totals",
	Args:  cobra.NoArgs,
	RunE:  runStakeStatus,
}

func runStakeStatus(cmd *cobra.Command, args []string) error {
	account, err := requireAccount(cmd)
	if err != nil {
		return err
	}
	d, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	st, err := d.Staking.Status(cmd.Context(), account)
	if err != nil {
		return err
	}
	if st.Active == nil {
		fmt.Fprintln(out(cmd), "No active stake.")
	} else {
		a := st.Active
		fmt.Fprintf(out(cmd), "Active stake %s\n", a.ID)
		fmt.Fprintf(out(cmd), "  Principal: %s (%s at %s%%)\n", a.Principal.StringFixed(2), a.Period, a.AnnualRatePct)
		fmt.Fprintf(out(cmd), "  Elapsed:   %d days, %d remaining\n", a.DaysElapsed, a.DaysRemaining)
		fmt.Fprintf(out(cmd), "  Accrued:   %s\n", a.ProjectedRewards.StringFixed(2))
		if a.IsMatured {
			fmt.Fprintln(out(cmd), "  Matured: close it with 'cybv stake close'")
		}
	}
	t := st.Totals
	fmt.Fprintf(out(cmd), "Completed: %d  staked %s  rewards %s  penalties %s\n",
		t.Completed, t.TotalStaked.StringFixed(2), t.TotalRewards.StringFixed(2), t.TotalPenalties.StringFixed(2))
	return nil
}

// ─── stake close ────────────────────────────────────────────────────────────

var stakeCloseCmd = &cobra.Command{
	Use:   "close STAKE_ID",
	Short: "Close a stake and return the funds",
	Args:  cobra.ExactArgs(1),
	RunE:  runStakeClose,
}

func runStakeClose(cmd *cobra.Command, args []string) error {
	account, err := requireAccount(cmd)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	d, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	res, err := d.Staking.Close(cmd.Context(), account, args[0], force)
	if rej, ok := domain.AsRejection(err); ok && rej.Code() == "stake_not_matured" {
		return fmt.Errorf("stake matures in %v days; closing now costs %v (use --force)",
			rej.Details["days_remaining"], rej.Details["penalty_if_forced"])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "✅ Stake %s closed\n", res.Stake.ID)
	fmt.Fprintf(out(cmd), "   Returned: %s\n", res.FinalAmount.StringFixed(2))
	fmt.Fprintf(out(cmd), "   Rewards:  %s\n", res.Rewards.StringFixed(2))
	if res.Early {
		fmt.Fprintf(out(cmd), "   Penalty:  %s\n", res.Penalty.StringFixed(2))
	}
	return nil
}
