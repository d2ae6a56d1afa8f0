// Package cli implements the cybv command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cybv-network/cybv/internal/daemon"
	"github.com/cybv-network/cybv/internal/infra/logging"
)

var rootCmd = &cobra.Command{
	Use:   "cybv",
	Short: "CYBV token rewards ledger",
	Long: `cybv runs the CYBV reward ledger: earning rules, daily caps, streak
bonuses, staking, and the HTTP API that serves them.

Operator commands (balance, earn, stake, ledger verify) act directly on the
local ledger database under $CYBV_HOME (default ~/.cybv).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config.toml (default $CYBV_HOME/config.toml)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config named by --config.
func loadConfig(cmd *cobra.Command) (daemon.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return daemon.Load(path)
}

// openLocal opens the ledger for a one-shot operator command. Logging is
// limited to warnings so command output stays readable.
func openLocal(cmd *cobra.Command) (*daemon.Daemon, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	level, _ := logging.ParseLevel(cfg.Log.Level)
	if level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	handler, err := logging.NewHandler(cmd.ErrOrStderr(), "text", level)
	if err != nil {
		return nil, err
	}
	return daemon.NewWithLogger(cfg, slog.New(handler), nil)
}

func requireAccount(cmd *cobra.Command) (string, error) {
	account, _ := cmd.Flags().GetString("account")
	account = strings.TrimSpace(account)
	if account == "" {
		return "", fmt.Errorf("--account is required")
	}
	return account, nil
}

func out(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }
