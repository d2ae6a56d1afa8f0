package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cybv-network/cybv/internal/daemon"
	"github.com/cybv-network/cybv/internal/infra/logging"
)

// ─── serve ──────────────────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reward API server",
	Long: `Start the HTTP API. The server stops gracefully on SIGINT or SIGTERM.
A signing secret must be configured in [auth].jwt_secret or CYBV_JWT_SECRET.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return daemon.ErrNoSecret
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d.Logger.Info("cybv starting",
		"addr", cfg.Addr(),
		"data_dir", cfg.DataDir(),
		logging.MaskField("jwt_secret", cfg.Auth.JWTSecret),
		"metrics", cfg.Metrics.Enabled)
	return d.Serve(ctx)
}

// ─── init ───────────────────────────────────────────────────────────────────

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config with a fresh signing secret",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = daemon.ConfigPath()
	}
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	cfg := daemon.DefaultConfig()
	cfg.Auth.JWTSecret = hex.EncodeToString(secret)
	if err := daemon.Save(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "✅ Config written to %s\n", path)
	fmt.Fprintln(out(cmd), "   Start the API with: cybv serve")
	return nil
}
