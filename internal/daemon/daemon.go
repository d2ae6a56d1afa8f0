// Package daemon wires configuration, storage, the reward engines, and the
// HTTP API into one running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cybv-network/cybv/internal/api"
	"github.com/cybv-network/cybv/internal/app/earning"
	"github.com/cybv-network/cybv/internal/app/guard"
	"github.com/cybv-network/cybv/internal/app/staking"
	"github.com/cybv-network/cybv/internal/app/wallet"
	"github.com/cybv-network/cybv/internal/infra/identity"
	"github.com/cybv-network/cybv/internal/infra/logging"
	"github.com/cybv-network/cybv/internal/infra/observability"
	"github.com/cybv-network/cybv/internal/infra/sqlite"
)

// ErrNoSecret is returned when the API is started without a signing secret.
var ErrNoSecret = errors.New("auth.jwt_secret is not set (config or " + EnvJWTSecret + ")")

// Daemon owns every long-lived component.
type Daemon struct {
	Config   Config
	Logger   *slog.Logger
	DB       *sqlite.DB
	Tracer   *observability.Tracer
	Guard    *guard.Guard
	Hub      *api.LedgerHub
	Earning  *earning.Service
	Staking  *staking.Service
	Wallet   *wallet.Service
	Identity *identity.Resolver // nil without a secret

	logCloser io.Closer
}

// New opens the store and builds the services. The caller must Close it.
func New(cfg Config) (*Daemon, error) {
	logger, closer, err := logging.Setup(cfg.LoggingConfig("cybv"))
	if err != nil {
		return nil, err
	}
	return NewWithLogger(cfg, logger, closer)
}

// NewWithLogger is New with a prebuilt logger. closer may be nil.
func NewWithLogger(cfg Config, logger *slog.Logger, closer io.Closer) (*Daemon, error) {
	stakingCfg, err := cfg.StakingConfig()
	if err != nil {
		return nil, err
	}

	db, err := sqlite.Open(cfg.DataDir())
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	d := &Daemon{
		Config:    cfg,
		Logger:    logger,
		DB:        db,
		Tracer:    observability.NewTracer(observability.DefaultTracerConfig()),
		Hub:       api.NewLedgerHub(cfg.LiveHeartbeat(), logger),
		logCloser: closer,
	}
	d.Guard = guard.New(cfg.GuardConfig(), d.Tracer, logger)
	d.Earning = earning.NewService(db, d.Guard, d.Hub, logger)
	d.Staking = staking.NewService(stakingCfg, db, d.Guard, d.Hub, logger)
	d.Wallet = wallet.NewService(db, d.Guard, d.Hub, logger)

	if cfg.Auth.JWTSecret != "" {
		d.Identity, err = identity.NewResolver(identity.Config{
			Secret:    cfg.Auth.JWTSecret,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			ClockSkew: cfg.ClockSkew(),
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	return d, nil
}

// Close releases the store and the log file.
func (d *Daemon) Close() error {
	err := d.DB.Close()
	if d.logCloser != nil {
		err = errors.Join(err, d.logCloser.Close())
	}
	return err
}

// Handler builds the HTTP API.
func (d *Daemon) Handler() (http.Handler, error) {
	if d.Identity == nil {
		return nil, ErrNoSecret
	}
	rewards := &api.RewardsAPI{
		Earning: d.Earning,
		Staking: d.Staking,
		Wallet:  d.Wallet,
	}
	srv := api.NewServer(api.Config{
		RequestTimeout: d.Config.RequestTimeout(),
		Throttle: api.ThrottleConfig{
			RequestsPerMinute: d.Config.API.RequestsPerMinute,
			Burst:             d.Config.API.Burst,
		},
	}, rewards, d.Identity, d.Logger)
	srv.SetLedgerHub(d.Hub)
	if d.Config.Metrics.Enabled {
		srv.EnableMetrics()
	}
	return srv.Handler(), nil
}

// Serve listens on the configured address until ctx is cancelled.
func (d *Daemon) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.Config.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.Config.Addr(), err)
	}
	return d.ServeListener(ctx, ln)
}

// ServeListener runs the API on ln and audits the ledger once at startup.
// It returns after a graceful shutdown.
func (d *Daemon) ServeListener(ctx context.Context, ln net.Listener) error {
	handler, err := d.Handler()
	if err != nil {
		ln.Close()
		return err
	}

	// Long-lived streams watch baseCtx so shutdown can end them.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.Logger.Info("api listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		d.Logger.Info("api shutting down")
		cancelBase()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.Config.ShutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		report, err := d.Wallet.Verify(gctx)
		if err != nil {
			if gctx.Err() == nil {
				d.Logger.Warn("startup ledger audit failed", "error", err)
			}
			return nil
		}
		if !report.OK() {
			for _, disc := range report.Discrepancies {
				d.Logger.Error("ledger discrepancy",
					"account", disc.AccountID,
					"cached", disc.Cached.String(),
					"summed", disc.Summed.String())
			}
			return nil
		}
		d.Logger.Info("ledger audit clean", "accounts", report.Checked)
		return nil
	})

	return g.Wait()
}
