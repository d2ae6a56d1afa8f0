package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/cybv-network/cybv/internal/app/guard"
	"github.com/cybv-network/cybv/internal/app/staking"
	"github.com/cybv-network/cybv/internal/infra/logging"
)

// Environment overrides.
const (
	EnvHome      = "CYBV_HOME"
	EnvJWTSecret = "CYBV_JWT_SECRET"
)

// Config is the full daemon configuration, read from config.toml.
type Config struct {
	API     APIConfig     `toml:"api"`
	Auth    AuthConfig    `toml:"auth"`
	Store   StoreConfig   `toml:"store"`
	Staking StakingConfig `toml:"staking"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
}

// APIConfig holds the HTTP listener settings.
type APIConfig struct {
	Host              string  `toml:"host"`
	Port              int     `toml:"port"`
	RequestTimeout    string  `toml:"request_timeout"`
	ShutdownTimeout   string  `toml:"shutdown_timeout"`
	RequestsPerMinute float64 `toml:"requests_per_minute"` // 0 = unthrottled
	Burst             int     `toml:"burst"`
	LiveHeartbeat     string  `toml:"live_heartbeat"`
}

// AuthConfig holds the bearer token settings.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
	Audience  string `toml:"audience"`
	ClockSkew string `toml:"clock_skew"`
	TokenTTL  string `toml:"token_ttl"`
}

// StoreConfig holds the ledger database settings.
type StoreConfig struct {
	Dir       string `toml:"dir"` // empty = home directory
	OpTimeout string `toml:"op_timeout"`
	Retries   int    `toml:"retries"`
}

// StakingConfig holds the staking limits as decimal strings.
type StakingConfig struct {
	MinStake                  string `toml:"min_stake"`
	MaxStake                  string `toml:"max_stake"`
	EarlyWithdrawalPenaltyPct string `toml:"early_withdrawal_penalty_pct"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Env        string `toml:"env"` // tags every record, e.g. "prod"
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns a config with every field set.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:              "127.0.0.1",
			Port:              8420,
			RequestTimeout:    "30s",
			ShutdownTimeout:   "10s",
			RequestsPerMinute: 300,
			Burst:             30,
			LiveHeartbeat:     "15s",
		},
		Auth: AuthConfig{
			Issuer:    "cybv",
			ClockSkew: "30s",
			TokenTTL:  "24h",
		},
		Store: StoreConfig{
			OpTimeout: "5s",
			Retries:   1,
		},
		Staking: StakingConfig{
			MinStake:                  "10",
			MaxStake:                  "1000000",
			EarlyWithdrawalPenaltyPct: "10",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Home returns the CYBV data directory: $CYBV_HOME or ~/.cybv.
func Home() string {
	if h := os.Getenv(EnvHome); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cybv"
	}
	return filepath.Join(home, ".cybv")
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// Load reads path over the defaults. A missing file yields the defaults.
// Unknown keys are an error so typos don't silently fall back.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); err == nil {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
	}

	if s := os.Getenv(EnvJWTSecret); s != "" {
		cfg.Auth.JWTSecret = s
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, creating the directory. The file is
// private because it may hold the signing secret.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Validate rejects inconsistent values.
func (c Config) Validate() error {
	var errs []error
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if c.API.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("api.requests_per_minute must not be negative"))
	}
	for name, v := range map[string]string{
		"api.request_timeout":  c.API.RequestTimeout,
		"api.shutdown_timeout": c.API.ShutdownTimeout,
		"api.live_heartbeat":   c.API.LiveHeartbeat,
		"auth.clock_skew":      c.Auth.ClockSkew,
		"auth.token_ttl":       c.Auth.TokenTTL,
		"store.op_timeout":     c.Store.OpTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Store.Retries < 0 {
		errs = append(errs, errors.New("store.retries must not be negative"))
	}
	if _, err := c.StakingConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

// DataDir returns the directory holding the ledger database.
func (c Config) DataDir() string {
	if c.Store.Dir != "" {
		return c.Store.Dir
	}
	return Home()
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// GuardConfig returns the per-operation timeout and retry settings.
func (c Config) GuardConfig() guard.Config {
	return guard.Config{
		Timeout: duration(c.Store.OpTimeout, 5*time.Second),
		Retries: c.Store.Retries,
	}
}

// StakingConfig parses the staking limits.
func (c Config) StakingConfig() (staking.Config, error) {
	lo, err := decimal.NewFromString(c.Staking.MinStake)
	if err != nil {
		return staking.Config{}, fmt.Errorf("staking.min_stake: %w", err)
	}
	hi, err := decimal.NewFromString(c.Staking.MaxStake)
	if err != nil {
		return staking.Config{}, fmt.Errorf("staking.max_stake: %w", err)
	}
	pct, err := decimal.NewFromString(c.Staking.EarlyWithdrawalPenaltyPct)
	if err != nil {
		return staking.Config{}, fmt.Errorf("staking.early_withdrawal_penalty_pct: %w", err)
	}
	switch {
	case !lo.IsPositive():
		return staking.Config{}, errors.New("staking.min_stake must be positive")
	case hi.LessThan(lo):
		return staking.Config{}, errors.New("staking.max_stake must not be below min_stake")
	case pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)):
		return staking.Config{}, errors.New("staking.early_withdrawal_penalty_pct must be within 0..100")
	}
	return staking.Config{MinStake: lo, MaxStake: hi, EarlyWithdrawalPenaltyPct: pct}, nil
}

// LoggingConfig returns the logger settings for service.
func (c Config) LoggingConfig(service string) logging.Config {
	return logging.Config{
		Service:    service,
		Env:        c.Log.Env,
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// RequestTimeout returns the per-request HTTP timeout.
func (c Config) RequestTimeout() time.Duration { return duration(c.API.RequestTimeout, 30*time.Second) }

// ShutdownTimeout returns how long in-flight requests get on shutdown.
func (c Config) ShutdownTimeout() time.Duration { return duration(c.API.ShutdownTimeout, 10*time.Second) }

// LiveHeartbeat returns the SSE keep-alive interval.
func (c Config) LiveHeartbeat() time.Duration { return duration(c.API.LiveHeartbeat, 15*time.Second) }

// ClockSkew returns the allowed token clock skew.
func (c Config) ClockSkew() time.Duration { return duration(c.Auth.ClockSkew, 30*time.Second) }

// TokenTTL returns the lifetime of minted tokens.
func (c Config) TokenTTL() time.Duration { return duration(c.Auth.TokenTTL, 24*time.Hour) }

func duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
