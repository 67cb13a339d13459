// Package config defines the top-level configuration for the dexcycle trade
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DEXCYCLE_* environment variables.
type Config struct {
	Chain     ChainConfig     `toml:"chain"`
	Wallet    WalletConfig    `toml:"wallet"`
	Stable    TokenConfig     `toml:"stable"`
	Tokens    []TokenConfig   `toml:"tokens"`
	Subgraph  SubgraphConfig  `toml:"subgraph"`
	Strategy  StrategyConfig  `toml:"strategy"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Store     StoreConfig     `toml:"store"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ChainConfig holds RPC endpoint and venue parameters for the single
// configured chain.
type ChainConfig struct {
	RPCURL            string `toml:"rpc_url"`
	ChainID           int64  `toml:"chain_id"`
	Router            string `toml:"router"` // Uniswap v3 SwapRouter address
	PoolFeeTier       int64  `toml:"pool_fee_tier"`
	GasLimit          uint64 `toml:"gas_limit"`
	ConfirmTimeoutSec int    `toml:"confirm_timeout_sec"`
	DeadlineSec       int64  `toml:"deadline_sec"`
	MaxRetries        int    `toml:"max_retries"`
	RetryDelayMs      int    `toml:"retry_delay_ms"`
	MaxRetryDelayMs   int    `toml:"max_retry_delay_ms"`
}

// WalletConfig holds wallet credentials. Either a raw private key or an
// encrypted key file plus password. With neither set, the engine runs in
// dry-run mode against a paper gateway.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// TokenConfig describes one tradable asset and, for volatile assets, the pool
// it is discovered through and its liquidity thresholds.
type TokenConfig struct {
	Symbol       string  `toml:"symbol"`
	Address      string  `toml:"address"`
	Decimals     int     `toml:"decimals"`
	Pool         string  `toml:"pool"`
	MinVolumeUSD float64 `toml:"min_volume_usd"`
	MinTVLUSD    float64 `toml:"min_tvl_usd"`
}

// SubgraphConfig holds the discovery feed endpoint parameters.
type SubgraphConfig struct {
	Endpoint      string `toml:"endpoint"`
	APIKey        string `toml:"api_key"`
	FirstRows     int    `toml:"first_rows"`
	SafetyLagSec  int    `toml:"safety_lag_sec"`
	TimeoutSec    int    `toml:"timeout_sec"`
	CacheTTLSec   int    `toml:"cache_ttl_sec"`
	StalenessSec  int    `toml:"staleness_sec"`
}

// StrategyConfig holds the scoring and risk parameters read at tick start and
// never mutated by the core.
type StrategyConfig struct {
	HoldDuration       duration `toml:"hold_duration"`
	MaxPositions       int      `toml:"max_positions"`
	BudgetFraction     float64  `toml:"budget_fraction"` // share of stable balance per trade
	MinTradeUSD        float64  `toml:"min_trade_usd"`
	EntrySlippageBps   int      `toml:"entry_slippage_bps"`
	ExitSlippageBps    int      `toml:"exit_slippage_bps"`
	MomentumWeight     float64  `toml:"momentum_weight"`
	VolumeWeight       float64  `toml:"volume_weight"`
	EMAFast            int      `toml:"ema_fast"`
	EMASlow            int      `toml:"ema_slow"`
	RSIPeriod          int      `toml:"rsi_period"`
	RSIBuyThreshold    float64  `toml:"rsi_buy_threshold"`
	VolumeMAPeriod     int      `toml:"volume_ma_period"`
	VolumeSpikeFactor  float64  `toml:"volume_spike_factor"`
	MinTrendSeparation float64  `toml:"min_trend_separation"`
	MinHistoryHours    int      `toml:"min_history_hours"`
}

// SchedulerConfig holds tick cadence parameters.
type SchedulerConfig struct {
	TickInterval    duration `toml:"tick_interval"`
	ArchiveInterval duration `toml:"archive_interval"`
	LockTTL         duration `toml:"lock_ttl"`
}

// StoreConfig selects the position store backend.
type StoreConfig struct {
	Backend string `toml:"backend"` // "file" or "postgres"
	DataDir string `toml:"data_dir"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Optional: without an address
// the tick lock falls back to the in-process guard and the candidate cache is
// disabled.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
}

// S3Config holds S3-compatible object storage parameters for the trade-log
// archiver. Optional.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds the status HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel parameters.
type NotifyConfig struct {
	TelegramToken  string   `toml:"telegram_token"`
	TelegramChatID string   `toml:"telegram_chat_id"`
	DiscordWebhook string   `toml:"discord_webhook"`
	Events         []string `toml:"events"`
}

// duration wraps time.Duration with TOML text unmarshalling ("1h", "90s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Defaults returns a Config pre-filled with the built-in defaults: Polygon
// mainnet, USDC stable, hourly cadence, one-hour hold.
func Defaults() Config {
	return Config{
		Mode:     "run",
		LogLevel: "info",
		Chain: ChainConfig{
			ChainID:           137,
			Router:            "0xE592427A0AEce92De3Edee1F18E0157C05861564",
			PoolFeeTier:       500,
			GasLimit:          300_000,
			ConfirmTimeoutSec: 120,
			DeadlineSec:       600,
			MaxRetries:        3,
			RetryDelayMs:      1000,
			MaxRetryDelayMs:   10_000,
		},
		Stable: TokenConfig{
			Symbol:   "USDC",
			Address:  "0x3C499c542cEF5E3811e1192ce70d8cC03d5c3359",
			Decimals: 6,
		},
		Tokens: []TokenConfig{
			{
				Symbol:       "WPOL",
				Address:      "0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270",
				Decimals:     18,
				Pool:         "0xb6e57ed85c4c9dbfef2a68711e9d6f36c56e0fcb",
				MinVolumeUSD: 1500,
				MinTVLUSD:    200_000,
			},
			{
				Symbol:       "WETH",
				Address:      "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619",
				Decimals:     18,
				Pool:         "0xa4d8c89f0c20efbe54cba9e7e7a7e509056228d9",
				MinVolumeUSD: 5000,
				MinTVLUSD:    500_000,
			},
		},
		Subgraph: SubgraphConfig{
			FirstRows:    720,
			SafetyLagSec: 180,
			TimeoutSec:   30,
			CacheTTLSec:  300,
			StalenessSec: 2 * 3600,
		},
		Strategy: StrategyConfig{
			HoldDuration:       duration{time.Hour},
			MaxPositions:       2,
			BudgetFraction:     0.5,
			MinTradeUSD:        1.0,
			EntrySlippageBps:   100,
			ExitSlippageBps:    100,
			MomentumWeight:     0.7,
			VolumeWeight:       0.3,
			EMAFast:            16,
			EMASlow:            60,
			RSIPeriod:          14,
			RSIBuyThreshold:    50,
			VolumeMAPeriod:     24,
			VolumeSpikeFactor:  1.1,
			MinTrendSeparation: 0.001,
			MinHistoryHours:    60,
		},
		Scheduler: SchedulerConfig{
			TickInterval:    duration{time.Hour},
			ArchiveInterval: duration{24 * time.Hour},
			LockTTL:         duration{55 * time.Minute},
		},
		Store: StoreConfig{
			Backend: "file",
			DataDir: "data",
		},
		Postgres: PostgresConfig{
			Port:    5432,
			SSLMode: "disable",
		},
		Server: ServerConfig{
			Port: 8080,
		},
	}
}

// Validate checks the configuration for internal consistency. It returns an
// error describing the first problem found.
func (c *Config) Validate() error {
	switch c.Mode {
	case "run", "once", "status", "encrypt-key":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}

	if c.Stable.Symbol == "" || c.Stable.Address == "" {
		return fmt.Errorf("config: stable asset symbol and address are required")
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("config: at least one volatile token is required")
	}
	seen := make(map[string]bool, len(c.Tokens))
	for _, t := range c.Tokens {
		if t.Symbol == "" || t.Address == "" || t.Pool == "" {
			return fmt.Errorf("config: token %q needs symbol, address and pool", t.Symbol)
		}
		key := strings.ToUpper(t.Symbol)
		if seen[key] {
			return fmt.Errorf("config: duplicate token %q", t.Symbol)
		}
		seen[key] = true
	}

	if c.Subgraph.Endpoint == "" && c.Mode != "encrypt-key" {
		return fmt.Errorf("config: subgraph endpoint is required")
	}

	s := c.Strategy
	if s.HoldDuration.Duration <= 0 {
		return fmt.Errorf("config: strategy hold_duration must be positive")
	}
	if s.MaxPositions <= 0 {
		return fmt.Errorf("config: strategy max_positions must be positive")
	}
	if s.BudgetFraction <= 0 || s.BudgetFraction > 1 {
		return fmt.Errorf("config: strategy budget_fraction must be in (0, 1]")
	}
	if s.EntrySlippageBps <= 0 || s.ExitSlippageBps <= 0 {
		return fmt.Errorf("config: slippage bounds must be positive")
	}
	if s.MomentumWeight < 0 || s.VolumeWeight < 0 || s.MomentumWeight+s.VolumeWeight == 0 {
		return fmt.Errorf("config: scoring weights must be non-negative and not both zero")
	}
	if s.EMAFast <= 0 || s.EMASlow <= s.EMAFast {
		return fmt.Errorf("config: ema_slow must exceed ema_fast and both must be positive")
	}
	if s.RSIPeriod <= 0 {
		return fmt.Errorf("config: rsi_period must be positive")
	}
	if s.VolumeMAPeriod <= 0 {
		return fmt.Errorf("config: volume_ma_period must be positive")
	}
	if s.MinHistoryHours < s.RSIPeriod+2 {
		return fmt.Errorf("config: min_history_hours must be at least rsi_period+2")
	}

	if c.Scheduler.TickInterval.Duration <= 0 {
		return fmt.Errorf("config: scheduler tick_interval must be positive")
	}
	if c.Scheduler.LockTTL.Duration <= 0 || c.Scheduler.LockTTL.Duration >= c.Scheduler.TickInterval.Duration {
		return fmt.Errorf("config: scheduler lock_ttl must be positive and shorter than tick_interval")
	}

	switch c.Store.Backend {
	case "file":
		if c.Store.DataDir == "" {
			return fmt.Errorf("config: store data_dir is required for the file backend")
		}
	case "postgres":
		if c.Postgres.DSN == "" && c.Postgres.Host == "" {
			return fmt.Errorf("config: postgres dsn or host is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unsupported store backend %q", c.Store.Backend)
	}

	// encrypt-key mode reads the raw key and writes the encrypted file, so it
	// is the one mode where both may be set.
	if c.Mode != "encrypt-key" && c.Wallet.PrivateKey != "" && c.Wallet.EncryptedKeyPath != "" {
		return fmt.Errorf("config: set either wallet private_key or encrypted_key_path, not both")
	}
	if c.LiveTrading() && c.Chain.RPCURL == "" {
		return fmt.Errorf("config: chain rpc_url is required when a wallet key is configured")
	}

	return nil
}

// LiveTrading reports whether a wallet key is configured. Without one the
// engine runs against the paper gateway.
func (c *Config) LiveTrading() bool {
	return c.Wallet.PrivateKey != "" || c.Wallet.EncryptedKeyPath != ""
}

// Token returns the volatile token config for a symbol, or false.
func (c *Config) Token(symbol string) (TokenConfig, bool) {
	for _, t := range c.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return TokenConfig{}, false
}
