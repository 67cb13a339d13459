package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DEXCYCLE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DEXCYCLE_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "DEXCYCLE_MODE")
	setStr(&cfg.LogLevel, "DEXCYCLE_LOG_LEVEL")

	// ── Chain / wallet ──
	setStr(&cfg.Chain.RPCURL, "DEXCYCLE_RPC_URL")
	setStr(&cfg.Chain.RPCURL, "POLYGON_RPC_URL") // compatibility alias
	setInt64(&cfg.Chain.ChainID, "DEXCYCLE_CHAIN_ID")
	setStr(&cfg.Chain.Router, "DEXCYCLE_ROUTER")
	setStr(&cfg.Wallet.PrivateKey, "DEXCYCLE_PRIVATE_KEY")
	setStr(&cfg.Wallet.PrivateKey, "PRIVATE_KEY") // compatibility alias
	setStr(&cfg.Wallet.EncryptedKeyPath, "DEXCYCLE_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "DEXCYCLE_KEY_PASSWORD")

	// ── Subgraph ──
	setStr(&cfg.Subgraph.Endpoint, "DEXCYCLE_SUBGRAPH_ENDPOINT")
	setStr(&cfg.Subgraph.APIKey, "DEXCYCLE_SUBGRAPH_API_KEY")
	setStr(&cfg.Subgraph.APIKey, "SUBGRAPH_API_KEY") // compatibility alias

	// ── Strategy ──
	setDuration(&cfg.Strategy.HoldDuration, "DEXCYCLE_HOLD_DURATION")
	setInt(&cfg.Strategy.MaxPositions, "DEXCYCLE_MAX_POSITIONS")
	setFloat(&cfg.Strategy.BudgetFraction, "DEXCYCLE_BUDGET_FRACTION")
	setInt(&cfg.Strategy.EntrySlippageBps, "DEXCYCLE_ENTRY_SLIPPAGE_BPS")
	setInt(&cfg.Strategy.ExitSlippageBps, "DEXCYCLE_EXIT_SLIPPAGE_BPS")

	// ── Store ──
	setStr(&cfg.Store.Backend, "DEXCYCLE_STORE_BACKEND")
	setStr(&cfg.Store.DataDir, "DEXCYCLE_DATA_DIR")
	setStr(&cfg.Postgres.DSN, "DEXCYCLE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "DEXCYCLE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DEXCYCLE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DEXCYCLE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DEXCYCLE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DEXCYCLE_POSTGRES_PASSWORD")
	setBool(&cfg.Postgres.RunMigrations, "DEXCYCLE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DEXCYCLE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DEXCYCLE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DEXCYCLE_REDIS_DB")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "DEXCYCLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DEXCYCLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "DEXCYCLE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DEXCYCLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DEXCYCLE_S3_SECRET_KEY")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "DEXCYCLE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "DEXCYCLE_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "DEXCYCLE_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DEXCYCLE_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DEXCYCLE_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhook, "DEXCYCLE_DISCORD_WEBHOOK")
	if v := os.Getenv("DEXCYCLE_NOTIFY_EVENTS"); v != "" {
		parts := strings.Split(v, ",")
		events := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				events = append(events, p)
			}
		}
		cfg.Notify.Events = events
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
