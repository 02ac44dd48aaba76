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
// built-in defaults, applies CONDORBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	normalise(&cfg)

	if cfg.Kite.AccessToken == "" && cfg.Kite.AccessTokenFile != "" {
		token, err := readTokenFile(cfg.Kite.AccessTokenFile)
		if err != nil {
			return nil, err
		}
		cfg.Kite.AccessToken = token
	}

	return &cfg, nil
}

// readTokenFile reads the access token persisted by the external login flow.
// A missing file is not an error; Validate reports the empty token instead.
func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("config: read access token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// normalise upper-cases underlying names so lookups by trading symbol prefix
// are case-insensitive in the TOML file.
func normalise(cfg *Config) {
	if len(cfg.Underlyings) == 0 {
		return
	}
	out := make(map[string]UnderlyingConfig, len(cfg.Underlyings))
	for name, u := range cfg.Underlyings {
		u.Exchange = strings.ToUpper(u.Exchange)
		out[strings.ToUpper(name)] = u
	}
	cfg.Underlyings = out
}

// applyEnvOverrides reads well-known CONDORBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Kite ──
	setStr(&cfg.Kite.APIKey, "CONDORBOT_KITE_API_KEY")
	setStr(&cfg.Kite.AccessToken, "CONDORBOT_KITE_ACCESS_TOKEN")
	setStr(&cfg.Kite.AccessTokenFile, "CONDORBOT_KITE_ACCESS_TOKEN_FILE")
	setStr(&cfg.Kite.RestURL, "CONDORBOT_KITE_REST_URL")
	setStr(&cfg.Kite.TickerURL, "CONDORBOT_KITE_TICKER_URL")
	setStr(&cfg.Kite.Product, "CONDORBOT_KITE_PRODUCT")
	setInt(&cfg.Kite.OrdersPerSecond, "CONDORBOT_KITE_ORDERS_PER_SECOND")
	setDuration(&cfg.Kite.RequestTimeout, "CONDORBOT_KITE_REQUEST_TIMEOUT")

	// ── Ledger / Postgres ──
	setStr(&cfg.Ledger.Backend, "CONDORBOT_LEDGER_BACKEND")
	setStr(&cfg.Postgres.DSN, "CONDORBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "CONDORBOT_SUPABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "CONDORBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CONDORBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CONDORBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CONDORBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CONDORBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CONDORBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CONDORBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CONDORBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CONDORBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "CONDORBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "CONDORBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CONDORBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CONDORBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CONDORBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CONDORBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CONDORBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "CONDORBOT_REDIS_NAMESPACE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "CONDORBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "CONDORBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CONDORBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "CONDORBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CONDORBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CONDORBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CONDORBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CONDORBOT_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "CONDORBOT_S3_PREFIX")
	setStr(&cfg.S3.ArchiveCron, "CONDORBOT_S3_ARCHIVE_CRON")

	// ── Risk ──
	setStr(&cfg.Risk.Policy, "CONDORBOT_RISK_POLICY")
	setInt(&cfg.Risk.DefaultLots, "CONDORBOT_DEFAULT_TRADE_LOTS")
	setFloat64(&cfg.Risk.StopMultiple, "CONDORBOT_RISK_STOP_MULTIPLE")
	setFloat64(&cfg.Risk.ButterflyLossMultiple, "CONDORBOT_RISK_BUTTERFLY_LOSS_MULTIPLE")
	setDuration(&cfg.Risk.ScanInterval, "CONDORBOT_RISK_SCAN_INTERVAL")

	// ── Underlyings: CONDORBOT_<NAME>_LOT_SIZE etc. ──
	for name, u := range cfg.Underlyings {
		prefix := "CONDORBOT_" + strings.ToUpper(name) + "_"
		setInt(&u.LotSize, prefix+"LOT_SIZE")
		setFloat64(&u.ATMBand, prefix+"ATM_BAND")
		setStr(&u.Exchange, prefix+"EXCHANGE")
		cfg.Underlyings[name] = u
	}

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CONDORBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CONDORBOT_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // compatibility alias
	setStr(&cfg.Server.APIKey, "CONDORBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "CONDORBOT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "CONDORBOT_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CONDORBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramToken, "TELEGRAM_BOT_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CONDORBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.TelegramChatID, "TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CONDORBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CONDORBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "CONDORBOT_MODE")
	setStr(&cfg.LogLevel, "CONDORBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setFloat64(dst *float64, key string) {
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

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
