// Package config defines the top-level configuration for the condor risk
// engine and provides validation helpers.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CONDORBOT_* environment variables.
type Config struct {
	Kite        KiteConfig                  `toml:"kite"`
	Ledger      LedgerConfig                `toml:"ledger"`
	Postgres    PostgresConfig              `toml:"postgres"`
	Redis       RedisConfig                 `toml:"redis"`
	S3          S3Config                    `toml:"s3"`
	Risk        RiskConfig                  `toml:"risk"`
	Underlyings map[string]UnderlyingConfig `toml:"underlyings"`
	Schedule    ScheduleConfig              `toml:"schedule"`
	Server      ServerConfig                `toml:"server"`
	Notify      NotifyConfig                `toml:"notify"`
	Mode        string                      `toml:"mode"`
	LogLevel    string                      `toml:"log_level"`
}

// KiteConfig holds the Kite Connect session and endpoints. Session
// acquisition happens elsewhere; this process only reads the access token.
type KiteConfig struct {
	APIKey          string   `toml:"api_key"`
	AccessToken     string   `toml:"access_token"`
	AccessTokenFile string   `toml:"access_token_file"`
	RestURL         string   `toml:"rest_url"`
	TickerURL       string   `toml:"ticker_url"`
	Product         string   `toml:"product"`
	OrdersPerSecond int      `toml:"orders_per_second"`
	RequestTimeout  duration `toml:"request_timeout"`
}

// LedgerConfig selects where positions are persisted.
type LedgerConfig struct {
	// Backend is "postgres" or "memory".
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL / Supabase connection parameters.
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled         bool   `toml:"enabled"`
	Addr            string `toml:"addr"`
	Password        string `toml:"password"`
	DB              int    `toml:"db"`
	PoolSize        int    `toml:"pool_size"`
	MaxRetries      int    `toml:"max_retries"`
	TLSEnabled      bool   `toml:"tls_enabled"`
	PriceTTLMinutes int    `toml:"price_ttl_minutes"`
	StreamMaxLen    int    `toml:"stream_max_len"`
	Namespace       string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	// ArchiveCron schedules the daily journal archive in the schedule
	// timezone.
	ArchiveCron string `toml:"archive_cron"`
}

// RiskConfig holds the risk policy selection and its thresholds.
type RiskConfig struct {
	// Policy is "percent_stop" or "kill_switch".
	Policy                string   `toml:"policy"`
	DefaultLots           int      `toml:"default_lots"`
	DecayAlertRatio       float64  `toml:"decay_alert_ratio"`
	FirefightMultiple     float64  `toml:"firefight_multiple"`
	StopMultiple          float64  `toml:"stop_multiple"`
	ButterflyLossMultiple float64  `toml:"butterfly_loss_multiple"`
	RollCarryRatio        float64  `toml:"roll_carry_ratio"`
	ScanInterval          duration `toml:"scan_interval"`
	SubscriptionRefresh   duration `toml:"subscription_refresh"`
	ExitOrderTimeout      duration `toml:"exit_order_timeout"`
}

// UnderlyingConfig holds per-index trading parameters.
type UnderlyingConfig struct {
	ATMBand   float64 `toml:"atm_band"`
	LotSize   int     `toml:"lot_size"`
	SpotToken uint32  `toml:"spot_token"`
	Exchange  string  `toml:"exchange"`
}

// ScheduleConfig maps weekdays to the underlying traded that day.
type ScheduleConfig struct {
	Timezone string            `toml:"timezone"`
	Days     map[string]string `toml:"days"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per second per client IP; 0 disables it. It
	// needs redis.
	RateLimit int `toml:"rate_limit"`
}

type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

func Defaults() Config {
	return Config{
		Kite: KiteConfig{
			RestURL:         "https://api.kite.trade",
			TickerURL:       "wss://ws.kite.trade",
			Product:         "NRML",
			OrdersPerSecond: 10,
			RequestTimeout:  duration{10 * time.Second},
		},
		Ledger: LedgerConfig{
			Backend: "postgres",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:         true,
			Addr:            "localhost:6379",
			PoolSize:        20,
			MaxRetries:      3,
			PriceTTLMinutes: 60 * 24,
			StreamMaxLen:    10000,
			Namespace:       "condorbot",
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "condorbot-journal",
			ForcePathStyle: true,
			Prefix:         "condorbot",
			ArchiveCron:    "0 18 * * 1-5",
		},
		Risk: RiskConfig{
			Policy:                "percent_stop",
			DefaultLots:           1,
			DecayAlertRatio:       0.3,
			FirefightMultiple:     3,
			StopMultiple:          4,
			ButterflyLossMultiple: 2,
			RollCarryRatio:        0.7,
			ScanInterval:          duration{60 * time.Second},
			SubscriptionRefresh:   duration{15 * time.Second},
			ExitOrderTimeout:      duration{15 * time.Second},
		},
		Underlyings: map[string]UnderlyingConfig{
			"NIFTY":  {ATMBand: 20, LotSize: 75, SpotToken: 256265, Exchange: "NFO"},
			"SENSEX": {ATMBand: 50, LotSize: 20, SpotToken: 265, Exchange: "BFO"},
		},
		Schedule: ScheduleConfig{
			Timezone: "Asia/Kolkata",
			Days: map[string]string{
				"monday":    "NIFTY",
				"tuesday":   "NIFTY",
				"wednesday": "SENSEX",
				"thursday":  "SENSEX",
			},
		},
		Server: ServerConfig{
			Enabled:   true,
			Port:      5000,
			RateLimit: 20,
		},
		Mode:     "live",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"live":    true,
	"paper":   true,
	"monitor": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validPolicies = map[string]bool{
	"percent_stop": true,
	"kill_switch":  true,
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// UnderlyingNames returns the configured underlyings sorted by name.
func (c *Config) UnderlyingNames() []string {
	names := make([]string, 0, len(c.Underlyings))
	for n := range c.Underlyings {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ScheduleByWeekday converts the schedule day names into a weekday map.
func (c *Config) ScheduleByWeekday() map[time.Weekday]string {
	out := make(map[time.Weekday]string, len(c.Schedule.Days))
	for day, u := range c.Schedule.Days {
		if wd, ok := weekdays[strings.ToLower(day)]; ok && u != "" {
			out[wd] = strings.ToUpper(u)
		}
	}
	return out
}

// Location loads the schedule timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Kite session is needed by every mode that reads fills or ticks.
	if mode == "live" || mode == "paper" {
		if c.Kite.APIKey == "" {
			errs = append(errs, "kite: api_key is required for mode "+c.Mode)
		}
		if c.Kite.AccessToken == "" && c.Kite.AccessTokenFile == "" {
			errs = append(errs, "kite: access_token or access_token_file is required for mode "+c.Mode)
		}
		if c.Kite.RestURL == "" || c.Kite.TickerURL == "" {
			errs = append(errs, "kite: rest_url and ticker_url must not be empty")
		}
		if c.Kite.OrdersPerSecond < 1 {
			errs = append(errs, "kite: orders_per_second must be >= 1")
		}
	}

	switch c.Ledger.Backend {
	case "memory":
		if mode == "monitor" {
			errs = append(errs, "ledger: monitor mode needs the postgres backend")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: postgres, memory)", c.Ledger.Backend))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	} else if mode == "monitor" {
		errs = append(errs, "redis: monitor mode reads prices from redis and needs it enabled")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if len(strings.Fields(c.S3.ArchiveCron)) != 5 {
			errs = append(errs, fmt.Sprintf("s3: archive_cron %q must have 5 fields", c.S3.ArchiveCron))
		}
	}

	// Risk
	if !validPolicies[c.Risk.Policy] {
		errs = append(errs, fmt.Sprintf("risk: unknown policy %q (valid: percent_stop, kill_switch)", c.Risk.Policy))
	}
	if c.Risk.DefaultLots < 1 {
		errs = append(errs, "risk: default_lots must be >= 1")
	}
	if c.Risk.DecayAlertRatio <= 0 || c.Risk.DecayAlertRatio >= 1 {
		errs = append(errs, "risk: decay_alert_ratio must be between 0 and 1")
	}
	if c.Risk.StopMultiple <= 1 {
		errs = append(errs, "risk: stop_multiple must be > 1")
	}
	if c.Risk.ButterflyLossMultiple <= 0 {
		errs = append(errs, "risk: butterfly_loss_multiple must be > 0")
	}
	if c.Risk.RollCarryRatio < 0 || c.Risk.RollCarryRatio > 1 {
		errs = append(errs, "risk: roll_carry_ratio must be between 0 and 1")
	}
	if c.Risk.ScanInterval.Duration < time.Second {
		errs = append(errs, "risk: scan_interval must be at least 1s")
	}

	if len(c.Underlyings) == 0 {
		errs = append(errs, "underlyings: at least one underlying must be configured")
	}
	for name, u := range c.Underlyings {
		if u.LotSize < 1 {
			errs = append(errs, fmt.Sprintf("underlyings.%s: lot_size must be >= 1", name))
		}
		if u.SpotToken == 0 {
			errs = append(errs, fmt.Sprintf("underlyings.%s: spot_token must be set", name))
		}
		if u.Exchange == "" {
			errs = append(errs, fmt.Sprintf("underlyings.%s: exchange must be set", name))
		}
		if u.ATMBand < 0 {
			errs = append(errs, fmt.Sprintf("underlyings.%s: atm_band must be >= 0", name))
		}
	}
	for day, u := range c.Schedule.Days {
		if _, ok := weekdays[strings.ToLower(day)]; !ok {
			errs = append(errs, fmt.Sprintf("schedule: unknown day %q", day))
			continue
		}
		if _, ok := c.Underlyings[strings.ToUpper(u)]; u != "" && !ok {
			errs = append(errs, fmt.Sprintf("schedule: %s maps to unconfigured underlying %q", day, u))
		}
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("schedule: bad timezone %q", c.Schedule.Timezone))
	}

	if c.Server.Enabled || mode == "monitor" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
