package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Kite.APIKey = "key"
	cfg.Kite.AccessToken = "token"
	return cfg
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsWithSessionAreValid(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"
	cfg.Risk.Policy = "yolo"
	cfg.Underlyings["NIFTY"] = UnderlyingConfig{ATMBand: 20}
	cfg.Schedule.Days["friday"] = "BANKNIFTY"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "backtest"`)
	assert.Contains(t, msg, `risk: unknown policy "yolo"`)
	assert.Contains(t, msg, "underlyings.NIFTY: lot_size must be >= 1")
	assert.Contains(t, msg, "underlyings.NIFTY: spot_token must be set")
	assert.Contains(t, msg, `unconfigured underlying "BANKNIFTY"`)
}

func TestValidateMonitorNeedsSharedState(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	cfg.Ledger.Backend = "memory"
	cfg.Redis.Enabled = false

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger: monitor mode needs the postgres backend")
	assert.Contains(t, err.Error(), "redis: monitor mode reads prices from redis")
	assert.NotContains(t, err.Error(), "kite:", "monitor mode does not talk to the broker")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := writeFile(t, "config.toml", `
mode = "paper"
log_level = "debug"

[kite]
api_key = "from-file"
access_token = "tok"

[risk]
policy = "kill_switch"
scan_interval = "30s"

[underlyings.banknifty]
atm_band = 40
lot_size = 30
spot_token = 260105
exchange = "nfo"
`)
	t.Setenv("CONDORBOT_KITE_API_KEY", "from-env")
	t.Setenv("CONDORBOT_NIFTY_LOT_SIZE", "65")
	t.Setenv("CONDORBOT_DEFAULT_TRADE_LOTS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, "from-env", cfg.Kite.APIKey)
	assert.Equal(t, "kill_switch", cfg.Risk.Policy)
	assert.Equal(t, 30*time.Second, cfg.Risk.ScanInterval.Duration)
	assert.Equal(t, 2, cfg.Risk.DefaultLots)
	assert.Equal(t, 65, cfg.Underlyings["NIFTY"].LotSize)
	assert.Equal(t, UnderlyingConfig{ATMBand: 40, LotSize: 30, SpotToken: 260105, Exchange: "NFO"}, cfg.Underlyings["BANKNIFTY"])
	assert.Equal(t, []string{"BANKNIFTY", "NIFTY", "SENSEX"}, cfg.UnderlyingNames())
	require.NoError(t, cfg.Validate())
}

func TestLoadReadsAccessTokenFile(t *testing.T) {
	tokenPath := writeFile(t, "kite_token.txt", "  daily-token\n")
	path := writeFile(t, "config.toml", `
[kite]
api_key = "k"
access_token_file = "`+filepath.ToSlash(tokenPath)+`"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "daily-token", cfg.Kite.AccessToken)
}

func TestLoadMissingTokenFileLeavesTokenEmpty(t *testing.T) {
	path := writeFile(t, "config.toml", `
[kite]
api_key = "k"
access_token_file = "/nonexistent/kite_token.txt"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Kite.AccessToken)
}

func TestScheduleByWeekday(t *testing.T) {
	cfg := Defaults()
	days := cfg.ScheduleByWeekday()

	assert.Equal(t, "NIFTY", days[time.Monday])
	assert.Equal(t, "NIFTY", days[time.Tuesday])
	assert.Equal(t, "SENSEX", days[time.Wednesday])
	assert.Equal(t, "SENSEX", days[time.Thursday])
	_, ok := days[time.Friday]
	assert.False(t, ok)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pw"
	cfg.Notify.TelegramToken = "tg"
	cfg.Notify.Events = []string{"stop_loss"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Kite.AccessToken)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.S3.SecretKey, "empty secrets stay empty")

	out.Notify.Events[0] = "changed"
	out.Underlyings["NIFTY"] = UnderlyingConfig{}
	assert.Equal(t, "stop_loss", cfg.Notify.Events[0])
	assert.Equal(t, 75, cfg.Underlyings["NIFTY"].LotSize)
	assert.Equal(t, "token", cfg.Kite.AccessToken)
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Setenv("CONDORBOT_KITE_API_KEY", "k")
	t.Setenv("CONDORBOT_KITE_ACCESS_TOKEN", "tok")

	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, []string{"NIFTY", "SENSEX"}, cfg.UnderlyingNames())
	assert.Equal(t, "0 18 * * 1-5", cfg.S3.ArchiveCron)
	assert.Equal(t, "SENSEX", cfg.ScheduleByWeekday()[time.Thursday])
}
