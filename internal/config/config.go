package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"enerx-readmodel/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. ENERX_ETHEREUM_RPC_URL.
const EnvPrefix = "ENERX"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig configures the shared snapshot cache. An empty Addr disables it.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// EthereumConfig covers the JSON-RPC endpoint, contract and wallet.
type EthereumConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	ContractAddress   string        `mapstructure:"contract_address"`
	PrivateKey        string        `mapstructure:"private_key"`
	Account           string        `mapstructure:"account"`
	ChainID           int64         `mapstructure:"chain_id"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ConfirmTimeout    time.Duration `mapstructure:"confirm_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	ScanConcurrency   int           `mapstructure:"scan_concurrency"`
	MaxListings       uint64        `mapstructure:"max_listings"`
}

// SchedulerConfig governs refresh cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ServerConfig configures the HTTP read API.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	EnableWrites   bool          `mapstructure:"enable_writes"`
}

// AnalyticsConfig sets bucketing and ranking.
type AnalyticsConfig struct {
	Timezone string `mapstructure:"timezone"`
	TopN     int    `mapstructure:"top_n"`
}

// Location resolves Timezone. Validate guarantees it parses.
func (a AnalyticsConfig) Location() *time.Location {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AlertingConfig routes mutation outcome notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 通知参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	Directory string `mapstructure:"directory"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv reads ./.env when present. Variables already set win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "enerxwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "enerx:")
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("ethereum.rpc_url", "")
	v.SetDefault("ethereum.contract_address", "")
	v.SetDefault("ethereum.private_key", "")
	v.SetDefault("ethereum.account", "")
	v.SetDefault("ethereum.chain_id", 0)
	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.confirm_timeout", "2m")
	v.SetDefault("ethereum.poll_interval", "2s")
	v.SetDefault("ethereum.requests_per_second", 0.0)
	v.SetDefault("ethereum.scan_concurrency", 8)
	v.SetDefault("ethereum.max_listings", 1_000_000)

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x454e4552))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "3m")
	v.SetDefault("server.enable_writes", false)

	v.SetDefault("analytics.timezone", "UTC")
	v.SetDefault("analytics.top_n", 5)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.directory", ".")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Ethereum.RequestTimeout <= 0 {
		return fmt.Errorf("ethereum.request_timeout must be greater than zero")
	}
	if c.Ethereum.ConfirmTimeout <= 0 {
		return fmt.Errorf("ethereum.confirm_timeout must be greater than zero")
	}
	if c.Ethereum.PollInterval <= 0 {
		return fmt.Errorf("ethereum.poll_interval must be greater than zero")
	}
	if c.Ethereum.ScanConcurrency < 1 {
		return fmt.Errorf("ethereum.scan_concurrency must be at least 1")
	}
	if c.Ethereum.MaxListings < 1 {
		return fmt.Errorf("ethereum.max_listings must be at least 1")
	}
	if c.Ethereum.RequestsPerSecond < 0 {
		return fmt.Errorf("ethereum.requests_per_second cannot be negative")
	}
	if a := c.Ethereum.ContractAddress; a != "" && !common.IsHexAddress(a) {
		return fmt.Errorf("ethereum.contract_address %q is not a valid address", a)
	}
	if a := c.Ethereum.Account; a != "" && !common.IsHexAddress(a) {
		return fmt.Errorf("ethereum.account %q is not a valid address", a)
	}
	if _, err := time.LoadLocation(c.Analytics.Timezone); err != nil {
		return fmt.Errorf("analytics.timezone: %w", err)
	}
	if c.Analytics.TopN < 1 {
		return fmt.Errorf("analytics.top_n must be at least 1")
	}
	if c.Redis.Addr != "" && c.Redis.TTL < 0 {
		return fmt.Errorf("redis.ttl cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}
