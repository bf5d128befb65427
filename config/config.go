package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the runtime configuration shared by the api, scanner and worker
// binaries.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	STAN     STANConfig     `mapstructure:"stan"`
	Escrow   EscrowConfig   `mapstructure:"escrow"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Addr      string        `mapstructure:"addr"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

type STANConfig struct {
	ClusterID          string `mapstructure:"cluster_id"`
	ClientID           string `mapstructure:"client_id"`
	URL                string `mapstructure:"url"`
	FulfillmentSubject string `mapstructure:"fulfillment_subject"`
	LedgerSubject      string `mapstructure:"ledger_subject"`
	Durable            string `mapstructure:"durable"`
}

type EscrowConfig struct {
	ConfirmationGrace time.Duration `mapstructure:"confirmation_grace"`
	NotifyTimeout     time.Duration `mapstructure:"notify_timeout"`
	OutboxInterval    time.Duration `mapstructure:"outbox_interval"`
	OutboxMaxAttempts int           `mapstructure:"outbox_max_attempts"`
	OutboxBatchSize   int           `mapstructure:"outbox_batch_size"`
}

type ScannerConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	Workers   int           `mapstructure:"workers"`
}

var defaults = map[string]any{
	"app.name":                   "escrowflow",
	"app.env":                    "development",
	"app.log_level":              "info",
	"http.addr":                  ":8080",
	"http.jwt_secret":            "",
	"http.token_ttl":             "24h",
	"database.url":               "",
	"database.max_conns":         10,
	"redis.addr":                 "",
	"redis.password":             "",
	"redis.db":                   0,
	"redis.channel_prefix":       "escrow:notify:",
	"stan.cluster_id":            "escrow-cluster",
	"stan.client_id":             "",
	"stan.url":                   "nats://localhost:4222",
	"stan.fulfillment_subject":   "fulfillment",
	"stan.ledger_subject":        "ledger",
	"stan.durable":               "escrow-fulfillment",
	"escrow.confirmation_grace":  "168h",
	"escrow.notify_timeout":      "5s",
	"escrow.outbox_interval":     "2s",
	"escrow.outbox_max_attempts": 10,
	"escrow.outbox_batch_size":   100,
	"scanner.interval":           "1m",
	"scanner.batch_size":         500,
	"scanner.workers":            8,
}

// Load reads the optional YAML file at path and applies ESCROW_* environment
// overrides (ESCROW_DATABASE_URL, ESCROW_SCANNER_INTERVAL, ...). DATABASE_URL
// is honoured as well.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("ESCROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database.url", "ESCROW_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("bind env failed: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings every binary needs.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Escrow.ConfirmationGrace <= 0 {
		errs = append(errs, errors.New("escrow.confirmation_grace must be positive"))
	}
	if c.Scanner.Interval <= 0 {
		errs = append(errs, errors.New("scanner.interval must be positive"))
	}
	if c.Scanner.Workers <= 0 || c.Scanner.BatchSize <= 0 {
		errs = append(errs, errors.New("scanner.workers and scanner.batch_size must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateHTTP additionally checks what the api binary needs.
func (c *Config) ValidateHTTP() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.HTTP.JWTSecret == "" {
		return errors.New("http.jwt_secret is required")
	}
	return nil
}
