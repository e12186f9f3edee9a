// Package config defines the process configuration (spec §6). Config is
// loaded from a YAML file with sensitive fields overridable via ENGINE_*
// environment variables, grounded on 0xtitan6-polymarket-mm's viper/
// mapstructure loader.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"order-matching-engine/internal/models"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration; maps directly to the YAML file.
type Config struct {
	DB           DBConfig           `mapstructure:"db"`
	TradingPairs []TradingPair      `mapstructure:"trading_pairs"`
	MarketMakers []int64            `mapstructure:"market_maker_user_ids"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	Snapshot     SnapshotConfig     `mapstructure:"snapshot"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// DBConfig holds the relational store connection. DSN is expected to come
// from the environment (see Load), not the YAML file.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// TradingPair is one symbol's static configuration (spec §4.4, §6).
type TradingPair struct {
	ID                int64   `mapstructure:"id"`
	Symbol            string  `mapstructure:"symbol"`
	BaseAsset         string  `mapstructure:"base_asset"`
	QuoteAsset        string  `mapstructure:"quote_asset"`
	PricePrecision    int32   `mapstructure:"price_precision"`
	QuantityPrecision int32   `mapstructure:"quantity_precision"`
	MinQty            string  `mapstructure:"min_quantity"`
	MaxQty            string  `mapstructure:"max_quantity"`
	IsActive          bool    `mapstructure:"is_active"`
}

// OutboxConfig tunes the write-behind batch worker (spec §4.6).
type OutboxConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	WarmUp        time.Duration `mapstructure:"warm_up"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
}

// SnapshotConfig tunes the depth snapshot publisher (spec §4.7).
type SnapshotConfig struct {
	Depth      int `mapstructure:"depth"`
	BufferSize int `mapstructure:"buffer_size"`
}

// EngineConfig tunes the per-symbol actor (spec §5).
type EngineConfig struct {
	InboxBufferSize int `mapstructure:"inbox_buffer_size"`
}

// LoggingConfig controls the zerolog logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads config from a YAML file, loads a local .env for DB_DSN (never
// committed, grounded on the teacher's godotenv use for local secrets),
// then layers ENGINE_*-prefixed environment overrides on top.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional: missing .env in prod is not an error

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		cfg.DB.DSN = dsn
	}
	// With the ENGINE prefix, this key resolves to ENGINE_DB_DSN.
	if dsn := v.GetString("DB_DSN"); dsn != "" {
		cfg.DB.DSN = dsn
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("outbox.batch_size", 500)
	v.SetDefault("outbox.tick_interval", 10*time.Second)
	v.SetDefault("outbox.warm_up", 30*time.Second)
	v.SetDefault("outbox.queue_capacity", 100_000)
	v.SetDefault("snapshot.depth", 20)
	v.SetDefault("snapshot.buffer_size", 16)
	v.SetDefault("engine.inbox_buffer_size", 1024)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", time.Hour)
}

// ToModel converts the YAML-friendly TradingPair into the domain type,
// parsing its string-encoded decimals.
func (p TradingPair) ToModel() (*models.TradingPair, error) {
	minQty, err := decimal.NewFromString(p.MinQty)
	if err != nil {
		return nil, fmt.Errorf("trading pair %s: parse min_quantity: %w", p.Symbol, err)
	}
	maxQty, err := decimal.NewFromString(p.MaxQty)
	if err != nil {
		return nil, fmt.Errorf("trading pair %s: parse max_quantity: %w", p.Symbol, err)
	}
	return &models.TradingPair{
		ID: p.ID, Symbol: p.Symbol, BaseAsset: p.BaseAsset, QuoteAsset: p.QuoteAsset,
		PricePrecision: p.PricePrecision, QuantityPrecision: p.QuantityPrecision,
		MinQty: minQty, MaxQty: maxQty, IsActive: p.IsActive,
	}, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required (set DB_DSN)")
	}
	if len(c.TradingPairs) == 0 {
		return fmt.Errorf("at least one trading pair must be configured")
	}
	for _, p := range c.TradingPairs {
		if p.Symbol == "" {
			return fmt.Errorf("trading pair with id %d is missing a symbol", p.ID)
		}
		if p.BaseAsset == "" || p.QuoteAsset == "" {
			return fmt.Errorf("trading pair %s is missing base_asset/quote_asset", p.Symbol)
		}
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size must be > 0")
	}
	return nil
}
