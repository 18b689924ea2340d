package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"crossarb/internal/model"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Arbitrage ArbitrageConfig           `mapstructure:"arbitrage"`
	Risk      RiskConfig                `mapstructure:"risk"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Redis     RedisConfig               `mapstructure:"redis"`
	Log       LogConfig                 `mapstructure:"log"`
	Exchanges map[string]ExchangeConfig `mapstructure:"exchanges" validate:"required,min=2,dive"`
}

// ArbitrageConfig defines the pipeline settings.
type ArbitrageConfig struct {
	Pairs              []string      `mapstructure:"pairs" validate:"required,min=1,dive,required"`
	Exchanges          []string      `mapstructure:"exchanges" validate:"required,min=2,unique,dive,required"`
	ScanInterval       time.Duration `mapstructure:"scan_interval" validate:"gt=0"`
	MaxConcurrentScans int           `mapstructure:"max_concurrent_scans" validate:"gte=1"`
	MaxQuoteAge        time.Duration `mapstructure:"max_quote_age" validate:"gte=0"`
	BookDepth          int           `mapstructure:"book_depth" validate:"gte=1"`
	StreamBuffer       int           `mapstructure:"stream_buffer" validate:"gte=1"`
	SellRetries        int           `mapstructure:"sell_retries" validate:"gte=0,lte=10"`
	SellRetryBackoff   time.Duration `mapstructure:"sell_retry_backoff" validate:"gte=0"`
}

// RiskConfig mirrors model.RiskProfile in config-friendly types.
type RiskConfig struct {
	MinimumProfitPercentage float64       `mapstructure:"minimum_profit_percentage" validate:"gte=0"`
	MaxCapitalPerTrade      float64       `mapstructure:"max_capital_per_trade" validate:"gt=0"`
	MaxCapitalPercentage    float64       `mapstructure:"max_capital_percentage" validate:"gte=0,lte=100"`
	MaxConcurrentTrades     int           `mapstructure:"max_concurrent_trades" validate:"gte=1"`
	Cooldown                time.Duration `mapstructure:"cooldown" validate:"gte=0"`
	StopLossEnabled         bool          `mapstructure:"stop_loss_enabled"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig defines the notification publisher settings. An empty Addr
// disables publishing.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LogConfig struct {
	Level string `validate:"omitempty,oneof=debug info warn error"`
}

// ExchangeConfig defines settings for a specific exchange.
type ExchangeConfig struct {
	TakerFeePercent float64            `mapstructure:"taker_fee_percent" validate:"gte=0,lt=100"`
	WebsocketURL    string             `mapstructure:"websocket_url"`
	RestURL         string             `mapstructure:"rest_url"`
	Balances        map[string]float64 `mapstructure:"balances"`
}

// DSN builds a PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, port, d.DBName, sslMode)
}

// Profile converts the risk settings into decimal form.
func (r RiskConfig) Profile() model.RiskProfile {
	return model.RiskProfile{
		MinimumProfitPercentage: decimal.NewFromFloat(r.MinimumProfitPercentage),
		MaxCapitalPerTrade:      decimal.NewFromFloat(r.MaxCapitalPerTrade),
		MaxCapitalPercentage:    decimal.NewFromFloat(r.MaxCapitalPercentage),
		MaxConcurrentTrades:     r.MaxConcurrentTrades,
		Cooldown:                r.Cooldown,
		StopLossEnabled:         r.StopLossEnabled,
	}
}

// TradingPairs parses the configured pairs.
func (a ArbitrageConfig) TradingPairs() ([]model.TradingPair, error) {
	pairs := make([]model.TradingPair, 0, len(a.Pairs))
	for _, s := range a.Pairs {
		p, err := model.ParseTradingPair(s)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

// FeeRates returns the taker fee of every exchange as a fraction.
func (c *Config) FeeRates() map[string]decimal.Decimal {
	rates := make(map[string]decimal.Decimal, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		rates[name] = decimal.NewFromFloat(ex.TakerFeePercent).Div(decimal.NewFromInt(100))
	}
	return rates
}

// Validate checks field constraints and cross references. Trading-affecting
// parameters are never defaulted here.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := c.Arbitrage.TradingPairs(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for _, name := range c.Arbitrage.Exchanges {
		if _, ok := c.Exchanges[name]; !ok {
			return fmt.Errorf("%w: exchange %q has no settings", ErrInvalidConfig, name)
		}
	}
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("crossarb")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("arbitrage.scan_interval", time.Second)
	v.SetDefault("arbitrage.max_concurrent_scans", 4)
	v.SetDefault("arbitrage.book_depth", 20)
	v.SetDefault("arbitrage.stream_buffer", 256)
	v.SetDefault("arbitrage.sell_retries", 2)
	v.SetDefault("arbitrage.sell_retry_backoff", 250*time.Millisecond)
	v.SetDefault("log.level", "info")
	return v
}

// requiredRiskKeys have no safe zero value and must be set explicitly.
var requiredRiskKeys = []string{
	"risk.minimum_profit_percentage",
	"risk.max_capital_per_trade",
	"risk.max_concurrent_trades",
	"risk.cooldown",
}

// missingKeys lists trading-affecting keys absent from both file and environment.
func missingKeys(v *viper.Viper, cfg *Config) []string {
	var missing []string
	for _, key := range requiredRiskKeys {
		if !v.IsSet(key) {
			missing = append(missing, key)
		}
	}
	for _, name := range cfg.Arbitrage.Exchanges {
		key := "exchanges." + strings.ToLower(name) + ".taker_fee_percent"
		if !v.IsSet(key) {
			missing = append(missing, key)
		}
	}
	return missing
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if missing := missingKeys(v, &cfg); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (*Config, error) {
	p, err := NewProvider(path, nil)
	if err != nil {
		return nil, err
	}
	return p.Config(), nil
}

func loadDotEnv(path string) {
	// a missing .env is not an error
	_ = godotenv.Load(filepath.Join(path, ".env"))
}
