package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	libconfig "prepaidmeter/backend/libs/config"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config defines metering service configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Billing  BillingConfig  `yaml:"billing"`
	Store    StoreConfig    `yaml:"store"`
	Postgres PostgresConfig `yaml:"postgres"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Redis    RedisConfig    `yaml:"redis"`
	JWT      JWTConfig      `yaml:"jwt"`
}

type HTTPConfig struct {
	Port string `yaml:"port" env:"METERING_HTTP_PORT"`
}

// BillingConfig holds the tariff and the credit rules.
type BillingConfig struct {
	PricePerKWh          decimal.Decimal `yaml:"pricePerKwh" env:"PRICE_PER_KWH"`
	PollIntervalSeconds  int             `yaml:"pollIntervalSeconds" env:"POLL_INTERVAL_SECONDS"`
	BorrowAmount         decimal.Decimal `yaml:"borrowAmount" env:"BORROW_AMOUNT"`
	WithdrawCooldownDays int             `yaml:"withdrawCooldownDays" env:"WITHDRAW_COOLDOWN_DAYS"`
	WithdrawRatio        decimal.Decimal `yaml:"withdrawRatio" env:"WITHDRAW_RATIO"`
}

type StoreConfig struct {
	Driver    string `yaml:"driver" env:"METERING_STORE_DRIVER"`
	ScanLimit int    `yaml:"scanLimit" env:"SCAN_LIMIT"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn" env:"METERING_POSTGRES_DSN"`
	MaxConns int    `yaml:"maxConns" env:"METERING_POSTGRES_MAX_CONNS"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" env:"METERING_MONGO_URI"`
	Database string `yaml:"database" env:"METERING_MONGO_DB"`
}

// RedisConfig is optional; an empty Addr disables monitor persistence and leases.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"METERING_REDIS_ADDR"`
	Password string `yaml:"password" env:"METERING_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"METERING_REDIS_DB"`
	PoolSize int    `yaml:"poolSize" env:"METERING_REDIS_POOL_SIZE"`
	TTL      int    `yaml:"ttlSeconds" env:"METERING_REDIS_TTL"`
}

type JWTConfig struct {
	Secret         string `yaml:"secret" env:"METERING_JWT_SECRET"`
	ExpiresMinutes int    `yaml:"expiresMinutes" env:"METERING_JWT_EXPIRES_MINUTES"`
}

// Default returns the configuration used before file and environment overrides.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Port: "8090"},
		Billing: BillingConfig{
			PricePerKWh:          decimal.NewFromInt(150),
			PollIntervalSeconds:  8,
			BorrowAmount:         decimal.NewFromInt(500),
			WithdrawCooldownDays: 30,
			WithdrawRatio:        decimal.RequireFromString("0.3"),
		},
		Store: StoreConfig{Driver: DriverMemory, ScanLimit: 10000},
		Mongo: MongoConfig{Database: "smart_energy"},
		Redis: RedisConfig{TTL: 86400},
		JWT:   JWTConfig{ExpiresMinutes: 60},
	}
}

// Load reads configuration via shared helper. Any error is fatal at startup.
func Load() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))

	var errs []error
	if !c.Billing.PricePerKWh.IsPositive() {
		errs = append(errs, errors.New("PRICE_PER_KWH must be positive"))
	}
	if c.Billing.PollIntervalSeconds <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL_SECONDS must be positive"))
	}
	if !c.Billing.BorrowAmount.IsPositive() {
		errs = append(errs, errors.New("BORROW_AMOUNT must be positive"))
	}
	if c.Billing.WithdrawCooldownDays < 0 {
		errs = append(errs, errors.New("WITHDRAW_COOLDOWN_DAYS must not be negative"))
	}
	if !c.Billing.WithdrawRatio.IsPositive() || c.Billing.WithdrawRatio.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("WITHDRAW_RATIO must be in (0, 1]"))
	}
	if c.Store.ScanLimit <= 0 {
		errs = append(errs, errors.New("SCAN_LIMIT must be positive"))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			errs = append(errs, errors.New("METERING_POSTGRES_DSN is required for the postgres driver"))
		}
	case DriverMongo:
		if strings.TrimSpace(c.Mongo.URI) == "" {
			errs = append(errs, errors.New("METERING_MONGO_URI is required for the mongo driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown METERING_STORE_DRIVER %q", c.Store.Driver))
	}
	if c.Postgres.MaxConns < 0 {
		errs = append(errs, errors.New("METERING_POSTGRES_MAX_CONNS must not be negative"))
	}
	if c.Redis.PoolSize < 0 {
		errs = append(errs, errors.New("METERING_REDIS_POOL_SIZE must not be negative"))
	}
	if strings.TrimSpace(c.JWT.Secret) == "" {
		errs = append(errs, errors.New("METERING_JWT_SECRET is required"))
	}
	return errors.Join(errs...)
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8090"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// PollInterval returns the tick period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Billing.PollIntervalSeconds) * time.Second
}

// TokenTTL returns the lifetime of issued tokens.
func (c *Config) TokenTTL() time.Duration {
	if c.JWT.ExpiresMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.JWT.ExpiresMinutes) * time.Minute
}

// MonitorTTL returns how long a persisted monitor entry survives.
func (c *Config) MonitorTTL() time.Duration {
	if c.Redis.TTL <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Redis.TTL) * time.Second
}

// LeaseTTL spans three ticks so one slow tick does not lose the lease.
func (c *Config) LeaseTTL() time.Duration {
	return max(3*c.PollInterval(), 30*time.Second)
}

// RedisEnabled reports whether a redis address is configured.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}
