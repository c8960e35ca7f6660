package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("METERING_JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Billing.PricePerKWh.Equal(decimal.NewFromInt(150)) {
		t.Errorf("price = %s, want 150", cfg.Billing.PricePerKWh)
	}
	if cfg.PollInterval() != 8*time.Second {
		t.Errorf("poll interval = %v, want 8s", cfg.PollInterval())
	}
	if !cfg.Billing.BorrowAmount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("borrow amount = %s, want 500", cfg.Billing.BorrowAmount)
	}
	if cfg.Store.Driver != DriverMemory || cfg.RedisEnabled() {
		t.Errorf("store=%s redis=%v", cfg.Store.Driver, cfg.RedisEnabled())
	}
	if cfg.HTTPAddress() != ":8090" {
		t.Errorf("HTTPAddress() = %s", cfg.HTTPAddress())
	}
	if cfg.LeaseTTL() != 30*time.Second {
		t.Errorf("LeaseTTL() = %v", cfg.LeaseTTL())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("METERING_JWT_SECRET", "s3cret")
	t.Setenv("PRICE_PER_KWH", "72.5")
	t.Setenv("POLL_INTERVAL_SECONDS", "20")
	t.Setenv("BORROW_AMOUNT", "250")
	t.Setenv("METERING_STORE_DRIVER", "Postgres")
	t.Setenv("METERING_POSTGRES_DSN", "postgres://localhost/metering")
	t.Setenv("METERING_REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Billing.PricePerKWh.Equal(decimal.RequireFromString("72.5")) {
		t.Errorf("price = %s", cfg.Billing.PricePerKWh)
	}
	if cfg.PollInterval() != 20*time.Second || cfg.LeaseTTL() != time.Minute {
		t.Errorf("interval=%v lease=%v", cfg.PollInterval(), cfg.LeaseTTL())
	}
	if !cfg.Billing.BorrowAmount.Equal(decimal.NewFromInt(250)) {
		t.Errorf("borrow = %s", cfg.Billing.BorrowAmount)
	}
	if cfg.Store.Driver != DriverPostgres || !cfg.RedisEnabled() {
		t.Errorf("driver=%s redis=%v", cfg.Store.Driver, cfg.RedisEnabled())
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metering.yaml")
	yaml := `
http:
  port: "9000"
billing:
  pricePerKwh: 99.9
  pollIntervalSeconds: 4
jwt:
  secret: file-secret
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("POLL_INTERVAL_SECONDS", "6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTPAddress() != ":9000" || cfg.JWT.Secret != "file-secret" {
		t.Errorf("addr=%s secret=%s", cfg.HTTPAddress(), cfg.JWT.Secret)
	}
	if !cfg.Billing.PricePerKWh.Equal(decimal.RequireFromString("99.9")) {
		t.Errorf("price = %s", cfg.Billing.PricePerKWh)
	}
	if cfg.PollInterval() != 6*time.Second {
		t.Errorf("env should override file, interval = %v", cfg.PollInterval())
	}
	if !cfg.Billing.BorrowAmount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("unset keys keep defaults, borrow = %s", cfg.Billing.BorrowAmount)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing secret", map[string]string{}, "METERING_JWT_SECRET"},
		{"zero price", map[string]string{"PRICE_PER_KWH": "0"}, "PRICE_PER_KWH"},
		{"negative interval", map[string]string{"POLL_INTERVAL_SECONDS": "-1"}, "POLL_INTERVAL_SECONDS"},
		{"malformed price", map[string]string{"PRICE_PER_KWH": "cheap"}, "PRICE_PER_KWH"},
		{"unknown driver", map[string]string{"METERING_STORE_DRIVER": "sqlite"}, "METERING_STORE_DRIVER"},
		{"mongo without uri", map[string]string{"METERING_STORE_DRIVER": "mongo"}, "METERING_MONGO_URI"},
		{"ratio above one", map[string]string{"WITHDRAW_RATIO": "1.5"}, "WITHDRAW_RATIO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			t.Setenv("METERING_JWT_SECRET", "s3cret")
			if tt.name == "missing secret" {
				t.Setenv("METERING_JWT_SECRET", "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
