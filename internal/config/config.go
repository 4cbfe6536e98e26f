// Package config содержит логику чтения конфигурации сервиса экзаменационных пулов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса экзаменационных пулов.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	NotifyAddress    string        `env:"NOTIFY_ADDRESS"`
	ModulePriceCents int64         `env:"MODULE_PRICE"`
	ReservationTTL   time.Duration `env:"RESERVATION_TTL"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envNotifyAddress := cfg.NotifyAddress
	envModulePrice := cfg.ModulePriceCents
	envReservationTTL := cfg.ReservationTTL
	envSweepInterval := cfg.SweepInterval

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.NotifyAddress, "n", "", "notification webhook address")
	flag.Int64Var(&cfg.ModulePriceCents, "p", 30000, "price per exam module in cents")
	flag.DurationVar(&cfg.ReservationTTL, "t", 72*time.Hour, "wallet reservation time to live")
	flag.DurationVar(&cfg.SweepInterval, "s", time.Minute, "expired reservation sweep interval")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envNotifyAddress != "" {
		cfg.NotifyAddress = envNotifyAddress
	}
	if envModulePrice != 0 {
		cfg.ModulePriceCents = envModulePrice
	}
	if envReservationTTL != 0 {
		cfg.ReservationTTL = envReservationTTL
	}
	if envSweepInterval != 0 {
		cfg.SweepInterval = envSweepInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.ModulePriceCents <= 0 {
		return nil, fmt.Errorf("module price must be positive, got %d", cfg.ModulePriceCents)
	}
	if cfg.ReservationTTL <= 0 {
		return nil, fmt.Errorf("reservation TTL must be positive, got %s", cfg.ReservationTTL)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", cfg.SweepInterval)
	}

	return cfg, nil
}
