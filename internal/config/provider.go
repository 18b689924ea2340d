package config

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"crossarb/internal/model"
)

// Provider owns a viper instance and serves the current configuration. The
// risk profile is swapped atomically when the file changes on disk, so
// readers always see a complete snapshot.
type Provider struct {
	v       *viper.Viper
	logger  *slog.Logger
	cfg     atomic.Pointer[Config]
	profile atomic.Pointer[model.RiskProfile]
}

// NewProvider loads and validates the configuration found in path.
func NewProvider(path string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loadDotEnv(path)

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	p := &Provider{v: v, logger: logger.With("component", "config")}
	p.store(cfg)
	return p, nil
}

func (p *Provider) store(cfg *Config) {
	profile := cfg.Risk.Profile()
	p.cfg.Store(cfg)
	p.profile.Store(&profile)
}

// Config returns the configuration loaded at startup or by the last valid reload.
func (p *Provider) Config() *Config {
	return p.cfg.Load()
}

// RiskProfile returns the current risk profile snapshot.
func (p *Provider) RiskProfile() model.RiskProfile {
	return *p.profile.Load()
}

// ArbitrageConfig returns the current pipeline settings.
func (p *Provider) ArbitrageConfig() ArbitrageConfig {
	return p.cfg.Load().Arbitrage
}

// Watch reloads the file on change. Invalid files are logged and ignored.
func (p *Provider) Watch() {
	p.v.OnConfigChange(func(e fsnotify.Event) {
		p.Reload()
	})
	p.v.WatchConfig()
}

// Reload re-reads the file and swaps in the result if it validates.
func (p *Provider) Reload() {
	if err := p.v.ReadInConfig(); err != nil {
		p.logger.Error("Config reload failed, keeping previous values", "error", err)
		return
	}
	cfg, err := decode(p.v)
	if err != nil {
		p.logger.Error("Config reload rejected, keeping previous values", "error", err)
		return
	}
	p.store(cfg)
	p.logger.Info("Config reloaded", "risk", cfg.Risk)
}
