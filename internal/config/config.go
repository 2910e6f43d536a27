package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TenantConfig holds per-tenant limits. Zero fields fall back to the
// defaults section when resolved through Config.Tenant.
type TenantConfig struct {
	SessionTimeout        time.Duration `yaml:"session_timeout"`
	ExtendedTimeout       time.Duration `yaml:"extended_timeout"`
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
	BatchFreshnessWindow  time.Duration `yaml:"batch_freshness_window"`
	AuditRetention        time.Duration `yaml:"audit_retention"`
}

// Config is the service configuration.
type Config struct {
	Listen   string                  `yaml:"listen"`
	Defaults TenantConfig            `yaml:"defaults"`
	Tenants  map[string]TenantConfig `yaml:"tenants"`
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Defaults: TenantConfig{
			SessionTimeout:        30 * time.Minute,
			ExtendedTimeout:       30 * 24 * time.Hour,
			MaxConcurrentSessions: 5,
			BatchFreshnessWindow:  5 * time.Minute,
			AuditRetention:        90 * 24 * time.Hour,
		},
	}
}

// Load reads a YAML config file and applies defaults to unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	base := Default().Defaults
	applyDefaults(&cfg.Defaults, base)
	return cfg, nil
}

func applyDefaults(tc *TenantConfig, base TenantConfig) {
	if tc.SessionTimeout <= 0 {
		tc.SessionTimeout = base.SessionTimeout
	}
	if tc.ExtendedTimeout <= 0 {
		tc.ExtendedTimeout = base.ExtendedTimeout
	}
	if tc.MaxConcurrentSessions <= 0 {
		tc.MaxConcurrentSessions = base.MaxConcurrentSessions
	}
	if tc.BatchFreshnessWindow <= 0 {
		tc.BatchFreshnessWindow = base.BatchFreshnessWindow
	}
	if tc.AuditRetention <= 0 {
		tc.AuditRetention = base.AuditRetention
	}
}

// Tenant resolves the effective limits for a tenant, merging its overrides
// with the defaults section.
func (c *Config) Tenant(tenantID string) TenantConfig {
	tc, ok := c.Tenants[tenantID]
	if !ok {
		return c.Defaults
	}
	applyDefaults(&tc, c.Defaults)
	return tc
}
