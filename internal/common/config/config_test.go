package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		LowRiskBoundary:           40,
		HighRiskBoundary:          60,
		NetworkPromotionThreshold: 3,
		NetworkWindowDays:         30,
		NetworkDecayDays:          90,
		EWMAAlpha:                 0.2,
		StabilizationStreak:       5,
		LearnRetryLimit:           3,
		StepUpAttemptLimit:        3,
		StepUpSessionTTL:          5 * time.Minute,
		GeoCacheTTL:               24 * time.Hour,
	}
}

func TestConfig_Validate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestConfig_Validate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"boundaries inverted", func(c *Config) { c.LowRiskBoundary = 70; c.HighRiskBoundary = 60 }},
		{"boundaries equal", func(c *Config) { c.LowRiskBoundary = 60; c.HighRiskBoundary = 60 }},
		{"low boundary zero", func(c *Config) { c.LowRiskBoundary = 0 }},
		{"high boundary over 100", func(c *Config) { c.HighRiskBoundary = 100 }},
		{"alpha zero", func(c *Config) { c.EWMAAlpha = 0 }},
		{"alpha one", func(c *Config) { c.EWMAAlpha = 1 }},
		{"promotion threshold zero", func(c *Config) { c.NetworkPromotionThreshold = 0 }},
		{"decay shorter than window", func(c *Config) { c.NetworkDecayDays = 10 }},
		{"stabilization streak zero", func(c *Config) { c.StabilizationStreak = 0 }},
		{"attempt limit zero", func(c *Config) { c.StepUpAttemptLimit = 0 }},
		{"session ttl zero", func(c *Config) { c.StepUpSessionTTL = 0 }},
		{"geo cache ttl zero", func(c *Config) { c.GeoCacheTTL = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("risk-service")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.LowRiskBoundary != 40 || cfg.HighRiskBoundary != 60 {
		t.Errorf("unexpected default boundaries: %d/%d", cfg.LowRiskBoundary, cfg.HighRiskBoundary)
	}
	if cfg.EWMAAlpha != 0.2 {
		t.Errorf("unexpected default alpha: %f", cfg.EWMAAlpha)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}
