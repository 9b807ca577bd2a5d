package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: arbscanner\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Stream.BatchSize != 1000 {
		t.Fatalf("batch size = %d, want 1000", cfg.Stream.BatchSize)
	}
	if cfg.Stream.HeartbeatInterval != 30*time.Second {
		t.Fatalf("heartbeat interval = %v", cfg.Stream.HeartbeatInterval)
	}
	if cfg.Broker.TokenTTL != 24*time.Hour {
		t.Fatalf("token ttl = %v", cfg.Broker.TokenTTL)
	}
	if cfg.Financing.SettlementDays != 1 {
		t.Fatalf("settlement days = %d", cfg.Financing.SettlementDays)
	}
	if cfg.Alerting.Cooldown != 5*time.Minute {
		t.Fatalf("cooldown = %v", cfg.Alerting.Cooldown)
	}

	rule, ok := cfg.RateLimits["/auth/getToken"]
	if !ok {
		t.Fatal("默认应包含 /auth/getToken 限额")
	}
	if rule.Calls != 1 || rule.Period != 24*time.Hour {
		t.Fatalf("auth rate limit = %+v", rule)
	}

	for _, class := range []string{"bono", "cedear", "letra"} {
		if _, ok := cfg.Fees.ClassPct[class]; !ok {
			t.Fatalf("default fee table missing class %q", class)
		}
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
instruments:
  market_id: ROFX
  tickers: [GGAL, AL30]
  cedears: [GGAL]
financing:
  tasa_tna: 40.5
  settlement_days: 3
alerting:
  min_net_pct: 0.25
stream:
  batch_size: 500
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Instruments.Tickers) != 2 || cfg.Instruments.Tickers[0] != "GGAL" {
		t.Fatalf("tickers = %v", cfg.Instruments.Tickers)
	}
	if cfg.Financing.TasaTNA != 40.5 {
		t.Fatalf("tasa = %v", cfg.Financing.TasaTNA)
	}
	if cfg.Financing.SettlementDays != 3 {
		t.Fatalf("settlement days = %d", cfg.Financing.SettlementDays)
	}
	if cfg.Alerting.MinNetPct != 0.25 {
		t.Fatalf("min net = %v", cfg.Alerting.MinNetPct)
	}
	if cfg.Stream.BatchSize != 500 {
		t.Fatalf("batch size = %d", cfg.Stream.BatchSize)
	}
}

func TestValidateRejectsMissingFeeClass(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: arbscanner\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	delete(cfg.Fees.ClassPct, "cedear")
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "fees.class_pct.cedear") {
		t.Fatalf("缺少 cedear 费率应在启动时报错, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		keyword string
	}{
		{"negative tasa", func(c *Config) { c.Financing.TasaTNA = -1 }, "tasa_tna"},
		{"zero settlement days", func(c *Config) { c.Financing.SettlementDays = 0 }, "settlement_days"},
		{"negative commission", func(c *Config) { c.Fees.CommissionPct = -0.1 }, "commission_pct"},
		{"oversized batch", func(c *Config) { c.Stream.BatchSize = 1500 }, "batch_size"},
		{"negative min net", func(c *Config) { c.Alerting.MinNetPct = -1 }, "min_net_pct"},
		{"bad rate limit", func(c *Config) {
			c.RateLimits = RateLimitsConfig{"/auth/getToken": {Calls: 0, Period: time.Hour}}
		}, "ratelimits"},
		{"zero stats interval", func(c *Config) { c.Stats.Interval = 0 }, "stats.interval"},
		{"zero sampling interval", func(c *Config) {
			c.Sampling.Enabled = true
			c.Sampling.Interval = 0
		}, "sampling.interval"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, "app:\n  name: arbscanner\n"))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.keyword) {
				t.Fatalf("Validate should mention %q, got %v", tc.keyword, err)
			}
		})
	}
}

func TestValidateTelegramRequiresCredentials(t *testing.T) {
	_, err := Load(writeConfig(t, `
alerting:
  telegram:
    enabled: true
    chat_id: "123"
`))
	if err == nil || !strings.Contains(err.Error(), "bot_token") {
		t.Fatalf("启用 Telegram 而缺少 bot_token 应报错, got %v", err)
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg, err := Load(writeConfig(t, "export:\n  max_data_points: 5000\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.ResolveMaxPoints(0); got != 5000 {
		t.Fatalf("default = %d", got)
	}
	if got := cfg.ResolveMaxPoints(100); got != 100 {
		t.Fatalf("override = %d", got)
	}
}
