package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tradecore/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Default()

	if cfg.Transport.Endpoint != "quic://127.0.0.1:9000" {
		t.Errorf("endpoint: %q", cfg.Transport.Endpoint)
	}
	if cfg.Ingress.NewOrderQueueDepth != 4096 {
		t.Errorf("queue depth: %d", cfg.Ingress.NewOrderQueueDepth)
	}
	if cfg.Ingress.MaxNewOrdersPerSecond != 10_000 || cfg.Ingress.MaxCancelsPerSecond != 20_000 {
		t.Errorf("rate caps: %+v", cfg.Ingress)
	}
	if cfg.Matcher.ArenaBytes != 1<<20 {
		t.Errorf("arena bytes: %d", cfg.Matcher.ArenaBytes)
	}
	if cfg.Persistence.WALFlushThreshold != 128 {
		t.Errorf("flush threshold: %d", cfg.Persistence.WALFlushThreshold)
	}
	if len(cfg.Markets) != 1 || cfg.Markets[0].ID != 1 {
		t.Errorf("markets: %+v", cfg.Markets)
	}
	if errs := config.Validate(cfg); len(errs) != 0 {
		t.Errorf("defaults must validate: %v", errs)
	}
}

func TestLoadFullFile(t *testing.T) {
	content := `
[transport]
endpoint = "udp://0.0.0.0:7000"

[ingress]
new_order_queue_depth = 1024
max_new_orders_per_second = 500
max_cancels_per_second = 1000

[matcher]
arena_bytes = 131072

[persistence]
wal_path = "/tmp/tc/events.wal"
snapshot_dir = "/tmp/tc/snapshots"
wal_flush_threshold = 64

[telemetry]
enabled = false
buffer_size = 256

[engine]
snapshot_interval = 100
funding_interval_seconds = 30
idle_sleep_ms = 5

[outbound]
nats_url = "nats://localhost:4222"
api_addr = ":8080"

[[markets]]
id = 3
symbol = "ETH-PERP"

[markets.risk]
contract_size = 10
initial_margin_bp = 400
maintenance_margin_bp = 200
initial_mark_price = 2000

[markets.funding]
clamp_bp = 25
max_rate_bp = 75
`

	path := filepath.Join(t.TempDir(), "tradecore.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Transport.Endpoint != "udp://0.0.0.0:7000" {
		t.Errorf("endpoint: %q", cfg.Transport.Endpoint)
	}
	if cfg.Ingress.NewOrderQueueDepth != 1024 || cfg.Ingress.MaxNewOrdersPerSecond != 500 {
		t.Errorf("ingress: %+v", cfg.Ingress)
	}
	// Unset keys keep defaults.
	if cfg.Ingress.CancelQueueDepth != 4096 {
		t.Errorf("cancel queue depth default: %d", cfg.Ingress.CancelQueueDepth)
	}
	if cfg.Telemetry.Enabled {
		t.Error("telemetry should be disabled")
	}
	if cfg.Engine.SnapshotInterval != 100 || cfg.Engine.FundingIntervalSeconds != 30 {
		t.Errorf("engine: %+v", cfg.Engine)
	}
	if cfg.Outbound.NATSURL != "nats://localhost:4222" || cfg.Outbound.PostgresDSN != "" {
		t.Errorf("outbound: %+v", cfg.Outbound)
	}

	market := cfg.Markets[0]
	if market.ID != 3 || market.Symbol != "ETH-PERP" {
		t.Errorf("market: %+v", market)
	}
	if market.Risk.ContractSize != 10 || market.Risk.InitialMarginBp != 400 || market.Risk.InitialMarkPrice != 2000 {
		t.Errorf("market risk: %+v", market.Risk)
	}
	if market.Funding.ClampBp != 25 || market.Funding.MaxRateBp != 75 {
		t.Errorf("market funding: %+v", market.Funding)
	}
}

func TestValidationRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{"empty endpoint", func(c *config.Config) { c.Transport.Endpoint = "" }, "transport.endpoint"},
		{"zero order rate", func(c *config.Config) { c.Ingress.MaxNewOrdersPerSecond = 0 }, "ingress.max_new_orders_per_second"},
		{"zero cancel rate", func(c *config.Config) { c.Ingress.MaxCancelsPerSecond = 0 }, "ingress.max_cancels_per_second"},
		{"tiny arena", func(c *config.Config) { c.Matcher.ArenaBytes = 1024 }, "matcher.arena_bytes"},
		{"empty wal path", func(c *config.Config) { c.Persistence.WALPath = "" }, "persistence.wal_path"},
		{"empty snapshot dir", func(c *config.Config) { c.Persistence.SnapshotDir = "" }, "persistence.snapshot_dir"},
		{"zero market id", func(c *config.Config) { c.Markets[0].ID = 0 }, "markets[0].id"},
		{"zero contract size", func(c *config.Config) { c.Markets[0].Risk.ContractSize = 0 }, "markets[0].risk.contract_size"},
		{"maintenance above initial", func(c *config.Config) { c.Markets[0].Risk.MaintenanceMarginBp = 600 }, "markets[0].risk"},
		{"zero max funding rate", func(c *config.Config) { c.Markets[0].Funding.MaxRateBp = 0 }, "markets[0].funding.max_rate_bp"},
		{"bad account key", func(c *config.Config) { c.Accounts = []config.Account{{ID: 1, PublicKey: "abcd"}} }, "accounts[0].public_key"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)

			errs := config.Validate(cfg)
			if len(errs) == 0 {
				t.Fatal("expected a validation error")
			}
			found := false
			for _, err := range errs {
				if err.Field == tc.field {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %v do not mention %s", errs, tc.field)
			}
		})
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	_, err := config.LoadString(`
[transport]
endpoint = ""
`)
	if err == nil || !strings.Contains(err.Error(), "transport.endpoint") {
		t.Errorf("invalid config: got %v", err)
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	if _, err := config.LoadString("not [valid toml"); err == nil {
		t.Error("malformed TOML should fail")
	}
}

func TestEmptyMarketsFallsBackToDefault(t *testing.T) {
	cfg, err := config.LoadString(`
[transport]
endpoint = "udp://127.0.0.1:9000"
`)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Markets) != 1 || cfg.Markets[0].ID != 1 {
		t.Errorf("fallback markets: %+v", cfg.Markets)
	}
}

func TestFindPathPrefersArgument(t *testing.T) {
	if got := config.FindPath("/explicit/path.toml"); got != "/explicit/path.toml" {
		t.Errorf("explicit argument: got %q", got)
	}
}

func TestFindPathMissingEverywhere(t *testing.T) {
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	defer os.Chdir(cwd)

	// From an empty directory with no HOME, nothing resolves.
	os.Chdir(t.TempDir())
	t.Setenv("HOME", "")

	if got := config.FindPath(""); got != "" && got != "/etc/tradecore/tradecore.toml" {
		t.Errorf("unexpected config path: %q", got)
	}
}

func TestFindPathCurrentDirectory(t *testing.T) {
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	defer os.Chdir(cwd)

	dir := t.TempDir()
	path := filepath.Join(dir, "tradecore.toml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	os.Chdir(dir)

	if got := config.FindPath(""); got != "./tradecore.toml" {
		t.Errorf("cwd config: got %q", got)
	}
}
