// Package config loads and validates the engine's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// TransportConfig names the datagram listen endpoint.
type TransportConfig struct {
	Endpoint string `toml:"endpoint"`
}

// IngressConfig sizes the admission queues and rate caps.
type IngressConfig struct {
	NewOrderQueueDepth    int    `toml:"new_order_queue_depth"`
	CancelQueueDepth      int    `toml:"cancel_queue_depth"`
	ReplaceQueueDepth     int    `toml:"replace_queue_depth"`
	MaxNewOrdersPerSecond uint32 `toml:"max_new_orders_per_second"`
	MaxCancelsPerSecond   uint32 `toml:"max_cancels_per_second"`
	MaxReplacesPerSecond  uint32 `toml:"max_replaces_per_second"`
}

// MatcherConfig sizes the order record arena.
type MatcherConfig struct {
	ArenaBytes int `toml:"arena_bytes"`
}

// PersistenceConfig locates the WAL and snapshot files.
type PersistenceConfig struct {
	WALPath           string `toml:"wal_path"`
	SnapshotDir       string `toml:"snapshot_dir"`
	WALFlushThreshold int    `toml:"wal_flush_threshold"`
}

// TelemetryConfig gates metrics exposure and feed buffering.
type TelemetryConfig struct {
	Enabled    bool `toml:"enabled"`
	BufferSize int  `toml:"buffer_size"`
}

// EngineConfig tunes the event loop cadence.
type EngineConfig struct {
	SnapshotInterval       uint64 `toml:"snapshot_interval"`
	FundingIntervalSeconds int64  `toml:"funding_interval_seconds"`
	IdleSleepMs            int    `toml:"idle_sleep_ms"`
}

// OutboundConfig wires optional dissemination sinks. Empty values
// disable the sink.
type OutboundConfig struct {
	NATSURL     string `toml:"nats_url"`
	PostgresDSN string `toml:"postgres_dsn"`
	APIAddr     string `toml:"api_addr"`
}

// MarketRisk is the per-market margin schedule.
type MarketRisk struct {
	ContractSize        int64 `toml:"contract_size"`
	InitialMarginBp     int32 `toml:"initial_margin_bp"`
	MaintenanceMarginBp int32 `toml:"maintenance_margin_bp"`
	InitialMarkPrice    int64 `toml:"initial_mark_price"`
}

// MarketFunding bounds the per-market funding computation.
type MarketFunding struct {
	ClampBp   int64 `toml:"clamp_bp"`
	MaxRateBp int64 `toml:"max_rate_bp"`
	// IndexPrice seeds the funding index until an oracle feed is
	// attached; zero falls back to the risk initial mark.
	IndexPrice int64 `toml:"index_price"`
}

// Market declares one tradable perpetual market.
type Market struct {
	ID      uint32        `toml:"id"`
	Symbol  string        `toml:"symbol"`
	Risk    MarketRisk    `toml:"risk"`
	Funding MarketFunding `toml:"funding"`
}

// Account registers a client signing key. When any accounts are
// configured the ingress pipeline verifies frame signatures.
type Account struct {
	ID        uint64 `toml:"id"`
	PublicKey string `toml:"public_key"` // 32 bytes, hex
}

// Config is the full engine configuration.
type Config struct {
	Transport   TransportConfig   `toml:"transport"`
	Ingress     IngressConfig     `toml:"ingress"`
	Matcher     MatcherConfig     `toml:"matcher"`
	Persistence PersistenceConfig `toml:"persistence"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
	Engine      EngineConfig      `toml:"engine"`
	Outbound    OutboundConfig    `toml:"outbound"`
	Markets     []Market          `toml:"markets"`
	Accounts    []Account         `toml:"accounts"`
}

// ValidationError names one rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the built-in configuration used when no file is
// found.
func Default() Config {
	return Config{
		Transport: TransportConfig{Endpoint: "quic://127.0.0.1:9000"},
		Ingress: IngressConfig{
			NewOrderQueueDepth:    4096,
			CancelQueueDepth:      4096,
			ReplaceQueueDepth:     4096,
			MaxNewOrdersPerSecond: 10_000,
			MaxCancelsPerSecond:   20_000,
			MaxReplacesPerSecond:  10_000,
		},
		Matcher: MatcherConfig{ArenaBytes: 1 << 20},
		Persistence: PersistenceConfig{
			WALPath:           "/var/lib/tradecore/events.wal",
			SnapshotDir:       "/var/lib/tradecore/snapshots",
			WALFlushThreshold: 128,
		},
		Telemetry: TelemetryConfig{Enabled: true, BufferSize: 1024},
		Engine: EngineConfig{
			SnapshotInterval:       256,
			FundingIntervalSeconds: 60,
			IdleSleepMs:            10,
		},
		Markets: []Market{{
			ID:     1,
			Symbol: "BTC-PERP",
			Risk: MarketRisk{
				ContractSize:        1,
				InitialMarginBp:     500,
				MaintenanceMarginBp: 300,
				InitialMarkPrice:    100_000,
			},
			Funding: MarketFunding{ClampBp: 50, MaxRateBp: 100},
		}},
	}
}

// Load reads and validates a TOML config file. Unset keys keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	cfg.Markets = nil

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.Markets) == 0 {
		cfg.Markets = Default().Markets
	}
	if errs := Validate(cfg); len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %s (%d validation errors)", errs[0].Error(), len(errs))
	}
	return cfg, nil
}

// LoadString parses config from a TOML string (tests, generated
// defaults).
func LoadString(content string) (Config, error) {
	cfg := Default()
	cfg.Markets = nil

	if _, err := toml.Decode(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if len(cfg.Markets) == 0 {
		cfg.Markets = Default().Markets
	}
	if errs := Validate(cfg); len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %s (%d validation errors)", errs[0].Error(), len(errs))
	}
	return cfg, nil
}

// Validate applies the structural rules and returns every violation.
func Validate(cfg Config) []ValidationError {
	var errs []ValidationError

	if cfg.Transport.Endpoint == "" {
		errs = append(errs, ValidationError{"transport.endpoint", "endpoint cannot be empty"})
	}
	if cfg.Ingress.MaxNewOrdersPerSecond == 0 {
		errs = append(errs, ValidationError{"ingress.max_new_orders_per_second", "must be greater than 0"})
	}
	if cfg.Ingress.MaxCancelsPerSecond == 0 {
		errs = append(errs, ValidationError{"ingress.max_cancels_per_second", "must be greater than 0"})
	}
	if cfg.Matcher.ArenaBytes < 1<<16 {
		errs = append(errs, ValidationError{"matcher.arena_bytes", "must be at least 64KB"})
	}
	if cfg.Persistence.WALPath == "" {
		errs = append(errs, ValidationError{"persistence.wal_path", "wal_path cannot be empty"})
	}
	if cfg.Persistence.SnapshotDir == "" {
		errs = append(errs, ValidationError{"persistence.snapshot_dir", "snapshot_dir cannot be empty"})
	}

	for i, market := range cfg.Markets {
		prefix := fmt.Sprintf("markets[%d]", i)

		if market.ID == 0 {
			errs = append(errs, ValidationError{prefix + ".id", "market id must be greater than 0"})
		}
		if market.Risk.ContractSize <= 0 {
			errs = append(errs, ValidationError{prefix + ".risk.contract_size", "must be positive"})
		}
		if market.Risk.InitialMarginBp <= 0 {
			errs = append(errs, ValidationError{prefix + ".risk.initial_margin_bp", "must be positive"})
		}
		if market.Risk.MaintenanceMarginBp <= 0 {
			errs = append(errs, ValidationError{prefix + ".risk.maintenance_margin_bp", "must be positive"})
		}
		if market.Risk.MaintenanceMarginBp > market.Risk.InitialMarginBp {
			errs = append(errs, ValidationError{prefix + ".risk", "maintenance_margin_bp must be <= initial_margin_bp"})
		}
		if market.Funding.MaxRateBp <= 0 {
			errs = append(errs, ValidationError{prefix + ".funding.max_rate_bp", "must be positive"})
		}
	}

	for i, account := range cfg.Accounts {
		prefix := fmt.Sprintf("accounts[%d]", i)
		if account.ID == 0 {
			errs = append(errs, ValidationError{prefix + ".id", "account id must be greater than 0"})
		}
		if len(account.PublicKey) != 64 {
			errs = append(errs, ValidationError{prefix + ".public_key", "must be 32 bytes hex encoded"})
		}
	}

	return errs
}

// FindPath resolves the config file location: the explicit argument,
// then the working directory, system, and user config paths.
func FindPath(arg string) string {
	if arg != "" {
		return arg
	}

	candidates := []string{
		"./tradecore.toml",
		"/etc/tradecore/tradecore.toml",
	}
	if home := os.Getenv("HOME"); home != "" {
		candidates = append(candidates, filepath.Join(home, ".config/tradecore/tradecore.toml"))
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
