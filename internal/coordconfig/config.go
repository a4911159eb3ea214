package coordconfig

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nevindra/oasis/coord"
)

// Config is the on-disk/env shape for a sidecar instance. It is converted
// to coord.Config plus connection settings via Build.
type Config struct {
	Agent      AgentConfig      `toml:"agent"`
	Database   DatabaseConfig   `toml:"database"`
	Gateway    GatewayConfig    `toml:"gateway"`
	Round      RoundConfig      `toml:"round"`
	Filter     FilterConfig     `toml:"filter"`
	Backoff    BackoffConfig    `toml:"backoff"`
	Observer   ObserverConfig   `toml:"observer"`
}

type AgentConfig struct {
	Name        string `toml:"name"`
	BotID       string `toml:"bot_id"`
	CoordChatID string `toml:"coord_chat_id"`
}

type DatabaseConfig struct {
	// Driver selects the durable-store backend: "postgres" (pgx/v5,
	// LISTEN/NOTIFY fast path) or "sqlite" (modernc.org/sqlite, poll-only).
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
	Path   string `toml:"path"`
}

type GatewayConfig struct {
	Model        string `toml:"model"`
	HaikuModel   string `toml:"haiku_model"`
	APIKey       string `toml:"api_key"`
}

type RoundConfig struct {
	MaxRoundDurationMS      int `toml:"max_round_duration_ms"`
	CleanupDurationMS       int `toml:"cleanup_duration_ms"`
	DedupIDTTLMinutes       int `toml:"dedup_id_ttl_minutes"`
	DedupContentTTLMS       int `toml:"dedup_content_ttl_ms"`
	GatewayInflightMax      int `toml:"gateway_inflight_max"`
	Layer2InflightMax       int `toml:"layer2_inflight_max"`
	DepthCap                int `toml:"depth_cap"`
	PendingBackstopMS       int `toml:"pending_backstop_ms"`
	DeferBackstopMS         int `toml:"defer_backstop_ms"`
	SynthesisWaitTimeoutMS  int `toml:"synthesis_wait_timeout_ms"`
	SynthesisPollIntervalMS int `toml:"synthesis_poll_interval_ms"`
	DispatchedTTLMS         int `toml:"dispatched_ttl_ms"`
	GatewayCallTimeoutMS    int `toml:"gateway_call_timeout_ms"`
	HealthPollIntervalMS    int `toml:"health_poll_interval_ms"`
	SafetyNetPollIntervalMS int `toml:"safety_net_poll_interval_ms"`
}

type FilterConfig struct {
	Gap     float64 `toml:"gap"`
	Overlap float64 `toml:"overlap"`
	High    float64 `toml:"high"`
	Low     float64 `toml:"low"`
	Synth   float64 `toml:"synth"`
	Epsilon float64 `toml:"epsilon"`
}

type BackoffConfig struct {
	InitialMS int     `toml:"initial_ms"`
	MaxMS     int     `toml:"max_ms"`
	Factor    float64 `toml:"factor"`
	Jitter    float64 `toml:"jitter"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with spec §6's defaults applied, mirroring
// internal/config's Default().
func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "coord.db"},
		Gateway:  GatewayConfig{Model: "gemini-2.5-flash", HaikuModel: "gemini-2.5-flash-lite"},
		Round: RoundConfig{
			MaxRoundDurationMS:      15000,
			CleanupDurationMS:       30000,
			DedupIDTTLMinutes:       12,
			DedupContentTTLMS:       5000,
			GatewayInflightMax:      3,
			Layer2InflightMax:       2,
			DepthCap:                6,
			PendingBackstopMS:       10000,
			DeferBackstopMS:         8000,
			SynthesisWaitTimeoutMS:  15000,
			SynthesisPollIntervalMS: 500,
			DispatchedTTLMS:         60000,
			GatewayCallTimeoutMS:    15000,
			HealthPollIntervalMS:    60000,
			SafetyNetPollIntervalMS: 5000,
		},
		Filter: FilterConfig{Gap: 0.3, Overlap: 0.5, High: 0.5, Low: 0.3, Synth: 0.7, Epsilon: 0.01},
		Backoff: BackoffConfig{InitialMS: 2000, MaxMS: 60000, Factor: 2, Jitter: 0.2},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins), matching
// internal/config.Load's layering.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "coord.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("COORD_AGENT_NAME"); v != "" {
		cfg.Agent.Name = v
	}
	if v := os.Getenv("COORD_BOT_ID"); v != "" {
		cfg.Agent.BotID = v
	}
	if v := os.Getenv("COORD_COORD_CHAT_ID"); v != "" {
		cfg.Agent.CoordChatID = v
	}
	if v := os.Getenv("COORD_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("COORD_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("COORD_GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("COORD_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// Build converts the on-disk shape into coord.Config, falling back to
// coord.DefaultConfig() values for anything left zero.
func Build(c Config) coord.Config {
	def := coord.DefaultConfig()
	r := c.Round

	return coord.Config{
		MaxRoundDuration:      msOr(r.MaxRoundDurationMS, def.MaxRoundDuration),
		CleanupDuration:       msOr(r.CleanupDurationMS, def.CleanupDuration),
		DedupIDTTL:            minutesOr(r.DedupIDTTLMinutes, def.DedupIDTTL),
		DedupContentTTL:       msOr(r.DedupContentTTLMS, def.DedupContentTTL),
		GatewayInflightMax:    intOr(r.GatewayInflightMax, def.GatewayInflightMax),
		Layer2InflightMax:     intOr(r.Layer2InflightMax, def.Layer2InflightMax),
		DepthCap:              intOr(r.DepthCap, def.DepthCap),
		Thresholds:            buildThresholds(c.Filter, def.Thresholds),
		Backoff:               buildBackoff(c.Backoff, def.Backoff),
		PendingBackstop:       msOr(r.PendingBackstopMS, def.PendingBackstop),
		DeferBackstop:         msOr(r.DeferBackstopMS, def.DeferBackstop),
		SynthesisWaitTimeout:  msOr(r.SynthesisWaitTimeoutMS, def.SynthesisWaitTimeout),
		SynthesisPollInterval: msOr(r.SynthesisPollIntervalMS, def.SynthesisPollInterval),
		DispatchedTTL:         msOr(r.DispatchedTTLMS, def.DispatchedTTL),
		GatewayCallTimeout:    msOr(r.GatewayCallTimeoutMS, def.GatewayCallTimeout),
		HealthPollInterval:    msOr(r.HealthPollIntervalMS, def.HealthPollInterval),
		SafetyNetPollInterval: msOr(r.SafetyNetPollIntervalMS, def.SafetyNetPollInterval),
		IDWindowStaleness:     minutesOr(r.DedupIDTTLMinutes, def.IDWindowStaleness),
	}
}

func buildThresholds(f FilterConfig, def coord.FilterThresholds) coord.FilterThresholds {
	if f == (FilterConfig{}) {
		return def
	}
	return coord.FilterThresholds{
		Gap: floatOr(f.Gap, def.Gap), Overlap: floatOr(f.Overlap, def.Overlap),
		High: floatOr(f.High, def.High), Low: floatOr(f.Low, def.Low),
		Synth: floatOr(f.Synth, def.Synth), Epsilon: floatOr(f.Epsilon, def.Epsilon),
	}
}

func buildBackoff(b BackoffConfig, def coord.BackoffConfig) coord.BackoffConfig {
	if b == (BackoffConfig{}) {
		return def
	}
	return coord.BackoffConfig{
		Initial: msOr(b.InitialMS, def.Initial),
		Max:     msOr(b.MaxMS, def.Max),
		Factor:  floatOr(b.Factor, def.Factor),
		Jitter:  floatOr(b.Jitter, def.Jitter),
	}
}

func msOr(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func minutesOr(m int, fallback time.Duration) time.Duration {
	if m <= 0 {
		return fallback
	}
	return time.Duration(m) * time.Minute
}

func intOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func floatOr(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

// ParseBool mirrors internal/config's loose boolean env parsing.
func ParseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
