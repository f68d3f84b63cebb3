// Package config manages the global web3cache-go configuration.
// Defaults are loaded from an embedded YAML file; the live config is stored
// in a single DB row and read/written via the ConfigStore interface. Load
// reads the row once; changes made to the row afterwards take effect at the
// next Load, while Set updates both the row and the in-memory copy.
package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Data holds the serialisable global configuration: the dispatcher's tuning
// constants (§9's "make them configurable" resolution) plus the endpoints
// the core talks to.
type Data struct {
	// Dispatcher loop tuning. Durations are milliseconds on the wire, except
	// the *_lease_seconds fields, which are seconds.
	MaxRetries        int `json:"max_retries"         yaml:"max_retries"`
	RetrySleepMS      int `json:"retry_sleep_ms"      yaml:"retry_sleep_ms"`
	DispatchSleepMS   int `json:"dispatch_sleep_ms"   yaml:"dispatch_sleep_ms"`
	RefillSleepMS     int `json:"refill_sleep_ms"     yaml:"refill_sleep_ms"`
	InitialBackoffMS  int `json:"initial_backoff_ms"  yaml:"initial_backoff_ms"`
	SteadyBackoffMS   int `json:"steady_backoff_ms"   yaml:"steady_backoff_ms"`
	MaxBackoffMS      int `json:"max_backoff_ms"      yaml:"max_backoff_ms"`
	ClaimLeaseSeconds int `json:"claim_lease_seconds" yaml:"claim_lease_seconds"`
	SentLeaseSeconds  int `json:"sent_lease_seconds"  yaml:"sent_lease_seconds"`
	BatchSize         int `json:"batch_size"          yaml:"batch_size"`

	// External collaborators.
	RealtimeURL    string `json:"realtime_url"     yaml:"realtime_url"`
	ReadServiceURL string `json:"read_service_url" yaml:"read_service_url"`

	WebhookTimeoutMS int `json:"webhook_timeout_ms" yaml:"webhook_timeout_ms"`
}

func (d Data) RetrySleep() time.Duration      { return time.Duration(d.RetrySleepMS) * time.Millisecond }
func (d Data) DispatchSleep() time.Duration   { return time.Duration(d.DispatchSleepMS) * time.Millisecond }
func (d Data) RefillSleep() time.Duration     { return time.Duration(d.RefillSleepMS) * time.Millisecond }
func (d Data) InitialBackoff() time.Duration  { return time.Duration(d.InitialBackoffMS) * time.Millisecond }
func (d Data) SteadyBackoff() time.Duration   { return time.Duration(d.SteadyBackoffMS) * time.Millisecond }
func (d Data) MaxBackoff() time.Duration      { return time.Duration(d.MaxBackoffMS) * time.Millisecond }
func (d Data) ClaimLease() time.Duration      { return time.Duration(d.ClaimLeaseSeconds) * time.Second }
func (d Data) SentLease() time.Duration       { return time.Duration(d.SentLeaseSeconds) * time.Second }
func (d Data) WebhookTimeout() time.Duration  { return time.Duration(d.WebhookTimeoutMS) * time.Millisecond }

// ConfigStore is the persistence interface for the live config row.
// Implemented by store/postgres.DB; defined here to avoid circular imports.
type ConfigStore interface {
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error
}

// Global is a thread-safe, DB-backed wrapper around Data.
type Global struct {
	mu   sync.RWMutex
	data Data
	st   ConfigStore
}

// Load initialises Global from the DB.
// If the DB row is empty/missing, the embedded default YAML is seeded.
// DISPATCH_*/WEBHOOK_TIMEOUT environment variables, if set, override the
// loaded values in memory only — they are never persisted back to the DB,
// so an operator can retune a single process without affecting the row
// every other process reads.
func Load(ctx context.Context, st ConfigStore) (*Global, error) {
	g := &Global{st: st, data: defaults()}

	raw, err := st.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		if err := g.persistDefaults(ctx); err != nil {
			return nil, err
		}
		applyEnvOverrides(&g.data)
		return g, nil
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &g.data); err != nil {
		return nil, err
	}
	applyEnvOverrides(&g.data)
	return g, nil
}

// applyEnvOverrides layers the DISPATCH_*/WEBHOOK_TIMEOUT env vars (spec §6)
// on top of d. Unset or unparseable vars are left alone; a bad value is
// logged and otherwise ignored rather than failing startup.
func applyEnvOverrides(d *Data) {
	if n, ok := envInt("DISPATCH_MAX_RETRIES"); ok {
		d.MaxRetries = n
	}
	if ms, ok := envMillis("DISPATCH_RETRY_SLEEP"); ok {
		d.RetrySleepMS = ms
	}
	if ms, ok := envMillis("DISPATCH_CYCLE_SLEEP"); ok {
		d.DispatchSleepMS = ms
	}
	if ms, ok := envMillis("DISPATCH_REFILL_SLEEP"); ok {
		d.RefillSleepMS = ms
	}
	if secs, ok := envSeconds("DISPATCH_CLAIM_TTL"); ok {
		d.ClaimLeaseSeconds = secs
	}
	if secs, ok := envSeconds("DISPATCH_SENT_TTL"); ok {
		d.SentLeaseSeconds = secs
	}
	if ms, ok := envMillis("WEBHOOK_TIMEOUT"); ok {
		d.WebhookTimeoutMS = ms
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: %s=%q: %v", key, v, err)
		return 0, false
	}
	return n, true
}

func envMillis(key string) (int, bool) {
	d, ok := envDuration(key)
	if !ok {
		return 0, false
	}
	return int(d / time.Millisecond), true
}

func envSeconds(key string) (int, bool) {
	d, ok := envDuration(key)
	if !ok {
		return 0, false
	}
	return int(d / time.Second), true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("config: %s=%q: %v", key, v, err)
		return 0, false
	}
	return d, true
}

func (g *Global) persistDefaults(ctx context.Context) error {
	b, err := json.Marshal(g.data)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	return g.st.SetConfig(ctx, m)
}

// defaults returns the built-in configuration by parsing the embedded YAML.
func defaults() Data {
	var d Data
	_ = yaml.Unmarshal(defaultYAML, &d)
	return d
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the configuration and persists it to the DB.
func (g *Global) Set(ctx context.Context, d Data) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if err := g.st.SetConfig(ctx, m); err != nil {
		return err
	}
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return nil
}
