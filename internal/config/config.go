// Package config provides the configuration schema, loader, provider
// registry, and hot-reload watcher for the mnemo gateway.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mnemo-ai/mnemo/internal/engine"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// WindowSet selects a predefined temporal-window layout for retrieval.
type WindowSet string

const (
	// WindowsStandard is the four-window layout with an unbounded archive.
	WindowsStandard WindowSet = "standard"

	// WindowsCompact is the three-window layout that drops memories older
	// than ninety days from retrieval.
	WindowsCompact WindowSet = "compact"
)

// IsValid reports whether w is a recognised window set.
func (w WindowSet) IsValid() bool {
	return w == WindowsStandard || w == WindowsCompact
}

// Defs returns the window definitions for the set. The zero value maps to
// the standard layout.
func (w WindowSet) Defs() []engine.WindowDef {
	if w == WindowsCompact {
		return engine.CompactWindows()
	}
	return engine.DefaultWindows()
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "72h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for the gateway.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Engine     EngineConfig     `yaml:"engine"`
	Billing    BillingConfig    `yaml:"billing"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// ServerConfig holds network, logging, and rate-limit settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// RateRPS is the per-caller sustained request rate on the inference
	// endpoints. Zero means the package default; negative disables limiting.
	RateRPS float64 `yaml:"rate_rps"`

	// RateBurst is the per-caller burst size. Zero means the package default.
	RateBurst int `yaml:"rate_burst"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// DatabaseConfig holds the relational store settings.
type DatabaseConfig struct {
	// PostgresDSN is the PostgreSQL connection string for the control-plane
	// and pgvector memory store. Empty selects the in-memory store, which
	// loses everything on restart.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RedisConfig holds the embedding-cache backend settings. An empty Addr
// selects the in-process cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// TTL bounds how long cached embedding vectors live. Zero means the
	// cache default.
	TTL Duration `yaml:"ttl"`
}

// EmbeddingsConfig selects and configures the embedding provider. Name is
// used to look up the constructor in the [Registry].
type EmbeddingsConfig struct {
	// Name selects the registered provider implementation (e.g., "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the embedding model (e.g., "text-embedding-3-small").
	Model string `yaml:"model"`

	// Dimensions is the vector dimension of the model's output. Must match
	// the width of the vector index.
	Dimensions int `yaml:"dimensions"`
}

// EngineConfig tunes the retrieval engine.
type EngineConfig struct {
	// Windows selects the temporal-window layout. Empty means "standard".
	Windows WindowSet `yaml:"windows"`

	// Oversample is the per-window over-fetch factor. Zero means the engine
	// default.
	Oversample int `yaml:"oversample"`

	// ScoreFloor is the minimum decayed score a candidate needs to qualify.
	// Zero means the engine default.
	ScoreFloor float64 `yaml:"score_floor"`

	// Budget bounds one retrieval pass. Zero means the engine default.
	Budget Duration `yaml:"budget"`
}

// BillingConfig holds quota, pricing, and reporting settings.
type BillingConfig struct {
	// FreeAllowance is the lifetime token allowance for FREE owners. Zero
	// means the billing default.
	FreeAllowance int64 `yaml:"free_allowance"`

	// PricePerMTok is the USD price per million stored tokens. Zero means
	// the billing default.
	PricePerMTok float64 `yaml:"price_per_mtok"`

	// GraceWindow is how long service continues after a failed payment.
	// Zero means the billing default.
	GraceWindow Duration `yaml:"grace_window"`

	// ReportSchedule is the cron expression for the usage reporter. Empty
	// means the reporter default (hourly).
	ReportSchedule string `yaml:"report_schedule"`

	// WebhookSecret is the shared HMAC secret for the subscription-events
	// intake. Empty rejects every delivery.
	WebhookSecret string `yaml:"webhook_secret"`
}

// RetentionConfig controls the background sweep that ages memories out of
// the index.
type RetentionConfig struct {
	// Horizon is the maximum memory age; zero disables the sweep.
	Horizon Duration `yaml:"horizon"`

	// Schedule is the cron expression for the sweep. Empty means the
	// retention default (daily).
	Schedule string `yaml:"schedule"`
}
