package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ValidEmbeddingsProviders lists known embedding provider names. Used by
// [Validate] to warn about unrecognised names.
var ValidEmbeddingsProviders = []string{"openai", "ollama"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}
	if cfg.Server.RateBurst < 0 {
		errs = append(errs, fmt.Errorf("server.rate_burst %d must not be negative", cfg.Server.RateBurst))
	}

	// Embeddings
	if cfg.Embeddings.Name != "" && !slices.Contains(ValidEmbeddingsProviders, cfg.Embeddings.Name) {
		slog.Warn("unknown embeddings provider name — may be a typo or third-party provider",
			"name", cfg.Embeddings.Name,
			"known", ValidEmbeddingsProviders,
		)
	}
	if cfg.Embeddings.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("embeddings.dimensions %d must not be negative", cfg.Embeddings.Dimensions))
	}
	if cfg.Embeddings.Name != "" && cfg.Embeddings.Dimensions == 0 {
		slog.Warn("embeddings.dimensions is not set; the provider's model default will be used")
	}

	// Engine
	if cfg.Engine.Windows != "" && !cfg.Engine.Windows.IsValid() {
		errs = append(errs, fmt.Errorf("engine.windows %q is invalid; valid values: standard, compact", cfg.Engine.Windows))
	}
	if cfg.Engine.Oversample < 0 {
		errs = append(errs, fmt.Errorf("engine.oversample %d must not be negative", cfg.Engine.Oversample))
	}
	if cfg.Engine.ScoreFloor < 0 || cfg.Engine.ScoreFloor > 1 {
		errs = append(errs, fmt.Errorf("engine.score_floor %.2f is out of range [0, 1]", cfg.Engine.ScoreFloor))
	}
	if cfg.Engine.Budget < 0 {
		errs = append(errs, fmt.Errorf("engine.budget must not be negative"))
	}

	// Billing
	if cfg.Billing.FreeAllowance < 0 {
		errs = append(errs, fmt.Errorf("billing.free_allowance %d must not be negative", cfg.Billing.FreeAllowance))
	}
	if cfg.Billing.PricePerMTok < 0 {
		errs = append(errs, fmt.Errorf("billing.price_per_mtok %.4f must not be negative", cfg.Billing.PricePerMTok))
	}
	if err := validateCron("billing.report_schedule", cfg.Billing.ReportSchedule); err != nil {
		errs = append(errs, err)
	}
	if cfg.Billing.WebhookSecret == "" {
		slog.Warn("billing.webhook_secret is empty; subscription events will be rejected")
	}

	// Retention
	if cfg.Retention.Horizon < 0 {
		errs = append(errs, fmt.Errorf("retention.horizon must not be negative"))
	}
	if err := validateCron("retention.schedule", cfg.Retention.Schedule); err != nil {
		errs = append(errs, err)
	}

	// Storage availability
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; running on the in-memory store, all state is lost on restart")
	}

	return errors.Join(errs...)
}

// validateCron checks that spec, when non-empty, parses as a standard cron
// expression.
func validateCron(field, spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%s %q is not a valid cron expression: %w", field, spec, err)
	}
	return nil
}
