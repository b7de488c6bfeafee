// Package config loads server configuration from an optional YAML file
// overlaid by environment variables. Command-line flags are applied by the
// caller on top of the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jaswinder6991/teeproof/inference"
	"github.com/jaswinder6991/teeproof/jwks"
	"github.com/jaswinder6991/teeproof/session"
)

// Archive backends.
const (
	ArchiveMemory   = "memory"
	ArchiveBBolt    = "bbolt"
	ArchivePostgres = "postgres"
)

// EnvPrefix prefixes every environment override except the backend API key.
const EnvPrefix = "TEEPROOF_"

// Config is the full server configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Backend      BackendConfig      `yaml:"backend"`
	NRAS         NRASConfig         `yaml:"nras"`
	Session      SessionConfig      `yaml:"session"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Audit        AuditConfig        `yaml:"audit"`
	Verification VerificationConfig `yaml:"verification"`
}

type ServerConfig struct {
	Port             int      `yaml:"port" validate:"min=1,max=65535"`
	TLSCert          string   `yaml:"tls_cert" validate:"required_with=TLSKey"`
	TLSKey           string   `yaml:"tls_key" validate:"required_with=TLSCert"`
	TrustedProxies   []string `yaml:"trusted_proxies" validate:"dive,cidr|ip"`
	DisableRateLimit bool     `yaml:"disable_rate_limit"`
}

type BackendConfig struct {
	BaseURL         string        `yaml:"base_url" validate:"required,url"`
	ExpectationsTTL time.Duration `yaml:"expectations_ttl" validate:"gte=0"`

	// APIKey is only read from the environment. The inference client moves
	// it into an enclave and wipes this slice.
	APIKey []byte `yaml:"-"`
}

// NRASConfig only tunes key caching. The authority endpoints, audience and
// call timeout are compiled into the nras, jwks and attestation packages.
type NRASConfig struct {
	JWKSTTL time.Duration `yaml:"jwks_ttl" validate:"gte=0"`
}

// SessionConfig tunes the sweeper. The session lifetime is fixed at
// session.DefaultTTL.
type SessionConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gte=0"`
}

type ArchiveConfig struct {
	Backend     string `yaml:"backend" validate:"oneof=memory bbolt postgres"`
	DataDir     string `yaml:"data_dir" validate:"required_if=Backend bbolt"`
	PostgresDSN string `yaml:"postgres_dsn" validate:"required_if=Backend postgres"`
}

type AuditConfig struct {
	WebhookURL        string `yaml:"webhook_url" validate:"omitempty,url"`
	WebhookAuthHeader string `yaml:"webhook_auth_header" validate:"omitempty,contains=:"`
	Alerts            bool   `yaml:"alerts"`
}

type VerificationConfig struct {
	RequireCPU    bool          `yaml:"require_cpu"`
	RetryAttempts int           `yaml:"retry_attempts" validate:"min=1,max=10"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Backend: BackendConfig{
			BaseURL:         inference.DefaultBaseURL,
			ExpectationsTTL: inference.DefaultExpectationsTTL,
		},
		NRAS: NRASConfig{
			JWKSTTL: jwks.DefaultTTL,
		},
		Session: SessionConfig{
			CleanupInterval: session.DefaultCleanupInterval,
		},
		Archive: ArchiveConfig{
			Backend: ArchiveMemory,
			DataDir: "./data",
		},
		Verification: VerificationConfig{
			RetryAttempts: 3,
			RetryBackoff:  time.Second,
		},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides. The result is not validated.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overlays TEEPROOF_* variables and the backend API key.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	num("PORT", &cfg.Server.Port)
	str("TLS_CERT", &cfg.Server.TLSCert)
	str("TLS_KEY", &cfg.Server.TLSKey)
	if v, ok := lookup(EnvPrefix + "TRUSTED_PROXIES"); ok && v != "" {
		cfg.Server.TrustedProxies = splitList(v)
	}
	flag("DISABLE_RATE_LIMIT", &cfg.Server.DisableRateLimit)

	str("BACKEND_URL", &cfg.Backend.BaseURL)
	dur("EXPECTATIONS_TTL", &cfg.Backend.ExpectationsTTL)

	dur("JWKS_TTL", &cfg.NRAS.JWKSTTL)

	dur("SESSION_CLEANUP_INTERVAL", &cfg.Session.CleanupInterval)

	str("ARCHIVE", &cfg.Archive.Backend)
	str("DATA_DIR", &cfg.Archive.DataDir)
	str("POSTGRES_DSN", &cfg.Archive.PostgresDSN)

	str("AUDIT_WEBHOOK", &cfg.Audit.WebhookURL)
	str("AUDIT_WEBHOOK_AUTH", &cfg.Audit.WebhookAuthHeader)
	flag("AUDIT_ALERTS", &cfg.Audit.Alerts)

	flag("REQUIRE_CPU", &cfg.Verification.RequireCPU)
	num("RETRY_ATTEMPTS", &cfg.Verification.RetryAttempts)
	dur("RETRY_BACKOFF", &cfg.Verification.RetryBackoff)

	if v, ok := lookup(inference.APIKeyEnv); ok && v != "" {
		cfg.Backend.APIKey = []byte(v)
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration and reports every invalid field.
func (c Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
