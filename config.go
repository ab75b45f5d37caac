package dynamicoidc

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use "5m" / "24h" forms.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RedisConfig points at the persistent store backing provider configs,
// access groups, and user records.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config is the subsystem configuration.
type Config struct {
	// BaseURL is the externally reachable origin of the application, used to
	// compose the fixed callback redirect URI.
	BaseURL string `yaml:"baseUrl"`

	// SessionSecret seals session cookies and signs state tokens. Minimum 32
	// bytes. Never logged.
	SessionSecret string `yaml:"sessionSecret"`

	// SignInPath is where callback failures redirect with a taxonomy code.
	SignInPath string `yaml:"signInPath"`

	SessionTTL        Duration `yaml:"sessionTtl"`
	ProviderCacheTTL  Duration `yaml:"providerCacheTtl"`
	DiscoveryCacheTTL Duration `yaml:"discoveryCacheTtl"`
	JWKSCacheTTL      Duration `yaml:"jwksCacheTtl"`
	HTTPTimeout       Duration `yaml:"httpTimeout"`
	RenewalInterval   Duration `yaml:"renewalInterval"`

	LogLevel string      `yaml:"logLevel"`
	Redis    RedisConfig `yaml:"redis"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields. The TTLs are independent knobs, not
// derived from one another.
func (c *Config) ApplyDefaults() {
	if c.SignInPath == "" {
		c.SignInPath = "/signin"
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = Duration(7 * 24 * time.Hour)
	}
	if c.ProviderCacheTTL == 0 {
		c.ProviderCacheTTL = Duration(5 * time.Minute)
	}
	if c.DiscoveryCacheTTL == 0 {
		c.DiscoveryCacheTTL = Duration(5 * time.Minute)
	}
	if c.JWKSCacheTTL == 0 {
		c.JWKSCacheTTL = Duration(5 * time.Minute)
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = Duration(10 * time.Second)
	}
	if c.RenewalInterval == 0 {
		c.RenewalInterval = Duration(30 * time.Minute)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("baseUrl is required")
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("baseUrl must be an absolute URL")
	}
	if len(c.SessionSecret) < minSecretLength {
		return fmt.Errorf("sessionSecret must be at least %d bytes", minSecretLength)
	}
	return nil
}

// NewLogger builds the subsystem logger.
func NewLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Logger()
}
