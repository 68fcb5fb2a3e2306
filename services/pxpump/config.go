package pxpump

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for pxpump.
type Config struct {
	ListenAddress string            `yaml:"listen"`
	Environment   string            `yaml:"environment"`
	LogLevel      string            `yaml:"log_level"`
	Optiond       OptiondConfig     `yaml:"optiond"`
	Source        SourceConfig      `yaml:"source"`
	Decimals      uint32            `yaml:"decimals"`
	Interval      Duration          `yaml:"interval"`
	MaxAge        Duration          `yaml:"max_age"`
	Flags         map[string]uint32 `yaml:"flags"`
}

// OptiondConfig locates the node and the oracle the pump feeds.
type OptiondConfig struct {
	URL          string   `yaml:"url"`
	Oracle       string   `yaml:"oracle"`
	Keystore     string   `yaml:"keystore"`
	KeystorePass string   `yaml:"keystore_passphrase_env"`
	Token        string   `yaml:"operator_token"`
	TokenFile    string   `yaml:"operator_token_file"`
	Timeout      Duration `yaml:"timeout"`
}

// SourceConfig describes the upstream quote endpoint.
type SourceConfig struct {
	Name    string   `yaml:"name"`
	URL     string   `yaml:"url"`
	Symbol  string   `yaml:"symbol"`
	Timeout Duration `yaml:"timeout"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Optiond.normalise(); err != nil {
		return cfg, fmt.Errorf("optiond: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":9102"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Interval.Duration == 0 {
		cfg.Interval.Duration = time.Minute
	}
	if cfg.MaxAge.Duration == 0 {
		cfg.MaxAge.Duration = 5 * time.Minute
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = 2
	}
	if cfg.Optiond.Oracle == "" {
		cfg.Optiond.Oracle = "default"
	}
	if cfg.Optiond.KeystorePass == "" {
		cfg.Optiond.KeystorePass = "PXPUMP_KEYSTORE_PASSPHRASE"
	}
	if cfg.Optiond.Timeout.Duration == 0 {
		cfg.Optiond.Timeout.Duration = 10 * time.Second
	}
	if cfg.Source.Timeout.Duration == 0 {
		cfg.Source.Timeout.Duration = 10 * time.Second
	}
	if cfg.Source.Name == "" {
		cfg.Source.Name = "http"
	}
	cfg.Flags = FlagTable(cfg.Flags)
}

func validateConfig(cfg Config) error {
	if _, err := url.ParseRequestURI(strings.TrimSpace(cfg.Optiond.URL)); err != nil {
		return fmt.Errorf("optiond url must be configured: %w", err)
	}
	if _, err := url.ParseRequestURI(strings.TrimSpace(cfg.Source.URL)); err != nil {
		return fmt.Errorf("source url must be configured: %w", err)
	}
	if strings.TrimSpace(cfg.Source.Symbol) == "" {
		return fmt.Errorf("source symbol must be configured")
	}
	if strings.TrimSpace(cfg.Optiond.Keystore) == "" {
		return fmt.Errorf("keystore must be configured")
	}
	if cfg.Decimals > 18 {
		return fmt.Errorf("decimals must not exceed 18")
	}
	if cfg.Interval.Duration < time.Second {
		return fmt.Errorf("interval must be at least 1s")
	}
	return nil
}

func (o *OptiondConfig) normalise() error {
	o.URL = strings.TrimSpace(o.URL)
	o.Oracle = strings.TrimSpace(o.Oracle)
	o.Keystore = strings.TrimSpace(o.Keystore)
	token := strings.TrimSpace(o.Token)
	if path := strings.TrimSpace(o.TokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read operator_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	o.Token = token
	return nil
}
