package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"optionchain/crypto"

	"github.com/BurntSushi/toml"
)

// Config is the optiond node configuration.
type Config struct {
	ListenAddress         string       `toml:"ListenAddress"`
	DataDir               string       `toml:"DataDir"`
	Environment           string       `toml:"Environment"`
	OperatorKeystorePath  string       `toml:"OperatorKeystorePath"`
	LogLevel              string       `toml:"LogLevel"`
	LogFile               string       `toml:"LogFile,omitempty"`
	LogMaxSizeMB          int          `toml:"LogMaxSizeMB,omitempty"`
	LogMaxBackups         int          `toml:"LogMaxBackups,omitempty"`
	RateLimitPerSecond    float64      `toml:"RateLimitPerSecond"`
	RateLimitBurst        int          `toml:"RateLimitBurst"`
	ReadHeaderTimeoutSecs int          `toml:"ReadHeaderTimeoutSecs"`
	ShutdownTimeoutSecs   int          `toml:"ShutdownTimeoutSecs"`
	Instances             []Instance   `toml:"Instances"`
	Oracles               []Oracle     `toml:"Oracles"`
	Allocations           []Allocation `toml:"Allocations,omitempty"`
	AllocationsName       string       `toml:"AllocationsName,omitempty"`
	MaxRequestBodyKiB     int          `toml:"MaxRequestBodyKiB"`
	SignatureSkewSecs     int          `toml:"SignatureSkewSecs"`
	NonceWindowSecs       int          `toml:"NonceWindowSecs"`
	OperatorTokenSecret   string       `toml:"OperatorTokenSecret,omitempty"`
	OperatorTokenIssuer   string       `toml:"OperatorTokenIssuer,omitempty"`
}

// Instance names one option contract hosted by the node and the oracle it
// reads from.
type Instance struct {
	ID     string `toml:"ID"`
	Oracle string `toml:"Oracle"`
}

// Oracle names a price oracle contract. PumpUser, when set, is the address
// allowed to push quotes.
type Oracle struct {
	Name     string `toml:"Name"`
	PumpUser string `toml:"PumpUser,omitempty"`
}

// Allocation credits collateral to an address at startup. Applied once per
// AllocationsName.
type Allocation struct {
	Token   string `toml:"Token"`
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}

const (
	envListen = "OPTIOND_LISTEN"
	envData   = "OPTIOND_DATA_DIR"
	envEnv    = "OPTIOND_ENV"
	envLevel  = "OPTIOND_LOG_LEVEL"
	envRate   = "OPTIOND_RATE_LIMIT"
	envToken  = "OPTIOND_OPERATOR_TOKEN_SECRET"
)

// Load loads the configuration from the given path, creating a default one
// together with an operator keystore when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err = createDefault(path)
		if err != nil {
			return nil, err
		}
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, err
		}
		if err := ensureKeystore(path, cfg); err != nil {
			return nil, err
		}
	}

	applyDefaults(cfg)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8088"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./optiond-data"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.ReadHeaderTimeoutSecs <= 0 {
		cfg.ReadHeaderTimeoutSecs = 5
	}
	if cfg.ShutdownTimeoutSecs <= 0 {
		cfg.ShutdownTimeoutSecs = 10
	}
	if cfg.MaxRequestBodyKiB <= 0 {
		cfg.MaxRequestBodyKiB = 64
	}
	if cfg.AllocationsName == "" {
		cfg.AllocationsName = "genesis"
	}
	if cfg.SignatureSkewSecs <= 0 {
		cfg.SignatureSkewSecs = 120
	}
	if cfg.NonceWindowSecs <= 0 {
		cfg.NonceWindowSecs = 600
	}
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(envListen)); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv(envData)); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(envEnv)); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv(envLevel)); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(envToken)); v != "" {
		cfg.OperatorTokenSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(envRate)); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", envRate, err)
		}
		cfg.RateLimitPerSecond = rate
	}
	return nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file hosting a
// single instance backed by a single oracle.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:         ":8088",
		DataDir:               "./optiond-data",
		Environment:           "dev",
		OperatorKeystorePath:  keystorePath,
		LogLevel:              "info",
		RateLimitPerSecond:    20,
		RateLimitBurst:        40,
		ReadHeaderTimeoutSecs: 5,
		ShutdownTimeoutSecs:   10,
		MaxRequestBodyKiB:     64,
		SignatureSkewSecs:     120,
		NonceWindowSecs:       600,
		Instances:             []Instance{{ID: "default", Oracle: "default"}},
		Oracles:               []Oracle{{Name: "default"}},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}

// OracleByName returns the named oracle entry.
func (c *Config) OracleByName(name string) (Oracle, bool) {
	for _, o := range c.Oracles {
		if o.Name == name {
			return o, true
		}
	}
	return Oracle{}, false
}
