package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ksred/klear-executor/internal/adapter"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the configuration file inside the data directory
	FileName = "config.yaml"

	DefaultAPIURL    = "https://tradetracer.ai"
	DefaultDataDir   = "./data"
	MaskedKey        = "***"
	defaultAdapter   = "sandbox"
	defaultPoll      = 60
	defaultTimeout   = 30
	defaultAttempts  = 3
	defaultBase      = 5
	defaultMaxDelay  = 300
	defaultWorkers   = 4
	defaultRateLimit = 5.0
	defaultBreaker   = 5
	defaultCooldown  = 30
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the executor's persisted settings. Durations are whole seconds
// so the file stays hand-editable.
type Config struct {
	APIKey        string           `yaml:"api_key" json:"api_key"`
	APIURL        string           `yaml:"api_url" json:"api_url"`
	Adapter       string           `yaml:"adapter" json:"adapter"`
	AdapterConfig adapter.Settings `yaml:"adapter_config" json:"adapter_config"`

	PollInterval int `yaml:"poll_interval" json:"poll_interval"`
	CallTimeout  int `yaml:"call_timeout" json:"call_timeout"`

	MaxAttempts       int  `yaml:"max_attempts" json:"max_attempts"`
	MaxReportAttempts int  `yaml:"max_report_attempts" json:"max_report_attempts"`
	BackoffBase       int  `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax        int  `yaml:"backoff_max" json:"backoff_max"`
	Workers           int  `yaml:"workers" json:"workers"`
	ResubmitAmbiguous bool `yaml:"resubmit_ambiguous" json:"resubmit_ambiguous"`
	RetentionDays     int  `yaml:"retention_days" json:"retention_days"`

	RateLimit        float64 `yaml:"rate_limit" json:"rate_limit"`
	BreakerThreshold int     `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldown  int     `yaml:"breaker_cooldown" json:"breaker_cooldown"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// DataDir is where the config, ledger and adapter state live. It is
	// chosen at startup and never read from the file itself.
	DataDir string `yaml:"-" json:"data_dir"`
}

// Default returns a config with every field at its default
func Default() *Config {
	return &Config{
		APIURL:           DefaultAPIURL,
		Adapter:          defaultAdapter,
		AdapterConfig:    adapter.Settings{},
		PollInterval:     defaultPoll,
		CallTimeout:      defaultTimeout,
		MaxAttempts:      defaultAttempts,
		BackoffBase:      defaultBase,
		BackoffMax:       defaultMaxDelay,
		Workers:          defaultWorkers,
		RateLimit:        defaultRateLimit,
		BreakerThreshold: defaultBreaker,
		BreakerCooldown:  defaultCooldown,
		LogLevel:         "info",
		DataDir:          DefaultDataDir,
	}
}

// Path returns the config file location inside dataDir
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// Load reads config.yaml from dataDir, falling back to defaults when the file
// does not exist, then applies environment overrides. The result is not
// validated: an incomplete config is reported through IsValid so an operator
// can fix it at runtime.
func Load(dataDir string) (*Config, error) {
	if env := os.Getenv("EXECUTOR_DATA_DIR"); env != "" {
		dataDir = env
	}
	if dataDir == "" {
		dataDir = DefaultDataDir
	}

	cfg := Default()
	data, err := os.ReadFile(Path(dataDir))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", Path(dataDir), err)
		}
	}

	cfg.DataDir = dataDir
	if cfg.AdapterConfig == nil {
		cfg.AdapterConfig = adapter.Settings{}
	}
	overrideWithEnv(cfg)
	return cfg, nil
}

// Environment variables win over the file so secrets can stay out of it
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("EXECUTOR_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if u := os.Getenv("EXECUTOR_API_URL"); u != "" {
		cfg.APIURL = u
	}
	if name := os.Getenv("EXECUTOR_ADAPTER"); name != "" {
		cfg.Adapter = name
	}
	if v := os.Getenv("EXECUTOR_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollInterval = n
		}
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
}

// Save writes the config atomically: a temp file in the same directory is
// synced and renamed over config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp, err := os.CreateTemp(c.DataDir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return os.Rename(tmp.Name(), Path(c.DataDir))
}

// Validate reports the first problem that would stop the executor from running
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: api_key is required", ErrInvalid)
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: api_url %q must be an http(s) URL", ErrInvalid, c.APIURL)
	}
	if c.Adapter == "" {
		return fmt.Errorf("%w: adapter is required", ErrInvalid)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalid)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("%w: call_timeout must be positive", ErrInvalid)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalid)
	}
	if c.MaxReportAttempts < 0 {
		return fmt.Errorf("%w: max_report_attempts must not be negative", ErrInvalid)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("%w: backoff_base must be positive and not above backoff_max", ErrInvalid)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1", ErrInvalid)
	}
	if c.RateLimit < 0 || c.BreakerThreshold < 0 || c.BreakerCooldown < 0 || c.RetentionDays < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalid)
	}
	return nil
}

func (c *Config) IsValid() bool {
	return c.Validate() == nil
}

// Masked returns a copy safe to show operators
func (c *Config) Masked() *Config {
	cp := c.Clone()
	if cp.APIKey != "" {
		cp.APIKey = MaskedKey
	}
	return cp
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	cp := *c
	cp.AdapterConfig = make(adapter.Settings, len(c.AdapterConfig))
	for k, v := range c.AdapterConfig {
		cp.AdapterConfig[k] = v
	}
	return &cp
}

func (c *Config) PollDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

func (c *Config) CallTimeoutDuration() time.Duration {
	return time.Duration(c.CallTimeout) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
