package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	t.Setenv("EXECUTOR_API_KEY", "")
	t.Setenv("EXECUTOR_DATA_DIR", "")
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Adapter != "sandbox" || cfg.PollInterval != 60 || cfg.MaxAttempts != 3 {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if cfg.DataDir != dir {
		t.Errorf("Expected data dir %s, got %s", dir, cfg.DataDir)
	}
	if cfg.IsValid() {
		t.Error("Expected config without api_key to be invalid")
	}
}

func TestSaveAndLoad(t *testing.T) {
	t.Setenv("EXECUTOR_API_KEY", "")
	t.Setenv("EXECUTOR_DATA_DIR", "")
	dir := t.TempDir()

	cfg := Default()
	cfg.DataDir = dir
	cfg.APIKey = "secret"
	cfg.Adapter = "paper"
	cfg.AdapterConfig["initial_cash"] = 5000
	cfg.PollInterval = 15
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != FileName {
		t.Errorf("Expected only %s in data dir, got %v", FileName, entries)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.APIKey != "secret" || loaded.Adapter != "paper" || loaded.PollInterval != 15 {
		t.Errorf("Unexpected loaded config: %+v", loaded)
	}
	if loaded.AdapterConfig.Int("initial_cash", 0) != 5000 {
		t.Errorf("Expected adapter config to round trip, got %v", loaded.AdapterConfig)
	}
	if !loaded.IsValid() {
		t.Errorf("Expected valid config, got %v", loaded.Validate())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, FileName), []byte("api_key: from-file\napi_url: http://file.example\n"), 0600)

	t.Setenv("EXECUTOR_DATA_DIR", "")
	t.Setenv("EXECUTOR_API_KEY", "from-env")
	t.Setenv("EXECUTOR_API_URL", "http://env.example")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIKey != "from-env" || cfg.APIURL != "http://env.example" {
		t.Errorf("Expected env to win, got %s %s", cfg.APIKey, cfg.APIURL)
	}
	if cfg.PollInterval != 60 {
		t.Errorf("Expected defaults for fields missing from file, got %d", cfg.PollInterval)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	t.Setenv("EXECUTOR_DATA_DIR", "")
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, FileName), []byte("poll_interval: [unclosed"), 0600)

	if _, err := Load(dir); err == nil {
		t.Error("Expected malformed config to fail")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.APIKey = "k"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing key", func(c *Config) { c.APIKey = "" }},
		{"bad url", func(c *Config) { c.APIURL = "ftp://x" }},
		{"no host", func(c *Config) { c.APIURL = "http://" }},
		{"no adapter", func(c *Config) { c.Adapter = "" }},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }},
		{"zero timeout", func(c *Config) { c.CallTimeout = 0 }},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"negative report attempts", func(c *Config) { c.MaxReportAttempts = -1 }},
		{"backoff inverted", func(c *Config) { c.BackoffMax = 1; c.BackoffBase = 10 }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"negative retention", func(c *Config) { c.RetentionDays = -1 }},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Expected base config to be valid, got %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestMaskedAndApply(t *testing.T) {
	c := Default()
	c.APIKey = "secret"
	c.AdapterConfig["seed"] = 1

	m := c.Masked()
	if m.APIKey != MaskedKey {
		t.Errorf("Expected masked key, got %q", m.APIKey)
	}
	if c.APIKey != "secret" {
		t.Error("Masking must not touch the original")
	}
	m.AdapterConfig["seed"] = 2
	if c.AdapterConfig.Int("seed", 0) != 1 {
		t.Error("Expected Masked to deep copy adapter config")
	}

	mask := MaskedKey
	poll := 5
	next := c.Apply(Update{APIKey: &mask, PollInterval: &poll})
	if next.APIKey != "secret" {
		t.Errorf("Expected masked key to keep stored key, got %q", next.APIKey)
	}
	if next.PollInterval != 5 || c.PollInterval != 60 {
		t.Errorf("Expected Apply to return an edited copy, got %d / %d", next.PollInterval, c.PollInterval)
	}

	key := "rotated"
	if got := c.Apply(Update{APIKey: &key}).APIKey; got != "rotated" {
		t.Errorf("Expected key rotation, got %q", got)
	}
}
