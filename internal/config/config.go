package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the toml run configuration.
type Config struct {
	Run  RunConfig  `toml:"run"`
	Eval EvalConfig `toml:"eval"`
	LLM  LLMConfig  `toml:"llm"`

	Path string `toml:"-"`
}

type RunConfig struct {
	MaxTimesteps       int    `toml:"max_timesteps"`
	TaskBatchTimeoutMS int    `toml:"task_batch_timeout_ms"`
	Seed               int64  `toml:"seed"`
	DBPath             string `toml:"db_path"`
}

type EvalConfig struct {
	MaxConcurrentRubrics int   `toml:"max_concurrent_rubrics"`
	RubricTimeoutMS      int   `toml:"rubric_timeout_ms"`
	SelectedTimesteps    []int `toml:"selected_timesteps"`
}

type LLMConfig struct {
	BaseURL    string `toml:"base_url"`
	Model      string `toml:"model"`
	APIKeyEnv  string `toml:"api_key_env"`
	MaxRetries int    `toml:"max_retries"`
	TimeoutMS  int    `toml:"timeout_ms"`
}

func (c Config) withDefaults() Config {
	if c.Run.MaxTimesteps <= 0 {
		c.Run.MaxTimesteps = 50
	}
	if c.Run.TaskBatchTimeoutMS <= 0 {
		c.Run.TaskBatchTimeoutMS = 300_000
	}
	if c.Run.Seed == 0 {
		c.Run.Seed = 42
	}
	if c.Run.DBPath == "" {
		c.Run.DBPath = "managym.db"
	}
	if c.Eval.MaxConcurrentRubrics <= 0 {
		c.Eval.MaxConcurrentRubrics = 100
	}
	if c.Eval.RubricTimeoutMS <= 0 {
		c.Eval.RubricTimeoutMS = 600_000
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "MANAGYM_API_KEY"
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.TimeoutMS <= 0 {
		c.LLM.TimeoutMS = 60_000
	}
	return c
}

// Load reads and decodes a toml config. An empty path falls back to the
// default location; a missing file there yields pure defaults.
func Load(path string) (Config, error) {
	resolved := path
	usingDefault := false
	if resolved == "" {
		resolved = defaultConfigPath()
		usingDefault = true
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if usingDefault && os.IsNotExist(err) {
			return Config{}.withDefaults(), nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg = cfg.withDefaults()
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".managym/config.toml"
	}
	return filepath.Join(home, ".managym", "config.toml")
}
