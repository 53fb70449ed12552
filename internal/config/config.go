package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Matching  MatchingConfig  `mapstructure:"matching"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	APIToken string `mapstructure:"api_token"`
}

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type EmbeddingConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
	MaxTokens  int    `mapstructure:"max_tokens"`
}

type GeminiConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	FastModel string `mapstructure:"fast_model"`
}

type MatchingConfig struct {
	Threshold    float64 `mapstructure:"threshold"`
	MustWeight   float64 `mapstructure:"must_weight"`
	ShouldWeight float64 `mapstructure:"should_weight"`
	NiceWeight   float64 `mapstructure:"nice_weight"`
}

type WorkerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".matchd"
	}
	return filepath.Join(home, ".matchd")
}

// Load reads configuration from matchd.yaml (working directory or
// $HOME/.matchd), applies MATCHD_* environment overrides, and validates
// the result. A missing config file is fine; defaults cover everything
// except the Gemini API key, which may legitimately stay empty (the
// explanation generator then always uses its deterministic fallback).
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 4600)
	v.SetDefault("storage.data_dir", defaultDataDir())
	v.SetDefault("embedding.base_url", "http://localhost:11434")
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.dimensions", 768)
	v.SetDefault("embedding.max_tokens", 8192)
	v.SetDefault("gemini.model", "gemini-2.5-pro")
	v.SetDefault("gemini.fast_model", "gemini-2.5-flash")
	v.SetDefault("matching.threshold", 0.6)
	v.SetDefault("matching.must_weight", 0.55)
	v.SetDefault("matching.should_weight", 0.30)
	v.SetDefault("matching.nice_weight", 0.15)
	v.SetDefault("worker.poll_interval", "500ms")
	v.SetDefault("log.level", "info")

	v.SetConfigName("matchd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(defaultDataDir())

	v.SetEnvPrefix("MATCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Matching.Threshold <= 0 || c.Matching.Threshold >= 1 {
		return fmt.Errorf("matching.threshold must be in (0,1), got %g", c.Matching.Threshold)
	}
	sum := c.Matching.MustWeight + c.Matching.ShouldWeight + c.Matching.NiceWeight
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("matching category weights must sum to 1, got %g", sum)
	}
	return nil
}
