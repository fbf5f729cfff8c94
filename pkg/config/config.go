// Package config loads and saves the daemon configuration. The file is JSON
// under the inklet home directory; environment variables override whatever
// the file says, so secrets can stay out of it entirely.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"

	"github.com/inklet/inklet/pkg/channels"
)

// Config is the root configuration.
type Config struct {
	Channels   ChannelsConfig   `json:"channels"`
	Classifier ClassifierConfig `json:"classifier"`
	Notify     NotifyConfig     `json:"notify"`
	Knowledge  KnowledgeConfig  `json:"knowledge"`
	Records    RecordsConfig    `json:"records"`
	Ledger     LedgerConfig     `json:"ledger"`
	Gateway    GatewayConfig    `json:"gateway"`
	Heartbeat  HeartbeatConfig  `json:"heartbeat"`
	Logging    LoggingConfig    `json:"logging"`
}

type ChannelsConfig struct {
	Slack    channels.SlackConfig    `json:"slack"`
	Telegram channels.TelegramConfig `json:"telegram"`
}

type ClassifierConfig struct {
	// Provider selects the LLM backend: "anthropic" or "openai".
	Provider string `json:"provider" env:"INKLET_CLASSIFIER_PROVIDER"`
	APIKey   string `json:"api_key,omitempty" env:"INKLET_CLASSIFIER_API_KEY"`
	Model    string `json:"model,omitempty" env:"INKLET_CLASSIFIER_MODEL"`
	// BaseURL overrides the provider endpoint, for OpenAI-compatible
	// gateways.
	BaseURL string `json:"base_url,omitempty" env:"INKLET_CLASSIFIER_BASE_URL"`
	// ConfidenceFloor re-buckets verdicts below it into inbox. Zero keeps
	// the built-in default.
	ConfidenceFloor float64 `json:"confidence_floor,omitempty"`
}

type NotifyConfig struct {
	APIKey    string `json:"api_key,omitempty" env:"INKLET_NOTIFY_API_KEY"`
	From      string `json:"from" env:"INKLET_NOTIFY_FROM"`
	Recipient string `json:"recipient" env:"INKLET_NOTIFY_RECIPIENT"`
	BaseURL   string `json:"base_url,omitempty" env:"INKLET_NOTIFY_BASE_URL"`
}

type KnowledgeConfig struct {
	// Path is the root of the revision-controlled knowledge repository.
	Path string `json:"path" env:"INKLET_KNOWLEDGE_PATH"`
}

type RecordsConfig struct {
	Path          string `json:"path" env:"INKLET_RECORDS_PATH"`
	RetentionDays int    `json:"retention_days,omitempty"`
	// StaleAfterMinutes is how long an executing record may sit untouched
	// before another attempt may reclaim it.
	StaleAfterMinutes int `json:"stale_after_minutes,omitempty"`
}

type LedgerConfig struct {
	Path string `json:"path" env:"INKLET_LEDGER_PATH"`
}

type GatewayConfig struct {
	Workers               int `json:"workers,omitempty"`
	MaxAttempts           int `json:"max_attempts,omitempty"`
	RedeliverDelaySeconds int `json:"redeliver_delay_seconds,omitempty"`
}

type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level,omitempty" env:"INKLET_LOG_LEVEL"`
}

// Home returns the inklet data directory, honoring INKLET_HOME.
func Home() string {
	if home := os.Getenv("INKLET_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".inklet"
	}
	return filepath.Join(userHome, ".inklet")
}

// DefaultConfigPath is where LoadConfig looks when no path is given.
func DefaultConfigPath() string {
	return filepath.Join(Home(), "config.json")
}

func DefaultConfig() *Config {
	home := Home()
	return &Config{
		Classifier: ClassifierConfig{
			Provider: "anthropic",
		},
		Knowledge: KnowledgeConfig{
			Path: filepath.Join(home, "knowledge"),
		},
		Records: RecordsConfig{
			Path:              filepath.Join(home, "records.db"),
			RetentionDays:     30,
			StaleAfterMinutes: 15,
		},
		Ledger: LedgerConfig{
			Path: filepath.Join(home, "receipts.jsonl"),
		},
		Gateway: GatewayConfig{
			Workers:               4,
			MaxAttempts:           3,
			RedeliverDelaySeconds: 5,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Schedule: "*/10 * * * *",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path, layering file values over defaults and environment
// variables over both. A missing file is not an error; defaults plus
// environment apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fall through to env overrides.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig validates and writes cfg to path atomically.
func SaveConfig(path string, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects configurations the daemon could not run with.
func Validate(cfg *Config) error {
	switch cfg.Classifier.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("classifier.provider must be \"anthropic\" or \"openai\", got %q", cfg.Classifier.Provider)
	}
	if cfg.Classifier.ConfidenceFloor < 0 || cfg.Classifier.ConfidenceFloor > 1 {
		return fmt.Errorf("classifier.confidence_floor must be within [0, 1], got %g", cfg.Classifier.ConfidenceFloor)
	}

	if strings.TrimSpace(cfg.Knowledge.Path) == "" {
		return fmt.Errorf("knowledge.path is required")
	}
	if strings.TrimSpace(cfg.Records.Path) == "" {
		return fmt.Errorf("records.path is required")
	}
	if strings.TrimSpace(cfg.Ledger.Path) == "" {
		return fmt.Errorf("ledger.path is required")
	}

	if cfg.Gateway.Workers < 0 {
		return fmt.Errorf("gateway.workers must not be negative, got %d", cfg.Gateway.Workers)
	}
	if cfg.Gateway.MaxAttempts < 0 {
		return fmt.Errorf("gateway.max_attempts must not be negative, got %d", cfg.Gateway.MaxAttempts)
	}

	if cfg.Heartbeat.Enabled && cfg.Heartbeat.Schedule != "" {
		if !gronx.New().IsValid(cfg.Heartbeat.Schedule) {
			return fmt.Errorf("heartbeat.schedule is not a valid cron expression: %q", cfg.Heartbeat.Schedule)
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}

	return nil
}
