package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	DataDir  string `json:"data_dir" yaml:"data_dir"`
	LogLevel string `json:"log_level" yaml:"log_level"`
	Workers  int    `json:"workers" yaml:"workers"`
	HTTP     struct {
		Listen string `json:"listen" yaml:"listen"`
	} `json:"http" yaml:"http"`
	Stats struct {
		Enabled bool   `json:"enabled" yaml:"enabled"`
		Listen  string `json:"listen" yaml:"listen"`
	} `json:"stats" yaml:"stats"`
	Telegram struct {
		APIEndpoint  string `json:"api_endpoint" yaml:"api_endpoint"`
		FileEndpoint string `json:"file_endpoint" yaml:"file_endpoint"`
	} `json:"telegram" yaml:"telegram"`
	Delivery struct {
		MaxBatch       int      `json:"max_batch" yaml:"max_batch"`
		WebhookTimeout Duration `json:"webhook_timeout" yaml:"webhook_timeout"`
		WebhookSecret  string   `json:"webhook_secret" yaml:"webhook_secret"`
	} `json:"delivery" yaml:"delivery"`
	Sessions struct {
		ReapSchedule    string   `json:"reap_schedule" yaml:"reap_schedule"`
		IdleWindow      Duration `json:"idle_window" yaml:"idle_window"`
		ConnectAttempts int      `json:"connect_attempts" yaml:"connect_attempts"`
	} `json:"sessions" yaml:"sessions"`
	Downloads struct {
		ChunkSize     int   `json:"chunk_size" yaml:"chunk_size"`
		MaxConcurrent int64 `json:"max_concurrent" yaml:"max_concurrent"`
	} `json:"downloads" yaml:"downloads"`
}

// DefaultPath is ~/.tgmux/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".tgmux", "config.json")
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".tgmux"),
		LogLevel: "info",
		Workers:  1,
	}
	cfg.HTTP.Listen = ":8000"
	cfg.Stats.Enabled = true
	cfg.Stats.Listen = ":3000"
	cfg.Telegram.APIEndpoint = "https://api.telegram.org/bot%s/%s"
	cfg.Telegram.FileEndpoint = "https://api.telegram.org/file/bot%s/%s"
	cfg.Delivery.MaxBatch = 100
	cfg.Delivery.WebhookTimeout = Duration(30 * time.Second)
	cfg.Sessions.ReapSchedule = "@every 30m"
	cfg.Sessions.IdleWindow = Duration(5 * time.Minute)
	cfg.Sessions.ConnectAttempts = 3
	cfg.Downloads.ChunkSize = 512 * 1024
	cfg.Downloads.MaxConcurrent = 4
	return cfg
}

// Load reads the config at path, writing the defaults there when it does
// not exist yet. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}

	// Override from env (highest precedence)
	if dir := os.Getenv("TGMUX_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if workers := os.Getenv("TGMUX_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return nil, fmt.Errorf("parse TGMUX_WORKERS: %w", err)
		}
		cfg.Workers = n
	}
	if listen := os.Getenv("TGMUX_LISTEN"); listen != "" {
		cfg.HTTP.Listen = listen
	}
	if endpoint := os.Getenv("TELEGRAM_API_ENDPOINT"); endpoint != "" {
		cfg.Telegram.APIEndpoint = endpoint
	}
	if secret := os.Getenv("TGMUX_WEBHOOK_SECRET"); secret != "" {
		cfg.Delivery.WebhookSecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first out-of-range setting.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Workers < 1 || c.Workers > 1000 {
		return fmt.Errorf("invalid worker count %d: must be between 1 and 1000", c.Workers)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Delivery.MaxBatch < 1 || c.Delivery.MaxBatch > 100 {
		return fmt.Errorf("invalid delivery.max_batch %d: must be between 1 and 100", c.Delivery.MaxBatch)
	}
	if c.Delivery.WebhookTimeout <= 0 {
		return fmt.Errorf("delivery.webhook_timeout must be positive")
	}
	if c.Sessions.IdleWindow <= 0 {
		return fmt.Errorf("sessions.idle_window must be positive")
	}
	if c.Sessions.ConnectAttempts < 1 {
		return fmt.Errorf("sessions.connect_attempts must be at least 1")
	}
	if c.Downloads.ChunkSize < 1 {
		return fmt.Errorf("downloads.chunk_size must be positive")
	}
	if c.Downloads.MaxConcurrent < 1 {
		return fmt.Errorf("downloads.max_concurrent must be positive")
	}
	return nil
}

// Save writes cfg to path, as YAML when the path ends in .yaml or .yml and
// as JSON otherwise.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
