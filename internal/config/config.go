package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config application configuration structure
type Config struct {
	Recorder  RecorderConfig  `yaml:"recorder" mapstructure:"recorder"`
	Collector CollectorConfig `yaml:"collector" mapstructure:"collector"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Output    OutputConfig    `yaml:"output" mapstructure:"output"`
}

// RecorderConfig controls where instrumented programs send checkpoints
type RecorderConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	// Sink is one of memory, relay, file, store
	Sink         string        `yaml:"sink" mapstructure:"sink"`
	RelayURL     string        `yaml:"relay_url" mapstructure:"relay_url"`
	RelayTimeout time.Duration `yaml:"relay_timeout" mapstructure:"relay_timeout"`
	File         FileLogConfig `yaml:"file" mapstructure:"file"`
}

// CollectorConfig polling collector configuration
type CollectorConfig struct {
	URL      string        `yaml:"url" mapstructure:"url"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// ServerConfig development collection endpoint configuration
type ServerConfig struct {
	Port int    `yaml:"port" mapstructure:"port"`
	Path string `yaml:"path" mapstructure:"path"`
	// MaxBodyBytes limits the size of accepted checkpoint bodies (0 = unlimited)
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// StorageConfig persistent checkpoint store
type StorageConfig struct {
	Driver     string        `yaml:"driver" mapstructure:"driver"`
	Path       string        `yaml:"path" mapstructure:"path"`
	MaxRecords int           `yaml:"max_records" mapstructure:"max_records"`
	Retention  time.Duration `yaml:"retention" mapstructure:"retention"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig rotating file configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// OutputConfig controls CLI output style
type OutputConfig struct {
	Mode    string `yaml:"mode" mapstructure:"mode"`
	Silence bool   `yaml:"silence" mapstructure:"silence"`
	// Payload controls how the console printer renders input and output
	Payload PayloadViewConfig `yaml:"payload" mapstructure:"payload"`
}

// PayloadViewConfig console payload rendering
type PayloadViewConfig struct {
	Pretty bool `yaml:"pretty" mapstructure:"pretty"`
	// MaxIndentBytes skips indentation for larger payloads (0 = always indent)
	MaxIndentBytes int `yaml:"max_indent_bytes" mapstructure:"max_indent_bytes"`
	// MaxPreviewBytes truncates payloads beyond this size (0 = unlimited)
	MaxPreviewBytes int `yaml:"max_preview_bytes" mapstructure:"max_preview_bytes"`
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("REPLAYTAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.replaytap")
		v.AddConfigPath("/etc/replaytap")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Printf("Config file loaded: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	applyDefaults(&config, v)

	return &config, nil
}

// applyDefaults fills zero-value fields that an explicit empty value in the
// file left blank, and normalizes paths.
func applyDefaults(cfg *Config, v *viper.Viper) {
	if strings.TrimSpace(cfg.Recorder.Name) == "" {
		cfg.Recorder.Name = v.GetString("recorder.name")
	}
	if cfg.Recorder.RelayTimeout == 0 {
		cfg.Recorder.RelayTimeout = v.GetDuration("recorder.relay_timeout")
	}
	if cfg.Recorder.File.Path == "" {
		cfg.Recorder.File.Path = v.GetString("recorder.file.path")
	}
	if cfg.Collector.Interval == 0 {
		cfg.Collector.Interval = v.GetDuration("collector.interval")
	}
	if cfg.Collector.Timeout == 0 {
		cfg.Collector.Timeout = v.GetDuration("collector.timeout")
	}
	if cfg.Server.Path == "" {
		cfg.Server.Path = v.GetString("server.path")
	}
	if !strings.HasPrefix(cfg.Server.Path, "/") {
		cfg.Server.Path = "/" + cfg.Server.Path
	}
	if len(cfg.Server.Path) > 1 {
		cfg.Server.Path = strings.TrimRight(cfg.Server.Path, "/")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}
	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	// Recorder
	v.SetDefault("recorder.name", "app")
	v.SetDefault("recorder.enabled", false)
	v.SetDefault("recorder.sink", "relay")
	v.SetDefault("recorder.relay_url", "http://127.0.0.1:38889/checkpoints")
	v.SetDefault("recorder.relay_timeout", "2s")
	v.SetDefault("recorder.file.path", "./checkpoints.jsonl")
	v.SetDefault("recorder.file.max_size_mb", 100)
	v.SetDefault("recorder.file.max_backups", 3)
	v.SetDefault("recorder.file.max_age_days", 0)
	v.SetDefault("recorder.file.compress", false)

	// Collector
	v.SetDefault("collector.url", "")
	v.SetDefault("collector.interval", "1s")
	v.SetDefault("collector.timeout", "5s")

	// Collection endpoint
	v.SetDefault("server.port", 38889)
	v.SetDefault("server.path", "/checkpoints")
	v.SetDefault("server.max_body_bytes", int64(10*1024*1024))

	// Storage
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/replaytap.db")
	v.SetDefault("storage.max_records", 100000)
	v.SetDefault("storage.retention", "0s")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./replaytap.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	// Output
	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)
	v.SetDefault("output.payload.pretty", true)
	v.SetDefault("output.payload.max_indent_bytes", 64*1024)
	v.SetDefault("output.payload.max_preview_bytes", 16*1024)
}

// Validate checks the configuration and fills derived defaults
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.Path == "" {
		return fmt.Errorf("server path cannot be empty")
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server max body bytes cannot be negative")
	}

	if err := c.Recorder.validate(); err != nil {
		return err
	}

	if c.Collector.Interval < 0 {
		return fmt.Errorf("collector interval cannot be negative")
	}
	if c.Collector.Timeout < 0 {
		return fmt.Errorf("collector timeout cannot be negative")
	}
	if c.Collector.URL != "" {
		if err := validateHTTPURL(c.Collector.URL); err != nil {
			return fmt.Errorf("collector url: %w", err)
		}
	}

	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Driver) == "" {
			c.Storage.Driver = "sqlite"
		}
	default:
		return fmt.Errorf("storage driver must be sqlite")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage path cannot be empty")
	}
	if c.Storage.MaxRecords < 0 {
		return fmt.Errorf("storage max_records cannot be negative")
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage retention cannot be negative")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true,
		"error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Output.Payload.MaxIndentBytes < 0 || c.Output.Payload.MaxPreviewBytes < 0 {
		return fmt.Errorf("output payload limits cannot be negative")
	}
	if c.Log.FileLogging.Enable && c.Log.FileLogging.Path == "" {
		return fmt.Errorf("log file path cannot be empty")
	}

	return nil
}

func (r *RecorderConfig) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("recorder name cannot be empty")
	}
	if strings.Contains(r.Name, "/") {
		return fmt.Errorf("recorder name cannot contain '/'")
	}
	if r.RelayTimeout < 0 {
		return fmt.Errorf("recorder relay timeout cannot be negative")
	}

	switch strings.ToLower(r.Sink) {
	case "memory", "store":
	case "relay":
		if err := validateHTTPURL(r.RelayURL); err != nil {
			return fmt.Errorf("recorder relay url: %w", err)
		}
	case "file":
		if r.File.Path == "" {
			return fmt.Errorf("recorder file path cannot be empty")
		}
	default:
		return fmt.Errorf("recorder sink must be one of memory, relay, file, store")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	return nil
}
