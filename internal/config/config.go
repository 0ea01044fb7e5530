package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config application configuration structure
type Config struct {
	Server          ServerConfig  `yaml:"server" mapstructure:"server"`
	StorageLocation string        `yaml:"storage_location" mapstructure:"storage_location"`
	Log             LogConfig     `yaml:"log" mapstructure:"log"`
	Output          OutputConfig  `yaml:"output" mapstructure:"output"`
	Forward         ForwardConfig `yaml:"forward" mapstructure:"forward"`
	Assets          AssetsConfig  `yaml:"assets" mapstructure:"assets"`
	Journal         JournalConfig `yaml:"journal" mapstructure:"journal"`
	Events          EventsConfig  `yaml:"events" mapstructure:"events"`
}

// ServerConfig HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
	// MaxBodyBytes limits the size of accepted request bodies (0 = unlimited)
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	// ShutdownTimeout in seconds
	ShutdownTimeout int `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig file log configuration
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
	// MaxPreviewBytes caps how much of a body the console printer shows
	MaxPreviewBytes int `yaml:"max_preview_bytes" mapstructure:"max_preview_bytes"`
}

// ForwardConfig upstream configuration used by record sessions
type ForwardConfig struct {
	Timeout               int  `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries            int  `yaml:"max_retries" mapstructure:"max_retries"`
	MaxConcurrent         int  `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MaxIdleConns          int  `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int  `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout       int  `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
	ResponseHeaderTimeout int  `yaml:"response_header_timeout" mapstructure:"response_header_timeout"`
	TLSHandshakeTimeout   int  `yaml:"tls_handshake_timeout" mapstructure:"tls_handshake_timeout"`
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
}

// AssetsConfig configures where recordings are restored from and pushed to
type AssetsConfig struct {
	// Driver is git or local
	Driver string `yaml:"driver" mapstructure:"driver"`
	// Folder holds the shared clones; defaults to <storage_location>/.assets
	Folder        string `yaml:"folder" mapstructure:"folder"`
	GitHost       string `yaml:"git_host" mapstructure:"git_host"`
	APIBaseURL    string `yaml:"api_base_url" mapstructure:"api_base_url"`
	DefaultBranch string `yaml:"default_branch" mapstructure:"default_branch"`
	AutoBranch    string `yaml:"auto_branch" mapstructure:"auto_branch"`
	UserName      string `yaml:"user_name" mapstructure:"user_name"`
	UserEmail     string `yaml:"user_email" mapstructure:"user_email"`
	TokenEnv      string `yaml:"token_env" mapstructure:"token_env"`
	MaxRetries    int    `yaml:"max_retries" mapstructure:"max_retries"`
	// Timeout per git operation
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	PushOnStop bool          `yaml:"push_on_stop" mapstructure:"push_on_stop"`
}

// JournalConfig persistence of session/interaction history
type JournalConfig struct {
	Driver     string        `yaml:"driver" mapstructure:"driver"`
	Path       string        `yaml:"path" mapstructure:"path"`
	MaxRecords int           `yaml:"max_records" mapstructure:"max_records"`
	Retention  time.Duration `yaml:"retention" mapstructure:"retention"`
}

// EventsConfig websocket event stream
type EventsConfig struct {
	Enable bool `yaml:"enable" mapstructure:"enable"`
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("RECPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.recproxy")
		v.AddConfigPath("/etc/recproxy")
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

// applyDefaults fills zero-value fields that Unmarshal left empty and
// resolves values derived from other settings.
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = v.GetInt64("server.max_body_bytes")
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = v.GetInt("server.shutdown_timeout")
	}

	if strings.TrimSpace(cfg.StorageLocation) == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.StorageLocation = wd
		} else {
			cfg.StorageLocation = "."
		}
	}
	if abs, err := filepath.Abs(cfg.StorageLocation); err == nil {
		cfg.StorageLocation = abs
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}
	if cfg.Log.FileLogging.Path == "" {
		cfg.Log.FileLogging.Path = v.GetString("log.file_logging.path")
	}
	if cfg.Log.FileLogging.MaxSizeMB == 0 {
		cfg.Log.FileLogging.MaxSizeMB = v.GetInt("log.file_logging.max_size_mb")
	}
	if cfg.Log.FileLogging.MaxBackups == 0 {
		cfg.Log.FileLogging.MaxBackups = v.GetInt("log.file_logging.max_backups")
	}
	if cfg.Log.FileLogging.MaxAgeDays == 0 {
		cfg.Log.FileLogging.MaxAgeDays = v.GetInt("log.file_logging.max_age_days")
	}

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}
	if cfg.Output.MaxPreviewBytes == 0 {
		cfg.Output.MaxPreviewBytes = v.GetInt("output.max_preview_bytes")
	}

	if cfg.Forward.Timeout == 0 {
		cfg.Forward.Timeout = v.GetInt("forward.timeout")
	}
	if cfg.Forward.MaxConcurrent == 0 {
		cfg.Forward.MaxConcurrent = v.GetInt("forward.max_concurrent")
	}
	if cfg.Forward.MaxIdleConns == 0 {
		cfg.Forward.MaxIdleConns = v.GetInt("forward.max_idle_conns")
	}
	if cfg.Forward.MaxIdleConnsPerHost == 0 {
		cfg.Forward.MaxIdleConnsPerHost = v.GetInt("forward.max_idle_conns_per_host")
	}
	if cfg.Forward.IdleConnTimeout == 0 {
		cfg.Forward.IdleConnTimeout = v.GetInt("forward.idle_conn_timeout")
	}
	if cfg.Forward.ResponseHeaderTimeout == 0 {
		cfg.Forward.ResponseHeaderTimeout = v.GetInt("forward.response_header_timeout")
	}
	if cfg.Forward.TLSHandshakeTimeout == 0 {
		cfg.Forward.TLSHandshakeTimeout = v.GetInt("forward.tls_handshake_timeout")
	}

	if cfg.Assets.Driver == "" {
		cfg.Assets.Driver = v.GetString("assets.driver")
	}
	// PROXY_ASSETS_FOLDER is honoured for compatibility with existing CI setups.
	if cfg.Assets.Folder == "" {
		cfg.Assets.Folder = strings.TrimSpace(os.Getenv("PROXY_ASSETS_FOLDER"))
	}
	if cfg.Assets.Folder == "" {
		cfg.Assets.Folder = filepath.Join(cfg.StorageLocation, ".assets")
	}
	if cfg.Assets.GitHost == "" {
		cfg.Assets.GitHost = v.GetString("assets.git_host")
	}
	if cfg.Assets.APIBaseURL == "" {
		cfg.Assets.APIBaseURL = v.GetString("assets.api_base_url")
	}
	if cfg.Assets.DefaultBranch == "" {
		cfg.Assets.DefaultBranch = v.GetString("assets.default_branch")
	}
	if cfg.Assets.AutoBranch == "" {
		cfg.Assets.AutoBranch = v.GetString("assets.auto_branch")
	}
	if cfg.Assets.UserName == "" {
		cfg.Assets.UserName = v.GetString("assets.user_name")
	}
	if cfg.Assets.UserEmail == "" {
		cfg.Assets.UserEmail = v.GetString("assets.user_email")
	}
	if cfg.Assets.TokenEnv == "" {
		cfg.Assets.TokenEnv = v.GetString("assets.token_env")
	}
	if cfg.Assets.MaxRetries == 0 {
		cfg.Assets.MaxRetries = v.GetInt("assets.max_retries")
	}
	if cfg.Assets.Timeout == 0 {
		cfg.Assets.Timeout = v.GetDuration("assets.timeout")
	}
	cfg.Assets.PushOnStop = v.GetBool("assets.push_on_stop")

	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = v.GetString("journal.driver")
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = v.GetString("journal.path")
	}
	if cfg.Journal.MaxRecords == 0 {
		cfg.Journal.MaxRecords = v.GetInt("journal.max_records")
	}

	cfg.Events.Enable = v.GetBool("events.enable")
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.max_body_bytes", int64(64*1024*1024))
	v.SetDefault("server.shutdown_timeout", 30)

	v.SetDefault("storage_location", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./recproxy.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)
	v.SetDefault("output.max_preview_bytes", 2048)

	v.SetDefault("forward.timeout", 100)
	v.SetDefault("forward.max_retries", 2)
	v.SetDefault("forward.max_concurrent", 64)
	v.SetDefault("forward.max_idle_conns", 200)
	v.SetDefault("forward.max_idle_conns_per_host", 50)
	v.SetDefault("forward.idle_conn_timeout", 90)
	v.SetDefault("forward.response_header_timeout", 60)
	v.SetDefault("forward.tls_handshake_timeout", 10)
	v.SetDefault("forward.tls_insecure_skip_verify", false)

	v.SetDefault("assets.driver", "git")
	v.SetDefault("assets.folder", "")
	v.SetDefault("assets.git_host", "https://github.com")
	v.SetDefault("assets.api_base_url", "https://api.github.com")
	v.SetDefault("assets.default_branch", "main")
	v.SetDefault("assets.auto_branch", "auto/test-proxy")
	v.SetDefault("assets.user_name", "recproxy")
	v.SetDefault("assets.user_email", "recproxy@users.noreply.github.com")
	v.SetDefault("assets.token_env", "GIT_TOKEN")
	v.SetDefault("assets.max_retries", 3)
	v.SetDefault("assets.timeout", "2m")
	v.SetDefault("assets.push_on_stop", true)

	v.SetDefault("journal.driver", "sqlite")
	v.SetDefault("journal.path", "./data/recproxy.db")
	v.SetDefault("journal.max_records", 100000)
	v.SetDefault("journal.retention", "0s")

	v.SetDefault("events.enable", true)
}

// Validate validates configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server max body bytes cannot be negative")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server shutdown timeout cannot be negative")
	}

	if strings.TrimSpace(c.StorageLocation) == "" {
		return fmt.Errorf("storage location cannot be empty")
	}

	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}
	if c.Output.MaxPreviewBytes < 0 {
		return fmt.Errorf("output max_preview_bytes cannot be negative")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log file path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log file max size must be at least 1MB")
		}
		if c.Log.FileLogging.MaxBackups < 0 {
			return fmt.Errorf("log file max backups cannot be negative")
		}
		if c.Log.FileLogging.MaxAgeDays < 0 {
			return fmt.Errorf("log file max age cannot be negative")
		}
	}

	if c.Forward.Timeout < 0 {
		return fmt.Errorf("forward timeout cannot be negative")
	}
	if c.Forward.MaxRetries < 0 {
		return fmt.Errorf("forward max retries cannot be negative")
	}
	if c.Forward.MaxConcurrent < 1 {
		return fmt.Errorf("forward max concurrent must be at least 1")
	}

	switch strings.ToLower(strings.TrimSpace(c.Assets.Driver)) {
	case "", "git":
		c.Assets.Driver = "git"
		if strings.TrimSpace(c.Assets.GitHost) == "" {
			return fmt.Errorf("assets git host cannot be empty")
		}
		if strings.TrimSpace(c.Assets.AutoBranch) == "" {
			return fmt.Errorf("assets auto branch cannot be empty")
		}
	case "local":
		c.Assets.Driver = "local"
	default:
		return fmt.Errorf("assets driver must be git or local")
	}
	if strings.TrimSpace(c.Assets.DefaultBranch) == "" {
		c.Assets.DefaultBranch = "main"
	}
	if c.Assets.MaxRetries < 0 {
		return fmt.Errorf("assets max retries cannot be negative")
	}
	if c.Assets.Timeout < 0 {
		return fmt.Errorf("assets timeout cannot be negative")
	}

	switch strings.ToLower(strings.TrimSpace(c.Journal.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Journal.Driver) == "" {
			c.Journal.Driver = "sqlite"
		}
		if strings.TrimSpace(c.Journal.Path) == "" {
			return fmt.Errorf("journal path cannot be empty")
		}
	case "none":
	default:
		return fmt.Errorf("journal driver must be sqlite or none")
	}
	if c.Journal.MaxRecords < 0 {
		return fmt.Errorf("journal max_records cannot be negative")
	}
	if c.Journal.Retention < 0 {
		return fmt.Errorf("journal retention cannot be negative")
	}

	return nil
}

// Addr returns the listen address of the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
