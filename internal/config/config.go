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
	Proxy     ProxyConfig     `yaml:"proxy" mapstructure:"proxy"`
	TLS       TLSConfig       `yaml:"tls" mapstructure:"tls"`
	Dashboard DashboardConfig `yaml:"dashboard" mapstructure:"dashboard"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Output    OutputConfig    `yaml:"output" mapstructure:"output"`
	Mocks     MocksConfig     `yaml:"mocks" mapstructure:"mocks"`
}

// ProxyConfig proxy listener and upstream configuration
type ProxyConfig struct {
	Port   int    `yaml:"port" mapstructure:"port"`
	Target string `yaml:"target" mapstructure:"target"`
	// Secure enables TLS verification of the upstream certificate
	Secure          bool               `yaml:"secure" mapstructure:"secure"`
	Timeout         int                `yaml:"timeout" mapstructure:"timeout"`
	MaxConcurrent   int                `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MaxBodyBytes    int64              `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	MaxCaptureBytes int64              `yaml:"max_capture_bytes" mapstructure:"max_capture_bytes"`
	H2C             bool               `yaml:"h2c" mapstructure:"h2c"`
	PathStrategy    PathStrategyConfig `yaml:"path_strategy" mapstructure:"path_strategy"`
	LogFilter       LogFilterConfig    `yaml:"log_filter" mapstructure:"log_filter"`
}

// PathStrategyConfig configures how upstream paths are constructed
type PathStrategyConfig struct {
	Mode        string              `yaml:"mode" mapstructure:"mode"`
	StripPrefix string              `yaml:"strip_prefix" mapstructure:"strip_prefix"`
	Rules       []RewriteRuleConfig `yaml:"rules" mapstructure:"rules"`
}

// RewriteRuleConfig defines a rewrite rule when mode is rewrite
type RewriteRuleConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Match   string `yaml:"match" mapstructure:"match"`
	Replace string `yaml:"replace" mapstructure:"replace"`
	Regex   bool   `yaml:"regex" mapstructure:"regex"`
}

// LogFilterConfig lists the paths kept out of the request log
type LogFilterConfig struct {
	IgnorePrefixes   []string `yaml:"ignore_prefixes" mapstructure:"ignore_prefixes"`
	StaticExtensions []string `yaml:"static_extensions" mapstructure:"static_extensions"`
}

// TLSConfig proxy listener certificate configuration
type TLSConfig struct {
	Enable   bool   `yaml:"enable" mapstructure:"enable"`
	CertPath string `yaml:"cert_path" mapstructure:"cert_path"`
	KeyPath  string `yaml:"key_path" mapstructure:"key_path"`
}

// DashboardConfig dashboard API and realtime configuration
type DashboardConfig struct {
	Enable            bool          `yaml:"enable" mapstructure:"enable"`
	Port              int           `yaml:"port" mapstructure:"port"`
	APIPath           string        `yaml:"api_path" mapstructure:"api_path"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	ObserverBuffer    int           `yaml:"observer_buffer" mapstructure:"observer_buffer"`
	MaxObservers      int           `yaml:"max_observers" mapstructure:"max_observers"`
}

// StorageConfig persistence parameters
type StorageConfig struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"`
	Path            string        `yaml:"path" mapstructure:"path"`
	MaxRecords      int           `yaml:"max_records" mapstructure:"max_records"`
	Retention       time.Duration `yaml:"retention" mapstructure:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
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
	// Pretty reformats JSON, form and HTML bodies in console mode
	Pretty bool `yaml:"pretty" mapstructure:"pretty"`
	// MaxBodyPreview truncates printed bodies; zero prints them whole
	MaxBodyPreview int `yaml:"max_body_preview" mapstructure:"max_body_preview"`
}

// MocksConfig mock definitions loaded at startup
type MocksConfig struct {
	SeedFile string `yaml:"seed_file" mapstructure:"seed_file"`
}

// DefaultIgnorePrefixes are dev-server and browser paths never worth logging.
var DefaultIgnorePrefixes = []string{
	"/favicon.ico",
	"/@vite/client",
	"/sockjs-node",
	"/__webpack_hmr",
}

// DefaultStaticExtensions are asset suffixes never worth logging.
var DefaultStaticExtensions = []string{
	"css", "js", "png", "jpg", "jpeg", "gif", "svg", "ico", "map",
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("MOCKPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mockproxy")
		v.AddConfigPath("/etc/mockproxy")
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

// applyDefaults back-fills zero-value fields and normalizes lists
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Proxy.Port == 0 {
		cfg.Proxy.Port = v.GetInt("proxy.port")
	}
	if strings.TrimSpace(cfg.Proxy.Target) == "" {
		cfg.Proxy.Target = v.GetString("proxy.target")
	}
	if cfg.Proxy.Timeout == 0 {
		cfg.Proxy.Timeout = v.GetInt("proxy.timeout")
	}
	if cfg.Proxy.MaxConcurrent == 0 {
		cfg.Proxy.MaxConcurrent = v.GetInt("proxy.max_concurrent")
	}
	if cfg.Proxy.PathStrategy.Mode == "" {
		cfg.Proxy.PathStrategy.Mode = v.GetString("proxy.path_strategy.mode")
	}
	if cfg.Proxy.LogFilter.IgnorePrefixes == nil {
		cfg.Proxy.LogFilter.IgnorePrefixes = append([]string(nil), DefaultIgnorePrefixes...)
	}
	if cfg.Proxy.LogFilter.StaticExtensions == nil {
		cfg.Proxy.LogFilter.StaticExtensions = append([]string(nil), DefaultStaticExtensions...)
	}
	cfg.Proxy.LogFilter.StaticExtensions = normalizeExtensions(cfg.Proxy.LogFilter.StaticExtensions)

	if cfg.TLS.CertPath == "" {
		cfg.TLS.CertPath = v.GetString("tls.cert_path")
	}
	if cfg.TLS.KeyPath == "" {
		cfg.TLS.KeyPath = v.GetString("tls.key_path")
	}

	if cfg.Dashboard.Port == 0 {
		cfg.Dashboard.Port = v.GetInt("dashboard.port")
	}
	if cfg.Dashboard.APIPath == "" {
		cfg.Dashboard.APIPath = v.GetString("dashboard.api_path")
	}
	cfg.Dashboard.APIPath = "/" + strings.Trim(cfg.Dashboard.APIPath, "/")
	if cfg.Dashboard.HeartbeatInterval == 0 {
		cfg.Dashboard.HeartbeatInterval = v.GetDuration("dashboard.heartbeat_interval")
	}
	if cfg.Dashboard.ObserverBuffer == 0 {
		cfg.Dashboard.ObserverBuffer = v.GetInt("dashboard.observer_buffer")
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = v.GetString("storage.driver")
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = v.GetString("storage.path")
	}
	if cfg.Storage.CleanupInterval == 0 {
		cfg.Storage.CleanupInterval = v.GetDuration("storage.cleanup_interval")
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

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.port", 3333)
	v.SetDefault("proxy.target", "http://localhost:3000")
	v.SetDefault("proxy.secure", false)
	v.SetDefault("proxy.timeout", 30)
	v.SetDefault("proxy.max_concurrent", 64)
	v.SetDefault("proxy.max_body_bytes", int64(10*1024*1024))
	v.SetDefault("proxy.max_capture_bytes", int64(10*1024*1024))
	v.SetDefault("proxy.h2c", false)
	v.SetDefault("proxy.path_strategy.mode", "append")
	v.SetDefault("proxy.path_strategy.strip_prefix", "")
	v.SetDefault("proxy.path_strategy.rules", []map[string]string{})
	v.SetDefault("proxy.log_filter.ignore_prefixes", DefaultIgnorePrefixes)
	v.SetDefault("proxy.log_filter.static_extensions", DefaultStaticExtensions)

	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.cert_path", "certs/cert.pem")
	v.SetDefault("tls.key_path", "certs/key.pem")

	v.SetDefault("dashboard.enable", true)
	v.SetDefault("dashboard.port", 3001)
	v.SetDefault("dashboard.api_path", "/api")
	v.SetDefault("dashboard.heartbeat_interval", "30s")
	v.SetDefault("dashboard.observer_buffer", 64)
	v.SetDefault("dashboard.max_observers", 0)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/mockproxy.db")
	v.SetDefault("storage.max_records", 0)
	v.SetDefault("storage.retention", "0s")
	v.SetDefault("storage.cleanup_interval", "1h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./mockproxy.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)
	v.SetDefault("output.pretty", true)
	v.SetDefault("output.max_body_preview", 4096)

	v.SetDefault("mocks.seed_file", "")
}

// Validate checks the configuration and fills derivable blanks
func (c *Config) Validate() error {
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return fmt.Errorf("invalid proxy port: %d (must be 1-65535)", c.Proxy.Port)
	}
	target, err := url.Parse(strings.TrimSpace(c.Proxy.Target))
	if err != nil || target.Scheme == "" || target.Host == "" {
		return fmt.Errorf("proxy target must be an absolute URL, got %q", c.Proxy.Target)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return fmt.Errorf("proxy target scheme must be http or https")
	}
	if c.Proxy.Timeout < 0 {
		return fmt.Errorf("proxy timeout cannot be negative")
	}
	if c.Proxy.MaxConcurrent < 1 {
		return fmt.Errorf("proxy max concurrent must be at least 1")
	}
	if c.Proxy.MaxBodyBytes < 0 {
		return fmt.Errorf("proxy max body bytes cannot be negative")
	}
	if c.Proxy.MaxCaptureBytes < 0 {
		return fmt.Errorf("proxy max capture bytes cannot be negative")
	}

	switch strings.ToLower(c.Proxy.PathStrategy.Mode) {
	case "", "append", "strip_prefix", "rewrite":
		if c.Proxy.PathStrategy.Mode == "" {
			c.Proxy.PathStrategy.Mode = "append"
		}
	default:
		return fmt.Errorf("proxy path strategy mode must be append, strip_prefix, or rewrite")
	}
	if strings.ToLower(c.Proxy.PathStrategy.Mode) == "rewrite" {
		if len(c.Proxy.PathStrategy.Rules) == 0 {
			return fmt.Errorf("proxy path strategy rules cannot be empty when mode is rewrite")
		}
		for i, rule := range c.Proxy.PathStrategy.Rules {
			if rule.Match == "" {
				return fmt.Errorf("proxy path rule %d match cannot be empty", i+1)
			}
		}
	}
	for i, prefix := range c.Proxy.LogFilter.IgnorePrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("proxy log_filter.ignore_prefixes[%d] must start with '/'", i)
		}
	}

	if c.TLS.Enable {
		if strings.TrimSpace(c.TLS.CertPath) == "" || strings.TrimSpace(c.TLS.KeyPath) == "" {
			return fmt.Errorf("tls cert_path and key_path are required when tls is enabled")
		}
	}

	if c.Dashboard.Enable {
		if c.Dashboard.Port < 1 || c.Dashboard.Port > 65535 {
			return fmt.Errorf("invalid dashboard port: %d (must be 1-65535)", c.Dashboard.Port)
		}
		if c.Dashboard.Port == c.Proxy.Port {
			return fmt.Errorf("dashboard port must differ from proxy port")
		}
		if !strings.HasPrefix(c.Dashboard.APIPath, "/") {
			return fmt.Errorf("dashboard api path must start with '/'")
		}
	}
	if c.Dashboard.HeartbeatInterval <= 0 {
		return fmt.Errorf("dashboard heartbeat interval must be greater than zero")
	}
	if c.Dashboard.ObserverBuffer < 1 {
		return fmt.Errorf("dashboard observer buffer must be at least 1")
	}
	if c.Dashboard.MaxObservers < 0 {
		return fmt.Errorf("dashboard max observers cannot be negative")
	}

	switch c.Storage.Driver {
	case "", "sqlite", "sqlite3":
		if c.Storage.Driver == "" {
			c.Storage.Driver = "sqlite"
		}
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage path cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("storage driver must be sqlite or memory")
	}
	if c.Storage.MaxRecords < 0 {
		return fmt.Errorf("storage max_records cannot be negative")
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage retention cannot be negative")
	}
	if c.Storage.Retention > 0 && c.Storage.CleanupInterval <= 0 {
		return fmt.Errorf("storage cleanup_interval must be greater than zero when retention is set")
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

	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}

	return nil
}

func normalizeExtensions(list []string) []string {
	set := make(map[string]struct{}, len(list))
	result := make([]string, 0, len(list))
	for _, ext := range list {
		norm := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if norm == "" {
			continue
		}
		if _, exists := set[norm]; exists {
			continue
		}
		set[norm] = struct{}{}
		result = append(result, norm)
	}
	return result
}
