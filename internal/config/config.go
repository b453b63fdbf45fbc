package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Transport    TransportConfig    `mapstructure:"transport"`
	Fallback     FallbackConfig     `mapstructure:"fallback"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Media        MediaConfig        `mapstructure:"media"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type StoreConfig struct {
	Type        string `mapstructure:"type"`
	FilePath    string `mapstructure:"file_path"` // For SQLite
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	Database    string `mapstructure:"database"`
	BusyTimeout int    `mapstructure:"busy_timeout"` // milliseconds, SQLite only
}

type SyncConfig struct {
	AutoInterval      string `mapstructure:"auto_interval"`
	BaseDelay         string `mapstructure:"base_delay"`
	MaxDelay          string `mapstructure:"max_delay"`
	CriticalAttempts  int    `mapstructure:"critical_attempts"`
	DefaultAttempts   int    `mapstructure:"default_attempts"`
	DefaultMaxRetries int    `mapstructure:"default_max_retries"`
	FallbackTimeout   string `mapstructure:"fallback_timeout"`
}

func (s SyncConfig) GetBaseDelay() time.Duration {
	return parseDuration(s.BaseDelay, time.Second)
}

func (s SyncConfig) GetMaxDelay() time.Duration {
	return parseDuration(s.MaxDelay, 30*time.Second)
}

func (s SyncConfig) GetFallbackTimeout() time.Duration {
	return parseDuration(s.FallbackTimeout, 10*time.Second)
}

// CronSpec turns the auto-sync interval into a robfig/cron schedule.
func (s SyncConfig) CronSpec() string {
	if s.AutoInterval == "" {
		return ""
	}
	if strings.HasPrefix(s.AutoInterval, "@") || strings.Contains(s.AutoInterval, " ") {
		return s.AutoInterval
	}
	return "@every " + s.AutoInterval
}

type TransportConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TenantID       string `mapstructure:"tenant_id"`
	APIToken       string `mapstructure:"api_token"`
	RequestTimeout string `mapstructure:"request_timeout"`
	HealthPath     string `mapstructure:"health_path"`
}

func (t TransportConfig) GetRequestTimeout() time.Duration {
	return parseDuration(t.RequestTimeout, 15*time.Second)
}

type FallbackConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type ConnectivityConfig struct {
	ProbeTimeout  string `mapstructure:"probe_timeout"`
	CheckInterval string `mapstructure:"check_interval"`
}

func (c ConnectivityConfig) GetProbeTimeout() time.Duration {
	return parseDuration(c.ProbeTimeout, 5*time.Second)
}

func (c ConnectivityConfig) GetCheckInterval() time.Duration {
	return parseDuration(c.CheckInterval, 30*time.Second)
}

type MediaConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Prefix          string `mapstructure:"prefix"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads the YAML file at path. A missing file is not an error:
// defaults and EXCURSION_* environment variables still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("EXCURSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.file_path", "excursion.db")
	v.SetDefault("store.busy_timeout", 5000)

	v.SetDefault("sync.auto_interval", "30s")
	v.SetDefault("sync.base_delay", "1s")
	v.SetDefault("sync.max_delay", "30s")
	v.SetDefault("sync.critical_attempts", 5)
	v.SetDefault("sync.default_attempts", 3)
	v.SetDefault("sync.default_max_retries", 10)
	v.SetDefault("sync.fallback_timeout", "10s")

	v.SetDefault("transport.request_timeout", "15s")
	v.SetDefault("transport.health_path", "/health")

	v.SetDefault("connectivity.probe_timeout", "5s")
	v.SetDefault("connectivity.check_interval", "30s")

	v.SetDefault("media.region", "us-east-1")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
