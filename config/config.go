package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the analysis runtime
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Capability   CapabilityConfig   `mapstructure:"capability"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Session      SessionConfig      `mapstructure:"session"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug             bool          `mapstructure:"debug"`
	LogLevel          string        `mapstructure:"log_level"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, local, etc.
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string   `mapstructure:"name"`
	APIName         string   `mapstructure:"api_name"`
	MaxTokens       int      `mapstructure:"max_tokens"`
	Temperature     float64  `mapstructure:"temperature"`
	CostPer1K       float64  `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64  `mapstructure:"cost_per_1k_output"`
	Capabilities    []string `mapstructure:"capabilities"` // decision, synthesis, etc.
}

// LLMRoutingConfig defines which model to use for different tasks
type LLMRoutingConfig struct {
	Decision  string `mapstructure:"decision"`  // Use for handler routing decisions
	Synthesis string `mapstructure:"synthesis"` // Use for report synthesis
	Fallback  string `mapstructure:"fallback"`  // Fallback model
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	LogFile      string `mapstructure:"log_file"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// CapabilityConfig controls the handler card registry behaviour.
type CapabilityConfig struct {
	SigningSecret    string   `mapstructure:"signing_secret"`
	RequiredHandlers []string `mapstructure:"required_handlers"`
}

// CapabilitiesConfig locates the outbound capability services and tunes
// the invocation layer shared by all of them.
type CapabilitiesConfig struct {
	Crawler          CrawlerConfig  `mapstructure:"crawler"`
	Analysis         AnalysisConfig `mapstructure:"analysis"`
	Timeout          time.Duration  `mapstructure:"timeout"`
	Retries          int            `mapstructure:"retries"`
	Backoff          time.Duration  `mapstructure:"backoff"`
	BreakerThreshold int            `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration  `mapstructure:"breaker_cooldown"`
}

func (c CapabilitiesConfig) Validate() error {
	if strings.TrimSpace(c.Crawler.BaseURL) == "" {
		return fmt.Errorf("capabilities.crawler.base_url is required")
	}
	if strings.TrimSpace(c.Analysis.BaseURL) == "" {
		return fmt.Errorf("capabilities.analysis.base_url is required")
	}
	if c.Retries < 0 {
		return fmt.Errorf("capabilities.retries cannot be negative")
	}
	return nil
}

// CrawlerConfig contains crawler service settings
type CrawlerConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	PageSize     int           `mapstructure:"page_size"`
}

// AnalysisConfig contains analysis service settings
type AnalysisConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	BatchLimit int    `mapstructure:"batch_limit"`
}

// AgentsConfig contains handler execution settings
type AgentsConfig struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	MaxTurns           int           `mapstructure:"max_turns"`
	DecisionRetries    int           `mapstructure:"decision_retries"`
	HandlerTimeout     time.Duration `mapstructure:"handler_timeout"`
}

func (a AgentsConfig) Validate() error {
	if a.MaxTurns <= 0 {
		return fmt.Errorf("agents.max_turns must be greater than zero")
	}
	if a.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("agents.max_concurrent_tasks must be greater than zero")
	}
	return nil
}

// SessionConfig selects the session turn-log backend
type SessionConfig struct {
	Store string        `mapstructure:"store"` // inmemory, redis
	TTL   time.Duration `mapstructure:"ttl"`
	Redis RedisConfig   `mapstructure:"redis"`
}

func (s SessionConfig) Validate() error {
	switch s.Store {
	case "", "inmemory":
		return nil
	case "redis":
		return s.Redis.Validate()
	default:
		return fmt.Errorf("session.store must be inmemory or redis, got %q", s.Store)
	}
}

// SchedulerConfig controls recurring analysis runs
type SchedulerConfig struct {
	Enabled bool        `mapstructure:"enabled"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("redis host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("redis port required")
	}
	return nil
}

// Addr joins host and port for client construction.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, ssl)
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.max_processing_time", 10*time.Minute)
	viper.SetDefault("general.default_timeout", 30*time.Second)
	viper.SetDefault("server.address", ":10001")
	viper.SetDefault("agents.max_turns", 12)
	viper.SetDefault("agents.max_concurrent_tasks", 4)
	viper.SetDefault("agents.decision_retries", 1)
	viper.SetDefault("agents.handler_timeout", 5*time.Minute)
	viper.SetDefault("capabilities.timeout", 15*time.Second)
	viper.SetDefault("capabilities.retries", 2)
	viper.SetDefault("capabilities.backoff", 300*time.Millisecond)
	viper.SetDefault("capabilities.breaker_threshold", 3)
	viper.SetDefault("capabilities.breaker_cooldown", 30*time.Second)
	viper.SetDefault("capabilities.crawler.poll_interval", 2*time.Second)
	viper.SetDefault("capabilities.crawler.poll_timeout", 3*time.Minute)
	viper.SetDefault("capabilities.crawler.page_size", 50)
	viper.SetDefault("capabilities.analysis.batch_limit", 200)
	viper.SetDefault("session.store", "inmemory")
	viper.SetDefault("session.ttl", 2*time.Hour)

	if path == "" {
		viper.AddConfigPath("./app/config") // path to look for the config file in
		viper.AddConfigPath("./config")     // path to look for the config file in
		viper.AddConfigPath(".")            // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)                                // bin/
		viper.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("OPWATCH")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (OPWATCH_*)

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	// unmarshal config
	var config Config

	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	if err := config.Agents.Validate(); err != nil {
		panic(err)
	}
	if err := config.Session.Validate(); err != nil {
		panic(err)
	}
	if err := config.Capabilities.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
