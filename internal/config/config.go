// Package config provides configuration management for the trading gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"tradegate/internal/logging"
	"tradegate/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Broker      BrokerConfig      `mapstructure:"broker"`
	Angel       AngelConfig       `mapstructure:"angel"`
	Paper       PaperConfig       `mapstructure:"paper"`
	Session     SessionConfig     `mapstructure:"session"`
	Store       StoreConfig       `mapstructure:"store"`
	Logging     logging.LogConfig `mapstructure:"logging"`
	Credentials Credentials       `mapstructure:"-"` // Loaded separately
}

// BrokerConfig selects the broker used when none is given explicitly.
type BrokerConfig struct {
	Default string `mapstructure:"default"` // "live", "paper"
}

// AngelConfig holds settings for the live SmartAPI adapter.
type AngelConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	StreamURL         string        `mapstructure:"stream_url"`
	LoginURL          string        `mapstructure:"login_url"`
	ClientLocalIP     string        `mapstructure:"client_local_ip"`
	ClientPublicIP    string        `mapstructure:"client_public_ip"`
	MACAddress        string        `mapstructure:"mac_address"`
	DefaultExchange   string        `mapstructure:"default_exchange"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HistoryLookback   time.Duration `mapstructure:"history_lookback"`
	Timeout           time.Duration `mapstructure:"timeout"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
}

// PaperConfig holds settings for the simulated adapter.
type PaperConfig struct {
	InitialBalance   float64       `mapstructure:"initial_balance"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	Volatility       float64       `mapstructure:"volatility"`
	StreamVolatility float64       `mapstructure:"stream_volatility"`
}

// SessionConfig holds session registry settings.
type SessionConfig struct {
	// RefreshAfter is the token age after which live sessions are refreshed
	// before the next call. Zero disables proactive refresh.
	RefreshAfter time.Duration `mapstructure:"refresh_after"`
}

// StoreConfig holds token store settings.
type StoreConfig struct {
	Path    string `mapstructure:"path"`
	Encrypt bool   `mapstructure:"encrypt"`
	Key     string `mapstructure:"-"` // TRADEGATE_STORE_KEY only
}

// Credentials holds API credentials.
type Credentials struct {
	Angel AngelCredentials `mapstructure:"angel"`
}

// AngelCredentials holds SmartAPI credentials.
type AngelCredentials struct {
	APIKey     string `mapstructure:"api_key"`
	ClientCode string `mapstructure:"client_code"`
	Password   string `mapstructure:"password"`
	TOTPSecret string `mapstructure:"totp_secret"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/tradegate"
	}
	return filepath.Join(home, ".config", "tradegate")
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("broker.default", string(models.BrokerPaper))

	v.SetDefault("angel.base_url", "https://apiconnect.angelone.in")
	v.SetDefault("angel.stream_url", "wss://smartapisocket.angelone.in/smart-stream")
	v.SetDefault("angel.login_url", "https://smartapi.angelone.in/publisher-login")
	v.SetDefault("angel.client_local_ip", "127.0.0.1")
	v.SetDefault("angel.client_public_ip", "127.0.0.1")
	v.SetDefault("angel.mac_address", "00:00:00:00:00:00")
	v.SetDefault("angel.default_exchange", string(models.NSE))
	v.SetDefault("angel.heartbeat_interval", "30s")
	v.SetDefault("angel.history_lookback", "4380h") // ~6 months
	v.SetDefault("angel.timeout", "15s")
	v.SetDefault("angel.breaker_threshold", 5)
	v.SetDefault("angel.breaker_cooldown", "30s")

	v.SetDefault("paper.initial_balance", 1000000.0)
	v.SetDefault("paper.tick_interval", "1s")
	v.SetDefault("paper.volatility", 0.01)
	v.SetDefault("paper.stream_volatility", 0.005)

	v.SetDefault("session.refresh_after", "6h")

	v.SetDefault("store.path", filepath.Join(configDir, "sessions.db"))
	v.SetDefault("store.encrypt", true)

	logCfg := logging.DefaultLogConfig()
	v.SetDefault("logging.level", logCfg.Level)
	v.SetDefault("logging.console", logCfg.Console)
	v.SetDefault("logging.file", logCfg.File)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "tradegate.log"))
	v.SetDefault("logging.max_size", logCfg.MaxSize)
	v.SetDefault("logging.max_backups", logCfg.MaxBackups)
	v.SetDefault("logging.max_age", logCfg.MaxAge)
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// Config file not found, create template and continue with defaults
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANGEL_API_KEY"); v != "" {
		cfg.Credentials.Angel.APIKey = v
	}
	if v := os.Getenv("ANGEL_CLIENT_CODE"); v != "" {
		cfg.Credentials.Angel.ClientCode = v
	}
	if v := os.Getenv("ANGEL_PASSWORD"); v != "" {
		cfg.Credentials.Angel.Password = v
	}
	if v := os.Getenv("ANGEL_TOTP_SECRET"); v != "" {
		cfg.Credentials.Angel.TOTPSecret = v
	}
	if v := os.Getenv("TRADEGATE_BROKER"); v != "" {
		cfg.Broker.Default = v
	}
	if v := os.Getenv("TRADEGATE_STORE_KEY"); v != "" {
		cfg.Store.Key = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := models.ParseBrokerKind(c.Broker.Default); err != nil {
		return fmt.Errorf("broker.default: %w", err)
	}
	if c.Paper.InitialBalance < 0 {
		return fmt.Errorf("paper.initial_balance must be non-negative")
	}
	if c.Paper.TickInterval <= 0 {
		return fmt.Errorf("paper.tick_interval must be positive")
	}
	if c.Paper.Volatility < 0 || c.Paper.Volatility >= 1 {
		return fmt.Errorf("paper.volatility must be in [0, 1)")
	}
	if c.Paper.StreamVolatility < 0 || c.Paper.StreamVolatility >= 1 {
		return fmt.Errorf("paper.stream_volatility must be in [0, 1)")
	}
	if c.Angel.HeartbeatInterval <= 0 {
		return fmt.Errorf("angel.heartbeat_interval must be positive")
	}
	if c.Session.RefreshAfter < 0 {
		return fmt.Errorf("session.refresh_after must be non-negative")
	}
	return nil
}

// DefaultBrokerKind returns the configured default broker kind.
func (c *Config) DefaultBrokerKind() models.BrokerKind {
	kind, err := models.ParseBrokerKind(c.Broker.Default)
	if err != nil {
		return models.BrokerPaper
	}
	return kind
}
