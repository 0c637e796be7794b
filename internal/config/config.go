package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "ENTITYSYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "entitysync.db"
	defaultLogLevel        = "info"
	defaultAccountID       = "default"
	defaultSyncInterval    = time.Minute
	defaultExportBatchSize = 1000
	defaultStaleQueueSize  = 256
	defaultTokenTTLMinutes = 30
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	AccountID       string
	SigningSecret   string
	TokenTTL        time.Duration
	SyncInterval    time.Duration
	ExportBatchSize int
	StaleQueueSize  int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("account.id", defaultAccountID)
	configViper.SetDefault("sync.interval_seconds", int(defaultSyncInterval.Seconds()))
	configViper.SetDefault("sync.export_batch_size", defaultExportBatchSize)
	configViper.SetDefault("sync.stale_queue_size", defaultStaleQueueSize)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		AccountID:       configViper.GetString("account.id"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenTTL:        time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		SyncInterval:    time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		ExportBatchSize: configViper.GetInt("sync.export_batch_size"),
		StaleQueueSize:  configViper.GetInt("sync.stale_queue_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AccountID) == "" {
		return fmt.Errorf("account.id is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.ExportBatchSize <= 0 {
		return fmt.Errorf("sync.export_batch_size must be positive")
	}
	if c.StaleQueueSize <= 0 {
		return fmt.Errorf("sync.stale_queue_size must be positive")
	}
	return nil
}
