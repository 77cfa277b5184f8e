// Package config loads service configuration from YAML files and environment
// variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// DatabaseConfig holds holdings cache database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`     // Maximum number of open connections to the database
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`     // Maximum number of idle connections in the pool
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`  // Maximum amount of time a connection may be reused (e.g., "5m", "1h")
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"` // Maximum amount of time a connection may be idle (e.g., "10m", "30m")
}

// LedgerConfig holds ledger node configuration
type LedgerConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	ContractAddress string `mapstructure:"contract_address"`
	StartHeight     uint64 `mapstructure:"start_height"`
	BlockChunkSize  uint64 `mapstructure:"block_chunk_size"`
}

// MirrorConfig holds analytical ledger mirror configuration
type MirrorConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// NATSConfig holds NATS JetStream configuration for report delivery
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectionName string        `mapstructure:"connection_name"`
}

// RetryConfig holds fetch retry configuration
type RetryConfig struct {
	MaxAttempts         uint64        `mapstructure:"max_attempts"`
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
}

// RunConfig holds per-run pipeline configuration
type RunConfig struct {
	RepairBatchSize   int           `mapstructure:"repair_batch_size"`
	WalletConcurrency int           `mapstructure:"wallet_concurrency"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	SinceHeight       uint64        `mapstructure:"since_height"`
}

// ReconcilerConfig holds configuration for the one-shot reconciler
type ReconcilerConfig struct {
	BaseConfig `mapstructure:",squash"`
	Database   DatabaseConfig `mapstructure:"database"`
	Ledger     LedgerConfig   `mapstructure:"ledger"`
	Mirror     MirrorConfig   `mapstructure:"mirror"`
	NATS       NATSConfig     `mapstructure:"nats"`
	Retry      RetryConfig    `mapstructure:"retry"`
	Run        RunConfig      `mapstructure:"run"`
}

// DriftSweeperConfig holds configuration for the drift-sweeper daemon
type DriftSweeperConfig struct {
	BaseConfig    `mapstructure:",squash"`
	Database      DatabaseConfig `mapstructure:"database"`
	Ledger        LedgerConfig   `mapstructure:"ledger"`
	Mirror        MirrorConfig   `mapstructure:"mirror"`
	NATS          NATSConfig     `mapstructure:"nats"`
	Retry         RetryConfig    `mapstructure:"retry"`
	Run           RunConfig      `mapstructure:"run"`
	SweepInterval time.Duration  `mapstructure:"sweep_interval"`
}

// LoadReconcilerConfig loads configuration for the one-shot reconciler
func LoadReconcilerConfig(configFile string, envPath string) (*ReconcilerConfig, error) {
	v := configureViper("reconciler", configFile, envPath)

	setPipelineDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Config file not found, use environment variables
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config ReconcilerConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validatePipelineConfig(&config.Database, &config.Ledger, &config.Mirror); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadDriftSweeperConfig loads configuration for the drift-sweeper daemon
func LoadDriftSweeperConfig(configFile string, envPath string) (*DriftSweeperConfig, error) {
	v := configureViper("drift-sweeper", configFile, envPath)

	setPipelineDefaults(v)
	v.SetDefault("sweep_interval", "10m")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Config file not found, use environment variables
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config DriftSweeperConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validatePipelineConfig(&config.Database, &config.Ledger, &config.Mirror); err != nil {
		return nil, err
	}

	return &config, nil
}

// setPipelineDefaults sets the defaults shared by both programs
func setPipelineDefaults(v *viper.Viper) {
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle_time", "10m")
	v.SetDefault("ledger.block_chunk_size", 50000)
	v.SetDefault("mirror.database", "ledger")
	v.SetDefault("nats.subject_prefix", "reconciliation.reports")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_interval", "500ms")
	v.SetDefault("retry.max_interval", "30s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.randomization_factor", 0.5)
	v.SetDefault("run.repair_batch_size", 200)
	v.SetDefault("run.wallet_concurrency", 4)
	v.SetDefault("run.run_timeout", "5m")
}

// validatePipelineConfig checks the fields both programs require
func validatePipelineConfig(db *DatabaseConfig, ledger *LedgerConfig, mirror *MirrorConfig) error {
	if db.Host == "" {
		return errors.New("database.host is required")
	}
	if db.DBName == "" {
		return errors.New("database.dbname is required")
	}
	if mirror.Enabled {
		if mirror.Addr == "" {
			return errors.New("mirror.addr is required when mirror is enabled")
		}
	} else {
		if ledger.RPCURL == "" {
			return errors.New("ledger.rpc_url is required")
		}
		if ledger.ContractAddress == "" {
			return errors.New("ledger.contract_address is required")
		}
	}
	return nil
}

// configureViper returns a viper instance with the config file and environment variables set
func configureViper(service string, configFile string, envPath string) *viper.Viper {
	v := viper.New()

	// Load environment variables
	loadEnv(envPath, service)

	// Set config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		// Search for config.yaml in multiple locations:
		// 1. Current directory
		v.AddConfigPath(".")
		// 2. Service-specific directory (e.g., cmd/reconciler/, cmd/drift-sweeper/)
		v.AddConfigPath(fmt.Sprintf("cmd/%s/", service))
		// 3. Config directory
		v.AddConfigPath("config/")
	}

	// Set environment variables
	v.SetEnvPrefix("HOLDINGS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind all environment variables
	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars explicitly binds all possible environment variables
// This is required for viper to map env vars to config struct fields when no config file exists
func bindAllEnvVars(v *viper.Viper) {
	commonKeys := []string{
		"debug",
		"sentry_dsn",
		// Database
		"database.host",
		"database.port",
		"database.user",
		"database.password",
		"database.dbname",
		"database.sslmode",
		"database.max_open_conns",
		"database.max_idle_conns",
		"database.conn_max_lifetime",
		"database.conn_max_idle_time",
		// Ledger
		"ledger.rpc_url",
		"ledger.contract_address",
		"ledger.start_height",
		"ledger.block_chunk_size",
		// Mirror
		"mirror.enabled",
		"mirror.addr",
		"mirror.database",
		"mirror.username",
		"mirror.password",
		// NATS
		"nats.url",
		"nats.subject_prefix",
		"nats.max_reconnects",
		"nats.reconnect_wait",
		"nats.connection_name",
		// Retry
		"retry.max_attempts",
		"retry.initial_interval",
		"retry.max_interval",
		"retry.multiplier",
		"retry.randomization_factor",
		// Run
		"run.repair_batch_size",
		"run.wallet_concurrency",
		"run.run_timeout",
		"run.since_height",
		// Sweeper
		"sweep_interval",
	}

	for _, key := range commonKeys {
		_ = v.BindEnv(key)
	}
}

// loadEnv loads environment variables from the config directory
func loadEnv(envPath string, service string) {
	// Always try shared base first, then local, then optional per-service local.
	envFiles := []string{".env", ".env.local"}
	if service != "" {
		envFiles = append(envFiles, ".env."+service+".local")
	}

	// Default to config directory
	if envPath == "" {
		envPath = "config/"
	}

	for _, envFile := range envFiles {
		candidate := filepath.Join(envPath, envFile)
		_ = godotenv.Overload(candidate) // Overload lets later files override earlier ones
	}
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
