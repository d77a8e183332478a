package config

import (
	"fmt"
	"strings"

	"github.com/clinimatch-server/internal/domain"
	"github.com/spf13/viper"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	config *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	// Set configuration file name and paths
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/clinimatch-server/")

	// Set environment variable prefix and enable automatic env binding
	viper.SetEnvPrefix("CLINIMATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	m.setDefaults()

	// Read configuration file (optional - will use defaults and env vars if not found)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal configuration into struct
	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "60s")
	viper.SetDefault("server.idle_timeout", "120s")

	// Database defaults (postgres cache backend)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "clinimatch")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "migrations")

	// Cache defaults
	viper.SetDefault("cache.backend", "memory")
	viper.SetDefault("cache.default_ttl", "1h")
	viper.SetDefault("cache.max_entries", 1024)
	viper.SetDefault("cache.path", "data/trials_cache.db")
	viper.SetDefault("cache.redis_url", "redis://localhost:6379")
	viper.SetDefault("cache.pool_size", 10)
	viper.SetDefault("cache.max_retries", 3)

	// Registry defaults
	viper.SetDefault("registry.base_url", "https://clinicaltrials.gov/api/v2")
	viper.SetDefault("registry.timeout", "30s")
	viper.SetDefault("registry.rate_limit", 5)
	viper.SetDefault("registry.retry_count", 3)
	viper.SetDefault("registry.retry_delay", "1s")

	// Translation defaults
	viper.SetDefault("translation.base_url", "https://generativelanguage.googleapis.com/v1beta")
	viper.SetDefault("translation.api_key", "")
	viper.SetDefault("translation.model", "gemini-2.0-flash")
	viper.SetDefault("translation.timeout", "30s")
	viper.SetDefault("translation.rate_limit", 10)
	viper.SetDefault("translation.retry_count", 2)
	viper.SetDefault("translation.retry_delay", "500ms")

	// Geocoding defaults
	viper.SetDefault("geocoding.base_url", "https://nominatim.openstreetmap.org")
	viper.SetDefault("geocoding.user_agent", "clinimatch-server/1.0")
	viper.SetDefault("geocoding.timeout", "10s")
	viper.SetDefault("geocoding.rate_limit", 1)
	viper.SetDefault("geocoding.retry_count", 2)
	viper.SetDefault("geocoding.retry_delay", "200ms")
	viper.SetDefault("geocoding.cache_size", 2048)
	viper.SetDefault("geocoding.cache_ttl", "720h")
	viper.SetDefault("geocoding.workers", 1)
	viper.SetDefault("geocoding.quota_cooldown", "5m")

	// Matching defaults
	viper.SetDefault("matching.max_results", 50)
	viper.SetDefault("matching.default_limit", 10)
	viper.SetDefault("matching.max_limit", 50)
	viper.SetDefault("matching.translation_workers", 5)
	viper.SetDefault("matching.stale_if_error", true)
	viper.SetDefault("matching.excluded_statuses", []string{"completed"})

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetCacheConfig returns cache configuration
func (m *Manager) GetCacheConfig() *domain.CacheConfig {
	return &m.config.Cache
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	// Validate server configuration
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	// Validate cache configuration
	switch config.Cache.Backend {
	case "memory", "sqlite", "redis", "postgres":
	default:
		return fmt.Errorf("invalid cache backend: %s", config.Cache.Backend)
	}
	if config.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache default_ttl must be positive")
	}
	if config.Cache.Backend == "redis" && config.Cache.RedisURL == "" {
		return fmt.Errorf("redis URL is required for redis cache backend")
	}
	if config.Cache.Backend == "sqlite" && config.Cache.Path == "" {
		return fmt.Errorf("cache path is required for sqlite cache backend")
	}
	if config.Cache.Backend == "postgres" {
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required for postgres cache backend")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required for postgres cache backend")
		}
		if config.Database.Username == "" {
			return fmt.Errorf("database username is required for postgres cache backend")
		}
	}

	// Validate external service URLs
	if config.Registry.BaseURL == "" {
		return fmt.Errorf("registry base URL is required")
	}
	if config.Translation.BaseURL == "" {
		return fmt.Errorf("translation base URL is required")
	}
	if config.Geocoding.BaseURL == "" {
		return fmt.Errorf("geocoding base URL is required")
	}
	if config.Geocoding.Workers < 1 || config.Geocoding.Workers > 5 {
		return fmt.Errorf("geocoding workers must be between 1 and 5, got %d", config.Geocoding.Workers)
	}

	// Validate matching configuration
	if config.Matching.DefaultLimit <= 0 || config.Matching.DefaultLimit > config.Matching.MaxLimit {
		return fmt.Errorf("invalid matching default_limit: %d", config.Matching.DefaultLimit)
	}
	if config.Matching.TranslationWorkers <= 0 {
		return fmt.Errorf("matching translation_workers must be positive")
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the database URL used by the migration runner
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.Database, db.SSLMode)
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(viper.GetString("environment")) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(viper.GetString("environment"))
	return env == "development" || env == "dev" || env == ""
}
