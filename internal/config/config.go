package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the targeting servers
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	ZoneService ZoneServiceConfig
	Loader      LoaderConfig
	Conversion  ConversionConfig
	Logging     LoggingConfig

	// Warnings collects non-fatal problems found while reading the
	// environment. They are logged once the logger exists.
	Warnings []string
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	Environment    string
	AllowedOrigins []string
	RateLimit      string
	SessionTTL     time.Duration
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RunMigrations   bool
}

// RedisConfig holds the response cache configuration of the zone data service.
// An empty Addr disables the cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// AuthConfig holds host bridge authentication configuration
type AuthConfig struct {
	JWTSecret     string
	JWTExpiration time.Duration
	Issuer        string
	BCryptCost    int
	// HostKeys maps a host id to the bcrypt hash of its API key.
	HostKeys map[string]string
}

// ZoneServiceConfig holds the zone data service client configuration
type ZoneServiceConfig struct {
	BaseURL     string
	Timeout     time.Duration
	RetryCount  int
	SearchLimit int
}

// LoaderConfig holds viewport loading policy
type LoaderConfig struct {
	// PreloadAtomic enables background loading of atomic units while a
	// coarse zone type is active. Off by default.
	PreloadAtomic bool
	// StudyLatSpan and StudyLngSpan are the half-extents of the rectangle
	// preloaded around the store when a study is restored.
	StudyLatSpan float64
	StudyLngSpan float64
	// ValidationMargin expands the temporary selection bounds before
	// checking that atomic units are cached for a conversion.
	ValidationMargin float64
	ViewportMargin   float64
}

// ConversionConfig holds the coverage conversion parameters
type ConversionConfig struct {
	MinCoverageRatio  float64
	EarlyAcceptFactor float64
	ExactBandFactor   float64
	BoundsMargin      float64
	BatchSize         int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// Load reads the targeting server configuration from environment variables
// and the .env file in the current working directory.
func Load() (*Config, error) {
	config := load()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// LoadZoneData reads the zone data service configuration. It requires
// database settings instead of authentication secrets.
func LoadZoneData() (*Config, error) {
	config := load()
	if err := config.ValidateZoneData(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

func load() *Config {
	c := &Config{}

	// A missing .env is fine, variables can still come from the environment
	if err := godotenv.Load(); err != nil {
		c.warnf(".env file not found (this is OK if using environment variables): %v", err)
	}

	c.Server = ServerConfig{
		Host:           c.getEnv("SERVER_HOST", "0.0.0.0"),
		Port:           c.getEnv("SERVER_PORT", "8080"),
		ReadTimeout:    c.getDurationEnv("SERVER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:   c.getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:    c.getDurationEnv("SERVER_IDLE_TIMEOUT", 60*time.Second),
		Environment:    c.getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: c.getListEnv("ALLOWED_ORIGINS", nil),
		RateLimit:      c.getEnv("RATE_LIMIT", "300-M"),
		SessionTTL:     c.getDurationEnv("SESSION_TTL", 2*time.Hour),
	}
	c.Database = DatabaseConfig{
		Host:            c.getEnv("DB_HOST", "localhost"),
		Port:            c.getIntEnv("DB_PORT", 5432),
		User:            c.getEnv("DB_USER", "postgres"),
		Password:        c.getEnv("DB_PASSWORD", ""),
		Database:        c.getEnv("DB_NAME", "mediaposte"),
		SSLMode:         c.getEnv("DB_SSLMODE", "disable"),
		MaxConnections:  c.getIntEnv("DB_MAX_CONNECTIONS", 25),
		MaxIdleConns:    c.getIntEnv("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: c.getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		RunMigrations:   c.getBoolEnv("DB_RUN_MIGRATIONS", true),
	}
	c.Redis = RedisConfig{
		Addr:     c.getEnv("REDIS_ADDR", ""),
		Password: c.getEnv("REDIS_PASSWORD", ""),
		DB:       c.getIntEnv("REDIS_DB", 0),
		TTL:      c.getDurationEnv("REDIS_TTL", 10*time.Minute),
	}
	c.Auth = AuthConfig{
		JWTSecret:     c.getEnv("JWT_SECRET", ""),
		JWTExpiration: c.getDurationEnv("JWT_EXPIRATION", time.Hour),
		Issuer:        c.getEnv("JWT_ISSUER", "mediaposte-server"),
		BCryptCost:    c.getIntEnv("BCRYPT_COST", 10),
		HostKeys:      c.getMapEnv("HOST_KEYS"),
	}
	c.ZoneService = ZoneServiceConfig{
		// 127.0.0.1 instead of localhost avoids IPv6 resolution surprises
		BaseURL:     c.getEnv("ZONE_SERVICE_BASE_URL", "http://127.0.0.1:8081"),
		Timeout:     c.getDurationEnv("ZONE_SERVICE_TIMEOUT", 30*time.Second),
		RetryCount:  c.getIntEnv("ZONE_SERVICE_RETRY_COUNT", 2),
		SearchLimit: c.getIntEnv("ZONE_SERVICE_SEARCH_LIMIT", 20),
	}
	c.Loader = LoaderConfig{
		PreloadAtomic:    c.getBoolEnv("LOADER_PRELOAD_ATOMIC", false),
		StudyLatSpan:     c.getFloatEnv("LOADER_STUDY_LAT_SPAN", 0.25),
		StudyLngSpan:     c.getFloatEnv("LOADER_STUDY_LNG_SPAN", 0.35),
		ValidationMargin: c.getFloatEnv("LOADER_VALIDATION_MARGIN", 0.005),
		ViewportMargin:   c.getFloatEnv("LOADER_VIEWPORT_MARGIN", 0.2),
	}
	c.Conversion = ConversionConfig{
		MinCoverageRatio:  c.getFloatEnv("CONVERSION_MIN_RATIO", 0.4),
		EarlyAcceptFactor: c.getFloatEnv("CONVERSION_EARLY_ACCEPT_FACTOR", 1.5),
		ExactBandFactor:   c.getFloatEnv("CONVERSION_EXACT_BAND_FACTOR", 0.8),
		BoundsMargin:      c.getFloatEnv("CONVERSION_BOUNDS_MARGIN", 0.001),
		BatchSize:         c.getIntEnv("CONVERSION_BATCH_SIZE", 20),
	}
	c.Logging = LoggingConfig{
		Level:      c.getEnv("LOG_LEVEL", "info"),
		Format:     c.getEnv("LOG_FORMAT", "json"),
		OutputPath: c.getEnv("LOG_OUTPUT_PATH", ""),
	}
	return c
}

// Validate checks that all values required by the targeting server are set
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if len(c.Auth.HostKeys) == 0 {
		return errors.New("HOST_KEYS is required")
	}
	if c.ZoneService.BaseURL == "" {
		return errors.New("ZONE_SERVICE_BASE_URL is required")
	}
	if err := c.Conversion.Validate(); err != nil {
		return err
	}
	return c.Loader.Validate()
}

// ValidateZoneData checks that all values required by the zone data service are set
func (c *Config) ValidateZoneData() error {
	if c.Database.Password == "" {
		return errors.New("DB_PASSWORD is required")
	}
	if c.Redis.Addr != "" && c.Redis.TTL <= 0 {
		return errors.New("REDIS_TTL must be positive")
	}
	return nil
}

// Validate checks the coverage parameters are usable
func (c ConversionConfig) Validate() error {
	if c.MinCoverageRatio <= 0 || c.MinCoverageRatio > 1 {
		return fmt.Errorf("CONVERSION_MIN_RATIO must be in (0,1], got %v", c.MinCoverageRatio)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("CONVERSION_BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	}
	if c.BoundsMargin < 0 {
		return fmt.Errorf("CONVERSION_BOUNDS_MARGIN must not be negative, got %v", c.BoundsMargin)
	}
	if c.ExactBandFactor <= 0 || c.ExactBandFactor > 1 || c.EarlyAcceptFactor < 1 {
		return fmt.Errorf("conversion factors must satisfy 0 < band <= 1 <= early accept, got %v and %v",
			c.ExactBandFactor, c.EarlyAcceptFactor)
	}
	return nil
}

// Validate checks the loader spans and margins
func (c LoaderConfig) Validate() error {
	if c.StudyLatSpan <= 0 || c.StudyLngSpan <= 0 {
		return errors.New("LOADER_STUDY_LAT_SPAN and LOADER_STUDY_LNG_SPAN must be positive")
	}
	if c.ValidationMargin < 0 || c.ViewportMargin < 0 {
		return errors.New("loader margins must not be negative")
	}
	return nil
}

// DatabaseURL returns a PostgreSQL connection string
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
	)
}

// Address returns the listen address
func (c *ServerConfig) Address() string {
	return c.Host + ":" + c.Port
}

// IsDevelopment returns true if running in development mode
func (c *ServerConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// Helper functions for environment variable access

func (c *Config) warnf(format string, args ...interface{}) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func (c *Config) getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func (c *Config) getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		c.warnf("invalid integer value for %s: %s, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return intValue
}

func (c *Config) getFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		c.warnf("invalid float value for %s: %s, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return floatValue
}

func (c *Config) getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		c.warnf("invalid boolean value for %s: %s, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return boolValue
}

func (c *Config) getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		c.warnf("invalid duration value for %s: %s, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return duration
}

func (c *Config) getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getMapEnv parses "id=value;id2=value2". Semicolons separate entries
// because bcrypt hashes never contain them.
func (c *Config) getMapEnv(key string) map[string]string {
	out := make(map[string]string)
	value := os.Getenv(key)
	if value == "" {
		return out
	}
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, v, ok := strings.Cut(entry, "=")
		if !ok || id == "" || v == "" {
			c.warnf("ignoring malformed %s entry %q", key, entry)
			continue
		}
		out[strings.TrimSpace(id)] = strings.TrimSpace(v)
	}
	return out
}
