// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	License     LicenseConfig
	Envato      EnvatoConfig
}

type ServerConfig struct {
	Port           string
	Host           string
	ReadTimeout    int
	WriteTimeout   int
	IdleTimeout    int
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
	LogLevel     string
}

type JWTConfig struct {
	SecretKey      string
	AccessTokenTTL int // in hours
}

// LicenseConfig carries the verification policy knobs. The engine takes it
// by value at construction so tests can run with different policies in
// parallel.
type LicenseConfig struct {
	APIToken                string
	MaxAttempts             int
	AttemptWindowMinutes    int
	LockoutMinutes          int
	DefaultMaxDomains       int
	AllowLocalhost          bool
	AllowIPDomains          bool
	AllowWildcardSubdomains bool
	VerifyNewDomains        bool // re-check the marketplace before binding an unseen domain
	FallbackInternal        bool // allow local-state decisions when the marketplace is down
	ExpiredGraceDays        int
	VerifyTimeoutSeconds    int
}

type EnvatoConfig struct {
	APIToken       string
	BaseURL        string
	TimeoutSeconds int
	CacheMinutes   int
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 15),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "license_portal"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
			LogLevel:     getEnv("DB_LOG_LEVEL", "silent"),
		},
		JWT: JWTConfig{
			SecretKey:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			AccessTokenTTL: getEnvAsInt("JWT_ACCESS_TTL", 24), // 24 hours
		},
		License: LicenseConfig{
			APIToken:                getEnv("LICENSE_API_TOKEN", ""),
			MaxAttempts:             getEnvAsInt("LICENSE_MAX_ATTEMPTS", 5),
			AttemptWindowMinutes:    getEnvAsInt("LICENSE_ATTEMPT_WINDOW_MINUTES", 15),
			LockoutMinutes:          getEnvAsInt("LICENSE_LOCKOUT_MINUTES", 15),
			DefaultMaxDomains:       getEnvAsInt("LICENSE_DEFAULT_MAX_DOMAINS", 1),
			AllowLocalhost:          getEnvAsBool("LICENSE_ALLOW_LOCALHOST", false),
			AllowIPDomains:          getEnvAsBool("LICENSE_ALLOW_IP_DOMAINS", false),
			AllowWildcardSubdomains: getEnvAsBool("LICENSE_ALLOW_WILDCARD_SUBDOMAINS", false),
			VerifyNewDomains:        getEnvAsBool("LICENSE_MARKETPLACE_VERIFY_NEW_DOMAINS", false),
			FallbackInternal:        getEnvAsBool("LICENSE_MARKETPLACE_FALLBACK_INTERNAL", false),
			ExpiredGraceDays:        getEnvAsInt("LICENSE_EXPIRED_GRACE_DAYS", 0),
			VerifyTimeoutSeconds:    getEnvAsInt("LICENSE_VERIFY_TIMEOUT_SECONDS", 15),
		},
		Envato: EnvatoConfig{
			APIToken:       getEnv("ENVATO_API_TOKEN", ""),
			BaseURL:        getEnv("ENVATO_BASE_URL", "https://api.envato.com"),
			TimeoutSeconds: getEnvAsInt("ENVATO_TIMEOUT_SECONDS", 10),
			CacheMinutes:   getEnvAsInt("ENVATO_CACHE_MINUTES", 30),
		},
	}

	return config, config.Validate()
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == "your-secret-key-change-in-production" && c.Environment == "production" {
		return fmt.Errorf("JWT secret key must be changed in production")
	}

	if c.Database.Password == "" && c.Environment == "production" {
		return fmt.Errorf("database password is required in production")
	}

	if c.License.APIToken == "" && c.Environment == "production" {
		return fmt.Errorf("license API token is required in production")
	}

	if c.License.MaxAttempts < 1 {
		return fmt.Errorf("LICENSE_MAX_ATTEMPTS must be at least 1")
	}

	if c.License.DefaultMaxDomains < 1 {
		return fmt.Errorf("LICENSE_DEFAULT_MAX_DOMAINS must be at least 1")
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
