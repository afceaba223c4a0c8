package common

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Blob     BlobConfig
	Raster   RasterConfig
	Oracle   OracleConfig
	Pipeline PipelineConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// BlobConfig holds blob store configuration
type BlobConfig struct {
	RootDir       string
	SigningSecret string
	URLBase       string
}

// RasterConfig holds rasterization configuration
type RasterConfig struct {
	DPI      int
	MaxPages int
}

// OracleConfig holds extraction-oracle configuration
type OracleConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// PipelineConfig holds orchestrator/worker configuration
type PipelineConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// LoadConfig loads configuration from environment variables, honoring an
// optional .env file.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Database: DatabaseConfig{
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnvAsInt("PG_PORT", 5432),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "billfold"),
		},
		Server: ServerConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Blob: BlobConfig{
			RootDir:       getEnv("BLOB_ROOT", "./blobs"),
			SigningSecret: getEnv("BLOB_SIGNING_SECRET", ""),
			URLBase:       getEnv("BLOB_URL_BASE", "http://localhost:8080/blobs"),
		},
		Raster: RasterConfig{
			DPI:      getEnvAsInt("RASTER_DPI", 200),
			MaxPages: getEnvAsInt("RASTER_MAX_PAGES", 30),
		},
		Oracle: OracleConfig{
			APIKey:  getEnv("GEMINI_API_KEY", ""),
			Model:   getEnv("GEMINI_MODEL", "gemini-2.5-pro"),
			Timeout: getEnvAsDuration("ORACLE_TIMEOUT", 60*time.Second),
		},
		Pipeline: PipelineConfig{
			Workers:   getEnvAsInt("PIPELINE_WORKERS", 4),
			QueueSize: getEnvAsInt("PIPELINE_QUEUE_SIZE", 256),
			Timeout:   getEnvAsDuration("PIPELINE_TIMEOUT", 3*time.Minute),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Oracle.APIKey == "" {
		return WrapError(ErrInvalidInput, "GEMINI_API_KEY is required")
	}
	if c.Server.Addr == "" {
		return WrapError(ErrInvalidInput, "HTTP_ADDR is required")
	}
	if c.Blob.RootDir == "" {
		return WrapError(ErrInvalidInput, "BLOB_ROOT is required")
	}
	return nil
}
