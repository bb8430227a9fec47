package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/semanticcity/server/internal/world"
)

// Config holds all configuration for the Semantic City server
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Embeddings EmbeddingsConfig
	World      world.Config
	Streaming  StreamingConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host           string
	Port           string `validate:"required"`
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	Environment    string
	AllowedOrigins []string
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite" uses SQLitePath; "postgres" uses the connection fields.
type DatabaseConfig struct {
	Driver          string `validate:"oneof=sqlite postgres"`
	SQLitePath      string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int `validate:"gte=1"`
	MaxIdleConns    int `validate:"gte=0"`
	ConnMaxLifetime time.Duration
}

// EmbeddingsConfig selects where the k-NN index is populated from
type EmbeddingsConfig struct {
	Source     string `validate:"oneof=db jsonl remote"`
	JSONLPath  string
	RemoteURL  string
	Timeout    time.Duration
	RetryCount int `validate:"gte=0"`
	Preload    bool
}

// StreamingConfig holds chunk streaming configuration
type StreamingConfig struct {
	MaxRetries     int           `validate:"gte=0"`
	RetryBackoff   time.Duration `validate:"gte=0"`
	EvictionRadius int           `validate:"gte=0"`
	MaxRadius      int           `validate:"gte=0"`
}

// RateLimitConfig holds REST rate limiting configuration
type RateLimitConfig struct {
	Enabled bool
	Limit   int `validate:"gte=1"`
	Window  time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// Load reads configuration from environment variables and .env file
// The world parameters may additionally come from a YAML file named by
// WORLD_CONFIG_FILE; WORLD_* environment variables override the file.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found (this is OK if using environment variables): %v", err)
	}

	worldCfg, err := loadWorldConfig(getEnv("WORLD_CONFIG_FILE", ""))
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			ReadTimeout:    getDurationEnv("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getDurationEnv("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getDurationEnv("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:    getEnv("ENVIRONMENT", "development"),
			AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173", "http://127.0.0.1:3000", "http://127.0.0.1:5173"}),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "sqlite"),
			SQLitePath:      getEnv("DB_SQLITE_PATH", "semcity.db"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getIntEnv("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "semcity_dev"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxConnections:  getIntEnv("DB_MAX_CONNECTIONS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Embeddings: EmbeddingsConfig{
			Source:     getEnv("EMBEDDINGS_SOURCE", "db"),
			JSONLPath:  getEnv("EMBEDDINGS_JSONL_PATH", ""),
			RemoteURL:  getEnv("EMBEDDINGS_REMOTE_URL", "http://127.0.0.1:8081"),
			Timeout:    getDurationEnv("EMBEDDINGS_TIMEOUT", 30*time.Second),
			RetryCount: getIntEnv("EMBEDDINGS_RETRY_COUNT", 3),
			Preload:    getBoolEnv("EMBEDDINGS_PRELOAD", true),
		},
		World: worldCfg,
		Streaming: StreamingConfig{
			MaxRetries:     getIntEnv("STREAM_MAX_RETRIES", 3),
			RetryBackoff:   getDurationEnv("STREAM_RETRY_BACKOFF", 200*time.Millisecond),
			EvictionRadius: getIntEnv("STREAM_EVICTION_RADIUS", 0),
			MaxRadius:      getIntEnv("STREAM_MAX_RADIUS", 3),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBoolEnv("RATE_LIMIT_ENABLED", true),
			Limit:   getIntEnv("RATE_LIMIT_REQUESTS", 1000),
			Window:  getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			OutputPath: getEnv("LOG_OUTPUT_PATH", ""),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// loadWorldConfig starts from the defaults, overlays the optional YAML file,
// then applies WORLD_* environment overrides.
func loadWorldConfig(path string) (world.Config, error) {
	w := world.DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return w, fmt.Errorf("failed to read world config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &w); err != nil {
			return w, fmt.Errorf("failed to parse world config %s: %w", path, err)
		}
	}

	w.Seed = int32(getIntEnv("WORLD_SEED", int(w.Seed)))
	w.Version = getIntEnv("WORLD_VERSION", w.Version)
	w.GridSize = getIntEnv("WORLD_GRID_SIZE", w.GridSize)
	w.CellSize = getFloatEnv("WORLD_CELL_SIZE", w.CellSize)
	w.BaseWidth = getFloatEnv("WORLD_BASE_WIDTH", w.BaseWidth)
	w.MaxWidth = getFloatEnv("WORLD_MAX_WIDTH", w.MaxWidth)
	w.BaseHeight = getFloatEnv("WORLD_BASE_HEIGHT", w.BaseHeight)
	w.MaxHeight = getFloatEnv("WORLD_MAX_HEIGHT", w.MaxHeight)
	w.NoiseScale = getFloatEnv("WORLD_NOISE_SCALE", w.NoiseScale)
	w.MaxPositionOffset = getFloatEnv("WORLD_MAX_POSITION_OFFSET", w.MaxPositionOffset)
	w.SizeVariation = getFloatEnv("WORLD_SIZE_VARIATION", w.SizeVariation)
	w.MaxAnchorsPerChunk = getIntEnv("WORLD_MAX_ANCHORS", w.MaxAnchorsPerChunk)
	w.MaxKNNAnchors = getIntEnv("WORLD_MAX_KNN_ANCHORS", w.MaxKNNAnchors)
	w.NeighborsPerAnchor = getIntEnv("WORLD_KNN_PER_ANCHOR", w.NeighborsPerAnchor)
	w.MinCandidatePool = getIntEnv("WORLD_MIN_CANDIDATE_POOL", w.MinCandidatePool)
	w.ChunkLoadRadius = getIntEnv("WORLD_CHUNK_LOAD_RADIUS", w.ChunkLoadRadius)
	return w, nil
}

// Validate checks field bounds and that all required configuration values are set
func (c *Config) Validate() error {
	v := validator.New()
	for name, section := range map[string]interface{}{
		"server":     c.Server,
		"database":   c.Database,
		"embeddings": c.Embeddings,
		"streaming":  c.Streaming,
		"rate limit": c.RateLimit,
	} {
		if err := v.Struct(section); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Database.Driver == "postgres" && c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Database.Driver == "sqlite" && c.Database.SQLitePath == "" {
		return fmt.Errorf("DB_SQLITE_PATH is required")
	}
	if c.Embeddings.Source == "jsonl" && c.Embeddings.JSONLPath == "" {
		return fmt.Errorf("EMBEDDINGS_JSONL_PATH is required when EMBEDDINGS_SOURCE=jsonl")
	}
	if c.Embeddings.Source == "remote" && c.Embeddings.RemoteURL == "" {
		return fmt.Errorf("EMBEDDINGS_REMOTE_URL is required when EMBEDDINGS_SOURCE=remote")
	}
	return c.World.Validate()
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

// DSN returns the data source name for the configured driver
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return c.DatabaseURL()
	}
	return c.SQLitePath
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

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: invalid integer value for %s: %s, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return intValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("Warning: invalid float value for %s: %s, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return floatValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: invalid boolean value for %s: %s, using default: %t", key, value, defaultValue)
		return defaultValue
	}
	return boolValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: invalid duration value for %s: %s, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return duration
}

func getListEnv(key string, defaultValue []string) []string {
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
