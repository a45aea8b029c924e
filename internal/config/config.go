package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	// Import godotenv for loading .env files
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	JWT      JWTConfig      `json:"jwt"`
	Capture  CaptureConfig  `json:"capture"`
	Security SecurityConfig `json:"security"`
}

type ServerConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
	URI      string `json:"uri"` // Full connection URI
}

type JWTConfig struct {
	SecretKey  string        `json:"secret_key"`
	Expiration time.Duration `json:"expiration"`
}

type CaptureConfig struct {
	RTMPPort       string        `json:"rtmp_port"`
	IngestAddr     string        `json:"ingest_addr"`
	ChunkInterval  time.Duration `json:"chunk_interval"`
	MaxBufferBytes int64         `json:"max_buffer_bytes"`
	SensorNames    []string      `json:"sensor_names"`
	EventTypes     []EventType   `json:"event_types"`
}

// EventType is one configured annotation button: "id:Label".
type EventType struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type SecurityConfig struct {
	CORSOrigins []string      `json:"cors_origins"`
	RateLimit   int           `json:"rate_limit"`
	RateWindow  time.Duration `json:"rate_window"`
}

// LoadConfig loads config from environment variables and .env file.
func LoadConfig() (*Config, error) {
	config := &Config{}

	if err := config.loadServerConfig(); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}

	if err := config.loadDatabaseConfig(); err != nil {
		return nil, fmt.Errorf("failed to load database config: %w", err)
	}

	if err := config.loadJWTConfig(); err != nil {
		return nil, fmt.Errorf("failed to load jwt config: %w", err)
	}

	if err := config.loadCaptureConfig(); err != nil {
		return nil, fmt.Errorf("failed to load capture config: %w", err)
	}

	if err := config.loadSecurityConfig(); err != nil {
		return nil, fmt.Errorf("failed to load security config: %w", err)
	}

	return config, nil
}

func (c *Config) loadServerConfig() error {
	portStr := getEnv("PORT", "8080")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}

	c.Server = ServerConfig{
		Port:         port,
		Host:         getEnv("HOST", "0.0.0.0"),
		ReadTimeout:  getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 10*time.Second),
	}
	return nil
}

func (c *Config) loadDatabaseConfig() error {
	c.Database = DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnv("DB_PORT", "27017"),
		Name:     getEnv("DB_NAME", "capturelab"),
		Username: getEnv("DB_USERNAME", ""),
		Password: getEnv("DB_PASSWORD", ""),
	}

	if uri := getEnv("DB_URI", ""); uri != "" {
		c.Database.URI = uri
	} else if c.Database.Username != "" && c.Database.Password != "" {
		c.Database.URI = fmt.Sprintf("mongodb://%s:%s@%s:%s", c.Database.Username, c.Database.Password, c.Database.Host, c.Database.Port)
	} else {
		c.Database.URI = fmt.Sprintf("mongodb://%s:%s", c.Database.Host, c.Database.Port)
	}

	return nil
}

func (c *Config) loadJWTConfig() error {
	secretKey := getEnv("JWT_SECRET", "")
	if secretKey == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}

	c.JWT = JWTConfig{
		SecretKey:  secretKey,
		Expiration: getDurationEnv("JWT_EXPIRATION", 24*time.Hour),
	}

	return nil
}

func (c *Config) loadCaptureConfig() error {
	rtmpPort := getEnv("RTMP_PORT", "1935")

	eventTypes, err := parseEventTypes(getEnv("EVENT_TYPES", "mark:Mark,note:Note"))
	if err != nil {
		return err
	}

	c.Capture = CaptureConfig{
		RTMPPort:       rtmpPort,
		IngestAddr:     getEnv("INGEST_ADDR", fmt.Sprintf("rtmp://localhost:%s/live", rtmpPort)),
		ChunkInterval:  getDurationEnv("CHUNK_INTERVAL", 2*time.Second),
		MaxBufferBytes: getInt64Env("MAX_BUFFER_BYTES", 512*1024*1024),
		SensorNames:    splitList(getEnv("SENSORS", "motion,rotation,location")),
		EventTypes:     eventTypes,
	}
	return nil
}

func (c *Config) loadSecurityConfig() error {
	corsOriginsStr := getEnv("CORS_ORIGINS", "*")
	corsOrigins := splitList(corsOriginsStr)
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	c.Security = SecurityConfig{
		CORSOrigins: corsOrigins,
		RateLimit:   getIntEnv("RATE_LIMIT", 100),
		RateWindow:  getDurationEnv("RATE_WINDOW", 1*time.Minute),
	}

	return nil
}

// parseEventTypes parses the "id:Label,id:Label" annotation catalog format.
func parseEventTypes(raw string) ([]EventType, error) {
	var types []EventType
	for _, entry := range splitList(raw) {
		id, label, found := strings.Cut(entry, ":")
		if !found || id == "" || label == "" {
			return nil, fmt.Errorf("invalid event type entry %q, want id:Label", entry)
		}
		types = append(types, EventType{ID: id, Label: label})
	}
	return types, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("jwt secret key is required")
	}
	if c.Capture.ChunkInterval <= 0 {
		return fmt.Errorf("chunk interval must be positive")
	}
	if len(c.Capture.EventTypes) == 0 {
		return fmt.Errorf("at least one event type is required")
	}

	return nil
}
