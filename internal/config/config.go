package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	// Load .env files automatically before config is read.
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	JWT      JWTConfig      `json:"jwt"`
	Stream   StreamConfig   `json:"stream"`
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
	URI     string        `json:"uri"`
	Name    string        `json:"name"`
	Timeout time.Duration `json:"timeout"`
}

type JWTConfig struct {
	SecretKey  string        `json:"secret_key"`
	Expiration time.Duration `json:"expiration"`
}

// StreamConfig controls the live streaming core: peer negotiation, the
// session reconcile loop, recording and the external media storage upload.
type StreamConfig struct {
	ICEServers     []string      `json:"ice_servers"`
	PollInterval   time.Duration `json:"poll_interval"`
	RecordInterval time.Duration `json:"record_interval"`
	JoinWait       time.Duration `json:"join_wait"`
	DBTimeout      time.Duration `json:"db_timeout"`
	UploadEndpoint string        `json:"upload_endpoint"`
	UploadPreset   string        `json:"upload_preset"`
	UploadTimeout  time.Duration `json:"upload_timeout"`
	SignalLogSize  int           `json:"signal_log_size"`
}

type SecurityConfig struct {
	CORSOrigins []string      `json:"cors_origins"`
	RateLimit   int           `json:"rate_limit"`
	RateWindow  time.Duration `json:"rate_window"`
}

// Load reads configuration from environment variables (and .env via godotenv).
func Load() (*Config, error) {
	c := &Config{}

	port, err := strconv.Atoi(getEnv("PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}
	c.Server = ServerConfig{
		Port:         port,
		Host:         getEnv("HOST", "0.0.0.0"),
		ReadTimeout:  getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
	}

	c.Database = DatabaseConfig{
		URI:     getEnv("DB_URI", "mongodb://localhost:27017"),
		Name:    getEnv("DB_NAME", "classcast"),
		Timeout: getDurationEnv("DB_TIMEOUT", 10*time.Second),
	}

	c.JWT = JWTConfig{
		SecretKey:  getEnv("JWT_SECRET", ""),
		Expiration: getDurationEnv("JWT_EXPIRATION", 24*time.Hour),
	}

	c.Stream = StreamConfig{
		ICEServers:     getListEnv("STREAM_ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		PollInterval:   getDurationEnv("STREAM_POLL_INTERVAL", 2*time.Second),
		RecordInterval: getDurationEnv("STREAM_RECORD_INTERVAL", time.Second),
		JoinWait:       getDurationEnv("STREAM_JOIN_WAIT", 10*time.Second),
		DBTimeout:      getDurationEnv("STREAM_DB_TIMEOUT", 5*time.Second),
		UploadEndpoint: getEnv("STREAM_UPLOAD_ENDPOINT", ""),
		UploadPreset:   getEnv("STREAM_UPLOAD_PRESET", "classcast_videos"),
		UploadTimeout:  getDurationEnv("STREAM_UPLOAD_TIMEOUT", 2*time.Minute),
		SignalLogSize:  getIntEnv("STREAM_SIGNAL_LOG_SIZE", 256),
	}

	c.Security = SecurityConfig{
		CORSOrigins: getListEnv("CORS_ORIGINS", []string{"*"}),
		RateLimit:   getIntEnv("RATE_LIMIT", 100),
		RateWindow:  getDurationEnv("RATE_WINDOW", time.Minute),
	}

	return c, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Database.URI == "" {
		return fmt.Errorf("database uri is required")
	}
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("jwt secret key is required")
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("stream poll interval must be positive")
	}
	if c.Stream.RecordInterval <= 0 {
		return fmt.Errorf("stream record interval must be positive")
	}
	return nil
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

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
