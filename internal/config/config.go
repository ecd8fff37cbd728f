package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `yaml:"log_level"`
	API       APIConfig       `yaml:"api"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Session   SessionConfig   `yaml:"session"`
	Redis     RedisConfig     `yaml:"redis"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Chat      ChatConfig      `yaml:"chat"`
	Status    StatusConfig    `yaml:"status"`
	DevServer DevServerConfig `yaml:"devserver"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type RealtimeConfig struct {
	URL               string        `yaml:"url"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReconnectDelayMax time.Duration `yaml:"reconnect_delay_max"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	SendQueueSize     int           `yaml:"send_queue_size"`
}

type SessionConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// Backend selects the durable backup: memory, redis or dynamodb.
	Backend   string        `yaml:"backend"`
	BackupTTL time.Duration `yaml:"backup_ttl"`
	// Secret seals the backup at rest when set. 32 bytes.
	Secret string `yaml:"secret"`
	Key    string `yaml:"key"`
}

type RedisConfig struct {
	Endpoint string `yaml:"endpoint"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DynamoDBConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	TableName string `yaml:"table_name"`
}

type ChatConfig struct {
	TypingDebounce time.Duration `yaml:"typing_debounce"`
}

type StatusConfig struct {
	Addr string `yaml:"addr"`
}

type DevServerConfig struct {
	Port          string        `yaml:"port"`
	JWTSecret     string        `yaml:"jwt_secret"`
	AccessExpiry  time.Duration `yaml:"access_expiry"`
	RefreshExpiry time.Duration `yaml:"refresh_expiry"`
	OTPLength     int           `yaml:"otp_length"`
	OTPExpiry     time.Duration `yaml:"otp_expiry"`
	OTPAttempts   int           `yaml:"otp_attempts"`
	// TokenBackend stores issued refresh tokens: memory or redis.
	TokenBackend string `yaml:"token_backend"`
}

// Defaults returns the configuration used when neither a file nor the
// environment overrides a value.
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		API: APIConfig{
			BaseURL: "http://localhost:5000/api/v1",
			Timeout: 30 * time.Second,
		},
		Realtime: RealtimeConfig{
			URL:               "ws://localhost:5000/socket",
			ReconnectAttempts: 5,
			ReconnectDelay:    time.Second,
			ReconnectDelayMax: 5 * time.Second,
			PingInterval:      25 * time.Second,
			SendQueueSize:     64,
		},
		Session: SessionConfig{
			RefreshInterval: 10 * time.Minute,
			Backend:         "memory",
			BackupTTL:       7 * 24 * time.Hour,
			Key:             "launchpad",
		},
		Redis: RedisConfig{
			Endpoint: "localhost:6379",
		},
		DynamoDB: DynamoDBConfig{
			Region:    "us-east-1",
			TableName: "LaunchpadSessions",
		},
		Chat: ChatConfig{
			TypingDebounce: 2 * time.Second,
		},
		Status: StatusConfig{
			Addr: "127.0.0.1:7070",
		},
		DevServer: DevServerConfig{
			Port:          "5000",
			AccessExpiry:  15 * time.Minute,
			RefreshExpiry: 7 * 24 * time.Hour,
			OTPLength:     6,
			OTPExpiry:     10 * time.Minute,
			OTPAttempts:   5,
			TokenBackend:  "memory",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// LAUNCHPAD_CONFIG (comma separated, later files win) and the environment.
func Load() (*Config, error) {
	cfg := Defaults()

	if paths := os.Getenv("LAUNCHPAD_CONFIG"); paths != "" {
		if err := loadFiles(cfg, paths); err != nil {
			return nil, err
		}
	}

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.API.BaseURL = strings.TrimRight(getEnv("API_BASE_URL", cfg.API.BaseURL), "/")
	cfg.API.Timeout = getEnvAsDuration("API_TIMEOUT", cfg.API.Timeout)

	cfg.Realtime.URL = getEnv("SOCKET_URL", cfg.Realtime.URL)
	cfg.Realtime.ReconnectAttempts = getEnvAsInt("SOCKET_RECONNECT_ATTEMPTS", cfg.Realtime.ReconnectAttempts)
	cfg.Realtime.ReconnectDelay = getEnvAsDuration("SOCKET_RECONNECT_DELAY", cfg.Realtime.ReconnectDelay)
	cfg.Realtime.ReconnectDelayMax = getEnvAsDuration("SOCKET_RECONNECT_DELAY_MAX", cfg.Realtime.ReconnectDelayMax)
	cfg.Realtime.PingInterval = getEnvAsDuration("SOCKET_PING_INTERVAL", cfg.Realtime.PingInterval)
	cfg.Realtime.SendQueueSize = getEnvAsInt("SOCKET_SEND_QUEUE", cfg.Realtime.SendQueueSize)

	cfg.Session.RefreshInterval = getEnvAsDuration("SESSION_REFRESH_INTERVAL", cfg.Session.RefreshInterval)
	cfg.Session.Backend = getEnv("SESSION_BACKEND", cfg.Session.Backend)
	cfg.Session.BackupTTL = getEnvAsDuration("SESSION_BACKUP_TTL", cfg.Session.BackupTTL)
	cfg.Session.Secret = getEnv("SESSION_SECRET", cfg.Session.Secret)
	cfg.Session.Key = getEnv("SESSION_KEY", cfg.Session.Key)

	cfg.Redis.Endpoint = getEnv("REDIS_ENDPOINT", cfg.Redis.Endpoint)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)

	cfg.DynamoDB.Endpoint = getEnv("DYNAMODB_ENDPOINT", cfg.DynamoDB.Endpoint)
	cfg.DynamoDB.Region = getEnv("DYNAMODB_REGION", cfg.DynamoDB.Region)
	cfg.DynamoDB.TableName = getEnv("DYNAMODB_TABLE_NAME", cfg.DynamoDB.TableName)

	cfg.Chat.TypingDebounce = getEnvAsDuration("TYPING_DEBOUNCE", cfg.Chat.TypingDebounce)
	cfg.Status.Addr = getEnv("STATUS_ADDR", cfg.Status.Addr)

	cfg.DevServer.Port = getEnv("PORT", cfg.DevServer.Port)
	cfg.DevServer.JWTSecret = getEnv("JWT_SECRET_KEY", cfg.DevServer.JWTSecret)
	cfg.DevServer.AccessExpiry = getEnvAsDuration("JWT_ACCESS_EXPIRY", cfg.DevServer.AccessExpiry)
	cfg.DevServer.RefreshExpiry = getEnvAsDuration("JWT_REFRESH_EXPIRY", cfg.DevServer.RefreshExpiry)
	cfg.DevServer.OTPLength = getEnvAsInt("OTP_LENGTH", cfg.DevServer.OTPLength)
	cfg.DevServer.OTPExpiry = getEnvAsDuration("OTP_EXPIRY", cfg.DevServer.OTPExpiry)
	cfg.DevServer.OTPAttempts = getEnvAsInt("OTP_MAX_ATTEMPTS", cfg.DevServer.OTPAttempts)
	cfg.DevServer.TokenBackend = getEnv("DEVSERVER_TOKEN_BACKEND", cfg.DevServer.TokenBackend)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the client-side settings.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}
	if c.Realtime.URL == "" {
		return fmt.Errorf("SOCKET_URL is required")
	}
	if c.Realtime.ReconnectAttempts < 0 {
		return fmt.Errorf("SOCKET_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.Realtime.ReconnectDelayMax < c.Realtime.ReconnectDelay {
		return fmt.Errorf("SOCKET_RECONNECT_DELAY_MAX must be >= SOCKET_RECONNECT_DELAY")
	}
	switch c.Session.Backend {
	case "memory", "redis", "dynamodb":
	default:
		return fmt.Errorf("unknown SESSION_BACKEND %q", c.Session.Backend)
	}
	if c.Session.Secret != "" && len(c.Session.Secret) != 32 {
		return fmt.Errorf("SESSION_SECRET must be exactly 32 bytes")
	}
	return nil
}

// ValidateDevServer checks the settings the dev server needs on top of the
// client ones.
func (c *Config) ValidateDevServer() error {
	if c.DevServer.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}
	if len(c.DevServer.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}
	switch c.DevServer.TokenBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown DEVSERVER_TOKEN_BACKEND %q", c.DevServer.TokenBackend)
	}
	return nil
}

func loadFiles(cfg *Config, pathList string) error {
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read config %s: %w", p, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", p, err)
		}
	}
	return nil
}

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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
