package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        int
	BindAddress string
	DataDir     string

	// ServerID identifies this process in presence records so any
	// process can tell which one owns a connection.
	ServerID string

	JWTSecret string

	// RedisAddr selects the cross-process presence store. Empty means
	// single-process mode with the in-memory store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OpenAIKey   string
	OpenAIModel string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	JobStuckAfter     time.Duration
}

func Load() *Config {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	cfg := &Config{
		Port:              8480,
		BindAddress:       "127.0.0.1",
		DataDir:           getEnv("COVE_DATA_DIR", "./data"),
		ServerID:          getEnv("COVE_SERVER_ID", uuid.New().String()[:8]),
		JWTSecret:         getEnv("COVE_JWT_SECRET", ""),
		RedisAddr:         getEnv("COVE_REDIS_ADDR", ""),
		RedisPassword:     getEnv("COVE_REDIS_PASSWORD", ""),
		OpenAIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		JobStuckAfter:     10 * time.Minute,
	}

	if p := getEnv("COVE_PORT", ""); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			cfg.Port = port
		}
	}
	if b := getEnv("COVE_BIND", ""); b != "" {
		cfg.BindAddress = b
	}
	if d := getEnv("COVE_REDIS_DB", ""); d != "" {
		if n, err := strconv.Atoi(d); err == nil {
			cfg.RedisDB = n
		}
	}
	if t := getEnv("COVE_HEARTBEAT_TIMEOUT", ""); t != "" {
		if dur, err := time.ParseDuration(t); err == nil {
			cfg.HeartbeatTimeout = dur
		}
	}
	if t := getEnv("COVE_HEARTBEAT_INTERVAL", ""); t != "" {
		if dur, err := time.ParseDuration(t); err == nil {
			cfg.HeartbeatInterval = dur
		}
	}
	if t := getEnv("COVE_JOB_STUCK_AFTER", ""); t != "" {
		if dur, err := time.ParseDuration(t); err == nil {
			cfg.JobStuckAfter = dur
		}
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
