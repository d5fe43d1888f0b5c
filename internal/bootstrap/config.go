package bootstrap

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/mntrk/observatory-backend/internal/ratelimit"
)

type Config struct {
	ServerAddr string
	Version    string

	DatabaseDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WriteRatePolicy ratelimit.Policy
	ReadRatePolicy  ratelimit.Policy
}

func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		Version:    getEnv("VERSION", "dev"),

		DatabaseDSN: getEnv("DATABASE_DSN", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		WriteRatePolicy: ratelimit.Policy{
			Window:      time.Duration(getEnvInt("WRITE_RATE_WINDOW_SEC", 60)) * time.Second,
			MaxRequests: getEnvInt("WRITE_RATE_MAX", 20),
		},
		ReadRatePolicy: ratelimit.Policy{
			Window:      time.Duration(getEnvInt("READ_RATE_WINDOW_SEC", 60)) * time.Second,
			MaxRequests: getEnvInt("READ_RATE_MAX", 120),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
