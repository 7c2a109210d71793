package config

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Call           CallConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// CallConfig holds client-side call tuning shared by cmd/callctl.
type CallConfig struct {
	ICEServers  []string      // STUN/TURN URLs for the peer connection
	RingTimeout time.Duration // unanswered ringing/connecting is cancelled after this
	EndedGrace  time.Duration // how long the terminal "ended" state is shown before idle
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	iceStr := getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")
	iceServers := strings.Split(iceStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
		Call: CallConfig{
			ICEServers:  iceServers,
			RingTimeout: getDuration("CALL_RING_TIMEOUT", 30*time.Second),
			EndedGrace:  getDuration("CALL_ENDED_GRACE", time.Second),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
