package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	ServerPort string
	Debug      bool
	LogLevel   string

	// Bouncie API
	BouncieAPIHost  string
	BouncieAuthHost string
	ClientID        string
	ClientSecret    string
	AuthCode        string

	// Polling
	PollInterval time.Duration

	// Webhook
	UseWebhooks bool

	// Google Maps
	GoogleMapsAPIKey string
	HomeAddress      string

	// Token 存储路径
	TokenFile string
}

func Load() (*Config, error) {
	// 尝试加载 .env 文件（可选）
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:       getEnv("PORT", "4000"),
		Debug:            getEnvBool("DEBUG", false),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		BouncieAPIHost:   getEnv("BOUNCIE_API_HOST", "https://api.bouncie.dev/v1"),
		BouncieAuthHost:  getEnv("BOUNCIE_AUTH_HOST", "https://auth.bouncie.com"),
		ClientID:         getEnv("CLIENT_ID", ""),
		ClientSecret:     getEnv("CLIENT_SECRET", ""),
		AuthCode:         getEnv("AUTH_CODE", ""),
		UseWebhooks:      getEnvBool("USE_WEBHOOKS", false),
		GoogleMapsAPIKey: getEnv("GOOGLE_MAPS_API_KEY", ""),
		HomeAddress:      getEnv("HOME_ADDRESS", ""),
		TokenFile:        getEnv("TOKEN_FILE", "token.json"),
	}

	// 轮询间隔按秒配置，最小 5 秒，非数字视为配置错误而不是回退默认值
	pollSeconds := 60
	if value := os.Getenv("POLL_INTERVAL"); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("POLL_INTERVAL: must be a number greater than or equal to 5 (seconds)")
		}
		pollSeconds = n
	}
	if pollSeconds < 5 {
		return nil, fmt.Errorf("POLL_INTERVAL: must be a number greater than or equal to 5 (seconds)")
	}
	cfg.PollInterval = time.Duration(pollSeconds) * time.Second

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("LOG_LEVEL: must be one of debug, info, warn, error")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}
