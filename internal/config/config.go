package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Origin
	OriginBaseURL          string
	OriginIdentifier       string
	OriginPassword         string
	OriginAvailabilityPath string
	OriginTimeout          time.Duration
	OriginMaxRPS           float64
	OriginBurst            int

	// Session
	LoginTimeout           time.Duration
	SessionCookieName      string
	SessionSafetyMargin    time.Duration
	SessionRefreshInterval time.Duration

	// Redis
	RedisURL     string
	RedisTimeout time.Duration

	// Cache
	CacheAvailableTTL time.Duration

	// Rate Limit
	RateLimitMax    int
	RateLimitWindow time.Duration

	// Server
	ServerPort string

	// Logging
	LogLevel string

	// CORS
	AllowedOrigins []string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.OriginBaseURL = strings.TrimRight(os.Getenv("ORIGIN_BASE_URL"), "/")
	if cfg.OriginBaseURL == "" {
		missing = append(missing, "ORIGIN_BASE_URL")
	}

	cfg.OriginIdentifier = os.Getenv("ORIGIN_IDENTIFIER")
	if cfg.OriginIdentifier == "" {
		missing = append(missing, "ORIGIN_IDENTIFIER")
	}

	cfg.OriginPassword = os.Getenv("ORIGIN_PASSWORD")
	if cfg.OriginPassword == "" {
		missing = append(missing, "ORIGIN_PASSWORD")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	u, err := url.Parse(cfg.OriginBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("ORIGIN_BASE_URL must be an absolute http(s) URL: %q", cfg.OriginBaseURL)
	}

	// Optional fields with defaults
	cfg.OriginAvailabilityPath = getEnvString("ORIGIN_AVAILABILITY_PATH", "/availability")
	cfg.OriginTimeout = getEnvDuration("ORIGIN_TIMEOUT", 10*time.Second)
	cfg.OriginMaxRPS = getEnvFloat("ORIGIN_MAX_RPS", 10)
	cfg.OriginBurst = getEnvInt("ORIGIN_BURST", 10)
	cfg.LoginTimeout = getEnvDuration("LOGIN_TIMEOUT", 15*time.Second)
	cfg.SessionCookieName = getEnvString("SESSION_COOKIE_NAME", "ory_kratos_session")
	cfg.SessionSafetyMargin = getEnvDuration("SESSION_SAFETY_MARGIN", 5*time.Minute)
	cfg.SessionRefreshInterval = getEnvDuration("SESSION_REFRESH_INTERVAL", time.Minute)
	cfg.RedisTimeout = getEnvDuration("REDIS_TIMEOUT", 3*time.Second)
	cfg.CacheAvailableTTL = getEnvDuration("CACHE_AVAILABLE_TTL", 60*time.Second)
	cfg.RateLimitMax = getEnvInt("RATE_LIMIT_MAX", 30)
	cfg.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", 60*time.Second)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数をスライスとして読み込む。
// 空要素は除外する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
