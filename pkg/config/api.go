package config

import (
	"log/slog"
	"strings"
	"time"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	DeployAgentURL     string
	DeploySecret       string
	DeployAgentTimeout time.Duration
	DeployLockTTL      time.Duration
	MinDeployPlan      string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	LogLevel           string
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://sitebuilder:sitebuilder@db:5432/sitebuilder?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:     time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 15)) * time.Minute,
		RefreshTokenTTL:    time.Duration(GetInt("REFRESH_TOKEN_TTL_HOURS", 24)) * time.Hour,
		DeployAgentURL:     normalizeBaseURL(GetFirstString("", "DEPLOY_AGENT_URL", "VPS_B_AGENT_URL")),
		DeploySecret:       strings.TrimSpace(GetString("DEPLOY_SECRET", "")),
		DeployAgentTimeout: time.Duration(GetInt("DEPLOY_AGENT_TIMEOUT_SECONDS", 60)) * time.Second,
		DeployLockTTL:      time.Duration(GetInt("DEPLOY_LOCK_TTL_SECONDS", 120)) * time.Second,
		MinDeployPlan:      GetString("MIN_DEPLOY_PLAN", "pro"),
		RedisAddr:          GetString("REDIS_ADDR", ""),
		RedisPassword:      GetString("REDIS_PASSWORD", ""),
		RedisDB:            GetInt("REDIS_DB", 0),
		LogLevel:           GetString("LOG_LEVEL", "info"),
	}
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c APIConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func normalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}
