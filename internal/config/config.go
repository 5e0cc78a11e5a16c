package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Warehouse     WarehouseConfig
	Assistant     AssistantConfig
	Session       SessionConfig
	History       HistoryConfig
	Export        ExportConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type WarehouseConfig struct {
	Port           int
	ConnectTimeout time.Duration
	UserAgent      string
}

type AssistantConfig struct {
	BaseURL             string
	DefaultModel        string
	Temperature         float64
	Timeout             time.Duration
	SchemaWarnThreshold int
	TokenEncoding       string
}

type SessionConfig struct {
	CookieName    string
	CookieSecret  string
	SecureCookie  bool
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

type HistoryConfig struct {
	Enabled         bool
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type ExportConfig struct {
	Enabled          bool
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("SQLASSIST_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid SQLASSIST_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "SQLASSIST_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "SQLASSIST_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "SQLASSIST_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "SQLASSIST_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "SQLASSIST_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },
		func() error { return applyInt(lookup, "SQLASSIST_WAREHOUSE_PORT", &cfg.Warehouse.Port) },
		func() error {
			return applyDuration(lookup, "SQLASSIST_WAREHOUSE_CONNECT_TIMEOUT", &cfg.Warehouse.ConnectTimeout)
		},
		func() error { return applyString(lookup, "SQLASSIST_WAREHOUSE_USER_AGENT", &cfg.Warehouse.UserAgent) },
		func() error { return applyString(lookup, "SQLASSIST_AI_BASE_URL", &cfg.Assistant.BaseURL) },
		func() error { return applyString(lookup, "SQLASSIST_AI_DEFAULT_MODEL", &cfg.Assistant.DefaultModel) },
		func() error { return applyFloat(lookup, "SQLASSIST_AI_TEMPERATURE", &cfg.Assistant.Temperature) },
		func() error { return applyDuration(lookup, "SQLASSIST_AI_TIMEOUT", &cfg.Assistant.Timeout) },
		func() error {
			return applyInt(lookup, "SQLASSIST_AI_SCHEMA_WARN_THRESHOLD", &cfg.Assistant.SchemaWarnThreshold)
		},
		func() error { return applyString(lookup, "SQLASSIST_AI_TOKEN_ENCODING", &cfg.Assistant.TokenEncoding) },
		func() error { return applyString(lookup, "SQLASSIST_SESSION_COOKIE_NAME", &cfg.Session.CookieName) },
		func() error { return applyString(lookup, "SQLASSIST_SESSION_COOKIE_SECRET", &cfg.Session.CookieSecret) },
		func() error { return applyBool(lookup, "SQLASSIST_SESSION_SECURE_COOKIE", &cfg.Session.SecureCookie) },
		func() error { return applyDuration(lookup, "SQLASSIST_SESSION_IDLE_TTL", &cfg.Session.IdleTTL) },
		func() error { return applyDuration(lookup, "SQLASSIST_SESSION_SWEEP_INTERVAL", &cfg.Session.SweepInterval) },
		func() error { return applyBool(lookup, "SQLASSIST_HISTORY_ENABLED", &cfg.History.Enabled) },
		func() error { return applyString(lookup, "SQLASSIST_HISTORY_DSN", &cfg.History.DSN) },
		func() error { return applyInt(lookup, "SQLASSIST_HISTORY_MAX_OPEN_CONNS", &cfg.History.MaxOpenConns) },
		func() error { return applyInt(lookup, "SQLASSIST_HISTORY_MAX_IDLE_CONNS", &cfg.History.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "SQLASSIST_HISTORY_CONN_MAX_IDLE_TIME", &cfg.History.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "SQLASSIST_HISTORY_CONN_MAX_LIFETIME", &cfg.History.ConnMaxLifetime)
		},
		func() error { return applyBool(lookup, "SQLASSIST_EXPORT_ENABLED", &cfg.Export.Enabled) },
		func() error { return applyString(lookup, "SQLASSIST_EXPORT_ENDPOINT", &cfg.Export.Endpoint) },
		func() error { return applyString(lookup, "SQLASSIST_EXPORT_REGION", &cfg.Export.Region) },
		func() error { return applyString(lookup, "SQLASSIST_EXPORT_BUCKET", &cfg.Export.Bucket) },
		func() error { return applyString(lookup, "SQLASSIST_EXPORT_ACCESS_KEY", &cfg.Export.AccessKeyID) },
		func() error { return applyString(lookup, "SQLASSIST_EXPORT_SECRET_KEY", &cfg.Export.SecretAccessKey) },
		func() error { return applyBool(lookup, "SQLASSIST_EXPORT_USE_SSL", &cfg.Export.UseSSL) },
		func() error { return applyString(lookup, "SQLASSIST_EXPORT_PREFIX", &cfg.Export.Prefix) },
		func() error {
			return applyBool(lookup, "SQLASSIST_EXPORT_AUTO_CREATE_BUCKET", &cfg.Export.AutoCreateBucket)
		},
		func() error { return applyBool(lookup, "SQLASSIST_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "SQLASSIST_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyBool(lookup, "SQLASSIST_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "SQLASSIST_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.Warehouse.Port <= 0 || cfg.Warehouse.Port > 65535 {
		return Config{}, fmt.Errorf("invalid SQLASSIST_WAREHOUSE_PORT: %d", cfg.Warehouse.Port)
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return Config{}, fmt.Errorf("SQLASSIST_HISTORY_DSN is required when history is enabled")
	}
	if cfg.Export.Enabled && (cfg.Export.Endpoint == "" || cfg.Export.Bucket == "") {
		return Config{}, fmt.Errorf("export endpoint and bucket are required when export is enabled")
	}
	if cfg.Profile == ProfileProd && cfg.Session.CookieSecret == "" {
		return Config{}, fmt.Errorf("SQLASSIST_SESSION_COOKIE_SECRET is required in prod")
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "sqlassist-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Warehouse: WarehouseConfig{
			Port:           443,
			ConnectTimeout: 30 * time.Second,
			UserAgent:      "dbx-sql-chat-assist",
		},
		Assistant: AssistantConfig{
			BaseURL:             "",
			DefaultModel:        "openai:gpt-4.1-mini",
			Temperature:         0,
			Timeout:             60 * time.Second,
			SchemaWarnThreshold: 5,
			TokenEncoding:       "cl100k_base",
		},
		Session: SessionConfig{
			CookieName:    "sqlassist_session",
			CookieSecret:  "",
			SecureCookie:  false,
			IdleTTL:       12 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		History: HistoryConfig{
			Enabled:         false,
			DSN:             "",
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Export: ExportConfig{
			Enabled:          false,
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "sqlassist-transcripts",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.Session.SecureCookie = true
		cfg.Export.UseSSL = true
		cfg.Export.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
