package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env         string
	Port        int
	APIPrefix   string
	ServiceName string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Callback      CallbackConfig
	Executor      ExecutorConfig
	Dispatcher    DispatcherConfig
	RoleAuthority RoleAuthorityConfig
	Approval      ApprovalConfig
	Reconciler    ReconcilerConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience []string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// CallbackConfig secures the inbound approval/review callbacks and advertises their URL.
type CallbackConfig struct {
	Token   string
	BaseURL string
}

// ExecutorConfig points at the external provisioning executor.
type ExecutorConfig struct {
	URL     string
	Name    string
	Timeout time.Duration
}

// DispatcherConfig points at the external approval workflow engine.
type DispatcherConfig struct {
	URL        string
	SinglePath string
	MultiPath  string
	ReviewPath string
	Timeout    time.Duration
}

// RoleAuthorityConfig governs role catalog retrieval and caching.
type RoleAuthorityConfig struct {
	URL        string
	Timeout    time.Duration
	CatalogTTL time.Duration
	UseRedis   bool
}

// ApprovalConfig maps approval levels to default approvers.
type ApprovalConfig struct {
	Approvers       map[string]string
	StrictApprovers bool
	ApplyLease      time.Duration
}

// ReconcilerConfig toggles the sweep over requests stuck in approved.
type ReconcilerConfig struct {
	Enabled    bool
	Interval   time.Duration
	StaleAfter time.Duration
	Workers    int
	Retries    int
	LockTTL    time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")
	cfg.ServiceName = v.GetString("SERVICE_NAME")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("ENABLE_REDIS"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:   v.GetString("JWT_SECRET"),
		Issuer:   v.GetString("JWT_ISSUER"),
		Audience: splitAndTrim(v.GetString("JWT_AUDIENCE")),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Callback = CallbackConfig{
		Token:   v.GetString("CALLBACK_TOKEN"),
		BaseURL: strings.TrimRight(v.GetString("CALLBACK_BASE_URL"), "/"),
	}

	cfg.Executor = ExecutorConfig{
		URL:     strings.TrimRight(v.GetString("EXECUTOR_URL"), "/"),
		Name:    v.GetString("EXECUTOR_NAME"),
		Timeout: parseDuration(v.GetString("EXECUTOR_TIMEOUT"), 20*time.Second),
	}

	cfg.Dispatcher = DispatcherConfig{
		URL:        strings.TrimRight(v.GetString("DISPATCHER_URL"), "/"),
		SinglePath: v.GetString("DISPATCHER_SINGLE_PATH"),
		MultiPath:  v.GetString("DISPATCHER_MULTI_PATH"),
		ReviewPath: v.GetString("DISPATCHER_REVIEW_PATH"),
		Timeout:    parseDuration(v.GetString("DISPATCHER_TIMEOUT"), 15*time.Second),
	}

	cfg.RoleAuthority = RoleAuthorityConfig{
		URL:        strings.TrimRight(v.GetString("ROLE_AUTHORITY_URL"), "/"),
		Timeout:    parseDuration(v.GetString("ROLE_AUTHORITY_TIMEOUT"), 10*time.Second),
		CatalogTTL: parseDuration(v.GetString("ROLE_CATALOG_TTL"), 10*time.Minute),
		UseRedis:   v.GetBool("ROLE_CATALOG_REDIS"),
	}

	cfg.Approval = ApprovalConfig{
		Approvers: map[string]string{
			"manager":   v.GetString("APPROVER_MANAGER"),
			"dept_head": v.GetString("APPROVER_DEPT_HEAD"),
			"app_owner": v.GetString("APPROVER_APP_OWNER"),
			"security":  v.GetString("APPROVER_SECURITY"),
		},
		StrictApprovers: v.GetBool("APPROVAL_STRICT_APPROVERS"),
		ApplyLease:      parseDuration(v.GetString("APPROVAL_APPLY_LEASE"), 2*time.Minute),
	}

	cfg.Reconciler = ReconcilerConfig{
		Enabled:    v.GetBool("ENABLE_RECONCILER"),
		Interval:   parseDuration(v.GetString("RECONCILER_INTERVAL"), time.Minute),
		StaleAfter: parseDuration(v.GetString("RECONCILER_STALE_AFTER"), 5*time.Minute),
		Workers:    v.GetInt("RECONCILER_WORKERS"),
		Retries:    v.GetInt("RECONCILER_RETRIES"),
		LockTTL:    parseDuration(v.GetString("RECONCILER_LOCK_TTL"), 50*time.Second),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")
	v.SetDefault("SERVICE_NAME", "aegis-gateway")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "aegis")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("ENABLE_REDIS", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("CALLBACK_TOKEN", "dev_callback_token")
	v.SetDefault("CALLBACK_BASE_URL", "http://localhost:8080")

	v.SetDefault("EXECUTOR_URL", "http://localhost:8180")
	v.SetDefault("EXECUTOR_NAME", "IdentityPlatform")
	v.SetDefault("EXECUTOR_TIMEOUT", "20s")

	v.SetDefault("DISPATCHER_URL", "http://localhost:5678")
	v.SetDefault("DISPATCHER_SINGLE_PATH", "/webhook/pre-provision")
	v.SetDefault("DISPATCHER_MULTI_PATH", "/webhook/pre-provision")
	v.SetDefault("DISPATCHER_REVIEW_PATH", "/webhook/post-provision")
	v.SetDefault("DISPATCHER_TIMEOUT", "15s")

	v.SetDefault("ROLE_AUTHORITY_URL", "http://localhost:8180")
	v.SetDefault("ROLE_AUTHORITY_TIMEOUT", "10s")
	v.SetDefault("ROLE_CATALOG_TTL", "10m")
	v.SetDefault("ROLE_CATALOG_REDIS", false)

	v.SetDefault("APPROVER_MANAGER", "")
	v.SetDefault("APPROVER_DEPT_HEAD", "")
	v.SetDefault("APPROVER_APP_OWNER", "")
	v.SetDefault("APPROVER_SECURITY", "")
	v.SetDefault("APPROVAL_STRICT_APPROVERS", true)
	v.SetDefault("APPROVAL_APPLY_LEASE", "2m")

	v.SetDefault("ENABLE_RECONCILER", false)
	v.SetDefault("RECONCILER_INTERVAL", "1m")
	v.SetDefault("RECONCILER_STALE_AFTER", "5m")
	v.SetDefault("RECONCILER_WORKERS", 2)
	v.SetDefault("RECONCILER_RETRIES", 3)
	v.SetDefault("RECONCILER_LOCK_TTL", "50s")
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
