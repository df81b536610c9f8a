package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Tenants  TenantsConfig
	Voice    VoiceConfig
	Sessions SessionConfig
	Webhooks WebhookConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string

	// PublicBaseURL is the externally visible origin (scheme://host) used to
	// rebuild webhook URLs for signature checks behind proxies.
	PublicBaseURL string
}

type DBConfig struct {
	// Driver selects the persistence gateway: postgres or memory.
	// memory is for local runs only and is refused in production.
	Driver string

	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	AutoMigrate bool
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TenantsConfig struct {
	// File is the YAML tenant directory (signing secrets, vendor credentials, bindings).
	File string
}

// VoiceConfig tunes the fallback orchestrator.
// Attempt timeouts are a single ceiling per capability.
type VoiceConfig struct {
	TTSAttemptTimeout time.Duration
	STTAttemptTimeout time.Duration

	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration

	// TenantMaxConcurrent caps in-flight orchestration requests per tenant. 0 disables the cap.
	TenantMaxConcurrent int

	MaxAudioBytes int64
}

type SessionConfig struct {
	StaleAfter     time.Duration
	ReaperInterval time.Duration

	// LockBackend is local (single replica) or redis (shared across replicas).
	LockBackend string
}

type WebhookConfig struct {
	RateLimitRPS   float64
	RateLimitBurst int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	c.DB.Driver = strings.TrimSpace(os.Getenv("STORE_DRIVER"))
	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = optionalInt(parseErrs, "DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.AutoMigrate, parseErrs = optionalBool(parseErrs, "DB_AUTO_MIGRATE")

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = optionalInt(parseErrs, "REDIS_PORT")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL, parseErrs = optionalDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = optionalDuration(parseErrs, "JWT_REFRESH_TTL")

	c.Tenants.File = strings.TrimSpace(os.Getenv("TENANTS_FILE"))

	c.Voice.TTSAttemptTimeout, parseErrs = optionalDuration(parseErrs, "TTS_ATTEMPT_TIMEOUT")
	c.Voice.STTAttemptTimeout, parseErrs = optionalDuration(parseErrs, "STT_ATTEMPT_TIMEOUT")
	c.Voice.BreakerMaxFailures, parseErrs = optionalInt(parseErrs, "BREAKER_MAX_FAILURES")
	c.Voice.BreakerResetTimeout, parseErrs = optionalDuration(parseErrs, "BREAKER_RESET_TIMEOUT")
	c.Voice.TenantMaxConcurrent, parseErrs = optionalInt(parseErrs, "TENANT_MAX_CONCURRENT_REQUESTS")
	{
		n, errs := optionalInt(parseErrs, "MAX_AUDIO_BYTES")
		parseErrs = errs
		c.Voice.MaxAudioBytes = int64(n)
	}

	c.Sessions.StaleAfter, parseErrs = optionalDuration(parseErrs, "SESSION_STALE_AFTER")
	c.Sessions.ReaperInterval, parseErrs = optionalDuration(parseErrs, "REAPER_INTERVAL")
	c.Sessions.LockBackend = strings.TrimSpace(os.Getenv("SESSION_LOCK_BACKEND"))

	c.Webhooks.RateLimitRPS, parseErrs = optionalFloat(parseErrs, "WEBHOOK_RATE_LIMIT_RPS")
	c.Webhooks.RateLimitBurst, parseErrs = optionalInt(parseErrs, "WEBHOOK_RATE_LIMIT_BURST")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.LogLevel != "" && !isValidLogLevel(c.App.LogLevel) {
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.App.LogLevel))
	}
	if c.App.PublicBaseURL == "" && c.IsProduction() {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required in production"))
	}

	if c.DB.Driver == "" {
		c.DB.Driver = "postgres"
	}
	switch c.DB.Driver {
	case "postgres":
		errs = append(errs, c.validatePostgres()...)
	case "memory":
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_DRIVER=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of postgres, memory, got %q", c.DB.Driver))
	}

	if c.Sessions.LockBackend == "" {
		c.Sessions.LockBackend = "local"
	}
	if c.Sessions.LockBackend != "local" && c.Sessions.LockBackend != "redis" {
		errs = append(errs, fmt.Errorf("SESSION_LOCK_BACKEND must be one of local, redis, got %q", c.Sessions.LockBackend))
	}
	if c.Voice.TenantMaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("TENANT_MAX_CONCURRENT_REQUESTS must be >= 0, got %d", c.Voice.TenantMaxConcurrent))
	}
	if c.RedisRequired() || c.RedisEnabled() {
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required when SESSION_LOCK_BACKEND=redis"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Tenants.File == "" {
		errs = append(errs, errors.New("TENANTS_FILE is required"))
	}

	if c.Voice.TTSAttemptTimeout <= 0 {
		c.Voice.TTSAttemptTimeout = 10 * time.Second
	}
	if c.Voice.STTAttemptTimeout <= 0 {
		c.Voice.STTAttemptTimeout = 30 * time.Second
	}
	if c.Voice.BreakerMaxFailures <= 0 {
		c.Voice.BreakerMaxFailures = 5
	}
	if c.Voice.BreakerResetTimeout <= 0 {
		c.Voice.BreakerResetTimeout = 30 * time.Second
	}
	if c.Voice.MaxAudioBytes <= 0 {
		c.Voice.MaxAudioBytes = 25 << 20
	}

	if c.Sessions.StaleAfter <= 0 {
		c.Sessions.StaleAfter = 15 * time.Minute
	}
	if c.Sessions.ReaperInterval <= 0 {
		c.Sessions.ReaperInterval = time.Minute
	}
	if c.Sessions.ReaperInterval > c.Sessions.StaleAfter {
		errs = append(errs, errors.New("REAPER_INTERVAL must not exceed SESSION_STALE_AFTER"))
	}

	if c.Webhooks.RateLimitRPS <= 0 {
		c.Webhooks.RateLimitRPS = 50
	}
	if c.Webhooks.RateLimitBurst <= 0 {
		c.Webhooks.RateLimitBurst = 100
	}

	return joinErrors(errs)
}

func (c *Config) validatePostgres() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// RedisRequired reports whether an enabled feature cannot run without Redis.
func (c Config) RedisRequired() bool {
	return c.Sessions.LockBackend == "redis"
}

// RedisEnabled reports whether a Redis host is configured. Tenant caps and
// reply clips are shared through it when present and kept in-process otherwise.
func (c Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(errs []error, key string) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optionalFloat(errs []error, key string) (float64, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a number, got %q", key, v))
	}
	return f, errs
}

func optionalBool(errs []error, key string) (bool, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, errs
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, append(errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
	}
	return b, errs
}

// optionalDuration returns 0 for unset keys so Validate can apply defaults.
// Malformed values are reported instead of silently falling back.
func optionalDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidLogLevel(v string) bool {
	switch strings.ToLower(v) {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
