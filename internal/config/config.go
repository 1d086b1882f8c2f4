package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "COUNTERSIGN"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DatabaseDriverSQLite
	defaultDatabaseDSN       = "countersign.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultSessionIssuer     = "countersign-identity"
	defaultSessionCookieName = "app_session"
	defaultTokenIssuer       = "countersign"
	defaultTokenTTLHours     = 168
	defaultPublicBaseURL     = "http://localhost:8080"
	defaultUploadMaxBytes    = 10 << 20
	defaultStorageBackend    = StorageBackendFilesystem
	defaultStoragePath       = "blobs"
	defaultRedisAddress      = "127.0.0.1:6379"
	defaultRedisKeyPrefix    = "countersign:"
	defaultRateLimitRequests = 60
	defaultRateLimitWindow   = 60
	defaultMailDriver        = MailDriverLog
	defaultSMTPPort          = 587
	defaultMailFrom          = "Countersign <no-reply@localhost>"
)

const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"

	StorageBackendFilesystem = "filesystem"
	StorageBackendRedis      = "redis"

	MailDriverLog  = "log"
	MailDriverSMTP = "smtp"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string
	LogFormat      string

	DatabaseDriver string
	DatabaseDSN    string

	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string

	TokenSigningSecret string
	TokenIssuer        string
	TokenTTL           time.Duration

	PublicBaseURL  string
	UploadMaxBytes int64

	StorageBackend       string
	StoragePath          string
	StorageEncryptionKey string

	RedisAddress   string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	MailDriver   string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	SealCertificatePath string
	SealKeyPath         string
	SealTSAURL          string
}

// SealEnabled reports whether completed documents get a detached signature.
func (c AppConfig) SealEnabled() bool {
	return c.SealCertificatePath != "" && c.SealKeyPath != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("auth.session_issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.session_cookie", defaultSessionCookieName)
	configViper.SetDefault("tokens.issuer", defaultTokenIssuer)
	configViper.SetDefault("tokens.ttl_hours", defaultTokenTTLHours)
	configViper.SetDefault("public.base_url", defaultPublicBaseURL)
	configViper.SetDefault("uploads.max_bytes", defaultUploadMaxBytes)
	configViper.SetDefault("storage.backend", defaultStorageBackend)
	configViper.SetDefault("storage.path", defaultStoragePath)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.key_prefix", defaultRedisKeyPrefix)
	configViper.SetDefault("ratelimit.enabled", false)
	configViper.SetDefault("ratelimit.requests", defaultRateLimitRequests)
	configViper.SetDefault("ratelimit.window_seconds", defaultRateLimitWindow)
	configViper.SetDefault("mail.driver", defaultMailDriver)
	configViper.SetDefault("mail.smtp_port", defaultSMTPPort)
	configViper.SetDefault("mail.from", defaultMailFrom)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		SessionSigningSecret: configViper.GetString("auth.session_signing_secret"),
		SessionIssuer:        configViper.GetString("auth.session_issuer"),
		SessionCookieName:    configViper.GetString("auth.session_cookie"),
		TokenSigningSecret:   configViper.GetString("tokens.signing_secret"),
		TokenIssuer:          configViper.GetString("tokens.issuer"),
		TokenTTL:             time.Duration(configViper.GetInt("tokens.ttl_hours")) * time.Hour,
		PublicBaseURL:        strings.TrimRight(configViper.GetString("public.base_url"), "/"),
		UploadMaxBytes:       configViper.GetInt64("uploads.max_bytes"),
		StorageBackend:       strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
		StoragePath:          configViper.GetString("storage.path"),
		StorageEncryptionKey: configViper.GetString("storage.encryption_key"),
		RedisAddress:         configViper.GetString("redis.address"),
		RedisPassword:        configViper.GetString("redis.password"),
		RedisDB:              configViper.GetInt("redis.db"),
		RedisKeyPrefix:       configViper.GetString("redis.key_prefix"),
		RateLimitEnabled:     configViper.GetBool("ratelimit.enabled"),
		RateLimitRequests:    configViper.GetInt("ratelimit.requests"),
		RateLimitWindow:      time.Duration(configViper.GetInt("ratelimit.window_seconds")) * time.Second,
		MailDriver:           strings.ToLower(strings.TrimSpace(configViper.GetString("mail.driver"))),
		SMTPHost:             configViper.GetString("mail.smtp_host"),
		SMTPPort:             configViper.GetInt("mail.smtp_port"),
		SMTPUsername:         configViper.GetString("mail.username"),
		SMTPPassword:         configViper.GetString("mail.password"),
		MailFrom:             configViper.GetString("mail.from"),
		SealCertificatePath:  configViper.GetString("seal.certificate_path"),
		SealKeyPath:          configViper.GetString("seal.key_path"),
		SealTSAURL:           configViper.GetString("seal.tsa_url"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("auth.session_signing_secret is required")
	}
	if strings.TrimSpace(c.TokenSigningSecret) == "" {
		return fmt.Errorf("tokens.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.session_cookie is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q", DatabaseDriverSQLite, DatabaseDriverPostgres)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("tokens.ttl_hours must be positive")
	}
	if c.UploadMaxBytes <= 0 {
		return fmt.Errorf("uploads.max_bytes must be positive")
	}
	switch c.StorageBackend {
	case StorageBackendFilesystem:
		if strings.TrimSpace(c.StoragePath) == "" {
			return fmt.Errorf("storage.path is required for the filesystem backend")
		}
	case StorageBackendRedis:
	default:
		return fmt.Errorf("storage.backend must be %q or %q", StorageBackendFilesystem, StorageBackendRedis)
	}
	if (c.StorageBackend == StorageBackendRedis || c.RateLimitEnabled) && strings.TrimSpace(c.RedisAddress) == "" {
		return fmt.Errorf("redis.address is required")
	}
	if c.RateLimitEnabled && (c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0) {
		return fmt.Errorf("ratelimit.requests and ratelimit.window_seconds must be positive")
	}
	switch c.MailDriver {
	case MailDriverLog:
	case MailDriverSMTP:
		if strings.TrimSpace(c.SMTPHost) == "" {
			return fmt.Errorf("mail.smtp_host is required for the smtp driver")
		}
	default:
		return fmt.Errorf("mail.driver must be %q or %q", MailDriverLog, MailDriverSMTP)
	}
	if (c.SealCertificatePath == "") != (c.SealKeyPath == "") {
		return fmt.Errorf("seal.certificate_path and seal.key_path must be set together")
	}
	return nil
}
