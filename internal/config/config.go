package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "SIGNALBRIDGE"
	defaultHTTPAddress  = "0.0.0.0:8090"
	defaultDatabasePath = "signalbridge.db"
	defaultLogLevel     = "info"
	defaultGatewayURL   = "http://127.0.0.1:8080"
	defaultAppBaseURL   = "http://localhost:3000"
	defaultAuthIssuer   = "tasklane-auth"

	defaultRetryInitialSeconds = 30
	defaultRetryCeilingSeconds = 480
	defaultRetryMaxAttempts    = 3
	defaultLinkTimeoutSeconds  = 300

	cipherKeyBytes = 32
)

// AppConfig captures runtime configuration for the bridge service.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	AuthSigningKey string
	AuthIssuer     string
	GatewayBaseURL string
	GatewayAccount string
	AppBaseURL     string
	CipherKey      []byte
	RetryInitial   time.Duration
	RetryCeiling   time.Duration
	RetryMax       int
	LinkTimeout    time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("gateway.base_url", defaultGatewayURL)
	configViper.SetDefault("app.base_url", defaultAppBaseURL)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("delivery.retry_initial_seconds", defaultRetryInitialSeconds)
	configViper.SetDefault("delivery.retry_ceiling_seconds", defaultRetryCeilingSeconds)
	configViper.SetDefault("delivery.retry_max_attempts", defaultRetryMaxAttempts)
	configViper.SetDefault("link.timeout_seconds", defaultLinkTimeoutSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		AuthSigningKey: configViper.GetString("auth.signing_secret"),
		AuthIssuer:     configViper.GetString("auth.issuer"),
		GatewayBaseURL: configViper.GetString("gateway.base_url"),
		GatewayAccount: configViper.GetString("gateway.account"),
		AppBaseURL:     configViper.GetString("app.base_url"),
		RetryInitial:   time.Duration(configViper.GetInt("delivery.retry_initial_seconds")) * time.Second,
		RetryCeiling:   time.Duration(configViper.GetInt("delivery.retry_ceiling_seconds")) * time.Second,
		RetryMax:       configViper.GetInt("delivery.retry_max_attempts"),
		LinkTimeout:    time.Duration(configViper.GetInt("link.timeout_seconds")) * time.Second,
	}

	key, err := decodeCipherKey(configViper.GetString("crypto.key"))
	if err != nil {
		return AppConfig{}, err
	}
	cfg.CipherKey = key

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func decodeCipherKey(encoded string) ([]byte, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, fmt.Errorf("crypto.key is required")
	}
	key, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto.key must be hex encoded: %w", err)
	}
	if len(key) != cipherKeyBytes {
		return nil, fmt.Errorf("crypto.key must decode to %d bytes, got %d", cipherKeyBytes, len(key))
	}
	return key, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.GatewayBaseURL) == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if strings.TrimSpace(c.GatewayAccount) == "" {
		return fmt.Errorf("gateway.account is required")
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("delivery.retry_max_attempts must not be negative")
	}
	if c.RetryInitial <= 0 || c.RetryCeiling < c.RetryInitial {
		return fmt.Errorf("delivery retry backoff window is invalid")
	}
	return nil
}
