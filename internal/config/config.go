package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "REFLECTIVE"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "reflective.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultCookieName     = "app_session"
	defaultSessionIssuer  = "tauth"
	defaultTokenTTL       = 30 * time.Minute
	defaultFetchLimit     = 100
	maxFetchLimit         = 500
	defaultMetricsEnabled = true
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	AllowedOrigins   []string
	TAuthSigningKey  string
	TAuthCookieName  string
	TAuthIssuer      string
	TokenTTL         time.Duration
	DatabasePath     string
	LogLevel         string
	LogFormat        string
	LogFile          string
	SyncDefaultLimit int
	MetricsEnabled   bool
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("tauth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("sync.default_limit", defaultFetchLimit)
	configViper.SetDefault("metrics.enabled", defaultMetricsEnabled)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		AllowedOrigins:   configViper.GetStringSlice("http.allowed_origins"),
		TAuthSigningKey:  configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:  configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:      configViper.GetString("tauth.issuer"),
		TokenTTL:         configViper.GetDuration("tauth.token_ttl"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		LogFormat:        configViper.GetString("log.format"),
		LogFile:          configViper.GetString("log.file"),
		SyncDefaultLimit: configViper.GetInt("sync.default_limit"),
		MetricsEnabled:   configViper.GetBool("metrics.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if c.SyncDefaultLimit < 1 || c.SyncDefaultLimit > maxFetchLimit {
		return fmt.Errorf("sync.default_limit must be within 1..%d", maxFetchLimit)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	return nil
}
