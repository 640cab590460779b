package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "POSTSYNC"
	defaultHTTPAddress         = "127.0.0.1:8080"
	defaultRemoteBaseURL       = "https://jsonplaceholder.typicode.com"
	defaultRemoteTimeout       = 15
	defaultPostThreshold       = 100
	defaultCommentThreshold    = 500
	defaultLogLevel            = "info"
	defaultPlaceholderAddress  = "127.0.0.1:3000"
	defaultPlaceholderDatabase = "placeholder.db"
)

// AppConfig captures runtime configuration for the gateway and the fixture API.
type AppConfig struct {
	HTTPAddress              string
	RemoteBaseURL            string
	RemoteTimeout            time.Duration
	RemoteSigningSecret      string
	PostThreshold            int64
	CommentThreshold         int64
	LogLevel                 string
	LogFile                  string
	PlaceholderAddress       string
	PlaceholderDatabasePath  string
	PlaceholderSigningSecret string
	PlaceholderFailWrites    bool
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
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeout)
	configViper.SetDefault("identity.post_threshold", defaultPostThreshold)
	configViper.SetDefault("identity.comment_threshold", defaultCommentThreshold)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("placeholder.address", defaultPlaceholderAddress)
	configViper.SetDefault("placeholder.database_path", defaultPlaceholderDatabase)
	configViper.SetDefault("placeholder.fail_writes", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:              configViper.GetString("http.address"),
		RemoteBaseURL:            strings.TrimSpace(configViper.GetString("remote.base_url")),
		RemoteTimeout:            time.Duration(configViper.GetInt("remote.timeout_seconds")) * time.Second,
		RemoteSigningSecret:      configViper.GetString("remote.signing_secret"),
		PostThreshold:            configViper.GetInt64("identity.post_threshold"),
		CommentThreshold:         configViper.GetInt64("identity.comment_threshold"),
		LogLevel:                 configViper.GetString("log.level"),
		LogFile:                  strings.TrimSpace(configViper.GetString("log.file")),
		PlaceholderAddress:       configViper.GetString("placeholder.address"),
		PlaceholderDatabasePath:  configViper.GetString("placeholder.database_path"),
		PlaceholderSigningSecret: configViper.GetString("placeholder.signing_secret"),
		PlaceholderFailWrites:    configViper.GetBool("placeholder.fail_writes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	parsed, err := url.Parse(c.RemoteBaseURL)
	if c.RemoteBaseURL == "" || err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("remote.base_url must be an absolute http(s) url")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be positive")
	}
	if c.PostThreshold < 0 {
		return fmt.Errorf("identity.post_threshold must not be negative")
	}
	if c.CommentThreshold < 0 {
		return fmt.Errorf("identity.comment_threshold must not be negative")
	}
	if strings.TrimSpace(c.PlaceholderAddress) == "" {
		return fmt.Errorf("placeholder.address is required")
	}
	if strings.TrimSpace(c.PlaceholderDatabasePath) == "" {
		return fmt.Errorf("placeholder.database_path is required")
	}
	return nil
}
