package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr     = ":8080"
	defaultContentURL     = "https://accounts.firefox.com"
	defaultOAuthURL       = "https://oauth.accounts.firefox.com"
	defaultClientID       = "e7ce535d93522896"
	defaultRedirectURI    = "https://lockbox.firefox.com/fxa/android-redirect.html"
	defaultTokenserverURL = "https://token.services.mozilla.com/"
	defaultStoreKey       = "deadbeef"

	envConfigFile     = "LOCKBOX_CONFIG"
	envListenAddr     = "LOCKBOX_LISTEN_ADDR"
	envLogLevel       = "LOCKBOX_LOG_LEVEL"
	envContentURL     = "LOCKBOX_CONTENT_URL"
	envOAuthURL       = "LOCKBOX_OAUTH_URL"
	envClientID       = "LOCKBOX_CLIENT_ID"
	envRedirectURI    = "LOCKBOX_REDIRECT_URI"
	envTokenserverURL = "LOCKBOX_TOKENSERVER_URL"
	envStoreKey       = "LOCKBOX_STORE_KEY"
)

// Config holds application configuration.
type Config struct {
	ListenAddr     string
	LogLevel       slog.Level
	ContentURL     string
	OAuthURL       string
	ClientID       string
	RedirectURI    string
	TokenserverURL string
	StoreKey       string
}

// fileConfig is the YAML shape of the optional config file.
type fileConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	LogLevel       string `yaml:"log_level"`
	ContentURL     string `yaml:"content_url"`
	OAuthURL       string `yaml:"oauth_url"`
	ClientID       string `yaml:"client_id"`
	RedirectURI    string `yaml:"redirect_uri"`
	TokenserverURL string `yaml:"tokenserver_url"`
	StoreKey       string `yaml:"store_key"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:     defaultListenAddr,
		LogLevel:       slog.LevelInfo,
		ContentURL:     defaultContentURL,
		OAuthURL:       defaultOAuthURL,
		ClientID:       defaultClientID,
		RedirectURI:    defaultRedirectURI,
		TokenserverURL: defaultTokenserverURL,
		StoreKey:       defaultStoreKey,
	}
}

// Load starts from the defaults, applies the YAML file named by
// LOCKBOX_CONFIG if set, then environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := cfg.applyYAML(f); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyYAML(r io.Reader) error {
	var fc fileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && err != io.EOF {
		return err
	}

	set(&c.ListenAddr, fc.ListenAddr)
	set(&c.ContentURL, fc.ContentURL)
	set(&c.OAuthURL, fc.OAuthURL)
	set(&c.ClientID, fc.ClientID)
	set(&c.RedirectURI, fc.RedirectURI)
	set(&c.TokenserverURL, fc.TokenserverURL)
	set(&c.StoreKey, fc.StoreKey)
	if fc.LogLevel != "" {
		c.LogLevel = parseLogLevel(fc.LogLevel)
	}
	return nil
}

func (c *Config) applyEnv() {
	set(&c.ListenAddr, os.Getenv(envListenAddr))
	set(&c.ContentURL, os.Getenv(envContentURL))
	set(&c.OAuthURL, os.Getenv(envOAuthURL))
	set(&c.ClientID, os.Getenv(envClientID))
	set(&c.RedirectURI, os.Getenv(envRedirectURI))
	set(&c.TokenserverURL, os.Getenv(envTokenserverURL))
	set(&c.StoreKey, os.Getenv(envStoreKey))
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
}

func set(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
