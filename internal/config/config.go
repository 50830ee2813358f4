package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the PBXLink bridge.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int

	// Asterisk Manager Interface. If AMIHost is empty the listener is
	// disabled and only webhook-sourced calls are processed.
	AMIHost         string
	AMIPort         int
	AMIUsername     string
	AMISecret       string
	AMIAuth         string // "plain" or "md5"
	AMIPingInterval time.Duration

	// AmoCRM account. CRMBaseURL overrides the URL derived from the
	// subdomain (useful for self-hosted installs and tests).
	CRMSubdomain    string
	CRMBaseURL      string
	CRMClientID     string
	CRMClientSecret string
	CRMRedirectURI  string

	RecordingsDir      string
	DefaultCountryCode string        // prepended to bare national numbers
	SessionTimeout     time.Duration // force-finalize window for abandoned sessions
	SyncWorkers        int
	SyncMaxAttempts    int
	SyncQueueSize      int
	ContactPolicy      string // "unsorted" or "skip" when no CRM contact matches

	AdminJWTSecret string // HS256 secret for the admin API; empty disables it

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8080
	defaultAMIPort         = 5038
	defaultAMIAuth         = "plain"
	defaultAMIPing         = 10 * time.Second
	defaultRecordingsDir   = "/var/spool/asterisk/monitor"
	defaultCountryCode     = "7"
	defaultSessionTimeout  = 2 * time.Hour
	defaultSyncWorkers     = 4
	defaultSyncMaxAttempts = 5
	defaultSyncQueueSize   = 256
	defaultContactPolicy   = "unsorted"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
)

// envPrefix is the prefix for all PBXLink environment variables.
const envPrefix = "PBXLINK_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return LoadFrom(os.Args[1:])
}

// LoadFrom parses configuration from the given argument list. Split out of
// Load so tests can supply arguments without touching os.Args.
func LoadFrom(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("pbxlink", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.AMIHost, "ami-host", "", "Asterisk AMI host (empty disables the AMI listener)")
	fs.IntVar(&cfg.AMIPort, "ami-port", defaultAMIPort, "Asterisk AMI port")
	fs.StringVar(&cfg.AMIUsername, "ami-username", "", "Asterisk AMI username")
	fs.StringVar(&cfg.AMISecret, "ami-secret", "", "Asterisk AMI secret")
	fs.StringVar(&cfg.AMIAuth, "ami-auth", defaultAMIAuth, "AMI login scheme (plain, md5)")
	fs.DurationVar(&cfg.AMIPingInterval, "ami-ping-interval", defaultAMIPing, "AMI keepalive ping interval")
	fs.StringVar(&cfg.CRMSubdomain, "crm-subdomain", "", "AmoCRM account subdomain (e.g. mycompany)")
	fs.StringVar(&cfg.CRMBaseURL, "crm-base-url", "", "AmoCRM base URL override (defaults to https://<subdomain>.amocrm.ru)")
	fs.StringVar(&cfg.CRMClientID, "crm-client-id", "", "AmoCRM OAuth client id")
	fs.StringVar(&cfg.CRMClientSecret, "crm-client-secret", "", "AmoCRM OAuth client secret")
	fs.StringVar(&cfg.CRMRedirectURI, "crm-redirect-uri", "", "AmoCRM OAuth redirect URI")
	fs.StringVar(&cfg.RecordingsDir, "recordings-dir", defaultRecordingsDir, "directory searched for call recordings")
	fs.StringVar(&cfg.DefaultCountryCode, "default-country-code", defaultCountryCode, "country code prepended to bare national numbers")
	fs.DurationVar(&cfg.SessionTimeout, "session-timeout", defaultSessionTimeout, "inactivity window before a call session is abandoned")
	fs.IntVar(&cfg.SyncWorkers, "sync-workers", defaultSyncWorkers, "number of concurrent CRM sync workers")
	fs.IntVar(&cfg.SyncMaxAttempts, "sync-max-attempts", defaultSyncMaxAttempts, "sync attempts before a call is dead-lettered")
	fs.IntVar(&cfg.SyncQueueSize, "sync-queue-size", defaultSyncQueueSize, "bounded sync queue capacity")
	fs.StringVar(&cfg.ContactPolicy, "contact-policy", defaultContactPolicy, "action when no CRM contact matches (unsorted, skip)")
	fs.StringVar(&cfg.AdminJWTSecret, "admin-jwt-secret", "", "HS256 secret for admin API bearer tokens (empty disables the admin API)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":             envPrefix + "DATA_DIR",
		"http-port":            envPrefix + "HTTP_PORT",
		"ami-host":             envPrefix + "AMI_HOST",
		"ami-port":             envPrefix + "AMI_PORT",
		"ami-username":         envPrefix + "AMI_USERNAME",
		"ami-secret":           envPrefix + "AMI_SECRET",
		"ami-auth":             envPrefix + "AMI_AUTH",
		"ami-ping-interval":    envPrefix + "AMI_PING_INTERVAL",
		"crm-subdomain":        envPrefix + "CRM_SUBDOMAIN",
		"crm-base-url":         envPrefix + "CRM_BASE_URL",
		"crm-client-id":        envPrefix + "CRM_CLIENT_ID",
		"crm-client-secret":    envPrefix + "CRM_CLIENT_SECRET",
		"crm-redirect-uri":     envPrefix + "CRM_REDIRECT_URI",
		"recordings-dir":       envPrefix + "RECORDINGS_DIR",
		"default-country-code": envPrefix + "DEFAULT_COUNTRY_CODE",
		"session-timeout":      envPrefix + "SESSION_TIMEOUT",
		"sync-workers":         envPrefix + "SYNC_WORKERS",
		"sync-max-attempts":    envPrefix + "SYNC_MAX_ATTEMPTS",
		"sync-queue-size":      envPrefix + "SYNC_QUEUE_SIZE",
		"contact-policy":       envPrefix + "CONTACT_POLICY",
		"admin-jwt-secret":     envPrefix + "ADMIN_JWT_SECRET",
		"log-level":            envPrefix + "LOG_LEVEL",
		"log-format":           envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "ami-host":
			cfg.AMIHost = val
		case "ami-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AMIPort = v
			}
		case "ami-username":
			cfg.AMIUsername = val
		case "ami-secret":
			cfg.AMISecret = val
		case "ami-auth":
			cfg.AMIAuth = val
		case "ami-ping-interval":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.AMIPingInterval = v
			}
		case "crm-subdomain":
			cfg.CRMSubdomain = val
		case "crm-base-url":
			cfg.CRMBaseURL = val
		case "crm-client-id":
			cfg.CRMClientID = val
		case "crm-client-secret":
			cfg.CRMClientSecret = val
		case "crm-redirect-uri":
			cfg.CRMRedirectURI = val
		case "recordings-dir":
			cfg.RecordingsDir = val
		case "default-country-code":
			cfg.DefaultCountryCode = val
		case "session-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.SessionTimeout = v
			}
		case "sync-workers":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SyncWorkers = v
			}
		case "sync-max-attempts":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SyncMaxAttempts = v
			}
		case "sync-queue-size":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SyncQueueSize = v
			}
		case "contact-policy":
			cfg.ContactPolicy = val
		case "admin-jwt-secret":
			cfg.AdminJWTSecret = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.AMIPort < 1 || c.AMIPort > 65535 {
		return fmt.Errorf("ami-port must be between 1 and 65535, got %d", c.AMIPort)
	}
	if c.AMIHost != "" && (c.AMIUsername == "" || c.AMISecret == "") {
		return fmt.Errorf("ami-username and ami-secret are required when ami-host is set")
	}
	validAuth := map[string]bool{"plain": true, "md5": true}
	if !validAuth[strings.ToLower(c.AMIAuth)] {
		return fmt.Errorf("ami-auth must be one of plain, md5; got %q", c.AMIAuth)
	}
	c.AMIAuth = strings.ToLower(c.AMIAuth)

	if c.AMIPingInterval < time.Second {
		return fmt.Errorf("ami-ping-interval must be at least 1s, got %s", c.AMIPingInterval)
	}
	if c.CRMSubdomain == "" && c.CRMBaseURL == "" {
		return fmt.Errorf("crm-subdomain or crm-base-url must be set")
	}
	if c.CRMClientID == "" || c.CRMClientSecret == "" {
		return fmt.Errorf("crm-client-id and crm-client-secret are required")
	}
	if c.SessionTimeout < time.Minute {
		return fmt.Errorf("session-timeout must be at least 1m, got %s", c.SessionTimeout)
	}
	if c.SyncWorkers < 1 {
		return fmt.Errorf("sync-workers must be positive, got %d", c.SyncWorkers)
	}
	if c.SyncMaxAttempts < 1 {
		return fmt.Errorf("sync-max-attempts must be positive, got %d", c.SyncMaxAttempts)
	}
	if c.SyncQueueSize < 1 {
		return fmt.Errorf("sync-queue-size must be positive, got %d", c.SyncQueueSize)
	}
	validPolicies := map[string]bool{"unsorted": true, "skip": true}
	if !validPolicies[strings.ToLower(c.ContactPolicy)] {
		return fmt.Errorf("contact-policy must be one of unsorted, skip; got %q", c.ContactPolicy)
	}
	c.ContactPolicy = strings.ToLower(c.ContactPolicy)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// AMIEnabled returns true if an AMI host is configured.
func (c *Config) AMIEnabled() bool {
	return c.AMIHost != ""
}

// CRMURL returns the CRM base URL, deriving it from the subdomain when no
// explicit override is configured.
func (c *Config) CRMURL() string {
	if c.CRMBaseURL != "" {
		return strings.TrimRight(c.CRMBaseURL, "/")
	}
	return fmt.Sprintf("https://%s.amocrm.ru", c.CRMSubdomain)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
