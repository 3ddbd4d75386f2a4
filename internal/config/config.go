package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Config is the root configuration for the classchat client.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Send     SendConfig     `json:"send"`
	History  HistoryConfig  `json:"history"`
	Typing   TypingConfig   `json:"typing"`
	Uploads  UploadsConfig  `json:"uploads"`
	Cache    CacheConfig    `json:"cache"`
	Realtime RealtimeConfig `json:"realtime"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// ServerConfig points the client at the platform API.
type ServerConfig struct {
	BaseURL               string `json:"baseUrl"`
	RequestTimeoutSeconds int    `json:"requestTimeoutSeconds"`
}

func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// AuthConfig locates the session token. Resolution order: CLASSCHAT_TOKEN
// env var, then Token, then TokenFile contents.
type AuthConfig struct {
	Token     string `json:"token,omitempty"`
	TokenFile string `json:"tokenFile,omitempty"`
}

// SendConfig tunes the optimistic send path.
type SendConfig struct {
	// ReconcileTimeoutMS is how long an optimistic entry may stay in the
	// sending state before the fallback timer drops it. One value for both
	// the HTTP and realtime reconciliation paths.
	ReconcileTimeoutMS int `json:"reconcileTimeoutMs"`
}

func (s SendConfig) ReconcileTimeout() time.Duration {
	return time.Duration(s.ReconcileTimeoutMS) * time.Millisecond
}

type HistoryConfig struct {
	PageSize int `json:"pageSize"`
}

// TypingConfig tunes the typing indicator on both directions.
type TypingConfig struct {
	ThrottleMS int `json:"throttleMs"` // min gap between outbound signals
	ExpiryMS   int `json:"expiryMs"`   // inbound indicator lifetime per signal
}

func (t TypingConfig) Throttle() time.Duration {
	return time.Duration(t.ThrottleMS) * time.Millisecond
}

func (t TypingConfig) Expiry() time.Duration {
	return time.Duration(t.ExpiryMS) * time.Millisecond
}

type UploadsConfig struct {
	MaxSizeMB   int `json:"maxSizeMb"`
	Concurrency int `json:"concurrency"`
}

func (u UploadsConfig) MaxSizeBytes() int64 {
	return int64(u.MaxSizeMB) * 1024 * 1024
}

type CacheConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

// RealtimeConfig selects the push transport.
type RealtimeConfig struct {
	Transport     string `json:"transport"` // "websocket" | "nats"
	NATSURL       string `json:"natsUrl,omitempty"`
	SubjectPrefix string `json:"subjectPrefix,omitempty"` // NATS only
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"` // debug listener, e.g. 127.0.0.1:9091
}

// DefaultConfigDir returns the default config directory (~/.classchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".classchat"
	}
	return filepath.Join(home, ".classchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Auth.TokenFile = ExpandPath(cfg.Auth.TokenFile)
	cfg.Cache.DBPath = ExpandPath(cfg.Cache.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.BaseURL == "" {
		errs = append(errs, "server.baseUrl is required")
	} else if !strings.HasPrefix(cfg.Server.BaseURL, "http://") && !strings.HasPrefix(cfg.Server.BaseURL, "https://") {
		errs = append(errs, "server.baseUrl must start with http:// or https://")
	}
	if cfg.Server.RequestTimeoutSeconds < 1 {
		errs = append(errs, "server.requestTimeoutSeconds must be >= 1")
	}

	if cfg.Send.ReconcileTimeoutMS < 500 || cfg.Send.ReconcileTimeoutMS > 60000 {
		errs = append(errs, "send.reconcileTimeoutMs must be between 500 and 60000")
	}

	if cfg.History.PageSize < 1 || cfg.History.PageSize > 100 {
		errs = append(errs, "history.pageSize must be between 1 and 100")
	}

	if cfg.Typing.ThrottleMS < 100 {
		errs = append(errs, "typing.throttleMs must be >= 100")
	}
	if cfg.Typing.ExpiryMS < cfg.Typing.ThrottleMS {
		errs = append(errs, "typing.expiryMs must be >= typing.throttleMs")
	}

	if cfg.Uploads.MaxSizeMB < 1 {
		errs = append(errs, "uploads.maxSizeMb must be >= 1")
	}
	if cfg.Uploads.Concurrency < 1 || cfg.Uploads.Concurrency > 16 {
		errs = append(errs, "uploads.concurrency must be between 1 and 16")
	}

	switch cfg.Realtime.Transport {
	case "websocket", "nats":
		// valid
	default:
		errs = append(errs, "realtime.transport must be one of: websocket, nats")
	}
	if cfg.Realtime.Transport == "nats" && cfg.Realtime.NATSURL == "" {
		errs = append(errs, "realtime.natsUrl is required for the nats transport")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
