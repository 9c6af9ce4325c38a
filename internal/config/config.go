// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	InferenceRemote = "remote"
	InferenceLocal  = "local"
)

type Config struct {
	HTTPAddr     string
	Env          string
	ControlToken string

	// ControlRateLimit caps mutating control calls per client per minute.
	ControlRateLimit int

	UserID       string
	StoreURL     string
	StoreToken   string
	StoreTimeout time.Duration

	SessionBackend string
	SQLitePath     string
	DatabaseURL    string
	AutoMigrate    bool

	InferenceMode string
	LLMProvider   string
	LLMAPIKey     string
	LLMModel      string
	LLMBaseURL    string

	BrowserHeadless bool
	BrowserStartURL string

	RetryDelay             time.Duration
	SettleDelay            time.Duration
	TypeDelay              time.Duration
	MaxConsecutiveFailures int
	AllowConcurrentModes   bool

	TelegramToken    string
	TelegramChatID   int64
	DiscordToken     string
	DiscordChannelID string

	WebhookURL    string
	WebhookSecret string

	NavigateAllow []string
	NavigateDeny  []string
}

// Load reads the optional YAML file named by REPLAY_CONFIG, then lets
// environment variables override it.
func Load() (Config, error) {
	file, err := readFile(os.Getenv("REPLAY_CONFIG"))
	if err != nil {
		return Config{}, err
	}
	l := loader{file: file}

	cfg := Config{
		HTTPAddr:         l.str("HTTP_ADDR", "127.0.0.1:8090"),
		Env:              l.str("ENV", "dev"),
		ControlToken:     l.str("CONTROL_TOKEN", ""),
		ControlRateLimit: l.int("CONTROL_RATE_LIMIT", 120),

		UserID:       l.str("USER_ID", "default_user"),
		StoreURL:     l.str("STORE_URL", "http://localhost:8000"),
		StoreToken:   l.str("STORE_TOKEN", ""),
		StoreTimeout: l.duration("STORE_TIMEOUT", 60*time.Second),

		SessionBackend: strings.ToLower(l.str("SESSION_BACKEND", BackendSQLite)),
		SQLitePath:     l.str("SQLITE_PATH", "replay.db"),
		DatabaseURL:    l.str("DATABASE_URL", ""),
		AutoMigrate:    l.bool("AUTO_MIGRATE", true),

		InferenceMode: strings.ToLower(l.str("INFERENCE_MODE", InferenceRemote)),
		LLMProvider:   l.str("LLM_PROVIDER", "openai"),
		LLMAPIKey:     l.str("LLM_API_KEY", ""),
		LLMModel:      l.str("LLM_MODEL", "gpt-4o"),
		LLMBaseURL:    l.str("LLM_BASE_URL", ""),

		BrowserHeadless: l.bool("BROWSER_HEADLESS", false),
		BrowserStartURL: l.str("BROWSER_START_URL", "about:blank"),

		RetryDelay:             l.duration("RETRY_DELAY", 2*time.Second),
		SettleDelay:            l.duration("SETTLE_DELAY", time.Second),
		TypeDelay:              l.duration("TYPE_DELAY", 50*time.Millisecond),
		MaxConsecutiveFailures: l.int("MAX_CONSECUTIVE_FAILURES", 0),
		AllowConcurrentModes:   l.bool("ALLOW_CONCURRENT_MODES", false),

		TelegramToken:    l.str("TELEGRAM_TOKEN", ""),
		TelegramChatID:   int64(l.int("TELEGRAM_CHAT_ID", 0)),
		DiscordToken:     l.str("DISCORD_TOKEN", ""),
		DiscordChannelID: l.str("DISCORD_CHANNEL_ID", ""),

		WebhookURL:    l.str("WEBHOOK_URL", ""),
		WebhookSecret: l.str("WEBHOOK_SECRET", ""),

		NavigateAllow: splitList(l.str("NAVIGATE_ALLOW", "")),
		NavigateDeny:  splitList(l.str("NAVIGATE_DENY", "")),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.SessionBackend {
	case BackendSQLite, BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres session backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SESSION_BACKEND %q", c.SessionBackend))
	}
	switch c.InferenceMode {
	case InferenceRemote, InferenceLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown INFERENCE_MODE %q", c.InferenceMode))
	}
	if c.StoreURL == "" {
		errs = append(errs, errors.New("STORE_URL is required"))
	}
	if c.MaxConsecutiveFailures < 0 {
		errs = append(errs, errors.New("MAX_CONSECUTIVE_FAILURES must not be negative"))
	}
	return errors.Join(errs...)
}

// readFile decodes a flat YAML mapping. Keys are matched case-insensitively
// against the environment variable names.
func readFile(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var decoded map[string]string
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	out := make(map[string]string, len(decoded))
	for k, v := range decoded {
		key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(strings.TrimSpace(k)))
		out[key] = v
	}
	return out, nil
}

// loader resolves a key from the environment, then the file, then the
// default.
type loader struct {
	file map[string]string
}

func (l loader) fallback(key, def string) string {
	if v, ok := l.file[key]; ok && v != "" {
		return v
	}
	return def
}

func (l loader) str(key, def string) string {
	return getenv(key, l.fallback(key, def))
}

func (l loader) bool(key string, def bool) bool {
	return getenvBool(key, parseBool(l.fallback(key, ""), def))
}

func (l loader) duration(key string, def time.Duration) time.Duration {
	return getenvDuration(key, parseDuration(l.fallback(key, ""), def))
}

func (l loader) int(key string, def int) int {
	return getenvInt(key, parseInt(l.fallback(key, ""), def))
}

func getenv(key, defaultValue string) string {
	v := os.Getenv(key)
	if v != "" {
		return v
	}
	return defaultValue
}

func getenvBool(key string, defaultValue bool) bool {
	return parseBool(os.Getenv(key), defaultValue)
}

func getenvDuration(key string, defaultValue time.Duration) time.Duration {
	return parseDuration(os.Getenv(key), defaultValue)
}

func getenvInt(key string, defaultValue int) int {
	return parseInt(os.Getenv(key), defaultValue)
}

func parseBool(raw string, def bool) bool {
	v := strings.TrimSpace(raw)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// parseDuration accepts Go durations ("1500ms") or plain seconds ("2").
func parseDuration(raw string, def time.Duration) time.Duration {
	v := strings.TrimSpace(raw)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}

func parseInt(raw string, def int) int {
	v := strings.TrimSpace(raw)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
