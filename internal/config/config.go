package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultGreeting      = "Hi, I'm the Gainful Support Agent, how can I assist you today?"
	DefaultServerAddress = ":8090"
	DefaultDatabase      = "sqlite3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Store       StoreConfig               `json:"store" yaml:"store"`
	Chat        ChatConfig                `json:"chat" yaml:"chat"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Logging     LoggingConfig             `json:"logging" yaml:"logging"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" yaml:"server_address"`
	// Database selects the entry of Databases used for accounts and, with the sql store, conversations.
	Database string `json:"database" yaml:"database"`
	Greeting string `json:"greeting" yaml:"greeting"`
	// ChatEndpoint is the URL sends are streamed from. Empty means the in-process chat service.
	ChatEndpoint       string `json:"chat_endpoint" yaml:"chat_endpoint"`
	HistoryHideDelayMs int    `json:"history_hide_delay_ms" yaml:"history_hide_delay_ms"`
	MinWorkers         int    `json:"min_workers" yaml:"min_workers"`
	MaxWorkers         int    `json:"max_workers" yaml:"max_workers"`
	QueueSize          int    `json:"queue_size" yaml:"queue_size"`
	// WorkerIdleTimeout is in seconds; the token and session settings below are in minutes.
	WorkerIdleTimeout  int `json:"worker_idle_timeout" yaml:"worker_idle_timeout"`
	TokenTTL           int `json:"token_ttl" yaml:"token_ttl"`
	TokenCleanInterval int `json:"token_clean_interval" yaml:"token_clean_interval"`
	SessionIdleTimeout int `json:"session_idle_timeout" yaml:"session_idle_timeout"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// Enabled reports whether a redis server is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

type StoreConfig struct {
	// Driver is "sql" (default) or "bolt".
	Driver   string `json:"driver" yaml:"driver"`
	BoltPath string `json:"bolt_path" yaml:"bolt_path"`
}

type ChatConfig struct {
	Provider     string `json:"provider" yaml:"provider"`
	Model        string `json:"model" yaml:"model"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	KnowledgeDir string           `json:"knowledge_dir" yaml:"knowledge_dir"`
	HelpCenter   HelpCenterConfig `json:"help_center" yaml:"help_center"`
}

// HelpCenterConfig points the help center tool at the public support site.
type HelpCenterConfig struct {
	Site           string `json:"site" yaml:"site"`
	GoogleAPIKey   string `json:"google_api_key" yaml:"google_api_key"`
	GoogleEngineID string `json:"google_engine_id" yaml:"google_engine_id"`
	MaxResults     int    `json:"max_results" yaml:"max_results"`
}

// Enabled reports whether a help center site is configured.
func (h HelpCenterConfig) Enabled() bool {
	return strings.TrimSpace(h.Site) != ""
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(absPath))
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = DefaultServerAddress
	}
	if b.Database == "" {
		b.Database = DefaultDatabase
	}
	if b.Greeting == "" {
		b.Greeting = DefaultGreeting
	}
	if b.HistoryHideDelayMs <= 0 {
		b.HistoryHideDelayMs = 300
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 1024
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sql"
	}
	if c.Store.Driver == "bolt" && c.Store.BoltPath == "" {
		c.Store.BoltPath = "data/conversations.bolt"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if _, ok := c.Databases[c.BasicConfig.Database]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.Database)
	}
	switch c.Store.Driver {
	case "sql", "bolt":
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if c.BasicConfig.ChatEndpoint == "" && c.Chat.Provider == "" {
		return fmt.Errorf("chat.provider must be configured when chat_endpoint is empty")
	}
	return nil
}

// resolvePaths makes file paths relative to the config file location.
func (c *Config) resolvePaths(base string) {
	for name, db := range c.Databases {
		if !strings.HasPrefix(name, "sqlite") {
			continue
		}
		if db.DSN == "" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") || filepath.IsAbs(db.DSN) {
			continue
		}
		db.DSN = filepath.Join(base, db.DSN)
		c.Databases[name] = db
	}
	if c.Store.BoltPath != "" && !filepath.IsAbs(c.Store.BoltPath) {
		c.Store.BoltPath = filepath.Join(base, c.Store.BoltPath)
	}
	if c.Chat.KnowledgeDir != "" && !filepath.IsAbs(c.Chat.KnowledgeDir) {
		c.Chat.KnowledgeDir = filepath.Join(base, c.Chat.KnowledgeDir)
	}
}

// applyEnv fills provider API keys from SUPPORTCHAT_<PROVIDER>_API_KEY and the help center
// search credentials from SUPPORTCHAT_GOOGLE_API_KEY / SUPPORTCHAT_GOOGLE_ENGINE_ID when the
// file leaves them empty.
func (c *Config) applyEnv() {
	if c.Chat.HelpCenter.GoogleAPIKey == "" {
		c.Chat.HelpCenter.GoogleAPIKey = strings.TrimSpace(os.Getenv("SUPPORTCHAT_GOOGLE_API_KEY"))
	}
	if c.Chat.HelpCenter.GoogleEngineID == "" {
		c.Chat.HelpCenter.GoogleEngineID = strings.TrimSpace(os.Getenv("SUPPORTCHAT_GOOGLE_ENGINE_ID"))
	}
	for name, p := range c.Providers {
		if p.APIKey != "" {
			continue
		}
		key := "SUPPORTCHAT_" + strings.ToUpper(name) + "_API_KEY"
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			p.APIKey = v
			c.Providers[name] = p
		}
	}
}

// HistoryHideDelay is the delay before a closing history panel disappears.
func (b BasicConfig) HistoryHideDelay() time.Duration {
	return time.Duration(b.HistoryHideDelayMs) * time.Millisecond
}

// TokenLifetime returns the auth token lifetime, 24h when unset.
func (b BasicConfig) TokenLifetime() time.Duration {
	if b.TokenTTL <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(b.TokenTTL) * time.Minute
}

// TokenCleanupInterval returns how often expired tokens are purged.
func (b BasicConfig) TokenCleanupInterval() time.Duration {
	if b.TokenCleanInterval <= 0 {
		return time.Hour
	}
	return time.Duration(b.TokenCleanInterval) * time.Minute
}

// SessionIdle returns how long an unused browser session controller is kept.
func (b BasicConfig) SessionIdle() time.Duration {
	if b.SessionIdleTimeout <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(b.SessionIdleTimeout) * time.Minute
}

// WorkerIdle returns how long a spare persistence worker stays alive.
func (b BasicConfig) WorkerIdle() time.Duration {
	return time.Duration(b.WorkerIdleTimeout) * time.Second
}
