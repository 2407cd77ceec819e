// Package config handles Argus configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/argus/config.yaml, /etc/argus/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "argus", "config.yaml"))
	}

	paths = append(paths, "/etc/argus/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Argus configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	LLM        LLMConfig        `yaml:"llm"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Ingest     IngestConfig     `yaml:"ingest"`
	AI         AIConfig         `yaml:"ai"`
	Search     SearchConfig     `yaml:"search"`
	Backup     BackupConfig     `yaml:"backup"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	// DebugErrors makes SafeCall re-return errors instead of swallowing
	// them. Only for development.
	DebugErrors bool `yaml:"debug_errors"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 3000
}

// LLMConfig defines the chat-completion provider settings.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"` // OpenAI-compatible endpoint root
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	BaseURL string `yaml:"base_url"` // Ollama URL (defaults to llm.base_url)
	Model   string `yaml:"model"`    // Embedding model name (e.g., nomic-embed-text)
	// Dim is the expected vector dimension. Vectors of any other length
	// are rejected at the client boundary. Default 768.
	Dim int `yaml:"dim"`
}

// IngestConfig controls which webhook messages enter the pipeline.
type IngestConfig struct {
	// ProcessOwnMessages treats outbound (fromMe) messages as ingestion
	// candidates. Default true.
	ProcessOwnMessages *bool `yaml:"process_own_messages"`
	// SkipGroupMessages drops messages whose chat id is a group. Default false.
	SkipGroupMessages bool `yaml:"skip_group_messages"`
}

// ProcessOwn reports whether outbound messages should be processed.
func (c IngestConfig) ProcessOwn() bool {
	return c.ProcessOwnMessages == nil || *c.ProcessOwnMessages
}

// AIConfig tunes the tier orchestrator and the tier-3 response cache.
type AIConfig struct {
	// TierMode is one of auto, force-t1, force-t2, force-t3.
	TierMode        string `yaml:"tier_mode"`
	CooldownBaseSec int    `yaml:"cooldown_base_sec"` // Default 30
	CacheTTLSec     int    `yaml:"cache_ttl_sec"`     // Default 3600
	CacheMaxSize    int    `yaml:"cache_max_size"`    // Default 500
}

// SearchConfig tunes event search.
type SearchConfig struct {
	// HotWindowDays is the created-at recency filter applied to search.
	// Default 90.
	HotWindowDays int `yaml:"hot_window_days"`
}

// BackupConfig tunes the daily snapshot task.
type BackupConfig struct {
	RetentionDays int `yaml:"retention_days"` // Default 7
}

// Load reads, parses and normalizes the config file at path, then applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config built from defaults and the environment alone.
// Used when no config file exists.
func Default() *Config {
	var cfg Config
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg
}

// applyEnv overlays the recognized environment variables onto the config.
// Environment wins over file values.
func (c *Config) applyEnv() {
	if v, ok := envInt("PORT"); ok {
		c.Listen.Port = v
	}
	if v, ok := envInt("HOT_WINDOW_DAYS"); ok {
		c.Search.HotWindowDays = v
	}
	if v, ok := envBool("PROCESS_OWN_MESSAGES"); ok {
		c.Ingest.ProcessOwnMessages = &v
	}
	if v, ok := envBool("SKIP_GROUP_MESSAGES"); ok {
		c.Ingest.SkipGroupMessages = v
	}
	if v := os.Getenv("AI_TIER_MODE"); v != "" {
		c.AI.TierMode = v
	}
	if v, ok := envInt("AI_COOLDOWN_BASE_SEC"); ok {
		c.AI.CooldownBaseSec = v
	}
	if v, ok := envInt("AI_CACHE_TTL_SEC"); ok {
		c.AI.CacheTTLSec = v
	}
	if v, ok := envInt("AI_CACHE_MAX_SIZE"); ok {
		c.AI.CacheMaxSize = v
	}
	if v, ok := envInt("BACKUP_RETENTION_DAYS"); ok {
		c.Backup.RetentionDays = v
	}
	if v, ok := envBool("DEBUG_ERRORS"); ok {
		c.DebugErrors = v
	}
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 3000
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.LLM.BaseURL
	}
	if c.Embeddings.Dim == 0 {
		c.Embeddings.Dim = 768
	}
	if c.AI.TierMode == "" {
		c.AI.TierMode = "auto"
	}
	if c.AI.CooldownBaseSec == 0 {
		c.AI.CooldownBaseSec = 30
	}
	if c.AI.CacheTTLSec == 0 {
		c.AI.CacheTTLSec = 3600
	}
	if c.AI.CacheMaxSize == 0 {
		c.AI.CacheMaxSize = 500
	}
	if c.Search.HotWindowDays == 0 {
		c.Search.HotWindowDays = 90
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.AI.TierMode) {
	case "auto", "force-t1", "force-t2", "force-t3":
	default:
		return fmt.Errorf("invalid ai.tier_mode %q (valid: auto, force-t1, force-t2, force-t3)", c.AI.TierMode)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}
