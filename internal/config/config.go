// Package config provides unified configuration loading for reverie.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nvandessel/reverie/internal/constants"
	"gopkg.in/yaml.v3"
)

// Config contains all reverie configuration settings.
type Config struct {
	// LLM contains settings for the completion and embedding providers.
	LLM LLMConfig `json:"llm" yaml:"llm"`

	// Storage selects where simulation snapshots live.
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Simulation holds scheduler defaults applied to every new simulation.
	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`

	// Pool bounds the number of concurrently live simulations.
	Pool PoolConfig `json:"pool" yaml:"pool"`

	// Server configures the HTTP/WebSocket and MCP boundaries.
	Server ServerConfig `json:"server" yaml:"server"`

	// Logging contains settings for operational and call logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// LLMConfig configures the provider used by every cognitive decision.
type LLMConfig struct {
	// Provider identifies the backend: "openai", "ollama", "anthropic",
	// "gemini", "fallback", or "" (fallback).
	Provider string `json:"provider" yaml:"provider"`

	// APIKey is the API key for the provider. Supports ${VAR} syntax.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// BaseURL overrides the endpoint for OpenAI-compatible servers.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Model is the completion model name.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// EmbeddingProvider selects the embedder: "openai", "gemini", "local", or "hash".
	// Empty follows Provider, falling back to "hash".
	EmbeddingProvider string `json:"embedding_provider,omitempty" yaml:"embedding_provider,omitempty"`

	// EmbeddingModel is the embedding model name.
	EmbeddingModel string `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty"`

	// Timeout bounds a single provider request.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	Temperature      float64 `json:"temperature" yaml:"temperature"`
	MaxTokens        int     `json:"max_tokens" yaml:"max_tokens"`
	TopP             float64 `json:"top_p" yaml:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty" yaml:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty" yaml:"presence_penalty"`

	// MaxRetries is the attempt budget per decision before the failsafe is used.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`

	// LocalLibPath is the directory holding the llama.cpp shared libraries.
	// Only used when EmbeddingProvider is "local".
	LocalLibPath string `json:"local_lib_path,omitempty" yaml:"local_lib_path,omitempty"`

	// LocalModelPath is the GGUF embedding model for the local embedder.
	LocalModelPath string `json:"local_model_path,omitempty" yaml:"local_model_path,omitempty"`
}

// RedactedAPIKey returns the API key with most characters masked.
// Shows first 4 and last 4 characters, e.g., "sk-a...xyz9".
// Returns "" for empty keys and "(set)" for keys shorter than 12 chars.
func (c LLMConfig) RedactedAPIKey() string {
	if c.APIKey == "" {
		return ""
	}
	if len(c.APIKey) < 12 {
		return "(set)"
	}
	return c.APIKey[:4] + "..." + c.APIKey[len(c.APIKey)-4:]
}

// String implements fmt.Stringer to prevent accidental API key logging.
func (c LLMConfig) String() string {
	return fmt.Sprintf("LLMConfig{Provider:%s, APIKey:%s, Model:%s, Embedding:%s/%s}",
		c.Provider, c.RedactedAPIKey(), c.Model, c.EmbeddingProvider, c.EmbeddingModel)
}

// StorageConfig selects the snapshot backend.
type StorageConfig struct {
	// Path is the root directory of simulation folders (file backend) and
	// the default location of the sqlite database.
	Path string `json:"path" yaml:"path"`

	// TempPath holds curr_sim_code.json / curr_step.json for frontends.
	TempPath string `json:"temp_path" yaml:"temp_path"`

	// Backend is "file", "sqlite" or "mongo".
	Backend string `json:"backend" yaml:"backend"`

	SQLitePath    string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	MongoURI      string `json:"mongo_uri,omitempty" yaml:"mongo_uri,omitempty"`
	MongoDatabase string `json:"mongo_database,omitempty" yaml:"mongo_database,omitempty"`

	// BackupDir is where `reverie backup` writes archives.
	BackupDir string `json:"backup_dir,omitempty" yaml:"backup_dir,omitempty"`

	// BackupRetention is the number of archives kept per simulation (0 = all).
	BackupRetention int `json:"backup_retention" yaml:"backup_retention"`
}

// SimulationConfig holds scheduler defaults.
type SimulationConfig struct {
	// SecPerStep is the simulated seconds per tick when the template has none.
	SecPerStep int `json:"sec_per_step" yaml:"sec_per_step"`

	// ServerSleep is the idle pause while waiting for a position feed.
	ServerSleep time.Duration `json:"server_sleep" yaml:"server_sleep"`

	// BaseTemplates lists snapshot codes that may never be overwritten.
	BaseTemplates []string `json:"base_templates" yaml:"base_templates"`

	// PlanningCycle is the number of days covered by one stage plan.
	PlanningCycle int `json:"planning_cycle" yaml:"planning_cycle"`

	// Seed seeds the random fallback choices. 0 uses the current time.
	Seed int64 `json:"seed" yaml:"seed"`

	// MazeDir holds <maze_name>.json tile maps for offline simulations.
	MazeDir string `json:"maze_dir" yaml:"maze_dir"`

	// AssetsDir resolves relative paths of "call -- load history".
	AssetsDir string `json:"assets_dir" yaml:"assets_dir"`
}

// PoolConfig bounds live simulations.
type PoolConfig struct {
	MaxInstances    int           `json:"max_instances" yaml:"max_instances"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ServerConfig configures the network boundaries.
type ServerConfig struct {
	// Addr is the HTTP listen address.
	Addr string `json:"addr" yaml:"addr"`

	// RateLimit is the sustained commands per second allowed per simulation.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`

	// RateBurst is the burst size for RateLimit.
	RateBurst int `json:"rate_burst" yaml:"rate_burst"`

	// AuditLog is the JSONL file recording MCP tool calls ("" disables).
	AuditLog string `json:"audit_log,omitempty" yaml:"audit_log,omitempty"`
}

// LoggingConfig configures reverie's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "trace", "debug", "info" (default), "warn", "error".
	// "trace" includes rendered prompts and raw LLM responses.
	Level string `json:"level" yaml:"level"`

	// CallLog is a JSONL file that receives one line per LLM attempt ("" disables).
	CallLog string `json:"call_log,omitempty" yaml:"call_log,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home := defaultHome()
	return &Config{
		LLM: LLMConfig{
			Provider:    "",
			Model:       "gpt-4o-mini",
			Timeout:     constants.DefaultLLMTimeout,
			Temperature: constants.DefaultTemperature,
			MaxTokens:   constants.DefaultMaxTokens,
			TopP:        constants.DefaultTopP,
			MaxRetries:  constants.DefaultMaxRetries,
			RetryDelay:  constants.DefaultRetryDelay,
		},
		Storage: StorageConfig{
			Path:            filepath.Join(home, "storage"),
			TempPath:        filepath.Join(home, "temp_storage"),
			Backend:         "file",
			MongoDatabase:   "reverie",
			BackupDir:       filepath.Join(home, "backups"),
			BackupRetention: 10,
		},
		Simulation: SimulationConfig{
			SecPerStep:    constants.DefaultSecPerStep,
			ServerSleep:   constants.DefaultServerSleep,
			BaseTemplates: append([]string(nil), constants.BaseTemplates...),
			PlanningCycle: constants.DefaultPlanningCycle,
			MazeDir:       filepath.Join(home, "maze"),
			AssetsDir:     filepath.Join(home, "assets"),
		},
		Pool: PoolConfig{
			MaxInstances:    constants.DefaultMaxInstances,
			ShutdownTimeout: constants.DefaultShutdownTimeout,
		},
		Server: ServerConfig{
			Addr:      ":11544",
			RateLimit: 20,
			RateBurst: 40,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// HomeDir returns the reverie home directory (~/.reverie).
func HomeDir() string {
	return defaultHome()
}

func defaultHome() string {
	if v := os.Getenv("REVERIE_HOME"); v != "" {
		return v
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".reverie"
	}
	return filepath.Join(homeDir, ".reverie")
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.reverie/config.yaml -> environment variables
func Load() (*Config, error) {
	config := Default()

	configPath := filepath.Join(defaultHome(), "config.yaml")
	if _, statErr := os.Stat(configPath); statErr == nil {
		fileConfig, loadErr := LoadFromFile(configPath)
		if loadErr != nil {
			return nil, fmt.Errorf("loading config file: %w", loadErr)
		}
		config = fileConfig
	}

	applyEnvOverrides(config)

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.LLM.APIKey = expandEnvVars(config.LLM.APIKey)
	config.LLM.BaseURL = expandEnvVars(config.LLM.BaseURL)
	config.Storage.Path = expandEnvVars(config.Storage.Path)
	config.Storage.TempPath = expandEnvVars(config.Storage.TempPath)
	config.Storage.SQLitePath = expandEnvVars(config.Storage.SQLitePath)
	config.Storage.MongoURI = expandEnvVars(config.Storage.MongoURI)
	config.Storage.BackupDir = expandEnvVars(config.Storage.BackupDir)
	config.Simulation.MazeDir = expandEnvVars(config.Simulation.MazeDir)
	config.Simulation.AssetsDir = expandEnvVars(config.Simulation.AssetsDir)

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	validProviders := map[string]bool{"": true, "openai": true, "ollama": true, "anthropic": true, "gemini": true, "fallback": true}
	if !validProviders[c.LLM.Provider] {
		return fmt.Errorf("invalid provider: %s (valid: openai, ollama, anthropic, gemini, fallback, or empty)", c.LLM.Provider)
	}

	validEmbedders := map[string]bool{"": true, "openai": true, "ollama": true, "gemini": true, "local": true, "hash": true}
	if !validEmbedders[c.LLM.EmbeddingProvider] {
		return fmt.Errorf("invalid embedding_provider: %s (valid: openai, ollama, gemini, local, hash, or empty)", c.LLM.EmbeddingProvider)
	}

	if c.LLM.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative, got %v", c.LLM.Timeout)
	}
	if c.LLM.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.LLM.MaxRetries)
	}
	if c.LLM.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must be non-negative, got %v", c.LLM.RetryDelay)
	}

	validBackends := map[string]bool{"file": true, "sqlite": true, "mongo": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s (valid: file, sqlite, mongo)", c.Storage.Backend)
	}
	if c.Storage.Backend == "mongo" && c.Storage.MongoURI == "" {
		return fmt.Errorf("storage backend mongo requires mongo_uri")
	}

	if c.Simulation.SecPerStep <= 0 {
		return fmt.Errorf("sec_per_step must be positive, got %d", c.Simulation.SecPerStep)
	}
	if c.Simulation.PlanningCycle <= 0 {
		return fmt.Errorf("planning_cycle must be positive, got %d", c.Simulation.PlanningCycle)
	}
	if c.Pool.MaxInstances <= 0 {
		return fmt.Errorf("max_instances must be positive, got %d", c.Pool.MaxInstances)
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if c.Logging.Level != "" && !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: trace, debug, info, warn, error, or empty for default)", c.Logging.Level)
	}

	return nil
}

// SQLitePath returns the configured database path or the default inside Storage.Path.
func (c *Config) SQLitePath() string {
	if c.Storage.SQLitePath != "" {
		return c.Storage.SQLitePath
	}
	return filepath.Join(c.Storage.Path, "reverie.db")
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("REVERIE_LLM_PROVIDER"); v != "" {
		config.LLM.Provider = v
	}
	if v := os.Getenv("REVERIE_LLM_API_KEY"); v != "" {
		config.LLM.APIKey = v
	}
	if v := os.Getenv("REVERIE_LLM_BASE_URL"); v != "" {
		config.LLM.BaseURL = v
	}
	if v := os.Getenv("REVERIE_LLM_MODEL"); v != "" {
		config.LLM.Model = v
	}
	if v := os.Getenv("REVERIE_EMBEDDING_PROVIDER"); v != "" {
		config.LLM.EmbeddingProvider = v
	}

	// Provider-native key variables apply only when no explicit key is set.
	if config.LLM.APIKey == "" {
		switch config.LLM.Provider {
		case "openai":
			config.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			config.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "gemini":
			config.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}

	// Ollama uses OLLAMA_HOST for base URL (no API key needed)
	if config.LLM.Provider == "ollama" {
		if v := os.Getenv("OLLAMA_HOST"); v != "" {
			config.LLM.BaseURL = v
		} else if config.LLM.BaseURL == "" {
			config.LLM.BaseURL = "http://localhost:11434/v1"
		}
	}

	if v := os.Getenv("REVERIE_LOCAL_LIB_PATH"); v != "" {
		config.LLM.LocalLibPath = v
	}
	if v := os.Getenv("REVERIE_LOCAL_MODEL_PATH"); v != "" {
		config.LLM.LocalModelPath = v
	}

	if v := os.Getenv("REVERIE_STORAGE"); v != "" {
		config.Storage.Path = v
	}
	if v := os.Getenv("REVERIE_STORE_BACKEND"); v != "" {
		config.Storage.Backend = v
	}
	if v := os.Getenv("REVERIE_MONGO_URI"); v != "" {
		config.Storage.MongoURI = v
	}

	if v := os.Getenv("REVERIE_MAX_INSTANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Pool.MaxInstances = n
		}
	}
	if v := os.Getenv("REVERIE_SEC_PER_STEP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Simulation.SecPerStep = n
		}
	}

	if v := os.Getenv("REVERIE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
