// internal/config/config.go
// Package config loads narrator settings from the YAML config file, a .env
// file and NARRATOR_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aceteam-ai/narrator-cli/internal/keypool"
	"github.com/aceteam-ai/narrator-cli/internal/scheduler"
)

// DefaultModel is used for keys that do not name a model.
const DefaultModel = "gemini-2.0-flash"

// State backends for key quarantine and exhaustion.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

var (
	ErrNoKeys        = errors.New("no API keys configured (set GEMINI_API_KEYS or add keys to the config file)")
	ErrUnknownAgent  = errors.New("unknown agent")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// AgentConfig is one named set of prompts and video settings.
type AgentConfig struct {
	PremisePrompt string `yaml:"premise_prompt"`
	ScriptPrompt  string `yaml:"script_prompt"`
	PremiseWords  int    `yaml:"premise_words,omitempty"`
	DurationMin   int    `yaml:"duration"`
	Language      string `yaml:"language"`
	Location      string `yaml:"location,omitempty"`
	Channel       string `yaml:"channel,omitempty"`
}

// StateConfig selects where key blocks and exhaustion survive restarts.
type StateConfig struct {
	// Backend is one of memory, file, sqlite or redis.
	Backend string `yaml:"backend"`

	// Path is the JSON file or SQLite database for the file and sqlite backends.
	Path string `yaml:"path,omitempty"`
}

// RedisConfig holds the redis connection used by the redis state backend
// and by progress publishing.
type RedisConfig struct {
	URL      string `yaml:"url,omitempty"`
	Password string `yaml:"password,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`

	// Publish sends job progress to redis Pub/Sub.
	Publish bool `yaml:"publish,omitempty"`
}

// Config is the full narrator configuration.
type Config struct {
	Keys        []keypool.Key          `yaml:"keys"`
	Agents      map[string]AgentConfig `yaml:"agents"`
	Concurrency int                    `yaml:"concurrency"`
	State       StateConfig            `yaml:"state"`
	Redis       RedisConfig            `yaml:"redis"`
	HistoryPath string                 `yaml:"history_path"`
	OutputDir   string                 `yaml:"output_dir"`

	// Dir is the narrator home directory; relative paths resolve against it.
	Dir string `yaml:"-"`
}

// DefaultDir returns ~/.narrator-cli, or NARRATOR_HOME when set.
func DefaultDir() string {
	if dir := os.Getenv("NARRATOR_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".narrator-cli")
}

// Default returns a Config with defaults rooted at dir.
func Default(dir string) *Config {
	return &Config{
		Agents:      map[string]AgentConfig{},
		Concurrency: 1,
		State:       StateConfig{Backend: BackendFile, Path: "keystate.json"},
		HistoryPath: "history.db",
		OutputDir:   "scripts",
		Dir:         dir,
	}
}

// Load reads the config file at path. An empty path means
// <DefaultDir>/config.yaml, which may be missing; an explicit path must exist.
// A .env file in the working directory is loaded first without overriding
// variables that are already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	dir := DefaultDir()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(dir, "config.yaml")
	}

	cfg := Default(dir)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnv()
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Concurrency = getEnvInt("NARRATOR_CONCURRENCY", c.Concurrency)
	c.State.Backend = getEnvOrDefault("NARRATOR_STATE_BACKEND", c.State.Backend)
	c.State.Path = getEnvOrDefault("NARRATOR_STATE_PATH", c.State.Path)
	c.Redis.URL = getEnvOrDefault("NARRATOR_REDIS_URL", c.Redis.URL)
	c.Redis.Password = getEnvOrDefault("NARRATOR_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Prefix = getEnvOrDefault("NARRATOR_REDIS_PREFIX", c.Redis.Prefix)
	c.Redis.Publish = getEnvBool("NARRATOR_PUBLISH_EVENTS", c.Redis.Publish)
	c.HistoryPath = getEnvOrDefault("NARRATOR_HISTORY_PATH", c.HistoryPath)
	c.OutputDir = getEnvOrDefault("NARRATOR_OUTPUT_DIR", c.OutputDir)

	model := getEnvOrDefault("NARRATOR_MODEL", DefaultModel)
	for i, secret := range splitList(os.Getenv("GEMINI_API_KEYS")) {
		c.Keys = append(c.Keys, keypool.Key{
			ID:     fmt.Sprintf("env-%d", i+1),
			Name:   "env key " + strconv.Itoa(i+1) + " (..." + lastChars(secret, 4) + ")",
			Model:  model,
			Secret: secret,
		})
	}
}

// resolve fills key defaults and anchors relative paths at Dir.
func (c *Config) resolve() {
	for i := range c.Keys {
		k := &c.Keys[i]
		if k.ID == "" {
			k.ID = fmt.Sprintf("key-%d", i+1)
		}
		if k.Model == "" {
			k.Model = DefaultModel
		}
		if strings.HasPrefix(k.Secret, "$") {
			k.Secret = os.Getenv(strings.TrimPrefix(k.Secret, "$"))
		}
	}
	c.State.Path = c.abs(c.State.Path)
	c.HistoryPath = c.abs(c.HistoryPath)
	c.OutputDir = c.abs(c.OutputDir)
}

func (c *Config) abs(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidConfig, c.Concurrency)
	}

	seen := make(map[string]bool)
	for _, k := range c.Keys {
		if seen[k.ID] {
			return fmt.Errorf("%w: duplicate key id %q", ErrInvalidConfig, k.ID)
		}
		seen[k.ID] = true
		if k.Secret == "" {
			return fmt.Errorf("%w: key %q has no secret", ErrInvalidConfig, k.ID)
		}
	}

	switch c.State.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.State.Path == "" {
			return fmt.Errorf("%w: state backend %q needs a path", ErrInvalidConfig, c.State.Backend)
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("%w: state backend redis needs redis.url", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown state backend %q", ErrInvalidConfig, c.State.Backend)
	}

	if c.Redis.Publish && c.Redis.URL == "" {
		return fmt.Errorf("%w: redis.publish needs redis.url", ErrInvalidConfig)
	}
	return nil
}

// RequireKeys returns ErrNoKeys when no key is configured.
func (c *Config) RequireKeys() error {
	if len(c.Keys) == 0 {
		return ErrNoKeys
	}
	return nil
}

// Agent returns the scheduler agent named name.
func (c *Config) Agent(name string) (scheduler.Agent, error) {
	a, ok := c.Agents[name]
	if !ok {
		return scheduler.Agent{}, fmt.Errorf("%w %q (available: %s)", ErrUnknownAgent, name, strings.Join(c.AgentNames(), ", "))
	}
	if strings.TrimSpace(a.PremisePrompt) == "" || strings.TrimSpace(a.ScriptPrompt) == "" {
		return scheduler.Agent{}, fmt.Errorf("%w: agent %q needs premise_prompt and script_prompt", ErrInvalidConfig, name)
	}
	if a.DurationMin <= 0 {
		return scheduler.Agent{}, fmt.Errorf("%w: agent %q needs a positive duration", ErrInvalidConfig, name)
	}
	return scheduler.Agent{
		Name:          name,
		PremisePrompt: a.PremisePrompt,
		ScriptPrompt:  a.ScriptPrompt,
		PremiseWords:  a.PremiseWords,
		DurationMin:   a.DurationMin,
		Language:      a.Language,
		Location:      a.Location,
		Channel:       a.Channel,
	}, nil
}

// AgentNames returns the configured agent names, sorted.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func lastChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an int or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as a bool or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
