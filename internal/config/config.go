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

// DefaultFile is read when no explicit config path is given and it exists
// in the working directory.
const DefaultFile = "parapr.yaml"

// Classifier provider names.
const (
	ProviderNone   = "none"
	ProviderAzure  = "azure"
	ProviderOpenAI = "openai"
)

// Failure policies for the safety classifier.
const (
	PolicyOpen   = "open"
	PolicyClosed = "closed"
)

// Config holds server configuration.
type Config struct {
	Port         int    `yaml:"port"`
	Host         string `yaml:"host"`
	StaticDir    string `yaml:"static_dir"`
	WorktreesDir string `yaml:"worktrees_dir"`
	SpawnScript  string `yaml:"spawn_script"`
	TmuxSocket   string `yaml:"tmux_socket"`

	PollInterval      time.Duration `yaml:"poll_interval"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	AcceptSettleDelay time.Duration `yaml:"accept_settle_delay"`
	SpawnTimeout      time.Duration `yaml:"spawn_timeout"`

	BufferLines     int `yaml:"buffer_lines"`
	ContextLines    int `yaml:"context_lines"`
	OutputTailLines int `yaml:"output_tail_lines"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Classifier Classifier `yaml:"classifier"`
}

// Classifier configures the external safety classification service.
type Classifier struct {
	Provider      string        `yaml:"provider"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	APIVersion    string        `yaml:"api_version"`
	Timeout       time.Duration `yaml:"timeout"`
	FailurePolicy string        `yaml:"failure_policy"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:              8765,
		Host:              "0.0.0.0",
		WorktreesDir:      "./worktrees",
		SpawnScript:       "./spawn-sessions.sh",
		PollInterval:      300 * time.Millisecond,
		CommandTimeout:    5 * time.Second,
		AcceptSettleDelay: 100 * time.Millisecond,
		SpawnTimeout:      2 * time.Minute,
		BufferLines:       200,
		ContextLines:      50,
		OutputTailLines:   50,
		LogLevel:          "info",
		LogFormat:         "text",
		Classifier: Classifier{
			Model:         "gpt-4o",
			APIVersion:    "2024-02-15-preview",
			Timeout:       5 * time.Second,
			FailurePolicy: PolicyOpen,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides. An empty path falls back to DefaultFile when it
// exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("PORT", c.Port)
	c.Host = envStr("PARAPR_HOST", c.Host)
	c.StaticDir = envStr("STATIC_DIR", c.StaticDir)
	c.WorktreesDir = envStr("PARAPR_WORKTREES_DIR", c.WorktreesDir)
	c.SpawnScript = envStr("PARAPR_SPAWN_SCRIPT", c.SpawnScript)
	c.TmuxSocket = envStr("PARAPR_TMUX_SOCKET", c.TmuxSocket)
	c.PollInterval = envDuration("PARAPR_POLL_INTERVAL", c.PollInterval)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envStr("LOG_FORMAT", c.LogFormat)

	cl := &c.Classifier
	cl.FailurePolicy = envStr("PARAPR_CLASSIFIER_POLICY", cl.FailurePolicy)

	// Azure credentials win when both are present, matching the deployment
	// the dashboard was first built for.
	azureBase, azureKey := os.Getenv("AZ_OPENAI_API_BASE"), os.Getenv("AZ_OPENAI_API_KEY")
	if azureBase != "" && azureKey != "" {
		if cl.Provider == "" {
			cl.Provider = ProviderAzure
		}
		if cl.Provider == ProviderAzure {
			cl.BaseURL = azureBase
			cl.APIKey = azureKey
			cl.APIVersion = envStr("RMTQ_BETA_CMD_AZ_OPENAI_API_VERSION", cl.APIVersion)
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && (cl.Provider == "" || cl.Provider == ProviderOpenAI) {
		cl.Provider = ProviderOpenAI
		cl.APIKey = key
		cl.BaseURL = envStr("OPENAI_BASE_URL", cl.BaseURL)
		if cl.BaseURL == "" {
			cl.BaseURL = "https://api.openai.com"
		}
	}
	if cl.Provider == "" {
		cl.Provider = ProviderNone
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.CommandTimeout <= 0 {
		return errors.New("command_timeout must be positive")
	}
	if c.AcceptSettleDelay < 0 {
		return errors.New("accept_settle_delay must not be negative")
	}
	if c.BufferLines < 1 {
		return fmt.Errorf("buffer_lines must be positive, got %d", c.BufferLines)
	}
	if c.ContextLines < 0 || c.ContextLines > c.BufferLines {
		return fmt.Errorf("context_lines must be between 0 and buffer_lines (%d), got %d", c.BufferLines, c.ContextLines)
	}
	if c.OutputTailLines < 1 {
		return fmt.Errorf("output_tail_lines must be positive, got %d", c.OutputTailLines)
	}

	switch c.Classifier.Provider {
	case "", ProviderNone:
	case ProviderAzure, ProviderOpenAI:
		if c.Classifier.BaseURL == "" {
			return fmt.Errorf("classifier.base_url is required for provider %s", c.Classifier.Provider)
		}
		if c.Classifier.APIKey == "" {
			return fmt.Errorf("classifier.api_key is required for provider %s", c.Classifier.Provider)
		}
		if c.Classifier.Timeout <= 0 {
			return errors.New("classifier.timeout must be positive")
		}
	default:
		return fmt.Errorf("unknown classifier.provider %q", c.Classifier.Provider)
	}

	switch c.Classifier.FailurePolicy {
	case PolicyOpen, PolicyClosed:
	default:
		return fmt.Errorf("classifier.failure_policy must be %q or %q, got %q", PolicyOpen, PolicyClosed, c.Classifier.FailurePolicy)
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
