package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries all runtime settings. Values are read from the environment
// once at startup; zero/empty fields are filled by WithDefaults.
type Config struct {
	Server   ServerConfig
	Tasks    TasksConfig
	LLM      LLMConfig
	Analyzer AnalyzerConfig
	Storage  StorageConfig
	LogLevel string
}

type ServerConfig struct {
	Host string
	Port int
}

type TasksConfig struct {
	MaxWorkers      int
	MaxPending      int
	TaskTimeout     time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
}

type LLMConfig struct {
	Provider string // "anthropic" or "openai"

	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	Timeout         time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
	MaxInputLength  int
	MaxOutputLength int
}

type AnalyzerConfig struct {
	MaxFiles  int
	HeadLines int
	MaxBytes  int
}

type StorageConfig struct {
	OutputDir       string
	PromptsDir      string
	TemplatesDir    string
	ConversationsDB string
	UserPromptsPath string
	FrontendDir     string
	OutputKeepDays  int
}

const (
	defaultPort        = 8081
	defaultModel       = "claude-3-5-sonnet-20241022"
	defaultOpenAIModel = "gpt-4o-mini"
)

func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host: os.Getenv("HOST"),
			Port: envInt("PORT", 0),
		},
		Tasks: TasksConfig{
			MaxWorkers:      envInt("MAX_WORKERS", 0),
			MaxPending:      envInt("MAX_PENDING_TASKS", 0),
			TaskTimeout:     envSeconds("TASK_TIMEOUT"),
			CleanupInterval: envSeconds("CLEANUP_INTERVAL"),
		},
		LLM: LLMConfig{
			Provider:        strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER"))),
			APIKey:          strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
			BaseURL:         strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL")),
			Model:           strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL")),
			MaxTokens:       envInt("ANTHROPIC_MAX_TOKENS", 0),
			OpenAIAPIKey:    strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			OpenAIBaseURL:   strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
			OpenAIModel:     strings.TrimSpace(os.Getenv("OPENAI_MODEL")),
			Timeout:         envSeconds("LLM_TIMEOUT"),
			RetryAttempts:   envInt("RETRY_ATTEMPTS", 0),
			RetryDelay:      envSeconds("RETRY_DELAY"),
			MaxInputLength:  envInt("MAX_INPUT_LENGTH", 0),
			MaxOutputLength: envInt("MAX_OUTPUT_LENGTH", 0),
		},
		Analyzer: AnalyzerConfig{
			MaxFiles:  envInt("MAX_FILES", 0),
			HeadLines: envInt("HEAD_LINES", 0),
			MaxBytes:  envInt("MAX_ANALYZER_BYTES", 0),
		},
		Storage: StorageConfig{
			OutputDir:       strings.TrimSpace(os.Getenv("OUTPUT_DIR")),
			PromptsDir:      strings.TrimSpace(os.Getenv("PROMPTS_DIR")),
			TemplatesDir:    strings.TrimSpace(os.Getenv("TEMPLATES_DIR")),
			ConversationsDB: strings.TrimSpace(os.Getenv("CONVERSATIONS_DB_PATH")),
			UserPromptsPath: strings.TrimSpace(os.Getenv("USER_PROMPTS_PATH")),
			FrontendDir:     strings.TrimSpace(os.Getenv("FRONTEND_DIR")),
			OutputKeepDays:  envInt("STORAGE_CLEANUP_DAYS", 0),
		},
		LogLevel: strings.TrimSpace(os.Getenv("LOG_LEVEL")),
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) WithDefaults() Config {
	out := c

	if strings.TrimSpace(out.Server.Host) == "" {
		out.Server.Host = "0.0.0.0"
	}
	if out.Server.Port <= 0 {
		out.Server.Port = defaultPort
	}

	if out.Tasks.MaxWorkers <= 0 {
		out.Tasks.MaxWorkers = 3
	}
	if out.Tasks.MaxPending <= 0 {
		out.Tasks.MaxPending = 100
	}
	if out.Tasks.TaskTimeout <= 0 {
		out.Tasks.TaskTimeout = 30 * time.Minute
	}
	if out.Tasks.CleanupInterval <= 0 {
		out.Tasks.CleanupInterval = time.Hour
	}
	if out.Tasks.Retention <= 0 {
		out.Tasks.Retention = 24 * time.Hour
	}

	if out.LLM.Provider == "" {
		out.LLM.Provider = "anthropic"
	}
	if out.LLM.Model == "" {
		out.LLM.Model = defaultModel
	}
	if out.LLM.MaxTokens <= 0 {
		out.LLM.MaxTokens = 8192
	}
	if out.LLM.OpenAIBaseURL == "" {
		out.LLM.OpenAIBaseURL = "https://api.openai.com"
	}
	if out.LLM.OpenAIModel == "" {
		out.LLM.OpenAIModel = defaultOpenAIModel
	}
	if out.LLM.Timeout <= 0 {
		out.LLM.Timeout = 5 * time.Minute
	}
	if out.LLM.RetryAttempts <= 0 {
		out.LLM.RetryAttempts = 3
	}
	if out.LLM.RetryDelay <= 0 {
		out.LLM.RetryDelay = 5 * time.Second
	}
	if out.LLM.MaxInputLength <= 0 {
		out.LLM.MaxInputLength = 100000
	}
	if out.LLM.MaxOutputLength <= 0 {
		out.LLM.MaxOutputLength = 2000000
	}

	if out.Analyzer.MaxFiles <= 0 {
		out.Analyzer.MaxFiles = 200
	}
	if out.Analyzer.HeadLines <= 0 {
		out.Analyzer.HeadLines = 80
	}
	if out.Analyzer.MaxBytes <= 0 {
		out.Analyzer.MaxBytes = 10 << 20 // 10MiB aggregate
	}

	if out.Storage.OutputDir == "" {
		out.Storage.OutputDir = "output"
	}
	if out.Storage.PromptsDir == "" {
		out.Storage.PromptsDir = "prompts"
	}
	if out.Storage.TemplatesDir == "" {
		out.Storage.TemplatesDir = "templates"
	}
	if out.Storage.ConversationsDB == "" {
		out.Storage.ConversationsDB = "data/conversations.db"
	}
	if out.Storage.UserPromptsPath == "" {
		out.Storage.UserPromptsPath = "data/user_prompts.json"
	}
	if out.Storage.FrontendDir == "" {
		out.Storage.FrontendDir = "frontend/dist"
	}
	if out.Storage.OutputKeepDays <= 0 {
		out.Storage.OutputKeepDays = 30
	}

	if out.LogLevel == "" {
		out.LogLevel = "info"
	}
	return out
}

func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	switch c.LLM.Provider {
	case "anthropic":
		if c.LLM.APIKey == "" {
			return errors.New("ANTHROPIC_API_KEY is required")
		}
	case "openai":
		if c.LLM.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY is required")
		}
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q (supported: anthropic, openai)", c.LLM.Provider)
	}
	if c.LLM.MaxInputLength <= 0 || c.LLM.MaxOutputLength <= 0 {
		return errors.New("length limits must be positive")
	}
	return nil
}

func envInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// envSeconds reads an integer number of seconds; zero means unset.
func envSeconds(name string) time.Duration {
	v := envInt(name, 0)
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Second
}
