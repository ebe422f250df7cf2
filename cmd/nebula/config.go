package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v9"
	"github.com/hashicorp/go-multierror"
	"github.com/nebula-studio/nebula/internal/handlers"
	"github.com/nebula-studio/nebula/internal/models"
	"github.com/nebula-studio/nebula/internal/services"
	"gopkg.in/yaml.v3"
)

// backend is what an llm configuration builds: the chat streamer and, when the provider supports it,
// the image generator.
type backend struct {
	llm    handlers.LLM
	images handlers.ImageGenerator
}

type llmConfig interface {
	applyEnv(envConfig)
	validate() error
	backend(ctx context.Context, systemPrompt string, logger *slog.Logger) (backend, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port         string    `yaml:"port"`
	SystemPrompt string    `yaml:"systemPrompt"`
	StorePath    string    `yaml:"storePath"`
	Log          logConfig `yaml:"log"`
	LLM          llmConfig `yaml:"llm"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type geminiConfig struct {
	BaseLLMConfig  `yaml:",inline"`
	APIKey         string             `yaml:"apiKey"`
	BaseURL        string             `yaml:"baseURL"`
	ImageModel     string             `yaml:"imageModel"`
	ThinkingBudget int32              `yaml:"thinkingBudget"`
	Models         []models.ModelInfo `yaml:"models"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

// envConfig holds the environment overrides. They win over the configuration file.
type envConfig struct {
	GeminiAPIKey  string `env:"GEMINI_API_KEY"`
	APIKey        string `env:"API_KEY"`
	GeminiBaseURL string `env:"GEMINI_BASE_URL"`
	OllamaHost    string `env:"OLLAMA_HOST"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`

	Port      string `env:"NEBULA_PORT"`
	LogLevel  string `env:"NEBULA_LOG_LEVEL"`
	LogFormat string `env:"NEBULA_LOG_FORMAT"`
	LogFile   string `env:"NEBULA_LOG_FILE"`
	StorePath string `env:"NEBULA_STORE_PATH"`
}

const (
	defaultPort     = "8080"
	defaultProvider = "gemini"
	appDir          = "nebula"
)

const defaultSystemPrompt = `You are Nebula, a helpful and knowledgeable assistant. Answer clearly and concisely, ` +
	`use Markdown for structure and fenced code blocks for code.`

var errMissingAPIKey = errors.New("gemini api key is required: set llm.apiKey, GEMINI_API_KEY or API_KEY")

// loadConfig reads the configuration file at path, applies the environment overrides and validates the
// result. When path is empty the default location is used, and a missing file there is not an error:
// the environment alone can configure the server.
func loadConfig(path string) (config, error) {
	cfg := config{}

	explicit := path != ""
	if !explicit {
		dir, err := configDir()
		if err != nil {
			return config{}, err
		}
		path = filepath.Join(dir, "config.yaml")
	}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file %s: %w", path, err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	var e envConfig
	if err := env.Parse(&e); err != nil {
		return config{}, fmt.Errorf("parsing env config: %w", err)
	}
	cfg.applyEnv(e)

	if err := cfg.setDefaults(); err != nil {
		return config{}, err
	}

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func configDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(dir, appDir), nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		SystemPrompt string         `yaml:"systemPrompt"`
		StorePath    string         `yaml:"storePath"`
		Log          logConfig      `yaml:"log"`
		LLM          map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.StorePath = rawConfig.StorePath
	c.Log = rawConfig.Log

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, _ := rawConfig.LLM["provider"].(string)
	llm, err := newLLMConfig(llmProvider)
	if err != nil {
		return err
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm
	return nil
}

func newLLMConfig(provider string) (llmConfig, error) {
	switch provider {
	case "", defaultProvider:
		return &geminiConfig{}, nil
	case "ollama":
		return &ollamaConfig{}, nil
	case "openai":
		return &openAIConfig{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", provider)
	}
}

func (c *config) applyEnv(e envConfig) {
	if e.Port != "" {
		c.Port = e.Port
	}
	if e.LogLevel != "" {
		c.Log.Level = e.LogLevel
	}
	if e.LogFormat != "" {
		c.Log.Format = e.LogFormat
	}
	if e.LogFile != "" {
		c.Log.File = e.LogFile
	}
	if e.StorePath != "" {
		c.StorePath = e.StorePath
	}

	if c.LLM == nil {
		c.LLM = &geminiConfig{}
	}
	c.LLM.applyEnv(e)
}

func (c *config) setDefaults() error {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.StorePath == "" {
		dir, err := configDir()
		if err != nil {
			return err
		}
		c.StorePath = filepath.Join(dir, "store.db")
	}
	return nil
}

// validate reports every problem of the configuration at once.
func (c config) validate() error {
	var err error

	if p, perr := strconv.Atoi(c.Port); perr != nil || p <= 0 || p > 65535 {
		err = multierror.Append(err, fmt.Errorf("invalid port %q", c.Port))
	}
	if _, lerr := parseLevel(c.Log.Level); lerr != nil {
		err = multierror.Append(err, lerr)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		err = multierror.Append(err, fmt.Errorf("invalid log format %q: must be text or json", c.Log.Format))
	}
	if verr := c.LLM.validate(); verr != nil {
		err = multierror.Append(err, verr)
	}

	return err
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

func (g *geminiConfig) applyEnv(e envConfig) {
	switch {
	case e.GeminiAPIKey != "":
		g.APIKey = e.GeminiAPIKey
	case e.APIKey != "":
		g.APIKey = e.APIKey
	}
	if e.GeminiBaseURL != "" {
		g.BaseURL = e.GeminiBaseURL
	}
}

func (g *geminiConfig) validate() error {
	var err error
	if g.APIKey == "" {
		err = multierror.Append(err, errMissingAPIKey)
	}
	if g.ThinkingBudget < 0 {
		err = multierror.Append(err, fmt.Errorf("invalid thinking budget %d", g.ThinkingBudget))
	}
	for i, m := range g.Models {
		if m.Name == "" {
			err = multierror.Append(err, fmt.Errorf("llm.models[%d]: name is required", i))
		}
	}
	if g.Model != "" && len(g.Models) > 0 {
		if _, ok := models.FindModel(g.Models, g.Model); !ok {
			err = multierror.Append(err, fmt.Errorf("default model %q is not in llm.models", g.Model))
		}
	}
	return err
}

func (g *geminiConfig) backend(ctx context.Context, systemPrompt string, logger *slog.Logger) (backend, error) {
	catalog := make([]models.ModelInfo, len(g.Models))
	for i, m := range g.Models {
		if m.Label == "" {
			m.Label = m.Name
		}
		catalog[i] = m
	}

	gemini, err := services.NewGemini(ctx, services.GeminiOptions{
		APIKey:         g.APIKey,
		BaseURL:        g.BaseURL,
		Models:         catalog,
		DefaultModel:   g.Model,
		ImageModel:     g.ImageModel,
		SystemPrompt:   systemPrompt,
		ThinkingBudget: g.ThinkingBudget,
	}, logger)
	if err != nil {
		return backend{}, err
	}
	return backend{llm: gemini, images: gemini}, nil
}

func (o *ollamaConfig) applyEnv(e envConfig) {
	if e.OllamaHost != "" {
		o.Host = e.OllamaHost
	}
}

func (o *ollamaConfig) validate() error {
	var err error
	if o.Model == "" {
		err = multierror.Append(err, errors.New("ollama model is required"))
	}
	if o.Host == "" {
		err = multierror.Append(err, errors.New("ollama host is required: set llm.host or OLLAMA_HOST"))
	}
	return err
}

func (o *ollamaConfig) backend(_ context.Context, systemPrompt string, logger *slog.Logger) (backend, error) {
	ollama, err := services.NewOllama(o.Host, o.Model, systemPrompt, logger)
	if err != nil {
		return backend{}, err
	}
	return backend{llm: ollama}, nil
}

func (o *openAIConfig) applyEnv(e envConfig) {
	if e.OpenAIAPIKey != "" {
		o.APIKey = e.OpenAIAPIKey
	}
}

func (o *openAIConfig) validate() error {
	var err error
	if o.Model == "" {
		err = multierror.Append(err, errors.New("openai model is required"))
	}
	if o.APIKey == "" {
		err = multierror.Append(err, errors.New("openai api key is required: set llm.apiKey or OPENAI_API_KEY"))
	}
	return err
}

func (o *openAIConfig) backend(_ context.Context, systemPrompt string, logger *slog.Logger) (backend, error) {
	return backend{llm: services.NewOpenAI(o.APIKey, o.BaseURL, o.Model, systemPrompt, logger)}, nil
}
