package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-widget/internal/models"
	"github.com/MegaGrindStone/chat-widget/internal/services"
	"github.com/MegaGrindStone/chat-widget/internal/session"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort         = "8080"
	defaultSystemPrompt = "You are a programming assistant for react.js and chakra UI."
	defaultGreeting     = "Hello, Im your personal assistant ready to serve."
)

type llmConfig interface {
	llm(client *http.Client, logger *slog.Logger) (session.CompletionClient, error)
	model() string
	// apiKey returns the configured key, falling back to the provider's environment variable.
	apiKey() string
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port           string        `yaml:"port"`
	SystemPrompt   string        `yaml:"systemPrompt"`
	Greeting       string        `yaml:"greeting"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	LogLevel       string        `yaml:"logLevel"`
	LLM            llmConfig     `yaml:"llm"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port           string         `yaml:"port"`
		SystemPrompt   string         `yaml:"systemPrompt"`
		Greeting       *string        `yaml:"greeting"`
		RequestTimeout time.Duration  `yaml:"requestTimeout"`
		LogLevel       string         `yaml:"logLevel"`
		LLM            map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = defaultPort
	}
	c.SystemPrompt = rawConfig.SystemPrompt
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	// An explicitly empty greeting disables it.
	c.Greeting = defaultGreeting
	if rawConfig.Greeting != nil {
		c.Greeting = *rawConfig.Greeting
	}
	if rawConfig.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must not be negative")
	}
	c.RequestTimeout = rawConfig.RequestTimeout
	c.LogLevel = rawConfig.LogLevel

	llm, err := parseLLMConfig(rawConfig.LLM)
	if err != nil {
		return err
	}
	c.LLM = llm

	return nil
}

// loadConfig decodes a YAML config from r. An empty document yields the defaults.
func loadConfig(r io.Reader) (config, error) {
	cfg := config{}
	err := yaml.NewDecoder(r).Decode(&cfg)
	if errors.Is(err, io.EOF) {
		err = yaml.Unmarshal([]byte("{}"), &cfg)
	}
	if err != nil {
		return config{}, err
	}
	return cfg, nil
}

func parseLLMConfig(raw map[string]any) (llmConfig, error) {
	// A missing llm section talks to OpenAI, as the widget always did.
	if raw == nil {
		return &openAIConfig{BaseLLMConfig: BaseLLMConfig{Provider: "openai"}}, nil
	}

	llmProvider, ok := raw["provider"].(string)
	if !ok {
		return nil, fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}

	var llm llmConfig
	switch llmProvider {
	case "openai":
		llm = &openAIConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return nil, err
	}

	return llm, nil
}

func (c config) logLevel() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid logLevel %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (o openAIConfig) llm(client *http.Client, logger *slog.Logger) (session.CompletionClient, error) {
	return services.NewOpenAI(o.BaseURL, client, logger), nil
}

func (o openAIConfig) model() string {
	if o.Model == "" {
		return models.DefaultModel
	}
	return o.Model
}

func (o openAIConfig) apiKey() string {
	if o.APIKey != "" {
		return o.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

func (o openRouterConfig) llm(client *http.Client, logger *slog.Logger) (session.CompletionClient, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	return services.NewOpenRouter(o.BaseURL, client, logger), nil
}

func (o openRouterConfig) model() string {
	return o.Model
}

func (o openRouterConfig) apiKey() string {
	if o.APIKey != "" {
		return o.APIKey
	}
	return os.Getenv("OPENROUTER_API_KEY")
}

func (a anthropicConfig) llm(client *http.Client, logger *slog.Logger) (session.CompletionClient, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	return services.NewAnthropic(a.BaseURL, client, logger), nil
}

func (a anthropicConfig) model() string {
	return a.Model
}

func (a anthropicConfig) apiKey() string {
	if a.APIKey != "" {
		return a.APIKey
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

func (o ollamaConfig) llm(client *http.Client, logger *slog.Logger) (session.CompletionClient, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, client, logger)
}

func (o ollamaConfig) model() string {
	return o.Model
}

func (o ollamaConfig) apiKey() string {
	return ""
}
