package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/ollama-web-chat/internal/handlers"
	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
	"github.com/MegaGrindStone/ollama-web-chat/internal/services"
	"github.com/MegaGrindStone/ollama-web-chat/internal/stream"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort                 = "8080"
	defaultTitleGeneratorPrompt = "Generate a short title (max 80 chars) summarizing the user's message. " +
		"No quotes or colons."
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (stream.LLM, error)
	titleGen(systemPrompt string, logger *slog.Logger) (handlers.TitleGenerator, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	// Model is used for title generation. Chat requests name their own model.
	Model string `yaml:"model"`
}

type config struct {
	Port                 string                  `yaml:"port"`
	SystemPrompt         string                  `yaml:"systemPrompt"`
	TitleGeneratorPrompt string                  `yaml:"titleGeneratorPrompt"`
	LLM                  llmConfig               `yaml:"llm"`
	Models               []models.ModelSelection `yaml:"models"`
	DefaultModel         string                  `yaml:"defaultModel"`
	Auth                 authConfig              `yaml:"auth"`
	Uploads              uploadsConfig           `yaml:"uploads"`
	Log                  logConfig               `yaml:"log"`
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

type authConfig struct {
	Header string `yaml:"header"`
}

type uploadsConfig struct {
	MaxBytes int64 `yaml:"maxBytes"`
}

type logConfig struct {
	Debug  bool `yaml:"debug"`
	JSON   bool `yaml:"json"`
	Pretty bool `yaml:"pretty"`
	// Source adds the file and line of the logging call to every record.
	Source bool `yaml:"source"`
	// File, when set, receives JSON logs in addition to the terminal output.
	File string `yaml:"file"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port                 string                  `yaml:"port"`
		SystemPrompt         string                  `yaml:"systemPrompt"`
		TitleGeneratorPrompt string                  `yaml:"titleGeneratorPrompt"`
		LLM                  map[string]any          `yaml:"llm"`
		Models               []models.ModelSelection `yaml:"models"`
		DefaultModel         string                  `yaml:"defaultModel"`
		Auth                 authConfig              `yaml:"auth"`
		Uploads              uploadsConfig           `yaml:"uploads"`
		Log                  logConfig               `yaml:"log"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = defaultPort
	}
	c.SystemPrompt = rawConfig.SystemPrompt
	c.TitleGeneratorPrompt = rawConfig.TitleGeneratorPrompt
	if c.TitleGeneratorPrompt == "" {
		c.TitleGeneratorPrompt = defaultTitleGeneratorPrompt
	}
	c.LLM = llm
	c.Models = rawConfig.Models
	c.DefaultModel = rawConfig.DefaultModel
	c.Auth = rawConfig.Auth
	c.Uploads = rawConfig.Uploads
	c.Log = rawConfig.Log

	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("model at index %d has no id", i)
		}
		if m.APIIdentifier == "" {
			c.Models[i].APIIdentifier = m.ID
		}
		if m.Label == "" {
			c.Models[i].Label = m.ID
		}
	}

	return nil
}

func (c config) handlerOptions() handlers.Options {
	return handlers.Options{
		Models:         c.Models,
		DefaultModelID: c.DefaultModel,
		MaxUploadBytes: c.Uploads.MaxBytes,
	}
}

func (o ollamaConfig) newOllama(systemPrompt string, logger *slog.Logger) (services.Ollama, error) {
	if o.Model == "" {
		return services.Ollama{}, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, systemPrompt, logger)
}

func (o ollamaConfig) llm(systemPrompt string, logger *slog.Logger) (stream.LLM, error) {
	return o.newOllama(systemPrompt, logger)
}

func (o ollamaConfig) titleGen(systemPrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOllama(systemPrompt, logger)
}

func (o openAIConfig) newOpenAI(systemPrompt string, logger *slog.Logger) (services.OpenAI, error) {
	if o.Model == "" {
		return services.OpenAI{}, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, logger), nil
}

func (o openAIConfig) llm(systemPrompt string, logger *slog.Logger) (stream.LLM, error) {
	return o.newOpenAI(systemPrompt, logger)
}

func (o openAIConfig) titleGen(systemPrompt string, logger *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOpenAI(systemPrompt, logger)
}
