package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/localchat/internal/services"
	"github.com/MegaGrindStone/localchat/internal/session"
	"github.com/MegaGrindStone/localchat/internal/store"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const defaultConfig = `# localchat configuration
port: "8080"
# Where chats are stored. Defaults to the directory of this file.
dataDir: ""
# bolt or sqlite
store: bolt
# replace or merge
importPolicy: replace
loadTimeout: 10m
systemPrompt: ""
temperature: 0.7
maxTokens: 1024
llm:
  provider: ollama
  model: llama3.2:1b
  host: ""
  keepAlive: 30m
`

const (
	defaultOllamaHost = "http://127.0.0.1:11434"
	defaultKeepAlive  = 30 * time.Minute
)

type llmConfig interface {
	loader(logger *zap.Logger) (session.Loader, error)
	modelID() string
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

func (b BaseLLMConfig) modelID() string {
	return b.Model
}

// Settings are the provider independent fields of the config file.
type Settings struct {
	Port         string        `yaml:"port"`
	DataDir      string        `yaml:"dataDir"`
	Store        string        `yaml:"store"`
	ImportPolicy string        `yaml:"importPolicy"`
	LoadTimeout  time.Duration `yaml:"loadTimeout"`
	SystemPrompt string        `yaml:"systemPrompt"`
	Temperature  float64       `yaml:"temperature"`
	MaxTokens    int           `yaml:"maxTokens"`
}

type config struct {
	Settings
	LLM llmConfig

	// path is the file the config was read from.
	path string
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string        `yaml:"host"`
	KeepAlive     time.Duration `yaml:"keepAlive"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	BaseURL       string `yaml:"baseURL"`
	APIKey        string `yaml:"apiKey"`
}

func defaultSettings() Settings {
	return Settings{
		Port:         "8080",
		Store:        "bolt",
		ImportPolicy: string(store.ImportReplace),
		LoadTimeout:  10 * time.Minute,
		Temperature:  session.DefaultParams.Temperature,
		MaxTokens:    session.DefaultParams.MaxTokens,
	}
}

// UnmarshalYAML decodes the settings on top of the values already in c, then the llm block into the
// configuration type of its provider.
func (c *config) UnmarshalYAML(value *yaml.Node) error {
	rawConfig := struct {
		Settings `yaml:",inline"`
		LLM      map[string]any `yaml:"llm"`
	}{Settings: c.Settings}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Settings = rawConfig.Settings

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

	c.LLM = llm
	return nil
}

// loadConfig reads the config at path, or at <UserConfigDir>/localchat/config.yaml when path is empty.
// A missing file is created with the defaults.
func loadConfig(path string) (config, error) {
	if path == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return config{}, fmt.Errorf("error getting user config dir: %w", err)
		}
		path = filepath.Join(cfgDir, "localchat", "config.yaml")
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return config{}, fmt.Errorf("error creating config directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(defaultConfig), 0o600); err != nil {
			return config{}, fmt.Errorf("error writing default config: %w", err)
		}
		raw = []byte(defaultConfig)
	} else if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	cfg := config{Settings: defaultSettings(), path: path}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return config{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c config) validate() error {
	if c.LLM == nil {
		return fmt.Errorf("llm is required")
	}
	if c.LLM.modelID() == "" {
		return fmt.Errorf("model is required")
	}
	if c.Store != "bolt" && c.Store != "sqlite" {
		return fmt.Errorf("unknown store %q, want bolt or sqlite", c.Store)
	}
	if _, err := store.ParseImportPolicy(c.ImportPolicy); err != nil {
		return err
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("maxTokens must be positive")
	}
	return nil
}

func (c config) dataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return filepath.Dir(c.path)
}

func (c config) storePath() string {
	if c.Store == "sqlite" {
		return filepath.Join(c.dataDir(), "store.sqlite")
	}
	return filepath.Join(c.dataDir(), "store.db")
}

func (c config) importPolicy() store.ImportPolicy {
	return store.ImportPolicy(c.ImportPolicy)
}

func (c config) sessionOptions() session.Options {
	return session.Options{
		ModelID:      c.LLM.modelID(),
		SystemPrompt: c.SystemPrompt,
		Params: session.Params{
			Temperature: c.Temperature,
			MaxTokens:   c.MaxTokens,
		},
		LoadTimeout: c.LoadTimeout,
	}
}

func (o ollamaConfig) loader(logger *zap.Logger) (session.Loader, error) {
	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllamaHost
	}

	keepAlive := o.KeepAlive
	if keepAlive == 0 {
		keepAlive = defaultKeepAlive
	}
	return services.NewOllama(host, keepAlive, logger)
}

func (o openAIConfig) loader(logger *zap.Logger) (session.Loader, error) {
	if o.BaseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(o.BaseURL, apiKey, logger), nil
}
