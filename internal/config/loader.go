package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// CORS is the opt-in cross-origin configuration block.
type CORS struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
}

// Llama tunes the embedded llama.cpp runtime.
type Llama struct {
	ContextSize int `json:"context_size" yaml:"context_size" toml:"context_size"`
	Threads     int `json:"threads" yaml:"threads" toml:"threads"`
	GPULayers   int `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	Model        string `json:"model" yaml:"model" toml:"model"`
	ModelFamily  string `json:"model_family" yaml:"model_family" toml:"model_family"`
	ChatTemplate string `json:"chat_template" yaml:"chat_template" toml:"chat_template"`
	ToolParser   string `json:"tool_parser" yaml:"tool_parser" toml:"tool_parser"`
	APIKey       string `json:"api_key" yaml:"api_key" toml:"api_key"`
	DevMode      bool   `json:"dev_mode" yaml:"dev_mode" toml:"dev_mode"`
	ShowInput    bool   `json:"show_input" yaml:"show_input" toml:"show_input"`
	LogLevel     string `json:"log_level" yaml:"log_level" toml:"log_level"`
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	MaxActive    int    `json:"max_active" yaml:"max_active" toml:"max_active"`
	Llama        Llama  `json:"llama" yaml:"llama" toml:"llama"`
	CORS         CORS   `json:"cors" yaml:"cors" toml:"cors"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
