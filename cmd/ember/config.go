package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the ember configuration file (~/.config/ember/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelDir string `yaml:"model_dir"`

	// Sampling defaults
	Temperature *float64 `yaml:"temperature"`
	TopK        *int64   `yaml:"top_k"`
	TopP        *float64 `yaml:"top_p"`
	MaxTokens   *int64   `yaml:"max_tokens"`
	Seed        *int64   `yaml:"seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ember", "config.yaml")
}

// loadConfig reads the config file. Returns a zero Config if it does not
// exist or cannot be parsed; the CLI still works on flags alone.
func loadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyRunConfig fills run command variables from the config file when the
// corresponding flag was not set on the command line.
func applyRunConfig(c *cli.Command, cfg Config,
	temp *float64, topK *int64, topP *float64, maxTokens *int64, seed *int64,
) {
	if cfg.ModelDir != "" && !c.IsSet("model") {
		modelDir = cfg.ModelDir
	}
	if cfg.Temperature != nil && !c.IsSet("temp") {
		*temp = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		*topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		*topP = *cfg.TopP
	}
	if cfg.MaxTokens != nil && !c.IsSet("max-tokens") {
		*maxTokens = *cfg.MaxTokens
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ModelDir != "" && !c.IsSet("model") {
		modelDir = cfg.ModelDir
	}
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}
