// Package model assembles the transformer computation graph from a weight
// store: declarative parameter binding, the forward pass, and the model
// configuration that ties the two together.
package model

import (
	"os"

	json "github.com/goccy/go-json"

	"github.com/emberml/ember/internal/fault"
)

// Config is the declared model geometry, read from config.json in the model
// directory. Every tensor bound from the weight store must be consistent
// with these values.
type Config struct {
	HiddenSize       int     `json:"hidden_size"`
	LayerCount       int     `json:"num_hidden_layers"`
	HeadCount        int     `json:"num_attention_heads"`
	VocabSize        int     `json:"vocab_size"`
	IntermediateSize int     `json:"intermediate_size"`
	HeadDim          int     `json:"head_dim"`
	NormEpsilon      float32 `json:"rms_norm_eps"`
	RopeTheta        float64 `json:"rope_theta"`
	MaxPosition      int     `json:"max_position_embeddings"`
}

// LoadConfig reads and validates config.json at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Formatf(path, "model config unavailable: %v", err)
	}
	return ParseConfig(path, data)
}

// ParseConfig validates in-memory config JSON.
func ParseConfig(source string, data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fault.Formatf(source, "model config is not valid JSON: %v", err)
	}
	if err := cfg.validate(source); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate(source string) error {
	switch {
	case c.HiddenSize <= 0:
		return fault.Formatf(source, "hidden_size must be positive")
	case c.LayerCount <= 0:
		return fault.Formatf(source, "num_hidden_layers must be positive")
	case c.HeadCount <= 0:
		return fault.Formatf(source, "num_attention_heads must be positive")
	case c.VocabSize <= 0:
		return fault.Formatf(source, "vocab_size must be positive")
	}
	if c.HeadDim <= 0 && c.HiddenSize%c.HeadCount != 0 {
		return fault.Formatf(source, "hidden_size %d not divisible by num_attention_heads %d", c.HiddenSize, c.HeadCount)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.HeadDim <= 0 {
		c.HeadDim = c.HiddenSize / c.HeadCount
	}
	if c.IntermediateSize <= 0 {
		c.IntermediateSize = 4 * c.HiddenSize
	}
	if c.NormEpsilon <= 0 {
		c.NormEpsilon = 1e-6
	}
	if c.RopeTheta <= 0 {
		c.RopeTheta = 10000.0
	}
	if c.MaxPosition <= 0 {
		c.MaxPosition = 2048
	}
}

// QDim returns the flattened query/key/value width, heads * head_dim.
func (c *Config) QDim() int { return c.HeadCount * c.HeadDim }
