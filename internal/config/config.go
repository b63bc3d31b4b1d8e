package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir string `yaml:"data_dir"`
	Debug   bool   `yaml:"debug"`

	RAG      RAGConfig `yaml:"rag"`
	EmbedLLM LLMConfig `yaml:"embed_llm"`
	AI       AIConfig  `yaml:"ai"`
}

type RAGConfig struct {
	ChunkSize int `yaml:"chunk_size"`

	// ChunkOverlap is a pointer so an explicit `chunk_overlap: 0` is
	// distinguishable from the field being absent.
	ChunkOverlap *int `yaml:"chunk_overlap"`

	DefaultTopK int `yaml:"default_top_k"`
	MaxTopK     int `yaml:"max_top_k"`

	// OverfetchFactor widens the candidate pool handed to reranking:
	// the index is asked for top_k * factor rows.
	OverfetchFactor int `yaml:"overfetch_factor"`
}

type LLMConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	Key      string `yaml:"key"`
}

type AIConfig struct {
	// Cloud providers answer interactively; local inference is slower.
	CloudTimeoutSec int `yaml:"cloud_timeout_sec"`
	LocalTimeoutSec int `yaml:"local_timeout_sec"`
}

const (
	defaultDataDir         = "./data"
	defaultChunkSize       = 600
	defaultChunkOverlap    = 100
	defaultTopK            = 10
	defaultMaxTopK         = 50
	defaultOverfetch       = 3
	defaultCloudTimeoutSec = 15
	defaultLocalTimeoutSec = 120
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a config with all defaults applied, used when no config
// file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.RAG.ChunkSize == 0 {
		c.RAG.ChunkSize = defaultChunkSize
	}
	if c.RAG.ChunkOverlap == nil {
		overlap := defaultChunkOverlap
		c.RAG.ChunkOverlap = &overlap
	}
	if c.RAG.DefaultTopK == 0 {
		c.RAG.DefaultTopK = defaultTopK
	}
	if c.RAG.MaxTopK == 0 {
		c.RAG.MaxTopK = defaultMaxTopK
	}
	if c.RAG.OverfetchFactor == 0 {
		c.RAG.OverfetchFactor = defaultOverfetch
	}
	if c.AI.CloudTimeoutSec == 0 {
		c.AI.CloudTimeoutSec = defaultCloudTimeoutSec
	}
	if c.AI.LocalTimeoutSec == 0 {
		c.AI.LocalTimeoutSec = defaultLocalTimeoutSec
	}
	if c.EmbedLLM.Provider == "" {
		c.EmbedLLM.Provider = "ollama"
	}
	if c.EmbedLLM.BaseURL == "" && c.EmbedLLM.Provider == "ollama" {
		c.EmbedLLM.BaseURL = "http://localhost:11434"
	}
	if c.EmbedLLM.Model == "" && c.EmbedLLM.Provider == "ollama" {
		c.EmbedLLM.Model = "nomic-embed-text"
	}
}
