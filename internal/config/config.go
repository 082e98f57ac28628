// Package config loads the qanetxl configuration from a YAML file and
// QANETXL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-qanetxl/internal/qanet"
)

// ErrInvalid marks a configuration that fails validation.
var ErrInvalid = errors.New("config: invalid")

// Config is the complete runtime configuration.
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Model    ModelConfig  `yaml:"model"`
	Reader   ReaderConfig `yaml:"reader"`
	Server   ServerConfig `yaml:"server"`
}

// ModelConfig are the architecture settings.
type ModelConfig struct {
	ModelDim          int     `yaml:"model_dim"`
	Heads             int     `yaml:"heads"`
	HeadDim           int     `yaml:"head_dim"`
	MemLen            int     `yaml:"mem_len"`
	ClampLen          int     `yaml:"clamp_len"`
	Dropout           float32 `yaml:"dropout"`
	ContextEmbLayers  int     `yaml:"context_emb_layers"`
	QuestionEmbLayers int     `yaml:"question_emb_layers"`
	ModelEncLayers    int     `yaml:"model_enc_layers"`
	WordDim           int     `yaml:"word_dim"`
	CharDim           int     `yaml:"char_dim"`
	Seed              uint64  `yaml:"seed"`
	VocabPath         string  `yaml:"vocab"`
	VectorsPath       string  `yaml:"vectors"`
	WeightsPath       string  `yaml:"weights"`
}

// ReaderConfig controls how documents are split into segments.
type ReaderConfig struct {
	SegmentLen   int `yaml:"segment_len"`
	MaxAnswerLen int `yaml:"max_answer_len"`
	MaxChars     int `yaml:"max_chars"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Listen        string        `yaml:"listen"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	FP16Snapshots bool          `yaml:"fp16_snapshots"`
}

// Default returns the built-in configuration.
func Default() Config {
	m := qanet.DefaultConfig()
	return Config{
		LogLevel: "info",
		Model: ModelConfig{
			ModelDim:          m.ModelDim,
			Heads:             m.Heads,
			HeadDim:           m.HeadDim,
			MemLen:            m.MemLen,
			ClampLen:          m.ClampLen,
			Dropout:           m.Dropout,
			ContextEmbLayers:  m.ContextEmbLayers,
			QuestionEmbLayers: m.QuestionEmbLayers,
			ModelEncLayers:    m.ModelEncLayers,
			WordDim:           300,
			CharDim:           64,
			Seed:              42,
		},
		Reader: ReaderConfig{
			SegmentLen:   80,
			MaxAnswerLen: 15,
			MaxChars:     16,
		},
		Server: ServerConfig{
			Listen:        ":8080",
			MaxConcurrent: 8,
			SessionTTL:    10 * time.Minute,
		},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if err := c.Qanet().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch {
	case c.Model.WordDim <= 0 || c.Model.CharDim <= 0:
		return fmt.Errorf("%w: word_dim and char_dim must be positive", ErrInvalid)
	case c.Reader.SegmentLen <= 0:
		return fmt.Errorf("%w: segment_len %d must be positive", ErrInvalid, c.Reader.SegmentLen)
	case c.Reader.MaxAnswerLen <= 0:
		return fmt.Errorf("%w: max_answer_len %d must be positive", ErrInvalid, c.Reader.MaxAnswerLen)
	case c.Reader.MaxChars <= 0:
		return fmt.Errorf("%w: max_chars %d must be positive", ErrInvalid, c.Reader.MaxChars)
	case c.Server.MaxConcurrent <= 0:
		return fmt.Errorf("%w: max_concurrent %d must be positive", ErrInvalid, c.Server.MaxConcurrent)
	}
	return nil
}

// Qanet converts the model section into a qanet.Config.
func (c Config) Qanet() qanet.Config {
	return qanet.Config{
		ModelDim:          c.Model.ModelDim,
		Heads:             c.Model.Heads,
		HeadDim:           c.Model.HeadDim,
		MemLen:            c.Model.MemLen,
		ClampLen:          c.Model.ClampLen,
		Dropout:           c.Model.Dropout,
		ContextEmbLayers:  c.Model.ContextEmbLayers,
		QuestionEmbLayers: c.Model.QuestionEmbLayers,
		ModelEncLayers:    c.Model.ModelEncLayers,
	}
}

func (c *Config) applyEnv() {
	if s := Var("QANETXL_LOG_LEVEL"); s != "" {
		c.LogLevel = s
	}
	intVar("QANETXL_MEM_LEN", &c.Model.MemLen)
	intVar("QANETXL_CLAMP_LEN", &c.Model.ClampLen)
	intVar("QANETXL_MODEL_DIM", &c.Model.ModelDim)
	intVar("QANETXL_SEGMENT_LEN", &c.Reader.SegmentLen)
	intVar("QANETXL_MAX_ANSWER_LEN", &c.Reader.MaxAnswerLen)
	intVar("QANETXL_MAX_CONCURRENT", &c.Server.MaxConcurrent)
	if s := Var("QANETXL_VOCAB"); s != "" {
		c.Model.VocabPath = s
	}
	if s := Var("QANETXL_VECTORS"); s != "" {
		c.Model.VectorsPath = s
	}
	if s := Var("QANETXL_WEIGHTS"); s != "" {
		c.Model.WeightsPath = s
	}
	if s := Var("QANETXL_LISTEN"); s != "" {
		c.Server.Listen = s
	}
	if s := Var("QANETXL_SESSION_TTL"); s != "" {
		if d, err := time.ParseDuration(s); err != nil {
			log.Warn().Str("key", "QANETXL_SESSION_TTL").Str("value", s).Msg("invalid environment variable, using default")
		} else {
			c.Server.SessionTTL = d
		}
	}
	if s := Var("QANETXL_FP16_SNAPSHOTS"); s != "" {
		if b, err := strconv.ParseBool(s); err != nil {
			log.Warn().Str("key", "QANETXL_FP16_SNAPSHOTS").Str("value", s).Msg("invalid environment variable, using default")
		} else {
			c.Server.FP16Snapshots = b
		}
	}
}

func intVar(key string, dst *int) {
	s := Var(key)
	if s == "" {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Warn().Str("key", key).Str("value", s).Int("default", *dst).Msg("invalid environment variable, using default")
		return
	}
	*dst = n
}

// Var returns an environment variable stripped of surrounding whitespace
// and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
