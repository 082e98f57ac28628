package qanet

import "fmt"

// Config holds the immutable shape and schedule of a QANet-XL model.
type Config struct {
	ModelDim int
	Heads    int
	HeadDim  int
	// MemLen is the number of cached steps per stream; 0 disables recurrence.
	MemLen int
	// ClampLen saturates relative distances; <= 0 disables clamping.
	ClampLen int
	// Pad is the reserved word id used to build padding masks.
	Pad     int
	Dropout float32

	ContextEmbLayers  int
	QuestionEmbLayers int
	ModelEncLayers    int
}

// DefaultConfig returns the configuration used by the reference model.
func DefaultConfig() Config {
	return Config{
		ModelDim:          128,
		Heads:             8,
		HeadDim:           16,
		MemLen:            80,
		ClampLen:          0,
		Pad:               0,
		Dropout:           0.1,
		ContextEmbLayers:  2,
		QuestionEmbLayers: 2,
		ModelEncLayers:    8,
	}
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	switch {
	case c.ModelDim <= 0 || c.ModelDim%2 != 0:
		return fmt.Errorf("%w: model_dim %d must be positive and even", ErrConfig, c.ModelDim)
	case c.Heads <= 0 || c.HeadDim <= 0:
		return fmt.Errorf("%w: heads %d and head_dim %d must be positive", ErrConfig, c.Heads, c.HeadDim)
	case c.MemLen < 0:
		return fmt.Errorf("%w: mem_len %d is negative", ErrConfig, c.MemLen)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: dropout %v outside [0, 1)", ErrConfig, c.Dropout)
	case c.ContextEmbLayers <= 0 || c.QuestionEmbLayers <= 0 || c.ModelEncLayers <= 0:
		return fmt.Errorf("%w: every stack needs at least one layer", ErrConfig)
	}
	return nil
}
