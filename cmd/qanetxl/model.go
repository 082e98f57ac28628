package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-qanetxl/internal/config"
	"github.com/23skdu/longbow-qanetxl/internal/device"
	"github.com/23skdu/longbow-qanetxl/internal/qanet/layers"
	"github.com/23skdu/longbow-qanetxl/internal/reader"
	"github.com/23skdu/longbow-qanetxl/internal/tokenizer"
	"github.com/23skdu/longbow-qanetxl/internal/weights"
)

// loadVocab returns the vocabulary and frozen word vectors. Pretrained
// vectors win over a plain vocab file; with neither, the vocabulary is
// collected from texts and the vectors are random.
func loadVocab(cfg config.ModelConfig, texts ...string) (*tokenizer.Vocab, *device.Tensor, error) {
	if cfg.VectorsPath != "" {
		vocab, vecs, err := weights.LoadWordVectors(cfg.VectorsPath, cfg.WordDim)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", cfg.VectorsPath).Int("words", vocab.Words()).Msg("loaded word vectors")
		return vocab, vecs, nil
	}

	var vocab *tokenizer.Vocab
	if cfg.VocabPath != "" {
		v, err := tokenizer.LoadVocab(cfg.VocabPath)
		if err != nil {
			return nil, nil, err
		}
		vocab = v
	} else {
		vocab = tokenizer.BuildVocab(texts...)
		log.Warn().Int("words", vocab.Words()).Msg("no vocab configured, collected vocabulary from input")
	}
	return vocab, randomTable(vocab.Words(), cfg.WordDim, cfg.Seed), nil
}

func randomTable(rows, dim int, seed uint64) *device.Tensor {
	rng := rand.New(rand.NewPCG(seed, uint64(rows)))
	t := device.NewTensor(device.Shape{rows, dim}, nil)
	data := t.Data()
	for i := range data {
		data[i] = float32(rng.NormFloat64() * 0.1)
	}
	return t
}

// buildReader assembles the model, loads its weights and wraps it in a
// document reader.
func buildReader(cfg config.Config, texts ...string) (*reader.Reader, *layers.QANetXL, error) {
	vocab, words, err := loadVocab(cfg.Model, texts...)
	if err != nil {
		return nil, nil, err
	}
	chars := randomTable(vocab.Chars(), cfg.Model.CharDim, cfg.Model.Seed+1)

	net, err := layers.NewQANetXL(cfg.Qanet(), words, chars, cfg.Model.Seed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build model: %w", err)
	}
	if cfg.Model.WeightsPath != "" {
		if err := weights.NewLoader(net.Parameters()).Load(cfg.Model.WeightsPath); err != nil {
			return nil, nil, fmt.Errorf("failed to load weights %s: %w", cfg.Model.WeightsPath, err)
		}
		log.Info().Str("path", cfg.Model.WeightsPath).Int("params", len(net.Parameters())).Msg("loaded weights")
	} else {
		log.Warn().Uint64("seed", cfg.Model.Seed).Msg("no weights configured, using random initialisation")
	}

	r, err := reader.New(net, net.Params, tokenizer.New(vocab, cfg.Reader.MaxChars), cfg.Reader.SegmentLen, cfg.Reader.MaxAnswerLen)
	if err != nil {
		return nil, nil, err
	}
	log.Info().
		Int("model_dim", cfg.Model.ModelDim).
		Int("mem_len", cfg.Model.MemLen).
		Int("segment_len", cfg.Reader.SegmentLen).
		Int("vocab", vocab.Words()).
		Msg("model ready")
	return r, net, nil
}
