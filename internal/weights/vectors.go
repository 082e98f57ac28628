package weights

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-qanetxl/internal/device"
	"github.com/23skdu/longbow-qanetxl/internal/tokenizer"
)

// LoadWordVectors reads a GloVe text file ("word v1 ... vdim" per line).
// The reserved null and out-of-vocabulary rows are zero.
func LoadWordVectors(path string, dim int) (*tokenizer.Vocab, *device.Tensor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open word vectors: %w", err)
	}
	defer file.Close()
	return ReadWordVectors(file, dim)
}

// ReadWordVectors parses GloVe text from r.
func ReadWordVectors(r io.Reader, dim int) (*tokenizer.Vocab, *device.Tensor, error) {
	vocab := tokenizer.NewVocab()
	rows := make([]float32, 2*dim)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != dim+1 {
			return nil, nil, fmt.Errorf("word vectors line %d: %d values, want %d", line, len(fields)-1, dim)
		}
		before := vocab.Words()
		if vocab.AddWord(fields[0]) < before {
			continue
		}
		for _, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("word vectors line %d: %w", line, err)
			}
			rows = append(rows, float32(v))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read word vectors: %w", err)
	}
	return vocab, device.NewTensor(device.Shape{vocab.Words(), dim}, rows), nil
}
