// Package weights reads and writes model parameters and pretrained word
// vectors.
package weights

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/23skdu/longbow-qanetxl/internal/qanet/layers"
)

// ErrTrailingData is returned when a weights file holds more values than
// the model has parameters.
var ErrTrailingData = errors.New("weights: trailing data after last parameter")

// Loader moves parameters to and from raw little-endian float32 files. The
// file holds every parameter back to back in the order given.
type Loader struct {
	Params []layers.Parameter
}

// NewLoader creates a loader for params.
func NewLoader(params []layers.Parameter) *Loader {
	return &Loader{Params: params}
}

// Load fills every parameter from path.
func (l *Loader) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return l.Read(bufio.NewReader(file))
}

// Read fills every parameter from r.
func (l *Loader) Read(r io.Reader) error {
	for _, p := range l.Params {
		data := make([]float32, p.Tensor.Len())
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return fmt.Errorf("failed to load %s %v: %w", p.Name, p.Tensor.Shape(), err)
		}
		copy(p.Tensor.Data(), data)
	}
	var probe [1]byte
	if n, _ := r.Read(probe[:]); n > 0 {
		return ErrTrailingData
	}
	return nil
}

// Save writes every parameter to path.
func (l *Loader) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	if err := l.Write(w); err != nil {
		file.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Write serialises every parameter to w.
func (l *Loader) Write(w io.Writer) error {
	for _, p := range l.Params {
		if err := binary.Write(w, binary.LittleEndian, p.Tensor.Data()); err != nil {
			return fmt.Errorf("failed to save %s: %w", p.Name, err)
		}
	}
	return nil
}
