package weights

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-qanetxl/internal/device"
	"github.com/23skdu/longbow-qanetxl/internal/qanet/layers"
)

func params(seed float32) []layers.Parameter {
	a := device.NewParam(device.Shape{2, 3}, []float32{seed, 1, 2, 3, 4, 5})
	b := device.NewParam(device.Shape{2}, []float32{-seed, 0.5})
	return []layers.Parameter{{Name: "a", Tensor: a}, {Name: "b", Tensor: b}}
}

func TestLoader_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.bin")
	src := params(7)
	require.NoError(t, NewLoader(src).Save(path))

	dst := params(0)
	require.NoError(t, NewLoader(dst).Load(path))
	for i := range src {
		assert.Equal(t, src[i].Tensor.Data(), dst[i].Tensor.Data(), src[i].Name)
	}
}

func TestLoader_Errors(t *testing.T) {
	err := NewLoader(params(0)).Load("non_existent_file")
	require.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewLoader(params(1)).Write(&buf))

	short := bytes.NewReader(buf.Bytes()[:buf.Len()-4])
	err = NewLoader(params(0)).Read(short)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Contains(t, err.Error(), "b [2]")

	long := bytes.NewReader(append(buf.Bytes(), 0, 0, 0, 0))
	err = NewLoader(params(0)).Read(long)
	require.True(t, errors.Is(err, ErrTrailingData))
}

func TestReadWordVectors(t *testing.T) {
	vocab, vecs, err := ReadWordVectors(strings.NewReader("the 1 2\ncat 3 4\n\nthe 9 9\n"), 2)
	require.NoError(t, err)
	require.Equal(t, device.Shape{4, 2}, vecs.Shape())
	assert.Equal(t, []float32{0, 0, 0, 0, 1, 2, 3, 4}, vecs.Data())
	assert.Equal(t, 3, vocab.WordID("cat"))

	_, _, err = ReadWordVectors(strings.NewReader("the 1\n"), 2)
	require.Error(t, err)
}
