package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	text := "Hello, wörld!  Ünïcode"
	toks := Split(text)
	var norms []string
	for _, tok := range toks {
		norms = append(norms, tok.Norm)
		assert.Equal(t, tok.Text, text[tok.Start:tok.End])
	}
	assert.Equal(t, []string{"hello", ",", "world", "!", "unicode"}, norms)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, uint8(classPunct), classify('.'))
	assert.Equal(t, uint8(classSpace), classify('\t'))
	assert.Equal(t, uint8(classWord), classify('a'))
	assert.Equal(t, uint8(classPunct), classify('«'))
	assert.Equal(t, uint8(classSpace), classify(' '))
}

func TestVocab(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte("the\n\nCat\nsat\nthe\n"), 0o644))

	v, err := LoadVocab(path)
	require.NoError(t, err)
	assert.Equal(t, 5, v.Words())
	assert.Equal(t, NullID, v.WordID(NullToken))
	assert.Equal(t, 2, v.WordID("the"))
	assert.Equal(t, 3, v.WordID("cat"))
	assert.Equal(t, OOVID, v.WordID("dog"))
	assert.Equal(t, "sat", v.Word(4))
	// t h e c a s: six chars after the two reserved ids
	assert.Equal(t, 8, v.Chars())
	assert.Equal(t, 2, v.CharID('t'))
	assert.Equal(t, OOVID, v.CharID('z'))

	_, err = LoadVocab(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestEncode(t *testing.T) {
	v := BuildVocab("the cat sat")
	tk := New(v, 4)

	words, chars, toks := tk.Encode("The caterpillar sat on")
	require.Len(t, toks, 4)
	assert.Equal(t, []int{2, OOVID, 4, OOVID}, words)
	for _, c := range chars {
		require.Len(t, c, 4)
	}
	// "the" is padded with NullID
	assert.Equal(t, []int{v.CharID('t'), v.CharID('h'), v.CharID('e'), NullID}, chars[0])
	// "caterpillar" is truncated to its first four chars; 'r' is unseen
	assert.Equal(t, []int{v.CharID('c'), v.CharID('a'), v.CharID('t'), v.CharID('e')}, chars[1])
	assert.Equal(t, OOVID, v.CharID('r'))
}
