// Package tokenizer splits text into word and character ids for the
// embedding layer.
package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Reserved ids shared by the word and char vocabularies.
const (
	NullID = 0
	OOVID  = 1

	NullToken = "--NULL--"
	OOVToken  = "--OOV--"
)

// Vocab maps normalised words and characters to ids.
type Vocab struct {
	words map[string]int
	chars map[rune]int
	list  []string
}

// NewVocab returns a vocabulary holding only the reserved entries.
func NewVocab() *Vocab {
	v := &Vocab{words: map[string]int{}, chars: map[rune]int{}}
	v.AddWord(NullToken)
	v.AddWord(OOVToken)
	return v
}

// LoadVocab reads one word per line. Blank lines are skipped and the
// reserved tokens are always ids 0 and 1.
func LoadVocab(path string) (*Vocab, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocab: %w", err)
	}
	defer func() { _ = file.Close() }()

	v := NewVocab()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			v.AddWord(normalize(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocab %s: %w", path, err)
	}
	return v, nil
}

// BuildVocab collects every word of texts in order of first appearance.
func BuildVocab(texts ...string) *Vocab {
	v := NewVocab()
	for _, text := range texts {
		for _, tok := range Split(text) {
			v.AddWord(tok.Norm)
		}
	}
	return v
}

// AddWord registers w and its characters, returning the word id.
func (v *Vocab) AddWord(w string) int {
	if id, ok := v.words[w]; ok {
		return id
	}
	id := len(v.list)
	v.words[w] = id
	v.list = append(v.list, w)
	if w == NullToken || w == OOVToken {
		return id
	}
	for _, r := range w {
		if _, ok := v.chars[r]; !ok {
			// char ids start after the two reserved slots
			v.chars[r] = len(v.chars) + 2
		}
	}
	return id
}

// WordID returns the id of a normalised word, or OOVID.
func (v *Vocab) WordID(w string) int {
	if id, ok := v.words[w]; ok {
		return id
	}
	return OOVID
}

// CharID returns the id of r, or OOVID.
func (v *Vocab) CharID(r rune) int {
	if id, ok := v.chars[r]; ok {
		return id
	}
	return OOVID
}

// Word returns the word with the given id.
func (v *Vocab) Word(id int) string {
	if id < 0 || id >= len(v.list) {
		return OOVToken
	}
	return v.list[id]
}

// Words returns the word table size.
func (v *Vocab) Words() int { return len(v.list) }

// Chars returns the char table size including reserved ids.
func (v *Vocab) Chars() int { return len(v.chars) + 2 }

// Token is one word of the input with its byte span.
type Token struct {
	Text  string
	Norm  string
	Start int
	End   int
}

// Tokenizer encodes text against a vocabulary.
type Tokenizer struct {
	Vocab    *Vocab
	MaxChars int
}

// New creates a tokenizer padding char ids to maxChars per word.
func New(v *Vocab, maxChars int) *Tokenizer {
	return &Tokenizer{Vocab: v, MaxChars: maxChars}
}

// Encode returns word ids, per-word char ids padded or truncated to
// MaxChars with NullID, and the tokens they came from.
func (t *Tokenizer) Encode(text string) ([]int, [][]int, []Token) {
	toks := Split(text)
	words := make([]int, len(toks))
	chars := make([][]int, len(toks))
	for i, tok := range toks {
		words[i] = t.Vocab.WordID(tok.Norm)
		ids := make([]int, t.MaxChars)
		k := 0
		for _, r := range tok.Norm {
			if k == t.MaxChars {
				break
			}
			ids[k] = t.Vocab.CharID(r)
			k++
		}
		chars[i] = ids
	}
	return words, chars, toks
}

var normalizer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalize lowercases s and strips accents.
func normalize(s string) string {
	out, _, err := transform.String(normalizer, strings.ToLower(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

// Split breaks text on whitespace and punctuation. Punctuation characters
// become tokens of their own.
func Split(text string) []Token {
	var toks []Token
	start := -1
	flush := func(end int) {
		if start >= 0 {
			toks = append(toks, Token{Text: text[start:end], Norm: normalize(text[start:end]), Start: start, End: end})
			start = -1
		}
	}
	for i, r := range text {
		switch classify(r) {
		case classSpace:
			flush(i)
		case classPunct:
			flush(i)
			end := i + utf8.RuneLen(r)
			toks = append(toks, Token{Text: text[i:end], Norm: text[i:end], Start: i, End: end})
		default:
			if start < 0 {
				start = i
			}
		}
	}
	flush(len(text))
	return toks
}
