// Package tokenizer converts between text and token-id sequences using a
// SentencePiece-style vocabulary: word-initial pieces carry the ▁ boundary
// marker, and unknown spans fall back to greedy longest-prefix matching.
package tokenizer

import (
	"strings"
	"unicode"

	"github.com/emberml/ember/internal/fault"
)

// boundaryMarker prefixes word-initial pieces in the vocabulary and is
// rendered as a space on decode.
const boundaryMarker = "▁"

// Tokenizer performs text <-> id conversion against a fixed Vocabulary.
type Tokenizer struct {
	vocab *Vocabulary

	// maxPiece bounds the prefix search during fallback matching.
	maxPiece int
}

// Load builds a Tokenizer from a vocabulary file. Construction fails with a
// FormatError when the file is missing or undecodable.
func Load(path string) (*Tokenizer, error) {
	vocab, err := loadVocabularyFile(path)
	if err != nil {
		return nil, err
	}
	return fromVocabulary(vocab), nil
}

// LoadBytes builds a Tokenizer from in-memory vocabulary JSON.
func LoadBytes(source string, data []byte) (*Tokenizer, error) {
	if len(data) == 0 {
		return nil, fault.Formatf(source, "vocabulary is empty")
	}
	vocab, err := loadVocabulary(source, data)
	if err != nil {
		return nil, err
	}
	return fromVocabulary(vocab), nil
}

func fromVocabulary(vocab *Vocabulary) *Tokenizer {
	maxPiece := 1
	for tok := range vocab.tokenToID {
		if len(tok) > maxPiece {
			maxPiece = len(tok)
		}
	}
	return &Tokenizer{vocab: vocab, maxPiece: maxPiece}
}

// Vocab exposes the underlying vocabulary.
func (t *Tokenizer) Vocab() *Vocabulary { return t.vocab }

// VocabSize returns the vocabulary size including specials.
func (t *Tokenizer) VocabSize() int { return t.vocab.Size() }

// BOS returns the beginning-of-sequence id.
func (t *Tokenizer) BOS() int { return t.vocab.BOS }

// IsEndToken reports whether id is the end-of-sequence id.
func (t *Tokenizer) IsEndToken(id int) bool { return id == t.vocab.EOS }

// Encode converts text to ids: BOS first, then each whitespace/punctuation/
// word unit resolved by exact lookup or greedy longest-prefix fallback.
func (t *Tokenizer) Encode(text string) []int {
	ids := []int{t.vocab.BOS}
	for _, unit := range splitUnits(text) {
		lookup := unit.text
		if unit.wordInitial {
			lookup = boundaryMarker + unit.text
		}
		if id, ok := t.vocab.ID(lookup); ok {
			ids = append(ids, id)
			continue
		}
		if id, ok := t.vocab.ID(unit.text); ok {
			ids = append(ids, id)
			continue
		}
		ids = t.appendFallback(ids, lookup)
	}
	return ids
}

// appendFallback resolves a unit the vocabulary does not contain whole:
// repeatedly match the longest vocabulary-present prefix of the remainder,
// emitting UNK for a single unmatched character.
func (t *Tokenizer) appendFallback(ids []int, text string) []int {
	for len(text) > 0 {
		limit := len(text)
		if limit > t.maxPiece {
			limit = t.maxPiece
		}
		matched := false
		for n := limit; n >= 1; n-- {
			prefix := text[:n]
			if !isRuneBoundary(text, n) {
				continue
			}
			if id, ok := t.vocab.ID(prefix); ok {
				ids = append(ids, id)
				text = text[n:]
				matched = true
				break
			}
		}
		if !matched {
			r, size := firstRune(text)
			// The synthetic boundary marker is not part of the input text;
			// dropping it silently keeps one UNK per unmatched character.
			if string(r) != boundaryMarker {
				ids = append(ids, t.vocab.UNK)
			}
			text = text[size:]
		}
	}
	return ids
}

// Decode converts ids back to text. PAD and BOS are skipped, unknown ids are
// dropped, boundary markers become spaces, and runs of spaces collapse.
// Decode never fails.
func (t *Tokenizer) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		if id == t.vocab.PAD || id == t.vocab.BOS {
			continue
		}
		tok, ok := t.vocab.Token(id)
		if !ok {
			continue
		}
		b.WriteString(strings.ReplaceAll(tok, boundaryMarker, " "))
	}
	return strings.TrimSpace(collapseSpaces(b.String()))
}

// DecodeFragment renders a single generated id as a streamable text
// fragment, preserving the leading space implied by a boundary marker.
// Special and unknown ids produce an empty fragment.
func (t *Tokenizer) DecodeFragment(id int) string {
	if id == t.vocab.PAD || id == t.vocab.BOS || id == t.vocab.EOS || id == t.vocab.UNK {
		return ""
	}
	tok, ok := t.vocab.Token(id)
	if !ok {
		return ""
	}
	return strings.ReplaceAll(tok, boundaryMarker, " ")
}

type unit struct {
	text        string
	wordInitial bool
}

// splitUnits breaks text into word and punctuation units. Whitespace is not
// emitted; it marks the following unit as word-initial.
func splitUnits(text string) []unit {
	var units []unit
	wordInitial := true
	var word []rune
	flush := func() {
		if len(word) > 0 {
			units = append(units, unit{text: string(word), wordInitial: wordInitial})
			word = word[:0]
			wordInitial = false
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
			wordInitial = true
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word = append(word, r)
		default:
			flush()
			units = append(units, unit{text: string(r), wordInitial: wordInitial})
			wordInitial = false
		}
	}
	flush()
	return units
}

func collapseSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if r == ' ' {
			if prevSpace {
				continue
			}
			prevSpace = true
		} else {
			prevSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func firstRune(s string) (rune, int) {
	for _, r := range s {
		return r, len(string(r))
	}
	return 0, 0
}

func isRuneBoundary(s string, n int) bool {
	if n >= len(s) {
		return true
	}
	// UTF-8 continuation bytes have the form 10xxxxxx.
	return s[n]&0xC0 != 0x80
}
