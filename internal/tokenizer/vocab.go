package tokenizer

import (
	"os"

	json "github.com/goccy/go-json"

	"github.com/emberml/ember/internal/fault"
)

// Vocabulary is the bidirectional token-string <-> id mapping. The four
// special ids are always resolvable; when the source file omits one it is
// synthesized above the highest source id.
type Vocabulary struct {
	tokenToID map[string]int
	idToToken map[int]string

	PAD int
	BOS int
	EOS int
	UNK int
}

// vocabJSON accepts both a HuggingFace-style tokenizer.json and a flat
// token->id object.
type vocabJSON struct {
	Model struct {
		Vocab  map[string]int `json:"vocab"`
		Merges []any          `json:"merges"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
}

var (
	padAliases = []string{"<pad>", "<|pad|>"}
	bosAliases = []string{"<bos>", "<s>", "<|bos|>", "<|startoftext|>"}
	eosAliases = []string{"<eos>", "</s>", "<|eos|>", "<|endoftext|>"}
	unkAliases = []string{"<unk>", "<|unk|>"}
)

func loadVocabulary(source string, data []byte) (*Vocabulary, error) {
	var hf vocabJSON
	if err := json.Unmarshal(data, &hf); err == nil && len(hf.Model.Vocab) > 0 {
		vocab := hf.Model.Vocab
		for _, at := range hf.AddedTokens {
			if _, ok := vocab[at.Content]; !ok {
				vocab[at.Content] = at.ID
			}
		}
		return buildVocabulary(source, vocab)
	}

	var flat map[string]int
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fault.Formatf(source, "vocabulary is not valid JSON: %v", err)
	}
	if len(flat) == 0 {
		return nil, fault.Formatf(source, "vocabulary is empty")
	}
	return buildVocabulary(source, flat)
}

func loadVocabularyFile(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Formatf(path, "vocabulary unavailable: %v", err)
	}
	return loadVocabulary(path, data)
}

func buildVocabulary(source string, tokens map[string]int) (*Vocabulary, error) {
	v := &Vocabulary{
		tokenToID: make(map[string]int, len(tokens)),
		idToToken: make(map[int]string, len(tokens)),
	}
	maxID := -1
	for tok, id := range tokens {
		if id < 0 {
			return nil, fault.Formatf(source, "token %q has negative id %d", tok, id)
		}
		if prev, dup := v.idToToken[id]; dup && prev != tok {
			return nil, fault.Formatf(source, "id %d maps to both %q and %q", id, prev, tok)
		}
		v.tokenToID[tok] = id
		v.idToToken[id] = tok
		if id > maxID {
			maxID = id
		}
	}

	next := maxID + 1
	resolve := func(aliases []string) int {
		for _, alias := range aliases {
			if id, ok := v.tokenToID[alias]; ok {
				return id
			}
		}
		id := next
		next++
		v.tokenToID[aliases[0]] = id
		v.idToToken[id] = aliases[0]
		return id
	}
	v.PAD = resolve(padAliases)
	v.BOS = resolve(bosAliases)
	v.EOS = resolve(eosAliases)
	v.UNK = resolve(unkAliases)
	return v, nil
}

// ID returns the id of tok.
func (v *Vocabulary) ID(tok string) (int, bool) {
	id, ok := v.tokenToID[tok]
	return id, ok
}

// Token returns the string of id.
func (v *Vocabulary) Token(id int) (string, bool) {
	tok, ok := v.idToToken[id]
	return tok, ok
}

// Size returns the number of distinct ids, special tokens included.
func (v *Vocabulary) Size() int { return len(v.idToToken) }
