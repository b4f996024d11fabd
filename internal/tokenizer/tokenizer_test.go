package tokenizer

import (
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

// testVocab builds a vocabulary with all single ASCII letters and digits,
// a few multi-character pieces, and the four specials.
func testVocab(t *testing.T) *Tokenizer {
	t.Helper()
	vocab := map[string]int{
		"<pad>": 0,
		"<bos>": 1,
		"<eos>": 2,
		"<unk>": 3,
	}
	next := 4
	for r := 'a'; r <= 'z'; r++ {
		vocab[string(r)] = next
		next++
		vocab[boundaryMarker+string(r)] = next
		next++
	}
	for r := '0'; r <= '9'; r++ {
		vocab[string(r)] = next
		next++
	}
	for _, piece := range []string{
		boundaryMarker + "hello", boundaryMarker + "world", "hello",
		"ing", ".", ",", "!",
	} {
		vocab[piece] = next
		next++
	}

	raw, err := json.Marshal(vocab)
	if err != nil {
		t.Fatalf("marshal vocab: %v", err)
	}
	tok, err := LoadBytes("test", raw)
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	return tok
}

func TestEncodePrependsBOS(t *testing.T) {
	t.Parallel()
	tok := testVocab(t)
	ids := tok.Encode("hello")
	if len(ids) == 0 || ids[0] != tok.BOS() {
		t.Fatalf("expected BOS first, got %v", ids)
	}
}

func TestEncodeWholePieceLookup(t *testing.T) {
	t.Parallel()
	tok := testVocab(t)
	ids := tok.Encode("hello world")
	// Both words exist as single boundary-marked pieces: BOS + 2 ids.
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %v", ids)
	}
	if got := tok.Decode(ids); got != "hello world" {
		t.Fatalf("decode: got %q", got)
	}
}

func TestEncodeFallbackLongestPrefix(t *testing.T) {
	t.Parallel()
	tok := testVocab(t)
	// "helloing" is absent whole; fallback should match "hello" then "ing"
	// rather than eight single characters.
	ids := tok.Encode("xz helloing")
	decoded := tok.Decode(ids)
	if decoded != "xz helloing" {
		t.Fatalf("round trip: got %q", decoded)
	}
}

func TestRoundTripPreservesASCIIAlnum(t *testing.T) {
	t.Parallel()
	tok := testVocab(t)
	inputs := []string{
		"hello world",
		"abc xyz 012 789",
		"the quick brown fox 42",
		"mixed, punctuation! here.",
	}
	keep := func(s string) string {
		var b strings.Builder
		for _, r := range s {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		return b.String()
	}
	for _, in := range inputs {
		out := tok.Decode(tok.Encode(in))
		if keep(out) != keep(in) {
			t.Fatalf("alphanumerics lost: in=%q out=%q", in, out)
		}
	}
}

func TestDecodeNeverFails(t *testing.T) {
	t.Parallel()
	tok := testVocab(t)
	// Out-of-range and special ids must be dropped silently.
	got := tok.Decode([]int{-5, 1 << 20, tok.vocab.PAD, tok.vocab.BOS})
	if got != "" {
		t.Fatalf("expected empty decode, got %q", got)
	}
}

func TestDecodeCollapsesSpaces(t *testing.T) {
	t.Parallel()
	tok := testVocab(t)
	hello := mustID(t, tok, boundaryMarker+"hello")
	world := mustID(t, tok, boundaryMarker+"world")
	got := tok.Decode([]int{hello, world, world})
	if got != "hello world world" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeFragmentKeepsLeadingSpace(t *testing.T) {
	t.Parallel()
	tok := testVocab(t)
	world := mustID(t, tok, boundaryMarker+"world")
	if got := tok.DecodeFragment(world); got != " world" {
		t.Fatalf("fragment: got %q", got)
	}
	if got := tok.DecodeFragment(tok.vocab.EOS); got != "" {
		t.Fatalf("EOS fragment should be empty, got %q", got)
	}
}

func TestUnknownRuneBecomesUNK(t *testing.T) {
	t.Parallel()
	tok := testVocab(t)
	ids := tok.Encode("日")
	if len(ids) != 2 || ids[1] != tok.vocab.UNK {
		t.Fatalf("expected BOS+UNK, got %v", ids)
	}
}

func TestSpecialsSynthesized(t *testing.T) {
	t.Parallel()
	// A flat vocabulary with no specials still resolves all four.
	tok, err := LoadBytes("flat", []byte(`{"a":0,"b":1}`))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	v := tok.Vocab()
	seen := map[int]bool{}
	for _, id := range []int{v.PAD, v.BOS, v.EOS, v.UNK} {
		if seen[id] {
			t.Fatalf("special ids collide: %+v", v)
		}
		seen[id] = true
	}
}

func TestHFStyleVocab(t *testing.T) {
	t.Parallel()
	src := `{
		"model":{"vocab":{"<s>":0,"</s>":1,"` + boundaryMarker + `hi":2}},
		"added_tokens":[{"id":3,"content":"<extra>"}]
	}`
	tok, err := LoadBytes("hf", []byte(src))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if tok.BOS() != 0 {
		t.Fatalf("BOS should resolve to <s>, got %d", tok.BOS())
	}
	if !tok.IsEndToken(1) {
		t.Fatalf("EOS should resolve to </s>")
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	t.Parallel()
	if _, err := LoadBytes("dup", []byte(`{"a":0,"b":0}`)); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func mustID(t *testing.T, tok *Tokenizer, piece string) int {
	t.Helper()
	id, ok := tok.vocab.ID(piece)
	if !ok {
		t.Fatalf("piece %q missing from fixture vocab", piece)
	}
	return id
}
