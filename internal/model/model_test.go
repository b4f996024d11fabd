package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/emberml/ember/internal/fault"
	"github.com/emberml/ember/internal/safetensors"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := ParseConfig("test", []byte(`{
		"hidden_size": 8,
		"num_hidden_layers": 2,
		"num_attention_heads": 2,
		"vocab_size": 16,
		"intermediate_size": 12,
		"max_position_embeddings": 32
	}`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	return cfg
}

// fullStore builds a store with every schema slot present, filled with
// small deterministic values.
func fullStore(t *testing.T, cfg *Config) *safetensors.Store {
	t.Helper()
	rng := rand.New(rand.NewSource(99))
	tensors := make(map[string]safetensors.Tensor)
	for _, s := range schema(cfg) {
		n := 1
		for _, d := range s.shape {
			n *= d
		}
		data := make([]float32, n)
		if s.kind == slotVector {
			for i := range data {
				data[i] = 1
			}
		} else {
			for i := range data {
				data[i] = (rng.Float32()*2 - 1) * 0.1
			}
		}
		tensors[s.name] = safetensors.Tensor{
			Shape: append([]int(nil), s.shape...),
			Data:  data,
		}
	}
	return safetensors.NewStore(tensors)
}

func TestBindComplete(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	graph, report, err := Bind(cfg, fullStore(t, cfg))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if report.Degraded() {
		t.Fatalf("complete store reported degraded: missing %v", report.Missing)
	}
	if report.TiedOutput {
		t.Fatal("output head present but reported tied")
	}
	wantSlots := 3 + cfg.LayerCount*9
	if len(report.Bound) != wantSlots {
		t.Fatalf("bound slots: got %d want %d", len(report.Bound), wantSlots)
	}
	if len(graph.Layers) != cfg.LayerCount {
		t.Fatalf("layer count: got %d", len(graph.Layers))
	}
}

func TestBindMissingSlotDegrades(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	store := fullStore(t, cfg)
	gone := fmt.Sprintf(layerNameFormat, 1, "mlp.up_proj.weight")
	store = dropTensor(store, gone)

	graph, report, err := Bind(cfg, store)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !report.Degraded() {
		t.Fatal("missing tensor should degrade the graph")
	}
	if len(report.Missing) != 1 || report.Missing[0] != "layer1.mlp_up" {
		t.Fatalf("missing slots: %v", report.Missing)
	}
	// The slot still ran default initialization; forward must work.
	if _, err := graph.Forward([]int{1, 2, 3}); err != nil {
		t.Fatalf("degraded forward: %v", err)
	}
}

func TestBindMissingNormDefaultsToOnes(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	store := dropTensor(fullStore(t, cfg), nameFinalNorm)
	graph, report, err := Bind(cfg, store)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !report.Degraded() {
		t.Fatal("expected degraded report")
	}
	for i, v := range graph.FinalNorm {
		if v != 1 {
			t.Fatalf("final norm[%d]: got %v want 1", i, v)
		}
	}
}

func TestBindTiedOutputHead(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	store := dropTensor(fullStore(t, cfg), nameOutputHead)
	graph, report, err := Bind(cfg, store)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !report.TiedOutput {
		t.Fatal("absent lm_head should tie to the embedding")
	}
	if report.Degraded() {
		t.Fatalf("tying is not degradation: %v", report.Missing)
	}
	if graph.OutputHead != graph.Embedding {
		t.Fatal("output head should alias the embedding table")
	}
}

func TestBindShapeMismatch(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	store := fullStore(t, cfg)
	store = replaceTensor(store, nameEmbedding, safetensors.Tensor{
		Shape: []int{cfg.VocabSize, cfg.HiddenSize + 1},
		Data:  make([]float32, cfg.VocabSize*(cfg.HiddenSize+1)),
	})

	_, _, err := Bind(cfg, store)
	var cerr *fault.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if cerr.Slot != "embedding" {
		t.Fatalf("mismatch slot: %q", cerr.Slot)
	}
}

func TestForwardLogitsShapeAndDeterminism(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	graph, _, err := Bind(cfg, fullStore(t, cfg))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	first, err := graph.Forward([]int{1, 5, 9})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(first) != cfg.VocabSize {
		t.Fatalf("logits length: got %d want %d", len(first), cfg.VocabSize)
	}
	for i, v := range first {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("logit %d not finite: %v", i, v)
		}
	}

	snapshot := append([]float32(nil), first...)
	second, err := graph.Forward([]int{1, 5, 9})
	if err != nil {
		t.Fatalf("second Forward: %v", err)
	}
	for i := range snapshot {
		if snapshot[i] != second[i] {
			t.Fatalf("forward not deterministic at %d: %v vs %v", i, snapshot[i], second[i])
		}
	}
}

func TestForwardContextDependence(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	graph, _, err := Bind(cfg, fullStore(t, cfg))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	a, err := graph.Forward([]int{1, 2})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	aCopy := append([]float32(nil), a...)
	b, err := graph.Forward([]int{3, 2})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	same := true
	for i := range aCopy {
		if aCopy[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("final-position logits ignore preceding context")
	}
}

func TestForwardValidation(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	graph, _, err := Bind(cfg, fullStore(t, cfg))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if _, err := graph.Forward(nil); err == nil {
		t.Fatal("empty sequence should fail")
	}
	if _, err := graph.Forward([]int{cfg.VocabSize}); err == nil {
		t.Fatal("out-of-vocabulary id should fail")
	}
	long := make([]int, cfg.MaxPosition+1)
	if _, err := graph.Forward(long); err == nil {
		t.Fatal("over-length sequence should fail")
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig("test", []byte(`{
		"hidden_size": 8,
		"num_hidden_layers": 1,
		"num_attention_heads": 2,
		"vocab_size": 10
	}`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.HeadDim != 4 {
		t.Fatalf("head_dim default: got %d", cfg.HeadDim)
	}
	if cfg.IntermediateSize != 32 {
		t.Fatalf("intermediate default: got %d", cfg.IntermediateSize)
	}
	if cfg.MaxPosition != 2048 {
		t.Fatalf("max position default: got %d", cfg.MaxPosition)
	}
	if cfg.RopeTheta != 10000 {
		t.Fatalf("rope theta default: got %v", cfg.RopeTheta)
	}
}

func TestConfigRejectsBadGeometry(t *testing.T) {
	t.Parallel()
	_, err := ParseConfig("test", []byte(`{
		"hidden_size": 7,
		"num_hidden_layers": 1,
		"num_attention_heads": 2,
		"vocab_size": 10
	}`))
	if err == nil {
		t.Fatal("indivisible hidden size should fail validation")
	}
}

func dropTensor(store *safetensors.Store, name string) *safetensors.Store {
	tensors := make(map[string]safetensors.Tensor)
	for _, n := range store.Names() {
		if n == name {
			continue
		}
		tt, _ := store.Lookup(n)
		tensors[n] = tt
	}
	return safetensors.NewStore(tensors)
}

func replaceTensor(store *safetensors.Store, name string, tt safetensors.Tensor) *safetensors.Store {
	tensors := make(map[string]safetensors.Tensor)
	for _, n := range store.Names() {
		cur, _ := store.Lookup(n)
		tensors[n] = cur
	}
	tensors[name] = tt
	return safetensors.NewStore(tensors)
}
