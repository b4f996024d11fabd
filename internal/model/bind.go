package model

import (
	"fmt"
	"math/rand"

	"github.com/emberml/ember/internal/fault"
	"github.com/emberml/ember/internal/safetensors"
	"github.com/emberml/ember/internal/tensor"
)

// BindReport is the outcome of one binding pass over the schema: which slots
// were populated from the store and which fell back to default
// initialization. A graph with any missing matrix or norm runs degraded and
// the caller must surface that.
type BindReport struct {
	Bound   []string
	Missing []string
	// TiedOutput is set when the output head reuses the embedding table.
	TiedOutput bool
}

// Degraded reports whether the graph runs with any default-initialized
// parameters.
func (r *BindReport) Degraded() bool { return len(r.Missing) > 0 }

// Layer holds the bound parameters of one transformer block.
type Layer struct {
	AttnQ, AttnK, AttnV, AttnO *tensor.Mat
	MLPGate, MLPUp, MLPDown    *tensor.Mat
	InputNorm, PostAttnNorm    []float32
}

// Graph is a fully bound transformer: embedding, blocks, final norm and
// output projection, ready for Forward.
type Graph struct {
	Config *Config

	Embedding  *tensor.Mat
	Layers     []Layer
	FinalNorm  []float32
	OutputHead *tensor.Mat

	ropeInvFreq []float64
	scratch     forwardScratch
}

const bindSeed = 0x5eed

// Bind walks the schema in a single pass, populating every slot from the
// store. A missing tensor leaves the slot at its default initialization and
// is recorded in the report; a present tensor whose shape contradicts the
// config fails with a ConfigError.
func Bind(cfg *Config, store *safetensors.Store) (*Graph, *BindReport, error) {
	rng := rand.New(rand.NewSource(bindSeed))
	report := &BindReport{}
	bound := make(map[string]*safetensors.Tensor)

	for _, s := range schema(cfg) {
		t, ok := store.Lookup(s.name)
		if !ok {
			// The output head commonly shares the embedding table; treat
			// its absence as tying, not degradation.
			if s.name == nameOutputHead {
				report.TiedOutput = true
				continue
			}
			report.Missing = append(report.Missing, s.logical)
			continue
		}
		if !shapeEqual(t.Shape, s.shape) {
			return nil, nil, &fault.ConfigError{Slot: s.logical, Want: s.shape, Got: t.Shape}
		}
		report.Bound = append(report.Bound, s.logical)
		tt := t
		bound[s.name] = &tt
	}

	g := &Graph{Config: cfg, Layers: make([]Layer, cfg.LayerCount)}
	g.Embedding = matSlot(bound, nameEmbedding, cfg.VocabSize, cfg.HiddenSize, rng)
	g.FinalNorm = vecSlot(bound, nameFinalNorm, cfg.HiddenSize)
	if report.TiedOutput {
		g.OutputHead = g.Embedding
	} else {
		g.OutputHead = matSlot(bound, nameOutputHead, cfg.VocabSize, cfg.HiddenSize, rng)
	}

	qDim := cfg.QDim()
	for l := range g.Layers {
		layerName := func(suffix string) string {
			return layerTensorName(l, suffix)
		}
		g.Layers[l] = Layer{
			AttnQ:        matSlot(bound, layerName("self_attn.q_proj.weight"), qDim, cfg.HiddenSize, rng),
			AttnK:        matSlot(bound, layerName("self_attn.k_proj.weight"), qDim, cfg.HiddenSize, rng),
			AttnV:        matSlot(bound, layerName("self_attn.v_proj.weight"), qDim, cfg.HiddenSize, rng),
			AttnO:        matSlot(bound, layerName("self_attn.o_proj.weight"), cfg.HiddenSize, qDim, rng),
			MLPGate:      matSlot(bound, layerName("mlp.gate_proj.weight"), cfg.IntermediateSize, cfg.HiddenSize, rng),
			MLPUp:        matSlot(bound, layerName("mlp.up_proj.weight"), cfg.IntermediateSize, cfg.HiddenSize, rng),
			MLPDown:      matSlot(bound, layerName("mlp.down_proj.weight"), cfg.HiddenSize, cfg.IntermediateSize, rng),
			InputNorm:    vecSlot(bound, layerName("input_layernorm.weight"), cfg.HiddenSize),
			PostAttnNorm: vecSlot(bound, layerName("post_attention_layernorm.weight"), cfg.HiddenSize),
		}
	}

	g.initRope()
	g.initScratch()
	return g, report, nil
}

func layerTensorName(l int, suffix string) string {
	return fmt.Sprintf(layerNameFormat, l, suffix)
}

// matSlot returns the bound matrix for name, or a small random matrix when
// the slot was reported missing.
func matSlot(bound map[string]*safetensors.Tensor, name string, r, c int, rng *rand.Rand) *tensor.Mat {
	if t, ok := bound[name]; ok {
		return tensor.NewMatFromData(r, c, t.Data)
	}
	return tensor.NewMatRand(r, c, rng)
}

// vecSlot returns the bound norm vector for name, or ones when missing.
func vecSlot(bound map[string]*safetensors.Tensor, name string, n int) []float32 {
	if t, ok := bound[name]; ok {
		return t.Data
	}
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
