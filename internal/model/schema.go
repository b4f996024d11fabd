package model

import "fmt"

// slotKind distinguishes matrix parameters from norm-weight vectors. Missing
// matrices are seeded with small random values; missing norm vectors default
// to ones, which is their identity initialization.
type slotKind int

const (
	slotMatrix slotKind = iota
	slotVector
)

// slot is one entry of the binding schema: a logical parameter location,
// the tensor name that populates it, and the shape it must have.
type slot struct {
	logical string
	name    string
	kind    slotKind
	shape   []int
}

// Tensor name schema for the safetensors export of the supported
// architecture family.
const (
	nameEmbedding  = "model.embed_tokens.weight"
	nameFinalNorm  = "model.norm.weight"
	nameOutputHead = "lm_head.weight"

	layerNameFormat = "model.layers.%d.%s"
)

// schema enumerates every logical parameter slot for the configured
// geometry. Binding walks this table exactly once.
func schema(cfg *Config) []slot {
	hidden := cfg.HiddenSize
	qDim := cfg.QDim()
	inter := cfg.IntermediateSize

	slots := make([]slot, 0, 3+cfg.LayerCount*9)
	slots = append(slots,
		slot{logical: "embedding", name: nameEmbedding, kind: slotMatrix, shape: []int{cfg.VocabSize, hidden}},
		slot{logical: "final_norm", name: nameFinalNorm, kind: slotVector, shape: []int{hidden}},
		slot{logical: "output_head", name: nameOutputHead, kind: slotMatrix, shape: []int{cfg.VocabSize, hidden}},
	)
	for l := 0; l < cfg.LayerCount; l++ {
		layer := func(logical, suffix string, kind slotKind, shape []int) slot {
			return slot{
				logical: fmt.Sprintf("layer%d.%s", l, logical),
				name:    fmt.Sprintf(layerNameFormat, l, suffix),
				kind:    kind,
				shape:   shape,
			}
		}
		slots = append(slots,
			layer("attn_q", "self_attn.q_proj.weight", slotMatrix, []int{qDim, hidden}),
			layer("attn_k", "self_attn.k_proj.weight", slotMatrix, []int{qDim, hidden}),
			layer("attn_v", "self_attn.v_proj.weight", slotMatrix, []int{qDim, hidden}),
			layer("attn_o", "self_attn.o_proj.weight", slotMatrix, []int{hidden, qDim}),
			layer("mlp_gate", "mlp.gate_proj.weight", slotMatrix, []int{inter, hidden}),
			layer("mlp_up", "mlp.up_proj.weight", slotMatrix, []int{inter, hidden}),
			layer("mlp_down", "mlp.down_proj.weight", slotMatrix, []int{hidden, inter}),
			layer("input_norm", "input_layernorm.weight", slotVector, []int{hidden}),
			layer("post_attn_norm", "post_attention_layernorm.weight", slotVector, []int{hidden}),
		)
	}
	return slots
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
