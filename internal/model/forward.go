package model

import (
	"math"

	"github.com/emberml/ember/internal/fault"
	"github.com/emberml/ember/internal/tensor"
)

// forwardScratch holds the per-graph working buffers. A graph serves one
// generation at a time, so the buffers are reused across Forward calls
// without locking.
type forwardScratch struct {
	normed  []float32
	q       []float32
	attnOut []float32
	proj    []float32
	gate    []float32
	up      []float32
	mlp     []float32
	logits  []float32

	// per-sequence buffers, regrown as the sequence lengthens
	states []float32 // seqLen x hidden residual stream
	keys   []float32 // seqLen x qDim
	values []float32 // seqLen x qDim
	scores []float32 // seqLen attention weights
}

func (g *Graph) initScratch() {
	cfg := g.Config
	qDim := cfg.QDim()
	g.scratch = forwardScratch{
		normed:  make([]float32, cfg.HiddenSize),
		q:       make([]float32, qDim),
		attnOut: make([]float32, qDim),
		proj:    make([]float32, cfg.HiddenSize),
		gate:    make([]float32, cfg.IntermediateSize),
		up:      make([]float32, cfg.IntermediateSize),
		mlp:     make([]float32, cfg.IntermediateSize),
		logits:  make([]float32, cfg.VocabSize),
	}
}

func (g *Graph) initRope() {
	halfDim := g.Config.HeadDim / 2
	g.ropeInvFreq = make([]float64, halfDim)
	for i := 0; i < halfDim; i++ {
		g.ropeInvFreq[i] = 1.0 / math.Pow(g.Config.RopeTheta, float64(2*i)/float64(g.Config.HeadDim))
	}
}

func (g *Graph) growSeq(seqLen int) {
	qDim := g.Config.QDim()
	if cap(g.scratch.states) < seqLen*g.Config.HiddenSize {
		g.scratch.states = make([]float32, seqLen*g.Config.HiddenSize)
		g.scratch.keys = make([]float32, seqLen*qDim)
		g.scratch.values = make([]float32, seqLen*qDim)
		g.scratch.scores = make([]float32, seqLen)
	}
	g.scratch.states = g.scratch.states[:seqLen*g.Config.HiddenSize]
	g.scratch.keys = g.scratch.keys[:seqLen*qDim]
	g.scratch.values = g.scratch.values[:seqLen*qDim]
	g.scratch.scores = g.scratch.scores[:seqLen]
}

// Forward runs the full sequence through the graph and returns the logits
// for the final position only. The returned slice is owned by the graph and
// overwritten by the next call.
func (g *Graph) Forward(tokenIDs []int) ([]float32, error) {
	cfg := g.Config
	if len(tokenIDs) == 0 {
		return nil, fault.Formatf("", "forward requires at least one token")
	}
	if len(tokenIDs) > cfg.MaxPosition {
		return nil, fault.Formatf("", "sequence length %d exceeds max position %d", len(tokenIDs), cfg.MaxPosition)
	}
	for i, id := range tokenIDs {
		if id < 0 || id >= cfg.VocabSize {
			return nil, fault.Formatf("", "token %d at position %d out of vocabulary range [0, %d)", id, i, cfg.VocabSize)
		}
	}

	seqLen := len(tokenIDs)
	hidden := cfg.HiddenSize
	g.growSeq(seqLen)

	// Residual stream, one row per position.
	for pos, id := range tokenIDs {
		g.Embedding.RowTo(g.scratch.states[pos*hidden:(pos+1)*hidden], id)
	}

	for l := range g.Layers {
		g.runLayer(&g.Layers[l], seqLen)
	}

	// Final norm and output projection on the last position only.
	last := g.scratch.states[(seqLen-1)*hidden : seqLen*hidden]
	tensor.RMSNorm(g.scratch.normed, last, g.FinalNorm, cfg.NormEpsilon)
	tensor.MatVec(g.scratch.logits, g.OutputHead, g.scratch.normed)
	return g.scratch.logits, nil
}

// runLayer applies one transformer block to every position of the residual
// stream: pre-norm self-attention with a causal mask, then a pre-norm
// SiLU-gated MLP, each with a residual add.
func (g *Graph) runLayer(layer *Layer, seqLen int) {
	cfg := g.Config
	hidden := cfg.HiddenSize
	qDim := cfg.QDim()
	headDim := cfg.HeadDim
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	// Keys and values for the whole sequence, from the same pre-normed
	// stream the queries use.
	for pos := 0; pos < seqLen; pos++ {
		x := g.scratch.states[pos*hidden : (pos+1)*hidden]
		tensor.RMSNorm(g.scratch.normed, x, layer.InputNorm, cfg.NormEpsilon)
		k := g.scratch.keys[pos*qDim : (pos+1)*qDim]
		v := g.scratch.values[pos*qDim : (pos+1)*qDim]
		tensor.MatVec(k, layer.AttnK, g.scratch.normed)
		tensor.MatVec(v, layer.AttnV, g.scratch.normed)
		g.applyRope(k, pos)
	}

	for pos := 0; pos < seqLen; pos++ {
		x := g.scratch.states[pos*hidden : (pos+1)*hidden]
		tensor.RMSNorm(g.scratch.normed, x, layer.InputNorm, cfg.NormEpsilon)
		tensor.MatVec(g.scratch.q, layer.AttnQ, g.scratch.normed)
		g.applyRope(g.scratch.q, pos)

		// Causal attention: position pos attends to [0, pos].
		for h := 0; h < cfg.HeadCount; h++ {
			qh := g.scratch.q[h*headDim : (h+1)*headDim]
			scores := g.scratch.scores[:pos+1]
			for t := 0; t <= pos; t++ {
				kh := g.scratch.keys[t*qDim+h*headDim : t*qDim+(h+1)*headDim]
				scores[t] = tensor.Dot(qh, kh) * scale
			}
			tensor.Softmax(scores)
			out := g.scratch.attnOut[h*headDim : (h+1)*headDim]
			for i := range out {
				out[i] = 0
			}
			for t := 0; t <= pos; t++ {
				vh := g.scratch.values[t*qDim+h*headDim : t*qDim+(h+1)*headDim]
				w := scores[t]
				for i := range out {
					out[i] += w * vh[i]
				}
			}
		}
		tensor.MatVec(g.scratch.proj, layer.AttnO, g.scratch.attnOut)
		tensor.Add(x, g.scratch.proj)

		// Gated MLP with its own pre-norm.
		tensor.RMSNorm(g.scratch.normed, x, layer.PostAttnNorm, cfg.NormEpsilon)
		tensor.MatVec(g.scratch.gate, layer.MLPGate, g.scratch.normed)
		tensor.MatVec(g.scratch.up, layer.MLPUp, g.scratch.normed)
		tensor.SiluGate(g.scratch.mlp, g.scratch.gate, g.scratch.up)
		tensor.MatVec(g.scratch.proj, layer.MLPDown, g.scratch.mlp)
		tensor.Add(x, g.scratch.proj)
	}
}

func (g *Graph) applyRope(x []float32, pos int) {
	headDim := g.Config.HeadDim
	for h := 0; h < g.Config.HeadCount; h++ {
		base := h * headDim
		for i := 0; i < headDim/2; i++ {
			angle := float64(pos) * g.ropeInvFreq[i]
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			i0 := base + 2*i
			i1 := i0 + 1
			x0, x1 := x[i0], x[i1]
			x[i0] = x0*c - x1*s
			x[i1] = x0*s + x1*c
		}
	}
}

// Release drops the graph's parameter references so the weight store can be
// collected after unload.
func (g *Graph) Release() {
	g.Embedding = nil
	g.OutputHead = nil
	g.FinalNorm = nil
	g.Layers = nil
	g.scratch = forwardScratch{}
}
