// Package logits converts a model's next-token score vector into a concrete
// token id under a temperature/top-k/top-p policy.
package logits

import (
	"math"
	"math/rand"
)

// Default sampling parameters, matching the runtime's shipped generation
// settings.
const (
	DefaultTemperature = 0.7
	DefaultTopK        = 40
	DefaultTopP        = 0.9
)

// SamplerConfig configures a Sampler. A non-positive Temperature selects
// strict argmax; TopK and TopP bound the candidate set for categorical
// sampling.
type SamplerConfig struct {
	Seed        int64
	Temperature float32
	TopK        int
	TopP        float32
}

// Sampler draws next-token ids from logits vectors. It is not safe for
// concurrent use; each generation owns one sampler.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool

	topIdx []int
	topVal []float32
	prob   []float64
}

// NewSampler returns a sampler with the provided configuration. Out-of-range
// fields are clamped to their defaults.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Sample draws one index from logits:
//
//  1. Temperature <= 0 or TopK == 1 short-circuits to argmax.
//  2. Logits are scaled by the inverse temperature and the top k
//     candidates collected in descending order.
//  3. A max-subtracted softmax over the shortlist yields probabilities.
//  4. TopP < 1 truncates the shortlist at the cumulative-mass cutoff and
//     the remainder is renormalized.
//  5. A uniform draw selects from the truncated distribution.
//
// The result is always a valid index into logits.
func (s *Sampler) Sample(logits []float32) int {
	if s.greedy || s.cfg.TopK == 1 {
		return argmax(logits)
	}

	invTemp := 1.0 / s.cfg.Temperature
	k := s.cfg.TopK
	if k > len(logits) {
		k = len(logits)
	}
	topIdx, topVal := s.topK(logits, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	maxv := topVal[0]
	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return topIdx[0]
	}
	for i := range prob {
		prob[i] /= sum
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
		var kept float64
		for i := 0; i < cut; i++ {
			kept += prob[i]
		}
		if kept > 0 {
			for i := 0; i < cut; i++ {
				prob[i] /= kept
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

// argmax returns the index of the maximum value. An empty slice panics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("logits: argmax of empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK collects the indices and temperature-scaled values of the k largest
// logits, ordered descending. O(V*K) insertion, fine for small k.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v
		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
