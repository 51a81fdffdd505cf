package match

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Cosine returns the cosine similarity 1 - cosine_distance(a, b) in [-1, 1].
// Degenerate input (length mismatch, empty, NaN components, or a zero
// vector on either side) scores 0.0: "not a match", never NaN/Inf and never
// a ranking win for a malformed stored embedding.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		if math.IsNaN(x) || math.IsNaN(y) {
			return 0
		}
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp float error so self-similarity is exactly 1.
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim
}

// scorerCacheSize bounds the per-session memo. The same query vector is
// compared against every candidate, and near-duplicate embeddings recur
// within an event, so a small cache pays for itself.
const scorerCacheSize = 128

type pairKey struct {
	q, c uint64
}

// Scorer memoizes Cosine for repeated (query, candidate) pairs within one
// matching session. Keys are content hashes, not slice identities, so equal
// vectors hit regardless of where they were loaded from. Not safe for
// concurrent use; a session owns its Scorer.
type Scorer struct {
	cache map[pairKey]float64
}

func NewScorer() *Scorer {
	return &Scorer{cache: make(map[pairKey]float64, scorerCacheSize)}
}

// Score is Cosine with memoization. Symmetric: the key ignores argument
// order, matching the metric.
func (s *Scorer) Score(query, candidate []float32) float64 {
	hq := hashVector(query)
	hc := hashVector(candidate)
	key := pairKey{hq, hc}
	if hc < hq {
		key = pairKey{hc, hq}
	}

	if sim, ok := s.cache[key]; ok {
		return sim
	}

	sim := Cosine(query, candidate)

	if len(s.cache) >= scorerCacheSize {
		// Wholesale reset keeps the bound without LRU bookkeeping; the
		// value being a pure function makes eviction free of correctness
		// concerns.
		s.cache = make(map[pairKey]float64, scorerCacheSize)
	}
	s.cache[key] = sim
	return sim
}

// Reset discards all memoized pairs.
func (s *Scorer) Reset() {
	s.cache = make(map[pairKey]float64, scorerCacheSize)
}

func hashVector(v []float32) uint64 {
	d := xxhash.New()
	var buf [4]byte
	for _, x := range v {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(x))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}
