package mesh

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/zeebo/blake3"
)

// HashEmbedder is a deterministic, model-free Embedder: it expands a
// blake3 hash of the input text into an EmbeddingDim-length unit
// vector by using the hash as a stream cipher's worth of pseudo-random
// bytes. Two calls with the same text always produce the same vector,
// and distinct texts produce near-orthogonal ones, which is enough for
// cosine-similarity routing to behave sanely in tests and in nodes
// that run without a real embedding model attached.
//
// Production deployments wire in a model-backed Embedder instead; this
// exists for headless operation and as a test double.
type HashEmbedder struct{}

func (HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	return hashEmbedding(text), nil
}

func hashEmbedding(text string) []float64 {
	out := make([]float64, EmbeddingDim)

	h := blake3.New()
	h.Write([]byte(text))
	stream := make([]byte, EmbeddingDim*8)
	if _, err := h.Digest().Read(stream); err != nil {
		return out
	}

	var sumSquares float64
	for i := 0; i < EmbeddingDim; i++ {
		bits := binary.LittleEndian.Uint64(stream[i*8 : i*8+8])
		// Map to [-1, 1) so the raw vector isn't all-positive, which
		// would bias every cosine similarity upward.
		v := (float64(bits>>11)/float64(1<<53))*2 - 1
		out[i] = v
		sumSquares += v * v
	}
	if sumSquares == 0 {
		return out
	}
	norm := math.Sqrt(sumSquares)
	for i := range out {
		out[i] /= norm
	}
	return out
}
