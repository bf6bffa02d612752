package mesh

import (
	"context"
	"testing"
)

func TestHashEmbedder_DeterministicForSameText(t *testing.T) {
	e := HashEmbedder{}
	a, err := e.Embed(context.Background(), "translate text to french")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := e.Embed(context.Background(), "translate text to french")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(a) != EmbeddingDim {
		t.Fatalf("len(a) = %d, want %d", len(a), EmbeddingDim)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding differs at index %d for identical input: %v != %v", i, a[i], b[i])
		}
	}
}

func TestHashEmbedder_DistinctTextsProduceDistinctVectors(t *testing.T) {
	e := HashEmbedder{}
	a, _ := e.Embed(context.Background(), "summarize document")
	b, _ := e.Embed(context.Background(), "transcribe audio")
	if cosineSimilarity(a, b) > 0.5 {
		t.Fatalf("distinct texts should be far from parallel, got cosine %f", cosineSimilarity(a, b))
	}
}

func TestHashEmbedder_VectorIsUnitNorm(t *testing.T) {
	e := HashEmbedder{}
	v, _ := e.Embed(context.Background(), "embed cpu-bound workload")
	var sumSquares float64
	for _, x := range v {
		sumSquares += x * x
	}
	if sumSquares < 0.99 || sumSquares > 1.01 {
		t.Fatalf("expected a unit-norm vector, sum of squares = %f", sumSquares)
	}
}

func TestCosineSimilarity_SelfIsOne(t *testing.T) {
	e := HashEmbedder{}
	v, _ := e.Embed(context.Background(), "self similarity check")
	if sim := cosineSimilarity(v, v); sim < 0.999 {
		t.Fatalf("cosine(v, v) = %f, want ~1.0", sim)
	}
}

func TestCosineSimilarity_MismatchedLengthsReturnZero(t *testing.T) {
	if cosineSimilarity([]float64{1, 2, 3}, []float64{1, 2}) != 0 {
		t.Fatal("mismatched-length vectors should report 0 similarity, not panic or NaN")
	}
}

func TestCosineSimilarity_ZeroVectorReturnsZero(t *testing.T) {
	zero := make([]float64, EmbeddingDim)
	other := make([]float64, EmbeddingDim)
	other[0] = 1
	if cosineSimilarity(zero, other) != 0 {
		t.Fatal("a zero-norm vector should report 0 similarity, not NaN")
	}
}
