package database

import "math"

// CosineSimilarity returns the cosine of the angle between two embeddings,
// clamped to [-1, 1]. Mismatched or zero vectors score -1.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim
}

// CosineDistance is 1 - similarity: 0 for identical vectors, 2 for opposite.
// Invalid input returns the maximum distance.
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}
