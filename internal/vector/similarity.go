package vector

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch indicates vectors of unequal length were compared.
// This is a data/programming error, never retried.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// CosineSimilarity returns the normalized dot product of a and b in [-1,1].
// Vectors of unequal length are an error; a zero vector has no direction
// and yields 0. Identical non-zero vectors yield exactly 1.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, na2, nb2 float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na2 += float64(a[i]) * float64(a[i])
		nb2 += float64(b[i]) * float64(b[i])
	}
	if na2 == 0 || nb2 == 0 {
		return 0, nil
	}
	return dot / math.Sqrt(na2*nb2), nil
}
