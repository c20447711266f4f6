package recall

import (
	"fmt"
	"math"
)

// CosineSimilarity returns (a·b)/(|a||b|) in [-1, 1], or 0 when either vector
// has zero norm. Vectors of different length are an error.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}

	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// rounding can push |sim| a hair past 1
	return math.Max(-1, math.Min(1, sim)), nil
}
