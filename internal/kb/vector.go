package kb

import "math"

// Cosine returns dot(a,b) / (||a|| * ||b||), or 0 when either vector is
// zero-length or the dimensions disagree.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, aSq, bSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aSq += float64(a[i]) * float64(a[i])
		bSq += float64(b[i]) * float64(b[i])
	}
	if aSq == 0 || bSq == 0 {
		return 0
	}
	return dot / (math.Sqrt(aSq) * math.Sqrt(bSq))
}
