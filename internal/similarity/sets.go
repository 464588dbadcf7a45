package similarity

import "math"

// IntersectCount returns |A∩B| for two ascending, duplicate-free handle slices.
func IntersectCount(a, b []int32) int {
	n := 0
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			n++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return n
}

// Jaccard returns |A∩B| / |A∪B| for two ascending, duplicate-free handle
// slices. Two empty sets have similarity 0, not NaN.
func Jaccard(a, b []int32) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := IntersectCount(a, b)
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Cosine returns the cosine similarity of the binary presence vectors of two
// handle slices: |A∩B| / sqrt(|A|·|B|). An empty vector has similarity 0 with
// everything.
func Cosine(a, b []int32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	return float64(IntersectCount(a, b)) / math.Sqrt(float64(len(a))*float64(len(b)))
}

// CosineDistance is 1 - Cosine.
func CosineDistance(a, b []int32) float64 {
	return 1 - Cosine(a, b)
}
