package tensor

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// MaxAbsDiff calculates the maximum absolute difference between two slices
func MaxAbsDiff(a, b []float64) float64 {
	n := min(len(a), len(b))
	m := 0.0
	for i := 0; i < n; i++ {
		if d := math.Abs(a[i] - b[i]); d > m {
			m = d
		}
	}
	return m
}

// Mean returns the mean value of a slice
func Mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Sum(v) / float64(len(v))
}

// Min returns the minimum value in a slice
func Min(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Min(v)
}

// Max returns the maximum value in a slice
func Max(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Max(v)
}
