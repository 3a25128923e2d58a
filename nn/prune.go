package nn

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// PruneReport describes one magnitude pruning pass.
type PruneReport struct {
	Amount     float64            `json:"amount"`
	Threshold  float64            `json:"threshold"`
	Candidates int                `json:"candidates"`
	Pruned     int                `json:"pruned"`
	Sparsity   map[string]float64 `json:"sparsity"`
}

// prunable reports whether a parameter is a weight matrix. Biases, norm
// gains and attention vectors are never pruned.
func prunable(k Key) bool { return strings.HasSuffix(k.Name, "weight") }

// Prune zeroes the fraction amount of weight entries with the smallest
// magnitude, ranked globally across every weight matrix of the model.
func (s *ParameterStore) Prune(amount float64) (PruneReport, error) {
	if amount < 0 || amount > 1 || math.IsNaN(amount) {
		return PruneReport{}, fmt.Errorf("%w: prune amount %v outside [0, 1]", ErrConfiguration, amount)
	}
	var idx []int
	for _, slot := range s.slots {
		if !prunable(slot.Key) {
			continue
		}
		for j := slot.Offset; j < slot.Offset+slot.Len(); j++ {
			idx = append(idx, j)
		}
	}
	k := int(math.Round(amount * float64(len(idx))))
	sort.SliceStable(idx, func(a, b int) bool {
		return math.Abs(s.data[idx[a]]) < math.Abs(s.data[idx[b]])
	})

	report := PruneReport{Amount: amount, Candidates: len(idx), Pruned: k}
	for _, j := range idx[:k] {
		report.Threshold = math.Max(report.Threshold, math.Abs(s.data[j]))
		s.data[j] = 0
	}
	report.Sparsity = s.Sparsity()
	return report, nil
}

// Sparsity returns the fraction of exactly-zero weight entries per branch.
func (s *ParameterStore) Sparsity() map[string]float64 {
	zeros := make(map[string]int)
	counts := make(map[string]int)
	for _, slot := range s.slots {
		if !prunable(slot.Key) {
			continue
		}
		for _, v := range s.data[slot.Offset : slot.Offset+slot.Len()] {
			if v == 0 {
				zeros[slot.Key.Branch]++
			}
		}
		counts[slot.Key.Branch] += slot.Len()
	}
	out := make(map[string]float64, len(counts))
	for branch, n := range counts {
		out[branch] = float64(zeros[branch]) / float64(n)
	}
	return out
}
