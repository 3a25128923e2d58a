package explain

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// DefaultTopK is the number of features listed by Summary.
const DefaultTopK = 5

// TopFeatures returns the indices of the k largest feature attributions,
// largest first. Ties keep the lower index first.
func TopFeatures(importance []float64, k int) []int {
	idx := make([]int, len(importance))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return importance[idx[a]] > importance[idx[b]]
	})
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

// Summary renders exp as human-readable text: the top-k features followed by
// the mean scene, temporal and neighbor importance. k <= 0 uses DefaultTopK.
func Summary(exp *Explanation, k int) string {
	if k <= 0 {
		k = DefaultTopK
	}
	top := TopFeatures(exp.FeatureImportance, k)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Top %d important features:\n", len(top))
	for _, i := range top {
		fmt.Fprintf(&sb, "- Feature %d: %.4f\n", i, exp.FeatureImportance[i])
	}
	fmt.Fprintf(&sb, "\nScene context importance: %.4f\n", mean(exp.SceneAttention))
	fmt.Fprintf(&sb, "Temporal context importance: %.4f", mean(exp.TemporalImportance))
	if len(exp.NeighborImportance) > 0 {
		fmt.Fprintf(&sb, "\nAverage neighbor importance: %.4f", mean(exp.NeighborValues()))
	}
	return sb.String()
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return stat.Mean(v, nil)
}
