// Package evaluation scores binary fraud predictions: confusion-matrix
// metrics at a threshold, ROC AUC from raw scores and threshold sweeps.
package evaluation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// DefaultThreshold binarises scores when no threshold is configured.
const DefaultThreshold = 0.5

var (
	// ErrLengthMismatch is returned when labels and scores differ in length.
	ErrLengthMismatch = errors.New("evaluation: labels and scores differ in length")
	// ErrEmpty is returned when there is nothing to evaluate.
	ErrEmpty = errors.New("evaluation: no samples")
	// ErrUnknownMetric is returned for an unsupported optimisation target.
	ErrUnknownMetric = errors.New("evaluation: unknown metric")
)

// ============================================================================
// Metrics
// ============================================================================

// Metrics holds the evaluation results at one threshold.
type Metrics struct {
	Accuracy  float64   `json:"accuracy"`
	Precision float64   `json:"precision"`
	Recall    float64   `json:"recall"`
	F1        float64   `json:"f1"`
	AUCROC    float64   `json:"auc_roc"`
	Threshold float64   `json:"threshold"`
	Confusion Confusion `json:"confusion"`
}

// Map returns the metrics keyed the way downstream consumers expect.
func (m Metrics) Map() map[string]float64 {
	return map[string]float64{
		"accuracy":  m.Accuracy,
		"precision": m.Precision,
		"recall":    m.Recall,
		"f1":        m.F1,
		"auc_roc":   m.AUCROC,
	}
}

// Confusion counts binarised predictions against labels.
type Confusion struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	TN int `json:"tn"`
	FN int `json:"fn"`
}

// Total returns the number of samples counted.
func (c Confusion) Total() int { return c.TP + c.FP + c.TN + c.FN }

// Precision is TP/(TP+FP), 0 when nothing was predicted positive.
func (c Confusion) Precision() float64 { return ratio(c.TP, c.TP+c.FP) }

// Recall is TP/(TP+FN), 0 when there are no positives.
func (c Confusion) Recall() float64 { return ratio(c.TP, c.TP+c.FN) }

// Accuracy is the fraction of correct predictions.
func (c Confusion) Accuracy() float64 { return ratio(c.TP+c.TN, c.Total()) }

// F1 is the harmonic mean of precision and recall.
func (c Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Positive reports whether a label counts as the fraud class.
func Positive(label float64) bool { return label > 0.5 }

// Count binarises scores with score > threshold and tallies them.
func Count(labels, scores []float64, threshold float64) Confusion {
	var c Confusion
	for i, y := range labels {
		pred := scores[i] > threshold
		switch {
		case pred && Positive(y):
			c.TP++
		case pred:
			c.FP++
		case Positive(y):
			c.FN++
		default:
			c.TN++
		}
	}
	return c
}

// Evaluate computes every metric at threshold. AUC uses the raw scores.
func Evaluate(labels, scores []float64, threshold float64) (Metrics, error) {
	if err := checkInputs(labels, scores); err != nil {
		return Metrics{}, err
	}
	c := Count(labels, scores, threshold)
	return Metrics{
		Accuracy:  c.Accuracy(),
		Precision: c.Precision(),
		Recall:    c.Recall(),
		F1:        c.F1(),
		AUCROC:    AUC(labels, scores),
		Threshold: threshold,
		Confusion: c,
	}, nil
}

// AUC returns the area under the ROC curve, or 0.5 when only one class is
// present.
func AUC(labels, scores []float64) float64 {
	y := append([]float64(nil), scores...)
	classes := make([]bool, len(labels))
	var pos int
	for i, l := range labels {
		classes[i] = Positive(l)
		if classes[i] {
			pos++
		}
	}
	if pos == 0 || pos == len(labels) {
		return 0.5
	}
	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}

func checkInputs(labels, scores []float64) error {
	if len(labels) != len(scores) {
		return fmt.Errorf("%w: %d labels, %d scores", ErrLengthMismatch, len(labels), len(scores))
	}
	if len(labels) == 0 {
		return ErrEmpty
	}
	return nil
}

// ============================================================================
// Evaluator
// ============================================================================

// Evaluator bundles the threshold and sweep resolution used by a run.
type Evaluator struct {
	Threshold float64
	Points    int
}

// NewEvaluator returns an evaluator binarising at threshold with the default
// sweep resolution.
func NewEvaluator(threshold float64) *Evaluator {
	return &Evaluator{Threshold: threshold, Points: DefaultPoints}
}

// Evaluate scores predictions at the evaluator threshold.
func (e *Evaluator) Evaluate(labels, scores []float64) (Metrics, error) {
	return Evaluate(labels, scores, e.Threshold)
}

// Curve sweeps thresholds at the evaluator resolution.
func (e *Evaluator) Curve(labels, scores []float64) ([]ThresholdPoint, error) {
	return ThresholdCurve(labels, scores, e.Points)
}

// Optimal returns the sweep threshold maximising metric.
func (e *Evaluator) Optimal(labels, scores []float64, metric string) (float64, error) {
	return optimalThreshold(labels, scores, metric, e.Points)
}

// ============================================================================
// Persistence
// ============================================================================

// Save writes m as indented JSON.
func (m Metrics) Save(path string) error {
	clean := m
	for _, f := range []*float64{&clean.Accuracy, &clean.Precision, &clean.Recall, &clean.F1, &clean.AUCROC} {
		*f = sanitizeFloat(*f)
	}
	data, err := json.MarshalIndent(clean, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadMetrics reads metrics saved by Save.
func LoadMetrics(path string) (Metrics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metrics{}, fmt.Errorf("read metrics: %w", err)
	}
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return Metrics{}, fmt.Errorf("parse metrics: %w", err)
	}
	return m, nil
}

// sanitizeFloat replaces NaN and Inf, which JSON cannot carry, with 0.
func sanitizeFloat(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
