package evaluation

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// DefaultPoints is the resolution of a threshold sweep over [0, 1].
const DefaultPoints = 100

// Metric names accepted by OptimalThreshold.
const (
	MetricF1        = "f1"
	MetricPrecision = "precision"
	MetricRecall    = "recall"
)

// ThresholdPoint is one row of a threshold sweep.
type ThresholdPoint struct {
	Threshold float64 `json:"threshold"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

func (p ThresholdPoint) value(metric string) (float64, error) {
	switch metric {
	case MetricF1:
		return p.F1, nil
	case MetricPrecision:
		return p.Precision, nil
	case MetricRecall:
		return p.Recall, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
}

// Grid returns points evenly spaced thresholds from 0 to 1 inclusive.
func Grid(points int) []float64 {
	if points <= 0 {
		points = DefaultPoints
	}
	if points == 1 {
		return []float64{0}
	}
	return floats.Span(make([]float64, points), 0, 1)
}

// ThresholdCurve evaluates precision, recall and F1 at every grid threshold.
func ThresholdCurve(labels, scores []float64, points int) ([]ThresholdPoint, error) {
	if err := checkInputs(labels, scores); err != nil {
		return nil, err
	}
	grid := Grid(points)
	curve := make([]ThresholdPoint, len(grid))
	for i, thr := range grid {
		c := Count(labels, scores, thr)
		curve[i] = ThresholdPoint{Threshold: thr, Precision: c.Precision(), Recall: c.Recall(), F1: c.F1()}
	}
	return curve, nil
}

// OptimalThreshold returns the grid threshold that maximises metric over the
// default sweep. Ties keep the lowest threshold.
func OptimalThreshold(labels, scores []float64, metric string) (float64, error) {
	return optimalThreshold(labels, scores, metric, DefaultPoints)
}

func optimalThreshold(labels, scores []float64, metric string, points int) (float64, error) {
	if _, err := (ThresholdPoint{}).value(metric); err != nil {
		return 0, err
	}
	curve, err := ThresholdCurve(labels, scores, points)
	if err != nil {
		return 0, err
	}
	best, bestVal := 0, -1.0
	for i, p := range curve {
		v, _ := p.value(metric)
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	return curve[best].Threshold, nil
}
