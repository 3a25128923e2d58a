package train

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink receives one record per completed epoch.
type MetricsSink interface {
	RecordEpoch(rec EpochRecord)
}

// LogSink writes epoch records to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) RecordEpoch(rec EpochRecord) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"epoch", rec.Epoch,
		"train_loss", rec.TrainLoss,
		"val_loss", rec.ValLoss,
		"lr", rec.LR,
		"grad_norm", rec.GradNorm,
		"improved", rec.Improved,
		"duration", rec.Duration,
	}
	for _, key := range metricKeys {
		if v, ok := rec.Metrics[key]; ok {
			attrs = append(attrs, key, v)
		}
	}
	logger.Info("epoch complete", attrs...)
}

var metricKeys = []string{"accuracy", "precision", "recall", "f1", "auc_roc"}

// MultiSink fans a record out to every sink in order.
type MultiSink []MetricsSink

func (m MultiSink) RecordEpoch(rec EpochRecord) {
	for _, s := range m {
		if s != nil {
			s.RecordEpoch(rec)
		}
	}
}

// PrometheusSink exports the latest epoch as gauges on a caller registry.
type PrometheusSink struct {
	Epochs       prometheus.Counter
	Improvements prometheus.Counter
	TrainLoss    prometheus.Gauge
	ValLoss      prometheus.Gauge
	LearningRate prometheus.Gauge
	GradNorm     prometheus.Gauge
	EpochSeconds prometheus.Histogram
	Metric       *prometheus.GaugeVec
}

// NewPrometheusSink registers the training collectors on reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		Epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mthgnn",
			Subsystem: "train",
			Name:      "epochs_total",
			Help:      "Completed training epochs.",
		}),
		Improvements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mthgnn",
			Subsystem: "train",
			Name:      "improvements_total",
			Help:      "Epochs whose validation loss improved on the best so far.",
		}),
		TrainLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mthgnn",
			Subsystem: "train",
			Name:      "loss",
			Help:      "Mean training loss of the last epoch.",
		}),
		ValLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mthgnn",
			Subsystem: "validation",
			Name:      "loss",
			Help:      "Mean validation loss of the last epoch.",
		}),
		LearningRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mthgnn",
			Subsystem: "train",
			Name:      "learning_rate",
			Help:      "Learning rate used by the last epoch.",
		}),
		GradNorm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mthgnn",
			Subsystem: "train",
			Name:      "grad_norm",
			Help:      "Mean pre-clip gradient norm of the last epoch.",
		}),
		EpochSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mthgnn",
			Subsystem: "train",
			Name:      "epoch_duration_seconds",
			Help:      "Wall time of one epoch including validation.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		Metric: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mthgnn",
			Subsystem: "validation",
			Name:      "metric",
			Help:      "Validation metrics of the last epoch.",
		}, []string{"metric"}),
	}
	for _, c := range []prometheus.Collector{
		s.Epochs, s.Improvements, s.TrainLoss, s.ValLoss,
		s.LearningRate, s.GradNorm, s.EpochSeconds, s.Metric,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PrometheusSink) RecordEpoch(rec EpochRecord) {
	s.Epochs.Inc()
	if rec.Improved {
		s.Improvements.Inc()
	}
	s.TrainLoss.Set(rec.TrainLoss)
	s.ValLoss.Set(rec.ValLoss)
	s.LearningRate.Set(rec.LR)
	s.GradNorm.Set(rec.GradNorm)
	s.EpochSeconds.Observe(rec.Duration.Seconds())
	for k, v := range rec.Metrics {
		s.Metric.WithLabelValues(k).Set(v)
	}
}
