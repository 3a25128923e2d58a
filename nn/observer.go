package nn

import (
	"context"
	"log/slog"

	"gonum.org/v1/gonum/stat"
)

// ActivationStats summarises one activation matrix.
type ActivationStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	// Active counts elements above zero.
	Active int `json:"active"`
	Total  int `json:"total"`
}

// ForwardEvent is emitted after each stage of a forward pass: the input
// projection, every branch, and the fusion head.
type ForwardEvent struct {
	Stage string          `json:"stage"`
	Rows  int             `json:"rows"`
	Cols  int             `json:"cols"`
	Stats ActivationStats `json:"stats"`
}

// Observer receives forward events. Implementations must not block.
type Observer interface {
	OnForward(ForwardEvent)
}

func computeStats(data []float64) ActivationStats {
	if len(data) == 0 {
		return ActivationStats{}
	}
	mean, std := stat.MeanStdDev(data, nil)
	st := ActivationStats{Mean: mean, StdDev: std, Min: data[0], Max: data[0], Total: len(data)}
	for _, v := range data {
		st.Min = min(st.Min, v)
		st.Max = max(st.Max, v)
		if v > 0 {
			st.Active++
		}
	}
	return st
}

// =============================================================================
// Observer implementations
// =============================================================================

// LogObserver writes every event at debug level.
type LogObserver struct {
	Logger *slog.Logger
}

func (o *LogObserver) OnForward(ev ForwardEvent) {
	if o.Logger == nil || !o.Logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	o.Logger.Debug("forward stage",
		"stage", ev.Stage,
		"shape", [2]int{ev.Rows, ev.Cols},
		"mean", ev.Stats.Mean,
		"std", ev.Stats.StdDev,
		"min", ev.Stats.Min,
		"max", ev.Stats.Max,
		"active", ev.Stats.Active,
	)
}

// ChannelObserver forwards events to a buffered channel and drops them when
// the buffer is full.
type ChannelObserver struct {
	Events chan ForwardEvent
}

func NewChannelObserver(bufferSize int) *ChannelObserver {
	return &ChannelObserver{Events: make(chan ForwardEvent, bufferSize)}
}

func (o *ChannelObserver) OnForward(ev ForwardEvent) {
	select {
	case o.Events <- ev:
	default:
	}
}
