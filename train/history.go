package train

import (
	"encoding/json"
	"math"
	"time"
)

// EpochRecord summarises one completed epoch.
type EpochRecord struct {
	Epoch     int                `json:"epoch"`
	TrainLoss float64            `json:"train_loss"`
	ValLoss   float64            `json:"val_loss"`
	LR        float64            `json:"lr"`
	GradNorm  float64            `json:"grad_norm"`
	Metrics   map[string]float64 `json:"metrics"`
	Improved  bool               `json:"improved"`
	Duration  time.Duration      `json:"duration"`
}

// StopReason tells why Fit returned.
type StopReason string

const (
	StopCompleted StopReason = "completed"
	StopEarly     StopReason = "early_stopped"
	StopCancelled StopReason = "cancelled"
	StopFailed    StopReason = "failed"
)

// History is the per-epoch record of a Fit call.
type History struct {
	Records    []EpochRecord `json:"records"`
	BestEpoch  int           `json:"best_epoch"`
	BestLoss   float64       `json:"best_loss"`
	StopReason StopReason    `json:"stop_reason"`
}

// MarshalJSON writes best_loss as null until some epoch has improved.
func (h History) MarshalJSON() ([]byte, error) {
	type plain History
	out := struct {
		plain
		BestLoss *float64 `json:"best_loss"`
	}{plain: plain(h)}
	if !math.IsInf(h.BestLoss, 0) && !math.IsNaN(h.BestLoss) {
		out.BestLoss = &h.BestLoss
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a null best_loss back as +Inf.
func (h *History) UnmarshalJSON(data []byte) error {
	type plain History
	var in struct {
		plain
		BestLoss *float64 `json:"best_loss"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*h = History(in.plain)
	h.BestLoss = math.Inf(1)
	if in.BestLoss != nil {
		h.BestLoss = *in.BestLoss
	}
	return nil
}

// Len returns the number of completed epochs.
func (h *History) Len() int { return len(h.Records) }

// Last returns the most recent record.
func (h *History) Last() (EpochRecord, bool) {
	if len(h.Records) == 0 {
		return EpochRecord{}, false
	}
	return h.Records[len(h.Records)-1], true
}

// TrainLosses returns the training loss of every epoch in order.
func (h *History) TrainLosses() []float64 {
	out := make([]float64, len(h.Records))
	for i, r := range h.Records {
		out[i] = r.TrainLoss
	}
	return out
}

// ValLosses returns the validation loss of every epoch in order.
func (h *History) ValLosses() []float64 {
	out := make([]float64, len(h.Records))
	for i, r := range h.Records {
		out[i] = r.ValLoss
	}
	return out
}
