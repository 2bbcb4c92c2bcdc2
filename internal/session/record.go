package session

import (
	"context"
	"math"
	"time"
)

// Record is a finished session as handed to storage.
type Record struct {
	StartedAt     time.Time `json:"startedAt"`
	RelaxedAt     time.Time `json:"relaxedAt"`
	DurationMs    int64     `json:"durationMs"`    // total stressed (shaking) time
	TimeToRelaxMs int64     `json:"timeToRelaxMs"` // stressed time until calm was first confirmed
	PeakPct       float64   `json:"peakPct"`
	Notes         string    `json:"notes,omitempty"`
}

// Store persists finished sessions.
type Store interface {
	CreateSession(ctx context.Context, rec Record) (id string, err error)
}

// Feedback triggers fire-and-forget haptics/notifications.
type Feedback interface {
	NotifySuccess()
	ImpactLight()
}

type noFeedback struct{}

func (noFeedback) NotifySuccess() {}
func (noFeedback) ImpactLight()   {}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
