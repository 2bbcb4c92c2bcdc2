package session

import "github.com/relabs-tech/shake_relax/internal/motion"

// Sensitivity names a start/stop threshold pair.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "med"
	SensitivityHigh   Sensitivity = "high"
)

// Thresholds is the estimator start/stop pair for a profile.
type Thresholds struct {
	Start float64 `json:"start"`
	Stop  float64 `json:"stop"`
}

var profiles = map[Sensitivity]Thresholds{
	SensitivityLow:    {Start: 0.45, Stop: 0.20},
	SensitivityMedium: {Start: 0.30, Stop: 0.12},
	SensitivityHigh:   {Start: 0.20, Stop: 0.08},
}

// ParseSensitivity maps a stored preference to a profile; anything unknown
// is treated as medium.
func ParseSensitivity(s string) Sensitivity {
	if _, ok := profiles[Sensitivity(s)]; ok {
		return Sensitivity(s)
	}
	return SensitivityMedium
}

// Thresholds returns the profile's threshold pair.
func (s Sensitivity) Thresholds() Thresholds {
	if t, ok := profiles[s]; ok {
		return t
	}
	return profiles[SensitivityMedium]
}

// Apply returns cfg with the profile's thresholds.
func (s Sensitivity) Apply(cfg motion.Config) motion.Config {
	t := s.Thresholds()
	cfg.StartThreshold = t.Start
	cfg.StopThreshold = t.Stop
	return cfg
}
