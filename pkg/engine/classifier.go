// Package engine implements the probe/receipt correlation core: the
// classifier, the correlator, the per-session runner, the session
// supervisor, and the insights aggregator.
package engine

import (
	"sort"

	"github.com/quietwire/pingmark/pkg/config"
	"github.com/quietwire/pingmark/pkg/models"
)

// Classifier maps RTT history to a device state. Pure: no clock, no
// mutation, safe for concurrent use.
type Classifier struct {
	minHistory int
	factor     float64
	floorMS    float64
}

// NewClassifier builds a classifier from the tracking constants.
func NewClassifier(cfg *config.TrackingConfig) *Classifier {
	return &Classifier{
		minHistory: cfg.MinHistory,
		factor:     cfg.ThresholdFactor,
		floorMS:    cfg.ThresholdFloorMS,
	}
}

// ComputeThreshold returns (baseline, threshold) for a history.
// Below minHistory samples both are zero: the session is calibrating
// and no threshold is trustworthy yet.
func (c *Classifier) ComputeThreshold(history []float64) (float64, float64) {
	if len(history) < c.minHistory {
		return 0, 0
	}
	baseline := Median(history)
	threshold := baseline * c.factor
	if floor := baseline + c.floorMS; floor > threshold {
		// The floor prevents pathological thresholds when baselines
		// are near zero (local mock).
		threshold = floor
	}
	return baseline, threshold
}

// Classify returns (state, baseline, threshold) for the given history,
// recent window, and offline flag. Ties at the threshold count as
// ONLINE: receiving at threshold still counts as responsive.
func (c *Classifier) Classify(history, recent []float64, offline bool) (models.DeviceState, float64, float64) {
	if offline {
		baseline, threshold := c.ComputeThreshold(history)
		return models.StateOffline, baseline, threshold
	}
	if len(history) < c.minHistory {
		return models.StateCalibrating, 0, 0
	}

	baseline, threshold := c.ComputeThreshold(history)
	avg := MovingAvg(recent)
	if avg > 0 && avg <= threshold {
		return models.StateOnline, baseline, threshold
	}
	return models.StateStandby, baseline, threshold
}

// MovingAvg returns the arithmetic mean, or 0 for an empty slice.
func MovingAvg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Median returns the statistical median (even-length inputs average
// the two middle values), or 0 for an empty slice.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
