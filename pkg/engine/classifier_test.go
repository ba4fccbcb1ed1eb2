package engine

import (
	"testing"

	"github.com/quietwire/pingmark/pkg/config"
	"github.com/quietwire/pingmark/pkg/models"
	"github.com/stretchr/testify/assert"
)

func newTestClassifier() *Classifier {
	return NewClassifier(config.DefaultTrackingConfig())
}

func repeat(v float64, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestClassifyCalibrating(t *testing.T) {
	c := newTestClassifier()

	state, baseline, threshold := c.Classify(repeat(50, 9), []float64{50}, false)

	assert.Equal(t, models.StateCalibrating, state)
	assert.Zero(t, baseline)
	assert.Zero(t, threshold)
}

func TestClassifyOnlineAtFloorThreshold(t *testing.T) {
	c := newTestClassifier()

	// Baseline 100: factor gives 125, floor gives 180, floor wins.
	state, baseline, threshold := c.Classify(repeat(100, 10), []float64{90}, false)

	assert.Equal(t, models.StateOnline, state)
	assert.Equal(t, 100.0, baseline)
	assert.Equal(t, 180.0, threshold)
}

func TestClassifyStandbyAboveThreshold(t *testing.T) {
	c := newTestClassifier()

	state, _, threshold := c.Classify(repeat(100, 10), []float64{300, 400}, false)

	assert.Equal(t, models.StateStandby, state)
	assert.Equal(t, 180.0, threshold)
}

func TestClassifyTieAtThresholdIsOnline(t *testing.T) {
	c := newTestClassifier()

	state, _, _ := c.Classify(repeat(100, 10), []float64{180}, false)

	assert.Equal(t, models.StateOnline, state)
}

func TestClassifyEmptyRecentIsStandby(t *testing.T) {
	c := newTestClassifier()

	// avg = 0 fails the avg > 0 requirement.
	state, _, _ := c.Classify(repeat(100, 10), nil, false)

	assert.Equal(t, models.StateStandby, state)
}

func TestClassifyOfflineWinsOverCalibrating(t *testing.T) {
	c := newTestClassifier()

	state, baseline, threshold := c.Classify(repeat(50, 3), nil, true)

	assert.Equal(t, models.StateOffline, state)
	assert.Zero(t, baseline)
	assert.Zero(t, threshold)
}

func TestComputeThresholdFactorWins(t *testing.T) {
	c := newTestClassifier()

	// Baseline 1000: factor gives 1250, floor gives 1080, factor wins.
	baseline, threshold := c.ComputeThreshold(repeat(1000, 10))

	assert.Equal(t, 1000.0, baseline)
	assert.Equal(t, 1250.0, threshold)
}

func TestMedian(t *testing.T) {
	assert.Zero(t, Median(nil))
	assert.Equal(t, 3.0, Median([]float64{5, 1, 3}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 2, 3}))
}

func TestMovingAvg(t *testing.T) {
	assert.Zero(t, MovingAvg(nil))
	assert.Equal(t, 200.0, MovingAvg([]float64{100, 300}))
}
