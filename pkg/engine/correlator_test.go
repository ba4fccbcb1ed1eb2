package engine

import (
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/quietwire/pingmark/pkg/config"
	"github.com/quietwire/pingmark/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = models.SessionKey{UserID: 1, ContactID: 7, Platform: models.PlatformMock}

func newTestCorrelator(t *testing.T, cfg *config.TrackingConfig) (*Correlator, *clockwork.FakeClock) {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultTrackingConfig()
	}
	clock := clockwork.NewFakeClock()
	c := NewCorrelator(cfg, clock, slog.Default())
	t.Cleanup(c.Close)
	return c, clock
}

// seedHistory pushes n receipts with the given RTT through a throwaway
// device so the session's global history fills without touching the
// primary device's recent window.
func seedHistory(c *Correlator, n int, rttMS int64) {
	for i := 0; i < n; i++ {
		probeID := "seed-probe-" + string(rune('a'+i))
		c.MarkProbeSent(testKey, probeID, 1000)
		c.ApplyReceipt(testKey, probeID, "seed-device", 1000+rttMS)
	}
}

func TestColdStartCalibration(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)

	for i, probeID := range []string{"p1", "p2", "p3"} {
		sentAt := int64(1000 * (i + 1))
		c.MarkProbeSent(testKey, probeID, sentAt)
		update := c.ApplyReceipt(testKey, probeID, models.PrimaryDeviceID, sentAt+50)

		require.NotNil(t, update)
		assert.Equal(t, models.StateCalibrating, update.State)
		assert.Equal(t, 50.0, update.RTTMS)
		assert.Zero(t, update.MedianMS)
		assert.Zero(t, update.ThresholdMS)
	}
}

func TestSteadyStateClassification(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)
	seedHistory(c, 10, 100)

	c.MarkProbeSent(testKey, "p-fast", 5000)
	update := c.ApplyReceipt(testKey, "p-fast", models.PrimaryDeviceID, 5090)
	require.NotNil(t, update)
	assert.Equal(t, models.StateOnline, update.State)
	assert.Equal(t, 90.0, update.AvgMS)
	assert.Equal(t, 180.0, update.ThresholdMS)

	c.MarkProbeSent(testKey, "p-slow1", 6000)
	c.ApplyReceipt(testKey, "p-slow1", models.PrimaryDeviceID, 6300)
	c.MarkProbeSent(testKey, "p-slow2", 7000)
	update = c.ApplyReceipt(testKey, "p-slow2", models.PrimaryDeviceID, 7400)

	require.NotNil(t, update)
	assert.Equal(t, models.StateStandby, update.State)
}

func TestSingleTimeout(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)

	c.MarkProbeSent(testKey, "p1", 0)
	update := c.MarkTimeout(testKey, "p1", models.PrimaryDeviceID, 10000)

	require.NotNil(t, update)
	assert.Equal(t, models.StateTimeout, update.State)
	assert.Equal(t, 10000.0, update.RTTMS)
	assert.Equal(t, 1, update.TimeoutStreak)
	assert.False(t, c.IsProbePending(testKey, "p1"))
}

func TestEscalationToOffline(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)

	c.MarkProbeSent(testKey, "p1", 0)
	c.MarkTimeout(testKey, "p1", models.PrimaryDeviceID, 10000)

	c.MarkProbeSent(testKey, "p2", 13000)
	update := c.MarkTimeout(testKey, "p2", models.PrimaryDeviceID, 10000)

	require.NotNil(t, update)
	assert.Equal(t, models.StateOffline, update.State)
	assert.Equal(t, 2, update.TimeoutStreak)
}

func TestRecoveryResetsStreak(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)
	seedHistory(c, 10, 100)

	c.MarkProbeSent(testKey, "p1", 0)
	c.MarkTimeout(testKey, "p1", models.PrimaryDeviceID, 10000)
	c.MarkProbeSent(testKey, "p2", 13000)
	c.MarkTimeout(testKey, "p2", models.PrimaryDeviceID, 10000)

	c.MarkProbeSent(testKey, "p3", 24000)
	update := c.ApplyReceipt(testKey, "p3", models.PrimaryDeviceID, 24050)

	require.NotNil(t, update)
	assert.Zero(t, update.TimeoutStreak)
	assert.Contains(t, []models.DeviceState{models.StateOnline, models.StateStandby}, update.State)
}

func TestLateReceiptResolvesOnce(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)

	c.MarkProbeSent(testKey, "p1", 0)
	require.NotNil(t, c.MarkTimeout(testKey, "p1", models.PrimaryDeviceID, 10000))

	update := c.ApplyReceipt(testKey, "p1", models.PrimaryDeviceID, 15000)
	require.NotNil(t, update)
	assert.Equal(t, 15000.0, update.RTTMS)
	assert.Zero(t, update.TimeoutStreak)

	// The late bucket entry is consumed; a duplicate emits nothing.
	assert.Nil(t, c.ApplyReceipt(testKey, "p1", models.PrimaryDeviceID, 15100))
}

func TestLateReceiptOutsideWindowDropped(t *testing.T) {
	cfg := config.DefaultTrackingConfig()
	cfg.LateWindow = time.Millisecond
	c, _ := newTestCorrelator(t, cfg)

	c.MarkProbeSent(testKey, "p1", 0)
	c.MarkTimeout(testKey, "p1", models.PrimaryDeviceID, 10000)

	time.Sleep(20 * time.Millisecond)

	assert.Nil(t, c.ApplyReceipt(testKey, "p1", models.PrimaryDeviceID, 150000))
}

func TestDuplicateReceiptDropped(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)

	c.MarkProbeSent(testKey, "p1", 0)
	require.NotNil(t, c.ApplyReceipt(testKey, "p1", models.PrimaryDeviceID, 50))
	assert.Nil(t, c.ApplyReceipt(testKey, "p1", models.PrimaryDeviceID, 60))
}

func TestUnknownReceiptDropped(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)

	assert.Nil(t, c.ApplyReceipt(testKey, "never-sent", models.PrimaryDeviceID, 50))
}

func TestTimeoutOnResolvedProbeIsNoop(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)

	c.MarkProbeSent(testKey, "p1", 0)
	require.NotNil(t, c.ApplyReceipt(testKey, "p1", models.PrimaryDeviceID, 50))
	assert.Nil(t, c.MarkTimeout(testKey, "p1", models.PrimaryDeviceID, 10000))
}

func TestNegativeRTTClamped(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)

	c.MarkProbeSent(testKey, "p1", 1000)
	update := c.ApplyReceipt(testKey, "p1", models.PrimaryDeviceID, 900)

	require.NotNil(t, update)
	assert.Zero(t, update.RTTMS)
}

func TestSessionsAreIsolated(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)
	other := models.SessionKey{UserID: 2, ContactID: 9, Platform: models.PlatformMock}

	c.MarkProbeSent(testKey, "p1", 0)

	// Same probe id on a different session must not resolve.
	assert.Nil(t, c.ApplyReceipt(other, "p1", models.PrimaryDeviceID, 50))
	assert.True(t, c.IsProbePending(testKey, "p1"))
}

func TestSnapshotDevicesPrimaryFirst(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)

	c.MarkProbeSent(testKey, "p1", 0)
	c.ApplyReceipt(testKey, "p1", "device-2", 50)
	c.MarkProbeSent(testKey, "p2", 100)
	c.ApplyReceipt(testKey, "p2", models.PrimaryDeviceID, 160)

	views := c.SnapshotDevices(testKey)
	require.Len(t, views, 2)
	assert.Equal(t, models.PrimaryDeviceID, views[0].DeviceID)
	assert.Equal(t, "device-2", views[1].DeviceID)
}

func TestDropSessionClearsState(t *testing.T) {
	c, _ := newTestCorrelator(t, nil)

	c.MarkProbeSent(testKey, "p1", 0)
	c.MarkProbeSent(testKey, "p2", 0)
	c.MarkTimeout(testKey, "p2", models.PrimaryDeviceID, 10000)

	c.DropSession(testKey)

	assert.False(t, c.IsProbePending(testKey, "p1"))
	assert.Nil(t, c.ApplyReceipt(testKey, "p2", models.PrimaryDeviceID, 15000))
	assert.Empty(t, c.SnapshotDevices(testKey))
}
