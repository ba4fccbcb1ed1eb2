package engine

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/quietwire/pingmark/pkg/config"
	"github.com/quietwire/pingmark/pkg/models"
)

// Update is the correlator's answer to a receipt or timeout: the
// classified state plus the metrics that produced it.
type Update struct {
	DeviceID      string
	State         models.DeviceState
	RTTMS         float64
	AvgMS         float64
	MedianMS      float64
	ThresholdMS   float64
	TimeoutStreak int
	UpdatedAtMS   int64
}

type pendingKey struct {
	session models.SessionKey
	probeID string
}

// deviceMetrics is the per-device slice of a session's state.
type deviceMetrics struct {
	recent        []float64
	lastRTTMS     float64
	state         models.DeviceState
	timeoutStreak int
	offline       bool
	updatedAtMS   int64
}

// sessionMetrics holds everything the correlator knows about one
// (user, contact, platform) session.
type sessionMetrics struct {
	history []float64
	devices map[string]*deviceMetrics
}

// Correlator matches probe sends to receipts, maintains per-session RTT
// history, and classifies devices. All state is in memory and guarded
// by one mutex; sessions never observe each other.
type Correlator struct {
	mu         sync.Mutex
	classifier *Classifier
	cfg        *config.TrackingConfig
	clock      clockwork.Clock
	logger     *slog.Logger

	sessions map[models.SessionKey]*sessionMetrics
	pending  map[pendingKey]int64

	// late holds probes that timed out but may still be resolved by a
	// receipt inside the late window. Entries are consumed on hit.
	late *ttlcache.Cache[pendingKey, int64]
}

// NewCorrelator builds a correlator. The expiry janitor for the late
// bucket starts immediately; call Close on shutdown.
func NewCorrelator(cfg *config.TrackingConfig, clock clockwork.Clock, logger *slog.Logger) *Correlator {
	c := &Correlator{
		classifier: NewClassifier(cfg),
		cfg:        cfg,
		clock:      clock,
		logger:     logger.With("component", "correlator"),
		sessions:   make(map[models.SessionKey]*sessionMetrics),
		pending:    make(map[pendingKey]int64),
		late: ttlcache.New[pendingKey, int64](
			ttlcache.WithTTL[pendingKey, int64](cfg.LateWindow),
			ttlcache.WithDisableTouchOnHit[pendingKey, int64](),
		),
	}
	go c.late.Start()
	return c
}

// Close stops the late-bucket janitor.
func (c *Correlator) Close() {
	c.late.Stop()
}

// MarkProbeSent registers an in-flight probe.
func (c *Correlator) MarkProbeSent(key models.SessionKey, probeID string, sentAtMS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[pendingKey{session: key, probeID: probeID}] = sentAtMS
}

// IsProbePending reports whether a probe is still awaiting its receipt.
func (c *Correlator) IsProbePending(key models.SessionKey, probeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[pendingKey{session: key, probeID: probeID}]
	return ok
}

// ApplyReceipt resolves a receipt against the pending set, falling back
// to the late bucket. Returns nil for duplicate or unknown receipts:
// those carry no information the engine can act on.
func (c *Correlator) ApplyReceipt(key models.SessionKey, probeID, deviceID string, receivedAtMS int64) *Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	pk := pendingKey{session: key, probeID: probeID}
	sentAtMS, ok := c.pending[pk]
	if ok {
		delete(c.pending, pk)
	} else {
		item := c.late.Get(pk)
		if item == nil {
			return nil
		}
		sentAtMS = item.Value()
		c.late.Delete(pk)
		c.logger.Debug("Late receipt resolved",
			"probe_id", probeID,
			"device_id", deviceID,
			"lag_ms", receivedAtMS-sentAtMS)
	}

	rtt := float64(receivedAtMS - sentAtMS)
	if rtt < 0 {
		// Clock skew between our send stamp and the platform's receipt
		// stamp can produce a negative RTT; clamp rather than poison
		// the baseline.
		rtt = 0
	}

	sess := c.session(key)
	dev := sess.device(deviceID)

	sess.history = appendBounded(sess.history, rtt, c.cfg.HistoryLimit)
	dev.recent = appendBounded(dev.recent, rtt, c.cfg.RecentLimit)
	dev.lastRTTMS = rtt
	dev.timeoutStreak = 0
	dev.offline = false
	dev.updatedAtMS = receivedAtMS

	state, baseline, threshold := c.classifier.Classify(sess.history, dev.recent, false)
	dev.state = state

	return &Update{
		DeviceID:      deviceID,
		State:         state,
		RTTMS:         rtt,
		AvgMS:         MovingAvg(dev.recent),
		MedianMS:      baseline,
		ThresholdMS:   threshold,
		TimeoutStreak: 0,
		UpdatedAtMS:   receivedAtMS,
	}
}

// MarkTimeout expires an unanswered probe: the probe moves to the late
// bucket, the device's streak grows, and two consecutive timeouts flip
// the device offline. Returns nil when the probe was already resolved.
func (c *Correlator) MarkTimeout(key models.SessionKey, probeID, deviceID string, timeoutMS float64) *Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	pk := pendingKey{session: key, probeID: probeID}
	sentAtMS, ok := c.pending[pk]
	if !ok {
		return nil
	}
	delete(c.pending, pk)
	c.late.Set(pk, sentAtMS, ttlcache.DefaultTTL)

	sess := c.session(key)
	dev := sess.device(deviceID)

	dev.timeoutStreak++
	dev.offline = dev.timeoutStreak >= 2
	dev.lastRTTMS = timeoutMS
	dev.updatedAtMS = c.clock.Now().UnixMilli()

	// Timeouts never feed the RTT history: the baseline describes how
	// fast receipts arrive, not how often they don't.
	state := models.StateTimeout
	baseline, threshold := c.classifier.ComputeThreshold(sess.history)
	if dev.offline {
		state = models.StateOffline
	}
	dev.state = state

	return &Update{
		DeviceID:      deviceID,
		State:         state,
		RTTMS:         timeoutMS,
		AvgMS:         MovingAvg(dev.recent),
		MedianMS:      baseline,
		ThresholdMS:   threshold,
		TimeoutStreak: dev.timeoutStreak,
		UpdatedAtMS:   dev.updatedAtMS,
	}
}

// DeviceStreak returns the device's current timeout streak, 0 when the
// session or device is unknown.
func (c *Correlator) DeviceStreak(key models.SessionKey, deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[key]
	if !ok {
		return 0
	}
	dev, ok := sess.devices[deviceID]
	if !ok {
		return 0
	}
	return dev.timeoutStreak
}

// SnapshotDevices returns classified views of every device seen for a
// session, primary first, remaining devices sorted by id.
func (c *Correlator) SnapshotDevices(key models.SessionKey) []models.DeviceView {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[key]
	if !ok {
		return nil
	}

	views := make([]models.DeviceView, 0, len(sess.devices))
	for id, dev := range sess.devices {
		views = append(views, models.DeviceView{
			DeviceID:      id,
			State:         dev.state,
			RTTMS:         dev.lastRTTMS,
			AvgMS:         MovingAvg(dev.recent),
			UpdatedAtMS:   dev.updatedAtMS,
			TimeoutStreak: dev.timeoutStreak,
		})
	}
	sortDeviceViews(views)
	return views
}

// GlobalStats returns the session's pooled baseline and threshold.
func (c *Correlator) GlobalStats(key models.SessionKey) (baseline, threshold float64, samples int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[key]
	if !ok {
		return 0, 0, 0
	}
	baseline, threshold = c.classifier.ComputeThreshold(sess.history)
	return baseline, threshold, len(sess.history)
}

// DropSession discards all in-memory state for a session, including its
// pending probes and late-bucket entries. Durable points are untouched.
func (c *Correlator) DropSession(key models.SessionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.sessions, key)
	for pk := range c.pending {
		if pk.session == key {
			delete(c.pending, pk)
		}
	}
	for _, pk := range c.late.Keys() {
		if pk.session == key {
			c.late.Delete(pk)
		}
	}
}

func (c *Correlator) session(key models.SessionKey) *sessionMetrics {
	sess, ok := c.sessions[key]
	if !ok {
		sess = &sessionMetrics{devices: make(map[string]*deviceMetrics)}
		c.sessions[key] = sess
	}
	return sess
}

func (s *sessionMetrics) device(id string) *deviceMetrics {
	dev, ok := s.devices[id]
	if !ok {
		dev = &deviceMetrics{state: models.StateCalibrating}
		s.devices[id] = dev
	}
	return dev
}

// appendBounded appends v and trims the front to keep at most limit
// elements.
func appendBounded(s []float64, v float64, limit int) []float64 {
	s = append(s, v)
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}

func sortDeviceViews(views []models.DeviceView) {
	sort.Slice(views, func(i, j int) bool {
		return deviceLess(views[i].DeviceID, views[j].DeviceID)
	})
}

// deviceLess orders the primary device before everything else.
func deviceLess(a, b string) bool {
	if a == models.PrimaryDeviceID {
		return b != models.PrimaryDeviceID
	}
	if b == models.PrimaryDeviceID {
		return false
	}
	return a < b
}
