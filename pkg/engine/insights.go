package engine

import (
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/quietwire/pingmark/pkg/config"
	"github.com/quietwire/pingmark/pkg/models"
)

// sample is one observed point in an insights window.
type sample struct {
	state models.DeviceState
	rttMS float64
}

// sessionWindow is the rolling window and broadcast clock for one session.
type sessionWindow struct {
	samples         []sample
	lastBroadcastMS int64
}

// InsightsAggregator maintains a rolling window of emitted points per
// session and summarizes it, rate-limited per session so a burst of
// points produces at most one summary per broadcast interval.
type InsightsAggregator struct {
	mu    sync.Mutex
	cfg   *config.TrackingConfig
	clock clockwork.Clock

	sessions map[models.SessionKey]*sessionWindow
}

// NewInsightsAggregator builds an aggregator with the configured window
// size and broadcast interval.
func NewInsightsAggregator(cfg *config.TrackingConfig, clock clockwork.Clock) *InsightsAggregator {
	return &InsightsAggregator{
		cfg:      cfg,
		clock:    clock,
		sessions: make(map[models.SessionKey]*sessionWindow),
	}
}

// Observe records one point. Returns a fresh summary when the rate
// limit allows one, nil otherwise. The window always advances either
// way; skipped summaries lose nothing.
func (a *InsightsAggregator) Observe(key models.SessionKey, state models.DeviceState, rttMS float64) *models.Insights {
	a.mu.Lock()
	defer a.mu.Unlock()

	win, ok := a.sessions[key]
	if !ok {
		win = &sessionWindow{}
		a.sessions[key] = win
	}

	win.samples = append(win.samples, sample{state: state, rttMS: rttMS})
	if len(win.samples) > a.cfg.WindowSize {
		win.samples = win.samples[len(win.samples)-a.cfg.WindowSize:]
	}

	nowMS := a.clock.Now().UnixMilli()
	if win.lastBroadcastMS != 0 && nowMS-win.lastBroadcastMS < a.cfg.BroadcastInterval.Milliseconds() {
		return nil
	}
	win.lastBroadcastMS = nowMS

	return win.summarize(nowMS)
}

// Summarize returns the current summary without advancing the window or
// consuming the rate limit. Nil when the session has no samples.
func (a *InsightsAggregator) Summarize(key models.SessionKey) *models.Insights {
	a.mu.Lock()
	defer a.mu.Unlock()

	win, ok := a.sessions[key]
	if !ok || len(win.samples) == 0 {
		return nil
	}
	return win.summarize(a.clock.Now().UnixMilli())
}

// DropSession discards the window for a session.
func (a *InsightsAggregator) DropSession(key models.SessionKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, key)
}

func (w *sessionWindow) summarize(nowMS int64) *models.Insights {
	total := len(w.samples)
	if total == 0 {
		return &models.Insights{ComputedAtMS: nowMS}
	}

	var online, timeouts, streak, streakMax int
	rtts := make([]float64, 0, total)
	for _, s := range w.samples {
		switch s.state {
		case models.StateOnline:
			online++
			streak = 0
		case models.StateTimeout, models.StateOffline:
			timeouts++
			streak++
			if streak > streakMax {
				streakMax = streak
			}
		default:
			streak = 0
		}
		if s.rttMS > 0 {
			rtts = append(rtts, s.rttMS)
		}
	}

	p50 := percentile(rtts, 0.50)
	p95 := percentile(rtts, 0.95)
	jitter := p95 - p50
	if jitter < 0 {
		jitter = 0
	}

	return &models.Insights{
		Total:        total,
		OnlineRatio:  float64(online) / float64(total),
		TimeoutRate:  float64(timeouts) / float64(total),
		MedianRTTMS:  p50,
		JitterMS:     jitter,
		StreakMax:    streakMax,
		ComputedAtMS: nowMS,
	}
}

// percentile uses nearest-rank on index int(q*(n-1)); no interpolation.
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
