package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/quietwire/pingmark/pkg/adapters"
	"github.com/quietwire/pingmark/pkg/config"
	"github.com/quietwire/pingmark/pkg/models"
	"github.com/quietwire/pingmark/pkg/realtime"
)

// PointSink persists emitted tracker points.
type PointSink interface {
	AddPoint(ctx context.Context, key models.SessionKey, point models.TrackerPoint) error
}

// ProbeRecorder is the durable probe index the runner writes sends to.
type ProbeRecorder interface {
	InsertProbe(ctx context.Context, userID, contactID int64, platform, probeID string, sentAtMS int64, platformMessageTS int64, platformMessageID string, sendResponse []byte) error
}

// Broadcaster fans events out to a user's realtime subscribers.
type Broadcaster interface {
	BroadcastToUser(userID int64, event realtime.Event)
}

// RunnerConfig wires one session runner.
type RunnerConfig struct {
	Key        models.SessionKey
	Adapter    adapters.Adapter
	Correlator *Correlator
	Insights   *InsightsAggregator
	Points     PointSink
	Probes     ProbeRecorder
	Broadcast  Broadcaster
	Tracking   *config.TrackingConfig

	// Notify receives every primary-device point for edge detection.
	// Optional.
	Notify func(point models.TrackerPoint)

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Runner drives one session: a send loop probing the contact, a receipt
// loop consuming the adapter's stream, and per-probe timeout tasks.
type Runner struct {
	cfg RunnerConfig
	log *slog.Logger

	timeoutMu sync.Mutex
	timeouts  map[string]context.CancelFunc
	timeoutWG sync.WaitGroup
}

// NewRunner validates the wiring and builds a runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Adapter == nil || cfg.Correlator == nil || cfg.Insights == nil {
		return nil, fmt.Errorf("adapter, correlator, and insights are required")
	}
	if cfg.Points == nil || cfg.Probes == nil || cfg.Broadcast == nil {
		return nil, fmt.Errorf("points, probes, and broadcast are required")
	}
	if cfg.Tracking == nil {
		return nil, fmt.Errorf("tracking config is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		cfg: cfg,
		log: cfg.Logger.With(
			"component", "runner",
			"user_id", cfg.Key.UserID,
			"contact_id", cfg.Key.ContactID,
			"platform", cfg.Key.Platform),
		timeouts: make(map[string]context.CancelFunc),
	}, nil
}

// Run blocks until ctx is cancelled, then tears the session down: the
// receipt loop stops, outstanding timeout tasks are cancelled and
// awaited, the adapter is closed, and in-memory session state dropped.
func (r *Runner) Run(ctx context.Context) error {
	receipts, err := r.cfg.Adapter.Receipts(ctx)
	if err != nil {
		return fmt.Errorf("failed to open receipt stream: %w", err)
	}

	rctx, rcancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.receiptLoop(rctx, receipts)
	}()

	r.sendLoop(ctx)

	rcancel()
	wg.Wait()
	r.cancelTimeouts()

	if err := r.cfg.Adapter.Close(); err != nil {
		r.log.Warn("Failed to close adapter", "error", err)
	}
	r.cfg.Correlator.DropSession(r.cfg.Key)
	r.cfg.Insights.DropSession(r.cfg.Key)
	return nil
}

func (r *Runner) sendLoop(ctx context.Context) {
	for {
		res, err := r.cfg.Adapter.SendProbe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("Probe send failed", "error", err)
			if !r.sleep(ctx, r.cfg.Tracking.BaseInterval) {
				return
			}
			continue
		}

		r.cfg.Correlator.MarkProbeSent(r.cfg.Key, res.ProbeID, res.SentAtMS)
		if err := r.cfg.Probes.InsertProbe(ctx,
			r.cfg.Key.UserID, r.cfg.Key.ContactID, r.cfg.Key.Platform,
			res.ProbeID, res.SentAtMS, res.PlatformMessageTS,
			res.PlatformMessageID, res.SendResponse); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("Failed to record probe", "probe_id", res.ProbeID, "error", err)
		}

		r.startTimeout(ctx, res.ProbeID)

		streak := r.cfg.Correlator.DeviceStreak(r.cfg.Key, models.PrimaryDeviceID)
		interval := r.cfg.Tracking.IntervalForStreak(streak)
		if r.cfg.Tracking.Jitter > 0 {
			interval += time.Duration(rand.Int64N(int64(r.cfg.Tracking.Jitter)))
		}
		if !r.sleep(ctx, interval) {
			return
		}
	}
}

func (r *Runner) receiptLoop(ctx context.Context, receipts <-chan models.Receipt) {
	for {
		select {
		case <-ctx.Done():
			return
		case receipt, ok := <-receipts:
			if !ok {
				return
			}
			r.handleReceipt(ctx, receipt)
		}
	}
}

func (r *Runner) handleReceipt(ctx context.Context, receipt models.Receipt) {
	if cancel := r.takeTimeout(receipt.ProbeID); cancel != nil {
		cancel()
	}

	update := r.cfg.Correlator.ApplyReceipt(
		r.cfg.Key, receipt.ProbeID, receipt.DeviceID, receipt.ReceivedAtMS)
	if update == nil {
		// Duplicate or unknown; nothing to emit.
		return
	}
	r.emit(ctx, update, receipt.ProbeID)
}

// startTimeout arms the per-probe deadline. When it fires and the probe
// is still pending, the correlator records the timeout and a point with
// the timeout verdict is emitted.
func (r *Runner) startTimeout(ctx context.Context, probeID string) {
	tctx, cancel := context.WithCancel(ctx)

	r.timeoutMu.Lock()
	r.timeouts[probeID] = cancel
	r.timeoutMu.Unlock()

	r.timeoutWG.Add(1)
	go func() {
		defer r.timeoutWG.Done()
		defer func() {
			if c := r.takeTimeout(probeID); c != nil {
				c()
			}
		}()

		select {
		case <-tctx.Done():
			return
		case <-r.cfg.Clock.After(time.Duration(r.cfg.Tracking.TimeoutMS) * time.Millisecond):
		}

		update := r.cfg.Correlator.MarkTimeout(
			r.cfg.Key, probeID, models.PrimaryDeviceID,
			float64(r.cfg.Tracking.TimeoutMS))
		if update == nil {
			return
		}
		r.emit(ctx, update, probeID)
	}()
}

// takeTimeout removes and returns the probe's timeout cancel func.
func (r *Runner) takeTimeout(probeID string) context.CancelFunc {
	r.timeoutMu.Lock()
	defer r.timeoutMu.Unlock()
	cancel, ok := r.timeouts[probeID]
	if ok {
		delete(r.timeouts, probeID)
	}
	return cancel
}

func (r *Runner) cancelTimeouts() {
	r.timeoutMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.timeouts))
	for _, cancel := range r.timeouts {
		cancels = append(cancels, cancel)
	}
	r.timeouts = make(map[string]context.CancelFunc)
	r.timeoutMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	r.timeoutWG.Wait()
}

// emit is the single downstream path for both loops: persist, fan out
// the point and snapshot, feed insights, and feed the notifier for the
// primary device.
func (r *Runner) emit(ctx context.Context, update *Update, probeID string) {
	point := models.TrackerPoint{
		TimestampMS:   update.UpdatedAtMS,
		DeviceID:      update.DeviceID,
		State:         update.State,
		RTTMS:         update.RTTMS,
		AvgMS:         update.AvgMS,
		MedianMS:      update.MedianMS,
		ThresholdMS:   update.ThresholdMS,
		TimeoutStreak: update.TimeoutStreak,
		ProbeID:       probeID,
	}

	if err := r.cfg.Points.AddPoint(ctx, r.cfg.Key, point); err != nil && ctx.Err() == nil {
		r.log.Warn("Failed to persist tracker point",
			"probe_id", probeID, "error", err)
	}

	r.cfg.Broadcast.BroadcastToUser(r.cfg.Key.UserID,
		realtime.PointEvent(r.cfg.Key, point))

	devices := r.cfg.Correlator.SnapshotDevices(r.cfg.Key)
	median, threshold, _ := r.cfg.Correlator.GlobalStats(r.cfg.Key)
	r.cfg.Broadcast.BroadcastToUser(r.cfg.Key.UserID,
		realtime.SnapshotEvent(r.cfg.Key, models.SessionSnapshot{
			Devices:     devices,
			DeviceCount: len(devices),
			MedianMS:    median,
			ThresholdMS: threshold,
		}))

	if insights := r.cfg.Insights.Observe(r.cfg.Key, update.State, update.RTTMS); insights != nil {
		r.cfg.Broadcast.BroadcastToUser(r.cfg.Key.UserID,
			realtime.InsightsEvent(r.cfg.Key, *insights))
	}

	if update.DeviceID == models.PrimaryDeviceID && r.cfg.Notify != nil {
		r.cfg.Notify(point)
	}
}

// sleep pauses for d or until ctx is cancelled; reports whether the
// full pause elapsed.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.cfg.Clock.After(d):
		return true
	}
}
