package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/quietwire/pingmark/pkg/adapters"
	"github.com/quietwire/pingmark/pkg/config"
	"github.com/quietwire/pingmark/pkg/models"
)

// msThreshold separates second-resolution from millisecond-resolution
// timestamps: anything below it is treated as seconds.
const msThreshold = int64(1_000_000_000_000)

// ProbeIndex is the durable probe lookup the receive engine resolves
// receipts against.
type ProbeIndex interface {
	FindByPlatformTS(ctx context.Context, platform string, ts int64) (*models.Probe, error)
	MarkDelivered(ctx context.Context, probeID string, deliveredAtMS int64) error
	MarkRead(ctx context.Context, probeID string, readAtMS int64) error
}

// Service owns the platform-wide receive engine and the per-session
// receipt queues. One instance per process.
type Service struct {
	cfg      *config.SignalConfig
	tracking *config.TrackingConfig
	probes   ProbeIndex
	queues   *adapters.ReceiptQueues
	logger   *slog.Logger
	http     *http.Client

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService builds the Signal receipt service.
func NewService(cfg *config.SignalConfig, tracking *config.TrackingConfig, probes ProbeIndex, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		tracking: tracking,
		probes:   probes,
		queues:   adapters.NewReceiptQueues(tracking.QueueCap, logger.With("component", "signal")),
		logger:   logger.With("component", "signal"),
		http:     &http.Client{Timeout: 30 * time.Second},
		stopCh:   make(chan struct{}),
	}
}

// Start launches the receive engine. A disabled or account-less config
// logs and does nothing.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("Signal adapter disabled")
		return nil
	}
	if s.cfg.Account == "" {
		return fmt.Errorf("signal enabled but account is missing")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.receiveLoop()
	}()
	return nil
}

// Stop shuts the receive engine down and closes all session queues.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.queues.Close()
}

// Subscribe returns the receipt stream for one session.
func (s *Service) Subscribe(key adapters.QueueKey) <-chan models.Receipt {
	return s.queues.Subscribe(key)
}

// Unsubscribe drops one session's queue.
func (s *Service) Unsubscribe(key adapters.QueueKey) {
	s.queues.Unsubscribe(key)
}

// receiveLoop keeps a websocket to the gateway's receive endpoint open,
// falling back to HTTP polling of the same path when the handshake
// fails. Exponential back-off between attempts, reset after any
// successful read.
func (s *Service) receiveLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = s.tracking.BackoffMax
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.consumeWebsocket(bo); err != nil {
			s.logger.Warn("Signal websocket unavailable, polling instead", "error", err)
			if err := s.pollOnce(); err != nil {
				s.logger.Warn("Signal receive poll failed", "error", err)
			}
		}

		if !s.sleep(bo.NextBackOff()) {
			return
		}
	}
}

// consumeWebsocket dials the receive websocket and processes frames
// until the connection drops or the service stops.
func (s *Service) consumeWebsocket(bo *backoff.ExponentialBackOff) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, s.cfg.WSReceiveURL(), nil)
	dialCancel()
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	s.logger.Info("Signal receive websocket connected")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("Signal websocket disconnected", "error", err)
			return nil
		}
		bo.Reset()
		s.handleFrame(data)
	}
}

// pollOnce fetches queued envelopes over HTTP. The gateway's receive
// endpoint drains pending messages as a JSON array.
func (s *Service) pollOnce() error {
	req, err := http.NewRequest(http.MethodGet, s.cfg.ReceivePollURL(), nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("receive poll returned %d", resp.StatusCode)
	}

	var frames []json.RawMessage
	if err := json.Unmarshal(body, &frames); err != nil {
		return fmt.Errorf("failed to decode receive poll body: %w", err)
	}
	for _, frame := range frames {
		s.handleFrame(frame)
	}
	return nil
}

type receiptMessage struct {
	When       int64   `json:"when"`
	Timestamps []int64 `json:"timestamps"`
	IsDelivery bool    `json:"isDelivery"`
	IsRead     bool    `json:"isRead"`
}

type envelope struct {
	SourceDevice   int             `json:"sourceDevice"`
	ReceiptMessage *receiptMessage `json:"receiptMessage"`
}

type receiveFrame struct {
	Envelope *envelope `json:"envelope"`
}

// handleFrame processes one gateway frame; everything that is not a
// delivery or read receipt is ignored.
func (s *Service) handleFrame(data []byte) {
	var frame receiveFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	env := frame.Envelope
	if env == nil || env.ReceiptMessage == nil {
		return
	}
	receipt := env.ReceiptMessage

	var status string
	switch {
	case receipt.IsDelivery:
		status = "delivered"
	case receipt.IsRead:
		status = "read"
	default:
		return
	}

	whenMS := NormalizeMS(receipt.When)
	if whenMS == 0 {
		whenMS = time.Now().UnixMilli()
	}
	device := DeviceID(env.SourceDevice)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, ts := range receipt.Timestamps {
		probe := s.resolve(ctx, ts)
		if probe == nil {
			continue
		}

		var err error
		if status == "delivered" {
			err = s.probes.MarkDelivered(ctx, probe.ProbeID, whenMS)
		} else {
			err = s.probes.MarkRead(ctx, probe.ProbeID, whenMS)
		}
		if err != nil {
			s.logger.Warn("Failed to persist receipt time",
				"probe_id", probe.ProbeID, "status", status, "error", err)
		}

		s.queues.Publish(
			adapters.QueueKey{UserID: probe.UserID, ContactID: probe.ContactID},
			models.Receipt{
				ProbeID:      probe.ProbeID,
				DeviceID:     device,
				ReceivedAtMS: whenMS,
				Status:       status,
			})
	}
}

// resolve finds the probe a receipt timestamp refers to. Gateways are
// inconsistent about units, so the raw value, its ×1000, and the
// normalized form are all tried against the index.
func (s *Service) resolve(ctx context.Context, ts int64) *models.Probe {
	for _, candidate := range TimestampCandidates(ts) {
		probe, err := s.probes.FindByPlatformTS(ctx, models.PlatformSignal, candidate)
		if err == nil && probe != nil {
			return probe
		}
	}
	return nil
}

// sleep pauses for d or until the service stops.
func (s *Service) sleep(d time.Duration) bool {
	select {
	case <-s.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// NormalizeMS converts a timestamp to milliseconds, multiplying by 1000
// when the value looks like seconds.
func NormalizeMS(v int64) int64 {
	if v > 0 && v < msThreshold {
		return v * 1000
	}
	return v
}

// TimestampCandidates returns the plausible millisecond interpretations
// of a receipt timestamp, deduplicated, in resolution order.
func TimestampCandidates(ts int64) []int64 {
	candidates := []int64{ts, ts * 1000, NormalizeMS(ts)}
	out := candidates[:0]
	seen := make(map[int64]bool, len(candidates))
	for _, c := range candidates {
		if c <= 0 || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// DeviceID maps a gateway sourceDevice number to a device identifier.
// The first (or unreported) device is primary; linked devices get a
// stable synthetic id.
func DeviceID(sourceDevice int) string {
	if sourceDevice <= 1 {
		return models.PrimaryDeviceID
	}
	return fmt.Sprintf("device-%d", sourceDevice)
}
