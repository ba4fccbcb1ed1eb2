package waweb

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/quietwire/pingmark/pkg/adapters"
	"github.com/quietwire/pingmark/pkg/config"
	"github.com/quietwire/pingmark/pkg/models"
)

// ProbeIndex is the durable probe lookup bridge updates resolve against.
type ProbeIndex interface {
	FindByPlatformMessageID(ctx context.Context, platform, messageID string) (*models.Probe, error)
	MarkDelivered(ctx context.Context, probeID string, deliveredAtMS int64) error
}

// Service owns the bridge events websocket and the per-session receipt
// queues.
type Service struct {
	cfg      *config.WhatsAppWebConfig
	tracking *config.TrackingConfig
	probes   ProbeIndex
	queues   *adapters.ReceiptQueues
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService builds the bridge receipt service.
func NewService(cfg *config.WhatsAppWebConfig, tracking *config.TrackingConfig, probes ProbeIndex, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		tracking: tracking,
		probes:   probes,
		queues:   adapters.NewReceiptQueues(tracking.QueueCap, logger.With("component", "waweb")),
		logger:   logger.With("component", "waweb"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the events consumer when the bridge is enabled.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("WhatsApp Web bridge disabled")
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.receiveLoop()
	}()
	return nil
}

// Stop shuts the consumer down and closes all session queues.
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

		s.consumeWebsocket(bo)

		if !s.sleep(bo.NextBackOff()) {
			return
		}
	}
}

func (s *Service) consumeWebsocket(bo *backoff.ExponentialBackOff) {
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
	conn, _, err := websocket.Dial(dialCtx, s.cfg.EventsURL(), nil)
	dialCancel()
	if err != nil {
		s.logger.Warn("Bridge websocket dial failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	s.logger.Info("Bridge events websocket connected")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("Bridge websocket disconnected", "error", err)
			}
			return
		}
		bo.Reset()
		s.handleFrame(data)
	}
}

type updateFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	TS        int64  `json:"ts"`
}

// handleFrame processes one bridge frame. Every wa:update counts as a
// delivery; the bridge does not distinguish ack levels yet.
func (s *Service) handleFrame(data []byte) {
	var frame updateFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	if frame.Type != "wa:update" || frame.MessageID == "" {
		return
	}

	whenMS := frame.TS
	if whenMS == 0 {
		whenMS = time.Now().UnixMilli()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	probe, err := s.probes.FindByPlatformMessageID(ctx, models.PlatformWhatsAppWeb, frame.MessageID)
	if err != nil || probe == nil {
		return
	}

	if err := s.probes.MarkDelivered(ctx, probe.ProbeID, whenMS); err != nil {
		s.logger.Warn("Failed to persist delivery time",
			"probe_id", probe.ProbeID, "error", err)
	}

	s.queues.Publish(
		adapters.QueueKey{UserID: probe.UserID, ContactID: probe.ContactID},
		models.Receipt{
			ProbeID:           probe.ProbeID,
			DeviceID:          models.PrimaryDeviceID,
			ReceivedAtMS:      whenMS,
			Status:            "delivered",
			PlatformMessageID: frame.MessageID,
		})
}

func (s *Service) sleep(d time.Duration) bool {
	select {
	case <-s.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
