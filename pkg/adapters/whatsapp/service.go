package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/quietwire/pingmark/pkg/adapters"
	"github.com/quietwire/pingmark/pkg/config"
	"github.com/quietwire/pingmark/pkg/models"
)

// ProbeIndex is the durable probe lookup webhook statuses resolve
// against.
type ProbeIndex interface {
	FindByPlatformMessageID(ctx context.Context, platform, messageID string) (*models.Probe, error)
	MarkDelivered(ctx context.Context, probeID string, deliveredAtMS int64) error
	MarkRead(ctx context.Context, probeID string, readAtMS int64) error
}

// Service holds the per-session receipt queues for WhatsApp Cloud.
// Receipt intake is webhook-driven: the webhook handler verifies the
// payload and hands it to HandleEventPayload.
type Service struct {
	cfg    *config.WhatsAppConfig
	probes ProbeIndex
	queues *adapters.ReceiptQueues
	logger *slog.Logger
}

// NewService builds the WhatsApp receipt service.
func NewService(cfg *config.WhatsAppConfig, tracking *config.TrackingConfig, probes ProbeIndex, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		probes: probes,
		queues: adapters.NewReceiptQueues(tracking.QueueCap, logger.With("component", "whatsapp")),
		logger: logger.With("component", "whatsapp"),
	}
}

// Start is a lifecycle no-op: intake is webhook-driven.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Enabled {
		s.logger.Info("WhatsApp service ready")
	}
	return nil
}

// Stop closes all session queues.
func (s *Service) Stop() {
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

// VerifyToken answers Meta's webhook subscription handshake. Returns
// the challenge to echo and whether verification passed.
func (s *Service) VerifyToken(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || token == "" || s.cfg.VerifyToken == "" || token != s.cfg.VerifyToken {
		return "", false
	}
	return challenge, true
}

// ValidateSignature checks the X-Hub-Signature-256 header against the
// raw webhook body. Constant-time compare; an unconfigured app secret
// rejects everything rather than accepting unsigned payloads.
func (s *Service) ValidateSignature(rawBody []byte, header string) bool {
	if s.cfg.AppSecret == "" {
		return false
	}
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, "sha256="))

	mac := hmac.New(sha256.New, []byte(s.cfg.AppSecret))
	mac.Write(rawBody)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(got))
}

type webhookStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Statuses []webhookStatus `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// HandleEventPayload walks entry[].changes[].value.statuses[] of a
// verified webhook body and processes each status update. Unknown
// message ids and irrelevant statuses are skipped; the webhook always
// succeeds once the signature checked out.
func (s *Service) HandleEventPayload(ctx context.Context, rawBody []byte) error {
	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return err
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, status := range change.Value.Statuses {
				s.handleStatus(ctx, status)
			}
		}
	}
	return nil
}

// handleStatus resolves one status update to its probe, persists the
// delivery/read time, and publishes the receipt.
func (s *Service) handleStatus(ctx context.Context, status webhookStatus) {
	if status.ID == "" {
		return
	}
	if status.Status != "delivered" && status.Status != "read" {
		return
	}

	seconds, err := strconv.ParseInt(status.Timestamp, 10, 64)
	if err != nil || seconds <= 0 {
		return
	}
	whenMS := seconds * 1000

	probe, err := s.probes.FindByPlatformMessageID(ctx, models.PlatformWhatsApp, status.ID)
	if err != nil || probe == nil {
		return
	}

	if status.Status == "delivered" {
		err = s.probes.MarkDelivered(ctx, probe.ProbeID, whenMS)
	} else {
		err = s.probes.MarkRead(ctx, probe.ProbeID, whenMS)
	}
	if err != nil {
		s.logger.Warn("Failed to persist receipt time",
			"probe_id", probe.ProbeID, "status", status.Status, "error", err)
	}

	s.queues.Publish(
		adapters.QueueKey{UserID: probe.UserID, ContactID: probe.ContactID},
		models.Receipt{
			ProbeID:           probe.ProbeID,
			DeviceID:          models.PrimaryDeviceID,
			ReceivedAtMS:      whenMS,
			Status:            status.Status,
			PlatformMessageID: status.ID,
		})
}
