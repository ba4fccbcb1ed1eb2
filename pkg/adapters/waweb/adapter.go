package waweb

import (
	"context"
	"fmt"
	"time"

	"github.com/quietwire/pingmark/pkg/adapters"
	"github.com/quietwire/pingmark/pkg/models"
)

// Adapter is the per-contact bridge transport handle. It implements the
// optional profile and presence capabilities: the bridge is the only
// platform that exposes them.
type Adapter struct {
	client     *Client
	service    *Service
	contact    *models.Contact
	key        adapters.QueueKey
	subscribed bool
}

// NewAdapter binds an adapter to one contact.
func NewAdapter(client *Client, service *Service, contact *models.Contact) *Adapter {
	return &Adapter{
		client:  client,
		service: service,
		contact: contact,
		key:     adapters.QueueKey{UserID: contact.UserID, ContactID: contact.ID},
	}
}

// SendProbe sends one probe message. The bridge reports no message
// timestamp, so sent_at_ms doubles as platform_message_ts.
func (a *Adapter) SendProbe(ctx context.Context) (models.SendResult, error) {
	probeID := adapters.NewProbeID()
	message := fmt.Sprintf("[probe:%s] ping", probeID)

	messageID, raw, err := a.client.SendText(ctx, a.contact.Target, message)
	if err != nil {
		return models.SendResult{}, fmt.Errorf("failed to send bridge probe: %w", err)
	}

	sentAt := time.Now().UnixMilli()
	return models.SendResult{
		ProbeID:           probeID,
		SentAtMS:          sentAt,
		PlatformMessageID: messageID,
		PlatformMessageTS: sentAt,
		SendResponse:      raw,
	}, nil
}

// Receipts returns the session's receipt stream.
func (a *Adapter) Receipts(ctx context.Context) (<-chan models.Receipt, error) {
	a.subscribed = true
	return a.service.Subscribe(a.key), nil
}

// GetProfile fetches display data from the bridge.
func (a *Adapter) GetProfile(ctx context.Context) (*models.Profile, error) {
	return a.client.GetProfile(ctx, a.contact.Target)
}

// GetPresence queries the bridge's presence signal.
func (a *Adapter) GetPresence(ctx context.Context) (string, error) {
	return a.client.GetPresence(ctx, a.contact.Target)
}

// Close releases the session queue, but only when Receipts opened one.
// Profile and presence lookups build short-lived adapters for contacts
// that may be under live tracking; closing those must leave the
// session's stream alone. Idempotent.
func (a *Adapter) Close() error {
	if a.subscribed {
		a.service.Unsubscribe(a.key)
	}
	return nil
}
