package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/quietwire/pingmark/pkg/adapters"
	"github.com/quietwire/pingmark/pkg/models"
)

// Adapter is the per-contact Signal transport handle. Sends go through
// the REST client; receipts come from the shared service's per-session
// queue.
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

// SendProbe sends one probe message and extracts the gateway's message
// timestamp so receipts can be matched back later.
func (a *Adapter) SendProbe(ctx context.Context) (models.SendResult, error) {
	probeID := adapters.NewProbeID()
	message := fmt.Sprintf("[probe:%s] ping", probeID)

	raw, err := a.client.SendText(ctx, a.contact.Target, message)
	if err != nil {
		return models.SendResult{}, fmt.Errorf("failed to send signal probe: %w", err)
	}

	return models.SendResult{
		ProbeID:           probeID,
		SentAtMS:          time.Now().UnixMilli(),
		PlatformMessageTS: ExtractMessageTS(raw),
		SendResponse:      raw,
	}, nil
}

// Receipts returns the session's receipt stream. Signal surfaces both
// delivered and read receipts as ACKs: some installs never emit
// delivery receipts at all.
func (a *Adapter) Receipts(ctx context.Context) (<-chan models.Receipt, error) {
	a.subscribed = true
	return a.service.Subscribe(a.key), nil
}

// Close releases the session queue, but only when Receipts opened one.
// Short-lived adapters built for profile or presence lookups must not
// tear down a live session's stream for the same contact. Idempotent.
func (a *Adapter) Close() error {
	if a.subscribed {
		a.service.Unsubscribe(a.key)
	}
	return nil
}
