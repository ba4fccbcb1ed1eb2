package whatsapp

import (
	"context"
	"fmt"
	"time"

	"github.com/quietwire/pingmark/pkg/adapters"
	"github.com/quietwire/pingmark/pkg/models"
)

// Adapter is the per-contact WhatsApp Cloud transport handle.
type Adapter struct {
	client   *Client
	service  *Service
	contact  *models.Contact
	key      adapters.QueueKey
	upstream <-chan models.Receipt
	out      chan models.Receipt
	done     chan struct{}
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

// SendProbe sends one probe message; the returned wamid keys webhook
// statuses back to this probe.
func (a *Adapter) SendProbe(ctx context.Context) (models.SendResult, error) {
	probeID := adapters.NewProbeID()
	message := fmt.Sprintf("[probe:%s] ping", probeID)

	raw, err := a.client.SendText(ctx, a.contact.Target, message)
	if err != nil {
		return models.SendResult{}, fmt.Errorf("failed to send whatsapp probe: %w", err)
	}

	return models.SendResult{
		ProbeID:           probeID,
		SentAtMS:          time.Now().UnixMilli(),
		PlatformMessageID: ExtractMessageID(raw),
		SendResponse:      raw,
	}, nil
}

// Receipts returns the session's receipt stream. Only delivered
// statuses count as ACKs for RTT; read receipts depend on the peer's
// privacy settings and arrive far behind the delivery.
func (a *Adapter) Receipts(ctx context.Context) (<-chan models.Receipt, error) {
	a.upstream = a.service.Subscribe(a.key)
	a.out = make(chan models.Receipt)
	a.done = make(chan struct{})

	go func() {
		defer close(a.out)
		for {
			select {
			case <-a.done:
				return
			case <-ctx.Done():
				return
			case r, ok := <-a.upstream:
				if !ok {
					return
				}
				if r.Status != "delivered" {
					continue
				}
				select {
				case a.out <- r:
				case <-a.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return a.out, nil
}

// Close releases the session queue, but only when Receipts opened one.
// A short-lived adapter that never consumed receipts must not close the
// queue a live session for the same contact is ranging over. Idempotent.
func (a *Adapter) Close() error {
	if a.done != nil {
		select {
		case <-a.done:
		default:
			close(a.done)
		}
	}
	if a.upstream != nil {
		a.service.Unsubscribe(a.key)
	}
	return nil
}
