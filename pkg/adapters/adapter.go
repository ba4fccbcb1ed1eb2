// Package adapters defines the platform transport contract and the
// registry that maps platform names to adapter factories.
package adapters

import (
	"context"

	"github.com/quietwire/pingmark/pkg/models"
)

// Adapter is a per-(user, contact) transport handle for one platform.
//
// SendProbe must be at-least-once safe: retried probes carry fresh
// probe ids. Receipts returns a stream scoped to this session; the
// channel closes when the adapter is closed or the platform feed ends,
// and is restartable only by recreating the adapter. Close is
// idempotent and releases all per-session resources.
type Adapter interface {
	SendProbe(ctx context.Context) (models.SendResult, error)
	Receipts(ctx context.Context) (<-chan models.Receipt, error)
	Close() error
}

// ProfileFetcher is implemented by adapters that can look up display
// data for their contact.
type ProfileFetcher interface {
	GetProfile(ctx context.Context) (*models.Profile, error)
}

// PresenceFetcher is implemented by adapters that can query the
// platform's own presence signal for their contact.
type PresenceFetcher interface {
	GetPresence(ctx context.Context) (string, error)
}
