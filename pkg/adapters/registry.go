package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/quietwire/pingmark/pkg/models"
)

// Factory builds a per-session adapter for one contact.
type Factory func(contact *models.Contact) (Adapter, error)

// Entry registers one platform: its factory plus optional
// platform-wide lifecycle hooks (long-lived receive engines).
type Entry struct {
	Factory  Factory
	StartAll func(ctx context.Context) error
	StopAll  func()
}

// Registry maps platform names to adapter factories.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds a platform. Re-registering a name replaces the entry.
func (r *Registry) Register(platform string, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[platform] = entry
}

// Supports reports whether a platform is registered.
func (r *Registry) Supports(platform string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[platform]
	return ok
}

// Platforms returns registered platform names, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds an adapter for a contact on the given platform.
func (r *Registry) Create(platform string, contact *models.Contact) (Adapter, error) {
	r.mu.RLock()
	entry, ok := r.entries[platform]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported platform %q", platform)
	}
	return entry.Factory(contact)
}

// StartAll runs every platform's start hook. Called once at process
// start; the first failure aborts.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for platform, entry := range r.entries {
		if entry.StartAll == nil {
			continue
		}
		if err := entry.StartAll(ctx); err != nil {
			return fmt.Errorf("failed to start %s adapter: %w", platform, err)
		}
	}
	return nil
}

// StopAll runs every platform's stop hook. Called once at shutdown.
func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.entries {
		if entry.StopAll != nil {
			entry.StopAll()
		}
	}
}
