package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/quietwire/pingmark/pkg/models"
)

// RunFunc is the body of a supervised session. It runs until its
// context is cancelled or the work finishes on its own.
type RunFunc func(ctx context.Context) error

// sessionHandle tracks one running session task.
type sessionHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor guarantees at most one active runner per session key.
// Starting over an existing key cancels and awaits the old runner
// before the new one launches.
type Supervisor struct {
	mu       sync.Mutex
	logger   *slog.Logger
	baseCtx  context.Context
	sessions map[models.SessionKey]*sessionHandle
}

// NewSupervisor builds a supervisor. Runners inherit baseCtx, so
// cancelling it stops everything.
func NewSupervisor(baseCtx context.Context, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		logger:   logger.With("component", "supervisor"),
		baseCtx:  baseCtx,
		sessions: make(map[models.SessionKey]*sessionHandle),
	}
}

// Start launches run under the given key, replacing any existing runner
// for the key. The replacement fully awaits the old runner first.
func (s *Supervisor) Start(key models.SessionKey, run RunFunc) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	handle := &sessionHandle{cancel: cancel, done: make(chan struct{})}

	// Claim the slot before awaiting the old runner. Two concurrent
	// Starts for one key would otherwise both see an empty slot and
	// launch duplicate runners; with the claim in place the later call
	// finds the earlier handle and cancels it. The await happens
	// without the map lock: the old runner's shutdown path may call
	// back into the supervisor.
	s.mu.Lock()
	old := s.sessions[key]
	s.sessions[key] = handle
	s.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	log := s.logger.With(
		"user_id", key.UserID,
		"contact_id", key.ContactID,
		"platform", key.Platform)
	log.Info("Session started")

	go func() {
		defer close(handle.done)
		defer cancel()

		err := run(ctx)

		// Remove the entry before announcing the stop so a follow-up
		// is_running call reflects reality. Identity-guarded: a
		// replacement may already own the slot.
		s.mu.Lock()
		if s.sessions[key] == handle {
			delete(s.sessions, key)
		}
		s.mu.Unlock()

		switch {
		case err != nil && ctx.Err() == nil:
			log.Error("Session crashed", "error", err)
		case ctx.Err() != nil:
			log.Info("Session stopped", "reason", "stopped")
		default:
			log.Info("Session stopped", "reason", "finished")
		}
	}()
}

// Stop cancels the runner for key and waits for it to exit. No-op when
// nothing is running.
func (s *Supervisor) Stop(key models.SessionKey) {
	if handle := s.take(key); handle != nil {
		handle.cancel()
		<-handle.done
	}
}

// StopAllForContact stops every platform runner of one contact.
func (s *Supervisor) StopAllForContact(userID, contactID int64) {
	s.mu.Lock()
	keys := make([]models.SessionKey, 0, 2)
	for key := range s.sessions {
		if key.UserID == userID && key.ContactID == contactID {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.Stop(key)
	}
}

// StopAll stops every runner. Used at shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	keys := make([]models.SessionKey, 0, len(s.sessions))
	for key := range s.sessions {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.Stop(key)
	}
}

// IsRunning reports whether a live runner exists for key. Finished
// entries are pruned opportunistically.
func (s *Supervisor) IsRunning(key models.SessionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, ok := s.sessions[key]
	if !ok {
		return false
	}
	select {
	case <-handle.done:
		if s.sessions[key] == handle {
			delete(s.sessions, key)
		}
		return false
	default:
		return true
	}
}

// ListRunning returns contact_id → platforms for one user's live runners.
func (s *Supervisor) ListRunning(userID int64) map[int64][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int64][]string)
	for key, handle := range s.sessions {
		if key.UserID != userID {
			continue
		}
		select {
		case <-handle.done:
			continue
		default:
		}
		out[key.ContactID] = append(out[key.ContactID], key.Platform)
	}
	return out
}

// take removes and returns the handle for key, or nil.
func (s *Supervisor) take(key models.SessionKey) *sessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
	}
	return handle
}
