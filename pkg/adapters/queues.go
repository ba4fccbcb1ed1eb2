package adapters

import (
	"log/slog"
	"sync"

	"github.com/quietwire/pingmark/pkg/models"
)

// QueueKey scopes a receipt queue to one tracked contact of one user.
type QueueKey struct {
	UserID    int64
	ContactID int64
}

// ReceiptQueues holds the per-session bounded receipt queues a
// platform's receive engine publishes into. Publishing never blocks:
// a full queue drops the receipt and logs. The runner is the intended
// bottleneck; backlog beyond the cap carries no value.
type ReceiptQueues struct {
	mu     sync.Mutex
	cap    int
	queues map[QueueKey]chan models.Receipt
	logger *slog.Logger
}

// NewReceiptQueues creates a queue registry with the given per-queue
// capacity.
func NewReceiptQueues(capacity int, logger *slog.Logger) *ReceiptQueues {
	return &ReceiptQueues{
		cap:    capacity,
		queues: make(map[QueueKey]chan models.Receipt),
		logger: logger,
	}
}

// Subscribe returns the session's receipt channel, creating it on first
// use. Repeated calls for the same key return the same channel.
func (q *ReceiptQueues) Subscribe(key QueueKey) <-chan models.Receipt {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[key]
	if !ok {
		ch = make(chan models.Receipt, q.cap)
		q.queues[key] = ch
	}
	return ch
}

// Unsubscribe removes and closes the session's queue.
func (q *ReceiptQueues) Unsubscribe(key QueueKey) {
	q.mu.Lock()
	ch, ok := q.queues[key]
	if ok {
		delete(q.queues, key)
	}
	q.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish delivers a receipt to the session's queue if one exists.
// Non-blocking: overflow drops the receipt with a warning.
func (q *ReceiptQueues) Publish(key QueueKey, r models.Receipt) {
	// The send stays under the lock so Unsubscribe cannot close the
	// channel mid-publish. It never blocks, so the hold is brief.
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[key]
	if !ok {
		return
	}

	select {
	case ch <- r:
	default:
		q.logger.Warn("Receipt queue full, dropping receipt",
			"user_id", key.UserID,
			"contact_id", key.ContactID,
			"probe_id", r.ProbeID)
	}
}

// Close closes every queue. Used at shutdown.
func (q *ReceiptQueues) Close() {
	q.mu.Lock()
	queues := q.queues
	q.queues = make(map[QueueKey]chan models.Receipt)
	q.mu.Unlock()
	for _, ch := range queues {
		close(ch)
	}
}
