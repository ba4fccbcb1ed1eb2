package adapters

import (
	"context"
	"encoding/hex"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quietwire/pingmark/pkg/models"
)

// MockAdapter simulates a platform with delivery receipts. Sends return
// immediately; a receipt arrives after a random delay, or never for a
// small fraction of probes so timeout paths get exercised.
type MockAdapter struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	DropRate float64
	DeviceID string

	receipts chan models.Receipt
	closed   chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewMockAdapter creates a mock adapter with the default 80-800 ms
// delivery delay and 5% drop rate.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		MinDelay: 80 * time.Millisecond,
		MaxDelay: 800 * time.Millisecond,
		DropRate: 0.05,
		DeviceID: models.PrimaryDeviceID,
		receipts: make(chan models.Receipt, 64),
		closed:   make(chan struct{}),
	}
}

// SendProbe hands out a fresh probe id and schedules its simulated
// receipt.
func (a *MockAdapter) SendProbe(ctx context.Context) (models.SendResult, error) {
	probeID := NewProbeID()
	sentAt := time.Now().UnixMilli()

	a.wg.Add(1)
	go a.simulateReceipt(probeID)

	return models.SendResult{ProbeID: probeID, SentAtMS: sentAt}, nil
}

// Receipts returns the simulated receipt stream.
func (a *MockAdapter) Receipts(ctx context.Context) (<-chan models.Receipt, error) {
	return a.receipts, nil
}

// Close stops the simulation and closes the receipt stream. Idempotent.
func (a *MockAdapter) Close() error {
	a.once.Do(func() {
		close(a.closed)
		a.wg.Wait()
		close(a.receipts)
	})
	return nil
}

func (a *MockAdapter) simulateReceipt(probeID string) {
	defer a.wg.Done()

	if rand.Float64() < a.DropRate {
		return
	}

	delay := a.MinDelay
	if span := a.MaxDelay - a.MinDelay; span > 0 {
		delay += time.Duration(rand.Int64N(int64(span)))
	}

	select {
	case <-a.closed:
		return
	case <-time.After(delay):
	}

	r := models.Receipt{
		ProbeID:      probeID,
		DeviceID:     a.DeviceID,
		ReceivedAtMS: time.Now().UnixMilli(),
		Status:       "delivered",
	}
	select {
	case <-a.closed:
	case a.receipts <- r:
	}
}

// NewProbeID returns a fresh 32-char hex probe identifier.
func NewProbeID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
