package signal

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/quietwire/pingmark/pkg/adapters"
	"github.com/quietwire/pingmark/pkg/config"
	"github.com/quietwire/pingmark/pkg/models"
	"github.com/quietwire/pingmark/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIndex is an in-memory probe index keyed by platform_message_ts.
type fakeIndex struct {
	mu        sync.Mutex
	byTS      map[int64]*models.Probe
	delivered map[string]int64
	read      map[string]int64
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		byTS:      make(map[int64]*models.Probe),
		delivered: make(map[string]int64),
		read:      make(map[string]int64),
	}
}

func (f *fakeIndex) add(ts int64, probe *models.Probe) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byTS[ts] = probe
}

func (f *fakeIndex) FindByPlatformTS(ctx context.Context, platform string, ts int64) (*models.Probe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.byTS[ts]; ok {
		return p, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeIndex) MarkDelivered(ctx context.Context, probeID string, ms int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.delivered[probeID]; !ok {
		f.delivered[probeID] = ms
	}
	return nil
}

func (f *fakeIndex) MarkRead(ctx context.Context, probeID string, ms int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.read[probeID]; !ok {
		f.read[probeID] = ms
	}
	return nil
}

func newTestService(index ProbeIndex) *Service {
	return NewService(
		&config.SignalConfig{Enabled: true, Account: "+4915100000000", RESTBase: "http://localhost:8090"},
		config.DefaultTrackingConfig(),
		index,
		slog.Default(),
	)
}

func TestNormalizeMS(t *testing.T) {
	assert.Equal(t, int64(1_700_000_000_000), NormalizeMS(1_700_000_000))
	assert.Equal(t, int64(1_700_000_000_123), NormalizeMS(1_700_000_000_123))
	assert.Zero(t, NormalizeMS(0))
}

func TestTimestampCandidates(t *testing.T) {
	// Seconds: raw, x1000 (which equals the normalized form).
	assert.Equal(t, []int64{1_700_000_000, 1_700_000_000_000},
		TimestampCandidates(1_700_000_000))

	// Milliseconds: raw plus the over-multiplied guess.
	assert.Equal(t, []int64{1_700_000_000_123, 1_700_000_000_123_000},
		TimestampCandidates(1_700_000_000_123))

	assert.Empty(t, TimestampCandidates(0))
}

func TestDeviceID(t *testing.T) {
	assert.Equal(t, models.PrimaryDeviceID, DeviceID(0))
	assert.Equal(t, models.PrimaryDeviceID, DeviceID(1))
	assert.Equal(t, "device-2", DeviceID(2))
}

func TestHandleFrameDeliveryReceipt(t *testing.T) {
	index := newFakeIndex()
	index.add(1_700_000_000_123, &models.Probe{
		UserID: 1, ContactID: 7, ProbeID: "abc", Platform: models.PlatformSignal,
	})
	s := newTestService(index)

	ch := s.Subscribe(adapters.QueueKey{UserID: 1, ContactID: 7})
	s.handleFrame([]byte(`{
		"envelope": {
			"sourceDevice": 1,
			"receiptMessage": {
				"when": 1700000000999,
				"timestamps": [1700000000123],
				"isDelivery": true,
				"isRead": false
			}
		}
	}`))

	select {
	case r := <-ch:
		assert.Equal(t, "abc", r.ProbeID)
		assert.Equal(t, models.PrimaryDeviceID, r.DeviceID)
		assert.Equal(t, "delivered", r.Status)
		assert.Equal(t, int64(1_700_000_000_999), r.ReceivedAtMS)
	case <-time.After(time.Second):
		t.Fatal("no receipt published")
	}
	assert.Equal(t, int64(1_700_000_000_999), index.delivered["abc"])
}

func TestHandleFrameSecondsTimestampResolved(t *testing.T) {
	index := newFakeIndex()
	index.add(1_700_000_000_000, &models.Probe{
		UserID: 1, ContactID: 7, ProbeID: "abc", Platform: models.PlatformSignal,
	})
	s := newTestService(index)

	ch := s.Subscribe(adapters.QueueKey{UserID: 1, ContactID: 7})
	s.handleFrame([]byte(`{
		"envelope": {
			"receiptMessage": {
				"when": 1700000001,
				"timestamps": [1700000000],
				"isDelivery": true
			}
		}
	}`))

	select {
	case r := <-ch:
		assert.Equal(t, "abc", r.ProbeID)
		// The when field was in seconds and got normalized.
		assert.Equal(t, int64(1_700_000_001_000), r.ReceivedAtMS)
	case <-time.After(time.Second):
		t.Fatal("no receipt published")
	}
}

func TestHandleFrameReadReceiptFromLinkedDevice(t *testing.T) {
	index := newFakeIndex()
	index.add(1_700_000_000_123, &models.Probe{
		UserID: 1, ContactID: 7, ProbeID: "abc", Platform: models.PlatformSignal,
	})
	s := newTestService(index)

	ch := s.Subscribe(adapters.QueueKey{UserID: 1, ContactID: 7})
	s.handleFrame([]byte(`{
		"envelope": {
			"sourceDevice": 3,
			"receiptMessage": {
				"when": 1700000000999,
				"timestamps": [1700000000123],
				"isRead": true
			}
		}
	}`))

	select {
	case r := <-ch:
		assert.Equal(t, "read", r.Status)
		assert.Equal(t, "device-3", r.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("no receipt published")
	}
	assert.Equal(t, int64(1_700_000_000_999), index.read["abc"])
	assert.Empty(t, index.delivered)
}

func TestHandleFrameIgnoresNonReceipts(t *testing.T) {
	index := newFakeIndex()
	s := newTestService(index)

	ch := s.Subscribe(adapters.QueueKey{UserID: 1, ContactID: 7})

	s.handleFrame([]byte(`not json`))
	s.handleFrame([]byte(`{"envelope": {"dataMessage": {"message": "hello"}}}`))
	s.handleFrame([]byte(`{"envelope": {"receiptMessage": {"when": 1, "timestamps": [2]}}}`))

	select {
	case r := <-ch:
		t.Fatalf("unexpected receipt %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleFrameUnknownTimestampDropped(t *testing.T) {
	index := newFakeIndex()
	s := newTestService(index)

	ch := s.Subscribe(adapters.QueueKey{UserID: 1, ContactID: 7})
	s.handleFrame([]byte(`{
		"envelope": {
			"receiptMessage": {
				"when": 1700000000999,
				"timestamps": [42],
				"isDelivery": true
			}
		}
	}`))

	select {
	case r := <-ch:
		t.Fatalf("unexpected receipt %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExtractMessageTS(t *testing.T) {
	assert.Equal(t, int64(1700000000123),
		ExtractMessageTS([]byte(`{"timestamp": 1700000000123}`)))
	assert.Equal(t, int64(1700000000123),
		ExtractMessageTS([]byte(`{"results": [{"sentTimestamp": 1700000000123}]}`)))
	assert.Zero(t, ExtractMessageTS([]byte(`{"results": []}`)))
	assert.Zero(t, ExtractMessageTS([]byte(`garbage`)))
}

func TestServiceRequiresAccountWhenEnabled(t *testing.T) {
	s := NewService(
		&config.SignalConfig{Enabled: true},
		config.DefaultTrackingConfig(),
		newFakeIndex(),
		slog.Default(),
	)
	require.Error(t, s.Start(context.Background()))
}

func TestServiceDisabledStartIsNoop(t *testing.T) {
	s := NewService(
		&config.SignalConfig{Enabled: false},
		config.DefaultTrackingConfig(),
		newFakeIndex(),
		slog.Default(),
	)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestLookupAdapterCloseKeepsSessionStream(t *testing.T) {
	index := newFakeIndex()
	index.add(1_700_000_000_123, &models.Probe{
		UserID: 1, ContactID: 7, ProbeID: "abc", Platform: models.PlatformSignal,
	})
	s := newTestService(index)
	contact := &models.Contact{ID: 7, UserID: 1, Platform: models.PlatformSignal, Target: "+4915112345678"}

	session := NewAdapter(nil, s, contact)
	receipts, err := session.Receipts(context.Background())
	require.NoError(t, err)

	// Profile/presence lookups build a second short-lived adapter for
	// the same contact and close it without ever consuming receipts.
	lookup := NewAdapter(nil, s, contact)
	require.NoError(t, lookup.Close())

	s.handleFrame([]byte(`{
		"envelope": {
			"sourceDevice": 1,
			"receiptMessage": {
				"when": 1700000000999,
				"timestamps": [1700000000123],
				"isDelivery": true,
				"isRead": false
			}
		}
	}`))

	select {
	case r, ok := <-receipts:
		require.True(t, ok, "session receipt stream was closed")
		assert.Equal(t, "abc", r.ProbeID)
	case <-time.After(time.Second):
		t.Fatal("receipt lost after lookup adapter closed")
	}

	require.NoError(t, session.Close())
}
