package adapters

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/quietwire/pingmark/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockEntry() Entry {
	return Entry{
		Factory: func(contact *models.Contact) (Adapter, error) {
			return NewMockAdapter(), nil
		},
	}
}

func TestRegistryCreateAndSupports(t *testing.T) {
	r := NewRegistry()
	r.Register(models.PlatformMock, mockEntry())

	assert.True(t, r.Supports(models.PlatformMock))
	assert.False(t, r.Supports(models.PlatformSignal))
	assert.Equal(t, []string{models.PlatformMock}, r.Platforms())

	a, err := r.Create(models.PlatformMock, &models.Contact{ID: 1, UserID: 1})
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NoError(t, a.Close())

	_, err = r.Create("carrier-pigeon", &models.Contact{})
	assert.Error(t, err)
}

func TestRegistryLifecycleHooks(t *testing.T) {
	r := NewRegistry()
	var started, stopped bool
	r.Register(models.PlatformMock, Entry{
		Factory:  mockEntry().Factory,
		StartAll: func(ctx context.Context) error { started = true; return nil },
		StopAll:  func() { stopped = true },
	})

	require.NoError(t, r.StartAll(context.Background()))
	r.StopAll()
	assert.True(t, started)
	assert.True(t, stopped)
}

func TestReceiptQueuesPublishSubscribe(t *testing.T) {
	q := NewReceiptQueues(4, slog.Default())
	key := QueueKey{UserID: 1, ContactID: 7}

	ch := q.Subscribe(key)
	q.Publish(key, models.Receipt{ProbeID: "p1"})

	select {
	case r := <-ch:
		assert.Equal(t, "p1", r.ProbeID)
	case <-time.After(time.Second):
		t.Fatal("receipt not delivered")
	}
}

func TestReceiptQueuesPublishWithoutSubscriberIsDropped(t *testing.T) {
	q := NewReceiptQueues(4, slog.Default())
	q.Publish(QueueKey{UserID: 9, ContactID: 9}, models.Receipt{ProbeID: "p1"})
}

func TestReceiptQueuesOverflowDrops(t *testing.T) {
	q := NewReceiptQueues(2, slog.Default())
	key := QueueKey{UserID: 1, ContactID: 7}
	ch := q.Subscribe(key)

	for i := 0; i < 5; i++ {
		q.Publish(key, models.Receipt{ProbeID: "p"})
	}
	// Only the capacity's worth of receipts survived.
	assert.Len(t, ch, 2)
}

func TestReceiptQueuesUnsubscribeCloses(t *testing.T) {
	q := NewReceiptQueues(4, slog.Default())
	key := QueueKey{UserID: 1, ContactID: 7}
	ch := q.Subscribe(key)

	q.Unsubscribe(key)

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	q.Publish(key, models.Receipt{ProbeID: "p1"})
}

func TestMockAdapterDeliversReceipts(t *testing.T) {
	a := NewMockAdapter()
	a.MinDelay = time.Millisecond
	a.MaxDelay = 5 * time.Millisecond
	a.DropRate = 0
	t.Cleanup(func() { _ = a.Close() })

	receipts, err := a.Receipts(context.Background())
	require.NoError(t, err)

	res, err := a.SendProbe(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.ProbeID, 32)
	assert.Positive(t, res.SentAtMS)

	select {
	case r := <-receipts:
		assert.Equal(t, res.ProbeID, r.ProbeID)
		assert.Equal(t, models.PrimaryDeviceID, r.DeviceID)
		assert.Equal(t, "delivered", r.Status)
		assert.GreaterOrEqual(t, r.ReceivedAtMS, res.SentAtMS)
	case <-time.After(time.Second):
		t.Fatal("mock receipt never arrived")
	}
}

func TestMockAdapterDropsEverythingAtFullRate(t *testing.T) {
	a := NewMockAdapter()
	a.MinDelay = time.Millisecond
	a.MaxDelay = 2 * time.Millisecond
	a.DropRate = 1.0
	t.Cleanup(func() { _ = a.Close() })

	receipts, err := a.Receipts(context.Background())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := a.SendProbe(context.Background())
		require.NoError(t, err)
	}

	select {
	case r := <-receipts:
		t.Fatalf("unexpected receipt %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMockAdapterCloseIsIdempotent(t *testing.T) {
	a := NewMockAdapter()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestProbeIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewProbeID()
		require.Len(t, id, 32)
		require.False(t, seen[id])
		seen[id] = true
	}
}
