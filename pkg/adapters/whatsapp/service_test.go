package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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

type fakeIndex struct {
	mu        sync.Mutex
	byMsgID   map[string]*models.Probe
	delivered map[string]int64
	read      map[string]int64
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		byMsgID:   make(map[string]*models.Probe),
		delivered: make(map[string]int64),
		read:      make(map[string]int64),
	}
}

func (f *fakeIndex) add(messageID string, probe *models.Probe) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byMsgID[messageID] = probe
}

func (f *fakeIndex) FindByPlatformMessageID(ctx context.Context, platform, messageID string) (*models.Probe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.byMsgID[messageID]; ok {
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
		&config.WhatsAppConfig{
			Enabled:       true,
			PhoneNumberID: "12345",
			AccessToken:   "token",
			VerifyToken:   "verify-me",
			AppSecret:     "app-secret",
		},
		config.DefaultTrackingConfig(),
		index,
		slog.Default(),
	)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyToken(t *testing.T) {
	s := newTestService(newFakeIndex())

	challenge, ok := s.VerifyToken("subscribe", "verify-me", "1158201444")
	require.True(t, ok)
	assert.Equal(t, "1158201444", challenge)

	_, ok = s.VerifyToken("subscribe", "wrong", "1158201444")
	assert.False(t, ok)
	_, ok = s.VerifyToken("unsubscribe", "verify-me", "1158201444")
	assert.False(t, ok)
	_, ok = s.VerifyToken("subscribe", "", "1158201444")
	assert.False(t, ok)
}

func TestValidateSignature(t *testing.T) {
	s := newTestService(newFakeIndex())
	body := []byte(`{"entry": []}`)

	assert.True(t, s.ValidateSignature(body, sign("app-secret", body)))
	assert.False(t, s.ValidateSignature(body, sign("other-secret", body)))
	assert.False(t, s.ValidateSignature(body, "sha256=deadbeef"))
	assert.False(t, s.ValidateSignature(body, "md5=whatever"))
	assert.False(t, s.ValidateSignature(body, ""))
}

func TestValidateSignatureRejectsWhenUnconfigured(t *testing.T) {
	s := NewService(
		&config.WhatsAppConfig{Enabled: true},
		config.DefaultTrackingConfig(),
		newFakeIndex(),
		slog.Default(),
	)
	body := []byte(`{}`)
	assert.False(t, s.ValidateSignature(body, sign("", body)))
}

const statusPayload = `{
	"entry": [{
		"changes": [{
			"value": {
				"statuses": [{
					"id": "wamid.abc",
					"status": "delivered",
					"timestamp": "1700000000"
				}]
			}
		}]
	}]
}`

func TestHandleEventPayloadDelivered(t *testing.T) {
	index := newFakeIndex()
	index.add("wamid.abc", &models.Probe{
		UserID: 1, ContactID: 7, ProbeID: "p1", Platform: models.PlatformWhatsApp,
	})
	s := newTestService(index)

	ch := s.Subscribe(adapters.QueueKey{UserID: 1, ContactID: 7})
	require.NoError(t, s.HandleEventPayload(context.Background(), []byte(statusPayload)))

	select {
	case r := <-ch:
		assert.Equal(t, "p1", r.ProbeID)
		assert.Equal(t, "delivered", r.Status)
		assert.Equal(t, int64(1_700_000_000_000), r.ReceivedAtMS)
		assert.Equal(t, "wamid.abc", r.PlatformMessageID)
	case <-time.After(time.Second):
		t.Fatal("no receipt published")
	}
	assert.Equal(t, int64(1_700_000_000_000), index.delivered["p1"])
}

func TestHandleEventPayloadReadMarksRead(t *testing.T) {
	index := newFakeIndex()
	index.add("wamid.abc", &models.Probe{
		UserID: 1, ContactID: 7, ProbeID: "p1", Platform: models.PlatformWhatsApp,
	})
	s := newTestService(index)

	payload := []byte(`{"entry":[{"changes":[{"value":{"statuses":[
		{"id": "wamid.abc", "status": "read", "timestamp": "1700000001"}
	]}}]}]}`)
	require.NoError(t, s.HandleEventPayload(context.Background(), payload))

	assert.Equal(t, int64(1_700_000_001_000), index.read["p1"])
	assert.Empty(t, index.delivered)
}

func TestHandleEventPayloadSkipsIrrelevantStatuses(t *testing.T) {
	index := newFakeIndex()
	index.add("wamid.abc", &models.Probe{
		UserID: 1, ContactID: 7, ProbeID: "p1", Platform: models.PlatformWhatsApp,
	})
	s := newTestService(index)
	ch := s.Subscribe(adapters.QueueKey{UserID: 1, ContactID: 7})

	payload := []byte(`{"entry":[{"changes":[{"value":{"statuses":[
		{"id": "wamid.abc", "status": "sent", "timestamp": "1700000000"},
		{"id": "wamid.unknown", "status": "delivered", "timestamp": "1700000000"},
		{"id": "wamid.abc", "status": "delivered", "timestamp": "not-a-number"}
	]}}]}]}`)
	require.NoError(t, s.HandleEventPayload(context.Background(), payload))

	select {
	case r := <-ch:
		t.Fatalf("unexpected receipt %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleEventPayloadRejectsBadJSON(t *testing.T) {
	s := newTestService(newFakeIndex())
	assert.Error(t, s.HandleEventPayload(context.Background(), []byte("not json")))
}

func TestAdapterSurfacesDeliveredOnly(t *testing.T) {
	index := newFakeIndex()
	index.add("wamid.abc", &models.Probe{
		UserID: 1, ContactID: 7, ProbeID: "p1", Platform: models.PlatformWhatsApp,
	})
	s := newTestService(index)
	contact := &models.Contact{ID: 7, UserID: 1, Platform: models.PlatformWhatsApp, Target: "+4915112345678"}

	a := NewAdapter(nil, s, contact)
	t.Cleanup(func() { _ = a.Close() })

	receipts, err := a.Receipts(context.Background())
	require.NoError(t, err)

	payload := []byte(`{"entry":[{"changes":[{"value":{"statuses":[
		{"id": "wamid.abc", "status": "read", "timestamp": "1700000001"},
		{"id": "wamid.abc", "status": "delivered", "timestamp": "1700000000"}
	]}}]}]}`)
	require.NoError(t, s.HandleEventPayload(context.Background(), payload))

	select {
	case r := <-receipts:
		assert.Equal(t, "delivered", r.Status)
	case <-time.After(time.Second):
		t.Fatal("delivered receipt not surfaced")
	}
}

func TestExtractMessageID(t *testing.T) {
	assert.Equal(t, "wamid.abc",
		ExtractMessageID([]byte(`{"messages": [{"id": "wamid.abc"}]}`)))
	assert.Empty(t, ExtractMessageID([]byte(`{"messages": []}`)))
	assert.Empty(t, ExtractMessageID([]byte(`garbage`)))
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(&config.WhatsAppConfig{PhoneNumberID: "12345"})
	assert.Error(t, err)
	_, err = NewClient(&config.WhatsAppConfig{AccessToken: "token"})
	assert.Error(t, err)
	_, err = NewClient(&config.WhatsAppConfig{
		GraphBase: "https://graph.facebook.com/v19.0", PhoneNumberID: "12345", AccessToken: "token",
	})
	assert.NoError(t, err)
}

func TestLookupAdapterCloseKeepsSessionStream(t *testing.T) {
	index := newFakeIndex()
	index.add("wamid.abc", &models.Probe{
		UserID: 1, ContactID: 7, ProbeID: "p1", Platform: models.PlatformWhatsApp,
	})
	s := newTestService(index)
	contact := &models.Contact{ID: 7, UserID: 1, Platform: models.PlatformWhatsApp, Target: "+4915112345678"}

	session := NewAdapter(nil, s, contact)
	receipts, err := session.Receipts(context.Background())
	require.NoError(t, err)

	// A second adapter that never consumed receipts must not close the
	// session's queue when it is discarded.
	lookup := NewAdapter(nil, s, contact)
	require.NoError(t, lookup.Close())

	payload := []byte(`{"entry":[{"changes":[{"value":{"statuses":[
		{"id": "wamid.abc", "status": "delivered", "timestamp": "1700000000"}
	]}}]}]}`)
	require.NoError(t, s.HandleEventPayload(context.Background(), payload))

	select {
	case r, ok := <-receipts:
		require.True(t, ok, "session receipt stream was closed")
		assert.Equal(t, "p1", r.ProbeID)
	case <-time.After(time.Second):
		t.Fatal("receipt lost after lookup adapter closed")
	}

	require.NoError(t, session.Close())
}
