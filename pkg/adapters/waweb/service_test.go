package waweb

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
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
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		byMsgID:   make(map[string]*models.Probe),
		delivered: make(map[string]int64),
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

func newTestService(index ProbeIndex) *Service {
	return NewService(
		&config.WhatsAppWebConfig{Enabled: true, BridgeBase: "http://localhost:3010"},
		config.DefaultTrackingConfig(),
		index,
		slog.Default(),
	)
}

func TestHandleFrameUpdateIsDelivered(t *testing.T) {
	index := newFakeIndex()
	index.add("msg-1", &models.Probe{
		UserID: 1, ContactID: 7, ProbeID: "p1", Platform: models.PlatformWhatsAppWeb,
	})
	s := newTestService(index)

	ch := s.Subscribe(adapters.QueueKey{UserID: 1, ContactID: 7})
	s.handleFrame([]byte(`{"type": "wa:update", "message_id": "msg-1", "ts": 1700000000123}`))

	select {
	case r := <-ch:
		assert.Equal(t, "p1", r.ProbeID)
		assert.Equal(t, "delivered", r.Status)
		assert.Equal(t, models.PrimaryDeviceID, r.DeviceID)
		assert.Equal(t, int64(1_700_000_000_123), r.ReceivedAtMS)
	case <-time.After(time.Second):
		t.Fatal("no receipt published")
	}
	assert.Equal(t, int64(1_700_000_000_123), index.delivered["p1"])
}

func TestHandleFrameIgnoresOtherTypes(t *testing.T) {
	index := newFakeIndex()
	index.add("msg-1", &models.Probe{UserID: 1, ContactID: 7, ProbeID: "p1"})
	s := newTestService(index)

	ch := s.Subscribe(adapters.QueueKey{UserID: 1, ContactID: 7})
	s.handleFrame([]byte(`{"type": "wa:message", "message_id": "msg-1"}`))
	s.handleFrame([]byte(`{"type": "wa:update"}`))
	s.handleFrame([]byte(`garbage`))
	s.handleFrame([]byte(`{"type": "wa:update", "message_id": "unknown", "ts": 1}`))

	select {
	case r := <-ch:
		t.Fatalf("unexpected receipt %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientSendText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/send", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "+4915112345678", body["to"])
		assert.Contains(t, body["text"], "[probe:")
		_ = json.NewEncoder(w).Encode(map[string]string{"message_id": "msg-9"})
	}))
	defer srv.Close()

	c := NewClient(&config.WhatsAppWebConfig{BridgeBase: srv.URL})
	messageID, raw, err := c.SendText(context.Background(), "+4915112345678", "[probe:x] ping")

	require.NoError(t, err)
	assert.Equal(t, "msg-9", messageID)
	assert.NotEmpty(t, raw)
}

func TestClientGetProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/profile":
			assert.Equal(t, "+4915112345678", r.URL.Query().Get("to"))
			_ = json.NewEncoder(w).Encode(map[string]string{
				"display_name": "Alice",
				"avatar_url":   "https://cdn.example.com/a.jpg",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(&config.WhatsAppWebConfig{BridgeBase: srv.URL})
	profile, err := c.GetProfile(context.Background(), "+4915112345678")

	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "Alice", profile.DisplayName)
	assert.Equal(t, "https://cdn.example.com/a.jpg", profile.AvatarURL)
}

func TestClientGetProfileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(&config.WhatsAppWebConfig{BridgeBase: srv.URL})
	profile, err := c.GetProfile(context.Background(), "+4915112345678")

	require.NoError(t, err)
	assert.Nil(t, profile)
}

func TestClientGetPresence(t *testing.T) {
	presence := "available"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"raw": map[string]any{
				"presences": map[string]any{
					"4915112345678@s.whatsapp.net": map[string]string{
						"lastKnownPresence": presence,
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(&config.WhatsAppWebConfig{BridgeBase: srv.URL})

	got, err := c.GetPresence(context.Background(), "+4915112345678")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, got)

	presence = "unavailable"
	got, err = c.GetPresence(context.Background(), "+4915112345678")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOffline, got)

	presence = "composing"
	got, err = c.GetPresence(context.Background(), "+4915112345678")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceUnknown, got)
}

func TestAdapterCapabilities(t *testing.T) {
	s := newTestService(newFakeIndex())
	contact := &models.Contact{ID: 7, UserID: 1, Platform: models.PlatformWhatsAppWeb, Target: "+4915112345678"}
	a := NewAdapter(NewClient(&config.WhatsAppWebConfig{BridgeBase: "http://localhost:3010"}), s, contact)

	var adapter adapters.Adapter = a
	_, ok := adapter.(adapters.ProfileFetcher)
	assert.True(t, ok)
	_, ok = adapter.(adapters.PresenceFetcher)
	assert.True(t, ok)
}

func TestLookupAdapterCloseKeepsSessionStream(t *testing.T) {
	index := newFakeIndex()
	index.add("msg-1", &models.Probe{
		UserID: 1, ContactID: 7, ProbeID: "p1", Platform: models.PlatformWhatsAppWeb,
	})
	s := newTestService(index)
	contact := &models.Contact{ID: 7, UserID: 1, Platform: models.PlatformWhatsAppWeb, Target: "+4915112345678"}

	session := NewAdapter(nil, s, contact)
	receipts, err := session.Receipts(context.Background())
	require.NoError(t, err)

	// A presence poll builds and closes its own adapter for the same
	// contact; the session's stream must survive it.
	lookup := NewAdapter(nil, s, contact)
	require.NoError(t, lookup.Close())

	s.handleFrame([]byte(`{"type": "wa:update", "message_id": "msg-1", "ts": 1700000000123}`))

	select {
	case r, ok := <-receipts:
		require.True(t, ok, "session receipt stream was closed")
		assert.Equal(t, "p1", r.ProbeID)
	case <-time.After(time.Second):
		t.Fatal("receipt lost after lookup adapter closed")
	}

	require.NoError(t, session.Close())
}
