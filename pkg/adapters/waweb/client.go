// Package waweb adapts an unofficial WhatsApp Web bridge sidecar:
// probes go out over its send endpoint, update frames come back over
// its events websocket.
package waweb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quietwire/pingmark/pkg/config"
	"github.com/quietwire/pingmark/pkg/models"
)

// Client is a thin HTTP client for the bridge sidecar.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a bridge client.
func NewClient(cfg *config.WhatsAppWebConfig) *Client {
	return &Client{
		base: strings.TrimRight(cfg.BridgeBase, "/"),
		http: &http.Client{Timeout: 20 * time.Second},
	}
}

// SendText sends one text message and returns the bridge-assigned
// message id plus the raw response.
func (c *Client) SendText(ctx context.Context, to, text string) (string, []byte, error) {
	payload, err := json.Marshal(map[string]string{"to": to, "text": text})
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/send", bytes.NewReader(payload))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("bridge send request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read bridge send response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, fmt.Errorf("bridge send returned %d: %s", resp.StatusCode, raw)
	}

	var body struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", raw, nil
	}
	return body.MessageID, raw, nil
}

// GetProfile fetches display data for a recipient. Nil (no error) when
// the bridge has nothing.
func (c *Client) GetProfile(ctx context.Context, to string) (*models.Profile, error) {
	raw, status, err := c.get(ctx, "/profile", to)
	if err != nil || status == http.StatusNotFound || status < 200 || status > 299 {
		return nil, nil
	}

	var body struct {
		DisplayName string `json:"display_name"`
		AvatarURL   string `json:"avatar_url"`
		StatusText  string `json:"status_text"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, nil
	}
	return &models.Profile{
		DisplayName: body.DisplayName,
		AvatarURL:   body.AvatarURL,
		StatusText:  body.StatusText,
	}, nil
}

// GetPresence maps the bridge's raw presence payload to one of the
// presence constants. Bridge builds differ; the nested
// lastKnownPresence values are taken best-effort.
func (c *Client) GetPresence(ctx context.Context, to string) (string, error) {
	raw, status, err := c.get(ctx, "/presence", to)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return models.PresenceUnknown, nil
	}

	var body struct {
		Raw struct {
			Presences map[string]struct {
				LastKnownPresence string `json:"lastKnownPresence"`
			} `json:"presences"`
		} `json:"raw"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return models.PresenceUnknown, nil
	}

	for _, p := range body.Raw.Presences {
		switch p.LastKnownPresence {
		case "available":
			return models.PresenceOnline, nil
		case "unavailable":
			return models.PresenceOffline, nil
		}
	}
	return models.PresenceUnknown, nil
}

func (c *Client) get(ctx context.Context, path, to string) ([]byte, int, error) {
	u := c.base + path + "?to=" + url.QueryEscape(to)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}
