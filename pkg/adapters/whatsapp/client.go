// Package whatsapp adapts the WhatsApp Cloud (Graph) API: probes go out
// over the messages endpoint, receipts arrive on a signed webhook.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quietwire/pingmark/pkg/config"
)

// Client is a thin Graph API client for sending messages.
type Client struct {
	base          string
	phoneNumberID string
	token         string
	http          *http.Client
}

// NewClient builds a Graph client. Token and phone number id are
// required; construction fails without them.
func NewClient(cfg *config.WhatsAppConfig) (*Client, error) {
	if cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("whatsapp phone number id is missing")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("whatsapp access token is missing")
	}
	return &Client{
		base:          strings.TrimRight(cfg.GraphBase, "/"),
		phoneNumberID: cfg.PhoneNumberID,
		token:         cfg.AccessToken,
		http:          &http.Client{Timeout: 20 * time.Second},
	}, nil
}

// SendText sends one text message and returns the raw Graph response.
func (c *Client) SendText(ctx context.Context, to, body string) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                strings.TrimPrefix(to, "+"),
		"type":              "text",
		"text":              map[string]string{"body": body},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/messages", c.base, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp send request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read whatsapp send response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("whatsapp send returned %d: %s", resp.StatusCode, raw)
	}
	return raw, nil
}

// ExtractMessageID pulls the wamid out of a Graph send response.
func ExtractMessageID(raw []byte) string {
	var resp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ""
	}
	if len(resp.Messages) == 0 {
		return ""
	}
	return resp.Messages[0].ID
}
