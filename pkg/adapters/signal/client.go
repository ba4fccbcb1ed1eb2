// Package signal adapts a signal-cli REST gateway: probes go out over
// its send API, receipts come back over its receive websocket (or HTTP
// polling when the websocket is unavailable).
package signal

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

// Client is a thin HTTP client for the signal-cli REST gateway.
type Client struct {
	base    string
	account string
	http    *http.Client
}

// NewClient builds a client. The account must be configured; sends
// without it fail.
func NewClient(cfg *config.SignalConfig) *Client {
	return &Client{
		base:    strings.TrimRight(cfg.RESTBase, "/"),
		account: cfg.Account,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
}

// SendText sends one text message and returns the raw gateway response.
func (c *Client) SendText(ctx context.Context, recipient, message string) ([]byte, error) {
	if c.account == "" {
		return nil, fmt.Errorf("signal account is not configured")
	}

	payload, err := json.Marshal(map[string]any{
		"message":    message,
		"number":     c.account,
		"recipients": []string{recipient},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/v2/send", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signal send request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read signal send response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("signal send returned %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

// ExtractMessageTS pulls the sent-message timestamp out of a gateway
// send response. Gateway versions differ in shape; the top-level keys
// are tried first, then results[0]. Returns 0 when absent.
func ExtractMessageTS(raw []byte) int64 {
	var resp struct {
		Timestamp        json.Number `json:"timestamp"`
		MessageTimestamp json.Number `json:"messageTimestamp"`
		SentTimestamp    json.Number `json:"sentTimestamp"`
		Results          []struct {
			Timestamp        json.Number `json:"timestamp"`
			MessageTimestamp json.Number `json:"messageTimestamp"`
			SentTimestamp    json.Number `json:"sentTimestamp"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0
	}

	for _, n := range []json.Number{resp.Timestamp, resp.MessageTimestamp, resp.SentTimestamp} {
		if v, err := n.Int64(); err == nil && v != 0 {
			return v
		}
	}
	if len(resp.Results) > 0 {
		r := resp.Results[0]
		for _, n := range []json.Number{r.Timestamp, r.MessageTimestamp, r.SentTimestamp} {
			if v, err := n.Int64(); err == nil && v != 0 {
				return v
			}
		}
	}
	return 0
}
