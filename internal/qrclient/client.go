// Package qrclient calls the external QR decoding service. Decoding itself
// is out of scope here; only the decoded string comes back and is handed to
// the attendance protocol for validation.
package qrclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the QR decoder microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Skip makes Decode return its input unchanged; useful in dev mode
	// where scans arrive pre-decoded.
	Skip bool
}

// New creates a client.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Health pings the decoder service.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qrclient: health status %d", resp.StatusCode)
	}
	return nil
}

// Decode submits an image URL and returns the decoded string. An image
// with no readable code is an error, never an empty success.
func (c *Client) Decode(ctx context.Context, imageURL string) (string, error) {
	if c.Skip {
		return imageURL, nil
	}

	payload, err := json.Marshal(map[string]string{"image_url": imageURL})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/decode", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("qrclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("qrclient: decode failed (%d): %s", resp.StatusCode, string(body))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("qrclient: decode response failed: %w", err)
	}
	if out.Text == "" {
		return "", fmt.Errorf("qrclient: no code found in image")
	}
	return out.Text, nil
}
