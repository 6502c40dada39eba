package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook posts each measurement as JSON to a URL. It does not retry.
type Webhook struct {
	Client *http.Client
	URL    string
	Token  string
}

// NewWebhook creates a webhook sink.
func NewWebhook(client *http.Client, url, token string) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Webhook{Client: client, URL: url, Token: token}
}

// Push sends m and fails on any non-2xx response.
func (w *Webhook) Push(ctx context.Context, m Measurement) error {
	if w == nil || w.URL == "" {
		return errors.New("webhook url not set")
	}

	body, err := json.Marshal(m)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: http %d", w.URL, resp.StatusCode)
	}
	return nil
}
