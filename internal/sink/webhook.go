package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookSink posts each message as JSON to a mail relay endpoint.
//
// 2xx is success. 408, 425, 429 and 5xx are transient; any other status is
// permanent (the relay rejected the recipient or content).
type WebhookSink struct {
	URL   string
	Token string

	hc *http.Client
}

func NewWebhookSink(url, token string, timeout time.Duration) (*WebhookSink, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errNoURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		URL:   url,
		Token: token,
		hc:    &http.Client{Timeout: timeout},
	}, nil
}

func (s *WebhookSink) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.DispatchKey)
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("webhook: %w", err))
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("webhook: status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(b)))
	if retryableStatus(resp.StatusCode) {
		return Transient(err)
	}
	return Permanent(err)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

var errNoURL = errors.New("webhook url required")
