package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"excursion-sync-service/internal/queue"
)

const FallbackAlertType = "excursion_alert"

// Fallback is the lower-assurance side channel for critical alerts that
// exhausted their attempts on the primary path.
type Fallback struct {
	url        string
	httpClient *http.Client
}

func NewFallback(url string, timeout time.Duration) *Fallback {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fallback{url: url, httpClient: &http.Client{Timeout: timeout}}
}

type fallbackBody struct {
	Type      string          `json:"type"`
	ItemID    string          `json:"itemId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Send makes one best-effort POST.
func (f *Fallback) Send(ctx context.Context, item *queue.Item) error {
	body, err := json.Marshal(fallbackBody{
		Type:      FallbackAlertType,
		ItemID:    item.ID,
		Payload:   item.Payload,
		CreatedAt: item.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal fallback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotency, item.ID)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fallback request failed: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("fallback: %w", statusError(resp.StatusCode, data))
	}
	return nil
}
