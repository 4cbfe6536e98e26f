// Package notify предоставляет клиент для внешней системы уведомлений.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Event описывает событие пула, отправляемое внешней системе уведомлений.
type Event struct {
	Type       string  `json:"type"`
	PoolID     int64   `json:"pool_id"`
	StudentIDs []int64 `json:"student_ids"`
}

// Типы отправляемых событий.
const (
	EventPoolConfirmed = "pool_confirmed"
	EventSeatRefunded  = "seat_refunded"
)

// Client инкапсулирует HTTP-взаимодействие с системой уведомлений.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт HTTP-клиент для отправки событий по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// PoolConfirmed отправляет событие о подтверждении пула.
func (c *Client) PoolConfirmed(ctx context.Context, poolID int64, studentIDs []int64) error {
	return c.send(ctx, Event{Type: EventPoolConfirmed, PoolID: poolID, StudentIDs: studentIDs})
}

// SeatRefunded отправляет событие о возврате средств за место.
func (c *Client) SeatRefunded(ctx context.Context, poolID int64, studentIDs []int64) error {
	return c.send(ctx, Event{Type: EventSeatRefunded, PoolID: poolID, StudentIDs: studentIDs})
}

func (c *Client) send(ctx context.Context, event Event) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("notify client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	url := base + "/api/events"

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
