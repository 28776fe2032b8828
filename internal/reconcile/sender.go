package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/steveyegge/restaurant-reviews/internal/schema"
)

// DefaultEndpoint is where reviews are replayed.
const DefaultEndpoint = "http://localhost:1337/reviews/"

// successResult is the value of "result" that confirms acceptance.
const successResult = "success"

// Sender delivers one outbox entry. A nil error means the endpoint confirmed
// acceptance; anything else leaves the entry queued.
type Sender interface {
	Send(ctx context.Context, entry schema.OutboxEntry) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, entry schema.OutboxEntry) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, entry schema.OutboxEntry) error {
	return f(ctx, entry)
}

// HTTPSender POSTs the review as JSON and expects {"result":"success"}.
type HTTPSender struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPSender returns a sender for endpoint. A nil client gets a default
// with a 30 second timeout.
func NewHTTPSender(endpoint string, client *http.Client) *HTTPSender {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSender{Endpoint: endpoint, Client: client}
}

type replayResponse struct {
	Result *string `json:"result"`
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, entry schema.OutboxEntry) error {
	body, err := entry.Payload()
	if err != nil {
		return &ReplayError{EntryID: entry.ID, Outcome: Malformed, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &ReplayError{EntryID: entry.ID, Outcome: TransportFailed, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return &ReplayError{EntryID: entry.ID, Outcome: TransportFailed, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ReplayError{EntryID: entry.ID, Outcome: TransportFailed, StatusCode: resp.StatusCode, Err: err}
	}

	var parsed replayResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return &ReplayError{
			EntryID:    entry.ID,
			Outcome:    Malformed,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to parse response: %w", err),
		}
	}
	if parsed.Result == nil {
		return &ReplayError{
			EntryID:    entry.ID,
			Outcome:    Malformed,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("response has no result field"),
		}
	}
	if *parsed.Result != successResult {
		return &ReplayError{EntryID: entry.ID, Outcome: Rejected, StatusCode: resp.StatusCode, Result: *parsed.Result}
	}
	return nil
}
