package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const clientTimeout = 30 * time.Second

// QueueClient talks to a queue-style generation provider over HTTP.
// It implements Queued.
type QueueClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewQueueClient(baseURL, apiKey string) *QueueClient {
	return &QueueClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: clientTimeout},
	}
}

var _ Queued = (*QueueClient)(nil)

type submitResponse struct {
	RequestID string `json:"request_id"`
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type resultResponse struct {
	Outputs []Result `json:"outputs"`
}

func (c *QueueClient) Submit(ctx context.Context, req Request) (string, error) {
	var out submitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/requests", req, &out); err != nil {
		return "", err
	}
	if out.RequestID == "" {
		return "", &Error{Message: "provider returned no request id"}
	}
	return out.RequestID, nil
}

func (c *QueueClient) Status(ctx context.Context, requestID string) (QueueState, error) {
	var out statusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/requests/"+requestID+"/status", nil, &out); err != nil {
		return "", err
	}
	switch out.Status {
	case "queued", "in_queue":
		return StateQueued, nil
	case "running", "in_progress", "processing":
		return StateRunning, nil
	case "completed", "succeeded":
		return StateCompleted, nil
	case "failed", "error":
		return StateFailed, &Error{Message: out.Error}
	default:
		return StateRunning, nil
	}
}

func (c *QueueClient) Result(ctx context.Context, requestID string) ([]Result, error) {
	var out resultResponse
	if err := c.do(ctx, http.MethodGet, "/v1/requests/"+requestID+"/result", nil, &out); err != nil {
		return nil, err
	}
	return out.Outputs, nil
}

func (c *QueueClient) Cancel(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodPost, "/v1/requests/"+requestID+"/cancel", nil, nil)
}

// do sends one JSON request and decodes the response into out. Non-2xx
// responses become a *Error with the body text, so the classifier sees
// the provider's own wording.
func (c *QueueClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal provider request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{StatusCode: resp.StatusCode, Message: string(detail)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
