// Package provider defines the generation capability contracts the
// engine consumes and an HTTP client for queue-based providers. Exact
// provider payload shaping lives upstream; the wire shapes here are the
// minimal envelope the lifecycle engine needs.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

// Request is one generation call. Count is the number of outputs the
// caller asked for; providers may return fewer.
type Request struct {
	ModelSpec string          `json:"model_spec"`
	Prompt    string          `json:"prompt"`
	Options   json.RawMessage `json:"options,omitempty"`
	RefURLs   []string        `json:"ref_urls,omitempty"`
	Count     int             `json:"count"`
}

// Result is one delivered output.
type Result struct {
	URL string `json:"url"`
}

// QueueState is the provider-side status of a queued request.
type QueueState string

const (
	StateQueued    QueueState = "queued"
	StateRunning   QueueState = "running"
	StateCompleted QueueState = "completed"
	StateFailed    QueueState = "failed"
)

// Error is a provider-reported failure, kept structured so the
// classifier can see both the status code and the raw message.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

// Direct is a capability that delivers results within one call.
type Direct interface {
	Generate(ctx context.Context, req Request) ([]Result, error)
}

// Queued is a capability that accepts work and is polled to completion.
type Queued interface {
	Submit(ctx context.Context, req Request) (requestID string, err error)
	Status(ctx context.Context, requestID string) (QueueState, error)
	Result(ctx context.Context, requestID string) ([]Result, error)
	Cancel(ctx context.Context, requestID string) error
}

// Capability is a tagged union over the two call styles. Exactly one
// side is set; the execution worker picks the path from it.
type Capability struct {
	Direct Direct
	Queued Queued
}
