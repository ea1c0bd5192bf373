// Package provider abstracts the asynchronous compute provider: creating
// sub-tasks and reading their status records. One concrete adapter per
// provider is selected at process wiring time.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Status is the provider-agnostic view of a sub-task's state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
)

// Error is a typed provider error carrying the HTTP-like status code.
// Rate limiting and 5xx are transient; everything else (auth, billing,
// malformed input) is fatal for the request that caused it.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the error is worth retrying: the provider was
// rate limiting or momentarily unavailable.
func (e *Error) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RateLimited reports the specific dispatch-time case that parks a job as
// pending instead of failing it.
func (e *Error) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsTransient reports whether err is a provider error worth retrying.
// Network-level errors from the HTTP client are wrapped as 503 by the
// adapters, so everything non-transient here is a definitive provider answer.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Transient()
}

// Client is the contract between the billing core and a compute provider.
// CreateTask and GetTask do I/O; the extractors are pure over the raw status
// record GetTask returned.
type Client interface {
	CreateTask(ctx context.Context, modelID string, input map[string]any) (providerTaskID string, err error)
	GetTask(ctx context.Context, providerTaskID string) (json.RawMessage, error)
	Status(record json.RawMessage) Status
	ResultURLs(record json.RawMessage) []string
	FailInfo(record json.RawMessage) (code, message string)
}
