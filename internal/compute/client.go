package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/oliveagle/jsonpath"
	"github.com/tmacedo/galton/internal/model"
)

// Request is the payload sent to a statistical compute worker. Row data is
// carried inline so the workers need no shared filesystem.
type Request struct {
	Data            []map[string]any `json:"data"`
	DependentVar    string           `json:"dependent_var"`
	IndependentVars []string         `json:"independent_vars"`
}

// Failure is a classified compute-call failure.
type Failure struct {
	Kind    model.FailureKind
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// AsFailure extracts a classified failure from an error, defaulting to
// unexpected_response for anything unclassified.
func AsFailure(err error) *Failure {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	return &Failure{Kind: model.FailureUnexpectedResponse, Message: err.Error()}
}

// Client calls the external statistical compute workers.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a compute client with connection pooling. Per-call
// deadlines come from the caller's context, not the client.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// responseLimit caps how much of a worker response is read.
const responseLimit = 4 * 1024 * 1024

// Run performs one compute call against the given worker endpoint and
// classifies the outcome. On success the returned payload is the worker's
// response verbatim; on failure the error is always a *Failure.
func (c *Client) Run(ctx context.Context, endpoint string, req Request) (map[string]any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Failure{Kind: model.FailureUnexpectedResponse, Message: fmt.Sprintf("failed to encode request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Failure{Kind: model.FailureUnavailable, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	slog.Debug("Calling compute worker",
		"endpoint", endpoint,
		"rows", len(req.Data),
		"dependent_var", req.DependentVar,
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Failure{Kind: model.FailureTimeout, Message: "compute worker exceeded deadline"}
		}
		return nil, &Failure{Kind: model.FailureUnavailable, Message: fmt.Sprintf("compute worker unreachable: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Failure{Kind: model.FailureTimeout, Message: "compute worker exceeded deadline"}
		}
		return nil, &Failure{Kind: model.FailureUnavailable, Message: fmt.Sprintf("failed to read worker response: %v", err)}
	}

	return classify(resp.StatusCode, raw)
}

// classify maps a worker response to a verbatim result payload or a typed
// failure. An unrecognized shape is never treated as success.
func classify(statusCode int, raw []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &Failure{
			Kind:    model.FailureUnexpectedResponse,
			Message: fmt.Sprintf("worker returned status %d with undecodable body", statusCode),
		}
	}

	// A structured error payload wins regardless of status code.
	if errVal, err := jsonpath.JsonPathLookup(payload, "$.error"); err == nil && errVal != nil {
		message := fmt.Sprintf("%v", errVal)
		if detail, err := jsonpath.JsonPathLookup(payload, "$.message"); err == nil && detail != nil {
			message = fmt.Sprintf("%v: %v", errVal, detail)
		}
		return nil, &Failure{Kind: model.FailureCompute, Message: message}
	}

	if statusCode < 200 || statusCode >= 300 {
		return nil, &Failure{
			Kind:    model.FailureUnexpectedResponse,
			Message: fmt.Sprintf("worker returned status %d without a structured error", statusCode),
		}
	}

	// Successful responses carry tidy coefficient rows and glance fit
	// statistics; anything else is not a result we can pass through.
	if _, err := jsonpath.JsonPathLookup(payload, "$.tidy"); err != nil {
		return nil, &Failure{Kind: model.FailureUnexpectedResponse, Message: "worker response missing tidy coefficients"}
	}
	if _, err := jsonpath.JsonPathLookup(payload, "$.glance"); err != nil {
		return nil, &Failure{Kind: model.FailureUnexpectedResponse, Message: "worker response missing glance statistics"}
	}

	return payload, nil
}
