package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/avi3tal/coordinator/pkg/types"
)

const maxErrorBody = 4 << 10

// RemoteRequest is the body posted to a remote worker.
type RemoteRequest struct {
	WorkflowID    string                   `json:"workflow_id"`
	NodeID        string                   `json:"node_id"`
	Capability    string                   `json:"capability"`
	Input         types.Payload            `json:"input"`
	Upstream      map[string]types.Payload `json:"upstream,omitempty"`
	Artifacts     []types.ArtifactRef      `json:"artifacts,omitempty"`
	Attempt       int                      `json:"attempt"`
	MaxIterations int                      `json:"max_iterations"`
}

// RemoteResponse is what a remote worker answers with.
type RemoteResponse struct {
	Output types.Payload `json:"output"`
	Error  string        `json:"error,omitempty"`
}

// Remote calls a worker over HTTP. Server errors, rate limiting and
// network failures are transient; any other non-2xx answer is permanent.
type Remote struct {
	spec     types.CapabilitySpec
	endpoint string
	client   *http.Client
	header   http.Header
}

// RemoteOption configures a Remote worker
type RemoteOption func(*Remote)

// WithHTTPClient sets the client used for calls
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) {
		if c != nil {
			r.client = c
		}
	}
}

// WithHeader adds a header to every call, e.g. an authorization token
func WithHeader(key, value string) RemoteOption {
	return func(r *Remote) {
		r.header.Add(key, value)
	}
}

func NewRemote(spec types.CapabilitySpec, endpoint string, opts ...RemoteOption) *Remote {
	r := &Remote{
		spec:     spec,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 2 * time.Minute},
		header:   make(http.Header),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Remote) Spec() types.CapabilitySpec {
	return r.spec
}

func (r *Remote) Endpoint() string {
	return r.endpoint
}

func (r *Remote) Invoke(ctx context.Context, inv types.Invocation) (types.Payload, error) {
	body, err := json.Marshal(RemoteRequest{
		WorkflowID:    inv.WorkflowID,
		NodeID:        inv.NodeID,
		Capability:    inv.Capability,
		Input:         inv.Input,
		Upstream:      inv.Upstream,
		Artifacts:     inv.Artifacts,
		Attempt:       inv.Attempt,
		MaxIterations: inv.MaxIterations,
	})
	if err != nil {
		return nil, types.Permanent(errors.Wrap(err, "encode request"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.Permanent(errors.Wrap(err, "build request"))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.Transient(errors.Wrapf(err, "call %s", r.endpoint))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		callErr := &StatusError{Endpoint: r.endpoint, Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
		if callErr.Retryable() {
			return nil, types.Transient(callErr)
		}
		return nil, types.Permanent(callErr)
	}

	var out RemoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.Permanent(errors.Wrap(err, "decode response"))
	}
	if out.Error != "" {
		return nil, types.Permanent(fmt.Errorf("remote worker: %s", out.Error))
	}
	if out.Output == nil {
		out.Output = types.Payload{}
	}
	return out.Output, nil
}

// StatusError is a non-2xx answer from a remote worker.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Endpoint, e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}
