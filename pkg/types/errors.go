package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoCapabilities is returned when a request cannot be mapped to any capability
	ErrNoCapabilities = errors.New("request does not map to any known capability")

	// ErrEmptyPlan is returned when decomposition yields no subtasks
	ErrEmptyPlan = errors.New("decomposition produced an empty plan")

	// ErrCapabilityNotPermitted is returned when a plan uses a capability the request excludes
	ErrCapabilityNotPermitted = errors.New("capability not permitted by request")

	// ErrInvocationTimeout marks an attempt cancelled by its per-node timeout
	ErrInvocationTimeout = errors.New("invocation timed out")
)

// ErrorKind classifies a node or workflow failure for reporting.
type ErrorKind string

const (
	KindDecomposition      ErrorKind = "decomposition"
	KindCapabilityNotFound ErrorKind = "capability_not_found"
	KindTransient          ErrorKind = "transient"
	KindPermanent          ErrorKind = "permanent"
	KindWorkflowTimeout    ErrorKind = "workflow_timeout"
	KindCancelled          ErrorKind = "cancelled"
	KindUpstreamFailed     ErrorKind = "upstream_failed"
)

// DecompositionError aborts a workflow before any node runs.
type DecompositionError struct {
	// Op is the decomposition step that failed
	Op string
	// Err is the underlying error
	Err error
}

func (e *DecompositionError) Error() string {
	return fmt.Sprintf("decomposition failed: %s: %v", e.Op, e.Err)
}

func (e *DecompositionError) Unwrap() error {
	return e.Err
}

// NewDecompositionError creates a new DecompositionError
func NewDecompositionError(op string, err error) error {
	return &DecompositionError{Op: op, Err: err}
}

// CapabilityNotFoundError is returned when no worker is registered for a tag.
type CapabilityNotFoundError struct {
	Capability string
}

func (e *CapabilityNotFoundError) Error() string {
	return fmt.Sprintf("no worker registered for capability %q", e.Capability)
}

// TransientInvocationError marks a failure that may succeed on retry.
type TransientInvocationError struct {
	Err error
}

func (e *TransientInvocationError) Error() string {
	return fmt.Sprintf("transient invocation failure: %v", e.Err)
}

func (e *TransientInvocationError) Unwrap() error {
	return e.Err
}

// PermanentInvocationError marks a failure that retrying will not fix.
type PermanentInvocationError struct {
	Err error
}

func (e *PermanentInvocationError) Error() string {
	return fmt.Sprintf("permanent invocation failure: %v", e.Err)
}

func (e *PermanentInvocationError) Unwrap() error {
	return e.Err
}

// WorkflowTimeoutError is the cause recorded on every node still open when
// the workflow deadline elapses or the run is cancelled.
type WorkflowTimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *WorkflowTimeoutError) Error() string {
	if errors.Is(e.Err, context.Canceled) {
		return "workflow cancelled"
	}
	if e.Timeout > 0 {
		return fmt.Sprintf("workflow deadline of %s exceeded", e.Timeout)
	}
	return "workflow deadline exceeded"
}

func (e *WorkflowTimeoutError) Unwrap() error {
	return e.Err
}

// UpstreamFailedError is the cause recorded on a node skipped because a
// dependency did not succeed.
type UpstreamFailedError struct {
	Dependency string
}

func (e *UpstreamFailedError) Error() string {
	return fmt.Sprintf("dependency %s did not succeed", e.Dependency)
}

// Transient wraps err so the scheduler retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientInvocationError{Err: err}
}

// Permanent wraps err so the scheduler fails the node without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentInvocationError{Err: err}
}

// IsTransient reports whether err is classified as retryable. Permanent
// wrapping takes precedence over a transient cause further down the chain.
func IsTransient(err error) bool {
	var permanent *PermanentInvocationError
	if errors.As(err, &permanent) {
		return false
	}
	var transient *TransientInvocationError
	return errors.As(err, &transient)
}

// Classify maps an error to its reporting kind. Errors that carry no
// classification are permanent.
func Classify(err error) ErrorKind {
	var (
		timeout    *WorkflowTimeoutError
		notFound   *CapabilityNotFoundError
		decomp     *DecompositionError
		upstream   *UpstreamFailedError
		permanent  *PermanentInvocationError
		transientE *TransientInvocationError
	)
	switch {
	case errors.As(err, &timeout):
		if errors.Is(timeout.Err, context.Canceled) {
			return KindCancelled
		}
		return KindWorkflowTimeout
	case errors.As(err, &decomp):
		return KindDecomposition
	case errors.As(err, &notFound):
		return KindCapabilityNotFound
	case errors.As(err, &upstream):
		return KindUpstreamFailed
	case errors.As(err, &permanent):
		return KindPermanent
	case errors.As(err, &transientE):
		return KindTransient
	default:
		return KindPermanent
	}
}

// ErrorDetail is the structured, serialisable form of a node error.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewErrorDetail converts err into an ErrorDetail; nil yields nil.
func NewErrorDetail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	return &ErrorDetail{Kind: Classify(err), Message: err.Error()}
}
