package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/avi3tal/coordinator/pkg/types"
)

var (
	// ErrSealed is returned when attempting to modify a sealed graph
	ErrSealed = errors.New("graph is sealed and cannot be modified")

	// ErrNotSealed is returned when executing a graph that was never validated
	ErrNotSealed = errors.New("graph must be sealed before execution")

	// ErrInvalidNode is returned when a node fails validation
	ErrInvalidNode = errors.New("invalid node")

	// ErrDuplicateNode is returned when adding a node that already exists
	ErrDuplicateNode = errors.New("node with this ID already exists")

	// ErrNodeNotFound is returned when referencing a non-existent node
	ErrNodeNotFound = errors.New("node not found")

	// ErrCyclicDependency is returned when a cycle is detected in the graph
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrEmptyGraph is returned when sealing a graph without nodes
	ErrEmptyGraph = errors.New("graph has no nodes")

	// ErrGraphInUse is returned when a second execution tries to own the graph
	ErrGraphInUse = errors.New("graph is already owned by an execution")

	// ErrInvalidTransition is returned for a status change the state machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError represents an error that occurs during graph validation
type ValidationError struct {
	// Op is the operation that failed
	Op string
	// Node is the ID of the node involved (if any)
	Node string
	// Err is the underlying error
	Err error
}

func (e *ValidationError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("validation failed: %s: node '%s': %v", e.Op, e.Node, e.Err)
	}
	return fmt.Sprintf("validation failed: %s: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new ValidationError
func NewValidationError(op string, node string, err error) error {
	return &ValidationError{
		Op:   op,
		Node: node,
		Err:  err,
	}
}

// CycleError carries the node path that closes a dependency cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCyclicDependency, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCyclicDependency
}

// TransitionError represents a rejected node status change
type TransitionError struct {
	Node string
	From types.NodeStatus
	To   types.NodeStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("node '%s': %v: %s -> %s", e.Node, ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
