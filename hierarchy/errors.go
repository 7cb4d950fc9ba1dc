package hierarchy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateName is returned when another node already has the name.
	ErrDuplicateName = errors.New("hierarchy: duplicate name")

	// ErrNodeNotFound is returned when the target node doesn't exist.
	ErrNodeNotFound = errors.New("hierarchy: node not found")

	// ErrParentNotFound is returned when the referenced parent doesn't exist.
	ErrParentNotFound = errors.New("hierarchy: parent not found")

	// ErrInvalidType is returned for an unrecognised node type.
	ErrInvalidType = errors.New("hierarchy: invalid node type")

	// ErrCycleDetected is returned when a move would create a cycle.
	ErrCycleDetected = errors.New("hierarchy: cycle detected")

	// ErrUnauthorized is returned when the caller may not perform the action.
	ErrUnauthorized = errors.New("hierarchy: unauthorized")

	// ErrPersistenceUnavailable marks transient storage failures.
	ErrPersistenceUnavailable = errors.New("hierarchy: persistence unavailable")

	// ErrConcurrentModification is returned when the node, or an ancestor
	// pinned by the cycle check, changed between read and write.
	ErrConcurrentModification = errors.New("hierarchy: concurrent modification")

	// ErrInvalidInput is returned for malformed field values.
	ErrInvalidInput = errors.New("hierarchy: invalid input")

	// ErrDepthLimit is returned when a move would need to pin more ancestors
	// than Config.MaxDepth allows in one write.
	ErrDepthLimit = errors.New("hierarchy: depth limit exceeded")
)

// Constraint names carried by Error.
const (
	ConstraintNameUnique   = "name_unique"
	ConstraintParentExists = "parent_exists"
	ConstraintNodeExists   = "node_exists"
	ConstraintNodeType     = "node_type"
	ConstraintNoCycle      = "no_cycle"
	ConstraintNoSelfParent = "no_self_parent"
	ConstraintPermission   = "permission"
	ConstraintVersion      = "version"
	ConstraintFieldFormat  = "field_format"
	ConstraintMaxDepth     = "max_depth"
	ConstraintAvailability = "availability"
)

// Error adds operation context to a sentinel error.
type Error struct {
	// Op is the Service method that failed (e.g. "reparent").
	Op string

	// NodeID is the node the operation targeted, if any.
	NodeID string

	// Constraint names the violated invariant.
	Constraint string

	// Value is the offending value (a name, parent id, type...).
	Value string

	// Err is the underlying sentinel, possibly wrapped.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.NodeID != "" {
		fmt.Fprintf(&b, " %s", e.NodeID)
	}
	if e.Constraint != "" {
		fmt.Fprintf(&b, " [%s", e.Constraint)
		if e.Value != "" {
			fmt.Fprintf(&b, "=%q", e.Value)
		}
		b.WriteString("]")
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op, nodeID, constraint, value string, err error) *Error {
	return &Error{Op: op, NodeID: nodeID, Constraint: constraint, Value: value, Err: err}
}

// wrap attaches op context to err, inferring the constraint from the sentinel.
// Errors that are already *Error keep their context.
func wrap(op, nodeID, value string, err error) error {
	if err == nil {
		return nil
	}
	var he *Error
	if errors.As(err, &he) {
		return err
	}
	return newError(op, nodeID, constraintFor(err), value, err)
}

func constraintFor(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateName):
		return ConstraintNameUnique
	case errors.Is(err, ErrParentNotFound):
		return ConstraintParentExists
	case errors.Is(err, ErrNodeNotFound):
		return ConstraintNodeExists
	case errors.Is(err, ErrInvalidType):
		return ConstraintNodeType
	case errors.Is(err, ErrCycleDetected):
		return ConstraintNoCycle
	case errors.Is(err, ErrDepthLimit):
		return ConstraintMaxDepth
	case errors.Is(err, ErrUnauthorized):
		return ConstraintPermission
	case errors.Is(err, ErrConcurrentModification):
		return ConstraintVersion
	case errors.Is(err, ErrInvalidInput):
		return ConstraintFieldFormat
	case errors.Is(err, ErrPersistenceUnavailable):
		return ConstraintAvailability
	}
	return ""
}

// IsTransient reports whether err is a retryable infrastructure failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrPersistenceUnavailable)
}
