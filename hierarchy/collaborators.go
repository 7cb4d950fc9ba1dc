package hierarchy

import (
	"context"
	"time"
)

// Persistence durably stores nodes.
//
// Implementations must enforce name uniqueness themselves (a unique index or
// constraint record) so concurrent creators in different processes cannot
// both succeed.
type Persistence interface {
	// Insert stores a new node. Fails with ErrDuplicateName if the name is
	// taken and ErrParentNotFound if n.ParentID is set but absent at commit.
	Insert(ctx context.Context, n *Node) error

	// Get returns the node or ErrNodeNotFound.
	Get(ctx context.Context, id string) (*Node, error)

	// GetByName returns the node with the exact name or ErrNodeNotFound.
	GetByName(ctx context.Context, name string) (*Node, error)

	// ListByParent returns every node whose parent is parentID, active or
	// not. An empty parentID lists roots. Order is unspecified.
	ListByParent(ctx context.Context, parentID string) ([]*Node, error)

	// Update writes the mutable fields of n (name, type, description,
	// address, parent, updatedAt, updatedBy) and bumps its version.
	// Fails with ErrConcurrentModification if the stored version differs
	// from expectedVersion or any guard's version differs, and with
	// ErrDuplicateName on a rename collision. On success n.Version holds
	// the new version.
	Update(ctx context.Context, n *Node, expectedVersion int64, guards []Guard) error

	// SetActive applies change atomically when len(change.IDs) <= BatchLimit().
	// Fails with ErrNodeNotFound if any id is absent.
	SetActive(ctx context.Context, change ActiveChange) error

	// BatchLimit is the largest id set SetActive applies atomically.
	// Zero or negative means unlimited.
	BatchLimit() int
}

// Action is a mutating operation subject to access control.
type Action string

const (
	ActionCreate     Action = "create"
	ActionUpdate     Action = "update"
	ActionReparent   Action = "reparent"
	ActionDeactivate Action = "deactivate"
	ActionReactivate Action = "reactivate"
)

// Caller identifies who is invoking an operation.
type Caller struct {
	ID    string
	Roles []string
}

// SystemCaller is used for infrastructure-initiated writes.
var SystemCaller = Caller{ID: "system"}

// AccessControl decides whether a caller may perform an action.
type AccessControl interface {
	IsAuthorized(ctx context.Context, caller Caller, action Action) (bool, error)
}

// AccessControlFunc adapts a function to AccessControl.
type AccessControlFunc func(ctx context.Context, caller Caller, action Action) (bool, error)

func (f AccessControlFunc) IsAuthorized(ctx context.Context, caller Caller, action Action) (bool, error) {
	return f(ctx, caller, action)
}

// AllowAll authorizes every caller. Intended for development and tests.
var AllowAll AccessControl = AccessControlFunc(func(context.Context, Caller, Action) (bool, error) {
	return true, nil
})

// EntityTypeLocation is the audit entity type for nodes.
const EntityTypeLocation = "location"

// AuditEntry records a committed change.
type AuditEntry struct {
	Action      string
	EntityType  string
	EntityID    string
	PerformedBy string
	Details     map[string]any
	At          time.Time
}

// AuditSink receives audit entries. Record should not block; errors are
// logged by the Service and never affect the triggering mutation.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}
