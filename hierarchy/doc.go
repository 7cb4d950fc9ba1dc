// Package hierarchy manages the Gachar location tree: warehouses, stores,
// zones, aisles, shelves, bins and virtual locations organised as a forest.
//
// The [Service] owns the tree invariants on top of a pluggable [Persistence]:
//
//   - A node is never its own parent and parent chains always end at a root
//   - A parent must exist when a node is created or moved under it
//   - Names are unique across all nodes, active or not
//   - Deactivation is a soft delete; nodes are never removed by the service
//
// Children are never stored on the parent. [Service.ListChildren] derives them
// from the parent pointers on every call (optionally through an advisory
// per-process cache).
//
// # Collaborators
//
// Every mutating call first asks [AccessControl] whether the caller may perform
// the [Action]; a refusal returns [ErrUnauthorized] before anything is written.
// After a successful write an [AuditEntry] is handed to the [AuditSink]. Audit
// failures are logged and otherwise ignored.
//
// # Traversal order
//
// [Service.ListChildren] orders siblings by name ascending (byte order), ties
// broken by id. [Service.Subtree] is a depth-first pre-order walk using the same
// sibling order, so the requested node always comes first.
//
// # Errors
//
// All failures unwrap to one of the sentinel errors:
//
//   - [ErrDuplicateName] - another node already uses the name
//   - [ErrNodeNotFound] - the target node doesn't exist
//   - [ErrParentNotFound] - the referenced parent doesn't exist
//   - [ErrInvalidType] - unknown node type
//   - [ErrCycleDetected] - the move would make a node its own ancestor
//   - [ErrDepthLimit] - the new parent's ancestor chain is longer than Config.MaxDepth
//   - [ErrUnauthorized] - the caller may not perform the action
//   - [ErrPersistenceUnavailable] - transient storage failure
//   - [ErrConcurrentModification] - the node or its new ancestry changed mid-operation
//   - [ErrInvalidInput] - malformed field values
//
// Use errors.As with [*Error] to read the node id and violated constraint.
package hierarchy
