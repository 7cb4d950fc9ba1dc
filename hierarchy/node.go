package hierarchy

import (
	"fmt"
	"strings"
	"time"
)

// NodeType classifies a location.
type NodeType string

const (
	TypeWarehouse NodeType = "warehouse"
	TypeStore     NodeType = "store"
	TypeZone      NodeType = "zone"
	TypeAisle     NodeType = "aisle"
	TypeShelf     NodeType = "shelf"
	TypeBin       NodeType = "bin"
	TypeVirtual   NodeType = "virtual"
)

// DefaultType is used when a node is created without a type.
const DefaultType = TypeWarehouse

// NodeTypes lists every recognised type.
var NodeTypes = []NodeType{
	TypeWarehouse, TypeStore, TypeZone, TypeAisle, TypeShelf, TypeBin, TypeVirtual,
}

// Valid reports whether t is a recognised type.
func (t NodeType) Valid() bool {
	for _, known := range NodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseNodeType parses s, returning DefaultType for "" and ErrInvalidType for
// anything unrecognised. Matching is exact.
func ParseNodeType(s string) (NodeType, error) {
	if s == "" {
		return DefaultType, nil
	}
	t := NodeType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
	return t, nil
}

// Node is a single location in the hierarchy.
type Node struct {
	ID          string
	Name        string
	Type        NodeType
	Description string
	Address     string
	IsActive    bool

	// ParentID is empty for roots.
	ParentID string

	// CascadeRoot is the id of the node whose cascading deactivation
	// deactivated this node. Empty for active nodes and direct deactivations.
	CascadeRoot string

	// Version is the optimistic lock, bumped by every write.
	Version int64

	// UpdatedBy is the caller id of the last write.
	UpdatedBy string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool {
	return n.ParentID == ""
}

// Clone returns a copy of n.
func (n *Node) Clone() *Node {
	c := *n
	return &c
}

// Guard pins a node version for the duration of a write.
type Guard struct {
	ID      string
	Version int64
}

// ActiveChange is a batched isActive flip applied by Persistence.SetActive.
type ActiveChange struct {
	IDs    []string
	Active bool

	// CascadeRoot is recorded on deactivation and cleared on reactivation.
	CascadeRoot string

	By string
	At time.Time
}

// ListOptions controls listing and traversal.
type ListOptions struct {
	IncludeInactive bool
}

// CreateInput describes a node to create.
type CreateInput struct {
	Name        string `validate:"required,max=200,trimmed"`
	Type        string
	ParentID    string
	Description string `validate:"max=2000"`
	Address     string `validate:"max=500"`
}

// UpdateInput carries the editable fields; nil fields are left unchanged.
// Type may not be set to "".
type UpdateInput struct {
	Name        *string `validate:"omitempty,max=200,trimmed"`
	Type        *string
	Description *string `validate:"omitempty,max=2000"`
	Address     *string `validate:"omitempty,max=500"`
}

func isTrimmed(s string) bool {
	return s == strings.TrimSpace(s)
}
