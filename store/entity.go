package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/gachar/hierarchy"
)

// DynamoAPI is the subset of the DynamoDB client the Store uses.
// *dynamodb.Client satisfies it.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ DynamoAPI = (*dynamodb.Client)(nil)

// PK represents a DynamoDB primary key.
type PK map[string]types.AttributeValue

// Attribute names shared with the stream handler.
const (
	AttrID          = "id"
	AttrName        = "name"
	AttrType        = "type"
	AttrIsActive    = "is_active"
	AttrParentID    = "parent_id"
	AttrCascadeRoot = "cascade_root"
	AttrVersion     = "version"
	AttrUpdatedBy   = "updated_by"
	AttrUpdatedAt   = "updated_at"
)

// nodeRecord is the location table item.
type nodeRecord struct {
	ID          string `dynamodbav:"id"`
	Name        string `dynamodbav:"name"`
	Type        string `dynamodbav:"type"`
	Description string `dynamodbav:"description,omitempty"`
	Address     string `dynamodbav:"address,omitempty"`
	IsActive    bool   `dynamodbav:"is_active"`
	ParentID    string `dynamodbav:"parent_id,omitempty"`
	CascadeRoot string `dynamodbav:"cascade_root,omitempty"`
	Version     int64  `dynamodbav:"version"`
	UpdatedBy   string `dynamodbav:"updated_by,omitempty"`
	CreatedAt   string `dynamodbav:"created_at"`
	UpdatedAt   string `dynamodbav:"updated_at"`
}

// relationshipRecord links a parent (or ROOT) to one child.
type relationshipRecord struct {
	PK       string `dynamodbav:"pk"`
	ChildID  string `dynamodbav:"child_id"`
	ParentID string `dynamodbav:"parent_id,omitempty"`
}

// constraintRecord reserves a unique value for one node.
type constraintRecord struct {
	PK         string `dynamodbav:"pk"`
	SK         string `dynamodbav:"sk"`
	EntityType string `dynamodbav:"entity_type"`
	FieldName  string `dynamodbav:"field_name"`
	FieldValue string `dynamodbav:"field_value"`
	NodeID     string `dynamodbav:"node_id"`
}

const constraintSK = "CONSTRAINT"

func toRecord(n *hierarchy.Node) nodeRecord {
	return nodeRecord{
		ID:          n.ID,
		Name:        n.Name,
		Type:        string(n.Type),
		Description: n.Description,
		Address:     n.Address,
		IsActive:    n.IsActive,
		ParentID:    n.ParentID,
		CascadeRoot: n.CascadeRoot,
		Version:     n.Version,
		UpdatedBy:   n.UpdatedBy,
		CreatedAt:   formatTime(n.CreatedAt),
		UpdatedAt:   formatTime(n.UpdatedAt),
	}
}

func (r nodeRecord) node() (*hierarchy.Node, error) {
	created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", r.CreatedAt, err)
	}
	updated, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at %q: %w", r.UpdatedAt, err)
	}
	return &hierarchy.Node{
		ID:          r.ID,
		Name:        r.Name,
		Type:        hierarchy.NodeType(r.Type),
		Description: r.Description,
		Address:     r.Address,
		IsActive:    r.IsActive,
		ParentID:    r.ParentID,
		CascadeRoot: r.CascadeRoot,
		Version:     r.Version,
		UpdatedBy:   r.UpdatedBy,
		CreatedAt:   created,
		UpdatedAt:   updated,
	}, nil
}

// unmarshalNode converts a location table item to a Node.
func unmarshalNode(raw map[string]types.AttributeValue) (*hierarchy.Node, error) {
	var r nodeRecord
	if err := attributevalue.UnmarshalMap(raw, &r); err != nil {
		return nil, fmt.Errorf("unmarshal location: %w", err)
	}
	return r.node()
}

func nodeKey(id string) PK {
	return PK{AttrID: &types.AttributeValueMemberS{Value: id}}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
