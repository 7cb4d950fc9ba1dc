package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/jacentio/gachar/hierarchy"
)

// DefaultTable is the audit table name used when none is configured.
const DefaultTable = "gachar_location_audit"

// PutItemAPI is the subset of the DynamoDB client DynamoSink uses.
type PutItemAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// auditRecord is the audit table item, keyed by entity_id and sk so one
// location's history is a single Query.
type auditRecord struct {
	EntityID    string `dynamodbav:"entity_id"`
	SK          string `dynamodbav:"sk"` // <at>#<id>
	ID          string `dynamodbav:"id"`
	Action      string `dynamodbav:"action"`
	EntityType  string `dynamodbav:"entity_type"`
	PerformedBy string `dynamodbav:"performed_by"`
	Details     string `dynamodbav:"details,omitempty"`
	At          string `dynamodbav:"at"`
}

// DynamoSink writes each entry to a DynamoDB audit table.
type DynamoSink struct {
	client PutItemAPI
	table  string
}

var _ hierarchy.AuditSink = (*DynamoSink)(nil)

// NewDynamoSink returns a sink writing to table (DefaultTable if empty).
func NewDynamoSink(client PutItemAPI, table string) *DynamoSink {
	if table == "" {
		table = DefaultTable
	}
	return &DynamoSink{client: client, table: table}
}

func (s *DynamoSink) Record(ctx context.Context, e hierarchy.AuditEntry) error {
	id := uuid.NewString()
	at := e.At.UTC().Format(time.RFC3339Nano)

	rec := auditRecord{
		EntityID:    e.EntityID,
		SK:          at + "#" + id,
		ID:          id,
		Action:      e.Action,
		EntityType:  e.EntityType,
		PerformedBy: e.PerformedBy,
		At:          at,
	}
	if len(e.Details) > 0 {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		rec.Details = string(details)
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sk)"),
	})
	countEntry("dynamodb", err)
	if err != nil {
		return fmt.Errorf("put audit record: %w", err)
	}
	return nil
}

// TableDefinition returns the CreateTable input for the audit table.
func TableDefinition(table string) *dynamodb.CreateTableInput {
	if table == "" {
		table = DefaultTable
	}
	return &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("entity_id"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("entity_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
}
