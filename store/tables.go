package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// TableAPI is the subset of the DynamoDB client needed to provision tables.
type TableAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// TableDefinitions returns the CreateTable inputs for the three location
// tables. The location table streams new and old images for the stream
// handler.
func (c Config) TableDefinitions() []*dynamodb.CreateTableInput {
	c.validate()
	return []*dynamodb.CreateTableInput{
		{
			TableName: aws.String(c.NodeTable),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(AttrID), KeyType: types.KeyTypeHash},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(AttrID), AttributeType: types.ScalarAttributeTypeS},
			},
			BillingMode: types.BillingModePayPerRequest,
			StreamSpecification: &types.StreamSpecification{
				StreamEnabled:  aws.Bool(true),
				StreamViewType: types.StreamViewTypeNewAndOldImages,
			},
		},
		{
			// Relationship table (pk, child_id)
			TableName: aws.String(c.RelationshipTable),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("child_id"), KeyType: types.KeyTypeRange},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("child_id"), AttributeType: types.ScalarAttributeTypeS},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
		{
			// Unique constraints table (pk, sk)
			TableName: aws.String(c.UniqueTable),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
	}
}

// CreateTables creates each table that does not exist yet and waits up to
// wait for all of them to become active.
func CreateTables(ctx context.Context, client TableAPI, defs []*dynamodb.CreateTableInput, wait time.Duration) error {
	for _, def := range defs {
		_, err := client.CreateTable(ctx, def)
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			continue
		}
		if err != nil {
			return fmt.Errorf("create table %s: %w", aws.ToString(def.TableName), err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	for _, def := range defs {
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: def.TableName}, wait); err != nil {
			return fmt.Errorf("wait for table %s: %w", aws.ToString(def.TableName), err)
		}
	}
	return nil
}
