package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/gachar/hierarchy"
	"github.com/jacentio/gachar/internal/shard"
)

// MaxTransactItems is the DynamoDB TransactWriteItems item limit.
const MaxTransactItems = 100

// MaxAncestorGuards is the deepest ancestor chain a reparent can pin in one
// transaction, leaving room for the constraint, relationship and node items.
const MaxAncestorGuards = MaxTransactItems - 6

// batchGetLimit is the BatchGetItem key limit.
const batchGetLimit = 100

// Store implements hierarchy.Persistence on DynamoDB using a location table,
// a sharded relationship table and a unique constraint table.
type Store struct {
	client DynamoAPI
	config Config
}

var _ hierarchy.Persistence = (*Store)(nil)

// New creates a new Store instance.
func New(client DynamoAPI, config Config) *Store {
	config.validate()
	return &Store{
		client: client,
		config: config,
	}
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.config
}

// BatchLimit is the transaction item limit; SetActive writes one item per id.
func (s *Store) BatchLimit() int {
	return MaxTransactItems
}

// relationshipPK computes the sharded partition key for a relationship record.
func (s *Store) relationshipPK(parentID, childID string) string {
	return shard.RelationshipPK(parentID, childID, s.config.NumShards)
}

func (s *Store) nameConstraintPK(name string) string {
	return shard.UniqueConstraintPK(hierarchy.EntityTypeLocation, AttrName, name)
}

func (s *Store) constraintPut(nodeID, name string) (types.TransactWriteItem, error) {
	item, err := attributevalue.MarshalMap(constraintRecord{
		PK:         s.nameConstraintPK(name),
		SK:         constraintSK,
		EntityType: hierarchy.EntityTypeLocation,
		FieldName:  AttrName,
		FieldValue: name,
		NodeID:     nodeID,
	})
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal constraint: %w", err)
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(s.config.UniqueTable),
			Item:      item,
			// Fails if another location already has this name
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		},
	}, nil
}

func (s *Store) constraintDelete(nodeID, name string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(s.config.UniqueTable),
			Key: PK{
				"pk": &types.AttributeValueMemberS{Value: s.nameConstraintPK(name)},
				"sk": &types.AttributeValueMemberS{Value: constraintSK},
			},
			ConditionExpression: aws.String("node_id = :node_id"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":node_id": &types.AttributeValueMemberS{Value: nodeID},
			},
		},
	}
}

func (s *Store) relationshipPut(parentID, childID string) (types.TransactWriteItem, error) {
	item, err := attributevalue.MarshalMap(relationshipRecord{
		PK:       s.relationshipPK(parentID, childID),
		ChildID:  childID,
		ParentID: parentID,
	})
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal relationship: %w", err)
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(s.config.RelationshipTable),
			Item:      item,
		},
	}, nil
}

func (s *Store) relationshipDelete(parentID, childID string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(s.config.RelationshipTable),
			Key: PK{
				"pk":       &types.AttributeValueMemberS{Value: s.relationshipPK(parentID, childID)},
				"child_id": &types.AttributeValueMemberS{Value: childID},
			},
		},
	}
}

func (s *Store) parentCheck(parentID string) types.TransactWriteItem {
	return types.TransactWriteItem{
		ConditionCheck: &types.ConditionCheck{
			TableName:           aws.String(s.config.NodeTable),
			Key:                 nodeKey(parentID),
			ConditionExpression: aws.String(NodeExistsCondition()),
		},
	}
}

func (s *Store) guardCheck(g hierarchy.Guard) types.TransactWriteItem {
	return types.TransactWriteItem{
		ConditionCheck: &types.ConditionCheck{
			TableName:                 aws.String(s.config.NodeTable),
			Key:                       nodeKey(g.ID),
			ConditionExpression:       aws.String(VersionCondition()),
			ExpressionAttributeNames:  VersionNames(),
			ExpressionAttributeValues: VersionValues(g.Version),
		},
	}
}

// Insert writes the location, its name constraint and its relationship
// record in one transaction, checking the parent exists.
func (s *Store) Insert(ctx context.Context, n *hierarchy.Node) error {
	items := []types.TransactWriteItem{}

	// Track item indices for error mapping
	idx := newTxIndex()

	// 1. Parent condition check
	if n.ParentID != "" {
		idx.parentCheck = len(items)
		items = append(items, s.parentCheck(n.ParentID))
	}

	// 2. Name constraint
	put, err := s.constraintPut(n.ID, n.Name)
	if err != nil {
		return err
	}
	idx.constraint = len(items)
	items = append(items, put)

	// 3. The location itself
	item, err := attributevalue.MarshalMap(toRecord(n))
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}
	idx.nodeWrite = len(items)
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(s.config.NodeTable),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(id)"),
		},
	})

	// 4. Relationship record (roots live under ROOT)
	rel, err := s.relationshipPut(n.ParentID, n.ID)
	if err != nil {
		return err
	}
	items = append(items, rel)

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return s.mapCreateTransactionError(err, idx, n.ID)
}

// Get retrieves a location by id with a strongly consistent read.
func (s *Store) Get(ctx context.Context, id string) (*hierarchy.Node, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.NodeTable),
		Key:            nodeKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify(err)
	}
	if result.Item == nil {
		return nil, fmt.Errorf("%w: %s", hierarchy.ErrNodeNotFound, id)
	}
	return unmarshalNode(result.Item)
}

// GetByName resolves the name constraint record, then loads the location.
func (s *Store) GetByName(ctx context.Context, name string) (*hierarchy.Node, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.UniqueTable),
		Key: PK{
			"pk": &types.AttributeValueMemberS{Value: s.nameConstraintPK(name)},
			"sk": &types.AttributeValueMemberS{Value: constraintSK},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify(err)
	}
	if result.Item == nil {
		return nil, hierarchy.ErrNodeNotFound
	}

	var rec constraintRecord
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal constraint: %w", err)
	}
	n, err := s.Get(ctx, rec.NodeID)
	if err != nil {
		return nil, err
	}
	// A rename racing this read can leave us holding a stale pointer.
	if n.Name != name {
		return nil, hierarchy.ErrNodeNotFound
	}
	return n, nil
}

// ListByParent queries every relationship shard of parentID and loads the
// children. An empty parentID lists roots.
func (s *Store) ListByParent(ctx context.Context, parentID string) ([]*hierarchy.Node, error) {
	childIDs, err := s.queryChildIDs(ctx, parentID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.batchGet(ctx, childIDs)
	if err != nil {
		return nil, err
	}

	out := nodes[:0]
	for _, n := range nodes {
		if n.ParentID == parentID {
			out = append(out, n)
		}
	}
	return out, nil
}

// queryChildIDs fans out one paginated query per shard.
func (s *Store) queryChildIDs(ctx context.Context, parentID string) ([]string, error) {
	var (
		mu  sync.Mutex
		ids []string
	)
	g, ctx := errgroup.WithContext(ctx)
	for shardNum, shardPK := range shard.PartitionKeys(parentID, s.config.NumShards) {
		g.Go(func() error {
			paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
				TableName:              aws.String(s.config.RelationshipTable),
				KeyConditionExpression: aws.String("pk = :pk"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pk": &types.AttributeValueMemberS{Value: shardPK},
				},
				ConsistentRead: aws.Bool(true),
			})

			var shardIDs []string
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					return fmt.Errorf("shard %02x: %w", shardNum, classify(err))
				}
				for _, item := range page.Items {
					var rec relationshipRecord
					if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
						return fmt.Errorf("unmarshal relationship: %w", err)
					}
					shardIDs = append(shardIDs, rec.ChildID)
				}
			}

			mu.Lock()
			ids = append(ids, shardIDs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// batchGet loads locations by id, retrying unprocessed keys a bounded
// number of times before reporting the table as unavailable.
func (s *Store) batchGet(ctx context.Context, ids []string) ([]*hierarchy.Node, error) {
	const maxUnprocessedRounds = 5

	var nodes []*hierarchy.Node
	for start := 0; start < len(ids); start += batchGetLimit {
		end := min(start+batchGetLimit, len(ids))
		keys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, nodeKey(id))
		}

		request := map[string]types.KeysAndAttributes{
			s.config.NodeTable: {Keys: keys, ConsistentRead: aws.Bool(true)},
		}
		for round := 0; len(request) > 0; round++ {
			if round == maxUnprocessedRounds {
				return nil, fmt.Errorf("%w: batch get left unprocessed keys", hierarchy.ErrPersistenceUnavailable)
			}
			out, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return nil, classify(err)
			}
			for _, raw := range out.Responses[s.config.NodeTable] {
				n, err := unmarshalNode(raw)
				if err != nil {
					return nil, err
				}
				nodes = append(nodes, n)
			}
			request = out.UnprocessedKeys
		}
	}
	return nodes, nil
}

// Update rewrites the mutable fields of n under an optimistic version check.
// Renames swap the name constraint record; moves swap the relationship
// record. Guards become version condition checks in the same transaction.
func (s *Store) Update(ctx context.Context, n *hierarchy.Node, expectedVersion int64, guards []hierarchy.Guard) error {
	// Fetch current location to learn the old name and parent
	current, err := s.Get(ctx, n.ID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: %s is at version %d, expected %d",
			hierarchy.ErrConcurrentModification, n.ID, current.Version, expectedVersion)
	}
	if n.ParentID == n.ID {
		return fmt.Errorf("%w: %s cannot be its own parent", hierarchy.ErrInvalidInput, n.ID)
	}

	items := []types.TransactWriteItem{}
	idx := newTxIndex()
	idx.guards = make(map[int]string, len(guards))

	// 1. Ancestor guards
	guarded := make(map[string]bool, len(guards))
	for _, g := range guards {
		idx.guards[len(items)] = g.ID
		guarded[g.ID] = true
		items = append(items, s.guardCheck(g))
	}

	// 2. Name constraint swap
	if n.Name != current.Name {
		items = append(items, s.constraintDelete(n.ID, current.Name))
		put, err := s.constraintPut(n.ID, n.Name)
		if err != nil {
			return err
		}
		idx.constraint = len(items)
		items = append(items, put)
	}

	// 3. Relationship swap
	if n.ParentID != current.ParentID {
		if n.ParentID != "" && !guarded[n.ParentID] {
			idx.parentCheck = len(items)
			items = append(items, s.parentCheck(n.ParentID))
		}
		items = append(items, s.relationshipDelete(current.ParentID, n.ID))
		rel, err := s.relationshipPut(n.ParentID, n.ID)
		if err != nil {
			return err
		}
		items = append(items, rel)
	}

	// 4. The versioned location update
	idx.nodeWrite = len(items)
	items = append(items, s.nodeUpdate(n, expectedVersion))

	if len(items) > MaxTransactItems {
		return fmt.Errorf("%w: update needs %d transaction items", ErrTooManyItems, len(items))
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return s.mapUpdateTransactionError(err, idx, n.ID)
	}
	n.Version = expectedVersion + 1
	return nil
}

func (s *Store) nodeUpdate(n *hierarchy.Node, expectedVersion int64) types.TransactWriteItem {
	exprNames := mergeExprNames(VersionNames(), map[string]string{
		"#name":        AttrName,
		"#type":        AttrType,
		"#description": "description",
		"#address":     "address",
		"#parent_id":   AttrParentID,
		"#updated_by":  AttrUpdatedBy,
		"#updated_at":  AttrUpdatedAt,
	})
	exprValues := mergeExprValues(VersionValues(expectedVersion), map[string]types.AttributeValue{
		":name":        &types.AttributeValueMemberS{Value: n.Name},
		":type":        &types.AttributeValueMemberS{Value: string(n.Type)},
		":description": &types.AttributeValueMemberS{Value: n.Description},
		":address":     &types.AttributeValueMemberS{Value: n.Address},
		":updated_by":  &types.AttributeValueMemberS{Value: n.UpdatedBy},
		":updated_at":  &types.AttributeValueMemberS{Value: formatTime(n.UpdatedAt)},
		":one":         &types.AttributeValueMemberN{Value: "1"},
	})

	set := "SET #name = :name, #type = :type, #description = :description, #address = :address, " +
		"#updated_by = :updated_by, #updated_at = :updated_at, #version = #version + :one"
	var updateExpr string
	if n.ParentID == "" {
		updateExpr = set + " REMOVE #parent_id"
	} else {
		exprValues[":parent_id"] = &types.AttributeValueMemberS{Value: n.ParentID}
		updateExpr = set + ", #parent_id = :parent_id"
	}

	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:                 aws.String(s.config.NodeTable),
			Key:                       nodeKey(n.ID),
			UpdateExpression:          aws.String(updateExpr),
			ConditionExpression:       aws.String(VersionCondition()),
			ExpressionAttributeNames:  exprNames,
			ExpressionAttributeValues: exprValues,
		},
	}
}

// SetActive flips is_active on every id in one transaction.
func (s *Store) SetActive(ctx context.Context, change hierarchy.ActiveChange) error {
	if len(change.IDs) == 0 {
		return nil
	}
	if len(change.IDs) > MaxTransactItems {
		return fmt.Errorf("%w: %d ids in one activation batch", ErrTooManyItems, len(change.IDs))
	}

	exprNames := map[string]string{
		"#is_active":    AttrIsActive,
		"#cascade_root": AttrCascadeRoot,
		"#updated_by":   AttrUpdatedBy,
		"#updated_at":   AttrUpdatedAt,
		"#version":      AttrVersion,
	}
	exprValues := map[string]types.AttributeValue{
		":is_active":  &types.AttributeValueMemberBOOL{Value: change.Active},
		":updated_by": &types.AttributeValueMemberS{Value: change.By},
		":updated_at": &types.AttributeValueMemberS{Value: formatTime(change.At)},
		":one":        &types.AttributeValueMemberN{Value: "1"},
	}
	updateExpr := "SET #is_active = :is_active, #updated_by = :updated_by, #updated_at = :updated_at, " +
		"#version = #version + :one"
	if change.CascadeRoot != "" {
		exprValues[":cascade_root"] = &types.AttributeValueMemberS{Value: change.CascadeRoot}
		updateExpr += ", #cascade_root = :cascade_root"
	} else {
		updateExpr += " REMOVE #cascade_root"
	}

	idx := newTxIndex()
	idx.active = make(map[int]string, len(change.IDs))
	items := make([]types.TransactWriteItem, 0, len(change.IDs))
	for _, id := range change.IDs {
		idx.active[len(items)] = id
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:                 aws.String(s.config.NodeTable),
				Key:                       nodeKey(id),
				UpdateExpression:          aws.String(updateExpr),
				ConditionExpression:       aws.String(NodeExistsCondition()),
				ExpressionAttributeNames:  exprNames,
				ExpressionAttributeValues: exprValues,
			},
		})
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return s.mapActiveTransactionError(err, idx)
}
