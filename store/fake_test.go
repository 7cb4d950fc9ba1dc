package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/gachar/hierarchy"
)

// fakeDynamo serves reads from in-memory items and records writes.
type fakeDynamo struct {
	mu sync.Mutex

	// items maps table -> key string -> item.
	items map[string]map[string]map[string]types.AttributeValue

	// relationships maps relationship pk -> child ids.
	relationships map[string][]string

	queries      []string
	transactions []*dynamodb.TransactWriteItemsInput
	transactErr  error
	getErr       error

	// unprocessedRounds makes the next n BatchGetItem calls return every key
	// unprocessed.
	unprocessedRounds int
	batchGetCalls     int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items:         make(map[string]map[string]map[string]types.AttributeValue),
		relationships: make(map[string][]string),
	}
}

func keyString(key map[string]types.AttributeValue) string {
	names := make([]string, 0, len(key))
	for k := range key {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		if s, ok := key[k].(*types.AttributeValueMemberS); ok {
			parts = append(parts, k+"="+s.Value)
		}
	}
	return strings.Join(parts, ",")
}

func (f *fakeDynamo) put(table string, key PK, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items[table] == nil {
		f.items[table] = make(map[string]map[string]types.AttributeValue)
	}
	f.items[table][keyString(key)] = item
}

func (f *fakeDynamo) putNode(n *hierarchy.Node) {
	item, err := attributevalue.MarshalMap(toRecord(n))
	if err != nil {
		panic(err)
	}
	f.put("gachar_locations", nodeKey(n.ID), item)
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	item := f.items[aws.ToString(in.TableName)][keyString(in.Key)]
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	f.queries = append(f.queries, pk)

	var items []map[string]types.AttributeValue
	for _, child := range f.relationships[pk] {
		items = append(items, map[string]types.AttributeValue{
			"pk":       &types.AttributeValueMemberS{Value: pk},
			"child_id": &types.AttributeValueMemberS{Value: child},
		})
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func (f *fakeDynamo) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchGetCalls++
	if f.unprocessedRounds > 0 {
		f.unprocessedRounds--
		return &dynamodb.BatchGetItemOutput{UnprocessedKeys: in.RequestItems}, nil
	}

	out := &dynamodb.BatchGetItemOutput{Responses: make(map[string][]map[string]types.AttributeValue)}
	for table, ka := range in.RequestItems {
		for _, key := range ka.Keys {
			if item, ok := f.items[table][keyString(key)]; ok {
				out.Responses[table] = append(out.Responses[table], item)
			}
		}
	}
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions = append(f.transactions, in)
	if f.transactErr != nil {
		return nil, f.transactErr
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) lastTransaction() []types.TransactWriteItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transactions) == 0 {
		return nil
	}
	return f.transactions[len(f.transactions)-1].TransactItems
}

// cancelledAt builds a TransactionCanceledException whose item at index
// failed with code; other items report "None".
func cancelledAt(total, index int, code string) error {
	reasons := make([]types.CancellationReason, total)
	for i := range reasons {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
	}
	reasons[index] = types.CancellationReason{Code: aws.String(code)}
	return &types.TransactionCanceledException{
		Message:             aws.String("Transaction cancelled"),
		CancellationReasons: reasons,
	}
}

func testNode(id, name, parentID string) *hierarchy.Node {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &hierarchy.Node{
		ID:        id,
		Name:      name,
		Type:      hierarchy.TypeShelf,
		IsActive:  true,
		ParentID:  parentID,
		Version:   1,
		UpdatedBy: "tester",
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
