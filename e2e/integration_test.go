//go:build e2e

// Package e2e contains end-to-end integration tests using real DynamoDB tables.
// Run with: go test -tags=e2e -v ./e2e/...
//
// Credentials and region come from the default AWS chain. Set
// GACHAR_E2E_ENDPOINT to run against DynamoDB Local instead.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"

	"github.com/jacentio/gachar/audit"
	"github.com/jacentio/gachar/hierarchy"
	"github.com/jacentio/gachar/store"
)

// Table names are unique per test run to avoid conflicts.
const tablePrefix = "gachar-e2e-test"

var (
	testID      string
	storeConfig store.Config
	auditTable  string

	ddbClient *dynamodb.Client
	testStore *store.Store
	service   *hierarchy.Service

	system = hierarchy.SystemCaller
)

// --- Test Setup & Teardown ---

func TestMain(m *testing.M) {
	testID = uuid.New().String()[:8]
	storeConfig = store.Config{
		NodeTable:         fmt.Sprintf("%s-%s-locations", tablePrefix, testID),
		RelationshipTable: fmt.Sprintf("%s-%s-relationships", tablePrefix, testID),
		UniqueTable:       fmt.Sprintf("%s-%s-unique", tablePrefix, testID),
		NumShards:         4,
	}
	auditTable = fmt.Sprintf("%s-%s-audit", tablePrefix, testID)

	fmt.Printf("Test ID: %s\n", testID)
	fmt.Printf("Tables:\n")
	fmt.Printf("  - Locations: %s\n", storeConfig.NodeTable)
	fmt.Printf("  - Relationships: %s\n", storeConfig.RelationshipTable)
	fmt.Printf("  - Unique: %s\n", storeConfig.UniqueTable)
	fmt.Printf("  - Audit: %s\n", auditTable)

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		fmt.Printf("Failed to load AWS config: %v\n", err)
		os.Exit(1)
	}
	ddbClient = dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint := os.Getenv("GACHAR_E2E_ENDPOINT"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	defs := append(storeConfig.TableDefinitions(), audit.TableDefinition(auditTable))
	if err := store.CreateTables(ctx, ddbClient, defs, 2*time.Minute); err != nil {
		fmt.Printf("Failed to create tables: %v\n", err)
		os.Exit(1)
	}

	testStore = store.New(ddbClient, storeConfig)
	service, err = hierarchy.New(testStore, hierarchy.Config{MaxDepth: store.MaxAncestorGuards},
		hierarchy.WithAccessControl(hierarchy.AllowAll),
		hierarchy.WithAuditSink(audit.NewDynamoSink(ddbClient, auditTable)),
	)
	if err != nil {
		fmt.Printf("Failed to create service: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	service.Close()
	deleteTables(ctx, defs)
	os.Exit(code)
}

func deleteTables(ctx context.Context, defs []*dynamodb.CreateTableInput) {
	fmt.Println("Deleting test tables...")
	for _, def := range defs {
		_, err := ddbClient.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: def.TableName})
		if err != nil {
			fmt.Printf("Warning: failed to delete table %s: %v\n", aws.ToString(def.TableName), err)
		}
	}
	fmt.Println("Tables deleted")
}

// uniqueName keeps names from colliding across tests in the shared tables.
func uniqueName(base string) string {
	return base + "-" + uuid.New().String()[:8]
}

func mustCreate(t *testing.T, name, typ, parentID string) *hierarchy.Node {
	t.Helper()
	n, err := service.Create(context.Background(), system, hierarchy.CreateInput{
		Name:     name,
		Type:     typ,
		ParentID: parentID,
	})
	if err != nil {
		t.Fatalf("Create %q failed: %v", name, err)
	}
	return n
}

// --- CRUD Tests ---

func TestCreate_RootLocation(t *testing.T) {
	ctx := context.Background()
	name := uniqueName("Central")

	wh := mustCreate(t, name, "", "")

	got, err := service.Get(ctx, wh.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("expected version 1, got %d", got.Version)
	}
	if got.Type != hierarchy.TypeWarehouse {
		t.Errorf("expected type warehouse, got %q", got.Type)
	}
	if !got.IsActive {
		t.Error("expected new location to be active")
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}

	found, err := service.FindByName(ctx, name)
	if err != nil {
		t.Fatalf("FindByName failed: %v", err)
	}
	if found.ID != wh.ID {
		t.Errorf("expected %s, got %s", wh.ID, found.ID)
	}
}

func TestCreate_ParentNotFound(t *testing.T) {
	_, err := service.Create(context.Background(), system, hierarchy.CreateInput{
		Name:     uniqueName("Orphan"),
		ParentID: uuid.New().String(),
	})
	if !errors.Is(err, hierarchy.ErrParentNotFound) {
		t.Fatalf("expected ErrParentNotFound, got %v", err)
	}
}

func TestCreate_DuplicateName(t *testing.T) {
	name := uniqueName("Dup")
	mustCreate(t, name, "store", "")

	_, err := service.Create(context.Background(), system, hierarchy.CreateInput{Name: name})
	if !errors.Is(err, hierarchy.ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestCreate_ConcurrentSameName(t *testing.T) {
	name := uniqueName("Race")
	const workers = 5

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Create(context.Background(), system, hierarchy.CreateInput{Name: name})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, hierarchy.ErrDuplicateName) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one create to succeed, got %d", succeeded)
	}
}

func TestUpdate_RenameFreesOldName(t *testing.T) {
	ctx := context.Background()
	oldName := uniqueName("Shelf")
	newName := uniqueName("Shelf")

	n := mustCreate(t, oldName, "shelf", "")
	updated, err := service.Update(ctx, system, n.ID, hierarchy.UpdateInput{Name: &newName})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}

	// The old name is claimable again
	mustCreate(t, oldName, "shelf", "")

	if _, err := service.FindByName(ctx, newName); err != nil {
		t.Errorf("FindByName(new) failed: %v", err)
	}
}

// --- Hierarchy Tests ---

func TestListChildren_Sharded(t *testing.T) {
	ctx := context.Background()
	parent := mustCreate(t, uniqueName("Store"), "store", "")

	const count = 12
	for i := range count {
		mustCreate(t, uniqueName(fmt.Sprintf("Bin-%02d", i)), "bin", parent.ID)
	}

	children, err := service.ListChildren(ctx, parent.ID, hierarchy.ListOptions{})
	if err != nil {
		t.Fatalf("ListChildren failed: %v", err)
	}
	if len(children) != count {
		t.Fatalf("expected %d children, got %d", count, len(children))
	}
	for i := 1; i < len(children); i++ {
		if children[i-1].Name > children[i].Name {
			t.Fatalf("children not sorted by name: %q before %q", children[i-1].Name, children[i].Name)
		}
	}
}

func TestReparent_MovesAndRejectsCycles(t *testing.T) {
	ctx := context.Background()
	wh := mustCreate(t, uniqueName("WH"), "warehouse", "")
	zone := mustCreate(t, uniqueName("Zone"), "zone", wh.ID)
	aisle := mustCreate(t, uniqueName("Aisle"), "aisle", zone.ID)
	other := mustCreate(t, uniqueName("WH"), "warehouse", "")

	moved, err := service.Reparent(ctx, system, zone.ID, other.ID)
	if err != nil {
		t.Fatalf("Reparent failed: %v", err)
	}
	if moved.ParentID != other.ID {
		t.Errorf("expected parent %s, got %s", other.ID, moved.ParentID)
	}

	left, err := service.ListChildren(ctx, wh.ID, hierarchy.ListOptions{})
	if err != nil {
		t.Fatalf("ListChildren failed: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("expected old parent to have no children, got %d", len(left))
	}

	_, err = service.Reparent(ctx, system, zone.ID, aisle.ID)
	if !errors.Is(err, hierarchy.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}

	_, err = service.Reparent(ctx, system, zone.ID, zone.ID)
	if !errors.Is(err, hierarchy.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected for self-parent, got %v", err)
	}

	root, err := service.Reparent(ctx, system, zone.ID, "")
	if err != nil {
		t.Fatalf("Reparent to root failed: %v", err)
	}
	if !root.IsRoot() {
		t.Error("expected zone to be a root")
	}
}

func TestReparent_ConcurrentSwapNeverCycles(t *testing.T) {
	ctx := context.Background()
	a := mustCreate(t, uniqueName("A"), "zone", "")
	b := mustCreate(t, uniqueName("B"), "zone", "")

	// A separate service per writer so no in-process lock serializes them.
	other, err := hierarchy.New(testStore, hierarchy.Config{MaxDepth: store.MaxAncestorGuards},
		hierarchy.WithAccessControl(hierarchy.AllowAll))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer other.Close()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = service.Reparent(ctx, system, a.ID, b.ID)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = other.Reparent(ctx, system, b.ID, a.ID)
	}()
	wg.Wait()

	if errs[0] == nil && errs[1] == nil {
		t.Fatal("both reparents committed")
	}

	ga, err := service.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get a failed: %v", err)
	}
	gb, err := service.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get b failed: %v", err)
	}
	if ga.ParentID == b.ID && gb.ParentID == a.ID {
		t.Fatal("cycle committed")
	}
}

// --- Activation Tests ---

func TestDeactivate_CascadeAndReactivate(t *testing.T) {
	ctx := context.Background()
	wh := mustCreate(t, uniqueName("WH"), "warehouse", "")
	zone := mustCreate(t, uniqueName("Zone"), "zone", wh.ID)
	aisle := mustCreate(t, uniqueName("Aisle"), "aisle", zone.ID)

	if err := service.Deactivate(ctx, system, wh.ID, true); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	for _, id := range []string{wh.ID, zone.ID, aisle.ID} {
		n, err := service.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if n.IsActive {
			t.Errorf("expected %s to be inactive", n.Name)
		}
	}

	sub, err := service.Subtree(ctx, wh.ID, hierarchy.ListOptions{})
	if err != nil {
		t.Fatalf("Subtree failed: %v", err)
	}
	if len(sub) != 0 {
		t.Errorf("expected empty subtree for inactive root, got %d", len(sub))
	}

	if err := service.Reactivate(ctx, system, wh.ID, true); err != nil {
		t.Fatalf("Reactivate failed: %v", err)
	}
	sub, err = service.Subtree(ctx, wh.ID, hierarchy.ListOptions{})
	if err != nil {
		t.Fatalf("Subtree failed: %v", err)
	}
	if len(sub) != 3 {
		t.Errorf("expected 3 active locations, got %d", len(sub))
	}
}

func TestDeactivate_MissingNode(t *testing.T) {
	err := service.Deactivate(context.Background(), system, uuid.New().String(), false)
	if !errors.Is(err, hierarchy.ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}
