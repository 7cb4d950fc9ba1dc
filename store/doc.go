// Package store implements hierarchy.Persistence on DynamoDB.
//
// Locations live in three tables:
//
//   - the location table, keyed by id, holding one item per node
//   - the relationship table, keyed by a sharded parent partition and
//     child_id, used to list children (roots live under "ROOT")
//   - the unique table, one CONSTRAINT item per location name
//
// # Key Features
//
//   - Parent validation on create (atomic condition check)
//   - Global name uniqueness via constraint records
//   - Optimistic locking with a version attribute
//   - Ancestor version guards so a reparent commits only if the checked
//     chain is unchanged
//   - Configurable write sharding for wide parents
//
// # Configuration
//
// Use [DefaultConfig] for small datasets (NumShards=1, single queries).
// Increase NumShards for higher throughput under one parent:
//
//	cfg := store.DefaultConfig()
//	cfg.NumShards = 16 // 16,000 writes/sec per parent
//
// # Limits
//
// Every write is a single TransactWriteItems call, so one write touches at
// most [MaxTransactItems] items. SetActive batches are capped at the same
// number, and a reparent can pin at most [MaxAncestorGuards] ancestors.
// Writes over the limit fail with [ErrTooManyItems].
//
// # Errors
//
// Transaction cancellations are mapped onto the hierarchy error taxonomy by
// item index. Throttling, server faults and network failures are reported as
// hierarchy.ErrPersistenceUnavailable.
package store
