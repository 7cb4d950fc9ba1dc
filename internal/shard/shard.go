// Package shard derives partition keys for the location relationship and
// unique-constraint tables.
package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
)

// RootKey stands in for the parent of root nodes.
const RootKey = "ROOT"

// ParentKey returns the relationship partition prefix for parentID.
func ParentKey(parentID string) string {
	if parentID == "" {
		return RootKey
	}
	return parentID
}

// RelationshipPK computes the sharded partition key for a relationship record.
// With numShards=1, all records go to shard "00".
// With numShards>1, records are distributed across shards based on childID hash.
func RelationshipPK(parentID, childID string, numShards int) string {
	parent := ParentKey(parentID)
	if numShards <= 1 {
		return fmt.Sprintf("%s#00", parent)
	}
	h := fnv.New32a()
	h.Write([]byte(childID))
	shard := h.Sum32() % uint32(numShards)
	return fmt.Sprintf("%s#%02x", parent, shard)
}

// PartitionKeys returns every shard partition key for parentID, in shard order.
func PartitionKeys(parentID string, numShards int) []string {
	if numShards < 1 {
		numShards = 1
	}
	parent := ParentKey(parentID)
	keys := make([]string, numShards)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s#%02x", parent, i)
	}
	return keys
}

// UniqueConstraintPK computes a hash-distributed partition key for a unique constraint.
// This ensures each constraint goes to a different partition, eliminating hot partition risk.
func UniqueConstraintPK(entityType, field, value string) string {
	data := fmt.Sprintf("%s#%s#%s", entityType, field, value)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:16]) // 128-bit hash as hex
}
