package store

// Config holds configuration for the Store.
type Config struct {
	// NodeTable is the name of the location table (partition key "id").
	// Default: "gachar_locations"
	NodeTable string

	// RelationshipTable is the name of the parent-to-child table
	// (partition key "pk", sort key "child_id").
	// Default: "gachar_location_relationships"
	RelationshipTable string

	// UniqueTable is the name of the unique constraints table
	// (partition key "pk", sort key "sk").
	// Default: "gachar_location_unique"
	UniqueTable string

	// NumShards is the number of shards for the relationship table.
	// Higher values increase write throughput under a single parent but
	// require more parallel queries to list children.
	// Default: 1 (no sharding, single query)
	// Max: 256
	//
	// Per-shard limits:
	//   - Writes: 1,000/sec
	//   - Reads: 3,000/sec
	NumShards int
}

// DefaultConfig returns sensible defaults for small datasets.
func DefaultConfig() Config {
	return Config{
		NodeTable:         "gachar_locations",
		RelationshipTable: "gachar_location_relationships",
		UniqueTable:       "gachar_location_unique",
		NumShards:         1,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	d := DefaultConfig()
	if c.NodeTable == "" {
		c.NodeTable = d.NodeTable
	}
	if c.RelationshipTable == "" {
		c.RelationshipTable = d.RelationshipTable
	}
	if c.UniqueTable == "" {
		c.UniqueTable = d.UniqueTable
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > 256 {
		c.NumShards = 256
	}
}
