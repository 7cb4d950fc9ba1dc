package hierarchy

import "time"

// Config holds tuning for the Service.
type Config struct {
	// MaxDepth caps the ancestor chain a reparent may pin. Moving a node
	// under a parent with a longer chain fails with ErrDepthLimit. Creates,
	// traversals and Ancestors are not limited.
	// Default: 1024
	MaxDepth int

	// CacheSize is the number of parent ids kept in the children cache.
	// Default: 0 (cache disabled, every read goes to persistence)
	CacheSize int64

	// ReadRetries is the number of attempts for reads that fail with
	// ErrPersistenceUnavailable.
	// Default: 3
	ReadRetries uint

	// ReadRetryMaxElapsed caps the total time spent retrying a read.
	// Default: 2s
	ReadRetryMaxElapsed time.Duration

	// Concurrency limits parallel child listings during subtree traversal.
	// Default: 8
	Concurrency int
}

// DefaultConfig returns the defaults described on Config.
func DefaultConfig() Config {
	return Config{
		MaxDepth:            1024,
		ReadRetries:         3,
		ReadRetryMaxElapsed: 2 * time.Second,
		Concurrency:         8,
	}
}

// validate fills zero values with defaults.
func (c *Config) validate() {
	d := DefaultConfig()
	if c.MaxDepth < 1 {
		c.MaxDepth = d.MaxDepth
	}
	if c.CacheSize < 0 {
		c.CacheSize = 0
	}
	if c.ReadRetries < 1 {
		c.ReadRetries = d.ReadRetries
	}
	if c.ReadRetryMaxElapsed <= 0 {
		c.ReadRetryMaxElapsed = d.ReadRetryMaxElapsed
	}
	if c.Concurrency < 1 {
		c.Concurrency = d.Concurrency
	}
}
