package postgres

import (
	"fmt"
	"time"
)

// JobStoreConfig holds job-specific configuration for the PostgreSQL job store.
// Pool configuration is handled separately via PoolConfig.
type JobStoreConfig struct {
	// QueryTimeout bounds each job store query. Zero uses context deadlines only.
	QueryTimeout time.Duration

	// ListLimit caps the number of jobs returned to operators. Default: 100
	ListLimit int
}

// Validate checks that the configuration is valid.
func (c *JobStoreConfig) Validate() error {
	if c.QueryTimeout < 0 {
		return fmt.Errorf("query timeout must not be negative")
	}
	if c.ListLimit < 0 {
		return fmt.Errorf("list limit must not be negative")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *JobStoreConfig) ApplyDefaults() {
	if c.ListLimit == 0 {
		c.ListLimit = 100
	}
}
