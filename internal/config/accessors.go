package config

import "time"

// Accessors convert the file representation into the units components take,
// falling back to defaults for unset values.

// GetCacheCapacityBytes returns the block cache capacity in bytes.
func (c *Config) GetCacheCapacityBytes() int64 {
	if c.Cache.CapacityMB <= 0 {
		return 64 << 20 // Default: 64 MiB
	}
	return int64(c.Cache.CapacityMB) << 20
}

// GetStatTTL returns how long remote metadata is trusted.
func (c *Config) GetStatTTL() time.Duration {
	if c.Cache.StatTTL <= 0 {
		return time.Second
	}
	return c.Cache.StatTTL
}

// GetStatMaxEntries returns the stat cache ceiling.
func (c *Config) GetStatMaxEntries() int {
	if c.Cache.StatMaxEntries <= 0 {
		return 1000
	}
	return c.Cache.StatMaxEntries
}

// GetTimeoutInitial returns the starting block wait.
func (c *Config) GetTimeoutInitial() time.Duration {
	return millis(c.Timeout.InitialMS, 4)
}

// GetTimeoutFloor returns the smallest block wait.
func (c *Config) GetTimeoutFloor() time.Duration {
	return millis(c.Timeout.FloorMS, 2)
}

// GetTimeoutCeiling returns the largest block wait.
func (c *Config) GetTimeoutCeiling() time.Duration {
	return millis(c.Timeout.CeilingMS, 20)
}

// GetPrefetchEnabled reports whether the built-in prefetch worker runs.
func (c *Config) GetPrefetchEnabled() bool {
	if c.Prefetch.Enabled == nil {
		return true // Default: enabled
	}
	return *c.Prefetch.Enabled
}

func millis(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}
