// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config carries the tunables enumerated in the message
// store specification. Values are decoded from YAML using
// sigs.k8s.io/yaml (which round-trips through the struct's json
// tags), matching the teacher's convention for structured on-disk
// configuration (see db.TableDefinition).
package config

import (
	"fmt"
	"time"

	"sigs.k8s.io/yaml"
)

const (
	// DefaultFileSizeLimit is the default maximum size, in bytes,
	// of a single segment (.rdq) file.
	DefaultFileSizeLimit int64 = 16 << 20

	// GarbageFraction is the fixed compaction trigger threshold.
	// The spec defines this as a constant, not a tunable, but it
	// is kept as a field so tests can override it.
	GarbageFraction = 0.5

	// DefaultIOBatchSize is the number of positions moved per
	// alpha-to-beta / beta-to-gamma / beta-to-delta conversion step.
	DefaultIOBatchSize = 64

	// DefaultSyncIntervalMS is the default fsync coalescing interval.
	DefaultSyncIntervalMS = 5

	// DefaultRAMDurationUpdateMS is the default period between
	// rate-sampling and target_ram_count recomputation.
	DefaultRAMDurationUpdateMS = 5000

	// DefaultHandleCacheBufferSize is the default per-handle
	// write buffer size.
	DefaultHandleCacheBufferSize = 1 << 20
)

// Config holds every tunable named in the specification's
// "Configuration" section.
type Config struct {
	// FileSizeLimit is the maximum number of bytes a single
	// segment file may hold before it is rolled.
	FileSizeLimit int64 `json:"file_size_limit"`

	// GarbageFractionOverride, if non-zero, overrides the fixed
	// 0.5 compaction trigger fraction. Intended for tests only.
	GarbageFractionOverride float64 `json:"garbage_fraction,omitempty"`

	// IOBatchSize is the number of positions processed per
	// memory-reduction step.
	IOBatchSize int `json:"io_batch_size"`

	// SyncIntervalMS is the number of milliseconds the store
	// coalesces writes for before issuing an fsync.
	SyncIntervalMS int `json:"sync_interval_ms"`

	// RAMDurationUpdateMS is the period, in milliseconds,
	// between rate samples and target_ram_count recomputation.
	RAMDurationUpdateMS int `json:"ram_duration_update_ms"`

	// HibernateAfterMS is how long a queue backing must be idle
	// before it is eligible to hibernate.
	HibernateAfterMS int `json:"hibernate_after_ms"`

	// DesiredHibernateMS is the target duration of a single
	// hibernation nap.
	DesiredHibernateMS int `json:"desired_hibernate_ms"`

	// HandleCacheBufferSize is the size, in bytes, of the write
	// buffer maintained per open segment file handle.
	HandleCacheBufferSize int `json:"handle_cache_buffer_size"`

	// MsgStoreIndexModule names the message index backend to use.
	// "mem" selects msgindex.MemIndex; other values are reserved
	// for pluggable backends (see msgindex.Index).
	MsgStoreIndexModule string `json:"msg_store_index_module"`
}

// garbageFraction returns the effective compaction trigger
// fraction, honoring GarbageFractionOverride when set.
func (c *Config) garbageFraction() float64 {
	if c.GarbageFractionOverride > 0 {
		return c.GarbageFractionOverride
	}
	return GarbageFraction
}

// GarbageTriggerFraction exposes the effective compaction
// trigger fraction for use by msgstore.
func (c *Config) GarbageTriggerFraction() float64 { return c.garbageFraction() }

// Default returns a Config populated with the specification's
// default values.
func Default() Config {
	return Config{
		FileSizeLimit:         DefaultFileSizeLimit,
		IOBatchSize:           DefaultIOBatchSize,
		SyncIntervalMS:        DefaultSyncIntervalMS,
		RAMDurationUpdateMS:   DefaultRAMDurationUpdateMS,
		HandleCacheBufferSize: DefaultHandleCacheBufferSize,
		MsgStoreIndexModule:   "mem",
	}
}

// SyncInterval returns SyncIntervalMS as a time.Duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMS) * time.Millisecond
}

// RAMDurationUpdateInterval returns RAMDurationUpdateMS as a
// time.Duration.
func (c *Config) RAMDurationUpdateInterval() time.Duration {
	return time.Duration(c.RAMDurationUpdateMS) * time.Millisecond
}

// Validate applies defaults to zero fields and rejects
// configurations that could never make progress.
func (c *Config) Validate() error {
	def := Default()
	if c.FileSizeLimit <= 0 {
		c.FileSizeLimit = def.FileSizeLimit
	}
	if c.IOBatchSize <= 0 {
		c.IOBatchSize = def.IOBatchSize
	}
	if c.SyncIntervalMS <= 0 {
		c.SyncIntervalMS = def.SyncIntervalMS
	}
	if c.RAMDurationUpdateMS <= 0 {
		c.RAMDurationUpdateMS = def.RAMDurationUpdateMS
	}
	if c.HandleCacheBufferSize <= 0 {
		c.HandleCacheBufferSize = def.HandleCacheBufferSize
	}
	if c.MsgStoreIndexModule == "" {
		c.MsgStoreIndexModule = def.MsgStoreIndexModule
	}
	if c.FileSizeLimit < int64(msgFrameOverheadMin) {
		return fmt.Errorf("config: file_size_limit %d too small to hold a single record", c.FileSizeLimit)
	}
	return nil
}

// msgFrameOverheadMin is a conservative lower bound on the number
// of bytes a single framed record needs beyond its payload; used
// only to reject obviously-too-small file size limits early.
const msgFrameOverheadMin = 32

// Load decodes a Config from YAML bytes and validates it.
func Load(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: decoding: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
