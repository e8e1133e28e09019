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

package segfile

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/coremq/msgstore/msgid"
)

// handleCacheCapacity bounds the underlying LRU's bookkeeping; it
// is not a hard cap on open files (SetMaximumSinceUse is the real
// eviction policy), just large enough that capacity-based eviction
// never fires before the age-based sweep does.
const handleCacheCapacity = 1 << 16

// HandleCache is the handle cache shared across the core (spec
// SPEC_FULL.md §4.A): it holds read-only *Handle values for
// non-current files, keyed by file number, and evicts the least
// recently used entries once they have been idle longer than the
// duration set by SetMaximumSinceUse. This mirrors an external
// file-descriptor throttler driving eviction rather than a fixed
// capacity, same as the fd-pressure signal described in the spec.
type HandleCache struct {
	mgr *Manager

	mu       sync.Mutex
	lru      *lru.Cache
	lastUsed map[int64]time.Time
	maxAge   time.Duration
}

func newHandleCache(m *Manager) *HandleCache {
	c, err := lru.New(handleCacheCapacity)
	if err != nil {
		// Only fails for a non-positive size, which
		// handleCacheCapacity never is.
		panic(err)
	}
	return &HandleCache{
		mgr:      m,
		lru:      c,
		lastUsed: make(map[int64]time.Time),
		maxAge:   0,
	}
}

// SetMaximumSinceUse sets the idle duration after which a cached
// read handle becomes eligible for eviction, and immediately sweeps
// entries that already exceed it. A zero duration disables
// age-based eviction (entries are only evicted by SetMaximumSinceUse
// being called again with a positive value, or by the capacity
// backstop).
func (c *HandleCache) SetMaximumSinceUse(d time.Duration) {
	c.mu.Lock()
	c.maxAge = d
	c.mu.Unlock()
	if d > 0 {
		c.sweep()
	}
}

// Acquire returns a cached read handle for fileNo, opening one via
// the Manager if it is not already cached.
func (c *HandleCache) Acquire(fileNo int64) (*Handle, error) {
	c.mu.Lock()
	if v, ok := c.lru.Get(fileNo); ok {
		c.lastUsed[fileNo] = time.Now()
		c.mu.Unlock()
		return v.(*Handle), nil
	}
	c.mu.Unlock()

	h, err := c.mgr.OpenRead(fileNo)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if v, ok := c.lru.Get(fileNo); ok {
		// Lost the race with another acquirer; use theirs and
		// close the redundant handle we just opened.
		c.lastUsed[fileNo] = time.Now()
		c.mu.Unlock()
		h.close()
		return v.(*Handle), nil
	}
	c.lru.Add(fileNo, h)
	c.lastUsed[fileNo] = time.Now()
	c.mu.Unlock()
	return h, nil
}

// Evict forcibly removes and closes fileNo's cached handle, if
// present. The message store calls this when it is about to ask
// the compactor to mutate or delete a file.
func (c *HandleCache) Evict(fileNo int64) {
	c.mu.Lock()
	v, ok := c.lru.Get(fileNo)
	if ok {
		c.lru.Remove(fileNo)
		delete(c.lastUsed, fileNo)
	}
	c.mu.Unlock()
	if ok {
		v.(*Handle).close()
	}
}

// sweep closes and removes every cached handle whose last use
// predates the configured maximum age. The hashicorp/golang-lru
// Keys() call returns oldest-to-newest, so the scan can stop at the
// first entry still within the age limit.
func (c *HandleCache) sweep() {
	c.mu.Lock()
	cutoff := time.Now().Add(-c.maxAge)
	var dead []*Handle
	for _, k := range c.lru.Keys() {
		fileNo := k.(int64)
		used, ok := c.lastUsed[fileNo]
		if !ok || used.After(cutoff) {
			break
		}
		if v, ok := c.lru.Peek(fileNo); ok {
			dead = append(dead, v.(*Handle))
		}
		c.lru.Remove(fileNo)
		delete(c.lastUsed, fileNo)
	}
	c.mu.Unlock()
	for _, h := range dead {
		h.close()
	}
}

// CurrentFileCache holds the in-flight payload for an id from the
// moment a client writes it until the store has persisted it to the
// current file, enabling zero-latency reads of in-flight writes
// (SPEC_FULL.md §3). Multiple queued writes for the same id
// increment PendingWrites rather than creating a second entry.
type CurrentFileCache struct {
	mu      sync.Mutex
	entries map[msgid.ID]*currentEntry
}

type currentEntry struct {
	payload       []byte
	pendingWrites int
}

// NewCurrentFileCache returns an empty CurrentFileCache.
func NewCurrentFileCache() *CurrentFileCache {
	return &CurrentFileCache{entries: make(map[msgid.ID]*currentEntry)}
}

// Add records a queued write of id with payload, incrementing the
// pending-write count if an entry already exists.
func (c *CurrentFileCache) Add(id msgid.ID, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.pendingWrites++
		return
	}
	c.entries[id] = &currentEntry{payload: payload, pendingWrites: 1}
}

// Get returns the cached payload for id, if any write for it is
// still pending persistence.
func (c *CurrentFileCache) Get(id msgid.ID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return e.payload, true
}

// Persisted marks one queued write for id as durable, dropping the
// entry entirely once its pending-write count reaches zero.
func (c *CurrentFileCache) Persisted(id msgid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.pendingWrites--
	if e.pendingWrites <= 0 {
		delete(c.entries, id)
	}
}

// PruneZeroPending removes every entry with a zero pending-write
// count, used when rolling the current file (SPEC_FULL.md §4.C).
func (c *CurrentFileCache) PruneZeroPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if e.pendingWrites <= 0 {
			delete(c.entries, id)
		}
	}
}
