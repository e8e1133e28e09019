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

package msgstore

import (
	"sync"

	"github.com/coremq/msgstore/msgid"
)

// DedupCache holds payload bytes for ids with more than one live
// reference, so a second, third, ... read of the same id never pays
// for a second disk seek. Release (called on the store's "release"
// op) decrements the held count; the row is dropped once it reaches
// zero. Safe for concurrent use, since Read's fast path consults it
// from arbitrary client goroutines while Release comes off the
// store's own goroutine.
type DedupCache struct {
	mu   sync.Mutex
	rows map[msgid.ID]*dedupRow
}

type dedupRow struct {
	payload []byte
	held    int
}

// NewDedupCache returns an empty DedupCache.
func NewDedupCache() *DedupCache {
	return &DedupCache{rows: make(map[msgid.ID]*dedupRow)}
}

// Add inserts or refreshes id's cached payload and bumps its held
// count.
func (c *DedupCache) Add(id msgid.ID, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if row, ok := c.rows[id]; ok {
		row.held++
		return
	}
	c.rows[id] = &dedupRow{payload: payload, held: 1}
}

// Get returns id's cached payload, if present.
func (c *DedupCache) Get(id msgid.ID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.rows[id]
	if !ok {
		return nil, false
	}
	return row.payload, true
}

// Release decrements each id's held count, dropping the row once it
// reaches zero.
func (c *DedupCache) Release(ids []msgid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		row, ok := c.rows[id]
		if !ok {
			continue
		}
		row.held--
		if row.held <= 0 {
			delete(c.rows, id)
		}
	}
}
