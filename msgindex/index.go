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

// Package msgindex implements the pluggable message index described
// in SPEC_FULL.md §4.B: a map from message id to its reference count
// and on-disk location. The reference implementation, MemIndex,
// backs the map with a plain mutex-guarded map plus a compressed
// persisted snapshot, and is safe for concurrent reads from client
// goroutines while all writes come from the owning message store.
package msgindex

import (
	"sync"

	"github.com/coremq/msgstore/msgid"
)

// NoFile marks an entry whose payload location is not yet known,
// i.e. one produced only by a reference-count delta observed during
// crash recovery (SPEC_FULL.md §3).
const NoFile int64 = -1

// Entry is one message index row.
type Entry struct {
	RefCount  int
	FileNo    int64 // NoFile if not yet located
	Offset    int64
	TotalSize int64
}

// Located reports whether e has a known (FileNo, Offset).
func (e Entry) Located() bool { return e.FileNo != NoFile }

// Index is the pluggable message index interface. Implementations
// must allow Lookup to be called concurrently with every other
// method, since client reads call Lookup directly; Insert, Update
// and Delete are only ever called by the message store's single
// owning goroutine.
type Index interface {
	// Lookup returns the entry for id, if any.
	Lookup(id msgid.ID) (Entry, bool)

	// Insert adds a brand-new entry for id. It panics if id is
	// already present, since the store's write-decision table
	// (SPEC_FULL.md §4.C) never calls Insert for an id it has not
	// already confirmed is absent.
	Insert(id msgid.ID, e Entry)

	// Update atomically applies fn to the existing entry for id,
	// replacing it with whatever fn leaves in the value it is
	// given. It returns false if id has no entry.
	Update(id msgid.ID, fn func(*Entry)) bool

	// Delete removes id's entry outright.
	Delete(id msgid.ID)

	// DeleteByFile removes every entry pointing at fileNo and
	// returns the ids removed, used by the compactor for the file a
	// delete or combine job has just removed.
	DeleteByFile(fileNo int64) []msgid.ID

	// Snapshot returns a point-in-time copy of every entry, used
	// by the compaction trigger scan and by persistence.
	Snapshot() map[msgid.ID]Entry

	// Terminate flushes any pending persisted state and releases
	// resources. After Terminate, the Index must not be used again.
	Terminate() error
}

// MemIndex is the reference Index implementation: an in-memory map
// guarded by a RWMutex, with an optional persisted snapshot file
// (see snapshot.go) for fast warm start.
type MemIndex struct {
	mu      sync.RWMutex
	rows    map[msgid.ID]Entry
	snapDir string
}

// New creates a fresh, empty MemIndex rooted at dir (used for its
// snapshot file; dir need not exist yet if snapshotting is never
// exercised).
func New(dir string) (*MemIndex, error) {
	return &MemIndex{rows: make(map[msgid.ID]Entry), snapDir: dir}, nil
}

// Recover loads a MemIndex from dir's persisted snapshot, if one
// exists, or returns an empty index otherwise (the caller is
// expected to then rebuild missing entries from a segment file
// scan, per SPEC_FULL.md §4.D).
func Recover(dir string) (*MemIndex, error) {
	idx := &MemIndex{rows: make(map[msgid.ID]Entry), snapDir: dir}
	if err := idx.loadSnapshot(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (m *MemIndex) Lookup(id msgid.ID) (Entry, bool) {
	m.mu.RLock()
	e, ok := m.rows[id]
	m.mu.RUnlock()
	return e, ok
}

func (m *MemIndex) Insert(id msgid.ID, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rows[id]; exists {
		panic("msgindex: Insert of id already present: " + id.String())
	}
	m.rows[id] = e
}

func (m *MemIndex) Update(id msgid.ID, fn func(*Entry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return false
	}
	fn(&e)
	m.rows[id] = e
	return true
}

func (m *MemIndex) Delete(id msgid.ID) {
	m.mu.Lock()
	delete(m.rows, id)
	m.mu.Unlock()
}

func (m *MemIndex) DeleteByFile(fileNo int64) []msgid.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dead []msgid.ID
	for id, e := range m.rows {
		if e.FileNo == fileNo {
			dead = append(dead, id)
			delete(m.rows, id)
		}
	}
	return dead
}

func (m *MemIndex) Snapshot() map[msgid.ID]Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[msgid.ID]Entry, len(m.rows))
	for k, v := range m.rows {
		out[k] = v
	}
	return out
}

func (m *MemIndex) Terminate() error {
	return m.saveSnapshot()
}
