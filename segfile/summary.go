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
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/maps"
)

// NoFile is the sentinel used for a missing left/right neighbor.
const NoFile int64 = -1

// Summary is the per-file metadata record described in SPEC_FULL.md
// §3. It is always accessed through a *Summary obtained from a
// SummaryTable so that the embedded atomic reader count is shared.
//
// Invariants: 0 <= ValidTotalSize <= FileSize; if Locked, only the
// compactor holding the lock may write to the file, and readers
// that observed Locked==false before incrementing Readers may still
// be in flight (tracked by Readers); the current file is never
// Locked.
type Summary struct {
	FileNo         int64
	ValidTotalSize int64
	Left, Right    int64 // NoFile if absent
	FileSize       int64
	Locked         bool
	readers        atomic.Int32
}

// Readers returns the number of client reads currently in flight
// against this file.
func (s *Summary) Readers() int32 { return s.readers.Load() }

func (s *Summary) addReader() { s.readers.Add(1) }
func (s *Summary) dropReader() {
	if s.readers.Add(-1) < 0 {
		panic("segfile: reader count went negative")
	}
}

// SummaryTable is the shared, single-writer/multi-reader file
// summary table. The message store is the only writer; client
// reads consult it via RLock to decide whether a file is safe to
// open directly, mirroring the split between dcache.Cache's
// write-guarded rocache map and its lock-free mapping reference
// counting once a mapping has been published.
type SummaryTable struct {
	mu   sync.RWMutex
	rows map[int64]*Summary
}

// NewSummaryTable returns an empty SummaryTable.
func NewSummaryTable() *SummaryTable {
	return &SummaryTable{rows: make(map[int64]*Summary)}
}

// Put installs or replaces the summary for s.FileNo. Only the
// owning message store goroutine should call this.
func (t *SummaryTable) Put(s *Summary) {
	t.mu.Lock()
	t.rows[s.FileNo] = s
	t.mu.Unlock()
}

// Delete removes the summary for fileNo. Only the owning message
// store goroutine should call this, and only after the file has
// actually been unlinked.
func (t *SummaryTable) Delete(fileNo int64) {
	t.mu.Lock()
	delete(t.rows, fileNo)
	t.mu.Unlock()
}

// Get returns the summary for fileNo, or nil if it is not live.
// Safe for concurrent client use.
func (t *SummaryTable) Get(fileNo int64) *Summary {
	t.mu.RLock()
	s := t.rows[fileNo]
	t.mu.RUnlock()
	return s
}

// Snapshot returns a copy of the live file numbers, sorted
// ascending, matching the spec's "set of live files is the
// intersection of the left/right list and the file-summary table"
// invariant (here the table is the single source of truth and the
// left/right chain is threaded through the Summary values
// themselves, so the intersection is trivially the table).
func (t *SummaryTable) Snapshot() []int64 {
	t.mu.RLock()
	nos := maps.Keys(t.rows)
	t.mu.RUnlock()
	sort.Slice(nos, func(i, j int) bool { return nos[i] < nos[j] })
	return nos
}

// TryEnterRead attempts to register a client read against fileNo.
// It returns the Summary and true if the file is live and not
// locked, in which case the caller must call LeaveRead when done.
// If the file is locked or missing, it returns (nil, false) and
// the caller must defer the read to the store's deferred-op list.
func (t *SummaryTable) TryEnterRead(fileNo int64) (*Summary, bool) {
	t.mu.RLock()
	s := t.rows[fileNo]
	t.mu.RUnlock()
	if s == nil {
		return nil, false
	}
	s.addReader()
	// Re-check Locked after incrementing; if the compactor locked
	// the file concurrently with our lookup, back off immediately
	// so the lock holder's "wait for readers==0" convergence isn't
	// stalled by a reader that arrived after the lock.
	t.mu.RLock()
	locked := s.Locked
	t.mu.RUnlock()
	if locked {
		s.dropReader()
		return nil, false
	}
	return s, true
}

// LeaveRead unregisters a client read previously started with
// TryEnterRead.
func (t *SummaryTable) LeaveRead(s *Summary) {
	s.dropReader()
}

// TotalAndValid returns the sum of FileSize and ValidTotalSize
// across all live files, used by the compaction trigger.
func (t *SummaryTable) TotalAndValid() (total, valid int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.rows {
		total += s.FileSize
		valid += s.ValidTotalSize
	}
	return total, valid
}

// Lock marks both files as locked for exclusive compactor access.
// Only the owning message store goroutine should call this.
func (t *SummaryTable) Lock(a, b *Summary) {
	t.mu.Lock()
	a.Locked = true
	b.Locked = true
	t.mu.Unlock()
}

// Unlock clears the Locked flag on s. Only the owning message
// store goroutine should call this, and only after the compactor
// has confirmed completion and Readers has drained to zero.
func (t *SummaryTable) Unlock(s *Summary) {
	t.mu.Lock()
	s.Locked = false
	t.mu.Unlock()
}
