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

import "sync"

// ClientRef identifies a registered client of the message store.
type ClientRef uint64

// HandleState records whether a client believes it holds an open
// read handle into a given file.
type HandleState bool

const (
	HandleClosed HandleState = false
	HandleOpen   HandleState = true
)

type handleKey struct {
	Client ClientRef
	FileNo int64
}

// HandleTable is the shared `file_handles` table from
// SPEC_FULL.md §3: it lets the store ask a client to close its
// handles into a file before the compactor removes it, without the
// store needing to track per-client file descriptors itself.
type HandleTable struct {
	mu   sync.Mutex
	rows map[handleKey]HandleState
}

// NewHandleTable returns an empty HandleTable.
func NewHandleTable() *HandleTable {
	return &HandleTable{rows: make(map[handleKey]HandleState)}
}

// MarkOpen records that client holds an open handle into fileNo.
func (t *HandleTable) MarkOpen(client ClientRef, fileNo int64) {
	t.mu.Lock()
	t.rows[handleKey{client, fileNo}] = HandleOpen
	t.mu.Unlock()
}

// MarkClosed records that client has closed its handle into fileNo.
func (t *HandleTable) MarkClosed(client ClientRef, fileNo int64) {
	t.mu.Lock()
	t.rows[handleKey{client, fileNo}] = HandleClosed
	t.mu.Unlock()
}

// OpenClients returns every client believed to hold an open handle
// into fileNo, so the store can invoke their OnCloseFDs callback.
func (t *HandleTable) OpenClients(fileNo int64) []ClientRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ClientRef
	for k, st := range t.rows {
		if k.FileNo == fileNo && st == HandleOpen {
			out = append(out, k.Client)
		}
	}
	return out
}

// Forget drops every row for client, called from client_terminate.
func (t *HandleTable) Forget(client ClientRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.rows {
		if k.Client == client {
			delete(t.rows, k)
		}
	}
}
