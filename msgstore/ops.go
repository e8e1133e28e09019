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
	"github.com/coremq/msgstore/msgid"
	"github.com/coremq/msgstore/storeerr"
)

type opKind int

const (
	opWrite opKind = iota
	opRemove
	opRelease
	opSync
	opContains
	opReadDeferred
	opClientInit
	opClientTerminate
	opClientDeleteAndTerminate
	opClientDying
	opCombineDone
	opDeleteDone
	opTerminate
)

// op is the single mailbox message type the store's owning goroutine
// consumes, matching SPEC_FULL.md §5's two-priority channel pair.
// Not every field is used by every kind; see run.go's dispatch.
type op struct {
	kind    opKind
	client  ClientRef
	id      msgid.ID
	ids     []msgid.ID
	payload []byte
	k       func()
	record  *ClientRecord
	result  chan opResult
}

type opResult struct {
	found   bool
	payload []byte
	err     error
}

// Write enqueues a durable write for (client, id, payload). It is
// fully asynchronous: durability is reported later via the client's
// OnMsgDurable callback (registered at ClientInit), or can be waited
// on explicitly with Sync.
func (s *Store) Write(client ClientRef, id msgid.ID, payload []byte) {
	s.normalCh <- op{kind: opWrite, client: client, id: id, payload: payload}
}

// Remove enqueues an asynchronous ref_count decrement for each of
// ids, issued on behalf of client (so a dying client's removes are
// still honored even after it starts tearing down).
func (s *Store) Remove(client ClientRef, ids []msgid.ID) {
	s.normalCh <- op{kind: opRemove, client: client, ids: ids}
}

// Release decrements the dedup cache's reference counts for ids,
// letting go of payload bytes kept around purely for fast re-reads.
func (s *Store) Release(ids []msgid.ID) {
	s.normalCh <- op{kind: opRelease, ids: ids}
}

// Sync registers k to be called once every id in ids has either been
// fsynced to disk or has already disappeared (removed before ever
// reaching disk, which trivially satisfies the durability fence).
func (s *Store) Sync(ids []msgid.ID, k func()) {
	s.highCh <- op{kind: opSync, ids: ids, k: k}
}

// Contains reports whether id currently has a live (ref_count > 0)
// entry. If id's file is locked by the compactor the call is
// deferred until the lock lifts, per SPEC_FULL.md §4.C.
func (s *Store) Contains(id msgid.ID) (bool, error) {
	req := op{kind: opContains, id: id, result: make(chan opResult, 1)}
	s.normalCh <- req
	res := <-req.result
	return res.found, res.err
}

// Read returns id's payload, trying the in-flight current-file cache
// and the dedup cache before falling back to a direct disk read
// through the shared handle cache. It only touches the store's own
// goroutine when id's file is locked.
func (s *Store) Read(id msgid.ID) ([]byte, error) {
	if payload, ok := s.curCache.Get(id); ok {
		return payload, nil
	}
	if payload, ok := s.dedup.Get(id); ok {
		return payload, nil
	}

	entry, ok := s.idx.Lookup(id)
	if !ok || entry.RefCount == 0 || !entry.Located() {
		return nil, storeerr.ErrNotFound
	}

	summary := s.summaries.Get(entry.FileNo)
	if summary == nil {
		return nil, storeerr.ErrNotFound
	}
	entered, ok := s.summaries.TryEnterRead(entry.FileNo)
	if !ok {
		// locked (or raced with a lock taking effect): fall back to
		// the store goroutine, which parks the read behind the
		// file's deferred-op list until it unlocks.
		req := op{kind: opReadDeferred, id: id, result: make(chan opResult, 1)}
		s.normalCh <- req
		res := <-req.result
		return res.payload, res.err
	}
	defer s.summaries.LeaveRead(entered)

	h, err := s.mgr.Cache().Acquire(entry.FileNo)
	if err != nil {
		return nil, err
	}
	_, payload, err := s.mgr.Read(h, entry.Offset, entry.TotalSize)
	if err != nil {
		return nil, storeerr.ErrMisread
	}
	if entry.RefCount > 1 {
		s.dedup.Add(id, payload)
	}
	return payload, nil
}

// ClientInit registers client with the callbacks in rec, which the
// store's goroutine invokes whenever client's writes become durable
// or its open handles need to be closed (e.g. ahead of a compaction
// deleting the underlying file).
func (s *Store) ClientInit(client ClientRef, rec ClientRecord) {
	s.normalCh <- op{kind: opClientInit, client: client, record: &rec}
}

// ClientTerminate deregisters client. It blocks until the store's
// goroutine has processed every op already queued on client's behalf.
func (s *Store) ClientTerminate(client ClientRef) {
	req := op{kind: opClientTerminate, client: client, result: make(chan opResult, 1)}
	s.normalCh <- req
	<-req.result
}

// ClientDeleteAndTerminate marks client as dying (suppressing any of
// its writes still in flight, per classifyWrite's writeIgnore* cases)
// and then removes ids before deregistering it.
func (s *Store) ClientDeleteAndTerminate(client ClientRef, ids []msgid.ID) {
	s.highCh <- op{kind: opClientDying, client: client}
	s.normalCh <- op{kind: opClientDeleteAndTerminate, client: client, ids: ids}
}
