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
	"time"

	"github.com/coremq/msgstore/compactor"
	"github.com/coremq/msgstore/msgid"
	"github.com/coremq/msgstore/msgindex"
	"github.com/coremq/msgstore/segfile"
	"github.com/coremq/msgstore/storeerr"
)

// run is the store's single owning goroutine. It drains the high-
// priority channel before the normal one on every iteration,
// matching SPEC_FULL.md §5's "gen_server2 priority lanes".
func (s *Store) run() {
	defer s.wg.Done()
	syncTicker := time.NewTicker(s.cfg.SyncInterval())
	defer syncTicker.Stop()

	for {
		select {
		case o := <-s.highCh:
			if s.dispatch(o) {
				return
			}
			continue
		default:
		}

		select {
		case o := <-s.highCh:
			if s.dispatch(o) {
				return
			}
		case o := <-s.normalCh:
			if s.dispatch(o) {
				return
			}
		case res := <-s.compactorW.Results():
			s.onCompactionResult(res)
		case <-syncTicker.C:
			s.flushCurrent()
		}
	}
}

// dispatch handles one op and reports whether the store should shut
// down (true only for opTerminate).
func (s *Store) dispatch(o op) bool {
	switch o.kind {
	case opWrite:
		s.handleWrite(o)
	case opRemove:
		s.handleRemove(o)
	case opRelease:
		s.dedup.Release(o.ids)
	case opSync:
		s.handleSync(o)
	case opContains:
		s.handleContains(o)
	case opReadDeferred:
		s.handleReadDeferred(o)
	case opClientInit:
		s.clients[o.client] = o.record
	case opClientTerminate:
		delete(s.clients, o.client)
		delete(s.dying, o.client)
		o.result <- opResult{}
	case opClientDying:
		s.dying[o.client] = true
	case opClientDeleteAndTerminate:
		s.handleRemove(op{client: o.client, ids: o.ids})
		delete(s.clients, o.client)
		delete(s.dying, o.client)
	case opCombineDone, opDeleteDone:
		o.k()
	case opTerminate:
		s.flushCurrent()
		err := s.idx.Terminate()
		if err == nil {
			err = writeFileSummaries(s.dir, s.snapshotFileSummaries())
		}
		if err == nil {
			err = writeCleanShutdown(s.dir)
		}
		s.compactorW.Stop()
		o.result <- opResult{err: err}
		return true
	}
	return false
}

// isLocked reports whether fileNo's summary is currently locked by
// the compactor.
func (s *Store) isLocked(fileNo int64) bool {
	sum := s.summaries.Get(fileNo)
	return sum != nil && sum.Locked
}

// deferOp parks o on fileNo's completion list, to be replayed in
// arrival order once the file unlocks.
func (s *Store) deferOp(fileNo int64, o op) {
	s.deferredOps[fileNo] = append(s.deferredOps[fileNo], o)
}

func (s *Store) replayDeferred(fileNo int64) {
	ops := s.deferredOps[fileNo]
	delete(s.deferredOps, fileNo)
	for _, o := range ops {
		s.dispatch(o)
	}
}

func (s *Store) handleWrite(o op) {
	dying := s.dying[o.client]
	entry, exists := s.idx.Lookup(o.id)
	var entryPtr *msgindex.Entry
	if exists {
		entryPtr = &entry
	}
	locked := exists && entry.Located() && s.isLocked(entry.FileNo)
	if exists && !entry.Located() {
		locked = false
	}

	switch classifyWrite(dying, entryPtr, locked) {
	case writeAppend:
		s.appendAndInsert(o.client, o.id, o.payload)
	case writeDeleteThenAppend:
		s.idx.Delete(o.id)
		s.appendAndInsert(o.client, o.id, o.payload)
	case writeBumpConfirm:
		s.idx.Update(o.id, func(e *msgindex.Entry) { e.RefCount++ })
		if entry.RefCount == 0 && entry.Located() && !locked {
			sum := s.summaries.Get(entry.FileNo)
			if sum != nil {
				sum.ValidTotalSize += entry.TotalSize
				s.validSum += entry.TotalSize
			}
		}
		s.confirmWritten(o.client, o.id)
	case writeIgnoreByIncrement, writeIgnore:
		// no-op
	}
}

func (s *Store) appendAndInsert(client ClientRef, id msgid.ID, payload []byte) {
	s.rollIfWouldOverflow(segfile.FrameSize(len(id), len(payload)))

	s.curCache.Add(id, payload)
	offset, total, err := s.mgr.Append(s.curHandle, id, payload)
	if err != nil {
		s.log.Error().Err(err).Msg("append failed")
		return
	}
	s.idx.Insert(id, msgindex.Entry{RefCount: 1, FileNo: s.curFileNo, Offset: offset, TotalSize: total})

	sum := s.summaries.Get(s.curFileNo)
	sum.ValidTotalSize += total
	sum.FileSize = s.curHandle.Position()
	s.fileSizeSum += total
	s.validSum += total

	s.pending[s.curFileNo] = append(s.pending[s.curFileNo], syncWaiter{
		id: id, required: offset + total, client: client, isWrite: true,
	})

	s.recomputeCompactionTrigger()
}

// confirmWritten invokes client's OnMsgDurable(Written) immediately,
// used for the writeBumpConfirm path where nothing new needs to
// reach disk.
func (s *Store) confirmWritten(client ClientRef, id msgid.ID) {
	if rec, ok := s.clients[client]; ok && rec.OnMsgDurable != nil {
		rec.OnMsgDurable([]msgid.ID{id}, Written)
	}
}

func (s *Store) handleRemove(o op) {
	for _, id := range o.ids {
		entry, exists := s.idx.Lookup(id)
		var entryPtr *msgindex.Entry
		if exists {
			entryPtr = &entry
		}
		locked := exists && entry.Located() && s.isLocked(entry.FileNo)

		switch classifyRemove(entryPtr, locked) {
		case removeNoEntry:
			// already gone
		case removeDecrement:
			s.idx.Update(id, func(e *msgindex.Entry) { e.RefCount-- })
		case removeDeferToLock:
			s.deferOp(entry.FileNo, op{kind: opRemove, client: o.client, ids: []msgid.ID{id}})
			continue
		case removeReclaim:
			s.idx.Update(id, func(e *msgindex.Entry) { e.RefCount = 0 })
			sum := s.summaries.Get(entry.FileNo)
			if sum != nil {
				sum.ValidTotalSize -= entry.TotalSize
				s.validSum -= entry.TotalSize
				if sum.ValidTotalSize == 0 && entry.FileNo != s.curFileNo {
					s.dispatchDelete(sum)
				}
			}
		}
		if rec, ok := s.clients[o.client]; ok && rec.OnMsgDurable != nil {
			rec.OnMsgDurable([]msgid.ID{id}, Removed)
		}
	}
	s.recomputeCompactionTrigger()
}

func (s *Store) handleContains(o op) {
	entry, exists := s.idx.Lookup(o.id)
	if exists && entry.Located() && s.isLocked(entry.FileNo) {
		s.deferOp(entry.FileNo, o)
		return
	}
	o.result <- opResult{found: exists && entry.RefCount > 0}
}

func (s *Store) handleReadDeferred(o op) {
	entry, exists := s.idx.Lookup(o.id)
	if !exists || entry.RefCount == 0 || !entry.Located() {
		o.result <- opResult{err: storeerr.ErrNotFound}
		return
	}
	if s.isLocked(entry.FileNo) {
		s.deferOp(entry.FileNo, o)
		return
	}
	h, err := s.mgr.Cache().Acquire(entry.FileNo)
	if err != nil {
		o.result <- opResult{err: err}
		return
	}
	_, payload, err := s.mgr.Read(h, entry.Offset, entry.TotalSize)
	if err != nil {
		o.result <- opResult{err: storeerr.ErrMisread}
		return
	}
	o.result <- opResult{payload: payload}
}

func (s *Store) handleSync(o op) {
	grp := &syncGroup{remaining: len(o.ids), k: o.k}
	if grp.remaining == 0 {
		o.k()
		return
	}
	for _, id := range o.ids {
		entry, exists := s.idx.Lookup(id)
		if !exists || !entry.Located() {
			grp.remaining--
			continue
		}
		lastSynced := s.lastSyncedAt[entry.FileNo]
		if entry.Offset+entry.TotalSize <= lastSynced {
			grp.remaining--
			continue
		}
		s.pending[entry.FileNo] = append(s.pending[entry.FileNo], syncWaiter{id: id, required: entry.Offset + entry.TotalSize, group: grp})
	}
	if grp.remaining == 0 {
		grp.k()
		return
	}
	s.flushCurrent()
}

// flushCurrent fsyncs the current file and fires every pending sync
// waiter whose required offset has now been reached.
func (s *Store) flushCurrent() {
	if s.curHandle == nil {
		return
	}
	if err := s.mgr.Sync(s.curHandle); err != nil {
		s.log.Error().Err(err).Msg("sync failed")
		return
	}
	pos := s.curHandle.Position()
	s.lastSyncedAt[s.curFileNo] = pos
	s.curCache.PruneZeroPending()

	waiters := s.pending[s.curFileNo]
	var remain []syncWaiter
	for _, w := range waiters {
		if w.required > pos {
			remain = append(remain, w)
			continue
		}
		if w.group != nil {
			w.group.remaining--
			if w.group.remaining == 0 {
				w.group.k()
			}
		}
		if w.isWrite {
			s.curCache.Persisted(w.id)
			if rec, ok := s.clients[w.client]; ok && rec.OnMsgDurable != nil {
				rec.OnMsgDurable([]msgid.ID{w.id}, Written)
			}
		}
	}
	if len(remain) == 0 {
		delete(s.pending, s.curFileNo)
	} else {
		s.pending[s.curFileNo] = remain
	}
}

// rollIfWouldOverflow implements SPEC_FULL.md §4.C's rolling
// algorithm: when appending incoming bytes to the current file would
// push it past FileSizeLimit, sync, close, link to a fresh successor
// file, and prune settled current-file-cache rows before the write
// proceeds.
func (s *Store) rollIfWouldOverflow(incoming int64) {
	limit := s.cfg.FileSizeLimit
	if s.curHandle.Position()+incoming <= limit {
		return
	}
	s.flushCurrent()
	oldNo := s.curFileNo
	oldSum := s.summaries.Get(oldNo)
	if err := s.mgr.Close(s.curHandle); err != nil {
		s.log.Error().Err(err).Msg("close before roll failed")
	}

	newNo := oldNo + 1
	h, err := s.mgr.OpenAppend(newNo)
	if err != nil {
		s.log.Error().Err(err).Msg("opening successor file failed")
		return
	}
	newSum := &segfile.Summary{FileNo: newNo, Left: oldNo, Right: segfile.NoFile}
	oldSum.Right = newNo
	s.summaries.Put(newSum)

	s.curFileNo = newNo
	s.curHandle = h
	s.curCache.PruneZeroPending()
}

// recomputeCompactionTrigger implements SPEC_FULL.md §4.C's
// compaction trigger: after any removal or roll, check whether the
// store is garbage-heavy enough to justify combining a neighbor pair,
// and separately sweep for already-empty non-current files.
func (s *Store) recomputeCompactionTrigger() {
	total, valid := s.summaries.TotalAndValid()
	limit := s.cfg.FileSizeLimit
	if total > 2*limit && total > 0 {
		garbage := float64(total-valid) / float64(total)
		if garbage > s.cfg.GarbageTriggerFraction() {
			s.findAndDispatchCombine(limit)
		}
	}
	s.sweepEmptyFiles()
}

func (s *Store) findAndDispatchCombine(limit int64) {
	for _, no := range s.summaries.Snapshot() {
		dst := s.summaries.Get(no)
		if dst == nil || dst.Locked || dst.ValidTotalSize == 0 || dst.Right == segfile.NoFile {
			continue
		}
		src := s.summaries.Get(dst.Right)
		if src == nil || src.Locked || src.ValidTotalSize == 0 || src.FileNo == s.curFileNo {
			continue
		}
		if dst.ValidTotalSize+src.ValidTotalSize > limit {
			continue
		}
		s.summaries.Lock(dst, src)
		s.compactorW.Submit(compactor.Job{Kind: compactor.Combine, Dst: dst, Src: src})
		return
	}
}

func (s *Store) sweepEmptyFiles() {
	for _, no := range s.summaries.Snapshot() {
		if no == s.curFileNo {
			continue
		}
		sum := s.summaries.Get(no)
		if sum == nil || sum.Locked || sum.ValidTotalSize != 0 {
			continue
		}
		s.dispatchDelete(sum)
	}
}

func (s *Store) dispatchDelete(sum *segfile.Summary) {
	sum.Locked = true
	s.compactorW.Submit(compactor.Job{Kind: compactor.Delete, Src: sum})
}

// onCompactionResult reacts to a finished compaction job. The file
// cannot be unlinked from bookkeeping until every in-flight client
// read against it has finished, so the readers==0 wait happens on a
// throwaway goroutine that reports back onto the normal mailbox
// (opCombineDone/opDeleteDone) rather than blocking run itself.
func (s *Store) onCompactionResult(res compactor.Result) {
	switch res.Job.Kind {
	case compactor.Combine:
		dst, src := res.Job.Dst, res.Job.Src
		for _, cr := range s.handles.OpenClients(src.FileNo) {
			if rec, ok := s.clientByRef(cr); ok && rec.OnCloseFDs != nil {
				rec.OnCloseFDs()
			}
		}
		s.awaitReaders(src, opCombineDone, func() {
			s.mgr.Cache().Evict(src.FileNo)
			s.summaries.Delete(src.FileNo)
			if right := src.Right; right != segfile.NoFile {
				if rightSum := s.summaries.Get(right); rightSum != nil {
					rightSum.Left = dst.FileNo
				}
			}
			dst.Right = src.Right
			dst.ValidTotalSize = res.NewValid
			dst.FileSize = res.NewSize
			s.fileSizeSum -= res.Reclaimed
			s.summaries.Unlock(dst)
			s.replayDeferred(dst.FileNo)
			s.replayDeferred(src.FileNo)
		})
	case compactor.Delete:
		src := res.Job.Src
		s.awaitReaders(src, opDeleteDone, func() {
			s.mgr.Cache().Evict(src.FileNo)
			s.summaries.Delete(src.FileNo)
			if left := src.Left; left != segfile.NoFile {
				if l := s.summaries.Get(left); l != nil {
					l.Right = src.Right
				}
			}
			if right := src.Right; right != segfile.NoFile {
				if r := s.summaries.Get(right); r != nil {
					r.Left = src.Left
				}
			}
			s.fileSizeSum -= res.Reclaimed
			s.replayDeferred(src.FileNo)
		})
	}
}

// awaitReaders spawns a goroutine that polls src's reader count and,
// once it reaches zero, posts finish back onto the owning goroutine's
// normal channel so all the bookkeeping in finish still only ever
// runs on that one goroutine.
func (s *Store) awaitReaders(src *segfile.Summary, kind opKind, finish func()) {
	go func() {
		for src.Readers() > 0 {
			time.Sleep(time.Millisecond)
		}
		s.normalCh <- op{kind: kind, k: finish}
	}()
}

func (s *Store) clientByRef(ref ClientRef) (*ClientRecord, bool) {
	rec, ok := s.clients[ref]
	return rec, ok
}
