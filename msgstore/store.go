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

// Package msgstore implements the persistent message store,
// SPEC_FULL.md §4.C: the component that owns a directory of segment
// files plus their message index, and arbitrates concurrent
// writes/removes/reads from many clients against a single background
// goroutine.
package msgstore

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coremq/msgstore/compactor"
	"github.com/coremq/msgstore/config"
	"github.com/coremq/msgstore/msgid"
	"github.com/coremq/msgstore/msgindex"
	"github.com/coremq/msgstore/segfile"
	"github.com/coremq/msgstore/storelog"
)

// ClientRef identifies one registered client of a Store.
type ClientRef = segfile.ClientRef

// DurableAction is passed to a client's OnMsgDurable callback.
type DurableAction int

const (
	Written DurableAction = iota
	Removed
)

func (a DurableAction) String() string {
	if a == Removed {
		return "removed"
	}
	return "written"
}

// ClientRecord is what a caller registers via ClientInit: the
// callbacks the store invokes on that client's behalf.
type ClientRecord struct {
	OnMsgDurable func(ids []msgid.ID, action DurableAction)
	OnCloseFDs   func()
}

// Store is one message-store instance: a directory of segment files,
// a message index, a compactor, and the bookkeeping described in
// SPEC_FULL.md §4.C. All exported methods are safe to call
// concurrently; most simply enqueue work for the owning goroutine
// (run, in run.go), except Read's fast path, which runs on the
// caller's goroutine against the shared SummaryTable (under its read
// lock) and handle cache per SPEC_FULL.md §5.
type Store struct {
	dir string
	cfg config.Config
	mgr *segfile.Manager
	idx msgindex.Index

	summaries *segfile.SummaryTable
	handles   *segfile.HandleTable
	curCache  *segfile.CurrentFileCache
	dedup     *DedupCache

	compactorW *compactor.Worker

	highCh   chan op
	normalCh chan op
	wg       sync.WaitGroup

	log zerolog.Logger

	// fields below are only ever touched by the owning goroutine (run)
	clients      map[ClientRef]*ClientRecord
	dying        map[ClientRef]bool
	curFileNo    int64
	curHandle    *segfile.Handle
	lastSyncedAt map[int64]int64 // fileNo -> last fsynced offset
	pending      map[int64][]syncWaiter
	deferredOps  map[int64][]op // fileNo -> parked ops, replayed on unlock
	fileSizeSum  int64
	validSum     int64
}

// syncWaiter is one id a pending Sync(ids, k) call is still waiting
// on; group tracks how many sibling waiters from the same call remain
// so k fires exactly once. A plain write's durability notification
// rides the same mechanism: it registers a waiter with client set and
// group left nil, so flushCurrent fires that client's OnMsgDurable
// the moment the write's offset is synced, without anyone having
// called Sync explicitly.
type syncWaiter struct {
	id       msgid.ID
	required int64
	group    *syncGroup
	client   ClientRef
	isWrite  bool
}

type syncGroup struct {
	remaining int
	k         func()
}

// New creates a brand-new, empty store rooted at dir.
func New(dir string, key segfile.Key, cfg config.Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mgr := segfile.NewManager(dir, key, cfg.HandleCacheBufferSize)
	idx, err := msgindex.New(dir)
	if err != nil {
		return nil, err
	}
	h, err := mgr.OpenAppend(0)
	if err != nil {
		return nil, err
	}
	if err := removeCleanShutdown(dir); err != nil {
		return nil, err
	}
	s := newStore(mgr, idx, cfg)
	s.dir = dir
	s.curFileNo = 0
	s.curHandle = h
	s.summaries.Put(&segfile.Summary{FileNo: 0, Left: segfile.NoFile, Right: segfile.NoFile})
	s.start()
	return s, nil
}

// Recover reopens a store directory after a restart: it reunites any
// `.rdt` tmp files into their mains, rebuilds/loads the index, and
// picks up where the current file left off.
func Recover(dir string, key segfile.Key, cfg config.Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mgr := segfile.NewManager(dir, key, cfg.HandleCacheBufferSize)
	fileNos, err := mgr.ListFileNumbers()
	if err != nil {
		return nil, err
	}
	for _, no := range fileNos {
		if err := mgr.RecoverTmp(no); err != nil {
			return nil, fmt.Errorf("msgstore: recovering tmp for file %d: %w", no, err)
		}
	}

	idx, err := msgindex.Recover(dir)
	if err != nil {
		return nil, err
	}
	recovered := idx.Snapshot()

	s := newStore(mgr, idx, cfg)
	s.dir = dir

	if len(fileNos) == 0 {
		fileNos = []int64{0}
	}

	wasClean := hasCleanShutdown(dir)
	var summaryRows []fileSummaryRow
	if wasClean {
		summaryRows, err = loadFileSummaries(dir)
		if err != nil {
			return nil, err
		}
	}

	var curFileNo int64
	if wasClean && len(summaryRows) > 0 {
		// Clean shutdown: file_summary.ets already has accurate
		// valid/file sizes and the left/right chain, so there is no
		// need to rescan every segment's frames.
		installFileSummaries(s.summaries, summaryRows)
		for _, r := range summaryRows {
			if r.FileNo > curFileNo {
				curFileNo = r.FileNo
			}
			s.fileSizeSum += r.FileSize
			s.validSum += r.ValidTotalSize
		}
	} else {
		for i, no := range fileNos {
			if no > curFileNo {
				curFileNo = no
			}
			path := mgr.Path(no)
			recs, validSize, err := mgr.Scan(path)
			if err != nil {
				return nil, fmt.Errorf("msgstore: scanning file %d: %w", no, err)
			}
			var fileValid int64
			for _, rec := range recs {
				e, known := recovered[rec.ID]
				switch {
				case known && e.FileNo == no && e.RefCount > 0:
					// A crash mid-combine (tmp copied back into dst,
					// src not yet removed) can leave this record at a
					// different offset than the pre-crash snapshot
					// recorded, so the entry is refreshed from the
					// scan rather than trusting the old offset.
					idx.Update(rec.ID, func(entry *msgindex.Entry) {
						entry.Offset = rec.Offset
						entry.TotalSize = rec.TotalSize
					})
					fileValid += rec.TotalSize
				case !known:
					// snapshot predates this record (or had no
					// snapshot at all); trust the scan.
					idx.Insert(rec.ID, msgindex.Entry{RefCount: 1, FileNo: no, Offset: rec.Offset, TotalSize: rec.TotalSize})
					fileValid += rec.TotalSize
				}
			}
			left, right := segfile.NoFile, segfile.NoFile
			if i > 0 {
				left = fileNos[i-1]
			}
			if i+1 < len(fileNos) {
				right = fileNos[i+1]
			}
			s.summaries.Put(&segfile.Summary{FileNo: no, ValidTotalSize: fileValid, FileSize: validSize, Left: left, Right: right})
			s.fileSizeSum += validSize
			s.validSum += fileValid
		}
	}
	if err := removeCleanShutdown(dir); err != nil {
		return nil, err
	}
	s.curFileNo = curFileNo
	h, err := mgr.OpenAppend(curFileNo)
	if err != nil {
		return nil, err
	}
	s.curHandle = h
	s.start()
	return s, nil
}

func newStore(mgr *segfile.Manager, idx msgindex.Index, cfg config.Config) *Store {
	return &Store{
		cfg:          cfg,
		mgr:          mgr,
		idx:          idx,
		summaries:    segfile.NewSummaryTable(),
		handles:      segfile.NewHandleTable(),
		curCache:     segfile.NewCurrentFileCache(),
		dedup:        NewDedupCache(),
		compactorW:   compactor.NewWorker(mgr, idx),
		highCh:       make(chan op, 256),
		normalCh:     make(chan op, 4096),
		log:          storelog.For("msgstore"),
		clients:      make(map[ClientRef]*ClientRecord),
		dying:        make(map[ClientRef]bool),
		lastSyncedAt: make(map[int64]int64),
		pending:      make(map[int64][]syncWaiter),
		deferredOps:  make(map[int64][]op),
	}
}

func (s *Store) start() {
	s.compactorW.Start()
	s.wg.Add(1)
	go s.run()
}

// Terminate stops the store's goroutine, flushes the current file and
// the index's persisted snapshot, and tells the compactor worker to
// stop without waiting for it; a compaction job still queued may never
// run. It does not wait for in-flight client reads to finish, since
// those never touch the store's own state.
func (s *Store) Terminate() error {
	req := op{kind: opTerminate, result: make(chan opResult, 1)}
	s.normalCh <- req
	res := <-req.result
	s.wg.Wait()
	return res.err
}
