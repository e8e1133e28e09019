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

// Package compactor implements online compaction of segment files,
// SPEC_FULL.md §4.D. It runs as a single dedicated goroutine fed by a
// buffered job channel, so compaction work never blocks the message
// store's own mailbox loop; results are delivered back asynchronously
// on a results channel the store drains on its own schedule.
package compactor

import (
	"github.com/coremq/msgstore/msgindex"
	"github.com/coremq/msgstore/segfile"
	"github.com/coremq/msgstore/storelog"
)

// JobKind distinguishes the two kinds of compaction work.
type JobKind int

const (
	// Combine merges the live contents of Src into Dst and leaves
	// Src empty (the caller deletes Src's file once Reclaimed is
	// reported and Src's reader count has dropped to zero).
	Combine JobKind = iota
	// Delete reclaims a file that is already known to hold no live
	// entries; it only needs to be unlinked once its reader count
	// reaches zero.
	Delete
)

// Job is one unit of compaction work, always concerning files that
// the caller has already locked (segfile.SummaryTable.Lock) so no
// new readers can begin against them.
type Job struct {
	Kind JobKind
	Dst  *segfile.Summary // nil for Delete
	Src  *segfile.Summary
}

// Result reports the outcome of a Job.
type Result struct {
	Job       Job
	Reclaimed int64 // bytes of file-size reduction achieved
	NewValid  int64 // Dst's new ValidTotalSize, for Combine
	NewSize   int64 // Dst's new FileSize, for Combine
	Err       error
}

// Worker runs compaction jobs one at a time on its own goroutine.
type Worker struct {
	mgr *segfile.Manager
	idx msgindex.Index
	in  chan Job
	out chan Result
	done chan struct{}
}

// NewWorker returns a Worker that will read and rewrite files through
// mgr and keep idx in sync as entries move. Start must be called
// before Submit.
func NewWorker(mgr *segfile.Manager, idx msgindex.Index) *Worker {
	return &Worker{
		mgr:  mgr,
		idx:  idx,
		in:   make(chan Job, 64),
		out:  make(chan Result, 64),
		done: make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop closes the worker's done channel and returns at once. A job
// that is already running finishes; jobs still queued may not run.
func (w *Worker) Stop() {
	close(w.done)
}

// Submit enqueues a job. It may block if the job channel is full,
// which is the intended form of backpressure: a store that is
// compacting slower than it is generating garbage will eventually
// stall new locks rather than let the queue grow without bound.
func (w *Worker) Submit(j Job) {
	w.in <- j
}

// Results returns the channel the store should drain for completion
// notifications.
func (w *Worker) Results() <-chan Result {
	return w.out
}

func (w *Worker) run() {
	log := storelog.For("compactor")
	for {
		select {
		case <-w.done:
			return
		case j := <-w.in:
			var res Result
			switch j.Kind {
			case Combine:
				valid, size, reclaimed, err := w.combine(j.Dst, j.Src)
				res = Result{Job: j, Reclaimed: reclaimed, NewValid: valid, NewSize: size, Err: err}
			case Delete:
				reclaimed, err := w.delete(j.Src)
				res = Result{Job: j, Reclaimed: reclaimed, Err: err}
			}
			if res.Err != nil {
				log.Error().Err(res.Err).Int64("file", j.Src.FileNo).Msg("compaction job failed")
			}
			w.out <- res
		}
	}
}
