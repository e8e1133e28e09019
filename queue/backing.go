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

package queue

import (
	"time"

	"github.com/coremq/msgstore/msgid"
	"github.com/coremq/msgstore/ratewin"
	"github.com/coremq/msgstore/storelog"

	"github.com/rs/zerolog"
)

// ackEntry is one delivered-but-not-yet-acked message. While InRAM it
// still carries its full Position (so a requeue can reconstruct the
// message); once the memory-reduction round pages it out, Pos is
// trimmed down to id+props and InRAM flips false.
type ackEntry struct {
	Pos   Position
	InRAM bool
}

// Backing is one queue's paged log, owned by exactly one goroutine
// (Run). Every exported method except Run itself is intended to be
// called only from that goroutine or via the op channel it drains;
// Backing does not provide its own locking, matching
// SPEC_FULL.md §5's single-owner concurrency model.
type Backing struct {
	name  string
	idx   QueueIndex
	store DurableFence

	q1, q4 *bpqueue[Position] // alpha only
	q2, q3 *bpqueue[Position] // beta/gamma, tagged

	deltaCount int

	pendingAck map[msgid.ID]*ackEntry

	unconfirmed      map[msgid.ID]bool
	msgIndexOnDisk   map[msgid.ID]bool
	payloadDurable   map[msgid.ID]bool
	onConfirm        func(id msgid.ID)

	ingressMsg, egressMsg *ratewin.Sampler
	ingressAck, egressAck *ratewin.Sampler

	ramMsgCount, ramMsgCountPrev int64
	ramAckCount, ramAckCountPrev int64
	ramIndexCount                int64

	targetRAMCount int64
	ioBatchSize    int

	txns map[txnKey]*txnState

	log zerolog.Logger
}

// Config bundles Backing's construction-time parameters.
type Config struct {
	Name        string
	Index       QueueIndex
	Store       DurableFence
	IOBatchSize int
	OnConfirm   func(id msgid.ID)
}

// New constructs an empty Backing; Recover should be used instead
// when reopening a durable queue that already has entries in Index.
func New(cfg Config) *Backing {
	if cfg.IOBatchSize <= 0 {
		cfg.IOBatchSize = 64
	}
	return &Backing{
		name:           cfg.Name,
		idx:            cfg.Index,
		store:          cfg.Store,
		q1:             newBPQueue[Position](),
		q2:             newBPQueue[Position](),
		q3:             newBPQueue[Position](),
		q4:             newBPQueue[Position](),
		pendingAck:     make(map[msgid.ID]*ackEntry),
		unconfirmed:    make(map[msgid.ID]bool),
		msgIndexOnDisk: make(map[msgid.ID]bool),
		payloadDurable: make(map[msgid.ID]bool),
		onConfirm:      cfg.OnConfirm,
		ingressMsg:     ratewin.NewSampler(ratewin.DefaultWindow),
		egressMsg:      ratewin.NewSampler(ratewin.DefaultWindow),
		ingressAck:     ratewin.NewSampler(ratewin.DefaultWindow),
		egressAck:      ratewin.NewSampler(ratewin.DefaultWindow),
		ioBatchSize:    cfg.IOBatchSize,
		txns:           make(map[txnKey]*txnState),
		log:            storelog.For("queue:" + cfg.Name),
	}
}

// Recover rebuilds q3/Δ from the queue index's durable bounds,
// treating every entry beyond the first NextSegmentBoundary() worth
// as delta (a count only) rather than loading it eagerly into q3, per
// SPEC_FULL.md §4.E's failure semantics.
func Recover(cfg Config) (*Backing, error) {
	b := New(cfg)
	if err := b.idx.Recover(); err != nil {
		return nil, err
	}
	first, last, err := b.idx.Bounds()
	if err != nil {
		return nil, err
	}
	b.deltaCount = int(last - first)
	if b.deltaCount < 0 {
		b.deltaCount = 0
	}
	if b.deltaCount > 0 {
		if err := b.refillFromIndex(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Len returns the queue's total message count across every stage.
func (b *Backing) Len() int {
	return b.q1.Len() + b.q2.Len() + b.deltaCount + b.q3.Len() + b.q4.Len()
}

// checkInvariants is used by tests to assert SPEC_FULL.md §4.E's
// structural invariants hold after an operation.
func (b *Backing) checkInvariants() error {
	if b.q1.Len() > 0 && b.q3.Len() == 0 {
		return errInvariant("q1 non-empty but q3 empty")
	}
	if b.deltaCount > 0 && b.q3.Len() == 0 {
		return errInvariant("delta non-empty but q3 empty")
	}
	if b.Len() == 0 && (b.q3.Len() != 0 || b.q4.Len() != 0) {
		return errInvariant("len zero but q3/q4 non-empty")
	}
	if b.ramIndexCount < 0 || b.ramMsgCount < 0 || b.deltaCount < 0 {
		return errInvariant("negative counter")
	}
	return nil
}

type invariantError string

func (e invariantError) Error() string { return "queue: invariant violated: " + string(e) }
func errInvariant(msg string) error    { return invariantError(msg) }

func now() time.Time { return time.Now() }
