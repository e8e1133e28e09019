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

import "github.com/coremq/msgstore/msgid"

// Fetch returns the next deliverable message and records it as
// pending-ack. q4 is the ready buffer: Fetch pops it first and only
// falls back to q3 (the on-disk-indexed stage) when q4 is empty. Once
// that pop leaves q3 empty, Fetch replenishes it for the next call —
// from delta via the queue index when delta is non-zero, or by
// draining all of q1 into q4 when delta is zero — so a consumer never
// observes an empty queue while either stage still holds messages.
func (b *Backing) Fetch() (Position, bool, error) {
	if _, pos, ok := b.q4.PopFront(); ok {
		return b.deliver(pos)
	}

	_, pos, ok := b.q3.PopFront()
	if !ok {
		return Position{}, false, nil
	}
	if b.msgIndexOnDisk[pos.ID] {
		b.ramIndexCount--
		delete(b.msgIndexOnDisk, pos.ID)
	}
	if b.q3.Len() == 0 {
		if b.deltaCount > 0 {
			if err := b.refillFromIndex(); err != nil {
				return Position{}, false, err
			}
		} else {
			b.drainQ1ToQ4()
		}
	}
	return b.deliver(pos)
}

// deliver finalizes one fetched message: it notifies the durable
// queue index, moves the message into pendingAck, and observes the
// egress rate sample.
func (b *Backing) deliver(pos Position) (Position, bool, error) {
	if err := b.idx.Deliver(pos.ID); err != nil {
		return Position{}, false, err
	}
	b.pendingAck[pos.ID] = &ackEntry{Pos: pos, InRAM: true}
	b.ramAckCount++
	b.egressMsg.Observe(now(), 1)
	return pos, true, nil
}

// refillFromIndex pages NextSegmentBoundary()-worth of delta messages
// back into q3 from the durable queue index.
func (b *Backing) refillFromIndex() error {
	n := b.idx.NextSegmentBoundary()
	if n <= 0 {
		n = b.ioBatchSize
	}
	rows, err := b.idx.Read(n)
	if err != nil {
		return err
	}
	for _, pos := range rows {
		b.q3.PushBack(tagGamma, pos)
		if b.deltaCount > 0 {
			b.deltaCount--
		}
	}
	return nil
}

// drainQ1ToQ4 moves every alpha message waiting in q1 into q4, once
// both q3 and delta have run dry, so Fetch can keep serving from q4
// without needing q3 to be non-empty.
func (b *Backing) drainQ1ToQ4() {
	for {
		_, pos, ok := b.q1.PopFront()
		if !ok {
			return
		}
		b.q4.PushBack(tagAlpha, pos)
	}
}

// Ack resolves a pending-ack message: it is removed from the queue
// entirely, and the queue index is told to drop its durable record.
func (b *Backing) Ack(id msgid.ID) error {
	entry, ok := b.pendingAck[id]
	if !ok {
		return nil
	}
	delete(b.pendingAck, id)
	if entry.InRAM {
		b.ramAckCount--
	}
	b.ingressAck.Observe(now(), 1)
	return b.idx.Ack(id)
}

// DropWhile removes and discards messages from the front of q4 (the
// head of the queue, the next messages Fetch would return) for as
// long as pred returns true; it is used to implement TTL eviction
// without a full queue scan on the hot publish path. It stops when q4
// is empty: messages in q3 and the later stages are not examined.
func (b *Backing) DropWhile(pred func(Position) bool) int {
	dropped := 0
	for {
		_, pos, ok := b.q4.PeekFront()
		if !ok || !pred(pos) {
			break
		}
		b.q4.PopFront()
		delete(b.unconfirmed, pos.ID)
		b.ramMsgCount--
		dropped++
	}
	return dropped
}
