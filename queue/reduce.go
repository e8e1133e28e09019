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

// Reduce runs one round of the memory-reduction pipeline described by
// SPEC_FULL.md §4.E, in six steps:
//
//  1. quota = min(over-target count, ioBatchSize).
//  2. the busier of alpha-publish traffic and ack traffic (by rolling
//     ingress-minus-egress rate) gets pushed to disk first, so the
//     round relieves whichever stream is actually piling up in RAM.
//  3. alpha (q1, oldest first, then q4, newest first) -> beta (q2):
//     drop the payload from RAM, keep the position.
//  4. RAM-held acks -> disk, as (persistent, id, props) tuples; the
//     full Position is no longer needed once a requeue can no longer
//     reconstruct it from RAM.
//  5. beta (q2) -> gamma (q3), capped at ioBatchSize, but only once
//     ramIndexCount exceeds what len²/(len-Δ.count) betas would
//     justify keeping un-indexed (see DESIGN.md for the reading of
//     this condition).
//  6. if targetRAMCount is exactly zero, dump every remaining beta and
//     all of q3 beyond the first segment-boundary prefix into delta.
//
// Each step only ever moves as many messages as needed, so a Reduce
// round never pages out a message Fetch might need on its very next
// call.
func (b *Backing) Reduce() error {
	quota := b.reduceQuota()
	if quota > 0 {
		if b.ackPressureHigher() {
			quota -= b.reduceAcksToDisk(quota)
			b.reduceAlphaToBeta(quota)
		} else {
			quota -= b.reduceAlphaToBeta(quota)
			b.reduceAcksToDisk(quota)
		}
	}
	if err := b.reduceBetaToGamma(); err != nil {
		return err
	}
	if b.targetRAMCount == 0 {
		if err := b.reduceToDelta(); err != nil {
			return err
		}
	}
	return nil
}

// reduceQuota computes how many RAM-resident items (messages plus
// acks) this round should try to page out: the amount over target,
// capped at ioBatchSize.
func (b *Backing) reduceQuota() int64 {
	over := b.ramMsgCount + b.ramAckCount - b.targetRAMCount
	if over <= 0 {
		return 0
	}
	if over > int64(b.ioBatchSize) {
		return int64(b.ioBatchSize)
	}
	return over
}

// ackPressureHigher compares the alpha-publish rate against the ack
// rate (ingress minus egress, each over the rolling sample window) to
// decide which stream gets relieved first this round.
func (b *Backing) ackPressureHigher() bool {
	t := now()
	msgRate := b.ingressMsg.PerSecond(t) - b.egressMsg.PerSecond(t)
	ackRate := b.ingressAck.PerSecond(t) - b.egressAck.PerSecond(t)
	return ackRate > msgRate
}

// reduceAlphaToBeta demotes up to quota alpha messages to beta,
// pulling from q1's front (oldest first) and then q4's back (newest
// first), and returns how many it moved.
func (b *Backing) reduceAlphaToBeta(quota int64) int64 {
	var moved int64
	for moved < quota && b.q1.Len() > 0 {
		_, pos, ok := b.q1.PopFront()
		if !ok {
			break
		}
		pos.Msg = nil
		b.q2.PushBack(tagBeta, pos)
		b.ramMsgCount--
		moved++
	}
	for moved < quota && b.q4.Len() > 0 {
		_, pos, ok := b.q4.PopBack()
		if !ok {
			break
		}
		pos.Msg = nil
		b.q2.PushBack(tagBeta, pos)
		b.ramMsgCount--
		moved++
	}
	return moved
}

// reduceAcksToDisk pages up to quota RAM-held pending acks out to
// disk: the full Position is dropped in favor of just the id and
// properties a later requeue would still need.
func (b *Backing) reduceAcksToDisk(quota int64) int64 {
	var moved int64
	for _, entry := range b.pendingAck {
		if moved >= quota {
			break
		}
		if !entry.InRAM {
			continue
		}
		entry.Pos.Msg = nil
		entry.InRAM = false
		b.ramAckCount--
		moved++
	}
	return moved
}

// reduceBetaToGamma persists up to ioBatchSize beta positions to the
// durable queue index and relabels them gamma, but only once
// ramIndexCount exceeds the cap len²/(len-Δ.count) implies (see
// overIndexCap); while ramIndexCount is at or under the cap it does
// nothing.
func (b *Backing) reduceBetaToGamma() error {
	if !b.overIndexCap() {
		return nil
	}
	n := b.q2.CountTag(tagBeta)
	if n > b.ioBatchSize {
		n = b.ioBatchSize
	}
	if n == 0 {
		return nil
	}
	batch := b.q2.DrainFront(n)
	for _, it := range batch {
		pos := it.value
		if err := b.idx.Publish(pos); err != nil {
			return err
		}
		b.msgIndexOnDisk[pos.ID] = true
		b.ramIndexCount++
		b.q3.PushBack(tagGamma, pos)
	}
	return nil
}

// overIndexCap reports whether ramIndexCount exceeds what
// len²/(len-Δ.count) betas would justify keeping un-indexed. A queue
// with Δ.count >= Len() (everything already paged past the index) has
// no betas left to cap against, so it reports false.
func (b *Backing) overIndexCap() bool {
	length := int64(b.Len())
	if length == 0 {
		return false
	}
	denom := length - int64(b.deltaCount)
	if denom <= 0 {
		return false
	}
	limit := (length * length) / denom
	return b.ramIndexCount > limit
}

// reduceToDelta implements step 6: once targetRAMCount is exactly
// zero, every remaining beta and every gamma beyond the first
// segment-boundary prefix of q3 is pushed to delta, leaving only the
// next fetch's worth of positions resident in RAM.
func (b *Backing) reduceToDelta() error {
	for b.q2.Len() > 0 {
		_, pos, ok := b.q2.PopFront()
		if !ok {
			break
		}
		if !b.msgIndexOnDisk[pos.ID] {
			if err := b.idx.Publish(pos); err != nil {
				return err
			}
			b.msgIndexOnDisk[pos.ID] = true
		}
		b.ramMsgCount--
		delete(b.msgIndexOnDisk, pos.ID)
		b.ramIndexCount--
		b.deltaCount++
	}

	keep := b.idx.NextSegmentBoundary()
	if keep <= 0 {
		keep = b.ioBatchSize
	}
	for b.q3.Len() > keep {
		_, pos, ok := b.q3.PopBack()
		if !ok {
			break
		}
		if b.msgIndexOnDisk[pos.ID] {
			b.ramIndexCount--
			delete(b.msgIndexOnDisk, pos.ID)
		}
		b.ramMsgCount--
		b.deltaCount++
	}
	return nil
}
