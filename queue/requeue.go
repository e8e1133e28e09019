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

// Requeue puts a delivered-but-unacked message back at the head of
// q4, so it is the very next message Fetch returns, matching AMQP
// 0-9-1's basic.reject/basic.nack requeue semantics. It falls back to
// the head of q3 when the entry's payload has already been paged out
// of RAM (see SPEC_FULL.md's "head of q4, or q3 if q4 empty" wording —
// the decision ledger in DESIGN.md records why this reads off
// entry.InRAM rather than q4.Len(): q4 is alpha-only, and an entry
// with InRAM false has no payload left to push back in as alpha).
// NeedsConfirming is always cleared on requeue: the consumer has
// already seen the message once, so the broker does not need a fresh
// publisher confirm for it. xform, if non-nil, may rewrite the
// message's properties (e.g. to bump a redelivery counter) before it
// goes back onto the queue.
func (b *Backing) Requeue(id msgid.ID, xform func(Props) Props) error {
	entry, ok := b.pendingAck[id]
	if !ok {
		return nil
	}
	delete(b.pendingAck, id)
	if entry.InRAM {
		b.ramAckCount--
	}

	pos := entry.Pos
	pos.NeedsConfirming = false
	if xform != nil {
		pos.Props = xform(pos.Props)
	}

	if entry.InRAM {
		b.q4.PushFront(tagAlpha, pos)
		return nil
	}
	pos.Msg = nil
	b.q3.PushFront(tagGamma, pos)
	return nil
}
