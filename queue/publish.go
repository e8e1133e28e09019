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

const tagAlpha = "alpha"
const tagBeta = "beta"
const tagGamma = "gamma"

// Publish admits a newly arrived message as alpha: into q1 when a
// backlog already exists (q3 non-empty or Δ.count > 0), so it waits
// its turn behind messages published before it, or straight into q4
// when the queue is caught up and the message is immediately
// deliverable. Publish itself never pages anything out of RAM; that
// is left entirely to the next memory-reduction round (Reduce).
func (b *Backing) Publish(pos Position) error {
	if pos.NeedsConfirming {
		b.unconfirmed[pos.ID] = true
	}
	if b.q3.Len() > 0 || b.deltaCount > 0 {
		b.q1.PushBack(tagAlpha, pos)
	} else {
		b.q4.PushBack(tagAlpha, pos)
	}
	b.ramMsgCount++
	b.ingressMsg.Observe(now(), 1)
	return nil
}

// confirm marks id as durably persisted and, if a confirmation
// callback was registered, fires it. Nothing in this module calls
// it.
func (b *Backing) confirm(id msgid.ID) {
	if !b.unconfirmed[id] {
		return
	}
	delete(b.unconfirmed, id)
	b.payloadDurable[id] = true
	if b.onConfirm != nil {
		b.onConfirm(id)
	}
}
