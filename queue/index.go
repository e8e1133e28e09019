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

// QueueIndex is the external collaborator this module delegates
// durable position storage to once a message is pushed past beta into
// gamma or delta. SPEC_FULL.md §6 names this interface exactly; no
// concrete implementation ships with this module; AMQP queue-index
// backends (segment-file-based, like the message store itself, or
// otherwise) are expected to satisfy it.
type QueueIndex interface {
	Init() error
	Recover() error
	Publish(pos Position) error
	Deliver(id msgid.ID) error
	Ack(id msgid.ID) error
	Sync(ids []msgid.ID, k func()) error
	Read(n int) ([]Position, error)
	Bounds() (first, last int64, err error)
	Flush() error
	Terminate() error
	DeleteAndTerminate() error
	NextSegmentBoundary() int
}

// DurableFence is the subset of msgstore.Store's API the queue
// backing needs for its commit path: a way to ask "call k once every
// one of these payload ids is durable". msgstore.Store satisfies this
// interface structurally; queue does not import msgstore directly,
// keeping the two packages decoupled the way the message store and
// queue index are decoupled from each other.
type DurableFence interface {
	Sync(ids []msgid.ID, k func())
}
