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

// Package queue implements the variable-length, paged queue backing
// described in SPEC_FULL.md §4.E: the component that sits between
// AMQP channel delivery and the persistent message store, staging
// message positions through RAM and disk as memory pressure dictates.
package queue

import "github.com/coremq/msgstore/msgid"

// Class names a position's current location, per SPEC_FULL.md §4.E's
// four-way classification. It exists mainly for tests and logging; a
// Position's real class is always implied by which of Backing's
// internal queues holds it and, for q2/q3 members, the bpqueue tag.
type Class int

const (
	Alpha Class = iota // payload + position both in RAM
	Beta               // payload on disk, position in RAM
	Gamma              // payload on disk, position in RAM and queue index
	Delta              // payload and position only on disk
)

func (c Class) String() string {
	switch c {
	case Alpha:
		return "alpha"
	case Beta:
		return "beta"
	case Gamma:
		return "gamma"
	case Delta:
		return "delta"
	default:
		return "unknown"
	}
}

// Position is one queued message's metadata. Msg is non-nil only
// while the position is classified alpha; once demoted to beta/gamma
// its payload is dropped from RAM and must be fetched from the
// message store by ID when the consumer actually needs the bytes.
type Position struct {
	ID              msgid.ID
	Msg             []byte
	Props           Props
	NeedsConfirming bool
	Persistent      bool
}

// Props carries the message properties the queue backing itself
// needs to reason about (currently just an expiry used by TTL
// drop-while scans); AMQP header/property data beyond that belongs to
// the channel layer, not this module.
type Props struct {
	ExpiresAtUnixNano int64 // 0 means "never expires"
}
