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

// Package msgid defines the opaque, fixed-width message identifier
// used throughout the message store and queue backing.
package msgid

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Size is the fixed width of an ID in bytes.
const Size = 16

// ID is an opaque, fixed-width identifier supplied by a producer
// to name a message uniquely within a store instance. The store
// never inspects the contents of an ID; it only compares, hashes
// and persists it.
type ID [Size]byte

// Zero is the zero-valued ID, never assigned to a real message.
var Zero ID

// New mints a fresh random ID. Producers that already have a
// natural message identifier should not use this; it exists for
// callers (tests, the bench harness) that need to manufacture ids.
func New() ID {
	return ID(uuid.New())
}

// String renders the ID as hex, matching the teacher's habit of
// using a plain, grep-friendly identifier rendering.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == Zero
}

// Parse decodes a hex-encoded ID produced by String.
func Parse(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != Size {
		return id, errSize
	}
	copy(id[:], b)
	return id, nil
}
