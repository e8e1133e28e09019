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

package msgstore

import (
	"testing"

	"github.com/coremq/msgstore/msgindex"
)

func TestClassifyWrite(t *testing.T) {
	rc0 := &msgindex.Entry{RefCount: 0}
	rc1 := &msgindex.Entry{RefCount: 1}

	cases := []struct {
		name   string
		dying  bool
		entry  *msgindex.Entry
		locked bool
		want   writeAction
	}{
		{"fresh write", false, nil, false, writeAppend},
		{"stale locked resurrection", false, rc0, true, writeDeleteThenAppend},
		{"stale free bump", false, rc0, false, writeBumpConfirm},
		{"live bump", false, rc1, false, writeBumpConfirm},
		{"dying stale locked", true, rc0, true, writeIgnoreByIncrement},
		{"dying absent", true, nil, false, writeIgnore},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := classifyWrite(c.dying, c.entry, c.locked)
			if got != c.want {
				t.Fatalf("classifyWrite(%v,%v,%v) = %v, want %v", c.dying, c.entry, c.locked, got, c.want)
			}
		})
	}
}

func TestClassifyRemove(t *testing.T) {
	rc2 := &msgindex.Entry{RefCount: 2}
	rc1 := &msgindex.Entry{RefCount: 1}

	cases := []struct {
		name   string
		entry  *msgindex.Entry
		locked bool
		want   removeAction
	}{
		{"absent", nil, false, removeNoEntry},
		{"multi-ref decrement", rc2, false, removeDecrement},
		{"last-ref locked", rc1, true, removeDeferToLock},
		{"last-ref free", rc1, false, removeReclaim},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := classifyRemove(c.entry, c.locked)
			if got != c.want {
				t.Fatalf("classifyRemove(%v,%v) = %v, want %v", c.entry, c.locked, got, c.want)
			}
		})
	}
}
