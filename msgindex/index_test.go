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

package msgindex

import (
	"testing"

	"github.com/coremq/msgstore/msgid"
)

func TestInsertUpdateDelete(t *testing.T) {
	idx, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id := msgid.New()
	idx.Insert(id, Entry{RefCount: 1, FileNo: 0, Offset: 0, TotalSize: 40})

	if ok := idx.Update(id, func(e *Entry) { e.RefCount++ }); !ok {
		t.Fatal("expected update to find entry")
	}
	e, ok := idx.Lookup(id)
	if !ok || e.RefCount != 2 {
		t.Fatalf("expected refcount 2, got %+v ok=%v", e, ok)
	}

	idx.Delete(id)
	if _, ok := idx.Lookup(id); ok {
		t.Fatal("expected entry to be gone after delete")
	}
}

func TestDeleteByFile(t *testing.T) {
	idx, _ := New(t.TempDir())
	a, b, c := msgid.New(), msgid.New(), msgid.New()
	idx.Insert(a, Entry{RefCount: 1, FileNo: 0})
	idx.Insert(b, Entry{RefCount: 1, FileNo: 0})
	idx.Insert(c, Entry{RefCount: 1, FileNo: 1})

	dead := idx.DeleteByFile(0)
	if len(dead) != 2 {
		t.Fatalf("expected 2 deleted ids, got %d", len(dead))
	}
	if _, ok := idx.Lookup(c); !ok {
		t.Fatal("file 1's entry should survive")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	id := msgid.New()
	idx.Insert(id, Entry{RefCount: 3, FileNo: 2, Offset: 128, TotalSize: 64})
	if err := idx.Terminate(); err != nil {
		t.Fatal(err)
	}

	recovered, err := Recover(dir)
	if err != nil {
		t.Fatal(err)
	}
	e, ok := recovered.Lookup(id)
	if !ok {
		t.Fatal("expected recovered index to contain id")
	}
	if e.RefCount != 3 || e.FileNo != 2 || e.Offset != 128 || e.TotalSize != 64 {
		t.Fatalf("unexpected recovered entry: %+v", e)
	}
}
