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

package compactor

import (
	"testing"
	"time"

	"github.com/coremq/msgstore/msgid"
	"github.com/coremq/msgstore/msgindex"
	"github.com/coremq/msgstore/segfile"
)

func testKey() segfile.Key {
	return segfile.Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
}

func TestCombineMergesLiveBytesAndDeletesSrc(t *testing.T) {
	dir := t.TempDir()
	mgr := segfile.NewManager(dir, testKey(), 4096)
	idx, err := msgindex.New(dir)
	if err != nil {
		t.Fatal(err)
	}

	dstH, err := mgr.OpenAppend(0)
	if err != nil {
		t.Fatal(err)
	}
	keepID := msgid.New()
	deadID := msgid.New()
	off1, tot1, _ := mgr.Append(dstH, keepID, []byte("keep-me"))
	_, tot2, _ := mgr.Append(dstH, deadID, []byte("dead-bytes"))
	mgr.Sync(dstH)
	mgr.Close(dstH)
	idx.Insert(keepID, msgindex.Entry{RefCount: 1, FileNo: 0, Offset: off1, TotalSize: tot1})
	_ = tot2

	srcH, err := mgr.OpenAppend(1)
	if err != nil {
		t.Fatal(err)
	}
	movedID := msgid.New()
	offM, totM, _ := mgr.Append(srcH, movedID, []byte("moved-over"))
	mgr.Sync(srcH)
	mgr.Close(srcH)
	idx.Insert(movedID, msgindex.Entry{RefCount: 1, FileNo: 1, Offset: offM, TotalSize: totM})

	dst := &segfile.Summary{FileNo: 0, ValidTotalSize: tot1, FileSize: tot1 + tot2}
	src := &segfile.Summary{FileNo: 1, ValidTotalSize: totM, FileSize: totM}

	w := NewWorker(mgr, idx)
	w.Start()
	defer w.Stop()
	w.Submit(Job{Kind: Combine, Dst: dst, Src: src})

	select {
	case res := <-w.Results():
		if res.Err != nil {
			t.Fatal(res.Err)
		}
		if res.NewValid != tot1+totM {
			t.Fatalf("expected combined valid size %d, got %d", tot1+totM, res.NewValid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for combine result")
	}

	e, ok := idx.Lookup(keepID)
	if !ok || e.FileNo != 0 {
		t.Fatalf("expected keepID to remain in file 0, got %+v ok=%v", e, ok)
	}
	e, ok = idx.Lookup(movedID)
	if !ok || e.FileNo != 0 {
		t.Fatalf("expected movedID to have moved to file 0, got %+v ok=%v", e, ok)
	}

	h, err := mgr.OpenRead(0)
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Close(h)
	gotID, payload, err := mgr.Read(h, e.Offset, e.TotalSize)
	if err != nil {
		t.Fatal(err)
	}
	if gotID != movedID || string(payload) != "moved-over" {
		t.Fatalf("unexpected moved record: id=%v payload=%q", gotID, payload)
	}
}
