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

package segfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coremq/msgstore/msgid"
)

func testKey() Key {
	return Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
}

func TestAppendReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, testKey(), 4096)

	h, err := m.OpenAppend(0)
	if err != nil {
		t.Fatal(err)
	}
	id := msgid.New()
	payload := []byte("hello, queue")
	off, total, err := m.Append(h, id, payload)
	if err != nil {
		t.Fatal(err)
	}
	if off != 0 {
		t.Fatalf("expected offset 0, got %d", off)
	}
	if err := m.Sync(h); err != nil {
		t.Fatal(err)
	}

	gotID, gotPayload, err := m.Read(h, off, total)
	if err != nil {
		t.Fatal(err)
	}
	if gotID != id {
		t.Fatalf("id mismatch: %v != %v", gotID, id)
	}
	if string(gotPayload) != string(payload) {
		t.Fatalf("payload mismatch: %q != %q", gotPayload, payload)
	}
	if err := m.Close(h); err != nil {
		t.Fatal(err)
	}
}

func TestScanTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, testKey(), 4096)

	h, err := m.OpenAppend(0)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]msgid.ID, 3)
	for i := range ids {
		ids[i] = msgid.New()
		if _, _, err := m.Append(h, ids[i], []byte("payload")); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Sync(h); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(h); err != nil {
		t.Fatal(err)
	}

	path := m.Path(0)
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	// truncate the file mid-record to simulate a crash mid-write
	if err := os.Truncate(path, fi.Size()-3); err != nil {
		t.Fatal(err)
	}

	recs, validSize, err := m.Scan(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 well-framed records, got %d", len(recs))
	}
	if recs[0].ID != ids[0] || recs[1].ID != ids[1] {
		t.Fatalf("unexpected record order/ids: %+v", recs)
	}
	if validSize != recs[1].Offset+recs[1].TotalSize {
		t.Fatalf("valid size %d does not match end of last well-framed record", validSize)
	}
}

func TestRecoverTmpAppendsAndDeletes(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, testKey(), 4096)

	if err := os.WriteFile(m.Path(0), []byte("main-bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.TmpPath(0), []byte("tail-bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.RecoverTmp(0); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(m.Path(0))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "main-bytestail-bytes" {
		t.Fatalf("unexpected recovered content: %q", got)
	}
	if _, err := os.Stat(m.TmpPath(0)); !os.IsNotExist(err) {
		t.Fatalf("expected tmp file to be removed, stat err=%v", err)
	}
}

func TestHandleCacheAgeEviction(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, testKey(), 4096)

	h, err := m.OpenAppend(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Append(h, msgid.New(), []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := m.Sync(h); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(h); err != nil {
		t.Fatal(err)
	}

	cache := m.Cache()
	if _, err := cache.Acquire(0); err != nil {
		t.Fatal(err)
	}
	cache.mu.Lock()
	n := cache.lru.Len()
	cache.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 cached handle, got %d", n)
	}

	cache.SetMaximumSinceUse(time.Nanosecond)
	time.Sleep(time.Millisecond)
	cache.SetMaximumSinceUse(time.Nanosecond)

	cache.mu.Lock()
	n = cache.lru.Len()
	cache.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected handle to be evicted, still have %d", n)
	}
}

func TestListFileNumbers(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, testKey(), 4096)
	for _, n := range []int64{0, 1, 2} {
		if err := os.WriteFile(filepath.Join(dir, itoaRdq(n)), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	nos, err := m.ListFileNumbers()
	if err != nil {
		t.Fatal(err)
	}
	if len(nos) != 3 {
		t.Fatalf("expected 3 file numbers, got %v", nos)
	}
}

func itoaRdq(n int64) string {
	return filepath.Base((&Manager{dir: "."}).pathFor(n))
}
