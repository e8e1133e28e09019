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
	"os"
	"sort"

	"github.com/coremq/msgstore/msgid"
	"github.com/coremq/msgstore/msgindex"
	"github.com/coremq/msgstore/segfile"
)

type liveEntry struct {
	id msgid.ID
	e  msgindex.Entry
}

func liveEntriesFor(idx msgindex.Index, fileNo int64) []liveEntry {
	rows := idx.Snapshot()
	var out []liveEntry
	for id, e := range rows {
		if e.FileNo == fileNo && e.RefCount > 0 {
			out = append(out, liveEntry{id, e})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].e.Offset < out[j].e.Offset })
	return out
}

// combine merges src's live bytes onto the end of dst, per
// SPEC_FULL.md §4.D:
//
//  1. If dst already holds a contiguous prefix of live bytes equal to
//     its full valid size, nothing needs to move within dst.
//  2. Otherwise dst has internal gaps (dead bytes from earlier
//     removals); the live bytes after the first gap are copied out
//     to a .rdt tmp file, dst is truncated back to the contiguous
//     prefix, preallocated to its full valid size, and the tail is
//     copied back at its new, gap-free offsets.
//  3. src's live entries are then copied, in order, onto the new end
//     of dst.
//
// Each index entry that moves is updated as soon as its record has
// been written to its new place, before the fsync that follows: dst
// is synced once after the tail copy-back and again after src's
// entries are appended, and src is unlinked only after that final
// sync.
func (w *Worker) combine(dst, src *segfile.Summary) (newValid, newSize, reclaimed int64, err error) {
	oldTotal := dst.FileSize + src.FileSize

	dstLive := liveEntriesFor(w.idx, dst.FileNo)
	cursor := int64(0)
	splitAt := len(dstLive)
	for i, le := range dstLive {
		if le.e.Offset != cursor {
			splitAt = i
			break
		}
		cursor += le.e.TotalSize
	}
	contiguousPrefix := cursor

	dstReadHandle, err := w.mgr.OpenRead(dst.FileNo)
	if err != nil {
		return 0, 0, 0, err
	}
	defer w.mgr.Close(dstReadHandle)

	dstAppendHandle, err := w.mgr.OpenAppend(dst.FileNo)
	if err != nil {
		return 0, 0, 0, err
	}
	defer w.mgr.Close(dstAppendHandle)

	if contiguousPrefix < dst.ValidTotalSize {
		tail := dstLive[splitAt:]
		tailBuf := make([]byte, 0, dst.ValidTotalSize-contiguousPrefix)
		for _, le := range tail {
			b, err := w.mgr.ReadRaw(dstReadHandle, le.e.Offset, le.e.TotalSize)
			if err != nil {
				return 0, 0, 0, err
			}
			tailBuf = append(tailBuf, b...)
		}
		tmpPath := w.mgr.TmpPath(dst.FileNo)
		if err := os.WriteFile(tmpPath, tailBuf, 0644); err != nil {
			return 0, 0, 0, err
		}

		if err := w.mgr.Truncate(dstAppendHandle, contiguousPrefix); err != nil {
			return 0, 0, 0, err
		}
		if err := w.mgr.Preallocate(dstAppendHandle, dst.ValidTotalSize); err != nil {
			return 0, 0, 0, err
		}

		off := contiguousPrefix
		for _, le := range tail {
			newOffset, err := w.mgr.AppendRaw(dstAppendHandle, tailBuf[off-contiguousPrefix:off-contiguousPrefix+le.e.TotalSize])
			if err != nil {
				return 0, 0, 0, err
			}
			w.idx.Update(le.id, func(entry *msgindex.Entry) { entry.Offset = newOffset })
			off += le.e.TotalSize
		}
		if err := w.mgr.Sync(dstAppendHandle); err != nil {
			return 0, 0, 0, err
		}
		os.Remove(tmpPath)
	} else if contiguousPrefix < dstAppendHandle.Position() {
		// No gaps among dst's live entries, but the file may still
		// carry trailing dead bytes from a removed final record;
		// trim them so src's bytes land immediately after dst's
		// live prefix rather than after the garbage.
		if err := w.mgr.Truncate(dstAppendHandle, contiguousPrefix); err != nil {
			return 0, 0, 0, err
		}
	}

	srcLive := liveEntriesFor(w.idx, src.FileNo)
	srcPath := w.mgr.Path(src.FileNo)
	for _, le := range srcLive {
		newOffset, err := w.mgr.Copy(dstAppendHandle, srcPath, le.e.Offset, le.e.TotalSize)
		if err != nil {
			return 0, 0, 0, err
		}
		w.idx.Update(le.id, func(entry *msgindex.Entry) {
			entry.FileNo = dst.FileNo
			entry.Offset = newOffset
		})
	}
	if err := w.mgr.Sync(dstAppendHandle); err != nil {
		return 0, 0, 0, err
	}

	newValid = dst.ValidTotalSize + src.ValidTotalSize
	newSize = dstAppendHandle.Position()
	reclaimed = oldTotal - newSize

	if err := w.mgr.Remove(src.FileNo); err != nil {
		return newValid, newSize, reclaimed, err
	}
	w.idx.DeleteByFile(src.FileNo)
	return newValid, newSize, reclaimed, nil
}
