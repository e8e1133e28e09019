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

import "github.com/coremq/msgstore/segfile"

// delete reclaims a file known to hold no live entries. Callers must
// only submit a Delete job once the file is locked (so no new reader
// can begin) and its reader count has already dropped to zero; the
// worker does not wait on readers itself, since doing so would stall
// every other queued job behind a slow reader.
func (w *Worker) delete(f *segfile.Summary) (reclaimed int64, err error) {
	if err := w.mgr.Remove(f.FileNo); err != nil {
		return 0, err
	}
	w.idx.DeleteByFile(f.FileNo)
	return f.FileSize, nil
}
