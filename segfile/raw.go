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
	"fmt"
	"os"

	"github.com/coremq/msgstore/diskblk"
)

// ReadRaw reads exactly n bytes at offset from h without attempting
// to decode or checksum them as a frame. It is used by the
// compactor, which moves already-framed bytes between files
// verbatim rather than re-encoding them (SPEC_FULL.md §4.D).
func (m *Manager) ReadRaw(h *Handle, offset, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := h.f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("segfile: raw read file %d at %d: %w", h.FileNo, offset, err)
	}
	return buf, nil
}

// AppendRaw appends data verbatim to h, bypassing frame encoding.
// It returns the offset the data was written at.
func (m *Manager) AppendRaw(h *Handle, data []byte) (offset int64, err error) {
	if h.mode != ModeAppend {
		return 0, fmt.Errorf("segfile: AppendRaw on non-append handle for file %d", h.FileNo)
	}
	n, err := h.w.Write(data)
	if err != nil {
		return 0, fmt.Errorf("segfile: raw append to file %d: %w", h.FileNo, err)
	}
	offset = h.offset
	h.offset += int64(n)
	return offset, nil
}

// Copy reads n bytes from srcPath at srcOffset and appends them
// verbatim to dst, returning the offset they landed at in dst. This
// is the primitive the compactor uses to move a live record from
// one segment file to another without re-encoding it.
func (m *Manager) Copy(dst *Handle, srcPath string, srcOffset, n int64) (offset int64, err error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("segfile: copy: opening %s: %w", srcPath, err)
	}
	defer f.Close()
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, srcOffset); err != nil {
		return 0, fmt.Errorf("segfile: copy: reading %s at %d: %w", srcPath, srcOffset, err)
	}
	return m.AppendRaw(dst, buf)
}

// Preallocate ensures h's underlying file has size bytes of backing
// store, without moving h's current append offset. Its only caller
// is the compactor, which preallocates dst before its tail copy-back.
func (m *Manager) Preallocate(h *Handle, size int64) error {
	return diskblk.Resize(h.f, size)
}
