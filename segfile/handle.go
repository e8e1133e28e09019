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
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/coremq/msgstore/msgid"
)

// Mode selects how Open treats the underlying file.
type Mode int

const (
	// ModeAppend opens (creating if necessary) a file for
	// append-only writing; this is used only for the current file.
	ModeAppend Mode = iota
	// ModeRead opens an existing file read-only; used by clients
	// and by the compactor for its source file.
	ModeRead
)

// Handle is one open segment file. An append Handle is not safe for
// concurrent use. Read handles are shared: HandleCache.Acquire hands
// the same *Handle for a file to every client read of it, and
// Manager.Read only reads through positioned reads (ReadAt).
type Handle struct {
	FileNo int64
	mode   Mode
	f      *os.File
	w      *bufio.Writer // non-nil only for ModeAppend
	offset int64         // next append offset
}

// Position returns the current write offset of an append handle.
func (h *Handle) Position() int64 { return h.offset }

func newBufWriter(f *os.File, size int) *bufio.Writer {
	return bufio.NewWriterSize(f, size)
}

// Append writes one framed record for (id, payload) to h and
// returns the record's offset and total on-disk size. It does not
// fsync; callers batch syncs via Sync.
func (m *Manager) Append(h *Handle, id msgid.ID, payload []byte) (offset, total int64, err error) {
	if h.mode != ModeAppend {
		return 0, 0, fmt.Errorf("segfile: Append on non-append handle for file %d", h.FileNo)
	}
	buf := m.encodeRecord(id, payload)
	n, err := h.w.Write(buf)
	if err != nil {
		return 0, 0, fmt.Errorf("segfile: append to file %d: %w", h.FileNo, err)
	}
	offset = h.offset
	h.offset += int64(n)
	return offset, int64(n), nil
}

func (m *Manager) encodeRecord(id msgid.ID, payload []byte) []byte {
	return m.key.encodeRecord(nil, id, payload)
}

// Sync flushes h's write buffer and fsyncs the underlying file.
func (m *Manager) Sync(h *Handle) error {
	if h.w != nil {
		if err := h.w.Flush(); err != nil {
			return fmt.Errorf("segfile: flush file %d: %w", h.FileNo, err)
		}
	}
	if err := h.f.Sync(); err != nil {
		return fmt.Errorf("segfile: fsync file %d: %w", h.FileNo, err)
	}
	return nil
}

// Truncate truncates h's underlying file to size bytes and resets
// the append offset if h is a write handle currently positioned
// past size.
func (m *Manager) Truncate(h *Handle, size int64) error {
	if h.w != nil {
		if err := h.w.Flush(); err != nil {
			return err
		}
	}
	if err := h.f.Truncate(size); err != nil {
		return fmt.Errorf("segfile: truncate file %d: %w", h.FileNo, err)
	}
	if h.offset > size {
		h.offset = size
	}
	if h.w != nil {
		if _, err := h.f.Seek(size, os.SEEK_SET); err != nil {
			return err
		}
		h.w.Reset(h.f)
	}
	return nil
}

// Read reads and validates one record at the given offset/totalSize
// from h.
func (m *Manager) Read(h *Handle, offset, totalSize int64) (msgid.ID, []byte, error) {
	sr := io.NewSectionReader(h.f, offset, totalSize)
	id, payload, decoded, err := m.key.decodeAt(sr)
	if err != nil {
		return msgid.ID{}, nil, fmt.Errorf("segfile: read file %d at %d: %w", h.FileNo, offset, err)
	}
	if decoded != totalSize {
		return msgid.ID{}, nil, fmt.Errorf("segfile: read file %d at %d: %w: expected %d bytes, frame was %d", h.FileNo, offset, errBadFrame, totalSize, decoded)
	}
	return id, payload, nil
}

// close releases the OS file handle. It does not touch the shared
// handle cache bookkeeping; callers go through Manager.Close or the
// cache's eviction path instead.
func (h *Handle) close() error {
	if h.w != nil {
		if err := h.w.Flush(); err != nil {
			h.f.Close()
			return err
		}
	}
	return h.f.Close()
}
