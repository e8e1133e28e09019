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

// Package segfile implements the append-only segment file manager
// (.rdq files) described in SPEC_FULL.md §4.A: a fixed-ceiling
// append file abstraction, a handle cache with age-based LRU
// eviction, and the scan/read/write primitives the message store
// and compactor build on.
package segfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/coremq/msgstore/storeerr"
)

// Manager owns the on-disk directory for one store instance and the
// primitives for opening, appending to, reading from and scanning
// its segment files. Manager itself holds no mutable per-file state
// beyond the shared SummaryTable and HandleCache it is constructed
// with; the message store is responsible for sequencing writes.
type Manager struct {
	dir    string
	key    Key
	bufLen int
	cache  *HandleCache
}

// NewManager returns a Manager rooted at dir, which must already
// exist. key is the per-instance checksum key (see Key); bufSize is
// the write-buffer size used for append handles (spec default 1 MiB).
func NewManager(dir string, key Key, bufSize int) *Manager {
	if bufSize <= 0 {
		bufSize = 1 << 20
	}
	m := &Manager{dir: dir, key: key, bufLen: bufSize}
	m.cache = newHandleCache(m)
	return m
}

// Dir returns the instance directory.
func (m *Manager) Dir() string { return m.dir }

// Cache returns the shared handle cache.
func (m *Manager) Cache() *HandleCache { return m.cache }

func (m *Manager) pathFor(fileNo int64) string {
	return filepath.Join(m.dir, strconv.FormatInt(fileNo, 10)+".rdq")
}

func (m *Manager) tmpPathFor(fileNo int64) string {
	return filepath.Join(m.dir, strconv.FormatInt(fileNo, 10)+".rdt")
}

// OpenAppend opens fileNo for append, creating it if it does not
// exist. This is only ever called for the current file.
func (m *Manager) OpenAppend(fileNo int64) (*Handle, error) {
	f, err := os.OpenFile(m.pathFor(fileNo), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("segfile: open file %d for append: %w", fileNo, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(fi.Size(), os.SEEK_SET); err != nil {
		f.Close()
		return nil, err
	}
	h := &Handle{
		FileNo: fileNo,
		mode:   ModeAppend,
		f:      f,
		offset: fi.Size(),
	}
	h.w = newBufWriter(f, m.bufLen)
	return h, nil
}

// OpenRead opens fileNo read-only. Used both for direct client
// reads of non-current, unlocked files and by the compactor to read
// its two input files.
func (m *Manager) OpenRead(fileNo int64) (*Handle, error) {
	f, err := os.Open(m.pathFor(fileNo))
	if err != nil {
		return nil, fmt.Errorf("segfile: open file %d for read: %w", fileNo, err)
	}
	return &Handle{FileNo: fileNo, mode: ModeRead, f: f}, nil
}

// Close releases an OS handle directly, bypassing the cache. Used
// by the compactor, which manages its own handle lifetimes, and by
// the message store when rolling the current file.
func (m *Manager) Close(h *Handle) error {
	return h.close()
}

// Scan reads every well-framed record from the start of the file
// at path and returns their locations. It returns the longest
// well-framed prefix: a torn write or checksum failure at the tail
// ends the scan there rather than propagating an error, matching
// the crash-recovery contract in SPEC_FULL.md §4.A. A structural
// failure to even open the file is reported via storeerr.ErrUnableToScanFile.
func (m *Manager) Scan(path string) ([]Record, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("segfile: scan %s: %w", path, scanOpenErr(err))
	}
	defer f.Close()

	var out []Record
	var offset int64
	for {
		id, payload, total, err := m.key.decodeAt(f)
		if err != nil {
			break
		}
		out = append(out, Record{ID: id, Offset: offset, TotalSize: total})
		offset += total
		_ = payload // payload is only needed for its checksum during scan
	}
	return out, offset, nil
}

func scanOpenErr(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return fmt.Errorf("%w: %v", storeerr.ErrUnableToScanFile, err)
}

// RecoverTmp reunites any .rdt sibling of fileNo's .rdq into the
// main file, per SPEC_FULL.md §4.A / §4.D: a .tmp file whose main
// file exists is recovered by appending its bytes verbatim to the
// end of the main file, then the tmp is deleted. This is safe
// because the compactor's crash-safety invariant guarantees live
// data is present in dst, dst.tmp, or src at all times, and a
// leftover .rdt only ever holds a suffix that belongs after the
// main file's current contents.
func (m *Manager) RecoverTmp(fileNo int64) error {
	tmpPath := m.tmpPathFor(fileNo)
	tmpData, err := os.ReadFile(tmpPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("segfile: reading tmp sibling of file %d: %w", fileNo, err)
	}
	mainPath := m.pathFor(fileNo)
	if _, err := os.Stat(mainPath); errors.Is(err, fs.ErrNotExist) {
		// No main file to append to; the tmp alone cannot be
		// trusted to form a complete file, so it is discarded.
		return os.Remove(tmpPath)
	}
	f, err := os.OpenFile(mainPath, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("segfile: reopening file %d to absorb tmp: %w", fileNo, err)
	}
	_, werr := f.Write(tmpData)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("segfile: appending tmp into file %d: %w", fileNo, werr)
	}
	if cerr != nil {
		return cerr
	}
	return os.Remove(tmpPath)
}

// ListFileNumbers returns every <n>.rdq file number present in the
// instance directory, ascending.
func (m *Manager) ListFileNumbers() ([]int64, error) {
	ents, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var nos []int64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".rdq") {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(name, ".rdq"), 10, 64)
		if err != nil {
			continue
		}
		nos = append(nos, n)
	}
	sort.Slice(nos, func(i, j int) bool { return nos[i] < nos[j] })
	return nos, nil
}

// Remove unlinks fileNo's .rdq file. Only the owning message store
// goroutine, or the compactor acting on its behalf, should call
// this, and only once the file's Summary has been removed from the
// SummaryTable and its Readers count has drained to zero.
func (m *Manager) Remove(fileNo int64) error {
	if err := os.Remove(m.pathFor(fileNo)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("segfile: removing file %d: %w", fileNo, err)
	}
	return nil
}

// TmpPath exposes the compactor's scratch tmp path for fileNo's
// tail-rewrite (SPEC_FULL.md §4.D).
func (m *Manager) TmpPath(fileNo int64) string { return m.tmpPathFor(fileNo) }

// Path exposes fileNo's main segment path.
func (m *Manager) Path(fileNo int64) string { return m.pathFor(fileNo) }
