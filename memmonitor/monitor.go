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

// Package memmonitor plays the role of the "external memory monitor"
// collaborator referenced by SPEC_FULL.md §4.E's rate-sampling
// algorithm: something that watches available RAM and periodically
// hands each queue.Backing a new target_ram_count. It is adapted from
// the teacher's cgroup package (cgroup.Dir), reading the same
// cgroupv2 accounting files that package already knows how to locate,
// rather than reimplementing cgroup discovery from scratch.
package memmonitor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/coremq/msgstore/cgroup"
)

// DefaultAvgMessageSize is the assumed average message size, in bytes, used
// to translate a RAM budget into a message count. Callers with better
// information should use Monitor.SetAvgMessageSize.
const DefaultAvgMessageSize = 2048

// Monitor periodically reads cgroup memory accounting and computes a
// target_ram_count for one or more registered queues.
type Monitor struct {
	dir cgroup.Dir

	mu            sync.Mutex
	avgMsgSize    int64
	headroomBytes int64 // bytes below memory.max kept free
}

// New locates the current process's cgroup and returns a Monitor
// reading its memory.current/memory.max files. It returns an error
// only if no cgroupv2 hierarchy is available (e.g. non-Linux, or a
// legacy cgroup1-only host), matching cgroup.Self's own contract.
func New() (*Monitor, error) {
	dir, err := cgroup.Self()
	if err != nil {
		return nil, err
	}
	return &Monitor{dir: dir, avgMsgSize: DefaultAvgMessageSize, headroomBytes: 64 << 20}, nil
}

// SetAvgMessageSize overrides the assumed average message size used
// to convert bytes of headroom into a message count.
func (m *Monitor) SetAvgMessageSize(n int64) {
	m.mu.Lock()
	if n > 0 {
		m.avgMsgSize = n
	}
	m.mu.Unlock()
}

// TargetRAMCount reads current cgroup memory pressure and returns how
// many average-sized messages may be safely held in RAM: the
// available headroom under memory.max, minus a fixed safety margin,
// divided by the average message size. It returns 0 (not an error)
// whenever memory.max is "max" (unbounded) or unreadable, since an
// unbounded cgroup gives the monitor nothing useful to report, and
// the queue backing treats target_ram_count == 0 as "page everything"
// rather than as a fault.
func (m *Monitor) TargetRAMCount() int64 {
	current, okCur := m.readMemFile("memory.current")
	max, okMax := m.readMemFile("memory.max")
	if !okCur || !okMax || max <= 0 {
		return 0
	}
	m.mu.Lock()
	headroom, avg := m.headroomBytes, m.avgMsgSize
	m.mu.Unlock()

	available := max - current - headroom
	if available <= 0 {
		return 0
	}
	return available / avg
}

func (m *Monitor) readMemFile(name string) (int64, bool) {
	path := filepath.Join(string(m.dir), name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	text := strings.TrimSpace(string(raw))
	if text == "max" {
		return 0, false
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
