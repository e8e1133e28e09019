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

// Package diskblk provides the platform-specific file primitives
// (preallocation, truncation) shared by segfile and compactor.
// The split between linux.go and other.go follows the same
// build-tag structure the teacher uses to isolate mmap/Fallocate
// syscalls from a portable fallback.
package diskblk

import "os"

// Resize grows or shrinks f to exactly size bytes, preallocating
// the underlying disk blocks where the platform supports it so
// that a subsequent sequence of Append calls cannot fail with
// ENOSPC partway through a record.
func Resize(f *os.File, size int64) error {
	return resize(f, size)
}
