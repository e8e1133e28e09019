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

// Package storeerr defines the error kinds shared by the segment file
// manager, message index, message store, compactor and queue backing.
// Callers should compare with errors.Is against these sentinels
// rather than matching on message text.
package storeerr

import "errors"

var (
	// ErrNotFound is returned by a lookup or read for an id
	// that the store has no record of. It is a normal, expected
	// return value and is never reported as a fatal error.
	ErrNotFound = errors.New("not found")

	// ErrMisread indicates a checksum or frame mismatch was
	// observed while reading a record back from a segment file.
	ErrMisread = errors.New("misread: checksum or frame mismatch")

	// ErrUnableToScanFile indicates Scan could not establish
	// even an empty well-framed prefix for a segment file.
	ErrUnableToScanFile = errors.New("unable to scan segment file")

	// ErrTableCreationFailed indicates a persisted table (the
	// message index snapshot or file summary table) could not
	// be created on disk.
	ErrTableCreationFailed = errors.New("table creation failed")

	// ErrSchemaIntegrity indicates a persisted table was found
	// but failed a structural sanity check on load.
	ErrSchemaIntegrity = errors.New("schema integrity violation")

	// ErrCannotBackup indicates a file flagged for quarantine
	// after a misread could not be moved to the backup location.
	ErrCannotBackup = errors.New("cannot move file to backup location")

	// ErrCannotDelete indicates a file the store decided to
	// remove (an empty segment, or a compacted-away source)
	// could not actually be unlinked.
	ErrCannotDelete = errors.New("cannot delete file")

	// ErrIOFailure is a catch-all for I/O errors encountered
	// outside of the more specific kinds above. Any I/O failure
	// inside the compactor's critical region is treated as this
	// and is fatal to the owning goroutine.
	ErrIOFailure = errors.New("i/o failure")
)
