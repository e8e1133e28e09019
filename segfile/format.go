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
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dchest/siphash"

	"github.com/coremq/msgstore/msgid"
)

// TrailerKind tags the single trailer byte of a framed record.
// The store does not currently branch on this value itself; it is
// reserved for a future msgindex recovery optimization (see
// SPEC_FULL.md §4.A).
type TrailerKind byte

const (
	TrailerPublished TrailerKind = 0
	TrailerTombstone TrailerKind = 1
)

// frame layout:
//
//	u32 id_len
//	u64 payload_len
//	id_len bytes of id
//	payload_len bytes of payload
//	u64 checksum (siphash-2-4 of payload, keyed by the id's own
//	    per-instance siphash; see Key.sum)
//	u8  trailer kind
//
// TotalSize, as used throughout the rest of the package and in the
// spec, is the number of bytes a record occupies on disk, i.e. the
// full width of the frame above, not just the payload length.
const (
	headerLen  = 4 + 8 // id_len + payload_len
	trailerLen = 8 + 1 // checksum + trailer kind
)

// FrameSize returns the on-disk size of a record with the given
// id and payload lengths.
func FrameSize(idLen, payloadLen int) int64 {
	return int64(headerLen+trailerLen) + int64(idLen) + int64(payloadLen)
}

// Key is the per-instance siphash key used to checksum frames.
// The caller supplies it to NewManager (and to msgstore.New and
// msgstore.Recover); this package neither generates nor persists it,
// so recovery re-verifies frames written in a previous run only when
// the same key is passed again.
type Key [16]byte

func (k Key) halves() (uint64, uint64) {
	return binary.LittleEndian.Uint64(k[:8]), binary.LittleEndian.Uint64(k[8:])
}

func (k Key) sum(id msgid.ID, payload []byte) uint64 {
	k0, k1 := k.halves()
	// siphash.Hash operates over a single contiguous buffer;
	// id is fixed-width so we can checksum it and the payload
	// as two separate streams by folding the id's checksum into
	// the key material fed to the payload pass. This keeps the
	// hot path allocation-free (no id||payload concatenation).
	idSum := siphash.Hash(k0, k1, id[:])
	return siphash.Hash(idSum, k1, payload)
}

// encodeRecord appends the framed encoding of (id, payload) to dst
// and returns the extended slice.
func (k Key) encodeRecord(dst []byte, id msgid.ID, payload []byte) []byte {
	var hdr [headerLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(id)))
	binary.LittleEndian.PutUint64(hdr[4:12], uint64(len(payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, id[:]...)
	dst = append(dst, payload...)
	var tr [trailerLen]byte
	binary.LittleEndian.PutUint64(tr[0:8], k.sum(id, payload))
	tr[8] = byte(TrailerPublished)
	dst = append(dst, tr[:]...)
	return dst
}

// Record describes the location of one decoded frame, as produced
// by Scan.
type Record struct {
	ID        msgid.ID
	Offset    int64
	TotalSize int64
}

// decodeAt reads and validates exactly one frame starting at the
// current position of r. It returns the decoded id, payload and
// total on-disk size of the frame, or io.EOF if r is positioned
// exactly at the end of a well-formed stream.
func (k Key) decodeAt(r io.Reader) (msgid.ID, []byte, int64, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return msgid.ID{}, nil, 0, err
	}
	idLen := binary.LittleEndian.Uint32(hdr[0:4])
	payloadLen := binary.LittleEndian.Uint64(hdr[4:12])
	if idLen != msgid.Size {
		return msgid.ID{}, nil, 0, fmt.Errorf("segfile: %w: bad id length %d", errBadFrame, idLen)
	}
	// Bound payloadLen defensively; a corrupt length here must not
	// cause an attempted multi-exabyte allocation.
	const maxReasonablePayload = 1 << 34
	if payloadLen > maxReasonablePayload {
		return msgid.ID{}, nil, 0, fmt.Errorf("segfile: %w: implausible payload length %d", errBadFrame, payloadLen)
	}
	var id msgid.ID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return msgid.ID{}, nil, 0, unexpectedEOF(err)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return msgid.ID{}, nil, 0, unexpectedEOF(err)
	}
	var tr [trailerLen]byte
	if _, err := io.ReadFull(r, tr[:]); err != nil {
		return msgid.ID{}, nil, 0, unexpectedEOF(err)
	}
	wantSum := binary.LittleEndian.Uint64(tr[0:8])
	gotSum := k.sum(id, payload)
	if wantSum != gotSum {
		return msgid.ID{}, nil, 0, fmt.Errorf("segfile: %w: checksum mismatch", errBadFrame)
	}
	total := FrameSize(int(idLen), int(payloadLen))
	return id, payload, total, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
