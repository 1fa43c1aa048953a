// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	"encoding/binary"

	"grimm.is/flowguard/internal/errors"
)

// HeaderSize is the packed size of a record header: code u32, id u64,
// length u32, little endian.
const HeaderSize = 16

// MaxPayload bounds the length field. Anything larger cannot be a valid
// record and the rest of the buffer is unparseable.
const MaxPayload = 1 << 20

// ErrShortBuffer means the record does not fit in, or is not complete in,
// the buffer. Records never span a buffer boundary, so the caller retries
// the whole record later.
var ErrShortBuffer = errors.New(errors.KindValidation, "short buffer")

// Record is one framed message.
type Record struct {
	Code    Code
	ID      uint64
	Payload []byte
}

// Size returns the encoded size of r.
func (r Record) Size() int { return HeaderSize + len(r.Payload) }

// EncodeRecord writes r at the start of dst and returns the bytes used.
func EncodeRecord(dst []byte, r Record) (int, error) {
	n := r.Size()
	if len(r.Payload) > MaxPayload {
		return 0, errors.Errorf(errors.KindValidation, "payload of %d bytes exceeds %d", len(r.Payload), MaxPayload)
	}
	if len(dst) < n {
		return 0, ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(dst[0:4], uint32(r.Code))
	binary.LittleEndian.PutUint64(dst[4:12], r.ID)
	binary.LittleEndian.PutUint32(dst[12:16], uint32(len(r.Payload)))
	copy(dst[HeaderSize:n], r.Payload)
	return n, nil
}

// AppendRecord appends the encoding of r to dst.
func AppendRecord(dst []byte, r Record) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(r.Code))
	dst = binary.LittleEndian.AppendUint64(dst, r.ID)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Payload)))
	return append(dst, r.Payload...)
}

// DecodeRecord parses the record at the start of src. The payload aliases
// src. ErrShortBuffer is returned for an incomplete record; a length
// beyond MaxPayload is a validation error that poisons the rest of src.
func DecodeRecord(src []byte) (Record, int, error) {
	if len(src) < HeaderSize {
		return Record{}, 0, ErrShortBuffer
	}
	length := binary.LittleEndian.Uint32(src[12:16])
	if length > MaxPayload {
		return Record{}, 0, errors.Attr(errors.Errorf(errors.KindValidation,
			"record length %d exceeds %d", length, MaxPayload), "code", binary.LittleEndian.Uint32(src[0:4]))
	}
	n := HeaderSize + int(length)
	if len(src) < n {
		return Record{}, 0, ErrShortBuffer
	}
	return Record{
		Code:    Code(binary.LittleEndian.Uint32(src[0:4])),
		ID:      binary.LittleEndian.Uint64(src[4:12]),
		Payload: src[HeaderSize:n],
	}, n, nil
}
